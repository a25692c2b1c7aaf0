package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/archivexm/archivexm/internal/hls"
	"github.com/archivexm/archivexm/internal/metrics"
	"github.com/archivexm/archivexm/internal/sxm"
	"github.com/archivexm/archivexm/internal/tagging"
)

// BufferedSegment is one still-encrypted segment captured off the live edge.
type BufferedSegment struct {
	Index int
	Data  []byte
}

// SaveRecorded turns segments the live recorder buffered into a finished,
// tagged file and records it in job history as a completed job. Unlike a
// download job there is no trimming: the recorder already captured exactly
// the track's segments.
func (s *Service) SaveRecorded(ctx context.Context, track sxm.Track, segments []BufferedSegment, key []byte) (string, error) {
	if len(segments) == 0 {
		return "", errors.New("download: no segments to save")
	}

	tmpDir, err := os.MkdirTemp("", "archivexm-rec-")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	concatPath := filepath.Join(tmpDir, "track.aac")
	out, err := os.Create(concatPath) // #nosec G304 -- path is inside our own temp dir
	if err != nil {
		return "", fmt.Errorf("create concat file: %w", err)
	}
	for _, seg := range segments {
		plain, err := hls.DecryptSegment(seg.Data, key, seg.Index)
		if err != nil {
			_ = out.Close()
			return "", fmt.Errorf("segment %d: %w", seg.Index, err)
		}
		if _, err := out.Write(plain); err != nil {
			_ = out.Close()
			return "", fmt.Errorf("write concat file: %w", err)
		}
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close concat file: %w", err)
	}

	job := jobFromTrack(track)
	outPath := s.outputPath(job)
	encodeJob := tagging.Job{
		InputPath:  concatPath,
		OutputPath: outPath,
		Duration:   track.Duration,
		Meta: tagging.Meta{
			Artist:   track.Artist,
			Title:    track.Title,
			Album:    track.Album,
			CoverURL: track.ImageURL,
		},
	}
	if err := s.tagger.Encode(ctx, encodeJob); err != nil {
		if encodeJob.Meta.CoverURL == "" {
			return "", err
		}
		// Captured audio is never discarded over artwork.
		s.log.Warn().Str("event", "download.cover_dropped").Err(err).
			Str("title", track.Title).Msg("re-encoding recorded track without cover art")
		encodeJob.Meta.CoverURL = ""
		if err := s.tagger.Encode(ctx, encodeJob); err != nil {
			return "", err
		}
	}

	size := int64(0)
	if info, statErr := os.Stat(outPath); statErr == nil {
		size = info.Size()
	}
	created, err := s.store.Create(ctx, job)
	if err == nil {
		err = s.store.MarkCompleted(ctx, created.ID, outPath, size)
	}
	if err != nil {
		// The audio is on disk; a missing history row is worth a log, not
		// a failed save.
		s.log.Warn().Str("event", "download.history_failed").Err(err).
			Str("file", outPath).Msg("recorded track not persisted to history")
	}
	metrics.DownloadJobs.WithLabelValues(StatusCompleted).Inc()
	return outPath, nil
}
