// Package download fetches individual tracks from the DVR window as tagged
// audio files. Each job resolves the channel's stream, pulls only the
// segments overlapping the track, decrypts and concatenates them, and hands
// the result to the tagging encoder. Bulk jobs share one stream resolution
// and one capacity lease across the whole batch.
package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/archivexm/archivexm/internal/credentials"
	"github.com/archivexm/archivexm/internal/fsutil"
	"github.com/archivexm/archivexm/internal/hls"
	"github.com/archivexm/archivexm/internal/log"
	"github.com/archivexm/archivexm/internal/metrics"
	"github.com/archivexm/archivexm/internal/sxm"
	"github.com/archivexm/archivexm/internal/tagging"
)

// ErrTrackOutsideWindow is returned when no playlist segments overlap the
// requested track anymore.
var ErrTrackOutsideWindow = errors.New("download: track no longer in the rewind window")

// ClientFactory builds an upstream client bound to a credential's tokens.
type ClientFactory func(ts sxm.TokenSource) *sxm.Client

// ScheduleSource supplies track boundaries for duration inference.
type ScheduleSource interface {
	NextAfter(channelID string, t time.Time) (sxm.Track, bool)
}

// ChannelNamer resolves a channel id to its display name for output paths.
type ChannelNamer interface {
	ChannelName(channelID string) string
}

// Config tunes the download service.
type Config struct {
	OutputDir      string
	Quality        string // preferred variant, e.g. "256k"
	SegmentRetries int
	SegmentBackoff time.Duration
	BulkWorkers    int
}

func (c *Config) defaults() {
	if c.Quality == "" {
		c.Quality = "256k"
	}
	if c.SegmentRetries <= 0 {
		c.SegmentRetries = 3
	}
	if c.SegmentBackoff <= 0 {
		c.SegmentBackoff = 500 * time.Millisecond
	}
	if c.BulkWorkers <= 0 {
		c.BulkWorkers = 3
	}
}

// Service runs download jobs against the upstream rewind window.
type Service struct {
	pool      *credentials.Manager
	newClient ClientFactory
	schedule  ScheduleSource
	names     ChannelNamer
	tagger    *tagging.Tagger
	store     *Store
	cfg       Config
	log       zerolog.Logger
}

func NewService(pool *credentials.Manager, newClient ClientFactory, schedule ScheduleSource,
	names ChannelNamer, tagger *tagging.Tagger, store *Store, cfg Config) *Service {
	cfg.defaults()
	return &Service{
		pool:      pool,
		newClient: newClient,
		schedule:  schedule,
		names:     names,
		tagger:    tagger,
		store:     store,
		cfg:       cfg,
		log:       log.WithComponent("download"),
	}
}

// Single enqueues one track download and processes it in the background.
// The returned job is already persisted as pending.
func (s *Service) Single(ctx context.Context, track sxm.Track) (Job, error) {
	job, err := s.store.Create(ctx, jobFromTrack(track))
	if err != nil {
		return Job{}, err
	}
	go s.runSingle(context.WithoutCancel(ctx), job)
	return job, nil
}

func (s *Service) runSingle(ctx context.Context, job Job) {
	started := time.Now()
	lease, err := s.pool.Acquire(ctx, "download", job.ChannelID)
	if err != nil {
		s.fail(ctx, job, fmt.Errorf("acquire stream slot: %w", err))
		return
	}
	defer s.pool.Release(ctx, lease)

	res, err := s.resolveStream(ctx, lease, job.ChannelID)
	if err != nil {
		s.fail(ctx, job, err)
		return
	}
	s.runJob(ctx, job, res, started)
}

// Bulk enqueues every given track and processes them concurrently over a
// single stream resolution. Failures are independent per track.
func (s *Service) Bulk(ctx context.Context, channelID string, tracks []sxm.Track) ([]Job, error) {
	jobs := make([]Job, 0, len(tracks))
	for _, track := range tracks {
		job, err := s.store.Create(ctx, jobFromTrack(track))
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	go s.runBulk(context.WithoutCancel(ctx), channelID, jobs)
	return jobs, nil
}

func (s *Service) runBulk(ctx context.Context, channelID string, jobs []Job) {
	lease, err := s.pool.Acquire(ctx, "download", channelID)
	if err != nil {
		for _, job := range jobs {
			s.fail(ctx, job, fmt.Errorf("acquire stream slot: %w", err))
		}
		return
	}
	defer s.pool.Release(ctx, lease)

	res, err := s.resolveStream(ctx, lease, channelID)
	if err != nil {
		for _, job := range jobs {
			s.fail(ctx, job, err)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.BulkWorkers)
	for _, job := range jobs {
		g.Go(func() error {
			s.runJob(ctx, job, res, time.Now())
			return nil
		})
	}
	_ = g.Wait()
	s.log.Info().Str("event", "download.bulk_done").
		Str("channel", channelID).Int("jobs", len(jobs)).Msg("bulk download finished")
}

// streamResources is everything a job needs from the channel stream: the
// parsed media playlist, the decryption key, the playlist base URL and the
// capacity lease the jobs keep alive while they pull segments.
type streamResources struct {
	playlist *hls.MediaPlaylist
	baseURL  string
	key      []byte
	client   *sxm.Client
	lease    *credentials.Lease
}

func (s *Service) resolveStream(ctx context.Context, lease *credentials.Lease, channelID string) (*streamResources, error) {
	client := s.newClient(s.pool.TokenSource(lease.CredentialID))

	streamURL, err := client.TuneSource(ctx, channelID, "")
	if err != nil {
		return nil, fmt.Errorf("resolve stream: %w", err)
	}
	body, _, err := client.Get(ctx, streamURL, false)
	if err != nil {
		return nil, fmt.Errorf("fetch master playlist: %w", err)
	}
	variants, err := hls.ParseMaster(string(body), streamURL)
	if err != nil {
		return nil, fmt.Errorf("parse master playlist: %w", err)
	}
	variant, ok := hls.PickVariant(variants, s.cfg.Quality)
	if !ok {
		return nil, errors.New("download: master playlist has no variants")
	}
	body, _, err = client.Get(ctx, variant.URI, false)
	if err != nil {
		return nil, fmt.Errorf("fetch media playlist: %w", err)
	}
	playlist, err := hls.ParseMedia(string(body), variant.URI)
	if err != nil {
		return nil, fmt.Errorf("parse media playlist: %w", err)
	}
	if playlist.KeyURI == "" {
		return nil, errors.New("download: media playlist has no key")
	}
	keyURL := hls.ResolveURL(variant.URI, playlist.KeyURI)
	keyBody, _, err := client.Get(ctx, keyURL, true)
	if err != nil {
		return nil, fmt.Errorf("fetch decryption key: %w", err)
	}
	key, err := hls.DecodeKey(keyBody)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	return &streamResources{playlist: playlist, baseURL: variant.URI, key: key, client: client, lease: lease}, nil
}

func (s *Service) runJob(ctx context.Context, job Job, res *streamResources, started time.Time) {
	if err := s.store.SetStatus(ctx, job.ID, StatusDownloading); err != nil {
		s.log.Error().Str("event", "download.status_failed").Err(err).Int64("job", job.ID).Msg("status update failed")
	}
	path, size, err := s.process(ctx, job, res)
	if err != nil {
		s.fail(ctx, job, err)
		return
	}
	if err := s.store.MarkCompleted(ctx, job.ID, path, size); err != nil {
		s.log.Error().Str("event", "download.status_failed").Err(err).Int64("job", job.ID).Msg("status update failed")
	}
	metrics.DownloadJobs.WithLabelValues(StatusCompleted).Inc()
	metrics.DownloadDuration.Observe(time.Since(started).Seconds())
	s.log.Info().Str("event", "download.completed").
		Int64("job", job.ID).
		Str("artist", job.Artist).
		Str("title", job.Title).
		Str("file", path).
		Msg("track downloaded")
}

func (s *Service) process(ctx context.Context, job Job, res *streamResources) (string, int64, error) {
	duration := job.Duration
	if duration <= 0 {
		if next, ok := s.schedule.NextAfter(job.ChannelID, job.StartsAt); ok {
			duration = next.StartsAt.Sub(job.StartsAt)
		}
	}
	end := job.StartsAt.Add(duration)
	if duration <= 0 {
		if n := len(res.playlist.Segments); n > 0 {
			end = res.playlist.Segments[n-1].End()
		}
	}

	segments := hls.FilterWindow(res.playlist.Segments, job.StartsAt, end)
	if len(segments) == 0 {
		return "", 0, ErrTrackOutsideWindow
	}

	tmpDir, err := os.MkdirTemp("", "archivexm-dl-")
	if err != nil {
		return "", 0, fmt.Errorf("create temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	concatPath := filepath.Join(tmpDir, "track.aac")
	if err := s.writeConcat(ctx, concatPath, res, segments); err != nil {
		return "", 0, err
	}

	outPath := s.outputPath(job)
	encodeJob := tagging.Job{
		InputPath:   concatPath,
		OutputPath:  outPath,
		StartOffset: hls.StartOffset(segments, job.StartsAt),
		Duration:    duration,
		Meta: tagging.Meta{
			Artist:   job.Artist,
			Title:    job.Title,
			Album:    job.Album,
			CoverURL: job.ImageURL,
		},
	}
	if err := s.tagger.Encode(ctx, encodeJob); err != nil {
		return "", 0, err
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return "", 0, fmt.Errorf("stat output: %w", err)
	}
	return outPath, info.Size(), nil
}

// writeConcat downloads and decrypts every segment, appending the plaintext
// audio to one file in playlist order.
func (s *Service) writeConcat(ctx context.Context, path string, res *streamResources, segments []hls.Segment) error {
	out, err := os.Create(path) // #nosec G304 -- path is inside our own temp dir
	if err != nil {
		return fmt.Errorf("create concat file: %w", err)
	}
	defer func() { _ = out.Close() }()

	for _, seg := range segments {
		// Long batches outlive the pool's stale-lease cutoff; touching the
		// lease per segment keeps the slot from being swept mid-download.
		_ = s.pool.Heartbeat(ctx, res.lease)
		data, err := s.fetchSegment(ctx, res.client, seg.URL)
		if err != nil {
			return fmt.Errorf("segment %d: %w", seg.Index, err)
		}
		plain, err := hls.DecryptSegment(data, res.key, seg.Index)
		if err != nil {
			return fmt.Errorf("segment %d: %w", seg.Index, err)
		}
		if _, err := out.Write(plain); err != nil {
			return fmt.Errorf("write concat file: %w", err)
		}
	}
	return out.Close()
}

func (s *Service) fetchSegment(ctx context.Context, client *sxm.Client, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.SegmentRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.cfg.SegmentBackoff * time.Duration(attempt)):
			}
		}
		data, _, err := client.Get(ctx, url, false)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *Service) outputPath(job Job) string {
	station := "Unknown Station"
	if s.names != nil {
		if name := s.names.ChannelName(job.ChannelID); name != "" {
			station = name
		}
	}
	fileName := fsutil.SanitizeFilename(job.Artist+" - "+job.Title) + ".m4a"
	return filepath.Join(s.cfg.OutputDir,
		fsutil.SanitizeFilename(station),
		job.StartsAt.UTC().Format("2006-01-02"),
		fileName)
}

func (s *Service) fail(ctx context.Context, job Job, cause error) {
	if err := s.store.MarkFailed(ctx, job.ID, cause.Error()); err != nil {
		s.log.Error().Str("event", "download.status_failed").Err(err).Int64("job", job.ID).Msg("status update failed")
	}
	metrics.DownloadJobs.WithLabelValues(StatusFailed).Inc()
	s.log.Error().Str("event", "download.failed").
		Int64("job", job.ID).
		Str("artist", job.Artist).
		Str("title", job.Title).
		Err(cause).
		Msg("download failed")
}

func jobFromTrack(track sxm.Track) Job {
	return Job{
		ChannelID: track.ChannelID,
		Artist:    track.Artist,
		Title:     track.Title,
		Album:     track.Album,
		StartsAt:  track.StartsAt,
		Duration:  track.Duration,
		ImageURL:  track.ImageURL,
	}
}
