// Package tagging turns raw concatenated AAC audio into a finished, tagged
// M4A file. Encoding runs in an external ffmpeg process so no CPU-heavy
// work sits on the request path; cover art is fetched and embedded as an
// attached picture.
package tagging

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/archivexm/archivexm/internal/fsutil"
	"github.com/archivexm/archivexm/internal/log"
)

// Meta is the tag set embedded in the output file.
type Meta struct {
	Artist   string
	Title    string
	Album    string
	CoverURL string
}

// Job describes one encode: trim the concatenated input to the track's
// exact window and write the tagged result to OutputPath.
type Job struct {
	InputPath  string
	OutputPath string
	// StartOffset is how far into the input the track begins; offsets
	// under a tenth of a second are not worth a cut.
	StartOffset time.Duration
	// Duration bounds the output length; zero means keep everything.
	Duration time.Duration
	Meta     Meta
}

// Tagger runs ffmpeg encodes.
type Tagger struct {
	ffmpegPath string
	bitrate    string
	http       *http.Client
	log        zerolog.Logger
}

func New(ffmpegPath string) *Tagger {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Tagger{
		ffmpegPath: ffmpegPath,
		bitrate:    "256k",
		http:       &http.Client{Timeout: 15 * time.Second},
		log:        log.WithComponent("tagging"),
	}
}

// Encode trims, re-encodes, and tags the input, then moves the result into
// place atomically. The output path never holds a partial file.
func (t *Tagger) Encode(ctx context.Context, job Job) error {
	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmpOut := job.InputPath + ".encode.m4a"
	defer func() { _ = os.Remove(tmpOut) }()

	coverPath := ""
	if job.Meta.CoverURL != "" {
		p, err := t.fetchCover(ctx, job.Meta.CoverURL, job.InputPath)
		if err != nil {
			t.log.Warn().Str("event", "tagging.cover_failed").Err(err).
				Str("url", job.Meta.CoverURL).Msg("cover art fetch failed")
			return fmt.Errorf("fetch cover art: %w", err)
		}
		coverPath = p
		defer func() { _ = os.Remove(coverPath) }()
	}

	args := []string{"-y", "-i", job.InputPath}
	if coverPath != "" {
		args = append(args, "-i", coverPath)
	}
	if job.StartOffset > 100*time.Millisecond {
		args = append(args, "-ss", formatSeconds(job.StartOffset))
	}
	if job.Duration > 0 {
		args = append(args, "-t", formatSeconds(job.Duration))
	}
	if coverPath != "" {
		args = append(args,
			"-map", "0:a", "-map", "1",
			"-c:v", "copy", "-disposition:v", "attached_pic")
	}
	args = append(args,
		"-c:a", "aac", "-b:a", t.bitrate,
		"-metadata", "artist="+job.Meta.Artist,
		"-metadata", "title="+job.Meta.Title,
	)
	if job.Meta.Album != "" {
		args = append(args, "-metadata", "album="+job.Meta.Album)
	}
	args = append(args, "-movflags", "+faststart", tmpOut)

	cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, tail(stderr.String(), 400))
	}

	if err := fsutil.MoveAtomic(tmpOut, job.OutputPath); err != nil {
		return fmt.Errorf("finalize output: %w", err)
	}
	t.log.Info().Str("event", "tagging.encoded").
		Str("file", filepath.Base(job.OutputPath)).
		Str("artist", job.Meta.Artist).
		Str("title", job.Meta.Title).
		Msg("track encoded and tagged")
	return nil
}

func (t *Tagger) fetchCover(ctx context.Context, url, basePath string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	res, err := t.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cover fetch: status %d", res.StatusCode)
	}

	ext := ".jpg"
	if strings.Contains(res.Header.Get("Content-Type"), "png") || strings.HasSuffix(strings.ToLower(url), ".png") {
		ext = ".png"
	}
	coverPath := basePath + ".cover" + ext

	f, err := os.Create(coverPath)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, io.LimitReader(res.Body, 8<<20)); err != nil {
		_ = f.Close()
		_ = os.Remove(coverPath)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(coverPath)
		return "", err
	}
	return coverPath, nil
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
