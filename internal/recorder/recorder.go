// Package recorder captures a channel's live edge and splits the audio into
// per-track files as the schedule advances. The daemon records one channel
// at a time; the active capture is an owned slot that is acquired on start
// and released when the capture goroutine finishes finalizing.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/archivexm/archivexm/internal/credentials"
	"github.com/archivexm/archivexm/internal/download"
	"github.com/archivexm/archivexm/internal/hls"
	"github.com/archivexm/archivexm/internal/log"
	"github.com/archivexm/archivexm/internal/metrics"
	"github.com/archivexm/archivexm/internal/sxm"
)

var (
	// ErrAlreadyRecording is returned when the recorder slot is taken.
	ErrAlreadyRecording = errors.New("recorder: a recording is already active")
	// ErrNotRecording is returned by stop requests with no active capture.
	ErrNotRecording = errors.New("recorder: no active recording")
)

// ClientFactory builds an upstream client bound to a credential's tokens.
type ClientFactory func(ts sxm.TokenSource) *sxm.Client

// Saver flushes buffered segments into a finished track file.
type Saver interface {
	SaveRecorded(ctx context.Context, track sxm.Track, segments []download.BufferedSegment, key []byte) (string, error)
}

// ScheduleSource reports what is playing right now.
type ScheduleSource interface {
	Current(channelID string) (sxm.Track, bool)
}

// Watcher keeps the schedule for a channel refreshing while watched.
type Watcher interface {
	Watch(ctx context.Context, channelID string) func()
}

// Config tunes the capture loop.
type Config struct {
	Quality          string        // preferred variant, default "256k"
	CaptureInterval  time.Duration // playlist poll cadence, default 5s
	GracefulStopWait time.Duration // boundary wait ceiling, default 5m
	SegmentRetries   int
	SegmentBackoff   time.Duration
}

func (c *Config) defaults() {
	if c.Quality == "" {
		c.Quality = "256k"
	}
	if c.CaptureInterval <= 0 {
		c.CaptureInterval = 5 * time.Second
	}
	if c.GracefulStopWait <= 0 {
		c.GracefulStopWait = 5 * time.Minute
	}
	if c.SegmentRetries <= 0 {
		c.SegmentRetries = 3
	}
	if c.SegmentBackoff <= 0 {
		c.SegmentBackoff = 500 * time.Millisecond
	}
}

// Recorder owns the single recording slot.
type Recorder struct {
	pool      *credentials.Manager
	newClient ClientFactory
	schedule  ScheduleSource
	watcher   Watcher
	saver     Saver
	cfg       Config
	log       zerolog.Logger

	mu     sync.Mutex
	active *capture
}

func New(pool *credentials.Manager, newClient ClientFactory, schedule ScheduleSource,
	watcher Watcher, saver Saver, cfg Config) *Recorder {
	cfg.defaults()
	return &Recorder{
		pool:      pool,
		newClient: newClient,
		schedule:  schedule,
		watcher:   watcher,
		saver:     saver,
		cfg:       cfg,
		log:       log.WithComponent("recorder"),
	}
}

// capture is one recording run. State and current-track are guarded by mu;
// the run goroutine owns everything else.
type capture struct {
	channelID string
	startedAt time.Time
	cancel    context.CancelFunc
	stopReq   chan bool // true = graceful
	done      chan struct{}

	mu      sync.Mutex
	state   State
	current *sxm.Track
	tracks  int
	log     zerolog.Logger
}

func (c *capture) apply(ev Event) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := Next(c.state, ev)
	if err != nil {
		c.log.Warn().Str("event", "recorder.bad_transition").
			Str("state", c.state.String()).Str("input", ev.String()).Msg("transition rejected")
		return c.state
	}
	c.state = next
	return next
}

func (c *capture) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *capture) currentTrack() *sxm.Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *capture) setCurrent(t *sxm.Track) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

func (c *capture) trackSaved() {
	c.mu.Lock()
	c.tracks++
	c.mu.Unlock()
}

func (c *capture) tracksRecorded() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracks
}

// Status is the recorder's externally visible state.
type Status struct {
	Recording      bool       `json:"recording"`
	State          string     `json:"state"`
	ChannelID      string     `json:"channel_id,omitempty"`
	StartedAt      *time.Time `json:"start_time,omitempty"`
	ElapsedSeconds float64    `json:"elapsed_seconds"`
	TracksRecorded int        `json:"tracks_recorded"`
	CurrentTrack   *sxm.Track `json:"current_track,omitempty"`
}

// Start claims the recording slot and launches the capture. It returns
// immediately; progress is observable through Status.
func (r *Recorder) Start(ctx context.Context, channelID string) (Status, error) {
	r.mu.Lock()
	if r.active != nil {
		r.mu.Unlock()
		return Status{}, ErrAlreadyRecording
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &capture{
		channelID: channelID,
		startedAt: time.Now(),
		cancel:    cancel,
		stopReq:   make(chan bool, 1),
		done:      make(chan struct{}),
		state:     StateStarting,
		log:       r.log.With().Str("channel", channelID).Logger(),
	}
	r.active = c
	r.mu.Unlock()

	r.log.Info().Str("event", "recorder.starting").Str("channel", channelID).Msg("recording requested")
	go r.run(runCtx, c)
	return r.statusOf(c), nil
}

// Stop requests the active capture to end. Graceful stops wait for the
// current track to finish, bounded by the configured ceiling; forced stops
// finalize whatever is buffered right away. Stop does not block on the
// finalize itself.
func (r *Recorder) Stop(graceful bool) (Status, error) {
	r.mu.Lock()
	c := r.active
	r.mu.Unlock()
	if c == nil {
		return Status{}, ErrNotRecording
	}

	if graceful {
		select {
		case c.stopReq <- true:
		default: // a stop is already queued
		}
	} else {
		c.apply(EventStopForced)
		c.cancel()
	}
	return r.statusOf(c), nil
}

// StopWait forces the active capture to end and blocks until its buffered
// audio has been finalized, bounded by ctx. Shutdown paths use this so the
// process does not exit while the last track is still being written.
func (r *Recorder) StopWait(ctx context.Context) error {
	r.mu.Lock()
	c := r.active
	r.mu.Unlock()
	if c == nil {
		return ErrNotRecording
	}

	c.apply(EventStopForced)
	c.cancel()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports the recorder's current state.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	c := r.active
	r.mu.Unlock()
	if c == nil {
		return Status{State: StateIdle.String()}
	}
	return r.statusOf(c)
}

func (r *Recorder) statusOf(c *capture) Status {
	started := c.startedAt
	return Status{
		Recording:      true,
		State:          c.currentState().String(),
		ChannelID:      c.channelID,
		StartedAt:      &started,
		ElapsedSeconds: time.Since(c.startedAt).Seconds(),
		TracksRecorded: c.tracksRecorded(),
		CurrentTrack:   c.currentTrack(),
	}
}

// recordingStream is the resolved channel stream the capture loop polls.
type recordingStream struct {
	client     *sxm.Client
	variantURL string
	key        []byte
}

func (r *Recorder) run(ctx context.Context, c *capture) {
	defer close(c.done)
	defer func() {
		c.apply(EventFinalized)
		r.mu.Lock()
		if r.active == c {
			r.active = nil
		}
		r.mu.Unlock()
	}()

	lease, err := r.pool.Acquire(ctx, "recording", c.channelID)
	if err != nil {
		c.log.Error().Str("event", "recorder.start_failed").Err(err).Msg("no stream capacity")
		c.apply(EventStreamLost)
		return
	}
	defer r.pool.Release(context.WithoutCancel(ctx), lease)

	stream, playlist, err := r.resolveStream(ctx, lease.CredentialID, c.channelID)
	if err != nil {
		c.log.Error().Str("event", "recorder.start_failed").Err(err).Msg("stream resolution failed")
		c.apply(EventStreamLost)
		return
	}

	unwatch := r.watcher.Watch(ctx, c.channelID)
	defer unwatch()

	// Seed with everything already in the playlist so only audio from the
	// live edge onward is recorded.
	seen := make(map[string]struct{}, len(playlist.Segments))
	for _, seg := range playlist.Segments {
		seen[seg.URL] = struct{}{}
	}

	c.apply(EventStreamReady)
	c.setCurrent(r.currentOrPlaceholder(c))
	c.log.Info().Str("event", "recorder.started").
		Int("seeded_segments", len(seen)).Msg("recording from live edge")

	var (
		buffer   []download.BufferedSegment
		saves    sync.WaitGroup
		deadline <-chan time.Time
		failures int
		reason   = "forced_stop"
	)
	ticker := time.NewTicker(r.cfg.CaptureInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop

		case <-c.stopReq:
			if c.apply(EventStopGraceful) == StateStoppingGraceful && deadline == nil {
				timer := time.NewTimer(r.cfg.GracefulStopWait)
				defer timer.Stop()
				deadline = timer.C
				c.log.Info().Str("event", "recorder.stop_requested").
					Dur("ceiling", r.cfg.GracefulStopWait).Msg("waiting for track boundary")
			}

		case <-deadline:
			c.apply(EventDeadline)
			reason = "deadline"
			break loop

		case <-ticker.C:
			_ = r.pool.Heartbeat(ctx, lease)

			playlist, err := r.fetchPlaylist(ctx, stream)
			if err != nil {
				failures++
				c.log.Warn().Str("event", "recorder.playlist_failed").Err(err).
					Int("consecutive", failures).Msg("playlist fetch failed")
				if failures > r.cfg.SegmentRetries {
					c.apply(EventStreamLost)
					reason = "stream_lost"
					break loop
				}
				continue
			}
			failures = 0

			for _, seg := range playlist.Segments {
				if _, ok := seen[seg.URL]; ok {
					continue
				}
				seen[seg.URL] = struct{}{}
				data, err := r.fetchSegment(ctx, stream.client, seg.URL)
				if err != nil {
					c.log.Warn().Str("event", "recorder.segment_failed").Err(err).
						Str("url", seg.URL).Msg("segment lost")
					continue
				}
				buffer = append(buffer, download.BufferedSegment{Index: seg.Index, Data: data})
			}

			cur, ok := r.schedule.Current(c.channelID)
			if !ok {
				continue
			}
			prev := c.currentTrack()
			if prev != nil && cur.StartsAt.Equal(prev.StartsAt) {
				continue
			}

			// Track changed: everything buffered so far belongs to the
			// track that just ended.
			if prev != nil && len(buffer) > 0 {
				r.saveAsync(ctx, c, *prev, buffer, stream.key, "boundary", &saves)
				buffer = nil
			}
			c.setCurrent(&cur)
			if c.apply(EventTrackBoundary) == StateStoppingForced {
				reason = "graceful_stop"
				break loop
			}
		}
	}

	if cur := c.currentTrack(); cur != nil && len(buffer) > 0 {
		r.save(context.WithoutCancel(ctx), c, *cur, buffer, stream.key, reason)
	}
	saves.Wait()
	c.log.Info().Str("event", "recorder.stopped").
		Str("reason", reason).
		Int("tracks", c.tracksRecorded()).
		Dur("elapsed", time.Since(c.startedAt)).
		Msg("recording finished")
}

func (r *Recorder) saveAsync(ctx context.Context, c *capture, track sxm.Track,
	segments []download.BufferedSegment, key []byte, reason string, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.save(context.WithoutCancel(ctx), c, track, segments, key, reason)
	}()
}

func (r *Recorder) save(ctx context.Context, c *capture, track sxm.Track,
	segments []download.BufferedSegment, key []byte, reason string) {
	path, err := r.saver.SaveRecorded(ctx, track, segments, key)
	if err != nil {
		c.log.Error().Str("event", "recorder.save_failed").Err(err).
			Str("artist", track.Artist).Str("title", track.Title).Msg("track lost")
		return
	}
	c.trackSaved()
	metrics.RecorderTracks.WithLabelValues(reason).Inc()
	c.log.Info().Str("event", "recorder.track_saved").
		Str("artist", track.Artist).Str("title", track.Title).
		Str("file", path).Str("reason", reason).
		Int("segments", len(segments)).Msg("track finalized")
}

// currentOrPlaceholder returns what the schedule says is playing, or a
// placeholder so audio captured before the first schedule hit is not lost.
func (r *Recorder) currentOrPlaceholder(c *capture) *sxm.Track {
	if cur, ok := r.schedule.Current(c.channelID); ok {
		return &cur
	}
	return &sxm.Track{
		Artist:    "Unknown Artist",
		Title:     fmt.Sprintf("Recording %s", c.startedAt.UTC().Format("2006-01-02 15.04.05")),
		StartsAt:  c.startedAt,
		ChannelID: c.channelID,
	}
}

func (r *Recorder) resolveStream(ctx context.Context, credentialID int64, channelID string) (*recordingStream, *hls.MediaPlaylist, error) {
	client := r.newClient(r.pool.TokenSource(credentialID))

	streamURL, err := client.TuneSource(ctx, channelID, "")
	if err != nil {
		return nil, nil, fmt.Errorf("resolve stream: %w", err)
	}
	body, _, err := client.Get(ctx, streamURL, false)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch master playlist: %w", err)
	}
	variants, err := hls.ParseMaster(string(body), streamURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse master playlist: %w", err)
	}
	variant, ok := hls.PickVariant(variants, r.cfg.Quality)
	if !ok {
		return nil, nil, errors.New("recorder: master playlist has no variants")
	}

	stream := &recordingStream{client: client, variantURL: variant.URI}
	playlist, err := r.fetchPlaylist(ctx, stream)
	if err != nil {
		return nil, nil, err
	}
	if playlist.KeyURI == "" {
		return nil, nil, errors.New("recorder: media playlist has no key")
	}
	keyURL := hls.ResolveURL(variant.URI, playlist.KeyURI)
	keyBody, _, err := client.Get(ctx, keyURL, true)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch decryption key: %w", err)
	}
	stream.key, err = hls.DecodeKey(keyBody)
	if err != nil {
		return nil, nil, fmt.Errorf("decode key: %w", err)
	}
	return stream, playlist, nil
}

func (r *Recorder) fetchPlaylist(ctx context.Context, stream *recordingStream) (*hls.MediaPlaylist, error) {
	body, _, err := stream.client.Get(ctx, stream.variantURL, false)
	if err != nil {
		return nil, fmt.Errorf("fetch media playlist: %w", err)
	}
	playlist, err := hls.ParseMedia(string(body), stream.variantURL)
	if err != nil {
		return nil, fmt.Errorf("parse media playlist: %w", err)
	}
	return playlist, nil
}

func (r *Recorder) fetchSegment(ctx context.Context, client *sxm.Client, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.SegmentRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.cfg.SegmentBackoff * time.Duration(attempt)):
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
