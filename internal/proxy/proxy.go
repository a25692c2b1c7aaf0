// Package proxy republishes upstream live streams for browser players. It
// acquires a credential lease per viewing session, rewrites playlists so
// every media and key request routes back through the local daemon, and
// pumps segment bytes without buffering whole files.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/archivexm/archivexm/internal/credentials"
	"github.com/archivexm/archivexm/internal/hls"
	"github.com/archivexm/archivexm/internal/log"
	"github.com/archivexm/archivexm/internal/metrics"
	"github.com/archivexm/archivexm/internal/sxm"
)

// ErrSessionNotFound is returned for media requests against an unknown or
// already torn down proxy session.
var ErrSessionNotFound = errors.New("proxy session not found")

// ClientFactory builds an upstream client bound to a credential's tokens.
type ClientFactory func(ts sxm.TokenSource) *sxm.Client

// Config tunes proxy behavior.
type Config struct {
	UserAgent      string
	SegmentRetries int
	SegmentBackoff time.Duration
	// IdleTimeout is how long a session may go without media requests
	// before its lease is reclaimed.
	IdleTimeout time.Duration
}

// Proxy owns live viewing sessions.
type Proxy struct {
	pool      *credentials.Manager
	newClient ClientFactory
	registry  *Registry
	http      *http.Client
	cfg       Config
	log       zerolog.Logger
}

func New(pool *credentials.Manager, newClient ClientFactory, cfg Config) *Proxy {
	if cfg.SegmentRetries <= 0 {
		cfg.SegmentRetries = 3
	}
	if cfg.SegmentBackoff <= 0 {
		cfg.SegmentBackoff = 500 * time.Millisecond
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 90 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36"
	}
	return &Proxy{
		pool:      pool,
		newClient: newClient,
		registry:  NewRegistry(),
		http:      &http.Client{Timeout: 30 * time.Second},
		cfg:       cfg,
		log:       log.WithComponent("proxy"),
	}
}

// Registry exposes the live session list for the status API.
func (p *Proxy) Registry() *Registry { return p.registry }

// Open starts a viewing session for a channel: acquires a lease, resolves
// the stream, and returns the session plus the rewritten master playlist.
// Each open call takes its own lease, so concurrent viewers account
// individually against pool capacity.
func (p *Proxy) Open(ctx context.Context, req *http.Request, channelID string) (*Session, string, error) {
	lease, err := p.pool.Acquire(ctx, "playback", channelID)
	if err != nil {
		return nil, "", err
	}

	client := p.newClient(p.pool.TokenSource(lease.CredentialID))
	masterURL, err := client.TuneSource(ctx, channelID, "")
	if err != nil {
		p.pool.Release(ctx, lease)
		return nil, "", fmt.Errorf("tune channel %s: %w", channelID, err)
	}

	body, _, err := p.fetch(ctx, masterURL)
	if err != nil {
		p.pool.Release(ctx, lease)
		return nil, "", fmt.Errorf("fetch master playlist: %w", err)
	}

	baseURL := masterURL
	if i := strings.LastIndex(masterURL, "/"); i > 0 {
		baseURL = masterURL[:i+1]
	}

	sess := p.registry.Register(req, channelID, baseURL, lease)

	rewritten := rewriteMaster(string(body), sess.mediaPrefix())
	p.log.Info().
		Str("event", "proxy.session_opened").
		Str("session", sess.ID).
		Str("channel", channelID).
		Str("client", sess.ClientIP).
		Msg("live proxy session opened")
	return sess, rewritten, nil
}

// Close tears a session down and releases its lease. Closing an unknown
// session is a no-op.
func (p *Proxy) Close(ctx context.Context, sessionID string) {
	sess := p.registry.Remove(sessionID)
	if sess == nil {
		return
	}
	p.pool.Release(ctx, sess.lease)
	p.log.Info().
		Str("event", "proxy.session_closed").
		Str("session", sess.ID).
		Str("channel", sess.ChannelID).
		Int64("bytes_sent", sess.BytesSent).
		Msg("live proxy session closed")
}

// CloseChannel tears down every session for a channel. A channel switch
// must free the old slots before the new channel claims one.
func (p *Proxy) CloseChannel(ctx context.Context, channelID string) int {
	var n int
	for _, s := range p.registry.List() {
		if s.ChannelID == channelID {
			p.Close(ctx, s.ID)
			n++
		}
	}
	return n
}

func (s *Session) mediaPrefix() string {
	return "/api/streams/session/" + s.ID + "/media/"
}

func (s *Session) keyPrefix() string {
	return "/api/streams/session/" + s.ID + "/key/"
}

// ServeMedia proxies a variant playlist or media segment for a session.
// Playlists are rewritten; segment bytes are streamed straight through.
func (p *Proxy) ServeMedia(ctx context.Context, w http.ResponseWriter, sessionID, mediaPath string) error {
	sess := p.registry.Get(sessionID)
	if sess == nil {
		return ErrSessionNotFound
	}
	_ = p.pool.Heartbeat(ctx, sess.lease)

	upstreamURL := sess.baseURL + mediaPath

	if strings.Contains(mediaPath, ".m3u8") {
		body, _, err := p.fetch(ctx, upstreamURL)
		if err != nil {
			return fmt.Errorf("fetch playlist: %w", err)
		}
		variantDir := ""
		if i := strings.LastIndex(mediaPath, "/"); i > 0 {
			variantDir = mediaPath[:i]
		}
		rewritten := rewriteMedia(string(body), sess.mediaPrefix(), sess.keyPrefix(), variantDir)
		sess.touch(len(rewritten))

		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Cache-Control", "no-cache")
		_, err = io.WriteString(w, rewritten)
		return err
	}

	return p.pumpSegment(ctx, w, sess, upstreamURL)
}

// pumpSegment streams one segment to the client. Fetch failures are retried
// with backoff while nothing has been written yet; once bytes are flowing a
// failure is terminal for this request.
func (p *Proxy) pumpSegment(ctx context.Context, w http.ResponseWriter, sess *Session, url string) error {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.SegmentRetries; attempt++ {
		if attempt > 0 {
			metrics.ProxySegmentRetries.Inc()
			delay := p.cfg.SegmentBackoff << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		res, err := p.get(ctx, url, "")
		if err != nil {
			lastErr = err
			continue
		}
		if res.StatusCode != http.StatusOK {
			_ = res.Body.Close()
			lastErr = fmt.Errorf("segment fetch: status %d", res.StatusCode)
			continue
		}

		w.Header().Set("Content-Type", res.Header.Get("Content-Type"))
		w.Header().Set("Cache-Control", "max-age=3600")
		n, err := io.Copy(w, res.Body)
		_ = res.Body.Close()
		sess.touch(int(n))
		metrics.ProxyBytesSent.Add(float64(n))
		if err != nil {
			// Bytes already reached the client; retrying would corrupt
			// the segment.
			return err
		}
		return nil
	}
	return fmt.Errorf("segment retries exhausted: %w", lastErr)
}

// ServeKey proxies a decryption key request. The upstream wraps keys in an
// authenticated JSON envelope; players get the raw bytes.
func (p *Proxy) ServeKey(ctx context.Context, w http.ResponseWriter, sessionID, encodedRef string) error {
	sess := p.registry.Get(sessionID)
	if sess == nil {
		return ErrSessionNotFound
	}

	keyURL, err := decodeKeyRef(encodedRef)
	if err != nil {
		return fmt.Errorf("bad key reference: %w", err)
	}

	token, err := p.pool.Token(ctx, sess.lease.CredentialID)
	if err != nil {
		return err
	}
	body, _, err := p.fetchAuth(ctx, keyURL, token)
	if err != nil {
		return fmt.Errorf("fetch key: %w", err)
	}
	raw, err := hls.DecodeKey(body)
	if err != nil {
		return err
	}
	sess.touch(len(raw))

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "max-age=300")
	_, err = w.Write(raw)
	return err
}

// Run reaps idle sessions until ctx ends, so abandoned players cannot pin
// credential capacity.
func (p *Proxy) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.IdleTimeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, s := range p.registry.List() {
				p.Close(context.WithoutCancel(ctx), s.ID)
			}
			return
		case <-ticker.C:
			for _, id := range p.registry.IdleBefore(time.Now().Add(-p.cfg.IdleTimeout)) {
				p.log.Info().Str("event", "proxy.session_idle").Str("session", id).Msg("reaping idle proxy session")
				p.Close(ctx, id)
			}
		}
	}
}

func (p *Proxy) get(ctx context.Context, url, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return p.http.Do(req)
}

func (p *Proxy) fetch(ctx context.Context, url string) ([]byte, string, error) {
	res, err := p.get(ctx, url, "")
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch %s: status %d", url, res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	return body, res.Header.Get("Content-Type"), err
}

func (p *Proxy) fetchAuth(ctx context.Context, url, token string) ([]byte, string, error) {
	res, err := p.get(ctx, url, token)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = res.Body.Close() }()
	if sxm.IsUnauthorizedStatus(res.StatusCode) {
		return nil, "", sxm.ErrUnauthorized
	}
	if res.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch %s: status %d", url, res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	return body, res.Header.Get("Content-Type"), err
}
