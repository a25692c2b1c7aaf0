// Package sxm implements the upstream streaming-service client: login flow,
// live schedule (cut log), stream tune-in and channel catalog.
package sxm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// TokenSource provides bearer tokens for API calls. The session manager owns
// token lifecycle; the client only asks for a current token and, after a
// 401/403, for a refreshed one.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for a fixed bearer token (tests, one-shot use).
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error)   { return string(t), nil }
func (t StaticToken) Refresh(context.Context) (string, error) { return string(t), nil }

// Options tunes client behavior; zero values fall back to defaults.
type Options struct {
	UserAgent string
	Retries   int           // transient-error retry attempts
	Backoff   time.Duration // base backoff, doubled per attempt
	RateLimit rate.Limit    // upstream request pacing, 0 = unlimited
}

// Client talks to the upstream edge gateway.
type Client struct {
	base      string
	userAgent string
	http      *http.Client
	tokens    TokenSource
	limiter   *rate.Limiter
	retries   int
	backoff   time.Duration
}

// New creates a client for the given API base URL.
func New(base string, tokens TokenSource, opts Options) *Client {
	ua := opts.UserAgent
	if ua == "" {
		ua = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36"
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = 3
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(opts.RateLimit, 1)
	}
	return &Client{
		base:      base,
		userAgent: ua,
		http:      &http.Client{Timeout: 30 * time.Second},
		tokens:    tokens,
		limiter:   limiter,
		retries:   retries,
		backoff:   backoff,
	}
}

// postJSON issues an authenticated POST and decodes the JSON response into
// out. Transient errors are retried with exponential backoff; a 401/403
// triggers one token refresh before the next attempt.
func (c *Client) postJSON(ctx context.Context, op, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: encode payload: %w", op, err)
	}

	refreshed := false
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := c.backoff << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("%s: obtain token: %w", op, err)
		}

		status, err := c.doOnce(ctx, path, token, body, out)
		switch {
		case err == nil && status == http.StatusOK:
			return nil
		case IsUnauthorizedStatus(status) && !refreshed:
			refreshed = true
			if _, rerr := c.tokens.Refresh(ctx); rerr != nil {
				return fmt.Errorf("%s: %w", op, ErrUnauthorized)
			}
			continue
		case IsUnauthorizedStatus(status):
			return fmt.Errorf("%s: %w", op, ErrUnauthorized)
		case status >= 400 && status < 500:
			return &StatusError{Op: op, Status: status}
		case err != nil:
			lastErr = err
		default:
			lastErr = &StatusError{Op: op, Status: status}
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, lastErr)
}

// doOnce performs a single POST. A non-nil error means a transport failure;
// HTTP-level outcomes are reported via the status code.
func (c *Client) doOnce(ctx context.Context, path, token string, body []byte, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		return res.StatusCode, nil
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return res.StatusCode, nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return res.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return res.StatusCode, nil
}

// Get fetches an arbitrary authenticated URL (segment keys, artwork) and
// returns the raw body. Used for resources outside the JSON API.
func (c *Client) Get(ctx context.Context, rawURL string, authenticated bool) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if authenticated {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, "", err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = res.Body.Close() }()

	if IsUnauthorizedStatus(res.StatusCode) {
		return nil, "", ErrUnauthorized
	}
	if res.StatusCode != http.StatusOK {
		return nil, "", &StatusError{Op: "get " + rawURL, Status: res.StatusCode}
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, "", err
	}
	return data, res.Header.Get("Content-Type"), nil
}
