package sxm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const sdkVersion = "7.74.0"

// Session is the result of a successful login.
type Session struct {
	BearerToken string
	ExpiresAt   time.Time
}

// Authenticator performs the upstream login handshake. It is independent of
// Client because login runs unauthenticated and carries its own token chain.
type Authenticator struct {
	base      string
	userAgent string
	http      *http.Client
	retries   int
	backoff   time.Duration
}

// AuthOptions tunes the login flow; zero values fall back to defaults.
type AuthOptions struct {
	UserAgent string
	Retries   int
	Backoff   time.Duration
}

func NewAuthenticator(base string, opts AuthOptions) *Authenticator {
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
	return &Authenticator{
		base:      base,
		userAgent: ua,
		http:      &http.Client{Timeout: 30 * time.Second},
		retries:   retries,
		backoff:   backoff,
	}
}

// Login runs the four-step handshake: device registration, anonymous session,
// password authentication, authenticated session. The returned session token
// is valid for roughly a day.
func (a *Authenticator) Login(ctx context.Context, username, password string) (*Session, error) {
	// Step 1: register a device identity, yielding a grant token.
	var device struct {
		Grant string `json:"grant"`
	}
	err := a.post(ctx, "/device/v1/devices", "", map[string]any{
		"devicePlatform": "web-desktop",
		"deviceAttributes": map[string]any{
			"browser": map[string]any{
				"browserVersion": sdkVersion,
				"userAgent":      a.userAgent,
				"sdk":            "web",
				"app":            "web",
				"sdkVersion":     sdkVersion,
				"appVersion":     sdkVersion,
			},
		},
		"grantVersion": "v2",
	}, &device)
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}

	// Step 2: anonymous session, upgrading the grant to an access token.
	var anon struct {
		AccessToken string `json:"accessToken"`
	}
	if err := a.post(ctx, "/session/v1/sessions/anonymous", device.Grant, map[string]any{}, &anon); err != nil {
		return nil, fmt.Errorf("anonymous session: %w", err)
	}
	token := anon.AccessToken
	if token == "" {
		token = device.Grant
	}

	// Step 3: password authentication. A 4xx here means bad credentials.
	var ident struct {
		Grant       string `json:"grant"`
		AccessToken string `json:"accessToken"`
	}
	err = a.post(ctx, "/identity/v1/identities/authenticate/password", token, map[string]any{
		"handle":   username,
		"password": password,
	}, &ident)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 {
			return nil, fmt.Errorf("password auth: %w", ErrAuthFailed)
		}
		return nil, fmt.Errorf("password auth: %w", err)
	}
	if ident.Grant != "" {
		token = ident.Grant
	} else if ident.AccessToken != "" {
		token = ident.AccessToken
	}

	// Step 4: authenticated session yields the final bearer token.
	var sess struct {
		AccessToken string `json:"accessToken"`
		Grant       string `json:"grant"`
		SessionType string `json:"sessionType"`
	}
	if err := a.post(ctx, "/session/v1/sessions/authenticated", token, map[string]any{}, &sess); err != nil {
		return nil, fmt.Errorf("authenticated session: %w", err)
	}
	bearer := sess.AccessToken
	if bearer == "" {
		bearer = sess.Grant
	}
	if bearer == "" {
		return nil, fmt.Errorf("authenticated session: %w", ErrAuthFailed)
	}

	return &Session{
		BearerToken: bearer,
		ExpiresAt:   time.Now().UTC().Add(24 * time.Hour),
	}, nil
}

// post issues one handshake request, retrying transport failures. Client
// errors are returned as StatusError without retry.
func (a *Authenticator) post(ctx context.Context, path, token string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= a.retries; attempt++ {
		if attempt > 0 {
			delay := a.backoff << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", a.userAgent)
		req.Header.Set("x-sxm-tenant", "sxm")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		res, err := a.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case res.StatusCode == http.StatusOK || res.StatusCode == http.StatusCreated:
			err := json.NewDecoder(res.Body).Decode(out)
			_ = res.Body.Close()
			if err != nil {
				return fmt.Errorf("decode %s: %w", path, err)
			}
			return nil
		case res.StatusCode >= 500:
			_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
			_ = res.Body.Close()
			lastErr = &StatusError{Op: "post " + path, Status: res.StatusCode}
		default:
			_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
			_ = res.Body.Close()
			return &StatusError{Op: "post " + path, Status: res.StatusCode}
		}
	}
	return fmt.Errorf("retries exhausted: %w", lastErr)
}
