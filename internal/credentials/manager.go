package credentials

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/archivexm/archivexm/internal/log"
	"github.com/archivexm/archivexm/internal/metrics"
	"github.com/archivexm/archivexm/internal/secrets"
	"github.com/archivexm/archivexm/internal/sxm"
)

// Authenticator performs the upstream login handshake.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*sxm.Session, error)
}

// ManagerConfig tunes session lifecycle behavior.
type ManagerConfig struct {
	// RefreshThreshold is how close to expiry a cached session may get
	// before it is refreshed instead of reused.
	RefreshThreshold time.Duration
	// StaleAfter is the heartbeat age past which a lease is reclaimed.
	StaleAfter time.Duration
}

// Manager owns session acquisition for the pool: it selects a credential
// with free capacity, ensures it has a live session token, and hands out a
// lease that the stream holds until release.
type Manager struct {
	store *Store
	box   *secrets.Box
	auth  Authenticator
	cfg   ManagerConfig
	sf    singleflight.Group
	log   zerolog.Logger
}

func NewManager(store *Store, box *secrets.Box, auth Authenticator, cfg ManagerConfig) *Manager {
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = 30 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	return &Manager{
		store: store,
		box:   box,
		auth:  auth,
		cfg:   cfg,
		log:   log.WithComponent("credentials"),
	}
}

// AddAccount seals the password and stores a new pool entry.
func (m *Manager) AddAccount(ctx context.Context, name, username, password string, maxStreams, priority int) (int64, error) {
	sealed, err := m.box.Seal(password)
	if err != nil {
		return 0, fmt.Errorf("seal password: %w", err)
	}
	id, err := m.store.Add(ctx, name, username, sealed, maxStreams, priority)
	if err != nil {
		return 0, err
	}
	m.log.Info().Str("event", "credential.added").Str("username", username).Int64("id", id).Msg("credential added to pool")
	return id, nil
}

// Acquire reserves a capacity slot for a new stream. Stale leases are swept
// first so abandoned streams cannot pin the pool shut. The returned lease's
// credential has a session valid for at least the refresh threshold.
func (m *Manager) Acquire(ctx context.Context, purpose, channelID string) (*Lease, error) {
	if swept, err := m.store.SweepStaleLeases(ctx, time.Now().Add(-m.cfg.StaleAfter)); err == nil && swept > 0 {
		m.log.Warn().Str("event", "lease.swept").Int("count", swept).Msg("reclaimed stale stream leases")
	}

	creds, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	// The selected credential can lose the race for its last slot to a
	// concurrent acquire; move down the ladder instead of failing.
	for {
		chosen, ok := SelectCredential(creds)
		if !ok {
			metrics.IncSessionAcquired("no_capacity")
			return nil, ErrNoCapacity
		}

		if _, err := m.Token(ctx, chosen.ID); err != nil {
			metrics.IncSessionAcquired("auth_failed")
			return nil, err
		}

		lease := Lease{
			ID:            uuid.NewString(),
			CredentialID:  chosen.ID,
			Purpose:       purpose,
			ChannelID:     channelID,
			AcquiredAt:    time.Now().UTC(),
			LastHeartbeat: time.Now().UTC(),
		}
		err := m.store.InsertLease(ctx, lease)
		if errors.Is(err, ErrNoCapacity) {
			for i := range creds {
				if creds[i].ID == chosen.ID {
					creds[i].ActiveStreams = creds[i].MaxStreams
				}
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		metrics.IncSessionAcquired("ok")
		m.observeLeases(ctx, chosen.ID)
		m.log.Info().
			Str("event", "lease.acquired").
			Str("lease", lease.ID).
			Int64("credential", chosen.ID).
			Str("purpose", purpose).
			Str("channel", channelID).
			Msg("stream lease acquired")
		return &lease, nil
	}
}

// Release frees a lease's capacity slot. Releasing an already released
// lease is a no-op.
func (m *Manager) Release(ctx context.Context, lease *Lease) {
	if lease == nil {
		return
	}
	removed, err := m.store.DeleteLease(ctx, lease.ID)
	if err != nil {
		m.log.Error().Str("event", "lease.release_failed").Err(err).Str("lease", lease.ID).Msg("failed to release lease")
		return
	}
	if removed {
		m.observeLeases(ctx, lease.CredentialID)
		m.log.Info().Str("event", "lease.released").Str("lease", lease.ID).Msg("stream lease released")
	}
}

// Heartbeat keeps a lease from being swept while its stream is alive.
func (m *Manager) Heartbeat(ctx context.Context, lease *Lease) error {
	return m.store.TouchLease(ctx, lease.ID)
}

// Token returns a live session token for the credential, logging in when
// the cached session is absent or inside the refresh threshold. Concurrent
// callers share one login per credential.
func (m *Manager) Token(ctx context.Context, credentialID int64) (string, error) {
	token, expiresAt, err := m.store.CachedSession(ctx, credentialID)
	if err != nil {
		return "", err
	}
	if token != "" && time.Until(expiresAt) > m.cfg.RefreshThreshold {
		return token, nil
	}
	return m.login(ctx, credentialID)
}

// Refresh discards the cached session and performs a fresh login. Used
// after the upstream rejects a token mid-stream; a failure here means the
// holder's session is gone for good.
func (m *Manager) Refresh(ctx context.Context, credentialID int64) (string, error) {
	token, err := m.login(ctx, credentialID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	return token, nil
}

func (m *Manager) login(ctx context.Context, credentialID int64) (string, error) {
	v, err, _ := m.sf.Do(strconv.FormatInt(credentialID, 10), func() (any, error) {
		sealed, err := m.store.SealedPassword(ctx, credentialID)
		if err != nil {
			return nil, err
		}
		password, err := m.box.OpenSealed(sealed)
		if err != nil {
			return nil, fmt.Errorf("unseal password: %w", err)
		}

		creds, err := m.store.List(ctx)
		if err != nil {
			return nil, err
		}
		var username string
		for _, c := range creds {
			if c.ID == credentialID {
				username = c.Username
			}
		}

		start := time.Now()
		sess, err := m.auth.Login(ctx, username, password)
		if err != nil {
			if errors.Is(err, sxm.ErrAuthFailed) {
				// Bad credentials stay invalid until the operator
				// corrects them; retrying would just lock the account.
				_ = m.store.SetActive(ctx, credentialID, false)
				m.log.Error().
					Str("event", "credential.auth_failed").
					Int64("credential", credentialID).
					Str("username", username).
					Msg("login rejected, credential deactivated")
			}
			return nil, err
		}
		metrics.ObserveAuth(time.Since(start))

		if err := m.store.SaveSession(ctx, credentialID, sess.BearerToken, sess.ExpiresAt); err != nil {
			return nil, err
		}
		m.log.Info().
			Str("event", "session.refreshed").
			Int64("credential", credentialID).
			Time("expires_at", sess.ExpiresAt).
			Msg("upstream session established")
		return sess.BearerToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// TokenSource binds a credential to the upstream client's token interface.
func (m *Manager) TokenSource(credentialID int64) sxm.TokenSource {
	return &credTokenSource{m: m, id: credentialID}
}

type credTokenSource struct {
	m  *Manager
	id int64
}

func (t *credTokenSource) Token(ctx context.Context) (string, error) {
	return t.m.Token(ctx, t.id)
}

func (t *credTokenSource) Refresh(ctx context.Context) (string, error) {
	return t.m.Refresh(ctx, t.id)
}

// RemoveAccount deletes a credential; its leases go with it.
func (m *Manager) RemoveAccount(ctx context.Context, credentialID int64) error {
	if err := m.store.Delete(ctx, credentialID); err != nil {
		return err
	}
	m.log.Info().Str("event", "credential.removed").Int64("id", credentialID).Msg("credential removed from pool")
	return nil
}

// SetActive enables or disables a credential for selection. Reactivating a
// credential the upstream rejected gives it another chance after the
// operator fixes the password.
func (m *Manager) SetActive(ctx context.Context, credentialID int64, active bool) error {
	return m.store.SetActive(ctx, credentialID, active)
}

// PrimaryCredential returns the best active credential for metadata calls
// that need a token but no capacity slot.
func (m *Manager) PrimaryCredential(ctx context.Context) (int64, error) {
	creds, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, c := range creds {
		if c.Active {
			return c.ID, nil
		}
	}
	return 0, ErrNotFound
}

// Stats reports pool occupancy.
func (m *Manager) Stats(ctx context.Context) (*PoolStats, error) {
	creds, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	stats := &PoolStats{Credentials: creds}
	for _, c := range creds {
		stats.TotalActive += c.ActiveStreams
		if c.Active {
			stats.TotalCapacity += c.MaxStreams
		}
	}
	stats.AvailableCapacity = stats.TotalCapacity - stats.TotalActive
	return stats, nil
}

func (m *Manager) observeLeases(ctx context.Context, credentialID int64) {
	if n, err := m.store.CountLeases(ctx, credentialID); err == nil {
		metrics.SetActiveLeases(credentialID, n)
	}
}
