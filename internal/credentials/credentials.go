// Package credentials manages the upstream account pool: encrypted secrets,
// session tokens, and capacity leases. Every live stream, recording, and
// download holds a lease against exactly one credential; a credential never
// carries more leases than its configured stream allowance.
package credentials

import (
	"errors"
	"time"
)

var (
	// ErrNoCapacity means every active credential is saturated. Callers
	// decide whether to queue or reject; the pool never retries this.
	ErrNoCapacity = errors.New("no credential capacity available")

	// ErrSessionExpired is surfaced when a refresh attempt for an active
	// stream's session fails.
	ErrSessionExpired = errors.New("session expired")

	// ErrNotFound is returned for unknown credential ids.
	ErrNotFound = errors.New("credential not found")
)

// Credential is one upstream account. ActiveStreams is a read-time count of
// its current leases, not a stored column.
type Credential struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Username      string    `json:"username"`
	MaxStreams    int       `json:"max_streams"`
	Priority      int       `json:"priority"`
	Active        bool      `json:"active"`
	ActiveStreams int       `json:"active_streams"`
	SessionValid  bool      `json:"session_valid"`
	LastValidated time.Time `json:"last_validated,omitempty"`
}

// Lease is one occupied capacity slot.
type Lease struct {
	ID            string    `json:"id"`
	CredentialID  int64     `json:"credential_id"`
	Purpose       string    `json:"purpose"`
	ChannelID     string    `json:"channel_id"`
	AcquiredAt    time.Time `json:"acquired_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// PoolStats summarizes pool occupancy for the status API.
type PoolStats struct {
	Credentials       []Credential `json:"credentials"`
	TotalActive       int          `json:"total_active_streams"`
	TotalCapacity     int          `json:"total_capacity"`
	AvailableCapacity int          `json:"available_capacity"`
}

// SelectCredential picks the account a new stream should use: lowest
// priority value first, id as tiebreaker, first one with a free slot.
// Pure so the policy is testable without a database.
func SelectCredential(creds []Credential) (Credential, bool) {
	best := -1
	for i, c := range creds {
		if !c.Active || c.ActiveStreams >= c.MaxStreams {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		b := creds[best]
		if c.Priority < b.Priority || (c.Priority == b.Priority && c.ID < b.ID) {
			best = i
		}
	}
	if best == -1 {
		return Credential{}, false
	}
	return creds[best], true
}
