package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/archivexm/archivexm/internal/persistence/sqlite"
)

const schemaVersion = 1

// Store persists the credential pool and its leases in SQLite.
type Store struct {
	DB *sql.DB
}

// NewStore opens (or creates) the pool tables at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("credential store: migration failed: %w", err)
	}
	return s, nil
}

// NewStoreWithDB wraps an existing handle, sharing one database file with
// the other stores.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("credential store: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) migrate() error {
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS credentials (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		username TEXT NOT NULL UNIQUE,
		password_sealed TEXT NOT NULL,
		max_streams INTEGER NOT NULL DEFAULT 1,
		priority INTEGER NOT NULL DEFAULT 100,
		is_active INTEGER NOT NULL DEFAULT 1,
		session_token TEXT,
		session_expires_at_ms INTEGER,
		last_validated_ms INTEGER,
		created_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stream_leases (
		id TEXT PRIMARY KEY,
		credential_id INTEGER NOT NULL REFERENCES credentials(id) ON DELETE CASCADE,
		purpose TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		acquired_at_ms INTEGER NOT NULL,
		last_heartbeat_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_leases_credential ON stream_leases(credential_id);
	CREATE INDEX IF NOT EXISTS idx_leases_heartbeat ON stream_leases(last_heartbeat_ms);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Add inserts a credential with an already-sealed password.
func (s *Store) Add(ctx context.Context, name, username, sealedPassword string, maxStreams, priority int) (int64, error) {
	if maxStreams < 1 {
		maxStreams = 1
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO credentials (name, username, password_sealed, max_streams, priority, is_active, created_at_ms)
		VALUES (?, ?, ?, ?, ?, 1, ?)`,
		name, username, sealedPassword, maxStreams, priority, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// List returns all credentials with their current lease counts.
func (s *Store) List(ctx context.Context) ([]Credential, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT c.id, c.name, c.username, c.max_streams, c.priority, c.is_active,
		       c.session_expires_at_ms, c.last_validated_ms,
		       COUNT(l.id)
		FROM credentials c
		LEFT JOIN stream_leases l ON l.credential_id = c.id
		GROUP BY c.id
		ORDER BY c.priority, c.id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Credential
	now := time.Now().UnixMilli()
	for rows.Next() {
		var (
			c                    Credential
			active               int
			sessionExp, lastVal  sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Username, &c.MaxStreams, &c.Priority, &active,
			&sessionExp, &lastVal, &c.ActiveStreams); err != nil {
			return nil, err
		}
		c.Active = active != 0
		c.SessionValid = sessionExp.Valid && sessionExp.Int64 > now
		if lastVal.Valid {
			c.LastValidated = time.UnixMilli(lastVal.Int64)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SealedPassword returns the encrypted password for a credential.
func (s *Store) SealedPassword(ctx context.Context, id int64) (string, error) {
	var sealed string
	err := s.DB.QueryRowContext(ctx, "SELECT password_sealed FROM credentials WHERE id = ?", id).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return sealed, err
}

// CachedSession reads a credential's stored session token and expiry.
func (s *Store) CachedSession(ctx context.Context, id int64) (string, time.Time, error) {
	var (
		token sql.NullString
		exp   sql.NullInt64
	)
	err := s.DB.QueryRowContext(ctx,
		"SELECT session_token, session_expires_at_ms FROM credentials WHERE id = ?", id).Scan(&token, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, err
	}
	if !token.Valid || !exp.Valid {
		return "", time.Time{}, nil
	}
	return token.String, time.UnixMilli(exp.Int64), nil
}

// SaveSession caches a fresh session token for a credential.
func (s *Store) SaveSession(ctx context.Context, id int64, token string, expiresAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE credentials SET session_token = ?, session_expires_at_ms = ?, last_validated_ms = ?
		WHERE id = ?`,
		token, expiresAt.UnixMilli(), time.Now().UnixMilli(), id)
	return err
}

// SetActive flips a credential's active flag. Deactivation is how a failed
// login is surfaced to the operator.
func (s *Store) SetActive(ctx context.Context, id int64, active bool) error {
	v := 0
	if active {
		v = 1
	}
	res, err := s.DB.ExecContext(ctx, "UPDATE credentials SET is_active = ? WHERE id = ?", v, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a credential and, via cascade, its leases.
func (s *Store) Delete(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM credentials WHERE id = ?", id)
	return err
}

// InsertLease adds a lease, re-checking capacity inside the transaction so
// two concurrent acquisitions cannot both take the last slot.
func (s *Store) InsertLease(ctx context.Context, lease Lease) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var maxStreams, active, held int
	err = tx.QueryRowContext(ctx,
		"SELECT max_streams, is_active FROM credentials WHERE id = ?", lease.CredentialID).Scan(&maxStreams, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if active == 0 {
		return ErrNoCapacity
	}
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM stream_leases WHERE credential_id = ?", lease.CredentialID).Scan(&held)
	if err != nil {
		return err
	}
	if held >= maxStreams {
		return ErrNoCapacity
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stream_leases (id, credential_id, purpose, channel_id, acquired_at_ms, last_heartbeat_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		lease.ID, lease.CredentialID, lease.Purpose, lease.ChannelID,
		lease.AcquiredAt.UnixMilli(), lease.LastHeartbeat.UnixMilli())
	if err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteLease removes a lease. Missing rows are fine, which is what makes
// double release a no-op.
func (s *Store) DeleteLease(ctx context.Context, leaseID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, "DELETE FROM stream_leases WHERE id = ?", leaseID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TouchLease updates a lease heartbeat.
func (s *Store) TouchLease(ctx context.Context, leaseID string) error {
	_, err := s.DB.ExecContext(ctx,
		"UPDATE stream_leases SET last_heartbeat_ms = ? WHERE id = ?", time.Now().UnixMilli(), leaseID)
	return err
}

// SweepStaleLeases drops leases whose heartbeat is older than cutoff and
// returns how many were reclaimed.
func (s *Store) SweepStaleLeases(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx,
		"DELETE FROM stream_leases WHERE last_heartbeat_ms < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountLeases returns the number of leases held by a credential.
func (s *Store) CountLeases(ctx context.Context, credentialID int64) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM stream_leases WHERE credential_id = ?", credentialID).Scan(&n)
	return n, err
}
