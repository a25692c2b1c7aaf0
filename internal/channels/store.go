// Package channels keeps a local copy of the upstream channel catalog so
// lookups never cost an upstream round trip on the request path.
package channels

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/archivexm/archivexm/internal/sxm"
)

// ErrChannelNotFound is returned for unknown channel ids.
var ErrChannelNotFound = errors.New("channels: channel not found")

// Store persists the channel catalog.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS channels (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	genre         TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	channel_type  TEXT NOT NULL DEFAULT '',
	logo_url      TEXT NOT NULL DEFAULT '',
	favorite      INTEGER NOT NULL DEFAULT 0,
	updated_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_channels_name ON channels(name);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("channels: migrate: %w", err)
	}
	return nil
}

// ReplaceAll swaps the catalog for a fresh upstream snapshot. Favorite
// flags survive the refresh.
func (s *Store) ReplaceAll(ctx context.Context, chans []sxm.Channel) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("channels: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO channels (id, name, genre, description, channel_type, logo_url, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			genre = excluded.genre,
			description = excluded.description,
			channel_type = excluded.channel_type,
			logo_url = excluded.logo_url,
			updated_at_ms = excluded.updated_at_ms`)
	if err != nil {
		return fmt.Errorf("channels: prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, ch := range chans {
		if _, err := stmt.ExecContext(ctx, ch.ID, ch.Name, ch.Genre, ch.Description, ch.ChannelType, ch.LogoURL, now); err != nil {
			return fmt.Errorf("channels: upsert %s: %w", ch.ID, err)
		}
	}
	// Channels gone from upstream disappear from the catalog too.
	if _, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE updated_at_ms < ?`, now); err != nil {
		return fmt.Errorf("channels: prune: %w", err)
	}
	return tx.Commit()
}

// Channel is a catalog entry plus local state.
type Channel struct {
	sxm.Channel
	Favorite bool
}

// List returns the catalog ordered by name, optionally filtered by a
// case-insensitive substring of name or genre.
func (s *Store) List(ctx context.Context, filter string) ([]Channel, error) {
	query := `SELECT id, name, genre, description, channel_type, logo_url, favorite FROM channels`
	args := []any{}
	if filter != "" {
		query += ` WHERE lower(name) LIKE ? OR lower(genre) LIKE ?`
		needle := "%" + strings.ToLower(filter) + "%"
		args = append(args, needle, needle)
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("channels: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Channel
	for rows.Next() {
		var ch Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Genre, &ch.Description, &ch.ChannelType, &ch.LogoURL, &ch.Favorite); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// Get returns one channel by id.
func (s *Store) Get(ctx context.Context, id string) (Channel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, genre, description, channel_type, logo_url, favorite
		FROM channels WHERE id = ?`, id)
	var ch Channel
	err := row.Scan(&ch.ID, &ch.Name, &ch.Genre, &ch.Description, &ch.ChannelType, &ch.LogoURL, &ch.Favorite)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrChannelNotFound
	}
	if err != nil {
		return Channel{}, fmt.Errorf("channels: get %s: %w", id, err)
	}
	return ch, nil
}

// SetFavorite flags a channel for quick access in clients.
func (s *Store) SetFavorite(ctx context.Context, id string, favorite bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE channels SET favorite = ? WHERE id = ?`, favorite, id)
	if err != nil {
		return fmt.Errorf("channels: set favorite: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// Count returns the catalog size.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels`).Scan(&n)
	return n, err
}

// ChannelName resolves a channel id to its display name, empty when the
// catalog does not know the id.
func (s *Store) ChannelName(id string) string {
	var name string
	_ = s.db.QueryRow(`SELECT name FROM channels WHERE id = ?`, id).Scan(&name)
	return name
}
