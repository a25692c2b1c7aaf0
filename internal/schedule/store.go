package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/archivexm/archivexm/internal/sxm"
)

// Store keeps schedule history in SQLite. The natural key is enforced by
// the primary key, so replays of the same window are harmless.
type Store struct {
	DB *sql.DB
}

func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("schedule store: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.DB.Exec(`
	CREATE TABLE IF NOT EXISTS schedule_history (
		channel_id TEXT NOT NULL,
		starts_at_ms INTEGER NOT NULL,
		artist TEXT NOT NULL,
		title TEXT NOT NULL,
		album TEXT,
		duration_ms INTEGER NOT NULL,
		image_url TEXT,
		PRIMARY KEY (channel_id, starts_at_ms)
	);
	CREATE INDEX IF NOT EXISTS idx_schedule_starts ON schedule_history(starts_at_ms);
	`)
	return err
}

// Append inserts entries, ignoring natural-key duplicates.
func (s *Store) Append(ctx context.Context, tracks []sxm.Track) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO schedule_history
			(channel_id, starts_at_ms, artist, title, album, duration_ms, image_url)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, t := range tracks {
		if _, err := stmt.ExecContext(ctx,
			t.ChannelID, t.StartsAt.UnixMilli(), t.Artist, t.Title, t.Album,
			t.Duration.Milliseconds(), t.ImageURL); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// History returns persisted entries for a channel since the given time,
// oldest first.
func (s *Store) History(ctx context.Context, channelID string, since time.Time) ([]sxm.Track, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT channel_id, starts_at_ms, artist, title, album, duration_ms, image_url
		FROM schedule_history
		WHERE channel_id = ? AND starts_at_ms >= ?
		ORDER BY starts_at_ms`,
		channelID, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []sxm.Track
	for rows.Next() {
		var (
			t            sxm.Track
			startsMs     int64
			durationMs   int64
			album, image sql.NullString
		)
		if err := rows.Scan(&t.ChannelID, &startsMs, &t.Artist, &t.Title, &album, &durationMs, &image); err != nil {
			return nil, err
		}
		t.StartsAt = time.UnixMilli(startsMs).UTC()
		t.Duration = time.Duration(durationMs) * time.Millisecond
		t.Album = album.String
		t.ImageURL = image.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// Prune drops history rows older than cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx,
		"DELETE FROM schedule_history WHERE starts_at_ms < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
