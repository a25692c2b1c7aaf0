// Package library indexes the finished audio files under the download
// directory. The index is rebuilt from the filesystem, embedded tags win
// over filename guesses, and a watcher keeps it current as the recorder and
// download jobs land new files.
package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrFileNotFound is returned for unknown library entries.
var ErrFileNotFound = errors.New("library: file not found")

// File is one indexed audio file.
type File struct {
	ID         int64
	Path       string
	Artist     string
	Title      string
	Album      string
	Station    string
	Size       int64
	ModifiedAt time.Time
	IndexedAt  time.Time
}

// Store persists the library index.
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
CREATE TABLE IF NOT EXISTS library_files (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	path           TEXT NOT NULL UNIQUE,
	artist         TEXT NOT NULL DEFAULT '',
	title          TEXT NOT NULL DEFAULT '',
	album          TEXT NOT NULL DEFAULT '',
	station        TEXT NOT NULL DEFAULT '',
	size           INTEGER NOT NULL DEFAULT 0,
	modified_at_ms INTEGER NOT NULL,
	indexed_at_ms  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_library_artist ON library_files(artist);
CREATE INDEX IF NOT EXISTS idx_library_station ON library_files(station);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("library: migrate: %w", err)
	}
	return nil
}

// Upsert inserts or updates one entry keyed by path.
func (s *Store) Upsert(ctx context.Context, f File) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO library_files (path, artist, title, album, station, size, modified_at_ms, indexed_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			artist = excluded.artist,
			title = excluded.title,
			album = excluded.album,
			station = excluded.station,
			size = excluded.size,
			modified_at_ms = excluded.modified_at_ms,
			indexed_at_ms = excluded.indexed_at_ms`,
		f.Path, f.Artist, f.Title, f.Album, f.Station, f.Size,
		f.ModifiedAt.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("library: upsert %s: %w", f.Path, err)
	}
	return nil
}

// PruneExcept removes every entry whose path is not in keep. A full scan
// passes the set of paths it saw; anything else is gone from disk.
func (s *Store) PruneExcept(ctx context.Context, keep map[string]struct{}) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, path FROM library_files`)
	if err != nil {
		return 0, fmt.Errorf("library: prune query: %w", err)
	}
	var stale []int64
	for rows.Next() {
		var (
			id   int64
			path string
		)
		if err := rows.Scan(&id, &path); err != nil {
			_ = rows.Close()
			return 0, err
		}
		if _, ok := keep[path]; !ok {
			stale = append(stale, id)
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var pruned int64
	for _, id := range stale {
		res, err := s.db.ExecContext(ctx, `DELETE FROM library_files WHERE id = ?`, id)
		if err != nil {
			return pruned, fmt.Errorf("library: prune: %w", err)
		}
		n, _ := res.RowsAffected()
		pruned += n
	}
	return pruned, nil
}

// List returns entries newest first, optionally filtered by a
// case-insensitive substring over artist, title, album, and station.
func (s *Store) List(ctx context.Context, filter string, limit int) ([]File, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT id, path, artist, title, album, station, size, modified_at_ms, indexed_at_ms FROM library_files`
	args := []any{}
	if filter != "" {
		query += ` WHERE lower(artist) LIKE ? OR lower(title) LIKE ? OR lower(album) LIKE ? OR lower(station) LIKE ?`
		needle := "%" + strings.ToLower(filter) + "%"
		args = append(args, needle, needle, needle, needle)
	}
	query += ` ORDER BY modified_at_ms DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("library: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Get returns one entry by id.
func (s *Store) Get(ctx context.Context, id int64) (File, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, artist, title, album, station, size, modified_at_ms, indexed_at_ms
		FROM library_files WHERE id = ?`, id)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, ErrFileNotFound
	}
	return f, err
}

// Stats summarizes the library.
type Stats struct {
	Files      int   `json:"files"`
	TotalBytes int64 `json:"total_bytes"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM library_files`).Scan(&st.Files, &st.TotalBytes)
	return st, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (File, error) {
	var (
		f                 File
		modifiedMs, idxMs int64
	)
	err := row.Scan(&f.ID, &f.Path, &f.Artist, &f.Title, &f.Album, &f.Station, &f.Size, &modifiedMs, &idxMs)
	if err != nil {
		return File{}, err
	}
	f.ModifiedAt = time.UnixMilli(modifiedMs).UTC()
	f.IndexedAt = time.UnixMilli(idxMs).UTC()
	return f, nil
}
