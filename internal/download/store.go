package download

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/archivexm/archivexm/internal/sxm"
)

// Job status lifecycle. Jobs move pending -> downloading -> completed or
// failed; failed jobs carry a human-readable error detail.
const (
	StatusPending     = "pending"
	StatusDownloading = "downloading"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("download: job not found")

// Job is one track download request and its outcome.
type Job struct {
	ID        int64
	ChannelID string
	Artist    string
	Title     string
	Album     string
	StartsAt  time.Time
	Duration  time.Duration
	ImageURL  string
	Status    string
	FilePath  string
	FileSize  int64
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Track returns the job's metadata as a schedule track.
func (j Job) Track() sxm.Track {
	return sxm.Track{
		Artist:    j.Artist,
		Title:     j.Title,
		Album:     j.Album,
		StartsAt:  j.StartsAt,
		Duration:  j.Duration,
		ImageURL:  j.ImageURL,
		ChannelID: j.ChannelID,
	}
}

// Store persists download jobs so history survives restarts.
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
CREATE TABLE IF NOT EXISTS download_jobs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id    TEXT NOT NULL,
	artist        TEXT NOT NULL,
	title         TEXT NOT NULL,
	album         TEXT NOT NULL DEFAULT '',
	starts_at_ms  INTEGER NOT NULL,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	image_url     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'pending',
	file_path     TEXT NOT NULL DEFAULT '',
	file_size     INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_download_jobs_status ON download_jobs(status);
CREATE INDEX IF NOT EXISTS idx_download_jobs_created ON download_jobs(created_at_ms DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("download: migrate: %w", err)
	}
	return nil
}

// Create inserts a new pending job and returns it with its id set.
func (s *Store) Create(ctx context.Context, job Job) (Job, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO download_jobs
			(channel_id, artist, title, album, starts_at_ms, duration_ms, image_url, status, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ChannelID, job.Artist, job.Title, job.Album,
		job.StartsAt.UnixMilli(), job.Duration.Milliseconds(), job.ImageURL,
		StatusPending, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return Job{}, fmt.Errorf("download: create job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Job{}, fmt.Errorf("download: create job: %w", err)
	}
	job.ID = id
	job.Status = StatusPending
	job.CreatedAt = now
	job.UpdatedAt = now
	return job, nil
}

// SetStatus moves a job to a new status, clearing any prior error detail.
func (s *Store) SetStatus(ctx context.Context, id int64, status string) error {
	return s.update(ctx, id, `UPDATE download_jobs SET status = ?, error = '', updated_at_ms = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id)
}

// MarkCompleted records the finished file for a job.
func (s *Store) MarkCompleted(ctx context.Context, id int64, filePath string, fileSize int64) error {
	return s.update(ctx, id, `
		UPDATE download_jobs SET status = ?, file_path = ?, file_size = ?, error = '', updated_at_ms = ?
		WHERE id = ?`,
		StatusCompleted, filePath, fileSize, time.Now().UnixMilli(), id)
}

// MarkFailed records a terminal failure with its cause.
func (s *Store) MarkFailed(ctx context.Context, id int64, cause string) error {
	return s.update(ctx, id, `
		UPDATE download_jobs SET status = ?, error = ?, updated_at_ms = ? WHERE id = ?`,
		StatusFailed, cause, time.Now().UnixMilli(), id)
}

func (s *Store) update(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("download: update job %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Get returns one job by id.
func (s *Store) Get(ctx context.Context, id int64) (Job, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	return job, err
}

// Recent returns the newest jobs, optionally filtered by status.
func (s *Store) Recent(ctx context.Context, status string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := selectJob
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at_ms DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("download: list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ResetInterrupted moves jobs left in a transient state by a crash back to
// failed so they surface in history instead of appearing stuck.
func (s *Store) ResetInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE download_jobs SET status = ?, error = 'interrupted by restart', updated_at_ms = ?
		WHERE status IN (?, ?)`,
		StatusFailed, time.Now().UnixMilli(), StatusPending, StatusDownloading)
	if err != nil {
		return 0, fmt.Errorf("download: reset interrupted: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const selectJob = `
SELECT id, channel_id, artist, title, album, starts_at_ms, duration_ms, image_url,
       status, file_path, file_size, error, created_at_ms, updated_at_ms
FROM download_jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		job                                 Job
		startsMs, durMs, createdMs, updated int64
	)
	err := row.Scan(&job.ID, &job.ChannelID, &job.Artist, &job.Title, &job.Album,
		&startsMs, &durMs, &job.ImageURL, &job.Status, &job.FilePath, &job.FileSize,
		&job.Error, &createdMs, &updated)
	if err != nil {
		return Job{}, err
	}
	job.StartsAt = time.UnixMilli(startsMs).UTC()
	job.Duration = time.Duration(durMs) * time.Millisecond
	job.CreatedAt = time.UnixMilli(createdMs).UTC()
	job.UpdatedAt = time.UnixMilli(updated).UTC()
	return job, nil
}
