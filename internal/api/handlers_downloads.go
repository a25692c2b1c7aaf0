package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/archivexm/archivexm/internal/download"
	"github.com/archivexm/archivexm/internal/sxm"
)

type trackRequest struct {
	Artist     string    `json:"artist"`
	Title      string    `json:"title"`
	Album      string    `json:"album"`
	StartsAt   time.Time `json:"starts_at"`
	DurationMs int64     `json:"duration_ms"`
	ImageURL   string    `json:"image_url"`
}

func (t trackRequest) validate() string {
	if t.Title == "" {
		return "title is required"
	}
	if t.StartsAt.IsZero() {
		return "starts_at is required"
	}
	return ""
}

func (t trackRequest) toTrack(channelID string) sxm.Track {
	return sxm.Track{
		Artist:    t.Artist,
		Title:     t.Title,
		Album:     t.Album,
		StartsAt:  t.StartsAt,
		Duration:  time.Duration(t.DurationMs) * time.Millisecond,
		ImageURL:  t.ImageURL,
		ChannelID: channelID,
	}
}

type downloadRequest struct {
	ChannelID string `json:"channel_id"`
	trackRequest
}

func (s *Server) handleDownloadSingle(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return
	}
	if req.ChannelID == "" {
		writeBadRequest(w, "channel_id is required")
		return
	}
	if msg := req.validate(); msg != "" {
		writeBadRequest(w, "%s", msg)
		return
	}

	job, err := s.deps.Downloads.Single(r.Context(), req.toTrack(req.ChannelID))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobView(job))
}

type bulkDownloadRequest struct {
	ChannelID string         `json:"channel_id"`
	Tracks    []trackRequest `json:"tracks"`
}

func (s *Server) handleDownloadBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkDownloadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return
	}
	if req.ChannelID == "" {
		writeBadRequest(w, "channel_id is required")
		return
	}
	if len(req.Tracks) == 0 {
		writeBadRequest(w, "tracks must not be empty")
		return
	}
	tracks := make([]sxm.Track, 0, len(req.Tracks))
	for i, t := range req.Tracks {
		if msg := t.validate(); msg != "" {
			writeBadRequest(w, "tracks[%d]: %s", i, msg)
			return
		}
		tracks = append(tracks, t.toTrack(req.ChannelID))
	}

	jobs, err := s.deps.Downloads.Bulk(r.Context(), req.ChannelID, tracks)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, jobView(job))
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobs": views})
}

func (s *Server) handleDownloadList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", download.StatusPending, download.StatusDownloading, download.StatusCompleted, download.StatusFailed:
	default:
		writeBadRequest(w, "unknown status %q", status)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	jobs, err := s.deps.Jobs.Recent(r.Context(), status, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, jobView(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleDownloadGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "jobID"), 10, 64)
	if err != nil {
		writeBadRequest(w, "invalid job id")
		return
	}
	job, err := s.deps.Jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(job))
}

func jobView(job download.Job) map[string]any {
	v := map[string]any{
		"id":          job.ID,
		"channel_id":  job.ChannelID,
		"artist":      job.Artist,
		"title":       job.Title,
		"album":       job.Album,
		"starts_at":   job.StartsAt,
		"duration_ms": job.Duration.Milliseconds(),
		"status":      job.Status,
		"created_at":  job.CreatedAt,
		"updated_at":  job.UpdatedAt,
	}
	if job.FilePath != "" {
		v["file_path"] = job.FilePath
		v["file_size"] = job.FileSize
	}
	if job.Error != "" {
		v["error"] = job.Error
	}
	return v
}
