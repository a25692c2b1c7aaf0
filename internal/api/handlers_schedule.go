package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/archivexm/archivexm/internal/sxm"
)

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")

	hours := s.cfg.DVRWindowHours
	if raw := r.URL.Query().Get("hours_back"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > s.cfg.DVRWindowHours {
			writeBadRequest(w, "hours_back must be 1..%d", s.cfg.DVRWindowHours)
			return
		}
		hours = n
	}

	if err := s.deps.Schedule.Refresh(r.Context(), channelID); err != nil {
		writeError(w, r, err)
		return
	}
	entries := s.deps.Schedule.Entries(channelID, hours)
	if entries == nil {
		entries = []sxm.Track{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel_id": channelID,
		"hours_back": hours,
		"tracks":     entries,
	})
}

func (s *Server) handleNowPlaying(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")

	if err := s.deps.Schedule.Refresh(r.Context(), channelID); err != nil {
		writeError(w, r, err)
		return
	}
	track, ok := s.deps.Schedule.Current(channelID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"channel_id": channelID, "track": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel_id": channelID, "track": track})
}
