package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleStreamOpen(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")

	sess, playlist, err := s.deps.Proxy.Open(r.Context(), r, channelID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Session-Id", sess.ID)
	_, _ = w.Write([]byte(playlist))
}

func (s *Server) handleStreamMedia(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	mediaPath := chi.URLParam(r, "*")

	if err := s.deps.Proxy.ServeMedia(r.Context(), w, sessionID, mediaPath); err != nil {
		writeError(w, r, err)
	}
}

func (s *Server) handleStreamKey(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	ref := chi.URLParam(r, "ref")

	if err := s.deps.Proxy.ServeKey(r.Context(), w, sessionID, ref); err != nil {
		writeError(w, r, err)
	}
}

func (s *Server) handleStreamClose(w http.ResponseWriter, r *http.Request) {
	s.deps.Proxy.Close(r.Context(), chi.URLParam(r, "sessionID"))
	w.WriteHeader(http.StatusNoContent)
}

type sessionView struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	ClientIP  string    `json:"client_ip"`
	StartedAt time.Time `json:"started_at"`
	BytesSent int64     `json:"bytes_sent"`
}

func (s *Server) handleStreamSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.deps.Proxy.Registry().List()
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionView{
			ID:        sess.ID,
			ChannelID: sess.ChannelID,
			ClientIP:  sess.ClientIP,
			StartedAt: sess.StartedAt,
			BytesSent: atomic.LoadInt64(&sess.BytesSent),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}
