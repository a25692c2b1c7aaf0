package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/archivexm/archivexm/internal/channels"
)

func (s *Server) handleChannelList(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Channels.List(r.Context(), r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []channels.Channel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": list, "count": len(list)})
}

func (s *Server) handleChannelGet(w http.ResponseWriter, r *http.Request) {
	ch, err := s.deps.Channels.Get(r.Context(), chi.URLParam(r, "channelID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleChannelRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Catalog.Refresh(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := s.deps.Channels.Count(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": n})
}

type favoriteRequest struct {
	Favorite bool `json:"favorite"`
}

func (s *Server) handleChannelFavorite(w http.ResponseWriter, r *http.Request) {
	var req favoriteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return
	}
	if err := s.deps.Channels.SetFavorite(r.Context(), chi.URLParam(r, "channelID"), req.Favorite); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
