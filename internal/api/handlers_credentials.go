package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleCredentialList(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Pool.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type addCredentialRequest struct {
	Name       string `json:"name"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	MaxStreams int    `json:"max_streams"`
	Priority   int    `json:"priority"`
}

func (s *Server) handleCredentialAdd(w http.ResponseWriter, r *http.Request) {
	var req addCredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeBadRequest(w, "username and password are required")
		return
	}
	if req.MaxStreams <= 0 {
		req.MaxStreams = 3
	}
	if req.Name == "" {
		req.Name = req.Username
	}

	id, err := s.deps.Pool.AddAccount(r.Context(), req.Name, req.Username, req.Password, req.MaxStreams, req.Priority)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleCredentialDelete(w http.ResponseWriter, r *http.Request) {
	id, err := credentialID(r)
	if err != nil {
		writeBadRequest(w, "invalid credential id")
		return
	}
	if err := s.deps.Pool.RemoveAccount(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type activeRequest struct {
	Active bool `json:"active"`
}

func (s *Server) handleCredentialActive(w http.ResponseWriter, r *http.Request) {
	id, err := credentialID(r)
	if err != nil {
		writeBadRequest(w, "invalid credential id")
		return
	}
	var req activeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return
	}
	if err := s.deps.Pool.SetActive(r.Context(), id, req.Active); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func credentialID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "credentialID"), 10, 64)
}
