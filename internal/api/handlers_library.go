package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/archivexm/archivexm/internal/library"
)

func (s *Server) handleLibraryList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	files, err := s.deps.Library.List(r.Context(), r.URL.Query().Get("filter"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if files == nil {
		files = []library.File{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files, "count": len(files)})
}

func (s *Server) handleLibraryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Library.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleLibraryRescan(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Scanner.Scan(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"indexed":    result.Indexed,
		"pruned":     result.Pruned,
		"took_ms":    result.Took.Milliseconds(),
	})
}

// handleLibraryFile serves the audio file itself. http.ServeFile handles
// range requests, which seeking players depend on.
func (s *Server) handleLibraryFile(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "fileID"), 10, 64)
	if err != nil {
		writeBadRequest(w, "invalid file id")
		return
	}
	f, err := s.deps.Library.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.ServeFile(w, r, f.Path)
}
