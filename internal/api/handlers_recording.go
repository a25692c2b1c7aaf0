package api

import (
	"net/http"
	"strconv"
)

type recordingStartRequest struct {
	ChannelID string `json:"channel_id"`
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	var req recordingStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return
	}
	if req.ChannelID == "" {
		writeBadRequest(w, "channel_id is required")
		return
	}

	status, err := s.deps.Recorder.Start(r.Context(), req.ChannelID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

// handleRecordingStop stops the active recording. By default the capture
// drains until the current track ends; ?force=true finalizes immediately.
func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	status, err := s.deps.Recorder.Stop(!force)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Recorder.Status())
}
