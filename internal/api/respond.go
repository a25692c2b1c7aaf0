package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/archivexm/archivexm/internal/channels"
	"github.com/archivexm/archivexm/internal/credentials"
	"github.com/archivexm/archivexm/internal/download"
	"github.com/archivexm/archivexm/internal/library"
	"github.com/archivexm/archivexm/internal/log"
	"github.com/archivexm/archivexm/internal/proxy"
	"github.com/archivexm/archivexm/internal/recorder"
	"github.com/archivexm/archivexm/internal/sxm"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto HTTP status codes. Unmapped errors are
// logged with the request-scoped logger before the 500 goes out.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		log.FromContext(r.Context()).Error().
			Err(err).
			Str("event", "http.error").
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeBadRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf(format, args...)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, channels.ErrChannelNotFound),
		errors.Is(err, download.ErrJobNotFound),
		errors.Is(err, library.ErrFileNotFound),
		errors.Is(err, credentials.ErrNotFound),
		errors.Is(err, proxy.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, recorder.ErrAlreadyRecording),
		errors.Is(err, recorder.ErrNotRecording):
		return http.StatusConflict
	case errors.Is(err, credentials.ErrNoCapacity):
		return http.StatusServiceUnavailable
	case errors.Is(err, download.ErrTrackOutsideWindow):
		return http.StatusGone
	case errors.Is(err, sxm.ErrAuthFailed),
		errors.Is(err, sxm.ErrUnauthorized),
		errors.Is(err, sxm.ErrNoStream),
		errors.Is(err, credentials.ErrSessionExpired):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON body into dst, rejecting unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
