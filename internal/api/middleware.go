package api

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/archivexm/archivexm/internal/log"
	"github.com/archivexm/archivexm/internal/metrics"
)

// recoverer turns handler panics into 500s instead of dropped connections.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger := log.WithComponent("api")
				logger.Error().
					Str("event", "http.panic").
					Str("path", r.URL.Path).
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("handler panicked")
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request with latency and status, and
// feeds the HTTP metrics. The chi route pattern keeps label cardinality
// bounded.
func requestLogger(next http.Handler) http.Handler {
	logger := log.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		reqLog := logger.With().Str("request_id", chimw.GetReqID(r.Context())).Logger()
		r = r.WithContext(reqLog.WithContext(r.Context()))

		next.ServeHTTP(ww, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(r.Method, pattern, strconv.Itoa(ww.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, pattern).Observe(elapsed.Seconds())

		reqLog.Info().
			Str("event", "http.request").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", elapsed).
			Msg("request handled")
	})
}

// rateLimit bounds per-client request rates; playlist polling by media
// players stays well under this.
func rateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(time.Minute.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
		}),
	)
}
