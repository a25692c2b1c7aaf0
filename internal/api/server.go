// Package api exposes the daemon's HTTP surface: live stream proxying,
// recording control, schedule lookups, downloads, the channel catalog, the
// local library, and credential pool administration.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/archivexm/archivexm/internal/channels"
	"github.com/archivexm/archivexm/internal/credentials"
	"github.com/archivexm/archivexm/internal/download"
	"github.com/archivexm/archivexm/internal/library"
	"github.com/archivexm/archivexm/internal/log"
	"github.com/archivexm/archivexm/internal/proxy"
	"github.com/archivexm/archivexm/internal/recorder"
	"github.com/archivexm/archivexm/internal/schedule"
	"github.com/archivexm/archivexm/internal/sxm"
)

// Recorder is the recording control surface the API needs.
type Recorder interface {
	Start(ctx context.Context, channelID string) (recorder.Status, error)
	Stop(graceful bool) (recorder.Status, error)
	Status() recorder.Status
}

// Downloader enqueues track downloads.
type Downloader interface {
	Single(ctx context.Context, track sxm.Track) (download.Job, error)
	Bulk(ctx context.Context, channelID string, tracks []sxm.Track) ([]download.Job, error)
}

// StreamProxy serves rewritten playlists, media, and keys to local players.
type StreamProxy interface {
	Open(ctx context.Context, req *http.Request, channelID string) (*proxy.Session, string, error)
	ServeMedia(ctx context.Context, w http.ResponseWriter, sessionID, mediaPath string) error
	ServeKey(ctx context.Context, w http.ResponseWriter, sessionID, ref string) error
	Close(ctx context.Context, sessionID string)
	Registry() *proxy.Registry
}

// CatalogRefresher triggers an on-demand catalog refresh.
type CatalogRefresher interface {
	Refresh(ctx context.Context) error
}

// Deps wires the API to the daemon's services.
type Deps struct {
	Recorder  Recorder
	Proxy     StreamProxy
	Downloads Downloader
	Jobs      *download.Store
	Schedule  *schedule.Cache
	Channels  *channels.Store
	Catalog   CatalogRefresher
	Library   *library.Store
	Scanner   *library.Scanner
	Pool      *credentials.Manager
	Version   string
}

// Config tunes the HTTP server.
type Config struct {
	ListenAddr        string
	DVRWindowHours    int
	RequestsPerMinute int // per client IP, default 300
}

// Server is the daemon's HTTP front end.
type Server struct {
	cfg     Config
	deps    Deps
	log     zerolog.Logger
	started time.Time
}

func NewServer(cfg Config, deps Deps) *Server {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 300
	}
	if cfg.DVRWindowHours <= 0 {
		cfg.DVRWindowHours = 5
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		log:     log.WithComponent("api"),
		started: time.Now(),
	}
}

// Router builds the full route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(chimw.RequestID)
	r.Use(requestLogger)
	r.Use(rateLimit(s.cfg.RequestsPerMinute))

	r.Get("/api/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/channels", func(r chi.Router) {
		r.Get("/", s.handleChannelList)
		r.Post("/refresh", s.handleChannelRefresh)
		r.Route("/{channelID}", func(r chi.Router) {
			r.Get("/", s.handleChannelGet)
			r.Put("/favorite", s.handleChannelFavorite)
			r.Get("/schedule", s.handleSchedule)
			r.Get("/now-playing", s.handleNowPlaying)
		})
	})

	r.Route("/api/streams", func(r chi.Router) {
		r.Get("/sessions", s.handleStreamSessions)
		r.Get("/{channelID}/playlist.m3u8", s.handleStreamOpen)
		r.Route("/session/{sessionID}", func(r chi.Router) {
			r.Get("/media/*", s.handleStreamMedia)
			r.Get("/key/{ref}", s.handleStreamKey)
			r.Delete("/", s.handleStreamClose)
		})
	})

	r.Route("/api/recording", func(r chi.Router) {
		r.Post("/start", s.handleRecordingStart)
		r.Post("/stop", s.handleRecordingStop)
		r.Get("/status", s.handleRecordingStatus)
	})

	r.Route("/api/downloads", func(r chi.Router) {
		r.Post("/", s.handleDownloadSingle)
		r.Post("/bulk", s.handleDownloadBulk)
		r.Get("/", s.handleDownloadList)
		r.Get("/{jobID}", s.handleDownloadGet)
	})

	r.Route("/api/library", func(r chi.Router) {
		r.Get("/", s.handleLibraryList)
		r.Get("/stats", s.handleLibraryStats)
		r.Post("/rescan", s.handleLibraryRescan)
		r.Get("/{fileID}/audio", s.handleLibraryFile)
	})

	r.Route("/api/credentials", func(r chi.Router) {
		r.Get("/", s.handleCredentialList)
		r.Post("/", s.handleCredentialAdd)
		r.Route("/{credentialID}", func(r chi.Router) {
			r.Delete("/", s.handleCredentialDelete)
			r.Put("/active", s.handleCredentialActive)
		})
	})

	return r
}

// Run serves until the context ends, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Segment streaming holds response writers open; no write timeout.
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("event", "api.listening").Str("addr", s.cfg.ListenAddr).Msg("http server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	err := <-errc
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.deps.Version,
		"uptime_seconds": time.Since(s.started).Seconds(),
	})
}
