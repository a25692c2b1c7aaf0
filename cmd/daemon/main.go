// Command daemon runs the archival daemon: credential pool, live stream
// proxy, schedule poller, recorder, download workers, library index and the
// HTTP API, all over a single sqlite data directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/archivexm/archivexm/internal/api"
	"github.com/archivexm/archivexm/internal/channels"
	"github.com/archivexm/archivexm/internal/config"
	"github.com/archivexm/archivexm/internal/credentials"
	"github.com/archivexm/archivexm/internal/download"
	"github.com/archivexm/archivexm/internal/library"
	xmlog "github.com/archivexm/archivexm/internal/log"
	"github.com/archivexm/archivexm/internal/persistence/sqlite"
	"github.com/archivexm/archivexm/internal/proxy"
	"github.com/archivexm/archivexm/internal/recorder"
	"github.com/archivexm/archivexm/internal/schedule"
	"github.com/archivexm/archivexm/internal/secrets"
	"github.com/archivexm/archivexm/internal/sxm"
	"github.com/archivexm/archivexm/internal/tagging"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

// scheduleFetcher pulls channel cut logs with the pool's primary account.
// Metadata calls carry a bearer token but never hold a stream lease.
type scheduleFetcher struct {
	pool      *credentials.Manager
	newClient func(ts sxm.TokenSource) *sxm.Client
}

func (f *scheduleFetcher) Schedule(ctx context.Context, channelID string, hoursBack int) ([]sxm.Track, error) {
	id, err := f.pool.PrimaryCredential(ctx)
	if err != nil {
		return nil, err
	}
	return f.newClient(f.pool.TokenSource(id)).Schedule(ctx, channelID, hoursBack)
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		xmlog.Configure(xmlog.Config{Service: "archivexm", Version: version})
		fatalLog := xmlog.WithComponent("daemon")
		fatalLog.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}

	xmlog.Configure(xmlog.Config{
		Level:   cfg.LogLevel,
		Service: "archivexm",
		Version: version,
	})
	logger := xmlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, dir := range []string{cfg.DataDir, cfg.DownloadDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			logger.Fatal().
				Err(err).
				Str("event", "daemon.dir_failed").
				Str("dir", dir).
				Msg("failed to create data directory")
		}
	}

	db, err := sqlite.Open(cfg.DatabasePath(), sqlite.DefaultConfig())
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "daemon.db_failed").
			Str("path", cfg.DatabasePath()).
			Msg("failed to open database")
	}
	defer func() { _ = db.Close() }()

	box, err := secrets.Open(cfg.KeyFilePath())
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "daemon.keyfile_failed").
			Str("path", cfg.KeyFilePath()).
			Msg("failed to open encryption key")
	}

	credStore, err := credentials.NewStore(filepath.Join(cfg.DataDir, "credentials.db"))
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "daemon.credstore_failed").
			Msg("failed to open credential store")
	}
	defer func() { _ = credStore.Close() }()

	auth := sxm.NewAuthenticator(cfg.APIBase, sxm.AuthOptions{
		UserAgent: cfg.UserAgent,
		Retries:   cfg.AuthRetries,
		Backoff:   cfg.AuthBackoff,
	})
	pool := credentials.NewManager(credStore, box, auth, credentials.ManagerConfig{
		RefreshThreshold: cfg.RefreshThreshold,
		StaleAfter:       cfg.LeaseTTL,
	})

	newClient := func(ts sxm.TokenSource) *sxm.Client {
		return sxm.New(cfg.APIBase, ts, sxm.Options{
			UserAgent: cfg.UserAgent,
			Retries:   cfg.SegmentRetries,
			Backoff:   cfg.SegmentBackoff,
		})
	}

	history, err := schedule.NewStore(db)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.store_failed").Msg("schedule store")
	}
	cache := schedule.NewCache(
		&scheduleFetcher{pool: pool, newClient: newClient},
		history,
		time.Duration(cfg.DVRWindowHours)*time.Hour,
	)
	poller := schedule.NewPoller(cache, cfg.PollInterval)

	chanStore, err := channels.NewStore(db)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.store_failed").Msg("channel store")
	}
	catalog := channels.NewService(chanStore, pool, newClient, 0)

	streamProxy := proxy.New(pool, newClient, proxy.Config{
		UserAgent:      cfg.UserAgent,
		SegmentRetries: cfg.SegmentRetries,
		SegmentBackoff: cfg.SegmentBackoff,
		IdleTimeout:    cfg.LeaseTTL,
	})

	jobStore, err := download.NewStore(db)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.store_failed").Msg("download store")
	}
	if n, err := jobStore.ResetInterrupted(ctx); err != nil {
		logger.Warn().Err(err).Str("event", "daemon.reset_failed").Msg("failed to reset interrupted jobs")
	} else if n > 0 {
		logger.Info().
			Str("event", "daemon.jobs_reset").
			Int64("count", n).
			Msg("marked interrupted jobs as failed")
	}
	downloads := download.NewService(pool, newClient, cache, chanStore, tagging.New(cfg.FFmpegPath), jobStore, download.Config{
		OutputDir:      cfg.DownloadDir,
		SegmentRetries: cfg.SegmentRetries,
		SegmentBackoff: cfg.SegmentBackoff,
	})

	rec := recorder.New(pool, newClient, cache, poller, downloads, recorder.Config{
		GracefulStopWait: cfg.GracefulStopWait,
		SegmentRetries:   cfg.SegmentRetries,
		SegmentBackoff:   cfg.SegmentBackoff,
	})

	libStore, err := library.NewStore(db)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.store_failed").Msg("library store")
	}
	scanner := library.NewScanner(libStore, cfg.DownloadDir)
	libWatcher := library.NewWatcher(scanner, cfg.DownloadDir, 0)

	server := api.NewServer(api.Config{
		ListenAddr:     cfg.ListenAddr,
		DVRWindowHours: cfg.DVRWindowHours,
	}, api.Deps{
		Recorder:  rec,
		Proxy:     streamProxy,
		Downloads: downloads,
		Jobs:      jobStore,
		Schedule:  cache,
		Channels:  chanStore,
		Catalog:   catalog,
		Library:   libStore,
		Scanner:   scanner,
		Pool:      pool,
		Version:   version,
	})

	logger.Info().
		Str("event", "daemon.starting").
		Str("listen", cfg.ListenAddr).
		Str("data_dir", cfg.DataDir).
		Str("download_dir", cfg.DownloadDir).
		Str("version", version).
		Msg("starting daemon")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		poller.Run(gctx)
		return nil
	})
	g.Go(func() error {
		streamProxy.Run(gctx)
		return nil
	})
	g.Go(func() error {
		catalog.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return libWatcher.Run(gctx)
	})
	g.Go(func() error {
		return server.Run(gctx)
	})

	err = g.Wait()

	// Flush any in-flight recording before the process exits. StopWait
	// blocks until the buffered track has been finalized.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), cfg.GracefulStopWait)
	switch stopErr := rec.StopWait(flushCtx); {
	case stopErr == nil:
		logger.Info().Str("event", "daemon.recording_flushed").Msg("flushed active recording")
	case errors.Is(stopErr, recorder.ErrNotRecording):
		// nothing in flight
	default:
		logger.Warn().Err(stopErr).Str("event", "daemon.recording_flush_failed").Msg("recording flush incomplete")
	}
	flushCancel()

	if err != nil {
		logger.Error().Err(err).Str("event", "daemon.stopped").Msg("daemon exited with error")
		os.Exit(1)
	}
	logger.Info().Str("event", "daemon.stopped").Msg("daemon exited")
}
