package channels

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/archivexm/archivexm/internal/credentials"
	"github.com/archivexm/archivexm/internal/log"
	"github.com/archivexm/archivexm/internal/sxm"
)

// ClientFactory builds an upstream client bound to a credential's tokens.
type ClientFactory func(ts sxm.TokenSource) *sxm.Client

// Service refreshes the catalog from upstream. Catalog calls need a session
// token but no stream capacity, so no lease is taken.
type Service struct {
	store     *Store
	pool      *credentials.Manager
	newClient ClientFactory
	interval  time.Duration
	log       zerolog.Logger
}

func NewService(store *Store, pool *credentials.Manager, newClient ClientFactory, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Service{
		store:     store,
		pool:      pool,
		newClient: newClient,
		interval:  interval,
		log:       log.WithComponent("channels"),
	}
}

// Refresh pulls the full catalog and replaces the local copy.
func (s *Service) Refresh(ctx context.Context) error {
	credID, err := s.pool.PrimaryCredential(ctx)
	if err != nil {
		return err
	}
	client := s.newClient(s.pool.TokenSource(credID))

	chans, err := client.Channels(ctx)
	if err != nil {
		return err
	}
	if err := s.store.ReplaceAll(ctx, chans); err != nil {
		return err
	}
	s.log.Info().Str("event", "channels.refreshed").Int("count", len(chans)).Msg("channel catalog refreshed")
	return nil
}

// Run refreshes the catalog on startup and then on the configured interval
// until the context ends. A failed refresh keeps the previous catalog.
func (s *Service) Run(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		s.log.Warn().Str("event", "channels.refresh_failed").Err(err).Msg("initial catalog refresh failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.log.Warn().Str("event", "channels.refresh_failed").Err(err).Msg("catalog refresh failed")
			}
		}
	}
}
