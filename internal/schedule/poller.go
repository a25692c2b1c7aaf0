package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/archivexm/archivexm/internal/log"
)

// Poller drives periodic refreshes for the channels something is currently
// interested in (an open proxy stream, an active recording, a watching UI).
// Channels are reference counted so overlapping interests do not cancel
// each other's polling.
type Poller struct {
	cache    *Cache
	interval time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	channels map[string]int
}

func NewPoller(cache *Cache, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Poller{
		cache:    cache,
		interval: interval,
		channels: make(map[string]int),
		log:      log.WithComponent("schedule.poller"),
	}
}

// Watch registers interest in a channel and triggers an immediate refresh
// so the first reader does not wait a full tick. The returned func drops
// the interest and is safe to call once.
func (p *Poller) Watch(ctx context.Context, channelID string) func() {
	p.mu.Lock()
	p.channels[channelID]++
	first := p.channels[channelID] == 1
	p.mu.Unlock()

	if first {
		if err := p.cache.Refresh(ctx, channelID); err != nil {
			p.log.Warn().Str("event", "schedule.refresh_failed").Err(err).
				Str("channel", channelID).Msg("initial schedule refresh failed")
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.channels[channelID] > 0 {
				p.channels[channelID]--
				if p.channels[channelID] == 0 {
					delete(p.channels, channelID)
				}
			}
		})
	}
}

// Run refreshes every watched channel on each tick until ctx ends.
// Transient refresh failures are logged and absorbed; the next tick retries.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			watched := make([]string, 0, len(p.channels))
			for ch := range p.channels {
				watched = append(watched, ch)
			}
			p.mu.Unlock()

			for _, ch := range watched {
				if err := p.cache.Refresh(ctx, ch); err != nil {
					if ctx.Err() != nil {
						return
					}
					p.log.Warn().Str("event", "schedule.refresh_failed").Err(err).
						Str("channel", ch).Msg("schedule refresh failed")
				}
			}
		}
	}
}
