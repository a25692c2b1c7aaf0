// Package schedule maintains the rolling DVR window of track metadata per
// channel. The cache is what lets the recorder detect track boundaries from
// metadata instead of audio analysis, and what backs the history API.
package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/archivexm/archivexm/internal/log"
	"github.com/archivexm/archivexm/internal/metrics"
	"github.com/archivexm/archivexm/internal/sxm"
)

// Fetcher pulls the upstream cut log for a channel.
type Fetcher interface {
	Schedule(ctx context.Context, channelID string, hoursBack int) ([]sxm.Track, error)
}

// Cache is the in-memory rolling window, optionally mirrored to a durable
// history store. Entries are deduplicated by (channel, start timestamp) so
// refreshing is idempotent no matter how often it runs.
type Cache struct {
	fetcher Fetcher
	history *Store
	window  time.Duration
	log     zerolog.Logger

	sf singleflight.Group

	mu       sync.RWMutex
	channels map[string]*channelWindow
}

type channelWindow struct {
	mu      sync.Mutex
	entries []sxm.Track
	keys    map[int64]struct{}
}

// NewCache creates a cache with the given retention window. history may be
// nil to keep the window memory-only.
func NewCache(fetcher Fetcher, history *Store, window time.Duration) *Cache {
	if window <= 0 {
		window = 5 * time.Hour
	}
	return &Cache{
		fetcher:  fetcher,
		history:  history,
		window:   window,
		channels: make(map[string]*channelWindow),
		log:      log.WithComponent("schedule"),
	}
}

func (c *Cache) channel(channelID string) *channelWindow {
	c.mu.Lock()
	defer c.mu.Unlock()
	cw, ok := c.channels[channelID]
	if !ok {
		cw = &channelWindow{keys: make(map[int64]struct{})}
		c.channels[channelID] = cw
	}
	return cw
}

// Refresh pulls the upstream cut log and merges it into the window.
// Refreshes for the same channel are serialized; concurrent callers share
// one fetch. Eviction of entries older than the window happens here, so the
// retention bound is enforced consistently with every merge.
func (c *Cache) Refresh(ctx context.Context, channelID string) error {
	_, err, _ := c.sf.Do(channelID, func() (any, error) {
		hours := int(c.window / time.Hour)
		if hours < 1 {
			hours = 1
		}
		tracks, err := c.fetcher.Schedule(ctx, channelID, hours)
		if err != nil {
			metrics.IncScheduleRefresh(false)
			return nil, err
		}

		cw := c.channel(channelID)
		cw.mu.Lock()
		added := cw.merge(tracks, time.Now().Add(-c.window))
		cw.mu.Unlock()

		if c.history != nil && len(added) > 0 {
			if err := c.history.Append(ctx, added); err != nil {
				c.log.Warn().Str("event", "schedule.history_append_failed").Err(err).
					Str("channel", channelID).Msg("failed to persist schedule history")
			}
		}

		metrics.IncScheduleRefresh(true)
		if len(added) > 0 {
			c.log.Debug().Str("event", "schedule.merged").
				Str("channel", channelID).Int("added", len(added)).
				Msg("schedule window updated")
		}
		return nil, nil
	})
	return err
}

// merge appends tracks whose natural key is new, evicts entries older than
// cutoff, and keeps the window sorted. Returns the newly added tracks.
func (cw *channelWindow) merge(tracks []sxm.Track, cutoff time.Time) []sxm.Track {
	var added []sxm.Track
	for _, t := range tracks {
		key := t.StartsAt.UnixMilli()
		if _, dup := cw.keys[key]; dup {
			continue
		}
		cw.keys[key] = struct{}{}
		cw.entries = append(cw.entries, t)
		added = append(added, t)
	}

	if len(added) > 0 {
		sort.Slice(cw.entries, func(i, j int) bool {
			return cw.entries[i].StartsAt.Before(cw.entries[j].StartsAt)
		})
	}

	kept := cw.entries[:0]
	for _, t := range cw.entries {
		if t.StartsAt.Before(cutoff) {
			delete(cw.keys, t.StartsAt.UnixMilli())
			continue
		}
		kept = append(kept, t)
	}
	cw.entries = kept
	return added
}

// Entries returns the retained window for a channel, oldest first, limited
// to the last windowHours. windowHours <= 0 means the full window.
func (c *Cache) Entries(channelID string, windowHours int) []sxm.Track {
	c.mu.RLock()
	cw, ok := c.channels[channelID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()

	entries := cw.entries
	if windowHours > 0 {
		cutoff := time.Now().Add(-time.Duration(windowHours) * time.Hour)
		i := sort.Search(len(entries), func(i int) bool {
			return !entries[i].StartsAt.Before(cutoff)
		})
		entries = entries[i:]
	}
	out := make([]sxm.Track, len(entries))
	copy(out, entries)
	return out
}

// Current returns the newest entry in a channel's window.
func (c *Cache) Current(channelID string) (sxm.Track, bool) {
	c.mu.RLock()
	cw, ok := c.channels[channelID]
	c.mu.RUnlock()
	if !ok {
		return sxm.Track{}, false
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()
	if len(cw.entries) == 0 {
		return sxm.Track{}, false
	}
	return cw.entries[len(cw.entries)-1], true
}

// NextAfter returns the first entry starting strictly after t, used to
// derive a track's true duration from its successor.
func (c *Cache) NextAfter(channelID string, t time.Time) (sxm.Track, bool) {
	for _, e := range c.Entries(channelID, 0) {
		if e.StartsAt.After(t) {
			return e, true
		}
	}
	return sxm.Track{}, false
}
