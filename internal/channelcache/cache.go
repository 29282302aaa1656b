// Package channelcache deduplicates channel attribute lookups across
// concurrent workers. Distinct channels fetch in parallel; workers
// racing for the same channel serialize on a per-channel lock and all
// but the first hit the cache.
package channelcache

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/ilialebedev/metafetcher/internal/crawl"
)

// Fetch resolves channel attributes upstream, returning the quota cost
// of the call.
type Fetch func(ctx context.Context, channelID string) (crawl.ChannelInfo, int, error)

type entry struct {
	mu       sync.Mutex
	info     crawl.ChannelInfo
	notFound bool
	loaded   bool
}

// Cache is a process-lifetime channel info cache. The zero value is
// not usable; construct with New.
type Cache struct {
	fetch  Fetch
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Cache backed by the given fetch function.
func New(fetch Fetch, logger *zap.Logger) *Cache {
	return &Cache{
		fetch:   fetch,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

func (c *Cache) entryFor(channelID string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[channelID]
	if !ok {
		e = &entry{}
		c.entries[channelID] = e
	}
	return e
}

// Get returns cached channel info, fetching it at most once per
// channel. Missing channels are cached as tombstones so repeated
// lookups do not spend quota; they surface crawl.ErrNotFound with zero
// cost. Fetch errors are not cached and the next caller retries.
func (c *Cache) Get(ctx context.Context, channelID string) (crawl.ChannelInfo, int, error) {
	e := c.entryFor(channelID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loaded {
		if e.notFound {
			return crawl.ChannelInfo{}, 0, crawl.ErrNotFound
		}
		return e.info, 0, nil
	}

	info, cost, err := c.fetch(ctx, channelID)
	if err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			e.loaded = true
			e.notFound = true
			c.logger.Debug("channel not found, cached tombstone", zap.String("channel_id", channelID))
			return crawl.ChannelInfo{}, cost, crawl.ErrNotFound
		}
		return crawl.ChannelInfo{}, cost, err
	}

	e.loaded = true
	e.info = info
	return info, cost, nil
}

// Len reports how many channels are cached, tombstones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
