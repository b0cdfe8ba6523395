package fetchcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ex-kagura/internal/metrics"
	"ex-kagura/pkg/kagura"
)

const defaultFetchTimeout = 10 * time.Second

// entry is one immutable cached result.
type entry struct {
	value     any
	expiresAt time.Time
}

func (e *entry) live(now time.Time) bool {
	return now.Before(e.expiresAt)
}

// Cache is a TTL cache that coalesces concurrent misses of the same key into
// one underlying fetch.
//
// Failures are never stored. Every caller coalesced onto a failing fetch
// receives the same error.
type Cache struct {
	entries      sync.Map
	group        singleflight.Group
	now          func() time.Time
	fetchTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// Option mutates cache construction.
type Option func(*Cache)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithFetchTimeout bounds every underlying fetch.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(c *Cache) {
		if timeout > 0 {
			c.fetchTimeout = timeout
		}
	}
}

// WithLogger configures failure logging.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics configures request counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// New creates an empty cache.
func New(options ...Option) *Cache {
	cache := &Cache{
		now:          time.Now,
		fetchTimeout: defaultFetchTimeout,
		logger:       slog.Default(),
	}
	for _, option := range options {
		option(cache)
	}

	return cache
}

// GetOrFetch returns the live value of key or runs fetch.
//
// Concurrent callers for a key share one fetch; the ttl of the caller that
// started the fetch applies. The fetch runs detached from the caller's
// cancellation and is bounded by the fetch timeout. A caller whose context
// ends stops waiting without cancelling the shared fetch.
func (c *Cache) GetOrFetch(
	ctx context.Context,
	key string,
	ttl time.Duration,
	fetch kagura.FetchFunc,
) (any, error) {
	if fetch == nil {
		return nil, fmt.Errorf("get or fetch %s: nil fetch function", key)
	}
	if value, ok := c.lookup(key); ok {
		c.metrics.CacheRequest("hit")
		return value, nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	results := c.group.DoChan(key, func() (any, error) {
		if value, ok := c.lookup(key); ok {
			return value, nil
		}
		c.metrics.CacheRequest("fetch")

		value, err := c.runFetch(fetchCtx, key, fetch)
		if err != nil {
			return nil, err
		}
		if ttl > 0 {
			c.entries.Store(key, &entry{value: value, expiresAt: c.now().Add(ttl)})
		}

		return value, nil
	})

	select {
	case result := <-results:
		if result.Shared {
			c.metrics.CacheRequest("shared")
		}
		if result.Err != nil {
			c.metrics.CacheRequest("error")
			return nil, result.Err
		}
		return result.Val, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("get or fetch %s: %w", key, ctx.Err())
	}
}

// Invalidate drops the cached value of key.
func (c *Cache) Invalidate(key string) {
	c.entries.Delete(key)
}

// Purge drops every entry expired at now and returns how many were removed.
func (c *Cache) Purge(now time.Time) int {
	removed := 0
	c.entries.Range(func(key, value any) bool {
		if !value.(*entry).live(now) {
			c.entries.CompareAndDelete(key, value)
			removed++
		}
		return true
	})

	return removed
}

// Len returns the number of stored entries, including expired ones not yet purged.
func (c *Cache) Len() int {
	count := 0
	c.entries.Range(func(any, any) bool {
		count++
		return true
	})

	return count
}

func (c *Cache) lookup(key string) (any, bool) {
	loaded, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}
	cached := loaded.(*entry)
	if !cached.live(c.now()) {
		return nil, false
	}

	return cached.value, true
}

func (c *Cache) runFetch(ctx context.Context, key string, fetch kagura.FetchFunc) (value any, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()
	defer func() {
		if recovered := recover(); recovered != nil {
			value = nil
			err = fmt.Errorf("fetch %s: panic recovered: %v", key, recovered)
		}
		if err != nil {
			c.logger.Warn("fetch cache fetch failed", "key", key, "error", err)
		}
	}()

	value, err = fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}

	return value, nil
}

var _ kagura.Fetcher = (*Cache)(nil)
