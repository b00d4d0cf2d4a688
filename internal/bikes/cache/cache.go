// Package cache keeps recent bike availability per location in Redis so that
// repeated questions about the same place within a few seconds do not each
// reach the upstream API.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	geohash "github.com/TomiHiltunen/geohash-golang"
	"golang.org/x/sync/singleflight"

	"github.com/fourma/bikelocator/internal/bikes"
	"github.com/fourma/bikelocator/internal/catalog"
	"github.com/fourma/bikelocator/pkg/metrics"
	pkgredis "github.com/fourma/bikelocator/pkg/redis"
)

const (
	keyPrefix = "bikes:"
	// cellPrecision of 9 geohash characters is a cell of a few meters.
	cellPrecision = 9
	// defaultFetchTimeout bounds a shared upstream fetch once it no longer
	// follows any single caller's context.
	defaultFetchTimeout = 30 * time.Second
)

// Store is the subset of pkg/redis.Client the cache needs. Get must return
// an error matching pkgredis.ErrMiss for absent keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
}

// Cache stores availability keyed by the geohash cell of a location.
// Concurrent misses for one cell share a single upstream fetch.
type Cache struct {
	store        Store
	ttl          time.Duration
	fetchTimeout time.Duration
	group        singleflight.Group
	metrics      *metrics.Metrics
	logger       *slog.Logger
	hits         atomic.Int64
	misses       atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithFetchTimeout bounds the upstream fetch shared by coalesced callers.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// New returns a Cache writing entries with the given TTL. m may be nil.
func New(store Store, ttl time.Duration, m *metrics.Metrics, opts ...Option) *Cache {
	c := &Cache{
		store:        store,
		ttl:          ttl,
		fetchTimeout: defaultFetchTimeout,
		metrics:      m,
		logger:       slog.Default().With("component", "bike-cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the cache key for loc.
func Key(loc catalog.Location) string {
	return keyPrefix + geohash.EncodeWithPrecision(loc.Latitude, loc.Longitude, cellPrecision)
}

// Get returns the cached availability for loc. Store errors are logged and
// treated as misses.
func (c *Cache) Get(ctx context.Context, loc catalog.Location) (*bikes.Availability, bool) {
	key := Key(loc)
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, pkgredis.ErrMiss) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		return nil, false
	}
	var avail bikes.Availability
	if err := json.Unmarshal(data, &avail); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		return nil, false
	}
	return &avail, true
}

// Set stores avail for loc. Failures are logged, never returned.
func (c *Cache) Set(ctx context.Context, loc catalog.Location, avail *bikes.Availability) {
	key := Key(loc)
	data, err := json.Marshal(avail)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrFetch returns cached availability for loc or calls fetch and caches
// its result. hit reports whether the answer came from the cache. Fetch
// errors are returned and never cached. The returned value is shared between
// coalesced callers and must not be modified.
//
// The shared fetch runs detached from ctx, bounded by the fetch timeout, so
// one caller giving up does not fail the others. Each caller still returns
// as soon as its own ctx is done.
func (c *Cache) GetOrFetch(
	ctx context.Context,
	loc catalog.Location,
	fetch func(context.Context, catalog.Location) (*bikes.Availability, error),
) (avail *bikes.Availability, hit bool, err error) {
	if avail, ok := c.Get(ctx, loc); ok {
		c.recordHit()
		return avail, true, nil
	}
	c.recordMiss()

	ch := c.group.DoChan(Key(loc), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		if avail, ok := c.Get(fctx, loc); ok {
			return avail, nil
		}
		avail, err := fetch(fctx, loc)
		if err != nil {
			return nil, err
		}
		c.Set(fctx, loc, avail)
		return avail, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(*bikes.Availability), false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Invalidate drops every cached entry.
func (c *Cache) Invalidate(ctx context.Context) error {
	deleted, err := c.store.DeletePrefix(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("invalidating bike cache: %w", err)
	}
	c.logger.Info("bike cache invalidated", "keys_deleted", deleted)
	return nil
}

// Stats returns hit and miss counts since the cache was created.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) recordHit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
}

func (c *Cache) recordMiss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}
