// Package cache provides the TTL key-value cache consumed by Attune's session
// and health components.
//
// Values are opaque. The interface mirrors an external cache service (get,
// set with TTL, delete); the default implementation is process-local and
// backed by ttlcache. Cached entries are never a source of truth — every
// cached record can be reloaded from the document store.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Cache is the TTL cache interface.
type Cache interface {
	// Get returns the cached value for key, or false if absent or expired.
	Get(ctx context.Context, key string) (any, bool)
	// Set stores value under key for the given TTL. A non-positive TTL falls
	// back to the cache's default.
	Set(ctx context.Context, key string, value any, ttl time.Duration)
	// Delete removes key from the cache.
	Delete(ctx context.Context, key string)
}

// DefaultTTL is applied when Set receives a non-positive TTL.
const DefaultTTL = 5 * time.Minute

// TTLCache is a process-local Cache backed by jellydator/ttlcache.
type TTLCache struct {
	inner *ttlcache.Cache[string, any]
}

// NewTTLCache creates a started TTL cache. Expired entries are evicted by a
// background loop; Stop releases it.
func NewTTLCache() *TTLCache {
	inner := ttlcache.New(
		ttlcache.WithTTL[string, any](DefaultTTL),
		// Reads must not extend entry lifetimes: rate-limit windows and health
		// snapshots rely on fixed expiry.
		ttlcache.WithDisableTouchOnHit[string, any](),
	)
	go inner.Start()
	slog.Debug("TTLCache created", "defaultTTL", DefaultTTL)
	return &TTLCache{inner: inner}
}

func (c *TTLCache) Get(ctx context.Context, key string) (any, bool) {
	item := c.inner.Get(key)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (c *TTLCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = ttlcache.DefaultTTL
	}
	c.inner.Set(key, value, ttl)
}

func (c *TTLCache) Delete(ctx context.Context, key string) {
	c.inner.Delete(key)
}

// Stop terminates the background eviction loop.
func (c *TTLCache) Stop() {
	c.inner.Stop()
}
