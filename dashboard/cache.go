package dashboard

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/singleflight"
)

// ResourceCache is a keyed store with per-entry expiry, scoped to a
// single resource type.
type ResourceCache[V any] interface {
	// Name identifies the resource type this cache holds
	Name() string

	// TTL is the lifetime given to entries by Put
	TTL() time.Duration

	// Get returns the value for key if present and not yet expired.
	// It never mutates the cache.
	Get(ctx context.Context, key string) (V, bool, error)

	// Put stores value for key with the cache's TTL, replacing any
	// existing entry.
	Put(ctx context.Context, key string, value V) error

	// Sweep removes expired entries, returning the number removed
	Sweep(ctx context.Context) (int, error)

	// Delete removes any entry for key
	Delete(ctx context.Context, key string) error

	// PurgePrefix removes all entries whose key starts with prefix.
	// An empty prefix removes everything.
	PurgePrefix(ctx context.Context, prefix string) (int, error)
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is an in-memory ResourceCache. Each instance holds its own lock.
type Cache[V any] struct {
	name    string
	ttl     time.Duration
	clock   clock.Clock
	mu      sync.Mutex
	entries map[string]cacheEntry[V]
}

// NewCache returns an empty in-memory cache. If clk is nil, the
// wall clock is used.
func NewCache[V any](name string, ttl time.Duration, clk clock.Clock) *Cache[V] {
	if clk == nil {
		clk = clock.New()
	}
	return &Cache[V]{
		name:    name,
		ttl:     ttl,
		clock:   clk,
		entries: map[string]cacheEntry[V]{},
	}
}

func (c *Cache[V]) Name() string {
	return c.name
}

func (c *Cache[V]) TTL() time.Duration {
	return c.ttl
}

func (c *Cache[V]) Get(_ context.Context, key string) (V, bool, error) {
	v, ok := c.Lookup(key)
	return v, ok, nil
}

// Lookup is Get without the context/error plumbing.
func (c *Cache[V]) Lookup(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || !c.clock.Now().Before(entry.expiresAt) {
		var zero V
		return zero, false
	}
	return entry.value, true
}

func (c *Cache[V]) Put(_ context.Context, key string, value V) error {
	c.PutTTL(key, value, c.ttl)
	return nil
}

// PutTTL stores value with an explicit ttl, replacing any prior entry.
func (c *Cache[V]) PutTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry[V]{
		value:     value,
		expiresAt: c.clock.Now().Add(ttl),
	}
}

func (c *Cache[V]) Sweep(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for key, entry := range c.entries {
		if !entry.expiresAt.After(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (c *Cache[V]) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *Cache[V]) PurgePrefix(_ context.Context, prefix string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prefix == "" {
		n := len(c.entries)
		c.entries = map[string]cacheEntry[V]{}
		return n, nil
	}

	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, including expired ones
// that haven't been swept yet.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// cachedFetch implements the read-through contract used by every proxy
// endpoint: a hit returns immediately, a miss calls fetch and stores the
// result only if fetch succeeds. Errors are returned unchanged and never
// cached. Concurrent misses for the same key share a single fetch.
func cachedFetch[V any](
	ctx context.Context,
	group *singleflight.Group,
	cache ResourceCache[V],
	key string,
	fetch func(ctx context.Context) (V, error),
) (V, error) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = slog.Default()
	}

	if v, hit, err := cache.Get(ctx, key); err != nil {
		logger.WarnContext(
			ctx,
			"cache read failed, falling back to upstream",
			"cache", cache.Name(),
			tint.Err(err),
		)
	} else if hit {
		logger.DebugContext(ctx, "cache hit", "cache", cache.Name())
		return v, nil
	}

	logger.DebugContext(ctx, "cache miss", "cache", cache.Name())

	result, err, shared := group.Do(
		cache.Name()+"/"+key, func() (any, error) {
			v, fetchErr := fetch(ctx)
			if fetchErr != nil {
				return v, fetchErr
			}
			if putErr := cache.Put(ctx, key, v); putErr != nil {
				logger.WarnContext(
					ctx,
					"cache write failed",
					"cache", cache.Name(),
					tint.Err(putErr),
				)
			}
			return v, nil
		},
	)
	if shared {
		logger.DebugContext(ctx, "shared upstream fetch", "cache", cache.Name())
	}
	if err != nil {
		var zero V
		return zero, err
	}
	return result.(V), nil
}
