package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix     = "dfb:cache:"
	redisScanBatchSize = 100
)

type redisEntry[V any] struct {
	Value     V         `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RedisCache is a ResourceCache shared between instances through Redis.
// Entries are given a server-side PX expiry, and expiry is also checked
// against the cache's clock on read, so it behaves the same as Cache.
type RedisCache[V any] struct {
	name   string
	ttl    time.Duration
	clock  clock.Clock
	client redis.UniversalClient
}

func NewRedisCache[V any](
	client redis.UniversalClient,
	name string,
	ttl time.Duration,
	clk clock.Clock,
) *RedisCache[V] {
	if clk == nil {
		clk = clock.New()
	}
	return &RedisCache[V]{
		name:   name,
		ttl:    ttl,
		clock:  clk,
		client: client,
	}
}

func (r *RedisCache[V]) Name() string {
	return r.name
}

func (r *RedisCache[V]) TTL() time.Duration {
	return r.ttl
}

func (r *RedisCache[V]) key(k string) string {
	return redisKeyPrefix + r.name + ":" + k
}

func (r *RedisCache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V

	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("redis get %s: %w", r.name, err)
	}

	var entry redisEntry[V]
	if err = json.Unmarshal(data, &entry); err != nil {
		return zero, false, fmt.Errorf("decoding %s entry: %w", r.name, err)
	}
	if !r.clock.Now().Before(entry.ExpiresAt) {
		return zero, false, nil
	}
	return entry.Value, true, nil
}

func (r *RedisCache[V]) Put(ctx context.Context, key string, value V) error {
	entry := redisEntry[V]{
		Value:     value,
		ExpiresAt: r.clock.Now().Add(r.ttl),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding %s entry: %w", r.name, err)
	}
	if err = r.client.Set(ctx, r.key(key), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.name, err)
	}
	return nil
}

// Sweep scans this cache's keys and removes entries that are stale
// according to the cache's clock. Redis expires keys on its own, so this
// only matters when the clocks disagree.
func (r *RedisCache[V]) Sweep(ctx context.Context) (int, error) {
	now := r.clock.Now()
	removed := 0

	iter := r.client.Scan(ctx, 0, r.key("*"), redisScanBatchSize).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		data, err := r.client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("redis get %s: %w", r.name, err)
		}
		var entry redisEntry[json.RawMessage]
		if err = json.Unmarshal(data, &entry); err != nil || !entry.ExpiresAt.After(now) {
			if delErr := r.client.Del(ctx, k).Err(); delErr != nil {
				return removed, fmt.Errorf("redis del %s: %w", r.name, delErr)
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis scan %s: %w", r.name, err)
	}
	return removed, nil
}

func (r *RedisCache[V]) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", r.name, err)
	}
	return nil
}

func (r *RedisCache[V]) PurgePrefix(ctx context.Context, prefix string) (int, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.key(prefix+"*"), redisScanBatchSize).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan %s: %w", r.name, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del %s: %w", r.name, err)
	}
	return int(n), nil
}
