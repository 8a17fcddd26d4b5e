package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper makes webhook ingestion idempotent under provider replay. Seen
// marks the key and reports whether it had been marked before; Forget
// releases a key whose event was never emitted, so the provider's
// redelivery is not dropped as a replay.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// RedisDeduper backs replay detection with a shared Redis, so deduplication
// holds across runtime replicas. Keys expire after the TTL.
type RedisDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisDeduper creates a Redis-backed deduper. A zero ttl defaults to 24h.
func NewRedisDeduper(rdb *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{rdb: rdb, ttl: ttl}
}

var _ Deduper = (*RedisDeduper)(nil)

func (d *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	set, err := d.rdb.SetNX(ctx, "webhook:event:"+key, 1, d.ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

func (d *RedisDeduper) Forget(ctx context.Context, key string) error {
	return d.rdb.Del(ctx, "webhook:event:"+key).Err()
}

// MemoryDeduper is a single-process deduper for tests and dev.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: map[string]bool{}}
}

var _ Deduper = (*MemoryDeduper)(nil)

func (d *MemoryDeduper) Seen(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[key] {
		return true, nil
	}
	d.seen[key] = true
	return false, nil
}

func (d *MemoryDeduper) Forget(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}
