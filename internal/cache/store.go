package cache

import (
	"context"
	"time"
)

// Store is the TTL key/value surface shared by presence leases and the rate
// limiter. Implementations: MemoryStore, RedisClient, DatabaseStore.
type Store interface {
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...string) error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisClient)(nil)
	_ Store = (*DatabaseStore)(nil)
)
