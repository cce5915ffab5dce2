package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore is a Redis-backed implementation of IdempotencyStore.
// Processed event IDs are shared across all consumer instances and expire
// after the configured TTL.
type RedisIdempotencyStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisIdempotencyStore creates a Redis-backed idempotency store. Keys are
// namespaced with the given prefix so multiple consumer groups can share one
// Redis instance without colliding.
func NewRedisIdempotencyStore(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (s *RedisIdempotencyStore) key(eventID string) string {
	return fmt.Sprintf("%s:processed:%s", s.keyPrefix, eventID)
}

// Contains returns true if the event ID has already been recorded and has not expired.
func (s *RedisIdempotencyStore) Contains(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return n > 0, nil
}

// Add records the event ID with the store's TTL. SET NX keeps the original
// expiry when two instances record the same event concurrently.
func (s *RedisIdempotencyStore) Add(ctx context.Context, eventID string) error {
	if err := s.client.SetNX(ctx, s.key(eventID), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("record processed event: %w", err)
	}
	return nil
}
