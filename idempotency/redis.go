package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/michaelayoade/dotmac-platform-services-sub023/codec"
)

// RedisStore implements Store using Redis.
//
// Results are encoded with a pluggable codec (JSON by default) and written
// with SET NX so the first recorded result for a key wins even when two
// adapter instances race. TTL-based expiry needs no cleanup goroutine.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := idempotency.NewRedisStore(rdb, 24*time.Hour).
//	    WithPrefix("provisioning:step:")
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
	codec  codec.Codec
}

// NewRedisStore creates a Redis-based result store. Entries are kept for
// ttl. The default key prefix is "workflow:idemp:".
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
		prefix: "workflow:idemp:",
		codec:  codec.Default(),
	}
}

// WithPrefix sets a custom key prefix. Returns the store for chaining.
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	if prefix != "" {
		s.prefix = prefix
	}
	return s
}

// WithCodec sets the result codec. Returns the store for chaining.
func (s *RedisStore) WithCodec(c codec.Codec) *RedisStore {
	if c != nil {
		s.codec = c
	}
	return s
}

// Lookup returns the result recorded for key, and whether one exists.
func (s *RedisStore) Lookup(ctx context.Context, key string) (map[string]any, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var result map[string]any
	if err := s.codec.Decode(data, &result); err != nil {
		return nil, false, fmt.Errorf("decode result: %w", err)
	}
	return result, true, nil
}

// Record stores the result for key using the store's default TTL.
func (s *RedisStore) Record(ctx context.Context, key string, result map[string]any) error {
	return s.RecordWithTTL(ctx, key, result, s.ttl)
}

// RecordWithTTL stores the result for key with a custom TTL.
// Uses SET NX: an existing record for key is kept unchanged.
func (s *RedisStore) RecordWithTTL(ctx context.Context, key string, result map[string]any, ttl time.Duration) error {
	data, err := s.codec.Encode(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	if err := s.client.SetNX(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	return nil
}

// Remove deletes the record for key.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// Compile-time check.
var _ Store = (*RedisStore)(nil)
