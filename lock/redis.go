package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is a distributed Locker using SET NX PX with a holder token.
//
// Keys are "workflow:lock:{workflow_id}". The TTL guarantees a crashed
// runner cannot block a workflow forever; release uses a Lua script so
// only the current holder's token can delete the key.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	locker := lock.NewRedis(rdb)
type Redis struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedis creates a Redis-backed locker.
func NewRedis(client redis.Cmdable) *Redis {
	return &Redis{
		client:    client,
		keyPrefix: "workflow:lock:",
	}
}

// WithKeyPrefix sets a custom key prefix. Returns the locker for chaining.
func (r *Redis) WithKeyPrefix(prefix string) *Redis {
	if prefix != "" {
		r.keyPrefix = prefix
	}
	return r
}

// Acquire takes the distributed lock for a workflow.
func (r *Redis) Acquire(ctx context.Context, workflowID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, r.keyPrefix+workflowID, token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrHeld
	}
	return token, nil
}

// releaseScript deletes the lock key only when the holder token matches.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Release frees the lock if token matches the current holder.
func (r *Redis) Release(ctx context.Context, workflowID string, token string) error {
	return releaseScript.Run(ctx, r.client, []string{r.keyPrefix + workflowID}, token).Err()
}

// Compile-time check.
var _ Locker = (*Redis)(nil)
