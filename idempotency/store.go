// Package idempotency provides result stores for step adapters.
//
// Every workflow step carries a unique idempotency key. An adapter that
// records its result under that key can detect a re-dispatched step (after
// an orchestrator crash between the external call and the persisted
// COMPLETED status) and return the recorded result instead of repeating
// the external side effect: allocating an IP twice for the same key must
// yield the same IP, not two allocations.
//
// Three backends are provided:
//   - MemoryStore: single process, development and tests
//   - RedisStore: shared across adapter instances, TTL-based cleanup
//   - PostgresStore: durable, supports recording inside the adapter's own
//     database transaction
//
// # Usage
//
//	store := idempotency.NewMemoryStore(24 * time.Hour)
//
//	func (a *ipamAdapter) Execute(ctx context.Context, req adapter.Request) (map[string]any, error) {
//	    if result, ok, err := store.Lookup(ctx, req.IdempotencyKey); err != nil {
//	        return nil, err
//	    } else if ok {
//	        return result, nil // duplicate dispatch, same allocation
//	    }
//	    result, err := a.allocate(ctx, req.Input)
//	    if err != nil {
//	        return nil, err
//	    }
//	    return result, store.Record(ctx, req.IdempotencyKey, result)
//	}
package idempotency

import (
	"context"
	"time"
)

// Store records step results by idempotency key.
//
// All implementations must be safe for concurrent use. When two writers
// race on the same key, the first recorded result wins; later Record
// calls for the key are silently ignored so every caller observes the
// same result.
type Store interface {
	// Lookup returns the result recorded for key, and whether one exists.
	Lookup(ctx context.Context, key string) (map[string]any, bool, error)

	// Record stores the result for key using the store's default TTL.
	// If a result already exists for key it is kept unchanged.
	Record(ctx context.Context, key string, result map[string]any) error

	// RecordWithTTL stores the result for key with a custom TTL.
	RecordWithTTL(ctx context.Context, key string, result map[string]any, ttl time.Duration) error

	// Remove deletes the record for key, allowing re-execution.
	// Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}
