// Package lock provides per-workflow execution locks.
//
// The orchestrator never runs two step sequences for the same workflow
// concurrently. The lock that enforces this is pluggable:
//   - Memory: in-process mutex map, for a single orchestrator process
//   - Redis: SET NX PX token lock, for horizontally scaled orchestrators
//   - Postgres: session-scoped advisory locks, when the state store is
//     already PostgreSQL
//
// A successful Acquire returns an opaque token that must be presented to
// Release, so a lock that expired and was re-acquired by another process
// cannot be released by the original holder.
//
// # Usage
//
//	locker := lock.NewMemory()
//	token, err := locker.Acquire(ctx, workflowID, 30*time.Second)
//	if err != nil {
//	    return err // lock.ErrHeld when another runner owns the workflow
//	}
//	defer locker.Release(ctx, workflowID, token)
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrHeld is returned by Acquire when the workflow lock is owned by
// another runner.
var ErrHeld = errors.New("workflow lock held")

// DefaultTTL bounds how long an abandoned lock blocks other runners.
const DefaultTTL = 5 * time.Minute

// Locker serializes workflow execution across runners.
//
// Implementations must be safe for concurrent use.
type Locker interface {
	// Acquire takes the lock for a workflow. Returns an opaque release
	// token, or ErrHeld if another runner owns the lock.
	Acquire(ctx context.Context, workflowID string, ttl time.Duration) (string, error)

	// Release frees the lock if token matches the current holder.
	// Releasing an expired or foreign lock is not an error.
	Release(ctx context.Context, workflowID string, token string) error
}

// Memory is an in-process Locker backed by a mutex-guarded map.
//
// Suitable for a single orchestrator process; a recovery sweep and a live
// runner in the same process cannot race, but separate processes can.
// Use the Redis or Postgres lockers when running more than one instance.
type Memory struct {
	mu    sync.Mutex
	locks map[string]memoryLock
}

type memoryLock struct {
	token   string
	expires time.Time
}

// NewMemory creates an in-process locker.
func NewMemory() *Memory {
	return &Memory{locks: make(map[string]memoryLock)}
}

// Acquire takes the in-process lock for a workflow.
func (m *Memory) Acquire(ctx context.Context, workflowID string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if held, ok := m.locks[workflowID]; ok && time.Now().Before(held.expires) {
		return "", ErrHeld
	}

	token := uuid.New().String()
	m.locks[workflowID] = memoryLock{token: token, expires: time.Now().Add(ttl)}
	return token, nil
}

// Release frees the lock if token matches the current holder.
func (m *Memory) Release(ctx context.Context, workflowID string, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if held, ok := m.locks[workflowID]; ok && held.token == token {
		delete(m.locks, workflowID)
	}
	return nil
}

// Compile-time check.
var _ Locker = (*Memory)(nil)
