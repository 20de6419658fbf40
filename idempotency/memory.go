package idempotency

import (
	"context"
	"maps"
	"sync"
	"time"
)

// MemoryStore implements Store with in-memory storage and TTL support.
//
// Data is lost on restart and not shared across instances, which makes
// this store suitable for tests, development, and single-process adapters
// whose target systems are themselves idempotent.
//
// A background goroutine removes expired entries every minute. Call
// Close when done to stop it.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	stopCh  chan struct{}
}

type memoryEntry struct {
	result  map[string]any
	expires time.Time
}

// NewMemoryStore creates an in-memory result store. Entries are kept for
// ttl and then become eligible for re-execution.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}

	go s.cleanup()

	return s
}

// Lookup returns the result recorded for key, and whether one exists.
func (s *MemoryStore) Lookup(ctx context.Context, key string) (map[string]any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok || time.Now().After(entry.expires) {
		return nil, false, nil
	}

	return maps.Clone(entry.result), true, nil
}

// Record stores the result for key using the store's default TTL.
func (s *MemoryStore) Record(ctx context.Context, key string, result map[string]any) error {
	return s.RecordWithTTL(ctx, key, result, s.ttl)
}

// RecordWithTTL stores the result for key with a custom TTL.
// An existing unexpired record for key is kept unchanged.
func (s *MemoryStore) RecordWithTTL(ctx context.Context, key string, result map[string]any, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok && time.Now().Before(entry.expires) {
		return nil
	}

	s.entries[key] = memoryEntry{
		result:  maps.Clone(result),
		expires: time.Now().Add(ttl),
	}
	return nil
}

// Remove deletes the record for key.
func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Len returns the number of entries currently held, including expired
// entries not yet cleaned up.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the background cleanup goroutine. Safe to call twice.
func (s *MemoryStore) Close() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// cleanup periodically removes expired entries.
func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for key, entry := range s.entries {
				if now.After(entry.expires) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)
