package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Lookup misses for new key", func(t *testing.T) {
		store := NewMemoryStore(time.Hour)
		defer store.Close()

		_, ok, err := store.Lookup(ctx, "step-1")
		if err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
		if ok {
			t.Error("expected miss for new key")
		}
	})

	t.Run("Lookup returns recorded result", func(t *testing.T) {
		store := NewMemoryStore(time.Hour)
		defer store.Close()

		want := map[string]any{"ip_address": "100.64.0.7", "prefix_id": "p-19"}
		if err := store.Record(ctx, "step-1", want); err != nil {
			t.Fatalf("Record failed: %v", err)
		}

		got, ok, err := store.Lookup(ctx, "step-1")
		if err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
		if !ok {
			t.Fatal("expected hit for recorded key")
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("result mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("first recorded result wins", func(t *testing.T) {
		store := NewMemoryStore(time.Hour)
		defer store.Close()

		first := map[string]any{"ip_address": "100.64.0.7"}
		second := map[string]any{"ip_address": "100.64.0.8"}

		store.Record(ctx, "step-1", first)
		store.Record(ctx, "step-1", second)

		got, _, err := store.Lookup(ctx, "step-1")
		if err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
		if diff := cmp.Diff(first, got); diff != "" {
			t.Errorf("result mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("expired entries miss", func(t *testing.T) {
		store := NewMemoryStore(time.Hour)
		defer store.Close()

		store.RecordWithTTL(ctx, "step-1", map[string]any{"a": "b"}, 10*time.Millisecond)
		time.Sleep(20 * time.Millisecond)

		if _, ok, _ := store.Lookup(ctx, "step-1"); ok {
			t.Error("expected miss after TTL expiry")
		}
	})

	t.Run("Remove allows re-execution", func(t *testing.T) {
		store := NewMemoryStore(time.Hour)
		defer store.Close()

		store.Record(ctx, "step-1", map[string]any{"a": "b"})
		if err := store.Remove(ctx, "step-1"); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}

		if _, ok, _ := store.Lookup(ctx, "step-1"); ok {
			t.Error("expected miss after Remove")
		}
	})

	t.Run("result copies are isolated", func(t *testing.T) {
		store := NewMemoryStore(time.Hour)
		defer store.Close()

		store.Record(ctx, "step-1", map[string]any{"ip_address": "100.64.0.7"})

		got, _, _ := store.Lookup(ctx, "step-1")
		got["ip_address"] = "mutated"

		fresh, _, _ := store.Lookup(ctx, "step-1")
		if fresh["ip_address"] != "100.64.0.7" {
			t.Error("mutating a returned result leaked into the store")
		}
	})
}

func TestMemoryStoreConcurrent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)
	defer store.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			store.Record(ctx, "contended", map[string]any{"writer": n})
			store.Lookup(ctx, "contended")
		}(i)
	}
	wg.Wait()

	if _, ok, _ := store.Lookup(ctx, "contended"); !ok {
		t.Error("expected a recorded result after concurrent writes")
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}
