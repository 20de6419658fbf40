package adapter

import (
	"context"

	"github.com/michaelayoade/dotmac-platform-services-sub023/idempotency"
)

// idempotent wraps an adapter with a result store keyed by the request
// idempotency key. A step re-dispatched after a crash between the
// external call and the persisted completion finds the recorded result
// and returns it without repeating the side effect.
type idempotent struct {
	inner Adapter
	store idempotency.Store
}

// idempotentCompensator additionally removes the record after a
// successful undo, so the key no longer replays an effect that has been
// taken back.
type idempotentCompensator struct {
	*idempotent
	comp Compensator
}

// WithIdempotency wraps an adapter with a result store. Requests without
// an idempotency key pass through unrecorded. The wrapper preserves the
// Compensator interface when the inner adapter implements it.
func WithIdempotency(a Adapter, store idempotency.Store) Adapter {
	w := &idempotent{inner: a, store: store}
	if c, ok := a.(Compensator); ok {
		return &idempotentCompensator{idempotent: w, comp: c}
	}
	return w
}

// Execute returns the recorded result for a duplicate dispatch, or runs
// the inner adapter and records its result.
func (i *idempotent) Execute(ctx context.Context, req Request) (map[string]any, error) {
	if req.IdempotencyKey == "" {
		return i.inner.Execute(ctx, req)
	}
	if result, ok, err := i.store.Lookup(ctx, req.IdempotencyKey); err != nil {
		return nil, err
	} else if ok {
		return result, nil
	}
	result, err := i.inner.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return result, i.store.Record(ctx, req.IdempotencyKey, result)
}

// Compensate delegates, then removes the key's record.
func (i *idempotentCompensator) Compensate(ctx context.Context, req Request, output map[string]any) error {
	if err := i.comp.Compensate(ctx, req, output); err != nil {
		return err
	}
	if req.IdempotencyKey == "" {
		return nil
	}
	return i.store.Remove(ctx, req.IdempotencyKey)
}

// Compile-time checks.
var (
	_ Adapter     = (*idempotent)(nil)
	_ Adapter     = (*idempotentCompensator)(nil)
	_ Compensator = (*idempotentCompensator)(nil)
)
