package adapter

import (
	"context"

	"golang.org/x/time/rate"
)

// rateLimited wraps an adapter with a shared token bucket so concurrent
// workflows respect a target system's request budget.
type rateLimited struct {
	inner   Adapter
	limiter *rate.Limiter
}

// rateLimitedCompensator additionally forwards compensation calls, which
// consume the same budget as forward calls.
type rateLimitedCompensator struct {
	*rateLimited
	comp Compensator
}

// WithRateLimit wraps an adapter with a token bucket allowing rps
// requests per second with the given burst. The wrapper preserves the
// Compensator interface when the inner adapter implements it.
//
// Waiting for a token is cancellable through the request context, so a
// cancelled workflow does not queue further calls.
func WithRateLimit(a Adapter, rps float64, burst int) Adapter {
	rl := &rateLimited{
		inner:   a,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
	if c, ok := a.(Compensator); ok {
		return &rateLimitedCompensator{rateLimited: rl, comp: c}
	}
	return rl
}

// Execute waits for a token, then delegates.
func (r *rateLimited) Execute(ctx context.Context, req Request) (map[string]any, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Execute(ctx, req)
}

// Compensate waits for a token, then delegates.
func (r *rateLimitedCompensator) Compensate(ctx context.Context, req Request, output map[string]any) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.comp.Compensate(ctx, req, output)
}

// Compile-time checks.
var (
	_ Adapter     = (*rateLimited)(nil)
	_ Adapter     = (*rateLimitedCompensator)(nil)
	_ Compensator = (*rateLimitedCompensator)(nil)
)
