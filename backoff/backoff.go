// Package backoff provides retry delay strategies for step execution.
//
// A Strategy computes how long to wait before retry attempt N. Strategies
// are used by the workflow step executor between failed attempts and can be
// configured per step definition.
//
// # Usage
//
//	strategy := &backoff.Exponential{
//	    Initial:    time.Second,
//	    Multiplier: 2.0,
//	    Max:        30 * time.Second,
//	    Jitter:     0.5,
//	}
//	delay := strategy.NextDelay(2) // ~4s, jittered
//
// All strategies are safe for concurrent use.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Default delays used when a strategy field is zero.
const (
	DefaultInitial    = time.Second
	DefaultMultiplier = 2.0
	DefaultMax        = 30 * time.Second
)

// Strategy computes the delay before a retry attempt.
//
// Implementations must be safe for concurrent use.
type Strategy interface {
	// NextDelay returns the delay before retry attempt number attempt.
	// The first retry is attempt 0.
	NextDelay(attempt int) time.Duration
}

// Exponential implements exponential backoff with optional jitter.
//
// The delay for attempt N is:
//
//	min(Max, Initial * Multiplier^N) * random(1-Jitter, 1+Jitter)
//
// With the default Jitter of 0.5 the delay is spread uniformly between
// half and one-and-a-half times the capped exponential value, which keeps
// concurrent retries against the same target system from synchronizing.
type Exponential struct {
	// Initial is the delay before the first retry. Defaults to 1s.
	Initial time.Duration

	// Multiplier is the growth factor per attempt. Defaults to 2.0.
	Multiplier float64

	// Max caps the delay before jitter is applied. Defaults to 30s.
	Max time.Duration

	// Jitter is the random spread factor in [0, 1). A value of 0.5
	// multiplies the delay by a random factor in [0.5, 1.5).
	Jitter float64
}

// NextDelay returns the exponential delay for the given retry attempt.
func (e *Exponential) NextDelay(attempt int) time.Duration {
	initial := e.Initial
	if initial <= 0 {
		initial = DefaultInitial
	}
	multiplier := e.Multiplier
	if multiplier <= 1 {
		multiplier = DefaultMultiplier
	}
	max := e.Max
	if max <= 0 {
		max = DefaultMax
	}

	if attempt < 0 {
		attempt = 0
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt))
	if delay > float64(max) {
		delay = float64(max)
	}

	return applyJitter(time.Duration(delay), e.Jitter)
}

// Constant implements a fixed delay between retries with optional jitter.
//
// Used for compensation retries and other cases where growing the delay
// has no benefit.
type Constant struct {
	// Delay is the fixed delay between retries. Defaults to 1s.
	Delay time.Duration

	// Jitter is the random spread factor in [0, 1).
	Jitter float64
}

// NextDelay returns the fixed delay regardless of attempt number.
func (c *Constant) NextDelay(attempt int) time.Duration {
	delay := c.Delay
	if delay <= 0 {
		delay = DefaultInitial
	}
	return applyJitter(delay, c.Jitter)
}

// Default returns the standard strategy for step retries: exponential
// backoff starting at 1s, doubling per attempt, capped at 30s, with
// 0.5 jitter.
func Default() Strategy {
	return &Exponential{
		Initial:    DefaultInitial,
		Multiplier: DefaultMultiplier,
		Max:        DefaultMax,
		Jitter:     0.5,
	}
}

// applyJitter multiplies d by a random factor in [1-jitter, 1+jitter).
func applyJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	if jitter >= 1 {
		jitter = 1
	}
	factor := 1 - jitter + rand.Float64()*2*jitter
	return time.Duration(float64(d) * factor)
}

// Compile-time checks.
var (
	_ Strategy = (*Exponential)(nil)
	_ Strategy = (*Constant)(nil)
)
