// Package retry provides configurable backoff policies for background
// maintenance work such as reconciliation scans and index rebuilds.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines retry behavior for a failed operation.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Must be at least 1.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier applied after each retry.
	// For example, 2.0 doubles the delay each time.
	Multiplier float64

	// Jitter is a random factor (0-1) applied to the delay, spreading out
	// retries so concurrent maintenance jobs don't thunder in lockstep.
	Jitter float64
}

// Default returns the policy used for maintenance jobs: 5 attempts,
// 10 second initial delay, 5 minute cap, 2x multiplier, 20% jitter.
func Default() *Policy {
	return &Policy{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// None returns a policy that never retries.
func None() *Policy {
	return &Policy{
		MaxAttempts:  1,
		InitialDelay: 0,
		MaxDelay:     0,
		Multiplier:   1.0,
		Jitter:       0,
	}
}

// NextDelay calculates the delay before the given retry.
// Attempt is 1-indexed: attempt 1 is the first retry, after the initial
// try. Returns 0 for attempt 0 or negative attempts.
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	multiplier := math.Pow(p.Multiplier, float64(attempt-1))
	delay := time.Duration(float64(p.InitialDelay) * multiplier)

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		// Scale into [1-jitter, 1+jitter].
		factor := 1 - p.Jitter + 2*p.Jitter*rand.Float64()
		delay = time.Duration(float64(delay) * factor)
	}

	return delay
}

// ShouldRetry reports whether another attempt should be made after the
// given attempt number (1-indexed) failed.
func (p *Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}
