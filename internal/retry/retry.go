// Package retry provides a bounded retry driver with exponential backoff
// for operations that fail transiently, such as position-conflict races
// on batch inserts.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy holds configuration for the retry driver.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Default: 3
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	// Default: 50 milliseconds
	BaseDelay time.Duration

	// MaxDelay is the maximum delay between attempts.
	// Default: 1 second
	MaxDelay time.Duration

	// EnableJitter adds random jitter (±20%) to prevent synchronized
	// retries between contending writers.
	EnableJitter bool

	// Retryable decides whether an error is worth another attempt.
	// A nil predicate retries every error.
	Retryable func(error) bool
}

// DefaultPolicy returns the policy used for insert-race retries: three
// sequential attempts with jittered exponential backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		BaseDelay:    50 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		EnableJitter: true,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 50 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 1 * time.Second
	}
	return p
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is exhausted, in which case the last error is
// surfaced. Attempts are sequential: one fully resolves before the
// next begins. Context cancellation interrupts the backoff wait.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var last error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff(attempt - 1)):
			}
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(last) {
			return last
		}
	}
	return last
}

// backoff computes the delay after the given zero-based failed attempt.
func (p Policy) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.EnableJitter {
		jitterFactor := 0.8 + rand.Float64()*0.4 // 0.8 to 1.2
		delay = time.Duration(float64(delay) * jitterFactor)
	}
	return delay
}
