package spider

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy configures the bounded exponential backoff applied to
// transient connector and store failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int

	// BaseDelay is the first retry delay; each further retry doubles it.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Zero means no cap.
	MaxDelay time.Duration
}

// DefaultRetryPolicy retries three times after the initial attempt with
// a 500 ms base doubling per attempt, jittered ±25%.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 4,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
}

// backoff computes the delay before retry number attempt (0-based):
// base · 2^attempt, capped at MaxDelay, jittered by ±25% to spread
// synchronized retries.
func (p RetryPolicy) backoff(attempt int, rng *rand.Rand) time.Duration {
	delay := p.BaseDelay * (1 << attempt)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	jitter := 1 + (rng.Float64()-0.5)/2 // 0.75 .. 1.25
	return time.Duration(float64(delay) * jitter)
}

// retryTransient runs fn, retrying transient failures per the policy.
// Non-transient errors and context cancellation return immediately. The
// returned error is the last attempt's.
func retryTransient(ctx context.Context, p RetryPolicy, rng *rand.Rand, fn func() error) error {
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff(attempt-1, rng)):
			}
		}
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
	}
	return err
}
