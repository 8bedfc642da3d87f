package spider

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"
)

func TestBackoffBounds(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
	rng := rand.New(rand.NewSource(7))

	cases := []struct {
		attempt int
		base    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
	}
	for _, tc := range cases {
		for i := 0; i < 50; i++ {
			d := p.backoff(tc.attempt, rng)
			min := time.Duration(float64(tc.base) * 0.75)
			max := time.Duration(float64(tc.base) * 1.25)
			if d < min || d > max {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", tc.attempt, d, min, max)
			}
		}
	}
}

func TestBackoffCap(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 2 * time.Second}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		if d := p.backoff(8, rng); d > time.Duration(float64(2*time.Second)*1.25) {
			t.Fatalf("cap exceeded: %v", d)
		}
	}
}

func TestRetryTransient(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	t.Run("non-transient returns immediately", func(t *testing.T) {
		calls := 0
		err := retryTransient(context.Background(), fastRetry, rng, func() error {
			calls++
			return errors.New("hard failure")
		})
		if err == nil || calls != 1 {
			t.Fatalf("calls=%d err=%v", calls, err)
		}
	})

	t.Run("transient retried to budget", func(t *testing.T) {
		calls := 0
		err := retryTransient(context.Background(), fastRetry, rng, func() error {
			calls++
			return fmt.Errorf("blip: %w", ErrTransient)
		})
		if !IsTransient(err) {
			t.Fatalf("expected transient error, got %v", err)
		}
		if calls != fastRetry.MaxAttempts {
			t.Fatalf("calls=%d, want %d", calls, fastRetry.MaxAttempts)
		}
	})

	t.Run("cancellation wins over backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := retryTransient(ctx, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute}, rng, func() error {
			calls++
			cancel()
			return fmt.Errorf("blip: %w", ErrTransient)
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if calls != 1 {
			t.Fatalf("calls=%d, want 1", calls)
		}
	})
}
