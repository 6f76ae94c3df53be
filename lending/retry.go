package lending

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy bounds how often a write that lost a race is re-run.
//
// Schedule (default): 0ms, 5ms, 10ms, 20ms, 40ms (+ up to 30% jitter).
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	JitterFactor float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		BaseDelay:    5 * time.Millisecond,
		JitterFactor: 0.3,
	}
}

// retry runs fn until it succeeds, fails with a non-retryable error, the
// attempts run out or ctx is done. Only ErrConcurrentModification is retried.
func (p RetryPolicy) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := p.BaseDelay * time.Duration(1<<(attempt-1))
			jitter := rand.Float64() * float64(delay) * p.JitterFactor //nolint:gosec // jitter only
			select {
			case <-time.After(delay + time.Duration(jitter)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil || !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
