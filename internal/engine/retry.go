package engine

import (
	"context"
	"math"
	"time"
)

// RetryPolicy bounds how many times an operation is attempted and how long
// to back off between attempts.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns the subscription retry policy: 3 attempts,
// 250ms initial delay, 2x multiplier, 5s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
}

// NextDelay returns the backoff delay for the given attempt (1-indexed):
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Execute runs fn up to MaxAttempts times, sleeping between attempts. It
// returns nil on the first success, ctx.Err() if the context is cancelled
// mid-backoff, or the last error once attempts are exhausted.
func (p RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.NextDelay(attempt)):
		}
	}
	return lastErr
}
