package chat

import (
	"context"
	"time"
)

// RetryPolicy wraps persistence calls made by the dispatcher. The default is
// NoRetry, preserving fail-once semantics; deployments that want bounded
// retries inject Backoff instead.
type RetryPolicy interface {
	Do(ctx context.Context, op func(ctx context.Context) error) error
}

// NoRetry executes the operation exactly once.
type NoRetry struct{}

func (NoRetry) Do(ctx context.Context, op func(ctx context.Context) error) error {
	return op(ctx)
}

// Backoff retries failed operations with exponential delay, up to Attempts
// total tries. Context cancellation aborts between attempts.
type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	Attempts int
}

func (b Backoff) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := b.Base
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= 2
			if b.Max > 0 && delay > b.Max {
				delay = b.Max
			}
		}
		if err = op(ctx); err == nil {
			return nil
		}
	}
	return err
}
