package driver

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds in-place retries of a fallible operation.
type RetryPolicy struct {
	Limit int
	Delay time.Duration
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// sleepCtx is the production SleepFunc.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WithRetry runs op until it succeeds, returns a non-transient error, or the
// policy runs out of attempts. attempt starts at zero. onRetry, if set, is
// called before each backoff sleep.
func WithRetry[T any](
	ctx context.Context,
	policy RetryPolicy,
	sleep SleepFunc,
	op func(ctx context.Context, attempt int) (T, error),
	onRetry func(attempt int, err error),
) (T, error) {
	var zero T
	limit := policy.Limit
	if limit < 1 {
		limit = 1
	}
	var lastErr error
	for attempt := 0; attempt < limit; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := op(ctx, attempt)
		if err == nil {
			return v, nil
		}
		if !IsTransient(err) {
			return zero, err
		}
		lastErr = err
		if attempt == limit-1 {
			break
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}
		if err := sleep(ctx, policy.Delay); err != nil {
			return zero, err
		}
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, limit, lastErr)
}
