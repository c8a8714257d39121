package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy bounds retries of transient store failures.
type RetryPolicy struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    4,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		CallTimeout:    10 * time.Second,
	}
}

// Retry runs fn until it succeeds, fails with a non-retryable error, or the
// attempts run out. Each attempt gets its own CallTimeout. Only errors
// satisfying IsRetryable are retried, with exponential backoff.
func Retry(ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := policy.InitialBackoff

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying store operation",
				"op", op,
				"attempt", attempt+1,
				"backoff", backoff,
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}

			backoff *= 2
			if policy.MaxBackoff > 0 && backoff > policy.MaxBackoff {
				backoff = policy.MaxBackoff
			}
		}

		err := callWithTimeout(ctx, policy.CallTimeout, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsRetryable(err) {
			return err
		}

		slog.Warn("store operation failed",
			"op", op,
			"attempt", attempt+1,
			"max_attempts", attempts,
			"error", err,
		)
	}

	return &StorageError{
		Op:      op,
		Err:     fmt.Errorf("%w: giving up after %d attempts: %w", ErrUnavailable, attempts, lastErr),
		Retries: attempts - 1,
	}
}

func callWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx)
}
