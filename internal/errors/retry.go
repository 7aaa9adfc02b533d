package errors

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"necrocode/internal/logging"
)

// RetryConfig bounds a retry loop.
type RetryConfig struct {
	MaxAttempts  int           // retries after the first attempt
	BaseDelay    time.Duration // first backoff delay
	MaxDelay     time.Duration // backoff ceiling
	JitterFactor float64       // ±fraction of randomization, 0 disables
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// Retry runs fn until it succeeds, fails with a non-transient error, or
// the attempt budget is spent.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	return RetryWithLog(ctx, cfg, fn, nil)
}

// RetryWithLog is Retry with attempt logging.
func RetryWithLog(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error, logger logging.Logger) error {
	_, err := RetryWithResultAndLog(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, logger)
	return err
}

// RetryWithResult runs fn until it yields a result, fails with a
// non-transient error, or the attempt budget is spent.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	return RetryWithResultAndLog(ctx, cfg, fn, nil)
}

// RetryWithResultAndLog is RetryWithResult with attempt logging.
func RetryWithResultAndLog[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error), logger logging.Logger) (T, error) {
	logger = logging.OrNop(logger)
	var zero T

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("context cancelled: %w", err)
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("retry succeeded on attempt %d", attempt+1)
			}
			return result, nil
		}
		if !IsTransient(err) {
			return zero, err
		}
		if attempt >= cfg.MaxAttempts {
			logger.Warn("giving up after %d attempts: %v", attempt+1, err)
			return zero, fmt.Errorf("max retries exceeded: %w", err)
		}

		delay := Backoff(attempt, cfg)
		logger.Debug("attempt %d failed, retrying in %s: %v", attempt+1, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}
}

// Backoff returns the delay before retrying a zero-based attempt number:
// BaseDelay doubled per attempt, capped at MaxDelay, with optional jitter.
func Backoff(attempt int, cfg RetryConfig) time.Duration {
	delay := cfg.BaseDelay
	for i := 0; i < attempt && delay < cfg.MaxDelay; i++ {
		delay *= 2
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if cfg.JitterFactor > 0 {
		spread := (rand.Float64()*2 - 1) * cfg.JitterFactor * float64(delay)
		delay += time.Duration(spread)
		if delay < 0 {
			delay = cfg.BaseDelay
		}
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return delay
}

// ShouldRetry reports whether an operation at the given attempt number
// should run again.
func ShouldRetry(err error, attemptNumber, maxAttempts int) bool {
	return err != nil && attemptNumber < maxAttempts && IsTransient(err)
}
