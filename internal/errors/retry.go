package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryLogger receives retry progress lines. It matches the logging.Logger
// surface without importing it.
type RetryLogger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
}

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  int           // Maximum number of retry attempts (default: 2)
	BaseDelay    time.Duration // Base delay for exponential backoff (default: 1s)
	MaxDelay     time.Duration // Maximum delay between retries (default: 10s)
	JitterFactor float64       // Jitter factor for randomization (default: 0.25 = ±25%)
}

// DefaultRetryConfig returns the defaults used by script evaluation.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  2,
		BaseDelay:    1 * time.Second,
		MaxDelay:     10 * time.Second,
		JitterFactor: 0.25,
	}
}

// Retry executes fn with exponential backoff until it succeeds, returns a
// permanent error, or exhausts attempts. Transience is decided by
// IsTransient.
func Retry(ctx context.Context, config RetryConfig, logger RetryLogger, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 && logger != nil {
				logger.Info("retry succeeded after %d attempts", attempt+1)
			}
			return nil
		}

		lastErr = err
		if logger != nil {
			logger.Debug("attempt %d failed: %v", attempt+1, err)
		}

		if !IsTransient(err) {
			return err
		}
		if attempt == config.MaxAttempts {
			if logger != nil {
				logger.Warn("max retries (%d) exhausted", config.MaxAttempts+1)
			}
			break
		}

		delay := calculateBackoff(attempt, config)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// RetryWithResult is Retry for functions that produce a value.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, logger RetryLogger, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Retry(ctx, config, logger, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// calculateBackoff returns the delay before the given attempt's retry with
// jitter applied.
func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	backoff := float64(config.BaseDelay) * math.Pow(2, float64(attempt))
	if backoff > float64(config.MaxDelay) {
		backoff = float64(config.MaxDelay)
	}

	if config.JitterFactor > 0 {
		jitter := backoff * config.JitterFactor * (2*rand.Float64() - 1)
		backoff += jitter
		if backoff < 0 {
			backoff = float64(config.BaseDelay)
		}
	}

	return time.Duration(backoff)
}
