// Package retry provides retry logic with exponential backoff for transient
// store errors.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/tradefabric/streambus/internal/config"
)

// Errors
var (
	// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
)

// DoWithRetry executes fn with retry logic according to the provided configuration.
// It returns ErrMaxRetriesExceeded wrapped with the last error if all retries fail.
func DoWithRetry(ctx context.Context, cfg *config.RetryConfig, fn func() error) error {
	var err error

	for i := 0; i < cfg.MaxAttempts+1; i++ {
		// Check context before attempting
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err = fn()
		if err == nil {
			return nil
		}

		if i == cfg.MaxAttempts {
			break
		}

		delay := Backoff(cfg, i)

		// Wait with context cancellation support
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			// Continue to next retry
		}
	}

	return errors.Join(ErrMaxRetriesExceeded, err)
}

// Backoff computes the delay before retrying a given (zero-based) attempt.
func Backoff(cfg *config.RetryConfig, attempt int) time.Duration {
	// Exponential backoff: baseDelayMs * (multiplier ^ attempt)
	delay := cfg.BaseDelayMs * time.Duration(math.Pow(cfg.Multiplier, float64(attempt)))

	// Cap at MaxDelay
	return min(delay, cfg.MaxDelayMs)
}
