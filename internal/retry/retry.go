// Package retry provides exponential backoff used for transient publish
// failures and for the growing claim timeout of redelivered entries.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/watchtower-fleet/eventstream/internal/config"
)

// Errors
var (
	// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
)

// Retryable tells DoWithRetry whether an error is worth another attempt.
// A nil Retryable retries every error.
type Retryable func(error) bool

// DoWithRetry executes fn with retry logic according to the provided
// configuration, skipping further attempts for errors that retryable
// rejects. It returns ErrMaxRetriesExceeded joined with the last error if
// all retries fail.
func DoWithRetry(ctx context.Context, cfg *config.RetryConfig, retryable Retryable, fn func() error) error {
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
		if retryable != nil && !retryable(err) {
			return err
		}

		// If this was the last attempt, break the loop
		if i == cfg.MaxAttempts {
			break
		}

		delay := Backoff(cfg.BaseDelay, cfg.MaxDelay, cfg.Multiplier, i)

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

// Backoff computes base * multiplier^attempt, capped at max. attempt is
// zero-based. The consumer group manager reuses it to grow the claim
// timeout of repeatedly redelivered entries.
//
// The cap is applied before converting back to a Duration so that large
// attempts never overflow into a negative delay. With max <= 0 the delay
// saturates at the largest representable Duration.
func Backoff(base, max time.Duration, multiplier float64, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(base) * math.Pow(multiplier, float64(attempt))
	if max > 0 && delay >= float64(max) {
		return max
	}
	if delay >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
