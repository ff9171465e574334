package retry

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/watchtower-fleet/eventstream/internal/config"
)

func TestDoWithRetry_Success(t *testing.T) {
	cfg := config.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		Multiplier:  2.0,
	}

	callCount := 0
	fn := func() error {
		callCount++
		return nil // Success on first attempt
	}

	err := DoWithRetry(context.Background(), &cfg, nil, fn)
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got: %d", callCount)
	}
}

func TestDoWithRetry_SuccessAfterRetries(t *testing.T) {
	cfg := config.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		Multiplier:  2.0,
	}

	callCount := 0
	failUntil := 2
	fn := func() error {
		callCount++
		if callCount <= failUntil {
			return errors.New("transient error")
		}
		return nil // Success after 2 failures
	}

	err := DoWithRetry(context.Background(), &cfg, nil, fn)
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls, got: %d", callCount)
	}
}

func TestDoWithRetry_ExhaustedRetries(t *testing.T) {
	cfg := config.RetryConfig{
		MaxAttempts: 2,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		Multiplier:  2.0,
	}

	callCount := 0
	expectedErr := errors.New("permanent error")
	fn := func() error {
		callCount++
		return expectedErr
	}

	err := DoWithRetry(context.Background(), &cfg, nil, fn)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Errorf("Expected ErrMaxRetriesExceeded, got: %v", err)
	}
	if !errors.Is(err, expectedErr) {
		t.Errorf("Expected wrapped original error, got: %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls (1 initial + 2 retries), got: %d", callCount)
	}
}

func TestDoWithRetry_NonRetryableError(t *testing.T) {
	cfg := config.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		Multiplier:  2.0,
	}

	permanent := errors.New("schema violation")
	callCount := 0
	fn := func() error {
		callCount++
		return permanent
	}
	retryable := func(err error) bool { return !errors.Is(err, permanent) }

	err := DoWithRetry(context.Background(), &cfg, retryable, fn)
	if !errors.Is(err, permanent) {
		t.Errorf("Expected the permanent error, got: %v", err)
	}
	if errors.Is(err, ErrMaxRetriesExceeded) {
		t.Error("Non-retryable error should not be wrapped in ErrMaxRetriesExceeded")
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call for non-retryable error, got: %d", callCount)
	}
}

func TestDoWithRetry_ContextCancelled(t *testing.T) {
	cfg := config.RetryConfig{
		MaxAttempts: 10,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
		Multiplier:  2.0,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	callCount := 0
	fn := func() error {
		callCount++
		return errors.New("error")
	}

	err := DoWithRetry(ctx, &cfg, nil, fn)
	if err != context.DeadlineExceeded {
		t.Errorf("Expected context.DeadlineExceeded, got: %v", err)
	}
	// Should have called fn once or twice before context timeout
	if callCount < 1 {
		t.Errorf("Expected at least 1 call, got: %d", callCount)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		name     string
		base     time.Duration
		max      time.Duration
		mult     float64
		attempt  int
		expected time.Duration
	}{
		{
			name:     "first retry",
			base:     100 * time.Millisecond,
			max:      10000 * time.Millisecond,
			mult:     2.0,
			attempt:  0,
			expected: 100 * time.Millisecond,
		},
		{
			name:     "second retry",
			base:     100 * time.Millisecond,
			max:      10000 * time.Millisecond,
			mult:     2.0,
			attempt:  1,
			expected: 200 * time.Millisecond,
		},
		{
			name:     "third retry",
			base:     100 * time.Millisecond,
			max:      10000 * time.Millisecond,
			mult:     2.0,
			attempt:  2,
			expected: 400 * time.Millisecond,
		},
		{
			name:     "capped at max delay",
			base:     100 * time.Millisecond,
			max:      500 * time.Millisecond,
			mult:     2.0,
			attempt:  5, // would be 3200ms without cap
			expected: 500 * time.Millisecond,
		},
		{
			name:     "negative attempt clamps to base",
			base:     100 * time.Millisecond,
			max:      500 * time.Millisecond,
			mult:     2.0,
			attempt:  -1,
			expected: 100 * time.Millisecond,
		},
		{
			name:     "no cap when max is zero",
			base:     100 * time.Millisecond,
			max:      0,
			mult:     2.0,
			attempt:  5,
			expected: 3200 * time.Millisecond,
		},
		{
			name:     "huge attempt stays capped at max delay",
			base:     100 * time.Millisecond,
			max:      500 * time.Millisecond,
			mult:     2.0,
			attempt:  500, // overflows int64 nanoseconds without the cap
			expected: 500 * time.Millisecond,
		},
		{
			name:     "huge attempt without cap saturates instead of going negative",
			base:     100 * time.Millisecond,
			max:      0,
			mult:     2.0,
			attempt:  500,
			expected: time.Duration(math.MaxInt64),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actual := Backoff(tt.base, tt.max, tt.mult, tt.attempt)
			if actual != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, actual)
			}
		})
	}
}

func TestDoWithRetry_NoRetries(t *testing.T) {
	cfg := config.RetryConfig{
		MaxAttempts: 0, // No retries
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		Multiplier:  2.0,
	}

	callCount := 0
	fn := func() error {
		callCount++
		return errors.New("error")
	}

	err := DoWithRetry(context.Background(), &cfg, nil, fn)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Errorf("Expected ErrMaxRetriesExceeded, got: %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call (no retries), got: %d", callCount)
	}
}
