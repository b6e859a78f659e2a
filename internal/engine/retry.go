package engine

import (
	"context"
	"errors"
	"time"

	"github.com/weftflow/weft/pkg/schema"
)

// IsRetryableError classifies whether a node failure should be retried.
// Validation, context-misuse and conflict errors never succeed on a second
// attempt; execution and store errors might.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Deadline exceeded is a node timeout and retryable; cancellation means
	// the run is shutting down.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var weftErr *schema.WeftError
	if errors.As(err, &weftErr) {
		switch weftErr.Code {
		case schema.ErrCodeValidation, schema.ErrCodeContext, schema.ErrCodeConflict,
			schema.ErrCodeCapacity, schema.ErrCodeCancelled, schema.ErrCodeInstrumentation:
			return false
		}
	}

	return true
}

// ComputeBackoff calculates the delay before the next retry attempt.
// Supports none, constant, linear, and exponential backoff.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	switch policy.Backoff {
	case "exponential":
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		return base * multiplier
	case "linear":
		return base * time.Duration(attempt+1)
	default: // "constant", "none" or empty
		return base
	}
}

// WaitForBackoff sleeps for the computed backoff or returns early when the
// context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
