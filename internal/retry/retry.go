// Package retry provides a small exponential-backoff helper for auxiliary
// calls (token refresh and similar) that want retries. The relay
// orchestrator itself never retries at this layer — per spec.md §4.8,
// retrying a relayed request is the caller's choice, not this package's.
package retry

import (
	"context"
	"time"
)

// DefaultAttempts is the default attempt ceiling when Attempts is zero.
const DefaultAttempts = 3

// Do calls fn up to attempts times (0 means DefaultAttempts), sleeping
// 2^i * 1000ms between attempts. It returns the last error if every
// attempt fails, or nil as soon as one succeeds. A context cancellation
// between attempts aborts early with ctx.Err().
func Do(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if i == attempts-1 {
			break
		}

		delay := time.Duration(1<<uint(i)) * time.Second
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
