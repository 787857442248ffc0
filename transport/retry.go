// Package transport implements the HTTP execution core: pooled
// connections with self-healing, a single bounded retry policy, and the
// translation of transport and HTTP outcomes into the unified APIResult.
// Nothing above this package sees raw HTTP errors.
package transport

import (
	"context"
	"fmt"
	"time"

	"aifleet/core"
)

// RetryPolicy configures the one retry/backoff helper used by the
// execution core. Library-level auto-retries are disabled everywhere;
// this policy is the only source of repeated attempts.
type RetryPolicy struct {
	MaxAttempts   int           // total attempts, including the first
	InitialDelay  time.Duration // delay before the second attempt
	BackoffFactor float64       // multiplier applied per retry
	MaxElapsed    time.Duration // give up once this much time has passed
	Retryable     func(error) bool
}

// DefaultRetryPolicy returns the normal-call policy: three total
// attempts, exponential base 2, bounded at 30s of elapsed time. Only
// connection-class errors are retried; the Retryable predicate is set
// by the caller.
func DefaultRetryPolicy(retryable func(error) bool) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		BackoffFactor: 2.0,
		MaxElapsed:    30 * time.Second,
		Retryable:     retryable,
	}
}

// NoRetryPolicy returns a single-attempt policy (health checks).
func NoRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// retry executes fn under the policy. It returns nil on the first
// success, the last error when attempts or elapsed time run out, and
// the context error if the context ends while waiting.
func retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	start := time.Now()
	delay := policy.InitialDelay
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attempts = attempt
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == policy.MaxAttempts {
			break
		}
		if policy.Retryable != nil && !policy.Retryable(lastErr) {
			return lastErr
		}
		if policy.MaxElapsed > 0 && time.Since(start)+delay > policy.MaxElapsed {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * policy.BackoffFactor)
	}

	return fmt.Errorf("%w after %d attempts: %w", core.ErrMaxRetriesExceeded, attempts, lastErr)
}
