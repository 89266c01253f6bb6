// Package ai provides the resilience wrappers around provider calls: bounded
// retry with exponential backoff, and warm/cold health tracking.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/smartstudentbot/ai-gateway/internal/domain"
)

// Operation is a single idempotent-assumed provider call.
type Operation func(ctx context.Context) (domain.Completion, error)

// CallWithRetry runs op under the policy's attempt budget: attempt 1 runs
// immediately, each failed attempt waits an exponentially growing delay
// capped at MaxDelay, and each attempt is bounded by PerAttemptTimeout.
//
// It never panics or leaks the raw provider error past this boundary; the
// returned error is always classified: ErrUpstreamTimeout, ErrProvider, or —
// once the budget is spent — ErrExhausted wrapping the last cause. Permanent
// provider rejections (wrapping ErrInvalidArgument) stop retrying early.
// The wrapper itself mutates no health or metrics state; the caller does,
// based on the outcome.
func CallWithRetry(ctx context.Context, op Operation, policy domain.RetryPolicy) (domain.Completion, error) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var result domain.Completion
	var lastErr error
	attempt := 0

	wrapped := func() error {
		attempt++
		attemptCtx := ctx
		var cancel context.CancelFunc
		if policy.PerAttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.PerAttemptTimeout)
			defer cancel()
		}
		res, err := op(attemptCtx)
		if err == nil {
			if res.Text == "" {
				err = domain.ErrEmptyCompletion
			} else {
				result = res
				return nil
			}
		}
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrUpstreamTimeout) {
			err = fmt.Errorf("%w: %w", domain.ErrUpstreamTimeout, err)
		}
		lastErr = err
		slog.Warn("provider attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.Any("error", err))
		if !domain.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.InitialDelay
	expo.MaxInterval = policy.MaxDelay
	expo.Multiplier = policy.Multiplier
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0

	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(maxAttempts-1)), ctx)
	if err := backoff.Retry(wrapped, bo); err != nil {
		return domain.Completion{}, classify(err, lastErr, attempt, maxAttempts)
	}
	return result, nil
}

// classify maps the terminal retry error onto the taxonomy. The outcomes are
// mutually exclusive: a permanent rejection keeps its own class, a single
// bounded call reports timeout or provider error directly, and a spent
// multi-attempt budget reports exhaustion wrapping the last cause.
func classify(err, lastErr error, attempts, maxAttempts int) error {
	if lastErr == nil {
		lastErr = err
	}
	switch {
	case !domain.Retryable(lastErr):
		return lastErr
	case attempts >= maxAttempts && maxAttempts > 1:
		return fmt.Errorf("%w after %d attempts: %w", domain.ErrExhausted, attempts, lastErr)
	case errors.Is(lastErr, domain.ErrUpstreamTimeout):
		return lastErr
	case errors.Is(lastErr, context.Canceled):
		return fmt.Errorf("%w: %w", domain.ErrUpstreamTimeout, lastErr)
	default:
		if !errors.Is(lastErr, domain.ErrProvider) {
			return fmt.Errorf("%w: %w", domain.ErrProvider, lastErr)
		}
		return lastErr
	}
}

// IsTimeout reports whether the classified error was a timeout, either of a
// single attempt or of the overall call.
func IsTimeout(err error) bool {
	return errors.Is(err, domain.ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded)
}
