// Package domain defines core entities, ports, and the error taxonomy.
package domain

import (
	"errors"
	"time"
)

// RetryPolicy defines bounded-retry behavior for provider calls.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget; 1 means a single bounded call.
	MaxAttempts int
	// InitialDelay is the delay after the first failed attempt.
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
	// PerAttemptTimeout bounds each individual attempt.
	PerAttemptTimeout time.Duration
}

// DefaultRetryPolicy returns a sensible default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      2 * time.Second,
		MaxDelay:          30 * time.Second,
		Multiplier:        2.0,
		PerAttemptTimeout: 60 * time.Second,
	}
}

// DelayForAttempt returns the backoff delay inserted after the given failed
// attempt (1-based). Delays are non-decreasing and capped at MaxDelay.
func (p RetryPolicy) DelayForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Retryable reports whether a failed attempt with this error should be
// retried. Invalid arguments and permanent provider rejections (4xx) are
// terminal; timeouts, provider 5xx, and upstream rate limits are not.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidArgument):
		return false
	case errors.Is(err, ErrNotFound):
		return false
	default:
		return true
	}
}
