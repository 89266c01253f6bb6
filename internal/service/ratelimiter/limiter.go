// Package ratelimiter implements per-user sliding-log rate limiting.
//
// Two implementations are provided: an in-process limiter used by default,
// and a Redis-backed limiter for deployments where several gateway replicas
// must share one quota. Both report an exact retry-after: the remaining time
// until the earliest request in the window rolls out.
package ratelimiter

import (
	"context"
	"sync"
	"time"
)

// Limiter gates calls before they reach the provider.
type Limiter interface {
	// Allow records the request if the user is under their effective limit.
	// When denied, retryAfter is the exact wait until the oldest request in
	// the window expires.
	Allow(ctx context.Context, userID string, premium bool) (allowed bool, retryAfter time.Duration, err error)
}

// Config holds the shared limiter parameters.
type Config struct {
	// Limit is the base number of requests allowed per window.
	Limit int
	// Window is the sliding window length.
	Window time.Duration
	// PremiumMultiplier scales Limit for premium users; values < 1 mean no bonus.
	PremiumMultiplier int
}

func (c Config) effectiveLimit(premium bool) int {
	if premium && c.PremiumMultiplier > 1 {
		return c.Limit * c.PremiumMultiplier
	}
	return c.Limit
}

// MemoryLimiter is the in-process sliding-log limiter. Timestamps outside the
// window are lazily evicted on each check. Safe for concurrent use.
type MemoryLimiter struct {
	mu   sync.Mutex
	cfg  Config
	logs map[string][]time.Time
	now  func() time.Time
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:  cfg,
		logs: make(map[string][]time.Time),
		now:  time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (l *MemoryLimiter) SetClock(now func() time.Time) { l.now = now }

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, userID string, premium bool) (bool, time.Duration, error) {
	if l.cfg.Limit <= 0 || l.cfg.Window <= 0 {
		return true, 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.cfg.Window)

	log := l.logs[userID]
	// Evict entries that have left the window, preserving order.
	kept := log[:0]
	for _, ts := range log {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	limit := l.cfg.effectiveLimit(premium)
	if len(kept) >= limit {
		l.logs[userID] = kept
		retryAfter := kept[0].Add(l.cfg.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter, nil
	}

	l.logs[userID] = append(kept, now)
	return true, 0, nil
}

// Cleanup drops users whose entire log is older than twice the window,
// bounding memory growth from abandoned users. Returns the number of users
// removed. Running it twice with no intervening activity removes nothing the
// second time.
func (l *MemoryLimiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-2 * l.cfg.Window)
	removed := 0
	for userID, log := range l.logs {
		if len(log) == 0 || log[len(log)-1].Before(cutoff) {
			delete(l.logs, userID)
			removed++
		}
	}
	return removed
}

// Users returns the number of tracked users. Intended for tests and stats.
func (l *MemoryLimiter) Users() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.logs)
}
