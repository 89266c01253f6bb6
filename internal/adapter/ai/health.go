package ai

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smartstudentbot/ai-gateway/internal/adapter/observability"
	"github.com/smartstudentbot/ai-gateway/internal/domain"
)

// failureTripThreshold forces not-ready after this many consecutive failures,
// regardless of timers.
const failureTripThreshold = 3

// ProbeFunc issues one lightweight provider call. A nil error with a
// non-empty response marks the provider warm.
type ProbeFunc func(ctx context.Context) error

// HealthTracker tracks whether the provider is warm (responded recently) or
// cold, and deduplicates warmup probes: while one is in flight, callers wait
// on its completion instead of issuing duplicates.
type HealthTracker struct {
	mu                  sync.Mutex
	isReady             bool
	lastCheck           time.Time
	lastLatency         time.Duration
	consecutiveFailures int
	lastSuccess         time.Time

	inflight bool
	done     chan struct{}

	probe               ProbeFunc
	keepAliveInterval   time.Duration
	warmupCacheDuration time.Duration
	warmupTimeout       time.Duration
	now                 func() time.Time
}

// NewHealthTracker creates a tracker around probe.
func NewHealthTracker(probe ProbeFunc, keepAliveInterval, warmupCacheDuration, warmupTimeout time.Duration) *HealthTracker {
	return &HealthTracker{
		probe:               probe,
		keepAliveInterval:   keepAliveInterval,
		warmupCacheDuration: warmupCacheDuration,
		warmupTimeout:       warmupTimeout,
		now:                 time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (h *HealthTracker) SetClock(now func() time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = now
}

// Snapshot returns the current health state.
func (h *HealthTracker) Snapshot() domain.ProviderHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	return domain.ProviderHealth{
		IsReady:             h.isReady,
		LastCheck:           h.lastCheck,
		LastResponseTime:    h.lastLatency,
		ConsecutiveFailures: h.consecutiveFailures,
		LastSuccessfulCall:  h.lastSuccess,
	}
}

// IsCold reports whether no call has succeeded within the keep-alive interval.
func (h *HealthTracker) IsCold() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.coldLocked()
}

func (h *HealthTracker) coldLocked() bool {
	return h.lastSuccess.IsZero() || h.now().Sub(h.lastSuccess) > h.keepAliveInterval
}

// NeedsWarmup reports whether the last check is stale — a separate, shorter
// freshness window than cold/warm.
func (h *HealthTracker) NeedsWarmup() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastCheck.IsZero() || h.now().Sub(h.lastCheck) >= h.warmupCacheDuration
}

// RecordSuccess updates health after a successful user-facing call.
func (h *HealthTracker) RecordSuccess(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	h.isReady = true
	h.lastCheck = now
	h.lastSuccess = now
	h.lastLatency = latency
	h.consecutiveFailures = 0
	observability.ProviderReady.Set(1)
}

// RecordFailure updates health after a failed user-facing call. Three
// consecutive failures force not-ready regardless of timers.
func (h *HealthTracker) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastCheck = h.now()
	h.consecutiveFailures++
	if h.consecutiveFailures >= failureTripThreshold {
		if h.isReady {
			slog.Warn("provider marked not ready after consecutive failures",
				slog.Int("consecutive_failures", h.consecutiveFailures))
		}
		h.isReady = false
		observability.ProviderReady.Set(0)
	}
}

// Warmup issues one lightweight probe unless a fresh check is cached. If a
// warmup is already in flight, the caller waits for it (bounded by ctx)
// rather than issuing a duplicate; a waiter that gives up does not cancel the
// in-flight probe, since other waiters may still benefit from it.
func (h *HealthTracker) Warmup(ctx context.Context, force bool) error {
	h.mu.Lock()
	if !force && h.isReady && !h.lastCheck.IsZero() && h.now().Sub(h.lastCheck) < h.warmupCacheDuration {
		h.mu.Unlock()
		return nil
	}
	if h.inflight {
		waitCh := h.done
		h.mu.Unlock()
		select {
		case <-waitCh:
			if h.Snapshot().IsReady {
				return nil
			}
			return fmt.Errorf("%w: warmup probe failed", domain.ErrProvider)
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for in-flight warmup: %w", domain.ErrUpstreamTimeout, ctx.Err())
		}
	}
	h.inflight = true
	h.done = make(chan struct{})
	doneCh := h.done
	h.mu.Unlock()

	// The probe outlives the initiating caller's cancellation so that other
	// waiters still benefit from its completion.
	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.warmupTimeout)
	defer cancel()

	start := h.now()
	err := h.probe(probeCtx)
	latency := h.now().Sub(start)

	h.mu.Lock()
	h.inflight = false
	h.lastCheck = h.now()
	if err == nil {
		h.isReady = true
		h.lastSuccess = h.now()
		h.lastLatency = latency
		h.consecutiveFailures = 0
		observability.ProviderReady.Set(1)
		observability.ProviderWarmupsTotal.WithLabelValues("success").Inc()
		slog.Info("provider warmup succeeded", slog.Duration("latency", latency))
	} else {
		h.consecutiveFailures++
		if h.consecutiveFailures >= failureTripThreshold {
			h.isReady = false
			observability.ProviderReady.Set(0)
		}
		observability.ProviderWarmupsTotal.WithLabelValues("failure").Inc()
		slog.Warn("provider warmup failed", slog.Any("error", err))
	}
	h.mu.Unlock()
	close(doneCh)

	if err != nil {
		return fmt.Errorf("%w: warmup: %w", domain.ErrProvider, err)
	}
	return nil
}

// KeepAlivePing is the body of the keep-alive loop: it pings only if the
// provider has responded at least once before, avoiding endless probes
// against a provider that was never reachable.
func (h *HealthTracker) KeepAlivePing(ctx context.Context) {
	h.mu.Lock()
	neverSucceeded := h.lastSuccess.IsZero()
	cold := h.coldLocked()
	h.mu.Unlock()

	if neverSucceeded {
		slog.Debug("keep-alive skipped; provider has never responded")
		return
	}
	if !cold {
		return
	}
	if err := h.Warmup(ctx, false); err != nil {
		slog.Debug("keep-alive ping failed", slog.Any("error", err))
	}
}
