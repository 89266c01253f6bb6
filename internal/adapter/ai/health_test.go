package ai

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartstudentbot/ai-gateway/internal/domain"
)

func newTestTracker(probe ProbeFunc) *HealthTracker {
	return NewHealthTracker(probe, 5*time.Minute, time.Minute, time.Second)
}

func TestHealthTrackerConsecutiveFailuresTrip(t *testing.T) {
	h := newTestTracker(nil)
	h.RecordSuccess(100 * time.Millisecond)
	require.True(t, h.Snapshot().IsReady)

	h.RecordFailure()
	h.RecordFailure()
	assert.True(t, h.Snapshot().IsReady, "two failures are not enough to trip")

	h.RecordFailure()
	snap := h.Snapshot()
	assert.False(t, snap.IsReady, "three consecutive failures force not-ready")
	assert.Equal(t, 3, snap.ConsecutiveFailures)
}

func TestHealthTrackerSuccessResetsFailures(t *testing.T) {
	h := newTestTracker(nil)
	h.RecordFailure()
	h.RecordFailure()
	h.RecordSuccess(50 * time.Millisecond)

	snap := h.Snapshot()
	assert.True(t, snap.IsReady)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, 50*time.Millisecond, snap.LastResponseTime)
	assert.False(t, snap.LastSuccessfulCall.IsZero())
}

func TestHealthTrackerIsCold(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	h := newTestTracker(nil)
	h.SetClock(func() time.Time { return now })

	assert.True(t, h.IsCold(), "never-called provider is cold")

	h.RecordSuccess(10 * time.Millisecond)
	assert.False(t, h.IsCold())

	now = base.Add(6 * time.Minute)
	assert.True(t, h.IsCold(), "past the keep-alive interval the provider is cold again")
}

func TestWarmupSuccess(t *testing.T) {
	probes := 0
	h := newTestTracker(func(context.Context) error {
		probes++
		return nil
	})

	require.NoError(t, h.Warmup(context.Background(), false))
	assert.Equal(t, 1, probes)
	assert.True(t, h.Snapshot().IsReady)

	// A fresh check is cached; no second probe.
	require.NoError(t, h.Warmup(context.Background(), false))
	assert.Equal(t, 1, probes)

	// Force bypasses the cache.
	require.NoError(t, h.Warmup(context.Background(), true))
	assert.Equal(t, 2, probes)
}

func TestWarmupFailure(t *testing.T) {
	h := newTestTracker(func(context.Context) error {
		return errors.New("connection refused")
	})

	err := h.Warmup(context.Background(), true)
	assert.ErrorIs(t, err, domain.ErrProvider)
	assert.Equal(t, 1, h.Snapshot().ConsecutiveFailures)
}

func TestWarmupSingleFlight(t *testing.T) {
	var probes atomic.Int32
	release := make(chan struct{})
	h := newTestTracker(func(context.Context) error {
		probes.Add(1)
		<-release
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Warmup(context.Background(), true)
		}()
	}

	// Let the goroutines pile up behind the in-flight probe, then release it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, probes.Load(), int32(2), "concurrent warmups must coalesce, not fan out")
	assert.True(t, h.Snapshot().IsReady)
}

func TestWarmupWaiterTimeoutDoesNotCancelProbe(t *testing.T) {
	release := make(chan struct{})
	probeDone := make(chan error, 1)
	h := newTestTracker(func(ctx context.Context) error {
		<-release
		probeDone <- ctx.Err()
		return nil
	})

	go func() { _ = h.Warmup(context.Background(), true) }()
	time.Sleep(20 * time.Millisecond)

	// Second caller waits with a deadline that expires while the probe runs.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := h.Warmup(ctx, true)
	assert.ErrorIs(t, err, domain.ErrUpstreamTimeout)

	close(release)
	select {
	case probeErr := <-probeDone:
		assert.NoError(t, probeErr, "the in-flight probe must not observe the waiter's cancellation")
	case <-time.After(time.Second):
		t.Fatal("probe never completed")
	}
	assert.Eventually(t, func() bool { return h.Snapshot().IsReady }, time.Second, 10*time.Millisecond)
}

func TestKeepAlivePingSkipsWhenNeverSucceeded(t *testing.T) {
	probes := 0
	h := newTestTracker(func(context.Context) error {
		probes++
		return nil
	})

	h.KeepAlivePing(context.Background())
	assert.Equal(t, 0, probes, "never-reachable provider is not pinged forever")
}

func TestKeepAlivePingWarmsColdProvider(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	probes := 0
	h := newTestTracker(func(context.Context) error {
		probes++
		return nil
	})
	h.SetClock(func() time.Time { return now })

	h.RecordSuccess(10 * time.Millisecond)
	h.KeepAlivePing(context.Background())
	assert.Equal(t, 0, probes, "warm provider is left alone")

	now = base.Add(10 * time.Minute)
	h.KeepAlivePing(context.Background())
	assert.Equal(t, 1, probes, "cold provider gets one ping")
}
