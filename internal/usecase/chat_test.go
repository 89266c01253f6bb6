package usecase

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartstudentbot/ai-gateway/internal/adapter/ai"
	"github.com/smartstudentbot/ai-gateway/internal/adapter/observability"
	"github.com/smartstudentbot/ai-gateway/internal/domain"
	"github.com/smartstudentbot/ai-gateway/internal/service/history"
	"github.com/smartstudentbot/ai-gateway/internal/service/prefs"
)

// fakeProvider scripts each Complete call with a canned outcome.
type fakeProvider struct {
	calls     int
	responses []fakeResponse
	lastReq   domain.CompletionRequest
}

type fakeResponse struct {
	text string
	err  error
}

func (f *fakeProvider) Complete(_ domain.Context, req domain.CompletionRequest) (domain.Completion, error) {
	f.lastReq = req
	idx := f.calls
	f.calls++
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	r := f.responses[idx]
	if r.err != nil {
		return domain.Completion{}, r.err
	}
	return domain.Completion{Text: r.text, ModelUsed: req.Model, Latency: 5 * time.Millisecond}, nil
}

func (f *fakeProvider) Transcribe(domain.Context, []byte, string) (string, error) {
	f.calls++
	return "transcribed text", nil
}

func (f *fakeProvider) DescribeImage(domain.Context, []byte, string) (string, error) {
	f.calls++
	return "a cat on a desk", nil
}

// fakeLimiter returns a fixed verdict.
type fakeLimiter struct {
	allowed    bool
	retryAfter time.Duration
	calls      int
}

func (f *fakeLimiter) Allow(context.Context, string, bool) (bool, time.Duration, error) {
	f.calls++
	return f.allowed, f.retryAfter, nil
}

func newTestService(p *fakeProvider, l *fakeLimiter) (*ChatService, *history.Store) {
	store := history.NewStore(10)
	return NewChatService(p, l, store, prefs.NewRegistry(), nil, nil, nil, observability.NewStats(16), Options{
		MaxHistory: 10,
		RetryPolicy: domain.RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2.0,
		},
		Fallback: prefs.DefaultPolicy("test-model"),
	}), store
}

func TestChatSuccessAppendsHistory(t *testing.T) {
	p := &fakeProvider{responses: []fakeResponse{{text: "Photosynthesis converts light into energy."}}}
	svc, store := newTestService(p, &fakeLimiter{allowed: true})

	reply, err := svc.Chat(context.Background(), "u1", "What is photosynthesis?", false)
	require.NoError(t, err)
	assert.NotEmpty(t, reply.RequestID)
	assert.Equal(t, "Photosynthesis converts light into energy.", reply.Text)
	assert.Equal(t, "test-model", reply.Model)
	assert.False(t, reply.ContextUsed, "first exchange has no prior context")

	msgs := store.Recent("u1", 0)
	require.Len(t, msgs, 2, "user turn then assistant turn")
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "What is photosynthesis?", msgs[0].Content)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)

	snap := svc.Stats()
	assert.Equal(t, uint64(1), snap.Total)
	assert.Equal(t, uint64(1), snap.Success)
}

func TestChatReplaysHistoryAsContext(t *testing.T) {
	p := &fakeProvider{responses: []fakeResponse{{text: "answer one"}, {text: "answer two"}}}
	svc, _ := newTestService(p, &fakeLimiter{allowed: true})

	_, err := svc.Chat(context.Background(), "u1", "first question", false)
	require.NoError(t, err)

	reply, err := svc.Chat(context.Background(), "u1", "second question", false)
	require.NoError(t, err)
	assert.True(t, reply.ContextUsed)
	require.Len(t, p.lastReq.History, 2, "prior exchange replayed to the provider")
	assert.Equal(t, "first question", p.lastReq.History[0].Content)
	assert.Equal(t, "answer one", p.lastReq.History[1].Content)
	assert.Equal(t, "second question", p.lastReq.Message)
}

func TestChatRateLimitedTouchesNothing(t *testing.T) {
	p := &fakeProvider{responses: []fakeResponse{{text: "unreachable"}}}
	svc, store := newTestService(p, &fakeLimiter{allowed: false, retryAfter: 42 * time.Second})

	_, err := svc.Chat(context.Background(), "u1", "hello", false)
	var rl *domain.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 42*time.Second, rl.RetryAfter)
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	assert.Zero(t, p.calls, "provider must not be called on denial")
	assert.Empty(t, store.Recent("u1", 0), "history must not be touched on denial")

	snap := svc.Stats()
	assert.Equal(t, uint64(1), snap.RateLimited)
	assert.Zero(t, snap.Failure)
}

func TestChatProviderFailureLeavesHistoryClean(t *testing.T) {
	p := &fakeProvider{responses: []fakeResponse{
		{err: fmt.Errorf("%w: status 500", domain.ErrProvider)},
	}}
	svc, store := newTestService(p, &fakeLimiter{allowed: true})

	_, err := svc.Chat(context.Background(), "u1", "hello", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExhausted)
	assert.Equal(t, 3, p.calls, "full retry budget spent")
	assert.Empty(t, store.Recent("u1", 0), "no phantom exchange after failure")

	snap := svc.Stats()
	assert.Equal(t, uint64(1), snap.Failure, "metrics recorded exactly once per invocation")
	assert.Equal(t, uint64(1), snap.Total)
}

func TestChatRecoversWithinRetryBudget(t *testing.T) {
	p := &fakeProvider{responses: []fakeResponse{
		{err: fmt.Errorf("%w: slow", domain.ErrUpstreamTimeout)},
		{err: fmt.Errorf("%w: slow", domain.ErrUpstreamTimeout)},
		{text: "finally"},
	}}
	svc, store := newTestService(p, &fakeLimiter{allowed: true})

	reply, err := svc.Chat(context.Background(), "u1", "hello", false)
	require.NoError(t, err)
	assert.Equal(t, "finally", reply.Text)
	assert.Equal(t, 3, p.calls)
	assert.Len(t, store.Recent("u1", 0), 2)

	snap := svc.Stats()
	assert.Equal(t, uint64(1), snap.Success)
	assert.Zero(t, snap.Failure)
}

func TestChatHealthAccounting(t *testing.T) {
	p := &fakeProvider{responses: []fakeResponse{
		{err: fmt.Errorf("%w: slow", domain.ErrUpstreamTimeout)},
		{err: fmt.Errorf("%w: slow", domain.ErrUpstreamTimeout)},
		{text: "recovered"},
	}}
	tracker := ai.NewHealthTracker(func(context.Context) error { return nil }, 5*time.Minute, time.Minute, time.Second)
	store := history.NewStore(10)
	svc := NewChatService(p, &fakeLimiter{allowed: true}, store, prefs.NewRegistry(), nil, tracker, nil, observability.NewStats(16), Options{
		MaxHistory: 10,
		RetryPolicy: domain.RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2.0,
		},
		Fallback: prefs.DefaultPolicy("test-model"),
	})

	_, err := svc.Chat(context.Background(), "u1", "hello", false)
	require.NoError(t, err)

	snap := svc.Health()
	assert.True(t, snap.IsReady)
	assert.Zero(t, snap.ConsecutiveFailures, "a successful invocation resets the failure streak")
	assert.False(t, snap.LastSuccessfulCall.IsZero())
}

func TestChatTimeoutRecordedAsTimeout(t *testing.T) {
	p := &fakeProvider{responses: []fakeResponse{
		{err: fmt.Errorf("%w: deadline", domain.ErrUpstreamTimeout)},
	}}
	svc, _ := newTestService(p, &fakeLimiter{allowed: true})

	_, err := svc.Chat(context.Background(), "u1", "hello", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamTimeout)

	snap := svc.Stats()
	assert.Equal(t, uint64(1), snap.Timeout)
}

func TestChatEmptyMessageRejected(t *testing.T) {
	p := &fakeProvider{responses: []fakeResponse{{text: "x"}}}
	svc, _ := newTestService(p, &fakeLimiter{allowed: true})

	_, err := svc.Chat(context.Background(), "u1", "", false)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Zero(t, p.calls)
}

func TestChatUsesPreferredModel(t *testing.T) {
	p := &fakeProvider{responses: []fakeResponse{{text: "ok"}}}
	svc, _ := newTestService(p, &fakeLimiter{allowed: true})

	require.NoError(t, svc.SetModel(context.Background(), "u1", "qwen/qwen-2.5-7b-instruct:free"))
	_, err := svc.Chat(context.Background(), "u1", "hello", false)
	require.NoError(t, err)
	assert.Equal(t, "qwen/qwen-2.5-7b-instruct:free", p.lastReq.Model)
}

func TestChatProgressSideTaskRunsAndStops(t *testing.T) {
	p := &fakeProvider{responses: []fakeResponse{{text: "ok"}}}
	var ticks atomic.Int32
	store := history.NewStore(10)
	svc := NewChatService(p, &fakeLimiter{allowed: true}, store, prefs.NewRegistry(), nil, nil, nil, observability.NewStats(16), Options{
		MaxHistory:       10,
		RetryPolicy:      domain.RetryPolicy{MaxAttempts: 1},
		Fallback:         prefs.DefaultPolicy("test-model"),
		Progress:         func(string) { ticks.Add(1) },
		ProgressInterval: 5 * time.Millisecond,
	})

	_, err := svc.Chat(context.Background(), "u1", "hello", false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ticks.Load(), int32(1), "indicator fires at least once per call")

	// The side task is cancelled with the call; no ticks accumulate afterwards.
	settled := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, ticks.Load())
}

func TestTranscribeAndVisionShareTheGate(t *testing.T) {
	p := &fakeProvider{}
	lim := &fakeLimiter{allowed: true}
	svc, _ := newTestService(p, lim)

	text, err := svc.Transcribe(context.Background(), "u1", []byte("audio"), "en", false)
	require.NoError(t, err)
	assert.Equal(t, "transcribed text", text)

	desc, err := svc.DescribeImage(context.Background(), "u1", []byte("image"), "what is this?", false)
	require.NoError(t, err)
	assert.Equal(t, "a cat on a desk", desc)

	assert.Equal(t, 2, lim.calls, "every operation passes the rate check")

	snap := svc.Stats()
	assert.Equal(t, uint64(2), snap.Success)
}

func TestTranscribeRateLimited(t *testing.T) {
	p := &fakeProvider{}
	svc, _ := newTestService(p, &fakeLimiter{allowed: false, retryAfter: 10 * time.Second})

	_, err := svc.Transcribe(context.Background(), "u1", []byte("audio"), "", false)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Zero(t, p.calls)
}

func TestClearHistory(t *testing.T) {
	p := &fakeProvider{responses: []fakeResponse{{text: "ok"}}}
	svc, _ := newTestService(p, &fakeLimiter{allowed: true})

	_, err := svc.Chat(context.Background(), "u1", "hello", false)
	require.NoError(t, err)

	assert.Equal(t, 2, svc.ClearHistory("u1"))
	assert.Empty(t, svc.History("u1"))
}

func TestResetStatsReturnsPrior(t *testing.T) {
	p := &fakeProvider{responses: []fakeResponse{{text: "ok"}}}
	svc, _ := newTestService(p, &fakeLimiter{allowed: true})

	_, err := svc.Chat(context.Background(), "u1", "hello", false)
	require.NoError(t, err)

	prior := svc.ResetStats()
	assert.Equal(t, uint64(1), prior.Total)
	assert.Zero(t, svc.Stats().Total)
}
