// Package usecase composes the resilience pieces into user-facing operations.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/smartstudentbot/ai-gateway/internal/adapter/ai"
	"github.com/smartstudentbot/ai-gateway/internal/adapter/ai/models"
	"github.com/smartstudentbot/ai-gateway/internal/adapter/ai/tokencount"
	"github.com/smartstudentbot/ai-gateway/internal/adapter/observability"
	"github.com/smartstudentbot/ai-gateway/internal/domain"
	"github.com/smartstudentbot/ai-gateway/internal/service/prefs"
	"github.com/smartstudentbot/ai-gateway/internal/service/ratelimiter"
)

// ChatReply is the success result of one chat invocation.
type ChatReply struct {
	RequestID   string
	Text        string
	Model       string
	Latency     time.Duration
	ContextUsed bool
}

// ProgressFunc is invoked periodically while a provider call is in flight,
// e.g. to keep a typing indicator alive. The side task is cancelled — not
// abandoned — when the call finishes or fails.
type ProgressFunc func(userID string)

// ChatService orchestrates one invocation per incoming user message:
// RATE_CHECK → HISTORY_LOAD → PROVIDER_CALL → HISTORY_APPEND →
// METRICS_RECORD → RETURN. Any stage may short-circuit to a typed failure;
// metrics are recorded exactly once per invocation either way.
type ChatService struct {
	provider domain.Provider
	limiter  ratelimiter.Limiter
	history  domain.HistoryStore
	prefs    *prefs.Registry
	catalog  *models.Catalog
	health   *ai.HealthTracker
	tokens   *tokencount.Counter
	stats    *observability.Stats
	fallback prefs.FallbackPolicy
	policy   domain.RetryPolicy

	maxHistory       int
	maxPromptTokens  int
	progress         ProgressFunc
	progressInterval time.Duration
}

// Options carries the orchestrator's tunables.
type Options struct {
	MaxHistory       int
	MaxPromptTokens  int
	RetryPolicy      domain.RetryPolicy
	Fallback         prefs.FallbackPolicy
	Progress         ProgressFunc
	ProgressInterval time.Duration
}

// NewChatService wires the orchestrator. All collaborators are injected so
// tests can isolate each stage.
func NewChatService(
	provider domain.Provider,
	limiter ratelimiter.Limiter,
	history domain.HistoryStore,
	registry *prefs.Registry,
	catalog *models.Catalog,
	health *ai.HealthTracker,
	tokens *tokencount.Counter,
	stats *observability.Stats,
	opts Options,
) *ChatService {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 10
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 4 * time.Second
	}
	if opts.Fallback == nil {
		opts.Fallback = prefs.DefaultPolicy("")
	}
	return &ChatService{
		provider:         provider,
		limiter:          limiter,
		history:          history,
		prefs:            registry,
		catalog:          catalog,
		health:           health,
		tokens:           tokens,
		stats:            stats,
		fallback:         opts.Fallback,
		policy:           opts.RetryPolicy,
		maxHistory:       opts.MaxHistory,
		maxPromptTokens:  opts.MaxPromptTokens,
		progress:         opts.Progress,
		progressInterval: opts.ProgressInterval,
	}
}

// Chat runs one chat-with-history invocation for the user.
func (s *ChatService) Chat(ctx context.Context, userID, message string, premium bool) (ChatReply, error) {
	requestID := uuid.NewString()
	lg := slog.Default().With(slog.String("request_id", requestID), slog.String("user_id", userID))

	if message == "" {
		s.stats.RecordFailure(0, false)
		observability.AIRequestsTotal.WithLabelValues("chat", "invalid").Inc()
		return ChatReply{}, fmt.Errorf("%w: empty message", domain.ErrInvalidArgument)
	}

	// RATE_CHECK: denial touches neither history nor the provider.
	allowed, retryAfter, err := s.limiter.Allow(ctx, userID, premium)
	if err != nil {
		lg.Warn("rate limiter error; failing open", slog.Any("error", err))
	}
	if !allowed {
		s.stats.RecordRateLimited()
		observability.RateLimitedTotal.Inc()
		observability.AIRequestsTotal.WithLabelValues("chat", "rate_limited").Inc()
		lg.Info("chat denied by rate limiter", slog.Duration("retry_after", retryAfter))
		return ChatReply{}, &domain.RateLimitedError{RetryAfter: retryAfter}
	}

	// HISTORY_LOAD always succeeds; a miss is an empty context.
	historyCtx := s.history.Recent(userID, s.maxHistory)
	contextUsed := len(historyCtx) > 0

	model := s.resolveModel(ctx, userID)

	if s.maxPromptTokens > 0 && s.tokens != nil {
		if est := s.tokens.EstimatePrompt(message, historyCtx, model); est > s.maxPromptTokens {
			s.stats.RecordFailure(0, false)
			observability.AIRequestsTotal.WithLabelValues("chat", "invalid").Inc()
			lg.Warn("prompt too large", slog.Int("estimated_tokens", est), slog.Int("limit", s.maxPromptTokens))
			return ChatReply{}, fmt.Errorf("%w: prompt of ~%d tokens exceeds limit %d", domain.ErrInvalidArgument, est, s.maxPromptTokens)
		}
	}

	// Pre-flight ping when the provider has gone cold; best effort only.
	if s.health != nil && s.health.IsCold() {
		if err := s.health.Warmup(ctx, false); err != nil {
			lg.Debug("pre-flight warmup failed", slog.Any("error", err))
		}
	}

	stopProgress := s.startProgress(ctx, userID)
	start := time.Now()
	completion, err := ai.CallWithRetry(ctx, func(ctx context.Context) (domain.Completion, error) {
		return s.provider.Complete(ctx, domain.CompletionRequest{
			Message: message,
			History: historyCtx,
			Model:   model,
		})
	}, s.policy)
	elapsed := time.Since(start)
	stopProgress()

	if err != nil {
		if s.health != nil {
			s.health.RecordFailure()
		}
		timedOut := ai.IsTimeout(err)
		s.stats.RecordFailure(elapsed, timedOut)
		outcome := "failure"
		if timedOut {
			outcome = "timeout"
		}
		observability.AIRequestsTotal.WithLabelValues("chat", outcome).Inc()
		lg.Warn("chat provider call failed",
			slog.String("model", model),
			slog.Duration("elapsed", elapsed),
			slog.Any("error", err))
		return ChatReply{}, err
	}

	if s.health != nil {
		s.health.RecordSuccess(completion.Latency)
	}

	// HISTORY_APPEND only after success: a failed call must not leave a
	// phantom exchange behind.
	s.history.Add(userID, domain.RoleUser, message)
	s.history.Add(userID, domain.RoleAssistant, completion.Text)
	observability.HistoryBuffers.Set(float64(historyLen(s.history)))

	s.stats.RecordSuccess(elapsed, contextUsed, false)
	observability.AIRequestsTotal.WithLabelValues("chat", "success").Inc()
	lg.Info("chat completed",
		slog.String("model", completion.ModelUsed),
		slog.Duration("elapsed", elapsed),
		slog.Bool("context_used", contextUsed))

	return ChatReply{
		RequestID:   requestID,
		Text:        completion.Text,
		Model:       completion.ModelUsed,
		Latency:     elapsed,
		ContextUsed: contextUsed,
	}, nil
}

// Transcribe converts a voice message to text through the same gate:
// rate check, bounded retry, health and metrics accounting.
func (s *ChatService) Transcribe(ctx context.Context, userID string, audio []byte, languageHint string, premium bool) (string, error) {
	return s.passthrough(ctx, userID, "transcribe", premium, func(ctx context.Context) (domain.Completion, error) {
		text, err := s.provider.Transcribe(ctx, audio, languageHint)
		return domain.Completion{Text: text}, err
	})
}

// DescribeImage answers a vision prompt through the same gate as Chat.
func (s *ChatService) DescribeImage(ctx context.Context, userID string, image []byte, prompt string, premium bool) (string, error) {
	return s.passthrough(ctx, userID, "vision", premium, func(ctx context.Context) (domain.Completion, error) {
		text, err := s.provider.DescribeImage(ctx, image, prompt)
		return domain.Completion{Text: text}, err
	})
}

func (s *ChatService) passthrough(ctx context.Context, userID, operation string, premium bool, op ai.Operation) (string, error) {
	allowed, retryAfter, err := s.limiter.Allow(ctx, userID, premium)
	if err != nil {
		slog.Warn("rate limiter error; failing open", slog.String("op", operation), slog.Any("error", err))
	}
	if !allowed {
		s.stats.RecordRateLimited()
		observability.RateLimitedTotal.Inc()
		observability.AIRequestsTotal.WithLabelValues(operation, "rate_limited").Inc()
		return "", &domain.RateLimitedError{RetryAfter: retryAfter}
	}

	stopProgress := s.startProgress(ctx, userID)
	start := time.Now()
	completion, err := ai.CallWithRetry(ctx, op, s.policy)
	elapsed := time.Since(start)
	stopProgress()

	if err != nil {
		if s.health != nil {
			s.health.RecordFailure()
		}
		timedOut := ai.IsTimeout(err)
		s.stats.RecordFailure(elapsed, timedOut)
		outcome := "failure"
		if timedOut {
			outcome = "timeout"
		}
		observability.AIRequestsTotal.WithLabelValues(operation, outcome).Inc()
		return "", err
	}

	if s.health != nil {
		s.health.RecordSuccess(completion.Latency)
	}
	s.stats.RecordSuccess(elapsed, false, false)
	observability.AIRequestsTotal.WithLabelValues(operation, "success").Inc()
	return completion.Text, nil
}

// resolveModel returns the user's selected model when it is still in the
// catalog, otherwise whatever the fallback policy picks. Why a policy
// function: there is no principled ranking between replacement models, so
// the choice stays with the caller.
func (s *ChatService) resolveModel(ctx context.Context, userID string) string {
	requested := ""
	if s.prefs != nil {
		if m, ok := s.prefs.Get(userID); ok {
			requested = m
		}
	}
	if requested != "" && (s.catalog == nil || s.catalog.Has(ctx, requested)) {
		return requested
	}
	var available []string
	if s.catalog != nil {
		available, _ = s.catalog.IDs(ctx)
	}
	model := s.fallback(requested, available)
	if requested != "" && model != requested {
		slog.Info("model fallback applied",
			slog.String("user_id", userID),
			slog.String("requested", requested),
			slog.String("selected", model))
	}
	return model
}

// SetModel records the user's model preference after validating it exists.
func (s *ChatService) SetModel(ctx context.Context, userID, model string) error {
	if model == "" {
		return fmt.Errorf("%w: empty model", domain.ErrInvalidArgument)
	}
	if s.catalog != nil && !s.catalog.Has(ctx, model) {
		return fmt.Errorf("%w: model %s", domain.ErrNotFound, model)
	}
	s.prefs.Set(userID, model)
	return nil
}

// Models lists the catalog's current free model identifiers.
func (s *ChatService) Models(ctx context.Context) ([]string, error) {
	if s.catalog == nil {
		return nil, nil
	}
	return s.catalog.IDs(ctx)
}

// History returns the user's replayable context.
func (s *ChatService) History(userID string) []domain.Message {
	return s.history.Recent(userID, 0)
}

// ClearHistory drops the user's buffer and returns the number of turns removed.
func (s *ChatService) ClearHistory(userID string) int {
	n := s.history.Clear(userID)
	observability.HistoryBuffers.Set(float64(historyLen(s.history)))
	return n
}

// Health returns the provider health snapshot.
func (s *ChatService) Health() domain.ProviderHealth {
	if s.health == nil {
		return domain.ProviderHealth{}
	}
	return s.health.Snapshot()
}

// Stats returns the current in-process counters.
func (s *ChatService) Stats() observability.Snapshot { return s.stats.Snapshot() }

// ResetStats swaps in fresh counters and returns the prior snapshot.
func (s *ChatService) ResetStats() observability.Snapshot { return s.stats.Reset() }

// startProgress launches the typing-indicator side task. The returned stop
// function cancels it and waits for it to exit, so no perpetual-sleep task
// leaks past the call.
func (s *ChatService) startProgress(ctx context.Context, userID string) (stop func()) {
	if s.progress == nil {
		return func() {}
	}
	progressCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.progressInterval)
		defer ticker.Stop()
		s.progress(userID)
		for {
			select {
			case <-ticker.C:
				s.progress(userID)
			case <-progressCtx.Done():
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// historyLen reports buffer count when the store exposes it.
func historyLen(h domain.HistoryStore) int {
	type lener interface{ Len() int }
	if l, ok := h.(lener); ok {
		return l.Len()
	}
	return 0
}
