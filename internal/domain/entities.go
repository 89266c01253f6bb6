package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrProvider          = errors.New("provider error")
	ErrExhausted         = errors.New("retries exhausted")
	ErrEmptyCompletion   = errors.New("empty completion")
	ErrInternal          = errors.New("internal error")
)

// RateLimitedError carries the caller-facing wait time alongside the
// ErrRateLimited sentinel so handlers can suggest when to retry.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return "rate limited" }

// Unwrap lets errors.Is(err, ErrRateLimited) match.
func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationTurn is a single immutable entry in a user's history buffer.
// Turns are appended in strict chronological order and never mutated.
type ConversationTurn struct {
	ID        string
	Role      Role
	Content   string
	CreatedAt time.Time
	Metadata  map[string]string
}

// Message is the {role, content} shape fed back to the provider as context.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is one chat-completion call to the provider.
type CompletionRequest struct {
	Message   string
	History   []Message
	Model     string
	MaxTokens int
}

// Completion is the provider's answer to a CompletionRequest.
type Completion struct {
	Text      string
	ModelUsed string
	Latency   time.Duration
}

// ProviderHealth is a point-in-time snapshot of provider readiness.
// "Cold" is derived: now - LastSuccessfulCall > keep-alive interval.
type ProviderHealth struct {
	IsReady             bool
	LastCheck           time.Time
	LastResponseTime    time.Duration
	ConsecutiveFailures int
	LastSuccessfulCall  time.Time
}

// Provider (port) is the external chat/vision/speech completion API.
// Calls are opaque, potentially slow, and potentially failing; resilience
// around them is the gateway's job.
type Provider interface {
	Complete(ctx Context, req CompletionRequest) (Completion, error)
	Transcribe(ctx Context, audio []byte, languageHint string) (string, error)
	DescribeImage(ctx Context, image []byte, prompt string) (string, error)
}

// HistoryStore (port) is the bounded per-user conversation log.
type HistoryStore interface {
	Add(userID string, role Role, content string) ConversationTurn
	Recent(userID string, limit int) []Message
	Clear(userID string) int
	CleanupOld(maxAge time.Duration) int
}

// Context is an alias to keep domain signatures uniform with adapters.
type Context = context.Context
