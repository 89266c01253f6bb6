// Package tokencount estimates token usage for provider calls.
//
// It uses tiktoken-go, a Go port of OpenAI's tiktoken library, to size the
// prompt (message plus replayed history) before a call so oversized context
// is rejected early rather than bounced by the provider.
package tokencount

import (
	"strings"
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/smartstudentbot/ai-gateway/internal/domain"
)

// Counter provides thread-safe token counting for LLM models.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a new token counter instance.
func NewCounter() *Counter {
	return &Counter{
		encodingCache: make(map[string]*tiktoken.Tiktoken),
	}
}

// getEncodingForModel returns a cached tiktoken encoding for a model.
func (c *Counter) getEncodingForModel(model string) (*tiktoken.Tiktoken, error) {
	normalized := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[normalized]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodingCache[normalized]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(normalized)
	if err != nil {
		// cl100k_base covers GPT-4, GPT-3.5-turbo, and most modern models.
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	c.encodingCache[normalized] = enc
	return enc, nil
}

// normalizeModelName converts aggregator model IDs to tiktoken-compatible names.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)

	// Aggregator IDs carry provider prefixes, e.g.
	// "meta-llama/llama-3.1-8b-instruct:free".
	if strings.Contains(model, "/") {
		parts := strings.Split(model, "/")
		model = parts[len(parts)-1]
	}
	model = strings.TrimSuffix(model, ":free")

	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		// Open-weight families tokenize close enough to GPT-4 for sizing.
		return "gpt-4"
	}
}

// CountTokens counts the tokens in text for the given model.
func (c *Counter) CountTokens(text, model string) (int, error) {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// EstimatePrompt sizes a chat request: the user message plus each replayed
// history turn, with the per-message structure overhead used by
// OpenAI-compatible APIs (3 tokens per message, 1 per role, 3 priming the
// reply).
func (c *Counter) EstimatePrompt(message string, history []domain.Message, model string) int {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		// Rough estimate: ~4 chars per token.
		total := len(message)
		for _, h := range history {
			total += len(h.Content)
		}
		return total / 4
	}

	const tokensPerMessage = 3
	const tokensPerRole = 1

	n := tokensPerMessage + tokensPerRole + len(enc.Encode(message, nil, nil))
	for _, h := range history {
		n += tokensPerMessage + tokensPerRole
		n += len(enc.Encode(string(h.Role), nil, nil))
		n += len(enc.Encode(h.Content, nil, nil))
	}
	n += 3
	return n
}
