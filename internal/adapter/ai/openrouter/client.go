// Package openrouter implements the provider client for an OpenAI-compatible
// aggregator API (chat, transcription, and vision).
package openrouter

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"log/slog"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/smartstudentbot/ai-gateway/internal/adapter/observability"
	"github.com/smartstudentbot/ai-gateway/internal/config"
	"github.com/smartstudentbot/ai-gateway/internal/domain"
)

// Client implements domain.Provider against an OpenRouter-style API. Each
// method issues exactly one HTTP call; retry policy lives in the wrapper
// around it, not here.
type Client struct {
	cfg config.Config
	hc  *http.Client
}

// New constructs a provider client. The HTTP client carries no timeout of its
// own; per-attempt budgets come from the caller's context.
func New(cfg config.Config) *Client {
	return &Client{
		cfg: cfg,
		hc: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// chatResponse is the subset of the completions payload the gateway reads.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Complete calls the chat completions endpoint with the user message and its
// replayed history.
func (c *Client) Complete(ctx domain.Context, req domain.CompletionRequest) (domain.Completion, error) {
	if c.cfg.OpenRouterAPIKey == "" {
		return domain.Completion{}, fmt.Errorf("%w: OPENROUTER_API_KEY missing", domain.ErrInvalidArgument)
	}

	messages := make([]map[string]string, 0, len(req.History)+1)
	for _, m := range req.History {
		messages = append(messages, map[string]string{"role": string(m.Role), "content": m.Content})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Message})

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxCompletionTokens
	}
	body := map[string]any{
		"model":      req.Model,
		"max_tokens": maxTokens,
		"messages":   messages,
	}

	out, latency, err := c.postChat(ctx, "chat", body)
	if err != nil {
		return domain.Completion{}, err
	}
	text := out.Choices[0].Message.Content
	modelUsed := out.Model
	if modelUsed == "" {
		modelUsed = req.Model
	}
	if modelUsed != req.Model {
		slog.Warn("model substitution detected",
			slog.String("requested_model", req.Model),
			slog.String("actual_model", modelUsed))
	}
	return domain.Completion{Text: text, ModelUsed: modelUsed, Latency: latency}, nil
}

// DescribeImage sends the image as a data URI to the configured vision model.
func (c *Client) DescribeImage(ctx domain.Context, image []byte, prompt string) (string, error) {
	if c.cfg.OpenRouterAPIKey == "" {
		return "", fmt.Errorf("%w: OPENROUTER_API_KEY missing", domain.ErrInvalidArgument)
	}
	if len(image) == 0 {
		return "", fmt.Errorf("%w: empty image payload", domain.ErrInvalidArgument)
	}
	mt := mimetype.Detect(image)
	if !isImageMIME(mt.String()) {
		return "", fmt.Errorf("%w: unsupported image type %s", domain.ErrInvalidArgument, mt.String())
	}
	if prompt == "" {
		prompt = "Describe this image."
	}

	dataURI := "data:" + mt.String() + ";base64," + base64.StdEncoding.EncodeToString(image)
	body := map[string]any{
		"model":      c.cfg.VisionModel,
		"max_tokens": c.cfg.MaxCompletionTokens,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": prompt},
					{"type": "image_url", "image_url": map[string]string{"url": dataURI}},
				},
			},
		},
	}

	out, _, err := c.postChat(ctx, "vision", body)
	if err != nil {
		return "", err
	}
	return out.Choices[0].Message.Content, nil
}

// Transcribe posts the audio to the transcriptions endpoint.
func (c *Client) Transcribe(ctx domain.Context, audio []byte, languageHint string) (string, error) {
	if c.cfg.OpenRouterAPIKey == "" {
		return "", fmt.Errorf("%w: OPENROUTER_API_KEY missing", domain.ErrInvalidArgument)
	}
	if len(audio) == 0 {
		return "", fmt.Errorf("%w: empty audio payload", domain.ErrInvalidArgument)
	}
	mt := mimetype.Detect(audio)
	if !isAudioMIME(mt.String()) {
		return "", fmt.Errorf("%w: unsupported audio type %s", domain.ErrInvalidArgument, mt.String())
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "audio"+mt.Extension())
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInternal, err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInternal, err)
	}
	_ = mw.WriteField("model", c.cfg.TranscribeModel)
	if languageHint != "" {
		_ = mw.WriteField("language", languageHint)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInternal, err)
	}

	start := time.Now()
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OpenRouterBaseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInternal, err)
	}
	r.Header.Set("Authorization", "Bearer "+c.cfg.OpenRouterAPIKey)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	c.setAttribution(r)

	resp, err := c.hc.Do(r)
	observability.AIRetryAttemptsTotal.WithLabelValues("transcribe").Inc()
	observability.AIRequestDuration.WithLabelValues("transcribe").Observe(time.Since(start).Seconds())
	if err != nil {
		return "", classifyTransportError("transcribe", err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read transcription body: %w", domain.ErrProvider, err)
	}
	if err := classifyStatus("transcribe", resp, bodyBytes); err != nil {
		return "", err
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return "", fmt.Errorf("%w: decode transcription: %w", domain.ErrProvider, err)
	}
	if out.Text == "" {
		return "", fmt.Errorf("%w: empty transcription", domain.ErrProvider)
	}
	return out.Text, nil
}

// Ping issues the cheapest possible completion as a health probe. The API has
// no dedicated health endpoint, so a 1-token completion is the probe.
func (c *Client) Ping(ctx domain.Context) error {
	body := map[string]any{
		"model":      c.cfg.DefaultChatModel,
		"max_tokens": 1,
		"messages": []map[string]string{
			{"role": "user", "content": "ping"},
		},
	}
	_, _, err := c.postChat(ctx, "warmup", body)
	return err
}

// postChat issues one chat-completions call and validates the payload shape.
func (c *Client) postChat(ctx domain.Context, operation string, body map[string]any) (chatResponse, time.Duration, error) {
	b, _ := json.Marshal(body)

	start := time.Now()
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OpenRouterBaseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return chatResponse{}, 0, fmt.Errorf("%w: %w", domain.ErrInternal, err)
	}
	r.Header.Set("Authorization", "Bearer "+c.cfg.OpenRouterAPIKey)
	r.Header.Set("Content-Type", "application/json")
	c.setAttribution(r)

	resp, err := c.hc.Do(r)
	latency := time.Since(start)
	observability.AIRetryAttemptsTotal.WithLabelValues(operation).Inc()
	observability.AIRequestDuration.WithLabelValues(operation).Observe(latency.Seconds())
	if err != nil {
		return chatResponse{}, latency, classifyTransportError(operation, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return chatResponse{}, latency, fmt.Errorf("%w: read body: %w", domain.ErrProvider, err)
	}
	if err := classifyStatus(operation, resp, bodyBytes); err != nil {
		return chatResponse{}, latency, err
	}

	var out chatResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		slog.Error("provider decode error", slog.String("op", operation), slog.Any("error", err))
		return chatResponse{}, latency, fmt.Errorf("%w: decode: %w", domain.ErrProvider, err)
	}
	if out.Error != nil {
		return chatResponse{}, latency, fmt.Errorf("%w: %s", domain.ErrProvider, out.Error.Message)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return chatResponse{}, latency, fmt.Errorf("%w: %w", domain.ErrProvider, domain.ErrEmptyCompletion)
	}
	return out, latency, nil
}

func (c *Client) setAttribution(r *http.Request) {
	if c.cfg.OpenRouterReferer != "" {
		r.Header.Set("HTTP-Referer", c.cfg.OpenRouterReferer)
	}
	if c.cfg.OpenRouterTitle != "" {
		r.Header.Set("X-Title", c.cfg.OpenRouterTitle)
	}
}

// classifyStatus maps HTTP status classes onto the error taxonomy:
// 429 upstream rate limit, other 4xx permanent, 5xx retryable provider error.
func classifyStatus(operation string, resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		slog.Warn("provider rate limited",
			slog.String("op", operation),
			slog.Int("status", resp.StatusCode),
			slog.String("x_request_id", resp.Header.Get("X-Request-Id")))
		return fmt.Errorf("%w: status 429", domain.ErrUpstreamRateLimit)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		slog.Warn("provider 4xx",
			slog.String("op", operation),
			slog.Int("status", resp.StatusCode),
			slog.String("x_request_id", resp.Header.Get("X-Request-Id")),
			slog.String("body", snippet(body, 512)))
		return fmt.Errorf("%w: %w: status %d", domain.ErrProvider, domain.ErrInvalidArgument, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		slog.Error("provider non-2xx",
			slog.String("op", operation),
			slog.Int("status", resp.StatusCode),
			slog.String("x_request_id", resp.Header.Get("X-Request-Id")),
			slog.String("body", snippet(body, 512)))
		return fmt.Errorf("%w: status %d", domain.ErrProvider, resp.StatusCode)
	}
	return nil
}

func classifyTransportError(operation string, err error) error {
	var netErr interface{ Timeout() bool }
	timedOut := errors.As(err, &netErr) && netErr.Timeout()
	slog.Error("provider request failed",
		slog.String("op", operation),
		slog.Bool("timeout", timedOut),
		slog.Any("error", err))
	if timedOut {
		return fmt.Errorf("%w: %w", domain.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrProvider, err)
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

func isImageMIME(mime string) bool {
	switch mime {
	case "image/jpeg", "image/png", "image/webp", "image/gif":
		return true
	}
	return false
}

func isAudioMIME(mime string) bool {
	switch mime {
	case "audio/ogg", "application/ogg", "audio/mpeg", "audio/wav", "audio/x-wav", "audio/flac", "audio/aac", "audio/mp4", "video/mp4", "video/webm":
		return true
	}
	return false
}
