package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/smartstudentbot/ai-gateway/internal/config"
	"github.com/smartstudentbot/ai-gateway/internal/domain"
	"github.com/smartstudentbot/ai-gateway/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Chat       *usecase.ChatService
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, chat *usecase.ChatService, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Chat: chat, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type chatRequest struct {
	UserID  string `json:"user_id" validate:"required,max=64"`
	Message string `json:"message" validate:"required,max=8192"`
	Premium bool   `json:"premium"`
}

type chatResponse struct {
	RequestID   string `json:"request_id"`
	Reply       string `json:"reply"`
	Model       string `json:"model"`
	LatencyMS   int64  `json:"latency_ms"`
	ContextUsed bool   `json:"context_used"`
}

// ChatHandler answers a user message with conversation context.
func (s *Server) ChatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}

		reply, err := s.Chat.Chat(r.Context(), req.UserID, req.Message, req.Premium)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, chatResponse{
			RequestID:   reply.RequestID,
			Reply:       reply.Text,
			Model:       reply.Model,
			LatencyMS:   reply.Latency.Milliseconds(),
			ContextUsed: reply.ContextUsed,
		})
	}
}

// TranscribeHandler converts an uploaded voice message to text.
func (s *Server) TranscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, data, err := s.readUpload(w, r, "audio")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		mime := mimetype.Detect(data)
		if !strings.HasPrefix(mime.String(), "audio/") && !strings.HasPrefix(mime.String(), "video/") {
			writeError(w, r, fmt.Errorf("%w: unsupported audio type %s", domain.ErrInvalidArgument, mime.String()),
				map[string]string{"mime": mime.String()})
			return
		}

		lang := r.FormValue("language")
		premium := r.FormValue("premium") == "true"
		text, err := s.Chat.Transcribe(r.Context(), userID, data, lang, premium)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"text": text})
	}
}

// VisionHandler answers a prompt about an uploaded image.
func (s *Server) VisionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, data, err := s.readUpload(w, r, "image")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		mime := mimetype.Detect(data)
		if !strings.HasPrefix(mime.String(), "image/") {
			writeError(w, r, fmt.Errorf("%w: unsupported image type %s", domain.ErrInvalidArgument, mime.String()),
				map[string]string{"mime": mime.String()})
			return
		}

		prompt := r.FormValue("prompt")
		if prompt == "" {
			prompt = "Describe this image."
		}
		premium := r.FormValue("premium") == "true"
		text, err := s.Chat.DescribeImage(r.Context(), userID, data, prompt, premium)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"text": text})
	}
}

// readUpload parses a capped multipart form and returns the user id plus the
// named file's bytes.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request, field string) (string, []byte, error) {
	if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
		return "", nil, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument)
	}
	maxBytes := s.Cfg.MaxUploadMB * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return "", nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	userID := r.FormValue("user_id")
	if userID == "" {
		return "", nil, fmt.Errorf("%w: user_id required", domain.ErrInvalidArgument)
	}
	f, _, err := r.FormFile(field)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s file required", domain.ErrInvalidArgument, field)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s read: %v", domain.ErrInvalidArgument, field, err)
	}
	return userID, data, nil
}

// ModelsHandler lists the free models currently available.
func (s *Server) ModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := s.Chat.Models(r.Context())
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrProvider, err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": ids})
	}
}

type preferenceRequest struct {
	UserID string `json:"user_id" validate:"required,max=64"`
	Model  string `json:"model" validate:"required,max=128"`
}

// SetModelHandler records a user's model preference.
func (s *Server) SetModelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req preferenceRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Chat.SetModel(r.Context(), req.UserID, req.Model); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"user_id": req.UserID, "model": req.Model})
	}
}

// HistoryHandler returns the user's replayable conversation context.
func (s *Server) HistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if userID == "" {
			writeError(w, r, fmt.Errorf("%w: userID required", domain.ErrInvalidArgument), nil)
			return
		}
		msgs := s.Chat.History(userID)
		out := make([]map[string]string, len(msgs))
		for i, m := range msgs {
			out[i] = map[string]string{"role": string(m.Role), "content": m.Content}
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "messages": out})
	}
}

// ClearHistoryHandler drops the user's buffer.
func (s *Server) ClearHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if userID == "" {
			writeError(w, r, fmt.Errorf("%w: userID required", domain.ErrInvalidArgument), nil)
			return
		}
		n := s.Chat.ClearHistory(userID)
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "removed": n})
	}
}

// StatsHandler reports in-process counters and latency samples.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Chat.Stats())
	}
}

// ResetStatsHandler swaps in fresh counters and returns the prior snapshot.
func (s *Server) ResetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Chat.ResetStats())
	}
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler reports readiness: provider warmth plus the Redis backend
// when one is configured.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := s.Chat.Health()
		checks := map[string]any{
			"provider_ready":       health.IsReady,
			"consecutive_failures": health.ConsecutiveFailures,
		}
		status := http.StatusOK
		if s.RedisCheck != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.RedisCheck(ctx); err != nil {
				checks["redis"] = err.Error()
				status = http.StatusServiceUnavailable
			} else {
				checks["redis"] = "ok"
			}
		}
		writeJSON(w, status, checks)
	}
}

// decodeJSON parses and validates a JSON request body.
func decodeJSON(r *http.Request, v any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
		return fmt.Errorf("%w: content-type must be application/json", domain.ErrInvalidArgument)
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if err := getValidator().Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}
