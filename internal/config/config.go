// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	OpenRouterAPIKey  string `env:"OPENROUTER_API_KEY"`
	OpenRouterBaseURL string `env:"OPENROUTER_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`
	OpenRouterReferer string `env:"OPENROUTER_REFERER"`
	OpenRouterTitle   string `env:"OPENROUTER_TITLE" envDefault:"SmartStudent AI Gateway"`

	// Models
	DefaultChatModel string `env:"DEFAULT_CHAT_MODEL" envDefault:"meta-llama/llama-3.1-8b-instruct:free"`
	VisionModel      string `env:"VISION_MODEL" envDefault:"meta-llama/llama-3.2-11b-vision-instruct:free"`
	TranscribeModel  string `env:"TRANSCRIBE_MODEL" envDefault:"whisper-1"`
	// ModelCatalogRefresh: how often to refresh the list of available models.
	ModelCatalogRefresh time.Duration `env:"MODEL_CATALOG_REFRESH" envDefault:"1h"`
	// ModelCatalogFallback points at a static YAML catalog used when the
	// aggregator's /models endpoint is unreachable at startup.
	ModelCatalogFallback string `env:"MODEL_CATALOG_FALLBACK"`

	// Provider call budgets
	ChatTimeout         time.Duration `env:"CHAT_TIMEOUT" envDefault:"60s"`
	TranscribeTimeout   time.Duration `env:"TRANSCRIBE_TIMEOUT" envDefault:"90s"`
	VisionTimeout       time.Duration `env:"VISION_TIMEOUT" envDefault:"90s"`
	MaxCompletionTokens int           `env:"MAX_COMPLETION_TOKENS" envDefault:"1024"`
	// MaxPromptTokens caps the estimated size of message+history fed to the
	// provider; oversized requests are rejected before the call.
	MaxPromptTokens int `env:"MAX_PROMPT_TOKENS" envDefault:"8000"`

	// Retry configuration for provider calls
	RetryMaxAttempts  int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryInitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"2s"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	RetryMultiplier   float64       `env:"RETRY_MULTIPLIER" envDefault:"2.0"`

	// Health tracking
	KeepAliveInterval   time.Duration `env:"KEEP_ALIVE_INTERVAL" envDefault:"5m"`
	WarmupCacheDuration time.Duration `env:"WARMUP_CACHE_DURATION" envDefault:"1m"`
	WarmupTimeout       time.Duration `env:"WARMUP_TIMEOUT" envDefault:"15s"`

	// Per-user rate limiting (sliding log)
	RateLimitPerWindow int           `env:"RATE_LIMIT_PER_WINDOW" envDefault:"10"`
	RateLimitWindow    time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`
	PremiumMultiplier  int           `env:"PREMIUM_MULTIPLIER" envDefault:"3"`
	// RedisAddr enables the Redis-backed limiter when set; empty keeps the
	// in-process limiter.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Conversation history
	MaxHistory    int           `env:"MAX_HISTORY" envDefault:"10"`
	HistoryMaxAge time.Duration `env:"HISTORY_MAX_AGE" envDefault:"24h"`

	// User model preferences
	PreferenceMaxIdle time.Duration `env:"PREFERENCE_MAX_IDLE" envDefault:"72h"`

	// Background sweeps (history, preferences, limiter)
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"10m"`

	// HTTP server
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	HTTPRateLimitPerMin   int           `env:"HTTP_RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"120s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxUploadMB           int64         `env:"MAX_UPLOAD_MB" envDefault:"10"`

	// Observability
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"ai-gateway"`
	// MetricsSampleSize bounds the in-process ring buffer of recent
	// response-time samples.
	MetricsSampleSize int `env:"METRICS_SAMPLE_SIZE" envDefault:"256"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// GetRetryConfig returns retry settings appropriate for the current environment.
// In test environments, delays shrink so suites stay fast.
func (c Config) GetRetryConfig() (maxAttempts int, initialDelay, maxDelay time.Duration, multiplier float64) {
	if c.IsTest() {
		return c.RetryMaxAttempts, 10 * time.Millisecond, 100 * time.Millisecond, 2.0
	}
	return c.RetryMaxAttempts, c.RetryInitialDelay, c.RetryMaxDelay, c.RetryMultiplier
}
