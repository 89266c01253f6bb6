// Command server starts the AI gateway HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	ai "github.com/smartstudentbot/ai-gateway/internal/adapter/ai"
	"github.com/smartstudentbot/ai-gateway/internal/adapter/ai/models"
	"github.com/smartstudentbot/ai-gateway/internal/adapter/ai/openrouter"
	"github.com/smartstudentbot/ai-gateway/internal/adapter/ai/tokencount"
	httpserver "github.com/smartstudentbot/ai-gateway/internal/adapter/httpserver"
	"github.com/smartstudentbot/ai-gateway/internal/adapter/observability"
	"github.com/smartstudentbot/ai-gateway/internal/app"
	"github.com/smartstudentbot/ai-gateway/internal/config"
	"github.com/smartstudentbot/ai-gateway/internal/domain"
	"github.com/smartstudentbot/ai-gateway/internal/service/history"
	"github.com/smartstudentbot/ai-gateway/internal/service/prefs"
	"github.com/smartstudentbot/ai-gateway/internal/service/ratelimiter"
	"github.com/smartstudentbot/ai-gateway/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so /metrics exposes
	// HTTP and provider instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Per-user rate limiter: Redis-backed when an address is configured so
	// replicas share one quota, in-process otherwise.
	limiterCfg := ratelimiter.Config{
		Limit:             cfg.RateLimitPerWindow,
		Window:            cfg.RateLimitWindow,
		PremiumMultiplier: cfg.PremiumMultiplier,
	}
	var (
		limiter    ratelimiter.Limiter
		memLimiter *ratelimiter.MemoryLimiter
		rdb        *redis.Client
		redisCheck func(ctx context.Context) error
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { _ = rdb.Close() }()
		limiter = ratelimiter.NewRedisLimiter(rdb, limiterCfg)
		redisCheck = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		slog.Info("using redis rate limiter", slog.String("addr", cfg.RedisAddr))
	} else {
		memLimiter = ratelimiter.NewMemoryLimiter(limiterCfg)
		limiter = memLimiter
		slog.Info("using in-process rate limiter")
	}

	provider := openrouter.New(cfg)
	catalog := models.New(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL, cfg.ModelCatalogFallback, cfg.ModelCatalogRefresh)
	health := ai.NewHealthTracker(provider.Ping, cfg.KeepAliveInterval, cfg.WarmupCacheDuration, cfg.WarmupTimeout)
	histStore := history.NewStore(cfg.MaxHistory)
	registry := prefs.NewRegistry()
	stats := observability.NewStats(cfg.MetricsSampleSize)
	tokens := tokencount.NewCounter()

	maxAttempts, initialDelay, maxDelay, multiplier := cfg.GetRetryConfig()
	policy := domain.RetryPolicy{
		MaxAttempts:       maxAttempts,
		InitialDelay:      initialDelay,
		MaxDelay:          maxDelay,
		Multiplier:        multiplier,
		PerAttemptTimeout: cfg.ChatTimeout,
	}

	chat := usecase.NewChatService(provider, limiter, histStore, registry, catalog, health, tokens, stats, usecase.Options{
		MaxHistory:      cfg.MaxHistory,
		MaxPromptTokens: cfg.MaxPromptTokens,
		RetryPolicy:     policy,
		Fallback:        prefs.DefaultPolicy(cfg.DefaultChatModel),
	})

	// Best-effort startup priming: catalog first, then one warmup probe.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	if err := catalog.Refresh(startupCtx); err != nil {
		slog.Warn("initial catalog refresh failed", slog.Any("error", err))
	}
	if cfg.OpenRouterAPIKey != "" {
		if err := health.Warmup(startupCtx, true); err != nil {
			slog.Warn("initial warmup failed", slog.Any("error", err))
		}
	}
	cancelStartup()

	// Supervised background loops; each is cancelled and awaited at shutdown.
	tasks := []*app.Task{
		app.RunPeriodic("keep-alive", cfg.KeepAliveInterval, health.KeepAlivePing),
		app.RunPeriodic("history-sweep", cfg.SweepInterval, func(context.Context) {
			histStore.CleanupOld(cfg.HistoryMaxAge)
			observability.HistoryBuffers.Set(float64(histStore.Len()))
		}),
		app.RunPeriodic("prefs-sweep", cfg.SweepInterval, func(context.Context) {
			registry.Sweep(cfg.PreferenceMaxIdle)
		}),
	}
	if memLimiter != nil {
		tasks = append(tasks, app.RunPeriodic("limiter-cleanup", cfg.SweepInterval, func(context.Context) {
			memLimiter.Cleanup()
		}))
	}

	srv := httpserver.NewServer(cfg, chat, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	for _, t := range tasks {
		_ = t.Stop(shutdownCtx)
	}
	slog.Info("shutdown complete")
}
