// Package main is the entrypoint for the ReelFix API server.
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

	"github.com/joho/godotenv"

	"github.com/reelworks/reelfix/internal/ai"
	"github.com/reelworks/reelfix/internal/api"
	"github.com/reelworks/reelfix/internal/api/handler"
	mw "github.com/reelworks/reelfix/internal/api/middleware"
	"github.com/reelworks/reelfix/internal/api/response"
	"github.com/reelworks/reelfix/internal/blob"
	"github.com/reelworks/reelfix/internal/cache"
	"github.com/reelworks/reelfix/internal/config"
	"github.com/reelworks/reelfix/internal/dedup"
	"github.com/reelworks/reelfix/internal/entitlement"
	"github.com/reelworks/reelfix/internal/ledger"
	"github.com/reelworks/reelfix/internal/queue"
	"github.com/reelworks/reelfix/internal/store"
	"github.com/reelworks/reelfix/internal/transform"
	"github.com/reelworks/reelfix/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments use the environment directly
	_ = godotenv.Load()

	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env, "ai_provider", cfg.AI.Provider, "billing_policy", cfg.Billing.Policy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Cache (optional)
	var c cache.Cache = cache.NewNoopCache()
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()
		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		c = redisCache
		slog.Info("redis connected")
	}

	// 5. Dispatch queue. Without a broker the queue is in-process and this
	// server runs the worker pipeline itself (single-node mode).
	var q queue.Queue
	inProcessWorker := cfg.Queue.AMQPURL == ""
	if inProcessWorker {
		q = queue.NewMemoryQueue()
		slog.Warn("no AMQP URL configured, using in-process queue and worker")
	} else {
		q, err = queue.NewRabbitQueue(cfg.Queue.AMQPURL, cfg.Queue.Exchange, cfg.Queue.Prefetch)
		if err != nil {
			return fmt.Errorf("connect queue: %w", err)
		}
		slog.Info("amqp connected", "exchange", cfg.Queue.Exchange)
	}
	defer q.Close()

	// 6. Blob storage
	var blobs blob.Store
	if cfg.Blob.Endpoint != "" {
		blobs, err = blob.NewMinioStore(ctx, cfg.Blob)
		if err != nil {
			return fmt.Errorf("connect blob storage: %w", err)
		}
		slog.Info("blob storage connected", "bucket", cfg.Blob.Bucket)
	} else {
		blobs = blob.NewMemoryStore()
		slog.Warn("no blob endpoint configured, using in-memory media storage")
	}

	// 7. Domain services
	pgStore := store.NewPostgresStore(pool)
	ld := ledger.New(pgStore, cfg.Billing.PeriodLength)
	engine := dedup.New(pgStore, ld, q, cfg.Queue.TopicPrefix, cfg.Billing.Policy, slog.Default())
	reconciler := entitlement.New(pgStore, cfg.Billing.PeriodLength, slog.Default())

	if inProcessWorker {
		provider, err := ai.NewProvider(cfg.AI)
		if err != nil {
			return fmt.Errorf("create AI provider: %w", err)
		}
		pipeline := worker.New(pgStore, ld, provider, transform.NewImageTransformer(blobs),
			cfg.Worker, cfg.AI.InferenceTimeout, slog.Default())
		go func() {
			if err := pipeline.Run(ctx, q, cfg.Queue.TopicPrefix); err != nil {
				slog.Error("in-process worker stopped", "error", err)
			}
		}()
		slog.Info("in-process worker consuming",
			"topic_prefix", cfg.Queue.TopicPrefix, "provider", provider.Name())
	}

	// 8. Build router with dependencies
	deps := api.Dependencies{
		Auth:          mw.NewAuth(pgStore),
		RateLimit:     mw.NewRateLimit(c, 60),
		WebhookSecret: cfg.Billing.WebhookSecret,

		HealthHandler:  healthHandler(pgStore, c),
		UploadHandler:  handler.NewUploadHandler(blobs),
		SubmitHandler:  handler.NewSubmitJobHandler(engine, c),
		PollJobHandler: handler.NewPollJobHandler(pgStore, c),
		CreditsHandler: handler.NewCreditsHandler(ld),
		WebhookHandler: handler.NewBillingWebhookHandler(reconciler),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
