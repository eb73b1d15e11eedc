// Package main is the entrypoint for the ReelFix job worker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/reelworks/reelfix/internal/ai"
	"github.com/reelworks/reelfix/internal/blob"
	"github.com/reelworks/reelfix/internal/config"
	"github.com/reelworks/reelfix/internal/ledger"
	"github.com/reelworks/reelfix/internal/queue"
	"github.com/reelworks/reelfix/internal/store"
	"github.com/reelworks/reelfix/internal/transform"
	"github.com/reelworks/reelfix/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Queue.AMQPURL == "" {
		return fmt.Errorf("a standalone worker requires AMQP_URL")
	}
	slog.Info("config loaded",
		"ai_provider", cfg.AI.Provider, "lease_ttl", cfg.Worker.LeaseTTL, "max_attempts", cfg.Worker.MaxAttempts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	q, err := queue.NewRabbitQueue(cfg.Queue.AMQPURL, cfg.Queue.Exchange, cfg.Queue.Prefetch)
	if err != nil {
		return fmt.Errorf("connect queue: %w", err)
	}
	defer q.Close()
	slog.Info("amqp connected", "exchange", cfg.Queue.Exchange)

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

	provider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", provider.Name())

	pgStore := store.NewPostgresStore(pool)
	ld := ledger.New(pgStore, cfg.Billing.PeriodLength)
	transformer := transform.NewImageTransformer(blobs)

	pipeline := worker.New(pgStore, ld, provider, transformer, cfg.Worker, cfg.AI.InferenceTimeout, slog.Default())

	slog.Info("worker consuming", "topic_prefix", cfg.Queue.TopicPrefix)
	if err := pipeline.Run(ctx, q, cfg.Queue.TopicPrefix); err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}
