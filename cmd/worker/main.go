package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/kursadbilgin/wa-dispatcher/internal/bootstrap"
	"github.com/kursadbilgin/wa-dispatcher/internal/config"
	"github.com/kursadbilgin/wa-dispatcher/internal/observability"
	"github.com/kursadbilgin/wa-dispatcher/internal/queue"
	"github.com/kursadbilgin/wa-dispatcher/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "wa-dispatcher-worker")
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.RabbitMQURL == "" {
		logger.Fatal("RABBITMQ_URL is required for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		logger.Fatal("store initialization failed", zap.String("driver", cfg.DatabaseDriver), zap.Error(err))
	}
	defer store.Close() //nolint:errcheck

	limiter, err := bootstrap.NewLimiter(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}
	defer limiter.Close() //nolint:errcheck

	metrics := observability.NewMetrics()

	processor, err := bootstrap.NewProcessor(cfg, store, limiter, metrics, logger)
	if err != nil {
		logger.Fatal("campaign processor initialization failed", zap.Error(err))
	}

	rabbit, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}

	consumer := queue.NewRabbitMQConsumer(rabbit, 1, logger)
	defer consumer.Close() //nolint:errcheck

	worker, err := service.NewWorker(consumer, processor, cfg.WorkerConcurrency, logger)
	if err != nil {
		logger.Fatal("worker initialization failed", zap.Error(err))
	}

	reaper, err := bootstrap.NewStaleRunReaper(cfg, store, metrics, logger)
	if err != nil {
		logger.Fatal("stale run reaper initialization failed", zap.Error(err))
	}

	logger.Info("wa-dispatcher worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.String("driver", cfg.DatabaseDriver),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Start(gctx) })
	g.Go(func() error { return reaper.Start(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
	}
	logger.Info("wa-dispatcher worker stopped")
}
