package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/wa-dispatcher/internal/bootstrap"
	"github.com/kursadbilgin/wa-dispatcher/internal/config"
	"github.com/kursadbilgin/wa-dispatcher/internal/handler"
	"github.com/kursadbilgin/wa-dispatcher/internal/observability"
	"github.com/kursadbilgin/wa-dispatcher/internal/queue"
	"github.com/kursadbilgin/wa-dispatcher/internal/service"
	"github.com/kursadbilgin/wa-dispatcher/internal/transport"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "wa-dispatcher-api")
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

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

	checks := []handler.ReadinessCheck{store.Check}
	if limiter.Check != nil {
		checks = append(checks, *limiter.Check)
	}

	// Runs go to the worker through RabbitMQ when it is configured and run
	// in this process otherwise.
	var (
		launcher service.Launcher
		local    *service.LocalLauncher
	)
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		rabbit, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL)
		if err != nil {
			logger.Fatal("rabbitmq initialization failed", zap.Error(err))
		}

		publisher := queue.NewRabbitMQPublisher(rabbit)
		defer publisher.Close() //nolint:errcheck

		launcher, err = service.NewQueueLauncher(publisher)
		if err != nil {
			logger.Fatal("queue launcher initialization failed", zap.Error(err))
		}
		checks = append(checks, handler.ConnectedCheck("rabbitmq", rabbit.Connected))
	} else {
		local, err = service.NewLocalLauncher(ctx, processor, logger)
		if err != nil {
			logger.Fatal("local launcher initialization failed", zap.Error(err))
		}
		launcher = local
	}

	dispatcher, err := service.NewDispatcher(store.Campaigns, store.Recipients, processor, launcher, service.DispatcherConfig{
		CredentialsConfigured: cfg.WhatsAppConfigured(),
		TemplateName:          cfg.WhatsAppTemplateName,
		LanguageCode:          cfg.WhatsAppLanguageCode,
		RateLimits:            bootstrap.RateLimits(cfg),
		Processor:             bootstrap.ProcessorConfig(cfg),
		BaseDelay:             cfg.BaseDelay,
		MaxDelay:              cfg.MaxDelay,
	}, logger)
	if err != nil {
		logger.Fatal("dispatcher initialization failed", zap.Error(err))
	}

	reaper, err := bootstrap.NewStaleRunReaper(cfg, store, metrics, logger)
	if err != nil {
		logger.Fatal("stale run reaper initialization failed", zap.Error(err))
	}
	go func() {
		if err := reaper.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("stale run reaper stopped", zap.Error(err))
		}
	}()

	app := fiber.New(fiber.Config{
		AppName:      "wa-dispatcher",
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, checks...)
	if err := handler.RegisterDispatchRoutes(app, dispatcher, transport.JWTAuth(cfg.AuthJWTSecret)); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}
	if cfg.AuthJWTSecret == "" {
		logger.Warn("AUTH_JWT_SECRET not set, /v1 routes are unauthenticated")
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	}()

	logger.Info("wa-dispatcher api started",
		zap.Int("port", cfg.APIPort),
		zap.String("driver", cfg.DatabaseDriver),
		zap.Bool("queue_launcher", local == nil),
	)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server stopped", zap.Error(err))
		}
		stop()
	}

	logger.Info("shutting down")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	if local != nil {
		// Canceled runs persist their failure before returning.
		local.Wait()
	}
	logger.Info("wa-dispatcher api stopped")
}
