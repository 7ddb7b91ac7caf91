// Package bootstrap assembles the pieces shared by the api and worker
// binaries from a loaded Config.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/wa-dispatcher/internal/config"
	"github.com/kursadbilgin/wa-dispatcher/internal/handler"
	"github.com/kursadbilgin/wa-dispatcher/internal/infra/mongodb"
	"github.com/kursadbilgin/wa-dispatcher/internal/infra/postgresql"
	"github.com/kursadbilgin/wa-dispatcher/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/wa-dispatcher/internal/infra/redis"
	"github.com/kursadbilgin/wa-dispatcher/internal/observability"
	"github.com/kursadbilgin/wa-dispatcher/internal/provider"
	"github.com/kursadbilgin/wa-dispatcher/internal/ratelimit"
	"github.com/kursadbilgin/wa-dispatcher/internal/repository"
	mongorepo "github.com/kursadbilgin/wa-dispatcher/internal/repository/mongodb"
	"github.com/kursadbilgin/wa-dispatcher/internal/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Store bundles the repositories of the configured backend.
type Store struct {
	Campaigns  repository.CampaignRepository
	Recipients repository.RecipientRepository
	Check      handler.ReadinessCheck
	close      func() error
}

func (s *Store) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}

// OpenStore connects the backend selected by DATABASE_DRIVER. SQL backends are
// migrated and mongo collections get their indexes before the store is
// returned.
func OpenStore(ctx context.Context, cfg *config.Config) (*Store, error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		return gormStore(db, "postgres")
	case config.DriverSQLite:
		db, err := postgresql.NewSQLite(cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		return gormStore(db, "sqlite")
	case config.DriverMongo:
		client, db, err := mongodb.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		campaigns := mongorepo.NewCampaignRepo(db)
		recipients := mongorepo.NewRecipientRepo(db)
		if err := campaigns.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("failed to ensure campaign indexes: %w", err)
		}
		if err := recipients.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("failed to ensure recipient indexes: %w", err)
		}
		return &Store{
			Campaigns:  campaigns,
			Recipients: recipients,
			Check:      handler.MongoCheck(client),
			close:      func() error { return client.Disconnect(context.Background()) },
		}, nil
	}

	return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
}

func gormStore(db *gorm.DB, name string) (*Store, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database migrations failed: %w", err)
	}

	return &Store{
		Campaigns:  repository.NewGormCampaignRepo(db),
		Recipients: repository.NewGormRecipientRepo(db),
		Check:      handler.SQLCheck(name, sqlDB),
		close:      sqlDB.Close,
	}, nil
}

// Limiter is the rate limiter plus the readiness check and closer of its
// backing client, if any.
type Limiter struct {
	ratelimit.RateLimiter
	Check *handler.ReadinessCheck
	close func() error
}

func (l *Limiter) Close() error {
	if l == nil || l.close == nil {
		return nil
	}
	return l.close()
}

// NewLimiter returns a Redis-backed limiter when REDIS_URL is set, shared by
// every process on that Redis, and an in-process limiter otherwise.
func NewLimiter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Limiter, error) {
	limits := RateLimits(cfg)

	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn("REDIS_URL not set, using in-process rate limiter")
		return &Limiter{RateLimiter: ratelimit.NewSlidingWindowLimiter(limits)}, nil
	}

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	limiter, err := infraredis.NewRedisRateLimiter(rdb, limits)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	check := handler.RedisCheck(rdb)
	return &Limiter{RateLimiter: limiter, Check: &check, close: rdb.Close}, nil
}

func RateLimits(cfg *config.Config) ratelimit.Config {
	return ratelimit.Config{
		PerSecond: cfg.RateLimitPerSecond,
		PerMinute: cfg.RateLimitPerMinute,
		PerHour:   cfg.RateLimitPerHour,
		Cooldown:  cfg.RateLimitCooldown,
	}
}

func ProcessorConfig(cfg *config.Config) service.ProcessorConfig {
	return service.ProcessorConfig{
		BatchSize:           cfg.BatchSize,
		BatchDelay:          cfg.BatchDelay,
		RateLimitPause:      cfg.RateLimitPause,
		DefaultTemplateName: cfg.WhatsAppTemplateName,
	}
}

// NewProvider returns the Cloud API client, or a provider that refuses every
// send when credentials are missing.
func NewProvider(cfg *config.Config, logger *zap.Logger) (provider.Provider, error) {
	if !cfg.WhatsAppConfigured() {
		logger.Warn("whatsapp credentials not configured, sends are disabled")
		return provider.Unconfigured{}, nil
	}

	return provider.NewWhatsAppProvider(provider.WhatsAppConfig{
		BaseURL:       cfg.WhatsAppAPIURL,
		AccessToken:   cfg.WhatsAppAccessToken,
		PhoneNumberID: cfg.WhatsAppPhoneNumberID,
		Timeout:       cfg.WhatsAppTimeout,
	})
}

// NewProcessor wires sender, limiter and pacing into a campaign processor.
func NewProcessor(
	cfg *config.Config,
	store *Store,
	limiter ratelimit.RateLimiter,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*service.CampaignProcessor, error) {
	p, err := NewProvider(cfg, logger)
	if err != nil {
		return nil, err
	}

	sender, err := service.NewMessageSender(p, service.SenderConfig{
		MaxRetries:     cfg.SendMaxRetries,
		BaseBackoff:    cfg.SendBaseBackoff,
		LanguageCode:   cfg.WhatsAppLanguageCode,
		HeaderImageURL: cfg.WhatsAppHeaderImageURL,
	}, logger)
	if err != nil {
		return nil, err
	}
	sender.SetMetrics(metrics)

	processor, err := service.NewCampaignProcessor(
		store.Campaigns,
		store.Recipients,
		sender,
		limiter,
		ratelimit.NewAdaptiveDelay(cfg.BaseDelay, cfg.MaxDelay),
		ProcessorConfig(cfg),
		logger,
	)
	if err != nil {
		return nil, err
	}
	processor.SetMetrics(metrics)

	return processor, nil
}

// NewStaleRunReaper builds the reaper both binaries run in the background.
func NewStaleRunReaper(cfg *config.Config, store *Store, metrics *observability.Metrics, logger *zap.Logger) (*service.StaleRunReaper, error) {
	reaper, err := service.NewStaleRunReaper(store.Campaigns, cfg.StaleRunScanInterval, cfg.StaleRunTimeout, logger)
	if err != nil {
		return nil, err
	}
	reaper.SetMetrics(metrics)
	return reaper, nil
}
