package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
)

type Config struct {
	DatabaseDriver string `env:"DATABASE_DRIVER,default=postgres"`
	DatabaseDSN    string `env:"DATABASE_DSN"`
	MongoURI       string `env:"MONGO_URI"`
	MongoDatabase  string `env:"MONGO_DATABASE,default=wa_dispatcher"`
	RedisURL       string `env:"REDIS_URL"`
	RabbitMQURL    string `env:"RABBITMQ_URL"`

	WhatsAppAPIURL         string        `env:"WHATSAPP_API_URL,default=https://graph.facebook.com/v19.0"`
	WhatsAppAccessToken    string        `env:"WHATSAPP_ACCESS_TOKEN"`
	WhatsAppPhoneNumberID  string        `env:"WHATSAPP_PHONE_NUMBER_ID"`
	WhatsAppTemplateName   string        `env:"WHATSAPP_TEMPLATE_NAME"`
	WhatsAppLanguageCode   string        `env:"WHATSAPP_LANGUAGE_CODE,default=id"`
	WhatsAppHeaderImageURL string        `env:"WHATSAPP_HEADER_IMAGE_URL"`
	WhatsAppTimeout        time.Duration `env:"WHATSAPP_TIMEOUT,default=15s"`

	RateLimitPerSecond int           `env:"RATE_LIMIT_PER_SECOND,default=3"`
	RateLimitPerMinute int           `env:"RATE_LIMIT_PER_MINUTE,default=80"`
	RateLimitPerHour   int           `env:"RATE_LIMIT_PER_HOUR,default=1000"`
	RateLimitCooldown  time.Duration `env:"RATE_LIMIT_COOLDOWN,default=5m"`

	BaseDelay       time.Duration `env:"BASE_DELAY,default=1s"`
	MaxDelay        time.Duration `env:"MAX_DELAY,default=10s"`
	BatchSize       int           `env:"BATCH_SIZE,default=50"`
	BatchDelay      time.Duration `env:"BATCH_DELAY,default=60s"`
	RateLimitPause  time.Duration `env:"RATE_LIMIT_PAUSE,default=30s"`
	SendMaxRetries  int           `env:"SEND_MAX_RETRIES,default=3"`
	SendBaseBackoff time.Duration `env:"SEND_BASE_BACKOFF,default=1s"`

	StaleRunTimeout      time.Duration `env:"STALE_RUN_TIMEOUT,default=2h"`
	StaleRunScanInterval time.Duration `env:"STALE_RUN_SCAN_INTERVAL,default=1m"`

	AuthJWTSecret     string `env:"AUTH_JWT_SECRET"`
	APIPort           int    `env:"API_PORT,default=8080"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY,default=2"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load(envFiles ...string) (*Config, error) {
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.DatabaseDriver = strings.ToLower(strings.TrimSpace(c.DatabaseDriver))

	switch c.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("DATABASE_DSN is required for driver %q", c.DatabaseDriver)
		}
	case DriverMongo:
		if strings.TrimSpace(c.MongoURI) == "" {
			return fmt.Errorf("MONGO_URI is required for driver %q", c.DatabaseDriver)
		}
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.SendMaxRetries < 0 {
		return fmt.Errorf("SEND_MAX_RETRIES must not be negative, got %d", c.SendMaxRetries)
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("MAX_DELAY (%s) must not be below BASE_DELAY (%s)", c.MaxDelay, c.BaseDelay)
	}
	if c.StaleRunTimeout <= c.BatchDelay {
		return fmt.Errorf("STALE_RUN_TIMEOUT (%s) must exceed BATCH_DELAY (%s)", c.StaleRunTimeout, c.BatchDelay)
	}
	if c.WorkerConcurrency < 1 {
		c.WorkerConcurrency = 1
	}

	return nil
}

// WhatsAppConfigured reports whether the messaging API credentials are set.
func (c *Config) WhatsAppConfigured() bool {
	return strings.TrimSpace(c.WhatsAppAccessToken) != "" && strings.TrimSpace(c.WhatsAppPhoneNumberID) != ""
}

func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}

	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}
