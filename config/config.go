package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env         string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port        string `env:"PORT" envDefault:"8080" validate:"required"`
	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	StoreDriver    string `env:"STORE_DRIVER" envDefault:"postgres" validate:"oneof=postgres memory"`
	DatabaseURL    string `env:"DATABASE_URL" validate:"required_if=StoreDriver postgres,required_if=CodeStore postgres"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"false"`
	DBMaxConns     int32  `env:"DB_MAX_CONNS" envDefault:"20" validate:"min=1,max=500"`
	DBMinConns     int32  `env:"DB_MIN_CONNS" envDefault:"2" validate:"min=0,ltefield=DBMaxConns"`
	CodeStore      string `env:"CODE_STORE" envDefault:"postgres" validate:"oneof=memory redis postgres"`
	RedisURL       string `env:"REDIS_URL" validate:"required_if=CodeStore redis"`

	SessionSecret string        `env:"SESSION_SECRET,required" validate:"required,min=32"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"720h" validate:"gt=0"`
	CodeTTL       time.Duration `env:"CODE_TTL" envDefault:"10m" validate:"gt=0"`

	CacheTTL         time.Duration `env:"CACHE_TTL" envDefault:"60s" validate:"gt=0"`
	CacheGrace       time.Duration `env:"CACHE_GRACE" envDefault:"5m"`
	StoreTimeout     time.Duration `env:"STORE_TIMEOUT" envDefault:"3s" validate:"gt=0"`
	WebhookTimeout   time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s" validate:"gt=0"`
	WebhookTolerance time.Duration `env:"WEBHOOK_TOLERANCE" envDefault:"5m"`

	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	PaddleWebhookSecret string `env:"PADDLE_WEBHOOK_SECRET"`
	PolarWebhookSecret  string `env:"POLAR_WEBHOOK_SECRET"`

	ResendAPIKey string `env:"RESEND_API_KEY" validate:"required_if=Env production,required_if=Env staging"`
	ResendFrom   string `env:"RESEND_FROM"    validate:"required_if=Env production,required_if=Env staging"`

	LoginRatePerMin int    `env:"LOGIN_RATE_PER_MIN" envDefault:"10" validate:"min=1,max=1000"`
	SweepSchedule   string `env:"SWEEP_SCHEDULE" envDefault:"@every 1m" validate:"required"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.CodeStore == "postgres" && cfg.StoreDriver != "postgres" {
		return nil, fmt.Errorf("invalid config: CODE_STORE=postgres requires STORE_DRIVER=postgres")
	}

	return cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// CookieSecure reports whether cookies should carry the Secure attribute.
func (c *Config) CookieSecure() bool {
	return c.Env != "local"
}
