package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/config"
)

const secret = "config-test-session-secret-32-chars"

func TestLoad_MemoryDefaults(t *testing.T) {
	t.Setenv("SESSION_SECRET", secret)
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("CODE_STORE", "memory")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != "local" || cfg.Port != "8080" {
		t.Errorf("env/port = %q/%q", cfg.Env, cfg.Port)
	}
	if cfg.CodeTTL != 10*time.Minute {
		t.Errorf("CodeTTL = %v, want 10m", cfg.CodeTTL)
	}
	if cfg.SessionTTL != 30*24*time.Hour {
		t.Errorf("SessionTTL = %v, want 720h", cfg.SessionTTL)
	}
	if cfg.WebhookTolerance != 5*time.Minute {
		t.Errorf("WebhookTolerance = %v, want 5m", cfg.WebhookTolerance)
	}
	if cfg.DBMaxConns != 20 || cfg.DBMinConns != 2 {
		t.Errorf("pool = %d..%d, want 2..20", cfg.DBMinConns, cfg.DBMaxConns)
	}
	if cfg.CookieSecure() {
		t.Error("CookieSecure() = true in local")
	}
	if cfg.SlogLevel() != slog.LevelInfo {
		t.Errorf("SlogLevel() = %v, want info", cfg.SlogLevel())
	}
}

func TestLoad_PostgresRequiresDatabaseURL(t *testing.T) {
	t.Setenv("SESSION_SECRET", secret)
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("CODE_STORE", "memory")
	t.Setenv("DATABASE_URL", "")

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	}
}

func TestLoad_PoolMinAboveMaxRejected(t *testing.T) {
	t.Setenv("SESSION_SECRET", secret)
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("CODE_STORE", "memory")
	t.Setenv("DB_MAX_CONNS", "4")
	t.Setenv("DB_MIN_CONNS", "8")

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error for DB_MIN_CONNS above DB_MAX_CONNS")
	}
}

func TestLoad_RedisRequiresURL(t *testing.T) {
	t.Setenv("SESSION_SECRET", secret)
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("CODE_STORE", "redis")
	t.Setenv("REDIS_URL", "")

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error without REDIS_URL")
	}
}

func TestLoad_PostgresCodesNeedPostgresLedger(t *testing.T) {
	t.Setenv("SESSION_SECRET", secret)
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("CODE_STORE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/entitlements")

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error for postgres codes on memory ledger")
	}
}

func TestLoad_ShortSecretRejected(t *testing.T) {
	t.Setenv("SESSION_SECRET", "too-short")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("CODE_STORE", "memory")

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestLoad_ProductionNeedsResend(t *testing.T) {
	t.Setenv("SESSION_SECRET", secret)
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("CODE_STORE", "memory")
	t.Setenv("ENV", "production")
	t.Setenv("RESEND_API_KEY", "")
	t.Setenv("RESEND_FROM", "")

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error without Resend settings")
	}

	t.Setenv("RESEND_API_KEY", "re_test")
	t.Setenv("RESEND_FROM", "login@example.com")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.CookieSecure() {
		t.Error("CookieSecure() = false in production")
	}
}
