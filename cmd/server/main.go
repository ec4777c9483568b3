package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/config"
	"github.com/ErlanBelekov/pro-entitlements/internal/cache"
	"github.com/ErlanBelekov/pro-entitlements/internal/email"
	"github.com/ErlanBelekov/pro-entitlements/internal/health"
	"github.com/ErlanBelekov/pro-entitlements/internal/infrastructure/memory"
	"github.com/ErlanBelekov/pro-entitlements/internal/infrastructure/postgres"
	"github.com/ErlanBelekov/pro-entitlements/internal/infrastructure/redisstore"
	ctxlog "github.com/ErlanBelekov/pro-entitlements/internal/log"
	"github.com/ErlanBelekov/pro-entitlements/internal/metrics"
	"github.com/ErlanBelekov/pro-entitlements/internal/repository"
	"github.com/ErlanBelekov/pro-entitlements/internal/scheduler"
	"github.com/ErlanBelekov/pro-entitlements/internal/session"
	httptransport "github.com/ErlanBelekov/pro-entitlements/internal/transport/http"
	"github.com/ErlanBelekov/pro-entitlements/internal/transport/http/handler"
	"github.com/ErlanBelekov/pro-entitlements/internal/transport/http/middleware"
	"github.com/ErlanBelekov/pro-entitlements/internal/usecase"
	"github.com/ErlanBelekov/pro-entitlements/internal/webhook"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
)

type codeStore interface {
	repository.CodeRepository
	health.Pinger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	deps := map[string]health.Pinger{}

	// Ledger
	var pool *pgxpool.Pool
	var records repository.EntitlementRepository
	var links repository.CustomerLinkRepository
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.MigrateOnStart {
			if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
				stop()
				log.Fatalf("migrate: %v", err)
			}
			logger.Info("migrations applied")
		}
		pool, err = postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			ApplicationName:  "entitlements-api",
			MaxConns:         cfg.DBMaxConns,
			MinConns:         cfg.DBMinConns,
			StatementTimeout: cfg.StoreTimeout,
		})
		if err != nil {
			stop()
			log.Fatalf("db: %v", err)
		}
		defer pool.Close()
		repo := postgres.NewEntitlementRepository(pool)
		records, links = repo, repo
		deps["postgres"] = repo
	default:
		logger.Warn("ledger is in memory, purchases are lost on restart")
		repo := memory.NewEntitlementRepository()
		records, links = repo, repo
	}

	// One-time codes
	var codes codeStore
	switch cfg.CodeStore {
	case "redis":
		client, err := redisstore.Connect(ctx, cfg.RedisURL)
		if err != nil {
			stop()
			log.Fatalf("redis: %v", err)
		}
		defer client.Close()
		codes = redisstore.NewCodeRepository(client)
		deps["redis"] = codes
	case "postgres":
		codes = postgres.NewCodeRepository(pool)
	default:
		codes = memory.NewCodeRepository()
	}

	// Entitlements
	ledger := usecase.NewLedgerUsecase(records, links, cfg.StoreTimeout, logger)
	entitlements := cache.New(ledger, cfg.CacheTTL, cfg.CacheGrace, logger)

	// Webhooks
	providerCfg := func(secret string) webhook.ProviderConfig {
		return webhook.ProviderConfig{Secret: secret, ReplayWindow: cfg.WebhookTolerance}
	}
	dispatcher := webhook.NewDispatcher(ledger, entitlements, cfg.WebhookTimeout, logger,
		webhook.NewStripe(providerCfg(cfg.StripeWebhookSecret)),
		webhook.NewPaddle(providerCfg(cfg.PaddleWebhookSecret)),
		webhook.NewPolar(providerCfg(cfg.PolarWebhookSecret)),
	)

	// Login
	sessions := session.NewIssuer([]byte(cfg.SessionSecret), cfg.SessionTTL)
	sender := email.NewSender(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, logger)
	authUsecase := usecase.NewAuthUsecase(codes, sender, sessions, cfg.CodeTTL, logger)
	loginLimiter := middleware.NewRateLimiter(cfg.LoginRatePerMin, 5*time.Minute)
	defer loginLimiter.Stop()

	// Postgres codes are swept by cmd/sweeper; redis expires them itself.
	if cfg.CodeStore == "memory" {
		sweeper, err := scheduler.NewSweeper(codes, cfg.SweepSchedule, cfg.StoreTimeout, logger)
		if err != nil {
			stop()
			log.Fatalf("sweeper: %v", err)
		}
		go sweeper.Start(ctx)
	}

	cookies := handler.CookieConfig{Secure: cfg.CookieSecure()}
	router := httptransport.NewRouter(logger, httptransport.Handlers{
		Auth:        handler.NewAuthHandler(authUsecase, cookies, logger),
		Entitlement: handler.NewEntitlementHandler(entitlements, ledger, cookies, cfg.SessionTTL, logger),
		Webhook:     handler.NewWebhookHandler(dispatcher, logger),
	}, httptransport.Options{
		Sessions:     sessions,
		LoginLimiter: loginLimiter,
		HSTS:         cfg.CookieSecure(),
	})

	metrics.Register()
	checker := health.NewChecker(deps, logger, prometheus.DefaultRegisterer)

	srv := http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)

	go func() {
		logger.Info("server started", "port", cfg.Port, "store", cfg.StoreDriver, "codes", cfg.CodeStore)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
