// sweeper purges expired one-time login codes from Postgres on the
// SWEEP_SCHEDULE cron spec. Run one instance per database.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/config"
	"github.com/ErlanBelekov/pro-entitlements/internal/health"
	"github.com/ErlanBelekov/pro-entitlements/internal/infrastructure/postgres"
	ctxlog "github.com/ErlanBelekov/pro-entitlements/internal/log"
	"github.com/ErlanBelekov/pro-entitlements/internal/metrics"
	"github.com/ErlanBelekov/pro-entitlements/internal/scheduler"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("config: DATABASE_URL is required for the sweeper")
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolConfig{
		ApplicationName:  "entitlements-sweeper",
		MaxConns:         2,
		MinConns:         0,
		StatementTimeout: cfg.StoreTimeout,
	})
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	logger.Info("db connected")

	codes := postgres.NewCodeRepository(pool)
	sweeper, err := scheduler.NewSweeper(codes, cfg.SweepSchedule, cfg.StoreTimeout, logger)
	if err != nil {
		stop()
		log.Fatalf("sweeper: %v", err)
	}

	metrics.Register()

	if *once {
		purged := sweeper.Sweep(ctx)
		logger.Info("sweep finished", "purged", purged)
		stop()
		return
	}

	checker := health.NewChecker(map[string]health.Pinger{"postgres": codes}, logger, prometheus.DefaultRegisterer)
	go sweeper.Start(ctx)

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
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
