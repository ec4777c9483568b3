package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig sizes the pool for one process. The API server and the sweeper
// share a database, so each names itself and takes its own share of
// connections.
type PoolConfig struct {
	ApplicationName  string
	MaxConns         int32
	MinConns         int32
	StatementTimeout time.Duration
}

// DefaultPoolConfig is used by tools that do not load the service config.
func DefaultPoolConfig(app string) PoolConfig {
	return PoolConfig{ApplicationName: app, MaxConns: 4, MinConns: 0}
}

func NewPool(ctx context.Context, databaseURL string, pc PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := parsePoolConfig(databaseURL, pc)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return pool, nil
}

func parsePoolConfig(databaseURL string, pc PoolConfig) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	if pc.MaxConns < 1 || pc.MinConns < 0 || pc.MinConns > pc.MaxConns {
		return nil, fmt.Errorf("pool size: min %d, max %d", pc.MinConns, pc.MaxConns)
	}

	cfg.MaxConns = pc.MaxConns
	cfg.MinConns = pc.MinConns
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.ConnConfig.ConnectTimeout = 5 * time.Second

	if pc.ApplicationName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = pc.ApplicationName
	}
	// A statement stuck behind an order lock gives up server side too, not
	// only in the caller's context.
	if pc.StatementTimeout > 0 {
		cfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(pc.StatementTimeout.Milliseconds(), 10)
	}
	return cfg, nil
}
