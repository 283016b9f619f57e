// Package db manages the Postgres connection pool backing the LSA history
// audit log.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// NewPool opens the history-audit connection pool and blocks until a ping
// succeeds, so a misconfigured DSN fails dvpnd's startup rather than its
// first flush.
func NewPool(ctx context.Context, dsn string, maxConns, minConns int32, logger *zap.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing history DSN: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating history pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging history database: %w", err)
	}

	logger.Info("history database pool ready", zap.Int32("max_conns", maxConns), zap.Int32("min_conns", minConns))
	return pool, nil
}

func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	return pool.Ping(ctx)
}
