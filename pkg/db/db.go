// Package db holds the shared pgx pool setup for stores backed by Postgres.
package db

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNoDSN = errors.New("PACT_DATABASE_URL is required")

// Connect opens a pool with the project's standard sizing and health checks.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	return pgxpool.NewWithConfig(ctx, cfg)
}

// ConnectEnv connects using the PACT_DATABASE_URL environment variable.
func ConnectEnv(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := os.Getenv("PACT_DATABASE_URL")
	if dsn == "" {
		return nil, ErrNoDSN
	}
	return Connect(ctx, dsn)
}
