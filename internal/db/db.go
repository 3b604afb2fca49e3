package db

import (
	"context"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ConnectAttempts bounds how many times Connect dials before giving up;
// postgres often comes up after the services in compose.
const ConnectAttempts = 3

// opener builds and verifies a pool from a parsed config
type opener func(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error)

// Connect establishes a connection pool to the database and returns the pool
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	return connect(ctx, dsn, retryConfig(500*time.Millisecond), open)
}

func retryConfig(initialDelay time.Duration) retry.Config {
	return retry.Config{
		MaxAttempts:   ConnectAttempts,
		InitialDelay:  initialDelay,
		BackoffPolicy: retry.BackoffExponential,
	}
}

func connect(ctx context.Context, dsn string, rc retry.Config, dial opener) (*pgxpool.Pool, error) {
	// Parse config from DSN; a bad DSN is never retried
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10

	return retry.New[*pgxpool.Pool](rc).Do(ctx, func(ctx context.Context) (*pgxpool.Pool, error) {
		return dial(ctx, cfg)
	})
}

func open(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	// Ping the database to verify connection
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
