// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package store opens the PostgreSQL connection pool and owns the accounts
// schema migrations.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// PoolConfig tunes OpenPool.
type PoolConfig struct {
	// MaxConns caps the pool size. Zero keeps the pgxpool default.
	MaxConns int32

	// ConnectAttempts bounds how often the initial ping is retried.
	// Defaults to 5.
	ConnectAttempts uint64

	// ConnectBackoff is the first delay between ping attempts.
	// Defaults to 200ms.
	ConnectBackoff time.Duration
}

// OpenPool creates a pgx pool for dsn and waits until the database answers
// a ping, retrying with exponential backoff.
func OpenPool(ctx context.Context, dsn string, cfg PoolConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, oops.Code("DB_CONFIG_INVALID").With("operation", "parse database url").Wrap(err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnectAttempts == 0 {
		cfg.ConnectAttempts = 5
	}
	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = 200 * time.Millisecond
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "create pool").Wrap(err)
	}

	backoff := retry.WithMaxRetries(cfg.ConnectAttempts-1, retry.NewExponential(cfg.ConnectBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, oops.Code("DB_CONNECT_FAILED").
			With("operation", "ping database").
			With("attempts", cfg.ConnectAttempts).
			Wrap(err)
	}
	return pool, nil
}
