package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New creates a database connection pool from a Postgres connection URL.
//
// Pool sizing assumes every tenant-scoped query runs inside a short
// transaction (see InTenantTx), so connections are held briefly:
//
//   - MaxConns 25, MinConns 5 keep a warm pool without crowding the server.
//   - MaxConnLifetime 1h recycles connections across failovers.
//   - MaxConnIdleTime 20m frees slots when traffic is low.
//   - HealthCheckPeriod 1m detects dead idle connections early.
func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 20 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Fail startup on bad credentials or an unreachable host instead of on
	// the first request.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping DB: %w", err)
	}

	if err := checkRowSecurity(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("DB connection established",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database),
		zap.Int32("max_conns", poolConfig.MaxConns),
	)
	return &DB{
		pool:   pool,
		logger: logger,
	}, nil
}

func (db *DB) Close() {
	db.logger.Info("closing database connection pool")
	db.pool.Close()
}

func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// checkRowSecurity warns when the connected role skips row-level security.
// Superusers and BYPASSRLS roles see every tenant's rows regardless of
// app.current_tenant, so isolation would rest on the application alone.
func checkRowSecurity(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	var role string
	var bypass bool
	err := pool.QueryRow(ctx,
		`SELECT current_user, rolsuper OR rolbypassrls FROM pg_roles WHERE rolname = current_user`,
	).Scan(&role, &bypass)
	if err != nil {
		return fmt.Errorf("inspect DB role: %w", err)
	}
	if bypass {
		logger.Warn("DB role bypasses row-level security; tenant isolation is not enforced by the database",
			zap.String("role", role))
	}
	return nil
}
