// Package database persists trades, events and watches in PostgreSQL.
// Multi-statement updates run in one transaction; everything else is a
// single statement.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Connect opens the pool and verifies the connection.
func Connect(ctx context.Context, url string, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{Pool: pool, logger: logger.With().Str("component", "Database").Logger()}
	db.logger.Info().Msg("Database connected")
	return db, nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Migrate creates the schema. Statements are idempotent so startup can
// always run them.
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id UUID PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			tag TEXT,
			status TEXT NOT NULL,
			contract JSONB NOT NULL,
			exit_reason TEXT,
			realized_pnl DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL,
			executed_at TIMESTAMPTZ,
			closed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_open ON trades(symbol) WHERE closed_at IS NULL`,

		`CREATE TABLE IF NOT EXISTS orders (
			link_id TEXT PRIMARY KEY,
			trade_id UUID,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			qty DOUBLE PRECISION NOT NULL,
			price DOUBLE PRECISION,
			reduce_only BOOLEAN NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL,
			avg_fill_price DOUBLE PRECISION,
			filled_qty DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol)`,

		`CREATE TABLE IF NOT EXISTS events (
			id UUID PRIMARY KEY,
			type TEXT NOT NULL,
			symbol TEXT,
			trade_id TEXT,
			message TEXT,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_symbol_time ON events(symbol, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`,

		`CREATE TABLE IF NOT EXISTS watches (
			id UUID PRIMARY KEY,
			symbol TEXT NOT NULL,
			rule JSONB NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	db.logger.Info().Msg("Database migrations applied")
	return nil
}
