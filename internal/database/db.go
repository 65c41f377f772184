// Package database is the durable trade store: trades, positions, pending
// orders, close-recovery tasks, daily statistics and audit logs, backed by
// PostgreSQL. All timestamps are stored as UTC instants.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"upbit-trading-bot/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection pool.
func NewDB(cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "database").Logger()
	log.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// RunMigrations executes the schema migrations.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			order_id VARCHAR(64) NOT NULL,
			market VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			order_type VARCHAR(10) NOT NULL,
			price DECIMAL(24, 8) NOT NULL,
			quantity DECIMAL(24, 8) NOT NULL,
			amount DECIMAL(24, 8) NOT NULL,
			fee DECIMAL(24, 8) NOT NULL DEFAULT 0,
			slippage_percent DECIMAL(10, 4) NOT NULL DEFAULT 0,
			is_partial_fill BOOLEAN NOT NULL DEFAULT FALSE,
			pnl DECIMAL(24, 8),
			pnl_percent DECIMAL(10, 4),
			strategy VARCHAR(50) NOT NULL,
			regime VARCHAR(30),
			confidence DECIMAL(6, 2) NOT NULL DEFAULT 0,
			reason VARCHAR(500),
			simulated BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(market)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_created_at ON trades(created_at)`,

		`CREATE TABLE IF NOT EXISTS positions (
			id BIGSERIAL PRIMARY KEY,
			market VARCHAR(20) NOT NULL,
			strategy VARCHAR(50) NOT NULL,
			entry_price DECIMAL(24, 8) NOT NULL,
			quantity DECIMAL(24, 8) NOT NULL,
			entry_time TIMESTAMPTZ NOT NULL,
			status VARCHAR(12) NOT NULL DEFAULT 'OPEN',
			exit_price DECIMAL(24, 8),
			exit_time TIMESTAMPTZ,
			exit_reason VARCHAR(100),
			pnl_amount DECIMAL(24, 8),
			pnl_percent DECIMAL(10, 4),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_market_status ON positions(market, status)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_strategy ON positions(strategy)`,

		`CREATE TABLE IF NOT EXISTS pending_orders (
			id BIGSERIAL PRIMARY KEY,
			order_id VARCHAR(64) NOT NULL UNIQUE,
			market VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			order_type VARCHAR(10) NOT NULL DEFAULT 'LIMIT',
			limit_price DECIMAL(24, 8) NOT NULL,
			order_quantity DECIMAL(24, 8) NOT NULL,
			order_amount DECIMAL(24, 8) NOT NULL,
			strategy VARCHAR(50) NOT NULL,
			confidence DECIMAL(6, 2) NOT NULL DEFAULT 0,
			snapshot_mid_price DECIMAL(24, 8) NOT NULL DEFAULT 0,
			snapshot_spread DECIMAL(10, 4) NOT NULL DEFAULT 0,
			snapshot_volatility DECIMAL(10, 4) NOT NULL DEFAULT 0,
			snapshot_imbalance DECIMAL(8, 4) NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			filled_quantity DECIMAL(24, 8) NOT NULL DEFAULT 0,
			avg_fill_price DECIMAL(24, 8) NOT NULL DEFAULT 0,
			fill_duration_ms BIGINT,
			slippage_percent DECIMAL(10, 4),
			cancel_reason VARCHAR(100),
			note VARCHAR(200),
			check_count INT NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ NOT NULL,
			last_checked_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_orders_status ON pending_orders(status)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_orders_market ON pending_orders(market)`,

		`CREATE TABLE IF NOT EXISTS close_recovery_tasks (
			id BIGSERIAL PRIMARY KEY,
			strategy VARCHAR(50) NOT NULL,
			position_id BIGINT NOT NULL,
			market VARCHAR(20) NOT NULL,
			target_quantity DECIMAL(24, 8) NOT NULL,
			entry_price DECIMAL(24, 8) NOT NULL,
			last_known_price DECIMAL(24, 8) NOT NULL DEFAULT 0,
			reason VARCHAR(200),
			attempt_count INT NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			status VARCHAR(12) NOT NULL DEFAULT 'PENDING',
			last_error VARCHAR(500),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recovery_tasks_status ON close_recovery_tasks(status)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_recovery_tasks_active
			ON close_recovery_tasks(strategy, position_id)
			WHERE status != 'COMPLETED'`,

		`CREATE TABLE IF NOT EXISTS daily_stats (
			id BIGSERIAL PRIMARY KEY,
			stat_date DATE NOT NULL UNIQUE,
			trade_count INT NOT NULL DEFAULT 0,
			win_count INT NOT NULL DEFAULT 0,
			loss_count INT NOT NULL DEFAULT 0,
			realized_pnl DECIMAL(24, 8) NOT NULL DEFAULT 0,
			fees DECIMAL(24, 8) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS audit_logs (
			id BIGSERIAL PRIMARY KEY,
			source VARCHAR(50) NOT NULL,
			action VARCHAR(50) NOT NULL,
			market VARCHAR(20),
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_source ON audit_logs(source)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	db.logger.Info().Int("count", len(migrations)).Msg("migrations complete")
	return nil
}
