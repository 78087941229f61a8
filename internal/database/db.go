package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"candle-break-backtester/internal/logging"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// DB wraps the PostgreSQL connection pool. SQL is a database/sql view of the
// same pool used by the repositories.
type DB struct {
	Pool *pgxpool.Pool
	SQL  *sql.DB
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	// Configure connection pool
	poolConfig.MaxConns = 10
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 1
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
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logging.DatabaseContext("connect", "").Info("Connected to PostgreSQL", "database", cfg.Database)

	return &DB{Pool: pool, SQL: stdlib.OpenDBFromPool(pool)}, nil
}

// NewDBFromSQL wraps an existing *sql.DB, e.g. a sqlmock connection.
func NewDBFromSQL(db *sql.DB) *DB {
	return &DB{SQL: db}
}

// Close closes the database connection
func (db *DB) Close() {
	if db.SQL != nil {
		db.SQL.Close()
	}
	if db.Pool != nil {
		db.Pool.Close()
		logging.DatabaseContext("close", "").Info("Database connection closed")
	}
}

// HealthCheck pings the database
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.SQL.PingContext(ctx)
}

// migrations are applied in order; each statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS opportunities (
		id UUID PRIMARY KEY,
		symbol VARCHAR(30) NOT NULL,
		timeframe VARCHAR(16) NOT NULL,
		trigger_bar_index INTEGER NOT NULL,
		kind VARCHAR(20) NOT NULL,
		direction VARCHAR(5) NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		target_price DOUBLE PRECISION NOT NULL,
		percentage_difference DOUBLE PRECISION NOT NULL,
		meets_alert_threshold BOOLEAN NOT NULL,
		period_valid BOOLEAN NOT NULL,
		fib_levels JSONB NOT NULL,
		status VARCHAR(12) NOT NULL,
		milestones JSONB NOT NULL DEFAULT '{}'::jsonb,
		max_drawdown DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_drawdown_at TIMESTAMPTZ,
		max_drawdown_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (symbol, timeframe, trigger_bar_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_opportunities_status ON opportunities(status)`,
	`CREATE INDEX IF NOT EXISTS idx_opportunities_symbol_tf ON opportunities(symbol, timeframe)`,
	`CREATE INDEX IF NOT EXISTS idx_opportunities_created_at ON opportunities(created_at)`,

	`CREATE TABLE IF NOT EXISTS simulation_runs (
		run_id VARCHAR(64) PRIMARY KEY,
		starting_bankroll DOUBLE PRECISION NOT NULL,
		ending_bankroll DOUBLE PRECISION NOT NULL,
		open_cost_basis DOUBLE PRECISION NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL,
		total_fees DOUBLE PRECISION NOT NULL,
		total_trades INTEGER NOT NULL,
		winning_trades INTEGER NOT NULL,
		win_rate DOUBLE PRECISION NOT NULL,
		max_drawdown_percent DOUBLE PRECISION NOT NULL,
		last_processed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS simulation_positions (
		id SERIAL PRIMARY KEY,
		run_id VARCHAR(64) NOT NULL REFERENCES simulation_runs(run_id) ON DELETE CASCADE,
		opportunity_id VARCHAR(64) NOT NULL,
		symbol VARCHAR(30) NOT NULL,
		timeframe VARCHAR(16) NOT NULL,
		side VARCHAR(5) NOT NULL,
		size DOUBLE PRECISION NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		entry_time TIMESTAMPTZ NOT NULL,
		exit_price DOUBLE PRECISION,
		exit_time TIMESTAMPTZ,
		cost_basis DOUBLE PRECISION NOT NULL,
		fees DOUBLE PRECISION NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL,
		exit_reason VARCHAR(30)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_simulation_positions_run ON simulation_positions(run_id)`,
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log := logging.DatabaseContext("migrate", "")
	log.Info("Running database migrations...")

	for i, migration := range migrations {
		if _, err := db.SQL.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Info("Database migrations completed", "count", len(migrations))
	return nil
}
