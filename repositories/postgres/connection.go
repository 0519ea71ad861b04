package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/llm-router/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return WrapDB(db, logger), nil
}

// WrapDB wraps an already opened pool
func WrapDB(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: db, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// schema holds the durable performance log and the decision audit
const schema = `
	CREATE TABLE IF NOT EXISTS performance_records (
		id UUID PRIMARY KEY,
		backend_id VARCHAR(128) NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		latency_ms BIGINT NOT NULL,
		outcome VARCHAR(32) NOT NULL
	);

	CREATE TABLE IF NOT EXISTS routing_decisions (
		request_id VARCHAR(255) PRIMARY KEY,
		conversation_id VARCHAR(128) NOT NULL,
		capability VARCHAR(32) NOT NULL,
		override_backend_id VARCHAR(128),
		candidates TEXT[] NOT NULL DEFAULT '{}',
		chosen_backend_id VARCHAR(128),
		outcome VARCHAR(32) NOT NULL,
		latency_ms BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS routing_attempts (
		request_id VARCHAR(255) NOT NULL REFERENCES routing_decisions(request_id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		backend_id VARCHAR(128) NOT NULL,
		failure_kind VARCHAR(32),
		latency_ms BIGINT NOT NULL,
		message TEXT,
		PRIMARY KEY (request_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_performance_records_backend_ts ON performance_records(backend_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_performance_records_ts ON performance_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_routing_decisions_conversation ON routing_decisions(conversation_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_routing_decisions_outcome ON routing_decisions(outcome);
`

// InitSchema initializes the database schema
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}
