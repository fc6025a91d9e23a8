package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// The worker owns its tables; DDL is idempotent so restarts are safe.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS readings (
		id UUID PRIMARY KEY,
		fingerprint TEXT NOT NULL UNIQUE,
		category TEXT NOT NULL,
		source TEXT NOT NULL,
		value DOUBLE PRECISION,
		status TEXT,
		unit TEXT,
		period TEXT,
		confidence DOUBLE PRECISION,
		previous_status TEXT,
		current_status TEXT,
		validation_status TEXT NOT NULL DEFAULT 'valid',
		anomaly_reason TEXT,
		reading_timestamp TIMESTAMPTZ NOT NULL,
		received_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_readings_signal_ts
		ON readings (category, source, reading_timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS daily_consumption (
		date DATE PRIMARY KEY,
		midnight_value DOUBLE PRECISION NOT NULL,
		midnight_at TIMESTAMPTZ NOT NULL,
		latest_value DOUBLE PRECISION NOT NULL,
		latest_at TIMESTAMPTZ NOT NULL,
		calculated_consumption DOUBLE PRECISION NOT NULL,
		reading_count INTEGER NOT NULL,
		is_complete BOOLEAN NOT NULL,
		has_monitoring_gaps BOOLEAN NOT NULL,
		confidence_score DOUBLE PRECISION NOT NULL,
		computed_at TIMESTAMPTZ NOT NULL
	)`,
}

// EnsureSchema creates the worker's tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}
