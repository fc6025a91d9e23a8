package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/gridwatch/gridwatch-worker/internal/consumption"
	"github.com/gridwatch/gridwatch-worker/internal/db"
	"github.com/gridwatch/gridwatch-worker/internal/status"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Tx is an alias for pgx.Tx
type Tx = pgx.Tx

// Lock class for per-date ledger serialization; the second key is the day
// number so concurrent recomputation of different dates does not contend.
const dayLockClass = 7342

// Repository handles database operations for the reading store and the
// daily consumption ledger.
type Repository struct {
	pool *pgxpool.Pool
}

var (
	_ consumption.Store = (*Repository)(nil)
	_ status.Store      = (*Repository)(nil)
)

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const insertReadingSQL = `
	INSERT INTO readings (
		id, fingerprint, category, source, value, status, unit, period,
		confidence, previous_status, current_status, validation_status,
		anomaly_reason, reading_timestamp, received_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (fingerprint) DO NOTHING
`

// InsertReading appends a reading; a duplicate fingerprint is a silent no-op.
// The returned bool reports whether a row was actually stored.
func (r *Repository) InsertReading(ctx context.Context, reading *db.Reading) (bool, error) {
	tag, err := r.pool.Exec(ctx, insertReadingSQL, insertReadingArgs(reading)...)
	if err != nil {
		return false, fmt.Errorf("failed to insert reading: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertReadingTx inserts a reading within a transaction
func (r *Repository) InsertReadingTx(ctx context.Context, tx pgx.Tx, reading *db.Reading) (bool, error) {
	tag, err := tx.Exec(ctx, insertReadingSQL, insertReadingArgs(reading)...)
	if err != nil {
		return false, fmt.Errorf("failed to insert reading: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func insertReadingArgs(reading *db.Reading) []interface{} {
	return []interface{}{
		reading.ID,
		reading.Fingerprint,
		reading.Category,
		reading.Source,
		reading.Value,
		reading.Status,
		reading.Unit,
		reading.Period,
		reading.Confidence,
		reading.PreviousStatus,
		reading.CurrentStatus,
		reading.ValidationStatus,
		reading.AnomalyReason,
		reading.Timestamp,
		reading.ReceivedAt,
	}
}

// BeginTx starts a new transaction
func (r *Repository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// InDayTx runs fn inside a transaction holding a per-date advisory lock, so
// concurrent recomputation of the same ledger date is serialized and the
// engine's reads observe one consistent snapshot.
func (r *Repository) InDayTx(ctx context.Context, date time.Time, fn func(ctx context.Context, tx consumption.TxStore) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	dayNumber := int32(date.UTC().Unix() / 86400)
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1, $2)", int32(dayLockClass), dayNumber); err != nil {
		return fmt.Errorf("failed to acquire day lock: %w", err)
	}

	if err := fn(ctx, &txStore{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore adapts a pgx transaction to the engine's TxStore contract.
type txStore struct {
	tx pgx.Tx
}

const readingColumns = `
	id, fingerprint, category, source, value, status, unit, period,
	confidence, previous_status, current_status, validation_status,
	anomaly_reason, reading_timestamp, received_at
`

func (s *txStore) MeterReadingsInWindow(ctx context.Context, from, to time.Time) ([]db.Reading, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM readings
		WHERE category = $1 AND source = $2 AND validation_status = 'valid'
			AND reading_timestamp >= $3 AND reading_timestamp < $4
		ORDER BY reading_timestamp ASC
	`

	rows, err := s.tx.Query(ctx, query, db.CategoryMeterReading, db.SourceGrid, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query day window: %w", err)
	}
	defer rows.Close()

	var readings []db.Reading
	for rows.Next() {
		reading, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, *reading)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return readings, nil
}

func (s *txStore) LatestMeterReading(ctx context.Context) (*db.Reading, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM readings
		WHERE category = $1 AND source = $2 AND validation_status = 'valid'
		ORDER BY reading_timestamp DESC
		LIMIT 1
	`

	row := s.tx.QueryRow(ctx, query, db.CategoryMeterReading, db.SourceGrid)
	reading, err := scanReading(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return reading, nil
}

func (s *txStore) UpsertDailyConsumption(ctx context.Context, rec *db.DailyConsumptionRecord) error {
	query := `
		INSERT INTO daily_consumption (
			date, midnight_value, midnight_at, latest_value, latest_at,
			calculated_consumption, reading_count, is_complete,
			has_monitoring_gaps, confidence_score, computed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (date) DO UPDATE SET
			midnight_value = EXCLUDED.midnight_value,
			midnight_at = EXCLUDED.midnight_at,
			latest_value = EXCLUDED.latest_value,
			latest_at = EXCLUDED.latest_at,
			calculated_consumption = EXCLUDED.calculated_consumption,
			reading_count = EXCLUDED.reading_count,
			is_complete = EXCLUDED.is_complete,
			has_monitoring_gaps = EXCLUDED.has_monitoring_gaps,
			confidence_score = EXCLUDED.confidence_score,
			computed_at = EXCLUDED.computed_at
	`

	_, err := s.tx.Exec(ctx, query,
		rec.Date,
		rec.MidnightReading,
		rec.MidnightTimestamp,
		rec.CurrentReading,
		rec.CurrentTimestamp,
		rec.CalculatedConsumption,
		rec.ReadingCount,
		rec.IsComplete,
		rec.HasMonitoringGaps,
		rec.ConfidenceScore,
		rec.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert daily consumption: %w", err)
	}
	return nil
}

// DailyConsumptionsBetween returns ledger rows for dates in [start, end].
func (r *Repository) DailyConsumptionsBetween(ctx context.Context, start, end time.Time) ([]db.DailyConsumptionRecord, error) {
	query := `
		SELECT date, midnight_value, midnight_at, latest_value, latest_at,
			calculated_consumption, reading_count, is_complete,
			has_monitoring_gaps, confidence_score, computed_at
		FROM daily_consumption
		WHERE date >= $1 AND date <= $2
		ORDER BY date ASC
	`

	rows, err := r.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily consumptions: %w", err)
	}
	defer rows.Close()

	var records []db.DailyConsumptionRecord
	for rows.Next() {
		var rec db.DailyConsumptionRecord
		if err := rows.Scan(
			&rec.Date,
			&rec.MidnightReading,
			&rec.MidnightTimestamp,
			&rec.CurrentReading,
			&rec.CurrentTimestamp,
			&rec.CalculatedConsumption,
			&rec.ReadingCount,
			&rec.IsComplete,
			&rec.HasMonitoringGaps,
			&rec.ConfidenceScore,
			&rec.ComputedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan daily consumption: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return records, nil
}

// RecentMeterValues returns the latest valid grid meter values, newest
// first, for ingest-time plausibility checks.
func (r *Repository) RecentMeterValues(ctx context.Context, limit int) ([]float64, error) {
	query := `
		SELECT value
		FROM readings
		WHERE category = $1 AND source = $2 AND validation_status = 'valid'
			AND value IS NOT NULL
		ORDER BY reading_timestamp DESC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, db.CategoryMeterReading, db.SourceGrid, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent meter values: %w", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var value float64
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("failed to scan value: %w", err)
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return values, nil
}

// LatestAvailabilityBefore returns the most recent availability reading for
// the source at or before ts, excluding the fingerprint of the reading being
// processed.
func (r *Repository) LatestAvailabilityBefore(ctx context.Context, source db.Source, ts time.Time, excludeFingerprint string) (*db.Reading, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM readings
		WHERE category = $1 AND source = $2 AND validation_status = 'valid'
			AND reading_timestamp <= $3 AND fingerprint <> $4
		ORDER BY reading_timestamp DESC
		LIMIT 1
	`

	row := r.pool.QueryRow(ctx, query, db.CategoryAvailability, source, ts, excludeFingerprint)
	reading, err := scanReading(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return reading, nil
}

// RecentGridEvents returns the most recent status-change events, newest first.
func (r *Repository) RecentGridEvents(ctx context.Context, limit int) ([]db.GridStatusEvent, error) {
	query := `
		SELECT reading_timestamp, source, status, previous_status, current_status
		FROM readings
		WHERE category = $1
			AND status IS NOT NULL
			AND previous_status IS NOT NULL
			AND current_status IS NOT NULL
		ORDER BY reading_timestamp DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, db.CategoryEvent, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query grid events: %w", err)
	}
	defer rows.Close()

	var events []db.GridStatusEvent
	for rows.Next() {
		var ev db.GridStatusEvent
		var eventType, previous, current *string
		if err := rows.Scan(&ev.Timestamp, &ev.Source, &eventType, &previous, &current); err != nil {
			return nil, fmt.Errorf("failed to scan grid event: %w", err)
		}
		if eventType != nil {
			ev.EventType = *eventType
		}
		if previous != nil {
			ev.PreviousStatus = *previous
		}
		if current != nil {
			ev.CurrentStatus = *current
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return events, nil
}

func scanReading(row pgx.Row) (*db.Reading, error) {
	var reading db.Reading
	err := row.Scan(
		&reading.ID,
		&reading.Fingerprint,
		&reading.Category,
		&reading.Source,
		&reading.Value,
		&reading.Status,
		&reading.Unit,
		&reading.Period,
		&reading.Confidence,
		&reading.PreviousStatus,
		&reading.CurrentStatus,
		&reading.ValidationStatus,
		&reading.AnomalyReason,
		&reading.Timestamp,
		&reading.ReceivedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan reading: %w", err)
	}
	return &reading, nil
}
