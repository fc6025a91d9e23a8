package consumption

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gridwatch/gridwatch-worker/internal/config"
	"github.com/gridwatch/gridwatch-worker/internal/db"
	"go.uber.org/zap"
)

// Soft failures of a day's computation. Callers recover locally: the day
// simply has no result yet, nothing is persisted.
var (
	ErrNoAnchor            = errors.New("no meter reading in the day's window")
	ErrNoCurrentReading    = errors.New("no current meter reading available")
	ErrNegativeConsumption = errors.New("negative consumption delta")
)

// IsSoftFailure reports whether err is a recoverable data-quality outcome as
// opposed to a store failure.
func IsSoftFailure(err error) bool {
	return errors.Is(err, ErrNoAnchor) ||
		errors.Is(err, ErrNoCurrentReading) ||
		errors.Is(err, ErrNegativeConsumption)
}

// TxStore is the snapshot-consistent view the engine needs for one day's
// computation. All three reads plus the upsert happen against the same
// transaction so a reading arriving mid-computation cannot produce an
// inconsistent record.
type TxStore interface {
	MeterReadingsInWindow(ctx context.Context, from, to time.Time) ([]db.Reading, error)
	LatestMeterReading(ctx context.Context) (*db.Reading, error)
	UpsertDailyConsumption(ctx context.Context, rec *db.DailyConsumptionRecord) error
}

// Store is the engine's data-access contract, implemented by the repository.
// InDayTx serializes concurrent recomputation of the same date.
type Store interface {
	InDayTx(ctx context.Context, date time.Time, fn func(ctx context.Context, tx TxStore) error) error
	DailyConsumptionsBetween(ctx context.Context, start, end time.Time) ([]db.DailyConsumptionRecord, error)
}

// Coverage describes how well a day's window is populated with meter readings.
type Coverage struct {
	ReadingCount int
	FirstReading *db.Reading
	LastReading  *db.Reading
	HasGaps      bool
}

// TodayResult is the live consumption figure exposed to query collaborators.
type TodayResult struct {
	Value                float64
	Unit                 string
	Confidence           float64
	HasGaps              bool
	IsRealTimeCalculated bool
}

// Engine reconciles noisy cumulative meter readings into one
// midnight-to-midnight consumption figure per calendar day.
type Engine struct {
	store  Store
	cfg    config.ConsumptionConfig
	logger *zap.Logger
}

// NewEngine creates a new reconciliation engine
func NewEngine(store Store, cfg config.ConsumptionConfig, logger *zap.Logger) *Engine {
	return &Engine{
		store:  store,
		cfg:    cfg,
		logger: logger,
	}
}

// StartOfDay returns UTC midnight of the calendar day containing t.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// CalculateDailyConsumption computes and upserts the reconciled consumption
// record for the given date. The reference instant now is threaded explicitly
// so callers (and tests) control what "today" means; it must stay fixed for a
// whole batch. Soft failures return a nil record with a sentinel error and
// persist nothing.
func (e *Engine) CalculateDailyConsumption(ctx context.Context, date, now time.Time) (*db.DailyConsumptionRecord, error) {
	day := StartOfDay(date)
	nextDay := day.AddDate(0, 0, 1)
	isToday := day.Equal(StartOfDay(now))

	var rec *db.DailyConsumptionRecord
	err := e.store.InDayTx(ctx, day, func(ctx context.Context, tx TxStore) error {
		window, err := tx.MeterReadingsInWindow(ctx, day, nextDay)
		if err != nil {
			return fmt.Errorf("failed to load day window: %w", err)
		}

		anchor := closestToMidnight(window, day)
		if anchor == nil {
			return ErrNoAnchor
		}

		current, err := e.currentReading(ctx, tx, window, isToday)
		if err != nil {
			return err
		}

		delta := *current.Value - *anchor.Value
		if delta < 0 {
			e.logger.Warn("negative consumption delta, record not persisted",
				zap.Time("date", day),
				zap.Float64("anchor_value", *anchor.Value),
				zap.Time("anchor_timestamp", anchor.Timestamp),
				zap.Float64("current_value", *current.Value),
				zap.Time("current_timestamp", current.Timestamp),
			)
			return ErrNegativeConsumption
		}
		if delta > e.cfg.SuspiciousCeiling {
			e.logger.Warn("suspiciously large daily consumption",
				zap.Time("date", day),
				zap.Float64("consumption", delta),
				zap.Float64("ceiling", e.cfg.SuspiciousCeiling),
			)
		}

		hasGaps := len(window) < e.cfg.GapMinReadings
		confidence := minConfidence(e.readingConfidence(anchor), e.readingConfidence(current))
		if hasGaps {
			confidence *= e.cfg.GapPenalty
		}
		confidence = clampUnit(confidence)

		rec = &db.DailyConsumptionRecord{
			Date:                  day,
			MidnightReading:       *anchor.Value,
			MidnightTimestamp:     anchor.Timestamp,
			CurrentReading:        *current.Value,
			CurrentTimestamp:      current.Timestamp,
			CalculatedConsumption: delta,
			ReadingCount:          len(window),
			IsComplete:            day.Before(StartOfDay(now)),
			HasMonitoringGaps:     hasGaps,
			ConfidenceScore:       confidence,
			ComputedAt:            now,
		}
		return tx.UpsertDailyConsumption(ctx, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// currentReading selects the day's closing reading: for today the single most
// recent meter reading overall, for past dates the last reading bounded to the
// day's window. Out-of-window data for a past day is treated as unavailable
// rather than silently accepted.
func (e *Engine) currentReading(ctx context.Context, tx TxStore, window []db.Reading, isToday bool) (*db.Reading, error) {
	if isToday {
		latest, err := tx.LatestMeterReading(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load latest meter reading: %w", err)
		}
		if latest == nil || latest.Value == nil {
			return nil, ErrNoCurrentReading
		}
		return latest, nil
	}

	last := latestInWindow(window)
	if last == nil {
		return nil, ErrNoCurrentReading
	}
	return last, nil
}

// SelectMidnightAnchor returns the meter reading closest to exact midnight
// within the date's window, or ErrNoAnchor if the window is empty. This is
// the dominant failure mode for days with monitoring outages at day boundary.
func (e *Engine) SelectMidnightAnchor(ctx context.Context, date time.Time) (*db.Reading, error) {
	day := StartOfDay(date)
	var anchor *db.Reading
	err := e.store.InDayTx(ctx, day, func(ctx context.Context, tx TxStore) error {
		window, err := tx.MeterReadingsInWindow(ctx, day, day.AddDate(0, 0, 1))
		if err != nil {
			return fmt.Errorf("failed to load day window: %w", err)
		}
		anchor = closestToMidnight(window, day)
		if anchor == nil {
			return ErrNoAnchor
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return anchor, nil
}

// ComputeCoverage counts the meter readings observed in the date's window and
// flags the day as gappy when fewer than the configured minimum were seen.
func (e *Engine) ComputeCoverage(ctx context.Context, date time.Time) (*Coverage, error) {
	day := StartOfDay(date)
	var cov *Coverage
	err := e.store.InDayTx(ctx, day, func(ctx context.Context, tx TxStore) error {
		window, err := tx.MeterReadingsInWindow(ctx, day, day.AddDate(0, 0, 1))
		if err != nil {
			return fmt.Errorf("failed to load day window: %w", err)
		}
		cov = &Coverage{
			ReadingCount: len(window),
			HasGaps:      len(window) < e.cfg.GapMinReadings,
		}
		if len(window) > 0 {
			first := window[0]
			for i := range window {
				if window[i].Timestamp.Before(first.Timestamp) {
					first = window[i]
				}
			}
			cov.FirstReading = &first
			if last := latestInWindow(window); last != nil {
				lastCopy := *last
				cov.LastReading = &lastCopy
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cov, nil
}

// Backfill recomputes the last days calendar dates oldest-first, collecting
// successful records. One bad day never aborts the batch: soft failures and
// store errors alike are logged and skipped. The reference instant is fixed
// for the whole batch so "today" cannot shift mid-run.
func (e *Engine) Backfill(ctx context.Context, days int, now time.Time) []db.DailyConsumptionRecord {
	today := StartOfDay(now)
	var records []db.DailyConsumptionRecord

	for i := days - 1; i >= 0; i-- {
		date := today.AddDate(0, 0, -i)
		rec, err := e.CalculateDailyConsumption(ctx, date, now)
		if err != nil {
			if IsSoftFailure(err) {
				e.logger.Debug("skipping day without computable consumption",
					zap.Time("date", date),
					zap.String("reason", err.Error()),
				)
			} else {
				e.logger.Error("failed to compute daily consumption",
					zap.Time("date", date),
					zap.Error(err),
				)
			}
			continue
		}
		records = append(records, *rec)
	}

	return records
}

// TodayConsumption recomputes the live figure for the current day on every
// call; the underlying reading set changes each polling interval, so nothing
// is cached. A nil result means no data is available yet today.
func (e *Engine) TodayConsumption(ctx context.Context, now time.Time) (*TodayResult, error) {
	rec, err := e.CalculateDailyConsumption(ctx, now, now)
	if err != nil {
		if IsSoftFailure(err) {
			return nil, nil
		}
		return nil, err
	}

	return &TodayResult{
		Value:                rec.CalculatedConsumption,
		Unit:                 e.cfg.Unit,
		Confidence:           rec.ConfidenceScore,
		HasGaps:              rec.HasMonitoringGaps,
		IsRealTimeCalculated: true,
	}, nil
}

// DailyConsumptions returns the ledger rows between two dates inclusive.
func (e *Engine) DailyConsumptions(ctx context.Context, start, end time.Time) ([]db.DailyConsumptionRecord, error) {
	return e.store.DailyConsumptionsBetween(ctx, StartOfDay(start), StartOfDay(end))
}

// closestToMidnight picks the reading whose timestamp has the minimum
// absolute distance from exact midnight. Ties keep the earlier candidate.
func closestToMidnight(window []db.Reading, midnight time.Time) *db.Reading {
	var best *db.Reading
	var bestDist time.Duration
	for i := range window {
		r := &window[i]
		if r.Value == nil {
			continue
		}
		dist := r.Timestamp.Sub(midnight)
		if dist < 0 {
			dist = -dist
		}
		if best == nil || dist < bestDist {
			best = r
			bestDist = dist
		}
	}
	return best
}

func latestInWindow(window []db.Reading) *db.Reading {
	var last *db.Reading
	for i := range window {
		r := &window[i]
		if r.Value == nil {
			continue
		}
		if last == nil || r.Timestamp.After(last.Timestamp) {
			last = r
		}
	}
	return last
}

func (e *Engine) readingConfidence(r *db.Reading) float64 {
	if r.Confidence == nil {
		return e.cfg.DefaultConfidence
	}
	return clampUnit(*r.Confidence)
}

func minConfidence(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
