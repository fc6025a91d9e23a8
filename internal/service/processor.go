package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gridwatch/gridwatch-worker/internal/anomaly"
	"github.com/gridwatch/gridwatch-worker/internal/config"
	"github.com/gridwatch/gridwatch-worker/internal/consumption"
	"github.com/gridwatch/gridwatch-worker/internal/db"
	"github.com/gridwatch/gridwatch-worker/internal/fingerprint"
	"github.com/gridwatch/gridwatch-worker/internal/logging"
	"github.com/gridwatch/gridwatch-worker/internal/mq"
	"github.com/gridwatch/gridwatch-worker/internal/repository"
	"github.com/gridwatch/gridwatch-worker/internal/status"
	"github.com/gridwatch/gridwatch-worker/internal/validator"
	"go.uber.org/zap"
)

// IngestMessage represents one scrape batch from the portal scraper.
type IngestMessage struct {
	RequestID string                    `json:"request_id"`
	Source    string                    `json:"source"`
	ScrapedAt time.Time                 `json:"scraped_at"`
	Readings  []validator.IndicatorData `json:"readings"`
}

// ProcessorService handles message processing logic
type ProcessorService struct {
	repo      *repository.Repository
	publisher *mq.Publisher
	tracker   *status.Tracker
	engine    *consumption.Engine
	detector  *anomaly.Detector
	validator *validator.Validator
	cfg       *config.Config
	logger    *zap.Logger
}

// NewProcessorService creates a new processor service
func NewProcessorService(
	repo *repository.Repository,
	publisher *mq.Publisher,
	tracker *status.Tracker,
	engine *consumption.Engine,
	detector *anomaly.Detector,
	validator *validator.Validator,
	cfg *config.Config,
	logger *zap.Logger,
) *ProcessorService {
	return &ProcessorService{
		repo:      repo,
		publisher: publisher,
		tracker:   tracker,
		engine:    engine,
		detector:  detector,
		validator: validator,
		cfg:       cfg,
		logger:    logger,
	}
}

// ProcessMessage processes an incoming scrape batch: validate and classify
// each indicator, append to the reading store (duplicates are no-ops), then
// derive status events and refresh the live consumption figure.
func (s *ProcessorService) ProcessMessage(ctx context.Context, body []byte) error {
	var msg IngestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	source, err := parseSource(msg.Source)
	if err != nil {
		return err
	}

	reqLogger := logging.WithRequestID(s.logger, msg.RequestID)
	reqLogger.Info("processing scrape batch",
		zap.String("source", msg.Source),
		zap.Int("indicator_count", len(msg.Readings)),
	)

	now := time.Now().UTC()
	scrapedAt := msg.ScrapedAt
	if scrapedAt.IsZero() {
		scrapedAt = now
	}

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		reqLogger.Error("failed to begin transaction", zap.Error(err))
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var availabilityReadings []*db.Reading
	var stored, duplicates, invalid int
	meterReadingStored := false

	for _, item := range msg.Readings {
		reading, ok := s.buildReading(item, source, scrapedAt, now, reqLogger)
		if !ok {
			continue
		}
		s.checkPlausibility(ctx, reading, reqLogger)
		if reading.ValidationStatus != "valid" {
			invalid++
		}

		inserted, err := s.repo.InsertReadingTx(ctx, tx, reading)
		if err != nil {
			reqLogger.Error("failed to insert reading",
				zap.Error(err),
				zap.String("category", string(reading.Category)),
			)
			return fmt.Errorf("failed to insert reading: %w", err)
		}
		if !inserted {
			duplicates++
			continue
		}
		stored++

		if reading.ValidationStatus != "valid" {
			continue
		}
		switch reading.Category {
		case db.CategoryAvailability:
			availabilityReadings = append(availabilityReadings, reading)
		case db.CategoryMeterReading:
			if reading.Source == db.SourceGrid {
				meterReadingStored = true
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		reqLogger.Error("failed to commit transaction", zap.Error(err))
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	// Status tracking and publishing run after commit; a failure here must
	// not requeue an already-persisted batch.
	for _, reading := range availabilityReadings {
		event := s.tracker.RecordStatusChange(ctx, reading)
		if event == nil {
			continue
		}
		statusEvent := mq.StatusChangeEvent{
			Source:         string(event.Source),
			EventType:      event.EventType,
			PreviousStatus: event.PreviousStatus,
			CurrentStatus:  event.CurrentStatus,
			Timestamp:      event.Timestamp.Format(time.RFC3339),
		}
		if err := s.publisher.PublishStatusChange(ctx, statusEvent, s.cfg.RabbitMQ.StatusRoutingKey); err != nil {
			reqLogger.Error("failed to publish status event",
				zap.Error(err),
				zap.String("event_type", event.EventType),
			)
		}
	}

	if meterReadingStored {
		s.refreshTodayConsumption(ctx, now, reqLogger)
	}

	reqLogger.Info("scrape batch processed",
		zap.Int("stored", stored),
		zap.Int("duplicates", duplicates),
		zap.Int("invalid", invalid),
	)

	return nil
}

// buildReading validates one indicator and shapes it into a store row. Items
// with an unknown category have no meaningful row shape and are dropped with
// a log line; other invalid items are persisted for audit.
func (s *ProcessorService) buildReading(
	item validator.IndicatorData,
	source db.Source,
	scrapedAt, now time.Time,
	logger *zap.Logger,
) (*db.Reading, bool) {
	parsed, result := s.validator.ValidateIndicator(item, scrapedAt)

	if parsed.Category == "" {
		logger.Warn("dropping indicator with unknown category",
			zap.String("category", item.Category),
			zap.String("reason", result.AnomalyReason),
		)
		return nil, false
	}

	timestamp := parsed.Timestamp
	if timestamp.IsZero() {
		timestamp = scrapedAt
	}

	var reading *db.Reading
	if parsed.Category == db.CategoryAvailability {
		statusValue := parsed.Status
		if statusValue == "" {
			// Keep the raw scraped status for audit even when unrecognized.
			statusValue = strings.ToLower(strings.TrimSpace(item.Value))
		}
		reading = db.NewAvailabilityReading(source, statusValue, timestamp, now)
		reading.Fingerprint = fingerprint.Status(source, statusValue, timestamp)
	} else {
		reading = db.NewNumericReading(parsed.Category, source, parsed.Value, timestamp, now)
		if result.IsValid {
			reading.Fingerprint = fingerprint.Numeric(parsed.Category, source, parsed.Value, timestamp)
		} else {
			// Fingerprint invalid rows over the raw scraped text; the parsed
			// value is not trustworthy and would collapse distinct rows.
			reading.Fingerprint = fingerprint.Raw(parsed.Category, source, strings.TrimSpace(item.Value), timestamp)
		}
	}

	confidence := parsed.Confidence
	reading.Confidence = &confidence
	if item.Unit != "" {
		unit := item.Unit
		reading.Unit = &unit
	}
	if item.Period != "" {
		period := item.Period
		reading.Period = &period
	}

	if !result.IsValid {
		reason := result.AnomalyReason
		reading.ValidationStatus = "invalid"
		reading.AnomalyReason = &reason
		logger.Debug("indicator failed validation",
			zap.String("category", string(parsed.Category)),
			zap.String("reason", reason),
		)
	}

	return reading, true
}

// checkPlausibility runs the jump detector against a valid grid meter
// reading. A lookup failure only skips the check; ingest must not stall on it.
func (s *ProcessorService) checkPlausibility(ctx context.Context, reading *db.Reading, logger *zap.Logger) {
	if reading.ValidationStatus != "valid" ||
		reading.Category != db.CategoryMeterReading ||
		reading.Source != db.SourceGrid ||
		reading.Value == nil {
		return
	}

	recent, err := s.repo.RecentMeterValues(ctx, 10)
	if err != nil {
		logger.Warn("failed to load recent meter values for plausibility check", zap.Error(err))
		return
	}

	if isAnomaly, reason := s.detector.DetectAnomaly(*reading.Value, recent); isAnomaly {
		reading.ValidationStatus = "invalid"
		reading.AnomalyReason = &reason
		logger.Debug("implausible meter reading quarantined",
			zap.Float64("value", *reading.Value),
			zap.String("reason", reason),
		)
	}
}

// refreshTodayConsumption recomputes the live figure after new meter readings
// landed and publishes the update. Soft failures mean there is nothing to
// publish yet.
func (s *ProcessorService) refreshTodayConsumption(ctx context.Context, now time.Time, logger *zap.Logger) {
	rec, err := s.engine.CalculateDailyConsumption(ctx, now, now)
	if err != nil {
		if consumption.IsSoftFailure(err) {
			logger.Debug("today's consumption not yet computable", zap.String("reason", err.Error()))
		} else {
			logger.Error("failed to recompute today's consumption", zap.Error(err))
		}
		return
	}

	event := mq.DailyConsumptionEvent{
		Date:              rec.Date.Format("2006-01-02"),
		Consumption:       rec.CalculatedConsumption,
		Unit:              s.cfg.Consumption.Unit,
		Confidence:        rec.ConfidenceScore,
		HasMonitoringGaps: rec.HasMonitoringGaps,
		IsComplete:        rec.IsComplete,
	}
	if err := s.publisher.PublishDailyConsumption(ctx, event, s.cfg.RabbitMQ.ConsumptionRoutingKey); err != nil {
		logger.Error("failed to publish daily consumption event", zap.Error(err))
	}
}

func parseSource(raw string) (db.Source, error) {
	switch db.Source(strings.ToLower(strings.TrimSpace(raw))) {
	case db.SourceGrid:
		return db.SourceGrid, nil
	case db.SourceDG:
		return db.SourceDG, nil
	default:
		return "", fmt.Errorf("unknown source '%s'", raw)
	}
}
