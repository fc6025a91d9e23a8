package status

import (
	"context"
	"time"

	"github.com/gridwatch/gridwatch-worker/internal/db"
	"github.com/gridwatch/gridwatch-worker/internal/fingerprint"
	"go.uber.org/zap"
)

// Store is the tracker's data-access contract, implemented by the repository.
type Store interface {
	// LatestAvailabilityBefore returns the most recent availability reading
	// for the source at or before ts, excluding the row identified by
	// excludeFingerprint (the reading currently being processed).
	LatestAvailabilityBefore(ctx context.Context, source db.Source, ts time.Time, excludeFingerprint string) (*db.Reading, error)
	InsertReading(ctx context.Context, reading *db.Reading) (bool, error)
}

// Tracker converts a stream of availability readings into discrete
// interruption/restoration events. It shares the reading store with the
// consumption engine but is otherwise independent of it.
type Tracker struct {
	store  Store
	logger *zap.Logger
}

// NewTracker creates a new status tracker
func NewTracker(store Store, logger *zap.Logger) *Tracker {
	return &Tracker{
		store:  store,
		logger: logger,
	}
}

// classify maps a status transition onto an event type. Only the two
// canonical transitions produce events; every other pairing (unknown,
// first-ever, unchanged) is dropped.
func classify(previous, current string) (string, bool) {
	switch {
	case previous == db.StatusOnline && current == db.StatusOffline:
		return db.EventInterruption, true
	case previous == db.StatusOffline && current == db.StatusOnline:
		return db.EventRestoration, true
	default:
		return "", false
	}
}

// RecordStatusChange compares the new availability reading against the most
// recent prior one for the same source and emits a synthetic event reading
// when a canonical transition occurred. Store failures are logged and
// swallowed: a missed event is preferable to crashing the ingestion pipeline.
func (t *Tracker) RecordStatusChange(ctx context.Context, reading *db.Reading) *db.GridStatusEvent {
	if reading.Category != db.CategoryAvailability || reading.Status == nil {
		return nil
	}
	current := *reading.Status

	previous, err := t.store.LatestAvailabilityBefore(ctx, reading.Source, reading.Timestamp, reading.Fingerprint)
	if err != nil {
		t.logger.Error("failed to look up prior availability reading",
			zap.String("source", string(reading.Source)),
			zap.Error(err),
		)
		return nil
	}
	if previous == nil || previous.Status == nil {
		// First-ever reading for this source, no baseline to compare against.
		return nil
	}
	if *previous.Status == current {
		return nil
	}

	eventType, ok := classify(*previous.Status, current)
	if !ok {
		t.logger.Debug("unclassified status transition dropped",
			zap.String("source", string(reading.Source)),
			zap.String("previous", *previous.Status),
			zap.String("current", current),
		)
		return nil
	}

	event := db.NewEventReading(reading.Source, eventType, *previous.Status, current, reading.Timestamp, reading.ReceivedAt)
	event.Fingerprint = fingerprint.Event(eventType, reading.Source, reading.Timestamp)

	inserted, err := t.store.InsertReading(ctx, event)
	if err != nil {
		t.logger.Error("failed to insert status event",
			zap.String("source", string(reading.Source)),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		return nil
	}
	if !inserted {
		// Same transition already detected within this minute bucket.
		return nil
	}

	t.logger.Info("grid status transition",
		zap.String("source", string(reading.Source)),
		zap.String("event_type", eventType),
		zap.String("previous", *previous.Status),
		zap.String("current", current),
		zap.Time("timestamp", reading.Timestamp),
	)

	return &db.GridStatusEvent{
		Timestamp:      reading.Timestamp,
		Source:         reading.Source,
		EventType:      eventType,
		PreviousStatus: *previous.Status,
		CurrentStatus:  current,
	}
}
