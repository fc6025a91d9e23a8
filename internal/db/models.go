package db

import (
	"time"

	"github.com/google/uuid"
)

// Category discriminates what kind of signal a reading carries.
type Category string

const (
	CategoryAvailability Category = "availability"
	CategoryConsumption  Category = "consumption"
	CategoryMeterReading Category = "meter_reading"
	CategoryBalance      Category = "balance"
	CategoryEvent        Category = "event"
)

// Source identifies which supply the reading was scraped from.
type Source string

const (
	SourceGrid Source = "grid"
	SourceDG   Source = "dg"
)

// Grid availability states as reported by the portal. Only online/offline
// participate in event classification; anything else is observed but never
// classified.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusUnknown = "unknown"
)

// Event types derived from availability transitions.
const (
	EventInterruption = "interruption"
	EventRestoration  = "restoration"
)

// Reading is a single raw observation in the append-only store.
//
// Numeric categories (meter_reading, consumption, balance) populate Value;
// availability populates Status; event rows populate Status with the event
// type plus PreviousStatus/CurrentStatus. Use the New* constructors instead
// of filling this in by hand so the shape stays consistent per category.
type Reading struct {
	ID               uuid.UUID
	Timestamp        time.Time
	Category         Category
	Source           Source
	Value            *float64
	Status           *string
	Unit             *string
	Period           *string
	Confidence       *float64
	PreviousStatus   *string
	CurrentStatus    *string
	Fingerprint      string
	ValidationStatus string
	AnomalyReason    *string
	ReceivedAt       time.Time
}

// NewNumericReading builds a reading for a numeric category.
func NewNumericReading(category Category, source Source, value float64, timestamp, receivedAt time.Time) *Reading {
	v := value
	return &Reading{
		ID:               uuid.New(),
		Timestamp:        timestamp,
		Category:         category,
		Source:           source,
		Value:            &v,
		ValidationStatus: "valid",
		ReceivedAt:       receivedAt,
	}
}

// NewAvailabilityReading builds a reading for an availability status.
func NewAvailabilityReading(source Source, status string, timestamp, receivedAt time.Time) *Reading {
	s := status
	return &Reading{
		ID:               uuid.New(),
		Timestamp:        timestamp,
		Category:         CategoryAvailability,
		Source:           source,
		Status:           &s,
		ValidationStatus: "valid",
		ReceivedAt:       receivedAt,
	}
}

// NewEventReading builds a synthetic event reading for a status transition.
func NewEventReading(source Source, eventType, previousStatus, currentStatus string, timestamp, receivedAt time.Time) *Reading {
	et := eventType
	prev := previousStatus
	curr := currentStatus
	return &Reading{
		ID:               uuid.New(),
		Timestamp:        timestamp,
		Category:         CategoryEvent,
		Source:           source,
		Status:           &et,
		PreviousStatus:   &prev,
		CurrentStatus:    &curr,
		ValidationStatus: "valid",
		ReceivedAt:       receivedAt,
	}
}

// DailyConsumptionRecord is one reconciled midnight-to-midnight consumption
// figure, keyed by UTC calendar date. Recomputation overwrites the row.
type DailyConsumptionRecord struct {
	Date                  time.Time
	MidnightReading       float64
	MidnightTimestamp     time.Time
	CurrentReading        float64
	CurrentTimestamp      time.Time
	CalculatedConsumption float64
	ReadingCount          int
	IsComplete            bool
	HasMonitoringGaps     bool
	ConfidenceScore       float64
	ComputedAt            time.Time
}

// GridStatusEvent is the query shape for a stored availability transition.
type GridStatusEvent struct {
	Timestamp      time.Time
	Source         Source
	EventType      string
	PreviousStatus string
	CurrentStatus  string
}
