package validator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gridwatch/gridwatch-worker/internal/db"
	"github.com/gridwatch/gridwatch-worker/internal/portaltime"
)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid       bool
	AnomalyReason string
}

// IndicatorData is a single scraped indicator as it arrives from the portal
// scraper, everything still stringly-typed as rendered.
type IndicatorData struct {
	Category   string   `json:"category"`
	Value      string   `json:"value"`
	Unit       string   `json:"unit,omitempty"`
	Period     string   `json:"period,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
}

// ParsedIndicator is the typed outcome of validating an IndicatorData.
// Exactly one of Value/Status is meaningful depending on Category.
type ParsedIndicator struct {
	Category   db.Category
	Value      float64
	Status     string
	Confidence float64
	Timestamp  time.Time
}

var numericCategories = map[db.Category]bool{
	db.CategoryMeterReading: true,
	db.CategoryConsumption:  true,
	db.CategoryBalance:      true,
}

var knownStatuses = map[string]bool{
	db.StatusOnline:  true,
	db.StatusOffline: true,
	db.StatusUnknown: true,
}

// Validator handles indicator validation with configurable parameters
type Validator struct {
	timestampToleranceMinutes int
	defaultConfidence         float64
}

// NewValidator creates a new validator
func NewValidator(timestampToleranceMinutes int, defaultConfidence float64) *Validator {
	return &Validator{
		timestampToleranceMinutes: timestampToleranceMinutes,
		defaultConfidence:         defaultConfidence,
	}
}

// ValidateIndicator validates a single scraped indicator against the known
// category set, parses its value or status, clamps confidence into [0,1] and
// resolves the reading timestamp. A zero parsed timestamp falls back to
// scrapedAt at the caller.
func (v *Validator) ValidateIndicator(indicator IndicatorData, scrapedAt time.Time) (ParsedIndicator, ValidationResult) {
	result := ValidationResult{IsValid: true}
	parsed := ParsedIndicator{Confidence: v.clampConfidence(indicator.Confidence)}

	category := db.Category(strings.TrimSpace(indicator.Category))
	switch {
	case numericCategories[category]:
		parsed.Category = category
		// Strip square brackets if present
		raw := strings.Trim(strings.TrimSpace(indicator.Value), "[]")
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			result.IsValid = false
			result.AnomalyReason = fmt.Sprintf("invalid numeric value: %v", err)
			return parsed, result
		}
		if value < 0 {
			result.IsValid = false
			result.AnomalyReason = "negative value detected"
			parsed.Value = value
			return parsed, result
		}
		parsed.Value = value

	case category == db.CategoryAvailability:
		parsed.Category = category
		status := strings.ToLower(strings.TrimSpace(indicator.Value))
		if !knownStatuses[status] {
			result.IsValid = false
			result.AnomalyReason = fmt.Sprintf("unrecognized availability status '%s'", status)
			return parsed, result
		}
		parsed.Status = status

	default:
		result.IsValid = false
		result.AnomalyReason = fmt.Sprintf("unknown category '%s'", indicator.Category)
		return parsed, result
	}

	// Parse timestamp
	if indicator.Timestamp != "" {
		readingTime, err := portaltime.ParsePortalTimestamp(indicator.Timestamp)
		if err != nil {
			result.IsValid = false
			result.AnomalyReason = fmt.Sprintf("invalid timestamp format: %v", err)
			return parsed, result
		}
		if !portaltime.IsWithinTolerance(readingTime, scrapedAt, v.timestampToleranceMinutes) {
			result.IsValid = false
			result.AnomalyReason = fmt.Sprintf("timestamp outside tolerance window (±%d minutes)", v.timestampToleranceMinutes)
			parsed.Timestamp = readingTime
			return parsed, result
		}
		parsed.Timestamp = readingTime
	}

	return parsed, result
}

// clampConfidence applies the producer-assigned confidence, defaulting when
// absent and clamping into [0,1] so downstream scores stay bounded.
func (v *Validator) clampConfidence(confidence *float64) float64 {
	if confidence == nil {
		return v.defaultConfidence
	}
	c := *confidence
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
