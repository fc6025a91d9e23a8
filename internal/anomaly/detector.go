package anomaly

import (
	"fmt"
)

// Detector flags implausible cumulative meter readings at ingest time so a
// scrape glitch cannot poison the daily reconciliation. A reading that drops
// below its predecessor is deliberately NOT flagged here: rollovers and
// anchor anomalies are the reconciliation engine's concern.
type Detector struct {
	maxPlausibleJump float64
	minDataPoints    int
}

// NewDetector creates a new anomaly detector with the specified thresholds
func NewDetector(maxPlausibleJump float64, minDataPoints int) *Detector {
	return &Detector{
		maxPlausibleJump: maxPlausibleJump,
		minDataPoints:    minDataPoints,
	}
}

// DetectAnomaly checks a new cumulative reading against recent history.
// recentValues is ordered newest first.
func (d *Detector) DetectAnomaly(value float64, recentValues []float64) (bool, string) {
	if value < 0 {
		return true, "negative meter reading"
	}

	if len(recentValues) < d.minDataPoints {
		return false, ""
	}

	last := recentValues[0]
	if value > last+d.maxPlausibleJump {
		return true, fmt.Sprintf("implausible jump: reading %.2f exceeds previous %.2f by more than %.1f",
			value, last, d.maxPlausibleJump)
	}

	return false, ""
}
