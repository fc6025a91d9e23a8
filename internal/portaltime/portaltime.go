package portaltime

import (
	"fmt"
	"time"
)

// ParsePortalTimestamp attempts to parse a scraped portal timestamp with the
// formats the utility portal has been observed rendering.
func ParsePortalTimestamp(dateStr string) (time.Time, error) {
	formats := []string{
		"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
		"02/01/2006 15:04",    // DD/MM/YYYY HH:mm
		"02-01-2006 15:04:05", // DD-MM-YYYY HH:mm:ss
		"2006-01-02 15:04:05", // ISO-ish without zone
		time.RFC3339,
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}

// IsWithinTolerance checks if the scraped timestamp is within tolerance of
// the time the page was scraped.
func IsWithinTolerance(readingTime, scrapedAt time.Time, toleranceMinutes int) bool {
	diff := readingTime.Sub(scrapedAt)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(toleranceMinutes)*time.Minute
}
