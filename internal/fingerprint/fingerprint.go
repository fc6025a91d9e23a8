package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/gridwatch/gridwatch-worker/internal/db"
)

// Fingerprints enforce at-most-one stored reading per minute-bucket per
// logical signal. The store treats a duplicate fingerprint as a no-op insert,
// so repeated scrapes of the same page within a minute collapse to one row.

// Numeric computes the dedup fingerprint for a numeric reading.
func Numeric(category db.Category, source db.Source, value float64, timestamp time.Time) string {
	return hash(string(category), string(source), strconv.FormatFloat(value, 'f', -1, 64), timestamp)
}

// Status computes the dedup fingerprint for an availability reading.
func Status(source db.Source, status string, timestamp time.Time) string {
	return hash(string(db.CategoryAvailability), string(source), status, timestamp)
}

// Raw computes the dedup fingerprint over the unparsed scraped text. Used for
// readings that fail value parsing, so distinct garbage values in the same
// minute stay distinct audit rows.
func Raw(category db.Category, source db.Source, raw string, timestamp time.Time) string {
	return hash(string(category), string(source), raw, timestamp)
}

// Event computes the dedup fingerprint for a synthetic transition event.
// Repeated detection of the same transition within a minute deduplicates.
func Event(eventType string, source db.Source, timestamp time.Time) string {
	return hash(string(db.CategoryEvent), string(source), eventType, timestamp)
}

func hash(category, source, payload string, timestamp time.Time) string {
	bucket := timestamp.UTC().Truncate(time.Minute).Format(time.RFC3339)
	sum := sha256.Sum256([]byte(strings.Join([]string{category, source, payload, bucket}, "|")))
	return hex.EncodeToString(sum[:])
}
