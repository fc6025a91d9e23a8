package consumption_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/gridwatch/gridwatch-worker/internal/config"
	"github.com/gridwatch/gridwatch-worker/internal/consumption"
	"github.com/gridwatch/gridwatch-worker/internal/db"
	"go.uber.org/zap"
)

// fakeStore is an in-memory stand-in for the repository. InDayTx runs the
// callback directly; the tests are single-threaded so there is nothing to
// serialize.
type fakeStore struct {
	readings   []db.Reading
	ledger     map[string]db.DailyConsumptionRecord
	failWindow map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ledger:     make(map[string]db.DailyConsumptionRecord),
		failWindow: make(map[string]bool),
	}
}

func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (s *fakeStore) addMeterReading(ts time.Time, value, confidence float64) {
	v := value
	c := confidence
	s.readings = append(s.readings, db.Reading{
		Timestamp:        ts,
		Category:         db.CategoryMeterReading,
		Source:           db.SourceGrid,
		Value:            &v,
		Confidence:       &c,
		ValidationStatus: "valid",
	})
}

func (s *fakeStore) InDayTx(ctx context.Context, date time.Time, fn func(ctx context.Context, tx consumption.TxStore) error) error {
	if s.failWindow[dateKey(date)] {
		return fmt.Errorf("store unavailable")
	}
	return fn(ctx, s)
}

func (s *fakeStore) MeterReadingsInWindow(ctx context.Context, from, to time.Time) ([]db.Reading, error) {
	var out []db.Reading
	for _, r := range s.readings {
		if !r.Timestamp.Before(from) && r.Timestamp.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) LatestMeterReading(ctx context.Context) (*db.Reading, error) {
	var latest *db.Reading
	for i := range s.readings {
		r := &s.readings[i]
		if latest == nil || r.Timestamp.After(latest.Timestamp) {
			latest = r
		}
	}
	return latest, nil
}

func (s *fakeStore) UpsertDailyConsumption(ctx context.Context, rec *db.DailyConsumptionRecord) error {
	s.ledger[dateKey(rec.Date)] = *rec
	return nil
}

func (s *fakeStore) DailyConsumptionsBetween(ctx context.Context, start, end time.Time) ([]db.DailyConsumptionRecord, error) {
	var out []db.DailyConsumptionRecord
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if rec, ok := s.ledger[dateKey(d)]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func testConfig() config.ConsumptionConfig {
	return config.ConsumptionConfig{
		Unit:              "units",
		GapMinReadings:    12,
		GapPenalty:        0.7,
		DefaultConfidence: 0.8,
		SuspiciousCeiling: 100.0,
	}
}

func newTestEngine(store *fakeStore) *consumption.Engine {
	return consumption.NewEngine(store, testConfig(), zap.NewNop())
}

var testDay = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

// Scenario A: a well-covered day with anchor 100.0 and latest 105.0 yields
// consumption 5.0 at full confidence with no gap flag.
func TestCalculateDailyConsumption_WellCoveredDay(t *testing.T) {
	store := newFakeStore()
	store.addMeterReading(testDay.Add(1*time.Minute), 100.0, 1.0)
	for i := 1; i <= 11; i++ {
		store.addMeterReading(testDay.Add(time.Duration(i)*2*time.Hour), 100.0+float64(i)*0.4, 1.0)
	}
	store.addMeterReading(testDay.Add(23*time.Hour+58*time.Minute), 105.0, 1.0)

	engine := newTestEngine(store)
	now := testDay.Add(23*time.Hour + 59*time.Minute)

	rec, err := engine.CalculateDailyConsumption(context.Background(), testDay, now)
	if err != nil {
		t.Fatalf("Expected success, got error: %v", err)
	}

	if rec.CalculatedConsumption != 5.0 {
		t.Errorf("Expected consumption 5.0, got %f", rec.CalculatedConsumption)
	}
	if rec.HasMonitoringGaps {
		t.Error("Expected no monitoring gaps with 13 readings")
	}
	if rec.ConfidenceScore != 1.0 {
		t.Errorf("Expected confidence 1.0, got %f", rec.ConfidenceScore)
	}
	if rec.IsComplete {
		t.Error("Expected today's record to be incomplete")
	}
}

// Scenario B: when the earliest reading is at 00:45 the delta is
// anchor-relative, not clock-midnight-relative.
func TestCalculateDailyConsumption_LateAnchor(t *testing.T) {
	store := newFakeStore()
	store.addMeterReading(testDay.Add(45*time.Minute), 100.0, 1.0)
	store.addMeterReading(testDay.Add(12*time.Hour), 103.0, 1.0)

	engine := newTestEngine(store)
	now := testDay.Add(13 * time.Hour)

	rec, err := engine.CalculateDailyConsumption(context.Background(), testDay, now)
	if err != nil {
		t.Fatalf("Expected success, got error: %v", err)
	}

	if !rec.MidnightTimestamp.Equal(testDay.Add(45 * time.Minute)) {
		t.Errorf("Expected anchor at 00:45, got %v", rec.MidnightTimestamp)
	}
	if rec.CalculatedConsumption != 3.0 {
		t.Errorf("Expected anchor-relative consumption 3.0, got %f", rec.CalculatedConsumption)
	}
}

// Scenario C: a sparse day carries the gap flag and the confidence penalty.
func TestCalculateDailyConsumption_SparseDay(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 5; i++ {
		store.addMeterReading(testDay.Add(time.Duration(i)*4*time.Hour), 100.0+float64(i), 1.0)
	}

	engine := newTestEngine(store)
	now := testDay.Add(20 * time.Hour)

	rec, err := engine.CalculateDailyConsumption(context.Background(), testDay, now)
	if err != nil {
		t.Fatalf("Expected success, got error: %v", err)
	}

	if !rec.HasMonitoringGaps {
		t.Error("Expected monitoring gaps with only 5 readings")
	}
	if rec.ConfidenceScore != 0.7 {
		t.Errorf("Expected confidence 0.7 after gap penalty, got %f", rec.ConfidenceScore)
	}
}

// Scenario D: a current reading below the anchor indicates rollover or a
// mis-selected anchor; nothing is persisted.
func TestCalculateDailyConsumption_NegativeDelta(t *testing.T) {
	store := newFakeStore()
	store.addMeterReading(testDay.Add(1*time.Minute), 100.0, 1.0)
	store.addMeterReading(testDay.Add(12*time.Hour), 95.0, 1.0)

	engine := newTestEngine(store)
	now := testDay.Add(13 * time.Hour)

	rec, err := engine.CalculateDailyConsumption(context.Background(), testDay, now)
	if !errors.Is(err, consumption.ErrNegativeConsumption) {
		t.Fatalf("Expected ErrNegativeConsumption, got %v", err)
	}
	if rec != nil {
		t.Error("Expected no record on negative delta")
	}
	if len(store.ledger) != 0 {
		t.Error("Expected nothing persisted on negative delta")
	}
}

func TestCalculateDailyConsumption_NoReadings(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)

	_, err := engine.CalculateDailyConsumption(context.Background(), testDay, testDay.Add(6*time.Hour))
	if !errors.Is(err, consumption.ErrNoAnchor) {
		t.Fatalf("Expected ErrNoAnchor, got %v", err)
	}
}

// Gap threshold boundary: exactly 11 readings is gappy, exactly 12 is not.
func TestCalculateDailyConsumption_GapBoundary(t *testing.T) {
	for _, tc := range []struct {
		count    int
		expected bool
	}{
		{11, true},
		{12, false},
	} {
		store := newFakeStore()
		for i := 0; i < tc.count; i++ {
			store.addMeterReading(testDay.Add(time.Duration(i)*time.Hour), 100.0+float64(i), 1.0)
		}

		engine := newTestEngine(store)
		now := testDay.Add(23 * time.Hour)

		rec, err := engine.CalculateDailyConsumption(context.Background(), testDay, now)
		if err != nil {
			t.Fatalf("Expected success with %d readings, got error: %v", tc.count, err)
		}
		if rec.HasMonitoringGaps != tc.expected {
			t.Errorf("Expected HasMonitoringGaps=%v with %d readings, got %v",
				tc.expected, tc.count, rec.HasMonitoringGaps)
		}
	}
}

// Confidence must stay in [0,1] even when producers report values outside it.
func TestCalculateDailyConsumption_ConfidenceClamped(t *testing.T) {
	store := newFakeStore()
	store.addMeterReading(testDay.Add(1*time.Minute), 100.0, 1.8)
	store.addMeterReading(testDay.Add(12*time.Hour), 103.0, 2.5)

	engine := newTestEngine(store)
	now := testDay.Add(13 * time.Hour)

	rec, err := engine.CalculateDailyConsumption(context.Background(), testDay, now)
	if err != nil {
		t.Fatalf("Expected success, got error: %v", err)
	}

	if rec.ConfidenceScore < 0 || rec.ConfidenceScore > 1 {
		t.Errorf("Expected confidence in [0,1], got %f", rec.ConfidenceScore)
	}
}

// Recomputation over an unchanged reading set yields an identical record.
func TestCalculateDailyConsumption_Idempotent(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 14; i++ {
		store.addMeterReading(testDay.Add(time.Duration(i)*90*time.Minute), 100.0+float64(i)*0.5, 0.9)
	}

	engine := newTestEngine(store)
	now := testDay.Add(22 * time.Hour)

	first, err := engine.CalculateDailyConsumption(context.Background(), testDay, now)
	if err != nil {
		t.Fatalf("Expected success, got error: %v", err)
	}
	second, err := engine.CalculateDailyConsumption(context.Background(), testDay, now)
	if err != nil {
		t.Fatalf("Expected success on recompute, got error: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Errorf("Expected identical records, got %+v and %+v", first, second)
	}
}

// A past date must use the last reading inside its own window even when later
// readings exist globally.
func TestCalculateDailyConsumption_PastDayBoundedToWindow(t *testing.T) {
	store := newFakeStore()
	store.addMeterReading(testDay.Add(5*time.Minute), 100.0, 1.0)
	store.addMeterReading(testDay.Add(22*time.Hour), 104.0, 1.0)
	// Next day's readings must not leak into the past day's figure.
	store.addMeterReading(testDay.AddDate(0, 0, 1).Add(10*time.Hour), 130.0, 1.0)

	engine := newTestEngine(store)
	now := testDay.AddDate(0, 0, 1).Add(11 * time.Hour)

	rec, err := engine.CalculateDailyConsumption(context.Background(), testDay, now)
	if err != nil {
		t.Fatalf("Expected success, got error: %v", err)
	}

	if rec.CalculatedConsumption != 4.0 {
		t.Errorf("Expected window-bounded consumption 4.0, got %f", rec.CalculatedConsumption)
	}
	if !rec.IsComplete {
		t.Error("Expected past day to be marked complete")
	}
}

// A past date with no readings of its own returns no result rather than
// borrowing a reading from another day.
func TestCalculateDailyConsumption_PastDayWithoutData(t *testing.T) {
	store := newFakeStore()
	store.addMeterReading(testDay.AddDate(0, 0, 1).Add(10*time.Hour), 130.0, 1.0)

	engine := newTestEngine(store)
	now := testDay.AddDate(0, 0, 2)

	_, err := engine.CalculateDailyConsumption(context.Background(), testDay, now)
	if !errors.Is(err, consumption.ErrNoAnchor) {
		t.Fatalf("Expected ErrNoAnchor for empty past day, got %v", err)
	}
}

// Anchor proximity property: no in-window candidate is ever closer to
// midnight than the selected anchor.
func TestSelectMidnightAnchor_Proximity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 100; trial++ {
		store := newFakeStore()
		count := 1 + rng.Intn(20)
		offsets := make([]time.Duration, count)
		for i := 0; i < count; i++ {
			offsets[i] = time.Duration(rng.Intn(24*60)) * time.Minute
			store.addMeterReading(testDay.Add(offsets[i]), 100.0+rng.Float64(), 1.0)
		}

		engine := newTestEngine(store)
		anchor, err := engine.SelectMidnightAnchor(context.Background(), testDay)
		if err != nil {
			t.Fatalf("Expected anchor, got error: %v", err)
		}

		selected := anchor.Timestamp.Sub(testDay)
		for _, off := range offsets {
			if off < selected {
				t.Fatalf("Trial %d: skipped closer candidate at +%v, selected +%v", trial, off, selected)
			}
		}
	}
}

func TestComputeCoverage(t *testing.T) {
	store := newFakeStore()
	store.addMeterReading(testDay.Add(2*time.Hour), 100.0, 1.0)
	store.addMeterReading(testDay.Add(8*time.Hour), 101.0, 1.0)
	store.addMeterReading(testDay.Add(20*time.Hour), 102.0, 1.0)

	engine := newTestEngine(store)
	cov, err := engine.ComputeCoverage(context.Background(), testDay)
	if err != nil {
		t.Fatalf("Expected coverage, got error: %v", err)
	}

	if cov.ReadingCount != 3 {
		t.Errorf("Expected 3 readings, got %d", cov.ReadingCount)
	}
	if !cov.HasGaps {
		t.Error("Expected gaps with 3 readings")
	}
	if !cov.FirstReading.Timestamp.Equal(testDay.Add(2 * time.Hour)) {
		t.Errorf("Expected first reading at 02:00, got %v", cov.FirstReading.Timestamp)
	}
	if !cov.LastReading.Timestamp.Equal(testDay.Add(20 * time.Hour)) {
		t.Errorf("Expected last reading at 20:00, got %v", cov.LastReading.Timestamp)
	}
}

// Backfill collects successes and skips bad days without aborting the batch.
func TestBackfill_PartialFailure(t *testing.T) {
	store := newFakeStore()
	dayMinusTwo := testDay.AddDate(0, 0, -2)
	// dayMinusTwo and today have data; dayMinusOne has none.
	store.addMeterReading(dayMinusTwo.Add(10*time.Minute), 90.0, 1.0)
	store.addMeterReading(dayMinusTwo.Add(20*time.Hour), 94.0, 1.0)
	store.addMeterReading(testDay.Add(10*time.Minute), 100.0, 1.0)
	store.addMeterReading(testDay.Add(6*time.Hour), 102.0, 1.0)

	engine := newTestEngine(store)
	now := testDay.Add(7 * time.Hour)

	records := engine.Backfill(context.Background(), 3, now)

	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if !records[0].Date.Equal(dayMinusTwo) {
		t.Errorf("Expected oldest-first ordering, first record for %v", records[0].Date)
	}
	if !records[1].Date.Equal(testDay) {
		t.Errorf("Expected today last, got %v", records[1].Date)
	}
}

func TestBackfill_StoreErrorSkipped(t *testing.T) {
	store := newFakeStore()
	dayMinusOne := testDay.AddDate(0, 0, -1)
	store.addMeterReading(dayMinusOne.Add(10*time.Minute), 90.0, 1.0)
	store.addMeterReading(dayMinusOne.Add(20*time.Hour), 93.0, 1.0)
	store.addMeterReading(testDay.Add(10*time.Minute), 100.0, 1.0)
	store.addMeterReading(testDay.Add(6*time.Hour), 101.0, 1.0)
	store.failWindow[dateKey(dayMinusOne)] = true

	engine := newTestEngine(store)
	now := testDay.Add(7 * time.Hour)

	records := engine.Backfill(context.Background(), 2, now)

	if len(records) != 1 {
		t.Fatalf("Expected 1 record despite store error, got %d", len(records))
	}
	if !records[0].Date.Equal(testDay) {
		t.Errorf("Expected surviving record for today, got %v", records[0].Date)
	}
}

func TestTodayConsumption(t *testing.T) {
	store := newFakeStore()
	store.addMeterReading(testDay.Add(1*time.Minute), 100.0, 0.9)
	store.addMeterReading(testDay.Add(10*time.Hour), 103.5, 0.9)

	engine := newTestEngine(store)
	now := testDay.Add(11 * time.Hour)

	result, err := engine.TodayConsumption(context.Background(), now)
	if err != nil {
		t.Fatalf("Expected success, got error: %v", err)
	}
	if result == nil {
		t.Fatal("Expected a result")
	}

	if result.Value != 3.5 {
		t.Errorf("Expected value 3.5, got %f", result.Value)
	}
	if result.Unit != "units" {
		t.Errorf("Expected unit 'units', got '%s'", result.Unit)
	}
	if !result.IsRealTimeCalculated {
		t.Error("Expected real-time calculated flag")
	}
	if !result.HasGaps {
		t.Error("Expected gap flag with 2 readings")
	}
}

func TestTodayConsumption_NoData(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)

	result, err := engine.TodayConsumption(context.Background(), testDay.Add(6*time.Hour))
	if err != nil {
		t.Fatalf("Expected soft failure to be absorbed, got error: %v", err)
	}
	if result != nil {
		t.Errorf("Expected nil result with no data, got %+v", result)
	}
}
