package recon

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// WINDOW TESTS
// =============================================================================

func TestWindow_Validate(t *testing.T) {
	_, err := NewWindow(day, day)
	assert.ErrorIs(t, err, ErrInvalidWindow, "empty window")

	_, err = NewWindow(day, day.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrInvalidWindow, "inverted window")

	_, err = NewWindow(time.Time{}, day)
	assert.ErrorIs(t, err, ErrInvalidWindow, "missing bound")

	w, err := NewWindow(day, day.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, w.Duration())
}

func TestWindow_HalfOpen(t *testing.T) {
	w := MustWindow(day, day.Add(24*time.Hour))

	assert.True(t, w.Contains(day))
	assert.True(t, w.Contains(day.Add(24*time.Hour-time.Nanosecond)))
	assert.False(t, w.Contains(day.Add(24*time.Hour)))
	assert.False(t, w.Contains(day.Add(-time.Nanosecond)))
}

func TestWindow_ContainsDay(t *testing.T) {
	// GIVEN: A window starting mid-day
	// THEN: That day's statements belong to it; the day of To does not

	w := MustWindow(day.Add(12*time.Hour), day.Add(24*time.Hour))

	assert.True(t, w.ContainsDay(day))
	assert.False(t, w.ContainsDay(day.Add(24*time.Hour)))
	assert.False(t, w.ContainsDay(day.Add(-24*time.Hour)))
}

func TestWindow_Baseline(t *testing.T) {
	w := MustWindow(day, day.Add(24*time.Hour))

	b := w.Baseline(30)

	assert.Equal(t, time.Date(2024, time.December, 11, 0, 0, 0, 0, time.UTC), b.From)
	assert.Equal(t, w.From, b.To)
}

func TestWindow_BaselineSubDay(t *testing.T) {
	// GIVEN: A one-hour window in the middle of the day
	// WHEN: Taking a 5-day baseline
	// THEN: Both bounds fall on midnight, ending at the window's own day

	w := MustWindow(day.Add(6*time.Hour), day.Add(7*time.Hour))

	b := w.Baseline(5)

	assert.Equal(t, time.Date(2025, time.January, 5, 0, 0, 0, 0, time.UTC), b.From)
	assert.Equal(t, day, b.To)
	assert.True(t, b.ContainsDay(day.AddDate(0, 0, -5)))
	assert.False(t, b.ContainsDay(day))
}

func TestNewWindow_NormalizesToUTC(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	w, err := NewWindow(time.Date(2025, 1, 9, 19, 0, 0, 0, est), time.Date(2025, 1, 10, 19, 0, 0, 0, est))
	require.NoError(t, err)
	assert.Equal(t, time.UTC, w.From.Location())
	assert.True(t, w.From.Equal(day))
}

// =============================================================================
// DETERMINISTIC ID TESTS
// =============================================================================

func TestStatementID_Structural(t *testing.T) {
	a := Statement{EventDate: day.Add(3 * time.Hour), AppID: "app", AdUnitID: "unit", Country: "US",
		Format: "banner", Currency: "USD", ReportID: "r1", Network: "net", Paid: decimal.NewFromInt(5)}
	b := a
	b.EventDate = day
	b.Paid = decimal.NewFromInt(9)

	assert.Equal(t, StatementID(a), StatementID(b), "paid and time-of-day are not key fields")

	c := a
	c.Network = "other"
	assert.NotEqual(t, StatementID(a), StatementID(c))
	assert.Len(t, StatementID(a), 64)
}

func TestStatementID_FieldBoundaries(t *testing.T) {
	a := Statement{EventDate: day, AppID: "ab", AdUnitID: "c"}
	b := Statement{EventDate: day, AppID: "a", AdUnitID: "bc"}
	assert.NotEqual(t, StatementID(a), StatementID(b))
}

func TestEvidenceID(t *testing.T) {
	w := MustWindow(day, day.Add(24*time.Hour))
	other := MustWindow(day, day.Add(48*time.Hour))

	id := EvidenceID(DeltaUnderpay, w)

	assert.Equal(t, id, EvidenceID(DeltaUnderpay, w), "deterministic")
	assert.NotEqual(t, id, EvidenceID(DeltaTimingLag, w))
	assert.NotEqual(t, id, EvidenceID(DeltaUnderpay, other))
	assert.NotEqual(t, EvidenceID(DeltaFXMismatch, w, "EUR"), EvidenceID(DeltaFXMismatch, w, "GBP"))
	assert.Contains(t, id, "underpay_")
}

// =============================================================================
// CONFIG TESTS
// =============================================================================

func TestReconciliationConfig_Normalize(t *testing.T) {
	c := ReconciliationConfig{
		UnderpayTolerance:   -1,
		AutoAcceptThreshold: 0.4,
		ReviewMinThreshold:  0.7,
		BaselineDays:        0,
	}.Normalize()

	d := DefaultConfig()
	assert.Equal(t, d.UnderpayTolerance, c.UnderpayTolerance)
	assert.Equal(t, 0.4, c.ReviewMinThreshold, "review min never exceeds auto accept")
	assert.Equal(t, d.BaselineDays, c.BaselineDays)
	assert.Equal(t, d.ReconcileRowLimit, c.ReconcileRowLimit)
	assert.Equal(t, 1.0, c.Matching.WTime)
}

func TestReconciliationConfig_ThresholdsClamped(t *testing.T) {
	c := ReconciliationConfig{AutoAcceptThreshold: 1.7, ReviewMinThreshold: -0.2}.Normalize()

	assert.Equal(t, 1.0, c.AutoAcceptThreshold)
	assert.Equal(t, 0.0, c.ReviewMinThreshold)
}

func TestDeltaKind_Valid(t *testing.T) {
	for _, k := range DeltaKinds {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, DeltaKind("overpay").Valid())
}
