package recon

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)

func usdStatement(paid string) Statement {
	return Statement{
		EventDate: day,
		AdUnitID:  "placement-1",
		Country:   "US",
		Format:    "banner",
		Paid:      decimal.RequireFromString(paid),
		Currency:  CurrencyUSD,
	}
}

func record(ts time.Time, value string, floors string) ExpectedRecord {
	return ExpectedRecord{
		RequestID:        "req",
		PlacementID:      "placement-1",
		ExpectedValueUSD: decimal.RequireFromString(value),
		Floors:           json.RawMessage(floors),
		Ts:               ts,
	}
}

// =============================================================================
// SUB-SCORE TESTS
// =============================================================================

func TestTimeScore(t *testing.T) {
	tests := []struct {
		name string
		ts   time.Time
		want float64
	}{
		{"inside the day", day.Add(5 * time.Minute), 1},
		{"last instant of the day", day.Add(24*time.Hour - time.Nanosecond), 1},
		{"12h after", day.Add(36 * time.Hour), 0.5},
		{"6h before", day.Add(-6 * time.Hour), 0.75},
		{"beyond the span", day.Add(72 * time.Hour), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := timeScore(day, tt.ts, 1)
			require.NotNil(t, got)
			assert.InDelta(t, tt.want, *got, 1e-9)
		})
	}
}

func TestTimeScore_MissingSideIsOmitted(t *testing.T) {
	assert.Nil(t, timeScore(day, time.Time{}, 1))
	assert.Nil(t, timeScore(time.Time{}, day, 1))
}

func TestAmountScore(t *testing.T) {
	got := amountScore(usdStatement("100"), record(day, "80", ""))
	require.NotNil(t, got)
	assert.InDelta(t, 0.8, *got, 1e-9)

	got = amountScore(usdStatement("50"), record(day, "100", ""))
	require.NotNil(t, got)
	assert.InDelta(t, 0.5, *got, 1e-9)
}

func TestAmountScore_NeedsPositiveUSDOnBothSides(t *testing.T) {
	assert.Nil(t, amountScore(usdStatement("0"), record(day, "10", "")))
	assert.Nil(t, amountScore(usdStatement("10"), record(day, "0", "")))

	eur := usdStatement("10")
	eur.Currency = "EUR"
	assert.Nil(t, amountScore(eur, record(day, "10", "")))
}

func TestUnitScore_UsesFloorsKeys(t *testing.T) {
	// GIVEN: Placement and country agree, format differs
	// THEN: Two of three comparable fields agree

	got := unitScore(usdStatement("1"), record(day, "1", `{"country":"us","format":"video"}`))
	require.NotNil(t, got)
	assert.InDelta(t, 2.0/3.0, *got, 1e-9)
}

func TestUnitScore_NothingComparable(t *testing.T) {
	s := usdStatement("1")
	s.AdUnitID, s.Country, s.Format = "", "", ""
	assert.Nil(t, unitScore(s, record(day, "1", `[1,2]`)))
}

// =============================================================================
// COMBINED SCORE TESTS
// =============================================================================

func TestScore_TimeOnlyDefault(t *testing.T) {
	sc := DefaultMatchingOptions().Score(usdStatement("100"), record(day.Add(5*time.Minute), "50", ""))

	assert.Equal(t, 1.0, sc.Combined, "amount mismatch is ignored when unweighted")
	assert.Equal(t, []string{SignalTime}, sc.KeysUsed)
}

func TestScore_WeightedCombination(t *testing.T) {
	opts := MatchingOptions{WTime: 1, WAmount: 1, TimeSpanDays: 1}

	sc := opts.Score(usdStatement("100"), record(day.Add(time.Hour), "90", ""))

	assert.InDelta(t, 0.95, sc.Combined, 1e-9)
	assert.Equal(t, []string{SignalTime, SignalAmount}, sc.KeysUsed)
}

func TestScore_MissingSignalIsNotZeroFilled(t *testing.T) {
	// GIVEN: Amount is weighted but the statement has no paid amount
	// THEN: The combination renormalizes over time alone

	opts := MatchingOptions{WTime: 1, WAmount: 3, TimeSpanDays: 1}

	sc := opts.Score(usdStatement("0"), record(day.Add(time.Hour), "90", ""))

	assert.Equal(t, 1.0, sc.Combined)
	assert.Equal(t, []string{SignalTime}, sc.KeysUsed)
	assert.Nil(t, sc.Amount)
}

func TestScore_NoSignal(t *testing.T) {
	opts := MatchingOptions{WAmount: 1, TimeSpanDays: 1}

	sc := opts.Score(usdStatement("0"), record(day, "1", ""))

	assert.Empty(t, sc.KeysUsed)
	assert.Zero(t, sc.Combined)
}

func TestScorePairs_NoSignalPairsAreSkipped(t *testing.T) {
	opts := MatchingOptions{WAmount: 1, TimeSpanDays: 1}
	pairs := ScorePairs([]Statement{usdStatement("0")}, []ExpectedRecord{record(day, "1", "")}, opts, 0.8, 0.5)
	assert.Empty(t, pairs)
}

func TestMatchingOptions_Normalize(t *testing.T) {
	o := MatchingOptions{WTime: -1}.normalize()
	assert.Equal(t, 1.0, o.WTime, "all-zero weights fall back to time")
	assert.Equal(t, 1.0, o.TimeSpanDays)
	assert.Zero(t, o.WAmount)
}
