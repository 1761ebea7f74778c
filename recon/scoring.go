package recon

import (
	"encoding/json"
	"strings"
	"time"
)

// =============================================================================
// SCORING MODEL - Weighted linear combination of normalized sub-scores
// =============================================================================
//
// combined = sum(w_i * s_i) / sum(w_i), over the signals that contribute.
//
// A signal contributes only when its weight is positive AND both sides carry
// it. A missing signal is omitted, never zero-filled, so a statement that
// only has day-granular data is not penalized for lacking amounts or units.

// Signal names reported in Match.KeysUsed.
const (
	SignalTime   = "time"
	SignalAmount = "amount"
	SignalUnit   = "unit"
)

// Score is the outcome of comparing one statement with one expected record.
type Score struct {
	Combined float64
	Time     *float64
	Amount   *float64
	Unit     *float64
	KeysUsed []string
}

// Score compares a statement with an expected record under these weights.
func (o MatchingOptions) Score(s Statement, e ExpectedRecord) Score {
	var (
		sc       Score
		weighted float64
		weights  float64
	)
	add := func(name string, w float64, sub *float64) {
		if w <= 0 || sub == nil {
			return
		}
		weighted += w * *sub
		weights += w
		sc.KeysUsed = append(sc.KeysUsed, name)
	}

	sc.Time = timeScore(s.EventDate, e.Ts, o.TimeSpanDays)
	sc.Amount = amountScore(s, e)
	sc.Unit = unitScore(s, e)

	add(SignalTime, o.WTime, sc.Time)
	add(SignalAmount, o.WAmount, sc.Amount)
	add(SignalUnit, o.WUnit, sc.Unit)

	if weights > 0 {
		sc.Combined = weighted / weights
	}
	return sc
}

// timeScore is 1 when ts falls inside the statement day and decays linearly
// to 0 at spanDays away from the day boundary.
func timeScore(eventDate, ts time.Time, spanDays float64) *float64 {
	if eventDate.IsZero() || ts.IsZero() || spanDays <= 0 {
		return nil
	}
	dist := dayDistance(eventDate, ts)
	v := 1 - dist.Hours()/(24*spanDays)
	if v < 0 {
		v = 0
	}
	return &v
}

// dayDistance is how far ts lies outside [day, day+24h).
func dayDistance(day, ts time.Time) time.Duration {
	start := TruncateDay(day)
	end := start.Add(24 * time.Hour)
	switch {
	case ts.Before(start):
		return start.Sub(ts)
	case !ts.Before(end):
		return ts.Sub(end)
	default:
		return 0
	}
}

// amountScore is 1 - |a-b| / max(a,b). It needs a positive USD amount on
// both sides.
func amountScore(s Statement, e ExpectedRecord) *float64 {
	if s.Currency != "" && !strings.EqualFold(s.Currency, CurrencyUSD) {
		return nil
	}
	if !s.Paid.IsPositive() || !e.ExpectedValueUSD.IsPositive() {
		return nil
	}
	a, _ := s.Paid.Float64()
	b, _ := e.ExpectedValueUSD.Float64()
	hi := a
	if b > hi {
		hi = b
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	v := 1 - diff/hi
	if v < 0 {
		v = 0
	}
	return &v
}

// unitScore is the fraction of comparable unit fields that agree:
// ad unit vs placement, and country/format when the expected record's floors
// payload carries them.
func unitScore(s Statement, e ExpectedRecord) *float64 {
	keys := e.unitKeys()
	pairs := [][2]string{
		{s.AdUnitID, e.PlacementID},
		{s.Country, keys.Country},
		{s.Format, keys.Format},
	}
	compared, agreed := 0, 0
	for _, p := range pairs {
		if p[0] == "" || p[1] == "" {
			continue
		}
		compared++
		if strings.EqualFold(strings.TrimSpace(p[0]), strings.TrimSpace(p[1])) {
			agreed++
		}
	}
	if compared == 0 {
		return nil
	}
	v := float64(agreed) / float64(compared)
	return &v
}

type expectedUnitKeys struct {
	Country string `json:"country"`
	Format  string `json:"format"`
}

func (e ExpectedRecord) unitKeys() expectedUnitKeys {
	var k expectedUnitKeys
	if len(e.Floors) == 0 {
		return k
	}
	// Floors payloads that are not objects simply carry no unit keys.
	_ = json.Unmarshal(e.Floors, &k)
	return k
}
