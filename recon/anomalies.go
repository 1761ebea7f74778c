package recon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// ANOMALY RULES - Baseline-relative detectors run by the WindowReconciler
// =============================================================================
//
// Each rule reads what it needs, compares the window against a statistic of
// the trailing BaselineDays, and returns zero or more Deltas. A rule never
// sees another rule's failure.

// Fixed confidences of the anomaly deltas.
const (
	IVTOutlierConfidence     = 0.6
	FXMismatchConfidence     = 0.55
	ViewabilityGapConfidence = 0.5
)

// Reason codes of the anomaly deltas.
const (
	ReasonIVTOutlier     = "ivt_rate_above_p95_band"
	ReasonFXMismatch     = "fx_rate_deviation_vs_baseline_median"
	ReasonViewabilityGap = "om_vs_statement_viewability_gap"
)

type ruleInput struct {
	cfg      ReconciliationConfig
	window   Window
	expected []ExpectedRecord
	paid     []PaidEvent
}

type anomalyRule struct {
	name string
	run  func(ctx context.Context, in ruleInput) ([]Delta, error)
}

func (r *WindowReconciler) rules() []anomalyRule {
	return []anomalyRule{
		{name: "ivt_outlier", run: r.ivtOutlier},
		{name: "fx_mismatch", run: r.fxMismatch},
		{name: "viewability_gap", run: r.viewabilityGap},
	}
}

// runRule executes one rule in isolation. Errors and panics become a
// rule_failed degradation; ErrNoBaseline is a quiet "no finding".
func runRule(ctx context.Context, log *zap.Logger, rule anomalyRule, in ruleInput) (deltas []Delta, de *DegradedError) {
	op := "rule_" + rule.name
	defer func() {
		if p := recover(); p != nil {
			deltas = nil
			de = &DegradedError{Op: op, Reason: DegradeRuleFailed, Err: fmt.Errorf("%w: panic: %v", ErrRuleFailed, p)}
			log.Error("anomaly rule panicked", zap.String("rule", rule.name), zap.Any("panic", p))
		}
	}()

	deltas, err := rule.run(ctx, in)
	switch {
	case err == nil:
		return deltas, nil
	case errors.Is(err, ErrNoBaseline):
		log.Debug("anomaly rule has no baseline", zap.String("rule", rule.name))
		return nil, nil
	default:
		log.Warn("anomaly rule degraded", zap.String("rule", rule.name), zap.Error(err))
		return nil, &DegradedError{Op: op, Reason: DegradeRuleFailed, Err: fmt.Errorf("%w: %v", ErrRuleFailed, err)}
	}
}

// =============================================================================
// IVT OUTLIER
// =============================================================================

// ivtOutlier flags a window whose invalid-traffic rate exceeds the p95 of
// the trailing daily rates plus IVTBandPP.
func (r *WindowReconciler) ivtOutlier(ctx context.Context, in ruleInput) ([]Delta, error) {
	current, err := r.Statements.StatementsInWindow(ctx, in.window, in.cfg.ReconcileRowLimit)
	if err != nil {
		return nil, fmt.Errorf("statements in window: %w", err)
	}
	rate, ok := IVTRate(current)
	if !ok {
		return nil, nil
	}

	baseline, err := r.Statements.StatementsInWindow(ctx, in.window.Baseline(in.cfg.BaselineDays), in.cfg.ReconcileRowLimit)
	if err != nil {
		return nil, fmt.Errorf("baseline statements: %w", err)
	}
	daily := DailyIVTRates(baseline)
	if len(daily) == 0 {
		return nil, ErrNoBaseline
	}

	p95 := Percentile(daily, 0.95)
	band := in.cfg.IVTBandPP / 100
	if !exceeds(rate, p95+band, in.cfg.Epsilon) {
		return nil, nil
	}
	return []Delta{{
		Kind:        DeltaIVTOutlier,
		AmountUSD:   decimal.Zero,
		Currency:    CurrencyUSD,
		ReasonCode:  ReasonIVTOutlier,
		WindowStart: in.window.From,
		WindowEnd:   in.window.To,
		EvidenceID:  EvidenceID(DeltaIVTOutlier, in.window),
		Confidence:  IVTOutlierConfidence,
		Details: map[string]any{
			"ivt_rate":      rate,
			"baseline_p95":  p95,
			"band_pp":       in.cfg.IVTBandPP,
			"baseline_days": len(daily),
		},
	}}, nil
}

// IVTRate is sum(|ivtAdjustments|) / sum(paid). ok is false when no
// statement carries IVT data or nothing was paid.
func IVTRate(statements []Statement) (rate float64, ok bool) {
	var ivt, paid float64
	seen := false
	for _, s := range statements {
		p, _ := s.Paid.Float64()
		paid += p
		if s.IVTAdjustments != nil {
			v, _ := s.IVTAdjustments.Abs().Float64()
			ivt += v
			seen = true
		}
	}
	if !seen || paid <= 0 {
		return 0, false
	}
	return ivt / paid, true
}

// DailyIVTRates groups statements by event day and returns the IVT rate of
// every day that has IVT data and positive paid revenue.
func DailyIVTRates(statements []Statement) []float64 {
	byDay := make(map[string][]Statement)
	for _, s := range statements {
		k := DayKey(s.EventDate)
		byDay[k] = append(byDay[k], s)
	}
	days := make([]string, 0, len(byDay))
	for k := range byDay {
		days = append(days, k)
	}
	sort.Strings(days)

	rates := make([]float64, 0, len(days))
	for _, k := range days {
		if rate, ok := IVTRate(byDay[k]); ok {
			rates = append(rates, rate)
		}
	}
	return rates
}

// =============================================================================
// FX MISMATCH
// =============================================================================

// fxMismatch flags, per non-USD currency, a window average exchange rate
// that deviates from the trailing median by more than FXBandPct.
func (r *WindowReconciler) fxMismatch(ctx context.Context, in ruleInput) ([]Delta, error) {
	current := AverageRates(in.paid)
	if len(current) == 0 {
		return nil, nil
	}

	baseline, err := r.PaidEvents.PaidEventsInWindow(ctx, in.window.Baseline(in.cfg.BaselineDays), in.cfg.ReconcileRowLimit)
	if err != nil {
		return nil, fmt.Errorf("baseline paid events: %w", err)
	}
	medians := BaselineRateMedians(baseline)
	if len(medians) == 0 {
		return nil, ErrNoBaseline
	}

	currencies := make([]string, 0, len(current))
	for c := range current {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)

	band := in.cfg.FXBandPct / 100
	var deltas []Delta
	for _, c := range currencies {
		median, ok := medians[c]
		if !ok || median <= 0 {
			continue
		}
		avg := current[c]
		deviation := abs(avg-median) / median
		if !exceeds(deviation, band, in.cfg.Epsilon) {
			continue
		}
		deltas = append(deltas, Delta{
			Kind:        DeltaFXMismatch,
			AmountUSD:   decimal.Zero,
			Currency:    c,
			ReasonCode:  ReasonFXMismatch,
			WindowStart: in.window.From,
			WindowEnd:   in.window.To,
			EvidenceID:  EvidenceID(DeltaFXMismatch, in.window, c),
			Confidence:  FXMismatchConfidence,
			Details: map[string]any{
				"avg_rate":      avg,
				"median_rate":   median,
				"deviation_pct": deviation * 100,
				"band_pct":      in.cfg.FXBandPct,
			},
		})
	}
	return deltas, nil
}

// AverageRates returns the mean positive exchange rate per non-USD currency.
func AverageRates(events []PaidEvent) map[string]float64 {
	samples := make(map[string][]float64)
	for _, p := range events {
		c, rate, ok := fxSample(p)
		if !ok {
			continue
		}
		samples[c] = append(samples[c], rate)
	}
	out := make(map[string]float64, len(samples))
	for c, v := range samples {
		out[c] = Mean(v)
	}
	return out
}

// BaselineRateMedians returns, per non-USD currency, the median of the daily
// average exchange rates.
func BaselineRateMedians(events []PaidEvent) map[string]float64 {
	daily := make(map[string]map[string][]float64)
	for _, p := range events {
		c, rate, ok := fxSample(p)
		if !ok {
			continue
		}
		if daily[c] == nil {
			daily[c] = make(map[string][]float64)
		}
		k := DayKey(p.Timestamp)
		daily[c][k] = append(daily[c][k], rate)
	}
	out := make(map[string]float64, len(daily))
	for c, days := range daily {
		avgs := make([]float64, 0, len(days))
		for _, v := range days {
			avgs = append(avgs, Mean(v))
		}
		out[c] = Median(avgs)
	}
	return out
}

func fxSample(p PaidEvent) (currency string, rate float64, ok bool) {
	c := strings.ToUpper(strings.TrimSpace(p.RevenueCurrency))
	if c == "" || c == CurrencyUSD || !p.ExchangeRate.IsPositive() {
		return "", 0, false
	}
	rate, _ = p.ExchangeRate.Float64()
	return c, rate, true
}

// =============================================================================
// VIEWABILITY GAP
// =============================================================================

// viewabilityGap flags a window where the average OM-measured viewability and
// the average statement-reported viewability differ by more than
// ViewabilityGapPP. Only records carrying both measurements count.
func (r *WindowReconciler) viewabilityGap(_ context.Context, in ruleInput) ([]Delta, error) {
	var om, st []float64
	for _, e := range in.expected {
		if !e.Viewability.Complete() {
			continue
		}
		om = append(om, *e.Viewability.OMViewablePct)
		st = append(st, *e.Viewability.StatementViewablePct)
	}
	if len(om) == 0 {
		return nil, nil
	}

	omAvg, stAvg := Mean(om), Mean(st)
	gap := abs(omAvg - stAvg)
	if !exceeds(gap, in.cfg.ViewabilityGapPP, in.cfg.Epsilon) {
		return nil, nil
	}
	return []Delta{{
		Kind:        DeltaViewabilityGap,
		AmountUSD:   decimal.Zero,
		Currency:    CurrencyUSD,
		ReasonCode:  ReasonViewabilityGap,
		WindowStart: in.window.From,
		WindowEnd:   in.window.To,
		EvidenceID:  EvidenceID(DeltaViewabilityGap, in.window),
		Confidence:  ViewabilityGapConfidence,
		Details: map[string]any{
			"om_viewable_pct":        omAvg,
			"statement_viewable_pct": stAvg,
			"gap_pp":                 gap,
			"threshold_pp":           in.cfg.ViewabilityGapPP,
			"samples":                len(om),
		},
	}}, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
