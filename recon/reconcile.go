/*
reconcile.go - WindowReconciler: expected vs paid, classified

PURPOSE:
  Aggregates expected and paid totals for a window, explains the gap as
  timing lag first and underpayment second, and runs independent anomaly
  rules against trailing baselines. Every finding becomes a Delta.

GAP ACCOUNTING:
  gap          = max(0, expected - paid)
  timingLag    = min(unmatched, gap)     unmatched: expected with no paid event yet
  residualGap  = max(0, gap - timingLag)
  underpay     = residualGap  if residualGap > expected * UnderpayTolerance
               = 0            otherwise (noise)

  Therefore timingLag + underpay <= gap always holds.

ANOMALY RULES (anomalies.go):
  ivt_outlier      window IVT rate vs trailing p95 + band
  fx_mismatch      window average FX rate vs trailing median, per currency
  viewability_gap  OM-measured vs statement-reported viewability

  Rules are isolated: a rule that fails (or panics) produces no Delta and
  a rule_failed degradation. Its siblings still run.

FAILURE POLICY:
  A failure of the initial aggregate reads degrades the whole call to a
  zero result. This is a monitoring job; it must never block its caller.

IDEMPOTENCY:
  evidenceId is derived from the window bounds and kind, and deltas are
  inserted with conflict-ignore on it. Re-running a window inserts nothing.
*/
package recon

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Fixed confidences of the monetary deltas.
const (
	TimingLagConfidence = 0.6
	UnderpayConfidence  = 0.7
)

// Reason codes of the monetary deltas.
const (
	ReasonTimingLag = "expected_unpaid_in_window"
	ReasonUnderpay  = "residual_gap_exceeds_tolerance"
)

// =============================================================================
// WINDOW RECONCILER
// =============================================================================

type WindowReconciler struct {
	Expected   ExpectedStore
	PaidEvents PaidEventStore
	Statements StatementStore
	Deltas     DeltaStore
	Sink       DeltaSink // optional
	Logger     *zap.Logger
	Metrics    Metrics
}

type ReconcileOptions struct {
	DryRun bool
}

// Amounts are the USD aggregates of one reconcile call.
type Amounts struct {
	ExpectedUSD  decimal.Decimal `json:"expectedUsd"`
	PaidUSD      decimal.Decimal `json:"paidUsd"`
	UnmatchedUSD decimal.Decimal `json:"unmatchedUsd"`
	UnderpayUSD  decimal.Decimal `json:"underpayUsd"`
	TimingLagUSD decimal.Decimal `json:"timingLagUsd"`
}

// ReconcileResult reports one Reconcile call. Reconcile never fails.
type ReconcileResult struct {
	RunID    string        `json:"runId"`
	Window   Window        `json:"-"`
	Inserted int           `json:"inserted"`
	Deltas   int           `json:"deltas"`
	Amounts  Amounts       `json:"amounts"`
	Items    []Delta       `json:"items,omitempty"`
	Outcome  Outcome       `json:"outcome"`
	Degraded []Degradation `json:"degraded,omitempty"`
}

// Reconcile runs one reconciliation of the window.
func (r *WindowReconciler) Reconcile(ctx context.Context, cfg ReconciliationConfig, w Window, opts ReconcileOptions) (res ReconcileResult) {
	start := time.Now()
	res = ReconcileResult{RunID: uuid.NewString(), Window: w, Amounts: zeroAmounts()}
	log := loggerOr(r.Logger).With(
		zap.String("stage", StageReconcile),
		zap.Stringer("window", w),
		zap.String("run_id", res.RunID),
	)

	defer func() {
		if p := recover(); p != nil {
			de := &DegradedError{Op: "reconcile", Reason: DegradeAggregateFailed, Err: fmt.Errorf("panic: %v", p)}
			log.Error("reconcile panicked, returning zero result", zap.Any("panic", p))
			res = ReconcileResult{
				RunID:    res.RunID,
				Window:   w,
				Amounts:  zeroAmounts(),
				Outcome:  OutcomeError,
				Degraded: []Degradation{de.Degradation()},
			}
			r.finish(log, res, time.Since(start))
		}
	}()

	expected, paid, err := r.loadWindow(ctx, cfg, w)
	if err != nil {
		de := &DegradedError{Op: "window_aggregates", Reason: DegradeAggregateFailed, Err: err}
		log.Warn("reconcile aggregates failed, returning zero result", zap.Error(err))
		res.Degraded = appendDegraded(res.Degraded, de)
		res.Outcome = OutcomeError
		r.finish(log, res, time.Since(start))
		return res
	}

	amounts := ComputeAmounts(expected, paid, cfg.UnderpayTolerance)
	if !amounts.ExpectedUSD.IsPositive() {
		res.Outcome = OutcomeEmpty
		r.finish(log, res, time.Since(start))
		return res
	}
	res.Amounts = amounts

	var deltas []Delta
	if amounts.TimingLagUSD.IsPositive() {
		deltas = append(deltas, Delta{
			Kind:        DeltaTimingLag,
			AmountUSD:   amounts.TimingLagUSD,
			Currency:    CurrencyUSD,
			ReasonCode:  ReasonTimingLag,
			WindowStart: w.From,
			WindowEnd:   w.To,
			EvidenceID:  EvidenceID(DeltaTimingLag, w),
			Confidence:  TimingLagConfidence,
			Details: map[string]any{
				"unmatched_usd": amounts.UnmatchedUSD.String(),
				"gap_usd":       gapOf(amounts).String(),
			},
		})
	}
	if amounts.UnderpayUSD.IsPositive() {
		deltas = append(deltas, Delta{
			Kind:        DeltaUnderpay,
			AmountUSD:   amounts.UnderpayUSD,
			Currency:    CurrencyUSD,
			ReasonCode:  ReasonUnderpay,
			WindowStart: w.From,
			WindowEnd:   w.To,
			EvidenceID:  EvidenceID(DeltaUnderpay, w),
			Confidence:  UnderpayConfidence,
			Details: map[string]any{
				"expected_usd": amounts.ExpectedUSD.String(),
				"paid_usd":     amounts.PaidUSD.String(),
				"tolerance":    cfg.UnderpayTolerance,
			},
		})
	}

	in := ruleInput{cfg: cfg, window: w, expected: expected, paid: paid}
	for _, rule := range r.rules() {
		found, de := runRule(ctx, log, rule, in)
		res.Degraded = appendDegraded(res.Degraded, de)
		deltas = append(deltas, found...)
	}

	now := time.Now().UTC()
	m := metricsOr(r.Metrics)
	for i := range deltas {
		deltas[i].CreatedAt = now
		m.DeltaComputed(deltas[i].Kind)
	}
	res.Deltas = len(deltas)
	res.Items = deltas

	switch {
	case opts.DryRun:
		res.Outcome = OutcomeDryRun
	case len(deltas) == 0:
		res.Outcome = OutcomeSuccess
	default:
		n, de := writeOrDegrade(log, "insert_deltas", func() (int, error) {
			return r.Deltas.InsertDeltas(ctx, deltas)
		})
		res.Inserted = n
		res.Outcome = OutcomeSuccess
		if de != nil {
			res.Degraded = appendDegraded(res.Degraded, de)
			res.Outcome = OutcomeError
		}
		res.Degraded = appendDegraded(res.Degraded, r.publish(ctx, log, deltas))
	}

	r.finish(log, res, time.Since(start))
	return res
}

// loadWindow reads the window's expected records and paid events
// concurrently. Either failing fails both.
func (r *WindowReconciler) loadWindow(ctx context.Context, cfg ReconciliationConfig, w Window) ([]ExpectedRecord, []PaidEvent, error) {
	var (
		expected []ExpectedRecord
		paid     []PaidEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := r.Expected.ExpectedInWindow(gctx, w, cfg.ReconcileRowLimit)
		if err != nil {
			return fmt.Errorf("expected in window: %w", err)
		}
		expected = rows
		return nil
	})
	g.Go(func() error {
		rows, err := r.PaidEvents.PaidEventsInWindow(gctx, w, cfg.ReconcileRowLimit)
		if err != nil {
			return fmt.Errorf("paid events in window: %w", err)
		}
		paid = rows
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if len(expected) >= cfg.ReconcileRowLimit || len(paid) >= cfg.ReconcileRowLimit {
		loggerOr(r.Logger).Warn("reconcile input truncated at row limit",
			zap.Int("limit", cfg.ReconcileRowLimit),
			zap.Int("expected_rows", len(expected)),
			zap.Int("paid_rows", len(paid)),
		)
	}
	return expected, paid, nil
}

func (r *WindowReconciler) publish(ctx context.Context, log *zap.Logger, deltas []Delta) *DegradedError {
	if r.Sink == nil {
		return nil
	}
	if err := r.Sink.PublishDeltas(ctx, deltas); err != nil {
		de := &DegradedError{Op: "publish_deltas", Reason: DegradeWriteFailed, Err: err}
		log.Warn("delta publication degraded", zap.Int("deltas", len(deltas)), zap.Error(err))
		return de
	}
	return nil
}

func (r *WindowReconciler) finish(log *zap.Logger, res ReconcileResult, d time.Duration) {
	log.Info("window reconcile finished",
		zap.String("expected_usd", res.Amounts.ExpectedUSD.String()),
		zap.String("paid_usd", res.Amounts.PaidUSD.String()),
		zap.String("timing_lag_usd", res.Amounts.TimingLagUSD.String()),
		zap.String("underpay_usd", res.Amounts.UnderpayUSD.String()),
		zap.Int("deltas", res.Deltas),
		zap.Int("inserted", res.Inserted),
		zap.String("outcome", string(res.Outcome)),
		zap.Duration("duration", d),
	)
	metricsOr(r.Metrics).ObserveStage(StageReconcile, res.Outcome, d)
}

// =============================================================================
// GAP ACCOUNTING
// =============================================================================

// ComputeAmounts aggregates the window. Paid revenue counts only for
// requests that have an expected record in the window.
func ComputeAmounts(expected []ExpectedRecord, paid []PaidEvent, tolerance float64) Amounts {
	a := zeroAmounts()

	ids := make(map[string]struct{}, len(expected))
	for _, e := range expected {
		a.ExpectedUSD = a.ExpectedUSD.Add(e.ExpectedValueUSD)
		ids[e.RequestID] = struct{}{}
	}
	if !a.ExpectedUSD.IsPositive() {
		return a
	}

	paidIDs := make(map[string]struct{}, len(paid))
	for _, p := range paid {
		if _, ok := ids[p.RequestID]; !ok {
			continue
		}
		a.PaidUSD = a.PaidUSD.Add(p.RevenueUSD)
		paidIDs[p.RequestID] = struct{}{}
	}

	for _, e := range expected {
		if _, ok := paidIDs[e.RequestID]; !ok {
			a.UnmatchedUSD = a.UnmatchedUSD.Add(e.ExpectedValueUSD)
		}
	}

	gap := gapOf(a)
	a.TimingLagUSD = decimal.Min(a.UnmatchedUSD, gap)
	if a.TimingLagUSD.IsNegative() {
		a.TimingLagUSD = decimal.Zero
	}
	residual := decimal.Max(decimal.Zero, gap.Sub(a.TimingLagUSD))
	threshold := a.ExpectedUSD.Mul(decimal.NewFromFloat(tolerance))
	if residual.GreaterThan(threshold) {
		a.UnderpayUSD = residual
	}
	return a
}

func gapOf(a Amounts) decimal.Decimal {
	return decimal.Max(decimal.Zero, a.ExpectedUSD.Sub(a.PaidUSD))
}

func zeroAmounts() Amounts {
	return Amounts{
		ExpectedUSD:  decimal.Zero,
		PaidUSD:      decimal.Zero,
		UnmatchedUSD: decimal.Zero,
		UnderpayUSD:  decimal.Zero,
		TimingLagUSD: decimal.Zero,
	}
}
