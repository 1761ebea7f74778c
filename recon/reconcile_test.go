package recon_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/apexmediation/revenue-recon/recon"
	"github.com/apexmediation/revenue-recon/recon/store"
)

func newReconciler(t *testing.T, b recon.Backend) *recon.WindowReconciler {
	return &recon.WindowReconciler{
		Expected:   b,
		PaidEvents: b,
		Statements: b,
		Deltas:     b,
		Logger:     zaptest.NewLogger(t),
	}
}

func assertUSD(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, usd(want).Equal(got), "%s: want %s, got %s", field, want, got)
}

func deltasOfKind(deltas []recon.Delta, kind recon.DeltaKind) []recon.Delta {
	var out []recon.Delta
	for _, d := range deltas {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

func withIVT(s recon.Statement, ivt string) recon.Statement {
	v := usd(ivt)
	s.IVTAdjustments = &v
	return s
}

// seedPaidRequest stores an expected record and its matching payment.
func seedPaidRequest(t *testing.T, m *store.Memory, id string, expected, paid string) {
	t.Helper()
	ts := jan10.Add(time.Hour)
	seedExpected(t, m, expectedRecord(id, ts, expected))
	m.AddPaidEvents(paidEvent(id, ts.Add(time.Minute), paid))
}

// =============================================================================
// GAP ACCOUNTING TESTS
// =============================================================================

func TestReconcile_FullyPaidWindowHasNoDeltas(t *testing.T) {
	// GIVEN: expected 1000, paid 1000, nothing unmatched
	// THEN: timing lag 0, underpay 0, no deltas, nothing inserted

	m := store.NewMemory()
	seedPaidRequest(t, m, "r1", "600", "600")
	seedPaidRequest(t, m, "r2", "400", "400")

	res := newReconciler(t, m).Reconcile(context.Background(), recon.DefaultConfig(), dayWindow(), recon.ReconcileOptions{})

	assertUSD(t, "1000", res.Amounts.ExpectedUSD, "expected")
	assertUSD(t, "1000", res.Amounts.PaidUSD, "paid")
	assertUSD(t, "0", res.Amounts.TimingLagUSD, "timing lag")
	assertUSD(t, "0", res.Amounts.UnderpayUSD, "underpay")
	assert.Equal(t, 0, res.Deltas)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, recon.OutcomeSuccess, res.Outcome)
	assert.Empty(t, res.Degraded)
}

func TestReconcile_GapExplainedByTiming(t *testing.T) {
	// GIVEN: expected 1000, paid 900, the $100 gap is an unpaid request
	// THEN: timing lag 100, underpay 0

	m := store.NewMemory()
	seedPaidRequest(t, m, "r1", "900", "900")
	seedExpected(t, m, expectedRecord("r2", jan10.Add(2*time.Hour), "100"))

	res := newReconciler(t, m).Reconcile(context.Background(), recon.DefaultConfig(), dayWindow(), recon.ReconcileOptions{})

	assertUSD(t, "100", res.Amounts.UnmatchedUSD, "unmatched")
	assertUSD(t, "100", res.Amounts.TimingLagUSD, "timing lag")
	assertUSD(t, "0", res.Amounts.UnderpayUSD, "underpay")
	require.Equal(t, 1, res.Deltas)
	assert.Equal(t, 1, res.Inserted)

	d := res.Items[0]
	assert.Equal(t, recon.DeltaTimingLag, d.Kind)
	assertUSD(t, "100", d.AmountUSD, "delta amount")
	assert.Equal(t, recon.TimingLagConfidence, d.Confidence)
	assert.Equal(t, recon.EvidenceID(recon.DeltaTimingLag, dayWindow()), d.EvidenceID)
	assert.Equal(t, jan10, d.WindowStart)
	assert.Equal(t, jan11, d.WindowEnd)
}

func TestReconcile_ResidualBeyondToleranceIsUnderpay(t *testing.T) {
	m := store.NewMemory()
	seedPaidRequest(t, m, "r1", "1000", "900")

	res := newReconciler(t, m).Reconcile(context.Background(), recon.DefaultConfig(), dayWindow(), recon.ReconcileOptions{})

	assertUSD(t, "0", res.Amounts.TimingLagUSD, "timing lag")
	assertUSD(t, "100", res.Amounts.UnderpayUSD, "underpay")
	require.Equal(t, 1, res.Deltas)
	assert.Equal(t, recon.DeltaUnderpay, res.Items[0].Kind)
	assert.Equal(t, recon.UnderpayConfidence, res.Items[0].Confidence)
	assert.Equal(t, recon.ReasonUnderpay, res.Items[0].ReasonCode)
}

func TestReconcile_NoiseLevelGapIsIgnored(t *testing.T) {
	// GIVEN: A 1% residual with a 2% tolerance
	// THEN: No underpay is flagged

	m := store.NewMemory()
	seedPaidRequest(t, m, "r1", "1000", "990")

	res := newReconciler(t, m).Reconcile(context.Background(), recon.DefaultConfig(), dayWindow(), recon.ReconcileOptions{})

	assertUSD(t, "0", res.Amounts.UnderpayUSD, "underpay")
	assert.Equal(t, 0, res.Deltas)
}

func TestReconcile_PaidOutsideExpectedSetIsIgnored(t *testing.T) {
	m := store.NewMemory()
	seedPaidRequest(t, m, "r1", "100", "100")
	m.AddPaidEvents(paidEvent("stray", jan10.Add(3*time.Hour), "500"))

	res := newReconciler(t, m).Reconcile(context.Background(), recon.DefaultConfig(), dayWindow(), recon.ReconcileOptions{})

	assertUSD(t, "100", res.Amounts.PaidUSD, "paid")
}

func TestReconcile_Idempotent(t *testing.T) {
	m := store.NewMemory()
	seedPaidRequest(t, m, "r1", "1000", "900")
	r := newReconciler(t, m)
	ctx := context.Background()

	first := r.Reconcile(ctx, recon.DefaultConfig(), dayWindow(), recon.ReconcileOptions{})
	second := r.Reconcile(ctx, recon.DefaultConfig(), dayWindow(), recon.ReconcileOptions{})

	assert.Equal(t, 1, first.Inserted)
	assert.Equal(t, 1, second.Deltas, "deltas are recomputed")
	assert.Equal(t, 0, second.Inserted, "but never duplicated")

	stored, err := m.DeltasInWindow(ctx, dayWindow(), "")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestReconcile_DryRun(t *testing.T) {
	m := store.NewMemory()
	seedPaidRequest(t, m, "r1", "1000", "900")
	sink := &recordingSink{}
	r := newReconciler(t, m)
	r.Sink = sink

	res := r.Reconcile(context.Background(), recon.DefaultConfig(), dayWindow(), recon.ReconcileOptions{DryRun: true})

	assert.Equal(t, recon.OutcomeDryRun, res.Outcome)
	assert.Equal(t, 1, res.Deltas)
	assert.Equal(t, 0, res.Inserted)
	assert.Empty(t, sink.published)
	stored, err := m.DeltasInWindow(context.Background(), dayWindow(), "")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestReconcile_NothingExpected(t *testing.T) {
	m := store.NewMemory()
	m.AddPaidEvents(paidEvent("stray", jan10.Add(time.Hour), "10"))

	res := newReconciler(t, m).Reconcile(context.Background(), recon.DefaultConfig(), dayWindow(), recon.ReconcileOptions{})

	assert.Equal(t, recon.OutcomeEmpty, res.Outcome)
	assert.Equal(t, 0, res.Deltas)
	assertUSD(t, "0", res.Amounts.PaidUSD, "paid")
}

func TestComputeAmounts_Conservation(t *testing.T) {
	// For every mix of paid, partially paid and unpaid requests:
	// timingLag + underpay <= max(0, expected - paid), and underpay > 0
	// only when the residual exceeds expected x tolerance.

	cases := []struct {
		name     string
		expected map[string]string
		paid     map[string]string
	}{
		{"all paid", map[string]string{"a": "10", "b": "20"}, map[string]string{"a": "10", "b": "20"}},
		{"overpaid", map[string]string{"a": "10"}, map[string]string{"a": "15"}},
		{"unpaid only", map[string]string{"a": "10", "b": "5"}, map[string]string{}},
		{"short and unpaid", map[string]string{"a": "100", "b": "50"}, map[string]string{"a": "60"}},
		{"overpaid and unpaid", map[string]string{"a": "100", "b": "50"}, map[string]string{"a": "130"}},
		{"tiny residual", map[string]string{"a": "1000"}, map[string]string{"a": "999"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var expected []recon.ExpectedRecord
			for id, v := range tc.expected {
				expected = append(expected, expectedRecord(id, jan10, v))
			}
			var paid []recon.PaidEvent
			for id, v := range tc.paid {
				paid = append(paid, paidEvent(id, jan10, v))
			}

			a := recon.ComputeAmounts(expected, paid, 0.02)

			gap := decimal.Max(decimal.Zero, a.ExpectedUSD.Sub(a.PaidUSD))
			assert.True(t, a.TimingLagUSD.Add(a.UnderpayUSD).LessThanOrEqual(gap))
			assert.False(t, a.TimingLagUSD.IsNegative())
			assert.False(t, a.UnderpayUSD.IsNegative())
			if a.UnderpayUSD.IsPositive() {
				assert.True(t, a.UnderpayUSD.GreaterThan(a.ExpectedUSD.Mul(decimal.NewFromFloat(0.02))))
			}
		})
	}
}

func TestComputeAmounts_ShortAndUnpaid(t *testing.T) {
	// expected 150, paid 60 -> gap 90; unpaid b explains 50; residual 40 > 3
	a := recon.ComputeAmounts(
		[]recon.ExpectedRecord{expectedRecord("a", jan10, "100"), expectedRecord("b", jan10, "50")},
		[]recon.PaidEvent{paidEvent("a", jan10, "60")},
		0.02,
	)

	assertUSD(t, "50", a.UnmatchedUSD, "unmatched")
	assertUSD(t, "50", a.TimingLagUSD, "timing lag")
	assertUSD(t, "40", a.UnderpayUSD, "underpay")
}

// =============================================================================
// ANOMALY RULE TESTS
// =============================================================================

func seedIVTBaseline(m *store.Memory) {
	for d := 5; d <= 9; d++ {
		day := time.Date(2025, time.January, d, 0, 0, 0, 0, time.UTC)
		m.AddStatements(withIVT(statement(day, "100"), "1"))
	}
}

func TestReconcile_IVTOutlier(t *testing.T) {
	// GIVEN: Trailing daily IVT rate 1%, window rate 10%, band 2pp
	// THEN: One classification-only ivt_outlier delta

	m := store.NewMemory()
	seedPaidRequest(t, m, "r1", "100", "100")
	seedIVTBaseline(m)
	m.AddStatements(withIVT(statement(jan10, "100"), "-10"))

	res := newReconciler(t, m).Reconcile(context.Background(), recon.DefaultConfig(), dayWindow(), recon.ReconcileOptions{})

	ivt := deltasOfKind(res.Items, recon.DeltaIVTOutlier)
	require.Len(t, ivt, 1)
	assert.True(t, ivt[0].AmountUSD.IsZero())
	assert.Equal(t, recon.ReasonIVTOutlier, ivt[0].ReasonCode)
	assert.Equal(t, recon.IVTOutlierConfidence, ivt[0].Confidence)
	assert.InDelta(t, 0.10, ivt[0].Details["ivt_rate"], 1e-9)
	assert.InDelta(t, 0.01, ivt[0].Details["baseline_p95"], 1e-9)
	assert.Equal(t, 1, res.Inserted)
}

func TestReconcile_IVTOutlierSubDayWindow(t *testing.T) {
	// GIVEN: Trailing daily IVT rate 1% and a 20% rate on the window's day
	// WHEN: Reconciling one hour, [06:00, 07:00)
	// THEN: The baseline still covers the five whole preceding days

	m := store.NewMemory()
	w := recon.MustWindow(jan10.Add(6*time.Hour), jan10.Add(7*time.Hour))
	seedExpected(t, m, expectedRecord("r1", jan10.Add(6*time.Hour+30*time.Minute), "100"))
	m.AddPaidEvents(paidEvent("r1", jan10.Add(6*time.Hour+31*time.Minute), "100"))
	seedIVTBaseline(m)
	m.AddStatements(withIVT(statement(jan10, "100"), "-20"))

	res := newReconciler(t, m).Reconcile(context.Background(), recon.DefaultConfig(), w, recon.ReconcileOptions{})

	ivt := deltasOfKind(res.Items, recon.DeltaIVTOutlier)
	require.Len(t, ivt, 1)
	assert.InDelta(t, 0.20, ivt[0].Details["ivt_rate"], 1e-9)
	assert.InDelta(t, 0.01, ivt[0].Details["baseline_p95"], 1e-9)
	assert.Equal(t, 5, ivt[0].Details["baseline_days"])
	assert.Equal(t, w.From, ivt[0].WindowStart)
}

func TestReconcile_IVTWithinBand(t *testing.T) {
	m := store.NewMemory()
	seedPaidRequest(t, m, "r1", "100", "100")
	seedIVTBaseline(m)
	m.AddStatements(withIVT(statement(jan10, "100"), "2.5"))

	res := newReconciler(t, m).Reconcile(context.Background(), recon.DefaultConfig(), dayWindow(), recon.ReconcileOptions{})

	assert.Empty(t, deltasOfKind(res.Items, recon.DeltaIVTOutlier))
}

func TestReconcile_IVTWithoutBaselineIsSilent(t *testing.T) {
	m := store.NewMemory()
	seedPaidRequest(t, m, "r1", "100", "100")
	m.AddStatements(withIVT(statement(jan10, "100"), "50"))

	res := newReconciler(t, m).Reconcile(context.Background(), recon.DefaultConfig(), dayWindow(), recon.ReconcileOptions{})

	assert.Empty(t, deltasOfKind(res.Items, recon.DeltaIVTOutlier))
	assert.Empty(t, res.Degraded, "a missing baseline is not a failure")
}

func seedFX(m *store.Memory) {
	for d := 5; d <= 9; d++ {
		day := time.Date(2025, time.January, d, 12, 0, 0, 0, time.UTC)
		m.AddPaidEvents(
			fxEvent("base-eur", day, "EUR", "1.10"),
			fxEvent("base-gbp", day, "GBP", "1.27"),
		)
	}
	m.AddPaidEvents(
		fxEvent("win-eur", jan10.Add(3*time.Hour), "eur", "1.20"),
		fxEvent("win-gbp", jan10.Add(3*time.Hour), "GBP", "1.27"),
	)
}

func TestReconcile_FXMismatchPerCurrency(t *testing.T) {
	// GIVEN: EUR moved 9% off its trailing median, GBP did not move
	// THEN: One fx_mismatch delta, tagged EUR

	m := store.NewMemory()
	seedPaidRequest(t, m, "r1", "100", "100")
	seedFX(m)

	res := newReconciler(t, m).Reconcile(context.Background(), recon.DefaultConfig(), dayWindow(), recon.ReconcileOptions{})

	fx := deltasOfKind(res.Items, recon.DeltaFXMismatch)
	require.Len(t, fx, 1)
	assert.Equal(t, "EUR", fx[0].Currency)
	assert.True(t, fx[0].AmountUSD.IsZero())
	assert.Equal(t, recon.EvidenceID(recon.DeltaFXMismatch, dayWindow(), "EUR"), fx[0].EvidenceID)
	assert.InDelta(t, 1.20, fx[0].Details["avg_rate"], 1e-9)
	assert.InDelta(t, 1.10, fx[0].Details["median_rate"], 1e-9)
	assertUSD(t, "100", res.Amounts.PaidUSD, "fx events are outside the expected set")
}

func TestReconcile_ViewabilityGap(t *testing.T) {
	m := store.NewMemory()
	a := expectedRecord("a", jan10.Add(time.Hour), "10")
	a.Viewability = recon.Viewability{OMViewablePct: f64(80), StatementViewablePct: f64(50)}
	b := expectedRecord("b", jan10.Add(2*time.Hour), "10")
	b.Viewability = recon.Viewability{OMViewablePct: f64(70), StatementViewablePct: f64(40)}
	c := expectedRecord("c", jan10.Add(3*time.Hour), "10")
	c.Viewability = recon.Viewability{OMViewablePct: f64(10)} // incomplete, ignored
	seedExpected(t, m, a, b, c)

	res := newReconciler(t, m).Reconcile(context.Background(), recon.DefaultConfig(), dayWindow(), recon.ReconcileOptions{})

	gap := deltasOfKind(res.Items, recon.DeltaViewabilityGap)
	require.Len(t, gap, 1)
	assert.InDelta(t, 30.0, gap[0].Details["gap_pp"], 1e-9)
	assert.Equal(t, 2, gap[0].Details["samples"])
	assert.True(t, gap[0].AmountUSD.IsZero())
}

func TestReconcile_ViewabilityWithinThreshold(t *testing.T) {
	m := store.NewMemory()
	a := expectedRecord("a", jan10.Add(time.Hour), "10")
	a.Viewability = recon.Viewability{OMViewablePct: f64(65), StatementViewablePct: f64(50)}
	seedExpected(t, m, a)

	res := newReconciler(t, m).Reconcile(context.Background(), recon.DefaultConfig(), dayWindow(), recon.ReconcileOptions{})

	assert.Empty(t, deltasOfKind(res.Items, recon.DeltaViewabilityGap), "a gap equal to the threshold is not flagged")
}

// =============================================================================
// DEGRADE TESTS
// =============================================================================

func TestReconcile_AggregateFailureReturnsZeroResult(t *testing.T) {
	f := newFlaky()
	seedPaidRequest(t, f.Memory, "r1", "1000", "900")
	f.failExpectedRead = true

	res := newReconciler(t, f).Reconcile(context.Background(), recon.DefaultConfig(), dayWindow(), recon.ReconcileOptions{})

	assert.Equal(t, recon.OutcomeError, res.Outcome)
	assert.Equal(t, 0, res.Deltas)
	assertUSD(t, "0", res.Amounts.ExpectedUSD, "expected")
	require.Len(t, res.Degraded, 1)
	assert.Equal(t, recon.DegradeAggregateFailed, res.Degraded[0].Reason)
}

func TestReconcile_FailingRuleIsIsolated(t *testing.T) {
	// GIVEN: The statement store fails (IVT rule input)
	// THEN: Underpay and FX deltas are still produced

	f := newFlaky()
	seedPaidRequest(t, f.Memory, "r1", "1000", "900")
	seedFX(f.Memory)
	f.failStatements = true

	res := newReconciler(t, f).Reconcile(context.Background(), recon.DefaultConfig(), dayWindow(), recon.ReconcileOptions{})

	assert.Len(t, deltasOfKind(res.Items, recon.DeltaUnderpay), 1)
	assert.Len(t, deltasOfKind(res.Items, recon.DeltaFXMismatch), 1)
	require.Len(t, res.Degraded, 1)
	assert.Equal(t, "rule_ivt_outlier", res.Degraded[0].Op)
	assert.Equal(t, recon.DegradeRuleFailed, res.Degraded[0].Reason)
	assert.Equal(t, recon.OutcomeSuccess, res.Outcome)
}

func TestReconcile_PanickingRuleIsIsolated(t *testing.T) {
	f := newFlaky()
	seedPaidRequest(t, f.Memory, "r1", "1000", "900")
	f.panicStatements = true

	res := newReconciler(t, f).Reconcile(context.Background(), recon.DefaultConfig(), dayWindow(), recon.ReconcileOptions{})

	assert.Len(t, deltasOfKind(res.Items, recon.DeltaUnderpay), 1)
	require.Len(t, res.Degraded, 1)
	assert.Equal(t, "rule_ivt_outlier", res.Degraded[0].Op)
	assert.Contains(t, res.Degraded[0].Message, "panic")
}

func TestReconcile_BaselineReadFailureDegradesOnlyFX(t *testing.T) {
	f := newFlaky()
	seedPaidRequest(t, f.Memory, "r1", "1000", "900")
	seedFX(f.Memory)
	f.failBaselinePaid = true

	res := newReconciler(t, f).Reconcile(context.Background(), recon.DefaultConfig(), dayWindow(), recon.ReconcileOptions{})

	assertUSD(t, "900", res.Amounts.PaidUSD, "paid")
	assert.Empty(t, deltasOfKind(res.Items, recon.DeltaFXMismatch))
	require.Len(t, res.Degraded, 1)
	assert.Equal(t, "rule_fx_mismatch", res.Degraded[0].Op)
}

func TestReconcile_InsertFailure(t *testing.T) {
	f := newFlaky()
	seedPaidRequest(t, f.Memory, "r1", "1000", "900")
	f.failInsertDeltas = true

	res := newReconciler(t, f).Reconcile(context.Background(), recon.DefaultConfig(), dayWindow(), recon.ReconcileOptions{})

	assert.Equal(t, recon.OutcomeError, res.Outcome)
	assert.Equal(t, 1, res.Deltas)
	assert.Equal(t, 0, res.Inserted)
	require.Len(t, res.Degraded, 1)
	assert.Equal(t, recon.DegradeWriteFailed, res.Degraded[0].Reason)
}

// =============================================================================
// SINK AND METRICS TESTS
// =============================================================================

func TestReconcile_PublishesDeltas(t *testing.T) {
	m := store.NewMemory()
	seedPaidRequest(t, m, "r1", "1000", "900")
	sink := &recordingSink{}
	rec := newRecordingMetrics()
	r := newReconciler(t, m)
	r.Sink = sink
	r.Metrics = rec

	r.Reconcile(context.Background(), recon.DefaultConfig(), dayWindow(), recon.ReconcileOptions{})

	require.Len(t, sink.published, 1)
	assert.Equal(t, recon.DeltaUnderpay, sink.published[0].Kind)
	assert.Equal(t, 1, rec.deltas[recon.DeltaUnderpay])
	assert.Equal(t, recon.OutcomeSuccess, rec.stages[recon.StageReconcile])
}

func TestReconcile_SinkFailureIsReportedNotPropagated(t *testing.T) {
	m := store.NewMemory()
	seedPaidRequest(t, m, "r1", "1000", "900")
	r := newReconciler(t, m)
	r.Sink = &recordingSink{fail: true}

	res := r.Reconcile(context.Background(), recon.DefaultConfig(), dayWindow(), recon.ReconcileOptions{})

	assert.Equal(t, recon.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 1, res.Inserted)
	require.Len(t, res.Degraded, 1)
	assert.Equal(t, "publish_deltas", res.Degraded[0].Op)
}
