package metrics_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/apexmediation/revenue-recon/metrics"
	"github.com/apexmediation/revenue-recon/recon"
	"github.com/apexmediation/revenue-recon/recon/store"
)

func newMetrics(t *testing.T) *metrics.Prometheus {
	t.Helper()
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

func TestPrometheus_Counters(t *testing.T) {
	m := newMetrics(t)

	m.ExpectedCounts(10, 7, 3)
	m.ExpectedCounts(5, 5, 0)
	m.MatchCounts(4, 1)
	m.DeltaComputed(recon.DeltaUnderpay)
	m.DeltaComputed(recon.DeltaUnderpay)
	m.DeltaComputed(recon.DeltaIVTOutlier)

	assert.Equal(t, 15.0, testutil.ToFloat64(m.ExpectedRows.WithLabelValues("seen")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.ExpectedRows.WithLabelValues("written")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ExpectedRows.WithLabelValues("skipped")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Matches.WithLabelValues("auto")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Matches.WithLabelValues("review")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Deltas.WithLabelValues("underpay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deltas.WithLabelValues("ivt_outlier")))
}

func TestPrometheus_StageDuration(t *testing.T) {
	m := newMetrics(t)

	m.ObserveStage(recon.StageReconcile, recon.OutcomeSuccess, 150*time.Millisecond)
	m.ObserveStage(recon.StageReconcile, recon.OutcomeDryRun, time.Second)

	assert.Equal(t, 2, testutil.CollectAndCount(m.StageDuration))
}

func TestPrometheus_DuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := metrics.New(reg)
	require.NoError(t, err)

	_, err = metrics.New(reg)
	assert.Error(t, err)
}

func TestPrometheus_WiredIntoReconciler(t *testing.T) {
	// GIVEN: A window with a 10% underpayment
	// WHEN: Reconciling with Prometheus metrics attached
	// THEN: The underpay counter and the stage histogram move

	m := newMetrics(t)
	mem := store.NewMemory()
	jan10 := time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)
	ts := jan10.Add(time.Hour)
	_, err := mem.InsertExpected(context.Background(), []recon.ExpectedRecord{{
		RequestID: "r1", EventDate: jan10, Ts: ts, ExpectedValueUSD: decimal.NewFromInt(1000), Currency: recon.CurrencyUSD,
	}})
	require.NoError(t, err)
	mem.AddPaidEvents(recon.PaidEvent{RequestID: "r1", Timestamp: ts, RevenueUSD: decimal.NewFromInt(900)})

	svc := recon.NewService(mem, zaptest.NewLogger(t))
	svc.Metrics = m
	_, err = svc.ReconcileWindow(context.Background(), recon.ReconcileInput{
		Window: recon.MustWindow(jan10, jan10.AddDate(0, 0, 1)),
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deltas.WithLabelValues("underpay")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))
}
