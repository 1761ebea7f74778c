package recon_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"github.com/apexmediation/revenue-recon/recon"
	"github.com/apexmediation/revenue-recon/recon/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	jan10 = time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)
	jan11 = jan10.AddDate(0, 0, 1)

	errBoom = errors.New("boom")
)

func dayWindow() recon.Window { return recon.MustWindow(jan10, jan11) }

func usd(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func f64(v float64) *float64 { return &v }

func receipt(id string, ts time.Time) recon.Receipt {
	return recon.Receipt{
		RequestID:   id,
		PlacementID: "placement-1",
		Timestamp:   ts,
		Currency:    recon.CurrencyUSD,
		ReceiptHash: "hash-" + id,
	}
}

func paidEvent(id string, ts time.Time, revenue string) recon.PaidEvent {
	return recon.PaidEvent{
		RequestID:       id,
		Timestamp:       ts,
		RevenueUSD:      usd(revenue),
		RevenueCurrency: recon.CurrencyUSD,
		RevenueOriginal: usd(revenue),
		ExchangeRate:    decimal.NewFromInt(1),
	}
}

func fxEvent(id string, ts time.Time, currency string, rate string) recon.PaidEvent {
	p := paidEvent(id, ts, "1")
	p.RevenueCurrency = currency
	p.ExchangeRate = usd(rate)
	return p
}

func expectedRecord(id string, ts time.Time, value string) recon.ExpectedRecord {
	return recon.ExpectedRecord{
		EventDate:        recon.TruncateDay(ts),
		RequestID:        id,
		PlacementID:      "placement-1",
		ExpectedValueUSD: usd(value),
		Currency:         recon.CurrencyUSD,
		Ts:               ts,
	}
}

func statement(day time.Time, paid string) recon.Statement {
	return recon.Statement{
		EventDate: day,
		AppID:     "app-1",
		AdUnitID:  "placement-1",
		Country:   "US",
		Format:    "banner",
		Paid:      usd(paid),
		Currency:  recon.CurrencyUSD,
		ReportID:  "report-" + recon.DayKey(day),
		Network:   "network-a",
	}
}

func seedExpected(t *testing.T, m recon.ExpectedStore, rows ...recon.ExpectedRecord) {
	t.Helper()
	n, err := m.InsertExpected(context.Background(), rows)
	if err != nil || n != len(rows) {
		t.Fatalf("seed expected: inserted %d of %d: %v", n, len(rows), err)
	}
}

func newService(t *testing.T, b recon.Backend, cfg recon.ReconciliationConfig) *recon.Service {
	return &recon.Service{
		Stores: recon.StoresFrom(b),
		Config: recon.StaticConfig(cfg),
		Logger: zaptest.NewLogger(t),
	}
}

// =============================================================================
// FLAKY STORE - Memory with switchable failures
// =============================================================================

type flakyStore struct {
	*store.Memory

	failReceipts       bool
	failPaid           bool
	failBaselinePaid   bool
	failStatements     bool
	panicStatements    bool
	failExistingIDs    bool
	failExpectedRead   bool
	failInsertExpected bool
	failInsertMatches  bool
	failInsertDeltas   bool

	// baselineBefore marks reads whose window ends at or before it.
	baselineBefore time.Time
}

func newFlaky() *flakyStore { return &flakyStore{Memory: store.NewMemory(), baselineBefore: jan10} }

func (f *flakyStore) ReceiptsInWindow(ctx context.Context, w recon.Window, limit int) ([]recon.Receipt, error) {
	if f.failReceipts {
		return nil, errBoom
	}
	return f.Memory.ReceiptsInWindow(ctx, w, limit)
}

func (f *flakyStore) EarliestPaidEvents(ctx context.Context, w recon.Window, ids []string) (map[string]recon.PaidEvent, error) {
	if f.failPaid {
		return nil, errBoom
	}
	return f.Memory.EarliestPaidEvents(ctx, w, ids)
}

func (f *flakyStore) PaidEventsInWindow(ctx context.Context, w recon.Window, limit int) ([]recon.PaidEvent, error) {
	if f.failPaid || (f.failBaselinePaid && !w.To.After(f.baselineBefore)) {
		return nil, errBoom
	}
	return f.Memory.PaidEventsInWindow(ctx, w, limit)
}

func (f *flakyStore) StatementsInWindow(ctx context.Context, w recon.Window, limit int) ([]recon.Statement, error) {
	if f.panicStatements {
		panic("statement decoder exploded")
	}
	if f.failStatements {
		return nil, errBoom
	}
	return f.Memory.StatementsInWindow(ctx, w, limit)
}

func (f *flakyStore) ExistingRequestIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	if f.failExistingIDs {
		return nil, errBoom
	}
	return f.Memory.ExistingRequestIDs(ctx, ids)
}

func (f *flakyStore) ExpectedInWindow(ctx context.Context, w recon.Window, limit int) ([]recon.ExpectedRecord, error) {
	if f.failExpectedRead {
		return nil, errBoom
	}
	return f.Memory.ExpectedInWindow(ctx, w, limit)
}

func (f *flakyStore) InsertExpected(ctx context.Context, rows []recon.ExpectedRecord) (int, error) {
	if f.failInsertExpected {
		return 0, errBoom
	}
	return f.Memory.InsertExpected(ctx, rows)
}

func (f *flakyStore) InsertMatches(ctx context.Context, matches []recon.Match) (int, error) {
	if f.failInsertMatches {
		return 0, errBoom
	}
	return f.Memory.InsertMatches(ctx, matches)
}

func (f *flakyStore) InsertDeltas(ctx context.Context, deltas []recon.Delta) (int, error) {
	if f.failInsertDeltas {
		return 0, errBoom
	}
	return f.Memory.InsertDeltas(ctx, deltas)
}

// =============================================================================
// RECORDERS
// =============================================================================

type recordingMetrics struct {
	mu       sync.Mutex
	seen     int
	written  int
	skipped  int
	inserted int
	review   int
	deltas   map[recon.DeltaKind]int
	stages   map[string]recon.Outcome
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{deltas: map[recon.DeltaKind]int{}, stages: map[string]recon.Outcome{}}
}

func (r *recordingMetrics) ExpectedCounts(seen, written, skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen += seen
	r.written += written
	r.skipped += skipped
}

func (r *recordingMetrics) MatchCounts(inserted, review int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserted += inserted
	r.review += review
}

func (r *recordingMetrics) DeltaComputed(kind recon.DeltaKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas[kind]++
}

func (r *recordingMetrics) ObserveStage(stage string, outcome recon.Outcome, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[stage] = outcome
}

type recordingSink struct {
	fail      bool
	published []recon.Delta
}

func (s *recordingSink) PublishDeltas(_ context.Context, deltas []recon.Delta) error {
	if s.fail {
		return errBoom
	}
	s.published = append(s.published, deltas...)
	return nil
}
