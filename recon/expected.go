/*
expected.go - ExpectedBuilder: receipts + paid events -> expected revenue

PURPOSE:
  Materializes one ExpectedRecord per request that has both a transparency
  receipt and a positive-revenue paid event inside the processing window.

ALGORITHM:
  1. Read up to `limit` receipts in [from, to), oldest first
  2. Nothing read -> return zero counters (no downstream calls)
  3. Drop requestIds that already have an ExpectedRecord (idempotency gate)
  4. Look up the earliest positive PaidEvent per remaining requestId
  5. Receipts without one are skipped for this pass, never recorded
  6. Bulk insert with conflict-ignore on requestId; written = rows inserted
  7. skipped = seen - written

FAILURE POLICY:
  Receipt and paid-event read failures degrade to "zero rows". The
  existing-id check degrades to "none exist" (the insert is still
  conflict-ignoring, so nothing duplicates). Only an insert failure yields
  the error outcome, still returned as a result with written = 0.

SEE ALSO:
  - store.go: ReceiptStore, PaidEventStore, ExpectedStore
  - service.go: BuildExpected entry point
*/
package recon

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Receipt read limits.
const (
	MinExpectedLimit = 1
	MaxExpectedLimit = 100000
)

// =============================================================================
// EXPECTED BUILDER
// =============================================================================

type ExpectedBuilder struct {
	Receipts   ReceiptStore
	PaidEvents PaidEventStore
	Expected   ExpectedStore
	Logger     *zap.Logger
	Metrics    Metrics
}

// BuildOptions controls one Build call. A Limit <= 0 means "use the
// configured default".
type BuildOptions struct {
	Limit          int
	DryRun         bool
	CollectMetrics bool
}

// ExpectedResult reports one Build call. Build never fails.
type ExpectedResult struct {
	RunID    string        `json:"runId"`
	Window   Window        `json:"-"`
	Seen     int           `json:"seen"`
	Written  int           `json:"written"`
	Skipped  int           `json:"skipped"`
	Outcome  Outcome       `json:"outcome"`
	Degraded []Degradation `json:"degraded,omitempty"`
}

// Build runs one pass over the window.
func (b *ExpectedBuilder) Build(ctx context.Context, cfg ReconciliationConfig, w Window, opts BuildOptions) ExpectedResult {
	start := time.Now()
	log := loggerOr(b.Logger).With(zap.String("stage", StageExpected), zap.Stringer("window", w))
	res := ExpectedResult{RunID: uuid.NewString(), Window: w}
	log = log.With(zap.String("run_id", res.RunID))

	limit := opts.Limit
	if limit <= 0 {
		limit = cfg.DefaultExpectedLimit
	}
	limit = ClampLimit(limit, MinExpectedLimit, MaxExpectedLimit)

	receipts, deg := readOrDegrade(log, "receipts_in_window", func() ([]Receipt, error) {
		return b.Receipts.ReceiptsInWindow(ctx, w, limit)
	})
	res.Degraded = appendDegraded(res.Degraded, deg)

	if len(receipts) == 0 {
		res.Outcome = OutcomeEmpty
		b.finish(log, res, opts, time.Since(start))
		return res
	}
	res.Seen = len(receipts)

	// First receipt per requestId wins; receipts arrive oldest first.
	byID := make(map[string]Receipt, len(receipts))
	ids := make([]string, 0, len(receipts))
	for _, r := range receipts {
		if r.RequestID == "" {
			continue
		}
		if _, dup := byID[r.RequestID]; dup {
			continue
		}
		byID[r.RequestID] = r
		ids = append(ids, r.RequestID)
	}

	existing, deg := readOrDegrade(log, "existing_request_ids", func() (map[string]bool, error) {
		return b.Expected.ExistingRequestIDs(ctx, ids)
	})
	res.Degraded = appendDegraded(res.Degraded, deg)

	candidates := make([]string, 0, len(ids))
	for _, id := range ids {
		if !existing[id] {
			candidates = append(candidates, id)
		}
	}

	var paid map[string]PaidEvent
	if len(candidates) > 0 {
		paid, deg = readOrDegrade(log, "earliest_paid_events", func() (map[string]PaidEvent, error) {
			return b.PaidEvents.EarliestPaidEvents(ctx, w, candidates)
		})
		res.Degraded = appendDegraded(res.Degraded, deg)
	}

	rows := make([]ExpectedRecord, 0, len(candidates))
	for _, id := range candidates {
		p, ok := paid[id]
		// A receipt without a positive paid event in the window is left
		// for a later pass.
		if !ok || !p.IsPositive() || !w.Contains(p.Timestamp) {
			continue
		}
		rows = append(rows, NewExpectedRecord(byID[id], p))
	}

	switch {
	case opts.DryRun:
		res.Outcome = OutcomeDryRun
	case len(rows) == 0:
		res.Outcome = OutcomeSuccess
	default:
		written, deg := writeOrDegrade(log, "insert_expected", func() (int, error) {
			return b.Expected.InsertExpected(ctx, rows)
		})
		res.Degraded = appendDegraded(res.Degraded, deg)
		res.Written = written
		res.Outcome = OutcomeSuccess
		if deg != nil {
			res.Outcome = OutcomeError
		}
	}

	res.Skipped = res.Seen - res.Written
	log.Debug("expected candidates built",
		zap.Int("unique_requests", len(ids)),
		zap.Int("already_built", len(ids)-len(candidates)),
		zap.Int("rows", len(rows)),
	)
	b.finish(log, res, opts, time.Since(start))
	return res
}

func (b *ExpectedBuilder) finish(log *zap.Logger, res ExpectedResult, opts BuildOptions, d time.Duration) {
	log.Info("expected build finished",
		zap.Int("seen", res.Seen),
		zap.Int("written", res.Written),
		zap.Int("skipped", res.Skipped),
		zap.String("outcome", string(res.Outcome)),
		zap.Duration("duration", d),
	)
	if !opts.CollectMetrics {
		return
	}
	m := metricsOr(b.Metrics)
	m.ExpectedCounts(res.Seen, res.Written, res.Skipped)
	m.ObserveStage(StageExpected, res.Outcome, d)
}

// =============================================================================
// RECORD CONSTRUCTION
// =============================================================================

// NewExpectedRecord derives the expected fact for a receipt and its earliest
// positive paid event. The USD value is copied from the paid event; both
// viewability percentages are copied without sharing the receipt's pointers.
func NewExpectedRecord(r Receipt, p PaidEvent) ExpectedRecord {
	rec := ExpectedRecord{
		EventDate:        TruncateDay(r.Timestamp),
		RequestID:        r.RequestID,
		PlacementID:      r.PlacementID,
		ExpectedValueUSD: p.RevenueUSD,
		Currency:         CurrencyUSD,
		Floors:           floorsFor(r),
		ReceiptHash:      r.ReceiptHash,
		Ts:               r.Timestamp.UTC(),
	}
	if r.Viewability != nil {
		rec.Viewability.OMViewablePct = copyPct(r.Viewability.OMViewablePct)
		rec.Viewability.StatementViewablePct = copyPct(r.Viewability.StatementViewablePct)
	}
	return rec
}

func copyPct(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// floorsFor copies the receipt's floors payload, or synthesizes one from the
// floor/currency fields when the payload is absent or malformed.
func floorsFor(r Receipt) json.RawMessage {
	if trimmed := bytes.TrimSpace(r.Floors); len(trimmed) > 0 && json.Valid(trimmed) {
		return append(json.RawMessage(nil), trimmed...)
	}
	currency := r.Currency
	if currency == "" {
		currency = CurrencyUSD
	}
	synth := map[string]string{"currency": currency}
	if r.FloorCPM != nil {
		synth["floor_cpm"] = r.FloorCPM.String()
	}
	out, _ := json.Marshal(synth)
	return out
}

// ClampLimit bounds limit to [lo, hi].
func ClampLimit(limit, lo, hi int) int {
	if limit < lo {
		return lo
	}
	if limit > hi {
		return hi
	}
	return limit
}

func loggerOr(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func metricsOr(m Metrics) Metrics {
	if m == nil {
		return NopMetrics{}
	}
	return m
}
