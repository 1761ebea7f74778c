/*
store.go - Persistence ports for the reconciliation pipeline

PURPOSE:
  Defines the interface between the pipeline and its backing stores. The
  pipeline logic exists once; each backend (memory, SQLite, PostgreSQL,
  ClickHouse) implements the ports it can serve.

KEY INTERFACES:
  ReceiptStore:     windowed read of transparency receipts (external input)
  PaidEventStore:   windowed read of normalized revenue events (external input)
  StatementStore:   windowed read of settlement statements (external input)
  ExpectedStore:    write-once expected revenue, keyed by requestId
  MatchStore:       auto-accepted matches, keyed by (statementId, requestId)
  ReviewMatchStore: review-band matches pending human triage
  DeltaStore:       classified discrepancies, keyed by evidenceId

CAPABILITY SET:
  Every port offers at most two things: a windowed, limit-bounded read and
  a bulk conflict-ignoring insert. There is NO Update and NO Delete.

IDEMPOTENCY:
  Inserts skip rows whose natural key already exists and return the number
  of rows actually inserted. A partial collision never inflates the count.
  This is what makes "fail and retry the whole window" safe, and why no
  stage needs a lock.

IMPLEMENTATIONS:
  - recon/store/memory.go: In-memory, for tests and dry runs
  - store/sqlite:          Single-node SQL backend
  - store/postgres:        Production backend (gorm)
  - store/clickhouse:      Read-only analytics source for the input ports
*/
package recon

import "context"

// =============================================================================
// INPUT PORTS - Read-only to this engine
// =============================================================================

// ReceiptStore reads receipts with Timestamp in the window, ordered by
// Timestamp ascending, at most limit rows.
type ReceiptStore interface {
	ReceiptsInWindow(ctx context.Context, w Window, limit int) ([]Receipt, error)
}

// PaidEventStore reads normalized revenue events.
type PaidEventStore interface {
	// EarliestPaidEvents returns, per requestId, the earliest event with
	// RevenueUSD > 0 and Timestamp in the window. Ids without one are absent.
	EarliestPaidEvents(ctx context.Context, w Window, requestIDs []string) (map[string]PaidEvent, error)

	// PaidEventsInWindow returns events with Timestamp in the window,
	// ordered by Timestamp ascending, at most limit rows.
	PaidEventsInWindow(ctx context.Context, w Window, limit int) ([]PaidEvent, error)
}

// StatementStore reads settlement rows whose EventDate belongs to the
// window (see Window.ContainsDay), ordered by EventDate ascending.
type StatementStore interface {
	StatementsInWindow(ctx context.Context, w Window, limit int) ([]Statement, error)
}

// =============================================================================
// OUTPUT PORTS - Written by the pipeline, append-only
// =============================================================================

// ExpectedStore persists expected revenue.
type ExpectedStore interface {
	// ExistingRequestIDs returns the subset of ids that already have a record.
	ExistingRequestIDs(ctx context.Context, requestIDs []string) (map[string]bool, error)

	// InsertExpected inserts rows, ignoring conflicts on RequestID, and
	// returns the number actually inserted.
	InsertExpected(ctx context.Context, rows []ExpectedRecord) (int, error)

	// ExpectedInWindow returns records with Ts in the window, ordered by Ts
	// ascending, at most limit rows.
	ExpectedInWindow(ctx context.Context, w Window, limit int) ([]ExpectedRecord, error)
}

// MatchStore persists auto-accepted matches.
type MatchStore interface {
	// InsertMatches ignores conflicts on (StatementID, RequestID).
	InsertMatches(ctx context.Context, matches []Match) (int, error)
}

// ReviewMatchStore persists review-band matches for human triage.
type ReviewMatchStore interface {
	InsertReviewMatches(ctx context.Context, matches []Match) (int, error)

	// ReviewMatches returns the most recent review matches, newest first.
	ReviewMatches(ctx context.Context, limit int) ([]Match, error)
}

// DeltaStore persists classified discrepancies.
type DeltaStore interface {
	// InsertDeltas ignores conflicts on EvidenceID.
	InsertDeltas(ctx context.Context, deltas []Delta) (int, error)

	// DeltasInWindow returns deltas whose window starts inside w. An empty
	// kind means all kinds.
	DeltasInWindow(ctx context.Context, w Window, kind DeltaKind) ([]Delta, error)
}

// =============================================================================
// SINKS
// =============================================================================

// DeltaSink receives computed Deltas after a non-dry-run reconcile.
// Consumers deduplicate on EvidenceID.
type DeltaSink interface {
	PublishDeltas(ctx context.Context, deltas []Delta) error
}

// Stores bundles every port the pipeline uses. A single backend usually
// fills all fields; the input ports may come from a different backend.
type Stores struct {
	Receipts    ReceiptStore
	PaidEvents  PaidEventStore
	Statements  StatementStore
	Expected    ExpectedStore
	Matches     MatchStore
	ReviewMatch ReviewMatchStore
	Deltas      DeltaStore
}

// Backend is implemented by stores that serve every port.
type Backend interface {
	ReceiptStore
	PaidEventStore
	StatementStore
	ExpectedStore
	MatchStore
	ReviewMatchStore
	DeltaStore
}

// StoresFrom fills every port from one backend.
func StoresFrom(b Backend) Stores {
	return Stores{
		Receipts:    b,
		PaidEvents:  b,
		Statements:  b,
		Expected:    b,
		Matches:     b,
		ReviewMatch: b,
		Deltas:      b,
	}
}

// WithInputs overrides the three input ports, e.g. with a warehouse source.
func (s Stores) WithInputs(r ReceiptStore, p PaidEventStore, st StatementStore) Stores {
	if r != nil {
		s.Receipts = r
	}
	if p != nil {
		s.PaidEvents = p
	}
	if st != nil {
		s.Statements = st
	}
	return s
}
