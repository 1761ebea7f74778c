/*
Package recon provides the revenue reconciliation engine.

PURPOSE:
  Derives the revenue a publisher is owed from first-party transparency
  receipts and paid-event telemetry, matches ad-network settlement statements
  against it, and classifies the discrepancies found in a window.

KEY CONCEPTS IN THIS FILE (types.go):
  - Receipt:        First-party record that an ad request occurred
  - PaidEvent:      Normalized revenue event attributing USD to a request
  - ExpectedRecord: Write-once "should have been paid" fact per request
  - Statement:      Day-granular settlement row from an ad network
  - Match:          Scored link between a Statement and a request
  - Delta:          Classified discrepancy for a window

PIPELINE:
  ReceiptStore + PaidEventStore   -> ExpectedBuilder  -> ExpectedStore
  ExpectedStore + StatementStore  -> MatchingEngine   -> MatchStore
  Expected + PaidEvent + Statement -> WindowReconciler -> DeltaStore

  The three stages never call each other. They communicate only through
  the stores, and every write is idempotent on a natural key.

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal, never float64
  2. Idempotency: requestId / (statementId, requestId) / evidenceId keys
  3. Degrade, don't throw: a store failure yields a conservative result
  4. Typed rows: parse-and-validate at the store boundary, not downstream

SEE ALSO:
  - store.go: Persistence ports
  - expected.go, matching.go, reconcile.go: The three stages
  - service.go: Public entry points
*/
package recon

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// CurrencyUSD is the only currency expected revenue is normalized to.
const CurrencyUSD = "USD"

// =============================================================================
// RECEIPT - Append-only record of an observed ad request
// =============================================================================

// Receipt is owned by an upstream collector and is read-only here.
type Receipt struct {
	RequestID   string
	PlacementID string
	Timestamp   time.Time
	FloorCPM    *decimal.Decimal
	Currency    string
	ReceiptHash string
	Floors      json.RawMessage // optional structured floors payload

	// Viewability is the client-side OM SDK measurement, when captured.
	Viewability *Viewability
}

// =============================================================================
// PAID EVENT - Normalized revenue event
// =============================================================================

// PaidEvent attributes USD revenue to a request. Several events may share a
// RequestID; the builder uses the earliest positive one inside the window.
type PaidEvent struct {
	RequestID       string
	Timestamp       time.Time
	RevenueUSD      decimal.Decimal
	RevenueCurrency string
	RevenueOriginal decimal.Decimal
	ExchangeRate    decimal.Decimal
}

// IsPositive reports whether the event carries billable revenue.
func (p PaidEvent) IsPositive() bool { return p.RevenueUSD.IsPositive() }

// =============================================================================
// EXPECTED RECORD - Derived "what we expect to be paid"
// =============================================================================

// ExpectedRecord is keyed by RequestID. At most one exists per request, ever.
type ExpectedRecord struct {
	EventDate        time.Time // UTC day of Ts
	RequestID        string
	PlacementID      string
	ExpectedValueUSD decimal.Decimal
	Currency         string // always USD
	Floors           json.RawMessage
	ReceiptHash      string
	Viewability      Viewability
	Ts               time.Time
}

// Viewability is the payload carried on ExpectedRecords. Both values are
// percentages in [0, 100].
type Viewability struct {
	OMViewablePct        *float64 `json:"om_viewable_pct,omitempty"`
	StatementViewablePct *float64 `json:"statement_viewable_pct,omitempty"`
}

// Complete reports whether both sides of the measurement are present.
func (v Viewability) Complete() bool {
	return v.OMViewablePct != nil && v.StatementViewablePct != nil
}

// =============================================================================
// STATEMENT - Day-granular settlement report row
// =============================================================================

type Statement struct {
	EventDate      time.Time // UTC day
	AppID          string
	AdUnitID       string
	Country        string
	Format         string
	Paid           decimal.Decimal
	Currency       string
	ReportID       string
	Network        string
	IVTAdjustments *decimal.Decimal
}

// ID returns the structural statement id. See StatementID.
func (s Statement) ID() string { return StatementID(s) }

// =============================================================================
// MATCH - Scored link between a statement and a request
// =============================================================================

type Match struct {
	StatementID    string
	RequestID      string
	LinkConfidence float64  // 0..1, rounded to 2 decimals
	KeysUsed       []string // signals that contributed: time, amount, unit
	Reasons        *MatchReasons
	CreatedAt      time.Time
}

// MatchReasons explains a review-band score to a human reviewer.
type MatchReasons struct {
	TimeScore           *float64 `json:"time_score,omitempty"`
	AmountScore         *float64 `json:"amount_score,omitempty"`
	UnitScore           *float64 `json:"unit_score,omitempty"`
	Combined            float64  `json:"combined"`
	AutoAcceptThreshold float64  `json:"auto_accept_threshold"`
	ReviewMinThreshold  float64  `json:"review_min_threshold"`
}

// =============================================================================
// DELTA - Classified discrepancy for a window
// =============================================================================

type DeltaKind string

const (
	DeltaUnderpay       DeltaKind = "underpay"
	DeltaMissing        DeltaKind = "missing"
	DeltaViewabilityGap DeltaKind = "viewability_gap"
	DeltaIVTOutlier     DeltaKind = "ivt_outlier"
	DeltaFXMismatch     DeltaKind = "fx_mismatch"
	DeltaTimingLag      DeltaKind = "timing_lag"
)

// DeltaKinds lists every kind in a stable order.
var DeltaKinds = []DeltaKind{
	DeltaUnderpay, DeltaMissing, DeltaViewabilityGap,
	DeltaIVTOutlier, DeltaFXMismatch, DeltaTimingLag,
}

// Valid reports whether k is a known kind.
func (k DeltaKind) Valid() bool {
	for _, known := range DeltaKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Delta is created only by the WindowReconciler and never mutated.
type Delta struct {
	Kind        DeltaKind
	AmountUSD   decimal.Decimal
	Currency    string
	ReasonCode  string
	WindowStart time.Time
	WindowEnd   time.Time
	EvidenceID  string // idempotency key
	Confidence  float64
	Details     map[string]any
	CreatedAt   time.Time
}
