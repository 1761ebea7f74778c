package recon

import "time"

// Stage names used as metric labels.
const (
	StageExpected  = "expected"
	StageMatching  = "matching"
	StageReconcile = "reconcile"
)

// Outcome labels a stage duration measurement.
type Outcome string

const (
	OutcomeEmpty   Outcome = "empty"
	OutcomeDryRun  Outcome = "dry_run"
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Metrics is the observability port. The metrics package implements it
// with Prometheus collectors.
type Metrics interface {
	// ExpectedCounts records one ExpectedBuilder run.
	ExpectedCounts(seen, written, skipped int)

	// MatchCounts records auto-inserted and review-persisted totals.
	MatchCounts(autoInserted, reviewPersisted int)

	// DeltaComputed records one computed delta of the given kind.
	DeltaComputed(kind DeltaKind)

	// ObserveStage records a stage duration tagged with its outcome.
	ObserveStage(stage string, outcome Outcome, d time.Duration)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ExpectedCounts(int, int, int) {}
func (NopMetrics) MatchCounts(int, int) {}
func (NopMetrics) DeltaComputed(DeltaKind) {}
func (NopMetrics) ObserveStage(string, Outcome, time.Duration) {}
