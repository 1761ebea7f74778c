/*
errors.go - Error types and the degrade taxonomy

PURPOSE:
  The engine is a monitoring job. A failing store must never halt the
  pipeline that schedules it, so store failures are converted into
  Degradations instead of being returned to callers.

DEGRADE TAXONOMY:
  read_failed:      a store read failed; treated as empty input
  write_failed:     a bulk insert failed; counted as zero written
  rule_failed:      one anomaly rule failed; no Delta for that rule
  aggregate_failed: the initial reconcile aggregates failed; zero result

  Only caller mistakes (an invalid window) surface as errors.

USAGE:
  rows, deg := readOrDegrade(log, "receipts_in_window", func() ([]Receipt, error) {
      return stores.Receipts.ReceiptsInWindow(ctx, w, limit)
  })
  res.Degraded = appendDegraded(res.Degraded, deg)
*/
package recon

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidWindow is returned when to <= from or a bound is missing.
	ErrInvalidWindow = errors.New("invalid window")

	// ErrStoreUnavailable is returned by backends that cannot serve a port.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrRuleFailed wraps a panic or error raised inside an anomaly rule.
	ErrRuleFailed = errors.New("anomaly rule failed")

	// ErrNoBaseline is returned by a rule when the trailing window is empty.
	// It is not a degradation: the rule simply has nothing to compare with.
	ErrNoBaseline = errors.New("no baseline data")
)

// =============================================================================
// DEGRADATION
// =============================================================================

type DegradeReason string

const (
	DegradeReadFailed      DegradeReason = "read_failed"
	DegradeWriteFailed     DegradeReason = "write_failed"
	DegradeRuleFailed      DegradeReason = "rule_failed"
	DegradeAggregateFailed DegradeReason = "aggregate_failed"
)

// Degradation is reported in stage results so operators can see what was
// skipped without the call failing.
type Degradation struct {
	Op      string        `json:"op"`
	Reason  DegradeReason `json:"reason"`
	Message string        `json:"message"`
}

// DegradedError carries the operation and reason of a store failure.
type DegradedError struct {
	Op     string
	Reason DegradeReason
	Err    error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Reason, e.Err)
}

func (e *DegradedError) Unwrap() error { return e.Err }

// Degradation converts the error to its reportable form.
func (e *DegradedError) Degradation() Degradation {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return Degradation{Op: e.Op, Reason: e.Reason, Message: msg}
}

// IsDegraded returns true if err is (or wraps) a DegradedError.
func IsDegraded(err error) bool {
	var de *DegradedError
	return errors.As(err, &de)
}

// =============================================================================
// HELPERS
// =============================================================================

// readOrDegrade runs a store read. On failure it logs, returns the zero
// value and a read_failed degradation.
func readOrDegrade[T any](log *zap.Logger, op string, fn func() (T, error)) (T, *DegradedError) {
	v, err := fn()
	if err != nil {
		var zero T
		de := &DegradedError{Op: op, Reason: DegradeReadFailed, Err: err}
		log.Warn("store read degraded", zap.String("op", op), zap.String("reason", string(de.Reason)), zap.Error(err))
		return zero, de
	}
	return v, nil
}

// writeOrDegrade runs a bulk insert. On failure it logs and reports zero
// rows written.
func writeOrDegrade(log *zap.Logger, op string, fn func() (int, error)) (int, *DegradedError) {
	n, err := fn()
	if err != nil {
		de := &DegradedError{Op: op, Reason: DegradeWriteFailed, Err: err}
		log.Warn("store write degraded", zap.String("op", op), zap.String("reason", string(de.Reason)), zap.Error(err))
		return 0, de
	}
	return n, nil
}

func appendDegraded(list []Degradation, de *DegradedError) []Degradation {
	if de == nil {
		return list
	}
	return append(list, de.Degradation())
}
