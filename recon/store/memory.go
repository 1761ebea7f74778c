// Package store provides an in-memory recon.Backend.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/apexmediation/revenue-recon/recon"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every collection sorted by its window timestamp so windowed
// reads are a binary search plus a scan.
type Memory struct {
	mu         sync.RWMutex
	receipts   []recon.Receipt
	paid       []recon.PaidEvent
	statements []recon.Statement
	expected   []recon.ExpectedRecord
	expectedID map[string]bool
	matches    []recon.Match
	matchKey   map[matchKey]bool
	review     []recon.Match
	reviewKey  map[matchKey]bool
	deltas     []recon.Delta
	evidence   map[string]bool
}

type matchKey struct {
	StatementID string
	RequestID   string
}

var _ recon.Backend = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		expectedID: make(map[string]bool),
		matchKey:   make(map[matchKey]bool),
		reviewKey:  make(map[matchKey]bool),
		evidence:   make(map[string]bool),
	}
}

// =============================================================================
// SEEDING - Input collections are owned by external collectors
// =============================================================================

// AddReceipts appends receipts, keeping Timestamp order.
func (m *Memory) AddReceipts(rs ...recon.Receipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rs {
		m.receipts = insertSorted(m.receipts, r, func(x recon.Receipt) time.Time { return x.Timestamp })
	}
}

// AddPaidEvents appends paid events, keeping Timestamp order.
func (m *Memory) AddPaidEvents(ps ...recon.PaidEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range ps {
		m.paid = insertSorted(m.paid, p, func(x recon.PaidEvent) time.Time { return x.Timestamp })
	}
}

// AddStatements appends statements, keeping EventDate order.
func (m *Memory) AddStatements(ss ...recon.Statement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range ss {
		m.statements = insertSorted(m.statements, s, func(x recon.Statement) time.Time { return x.EventDate })
	}
}

// insertSorted inserts v after every element with an equal or earlier key,
// so equal timestamps keep arrival order.
func insertSorted[T any](list []T, v T, at func(T) time.Time) []T {
	t := at(v)
	i := sort.Search(len(list), func(i int) bool { return at(list[i]).After(t) })
	list = append(list, v)
	copy(list[i+1:], list[i:])
	list[i] = v
	return list
}

// windowSlice returns the elements with key in [from, to).
func windowSlice[T any](list []T, from, to time.Time, at func(T) time.Time) []T {
	lo := sort.Search(len(list), func(i int) bool { return !at(list[i]).Before(from) })
	hi := sort.Search(len(list), func(i int) bool { return !at(list[i]).Before(to) })
	if lo >= hi {
		return nil
	}
	return list[lo:hi]
}

func limited[T any](src []T, limit int) []T {
	if limit > 0 && len(src) > limit {
		src = src[:limit]
	}
	out := make([]T, len(src))
	copy(out, src)
	return out
}

// =============================================================================
// INPUT PORTS
// =============================================================================

func (m *Memory) ReceiptsInWindow(_ context.Context, w recon.Window, limit int) ([]recon.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in := windowSlice(m.receipts, w.From, w.To, func(x recon.Receipt) time.Time { return x.Timestamp })
	return limited(in, limit), nil
}

func (m *Memory) EarliestPaidEvents(_ context.Context, w recon.Window, requestIDs []string) (map[string]recon.PaidEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[string]bool, len(requestIDs))
	for _, id := range requestIDs {
		wanted[id] = true
	}
	out := make(map[string]recon.PaidEvent)
	// Events are in Timestamp order, so the first hit per id is the earliest.
	for _, p := range windowSlice(m.paid, w.From, w.To, func(x recon.PaidEvent) time.Time { return x.Timestamp }) {
		if !wanted[p.RequestID] || !p.IsPositive() {
			continue
		}
		if _, seen := out[p.RequestID]; !seen {
			out[p.RequestID] = p
		}
	}
	return out, nil
}

func (m *Memory) PaidEventsInWindow(_ context.Context, w recon.Window, limit int) ([]recon.PaidEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in := windowSlice(m.paid, w.From, w.To, func(x recon.PaidEvent) time.Time { return x.Timestamp })
	return limited(in, limit), nil
}

func (m *Memory) StatementsInWindow(_ context.Context, w recon.Window, limit int) ([]recon.Statement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in := windowSlice(m.statements, recon.TruncateDay(w.From), w.To, func(x recon.Statement) time.Time {
		return recon.TruncateDay(x.EventDate)
	})
	return limited(in, limit), nil
}

// =============================================================================
// EXPECTED
// =============================================================================

func (m *Memory) ExistingRequestIDs(_ context.Context, requestIDs []string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool)
	for _, id := range requestIDs {
		if m.expectedID[id] {
			out[id] = true
		}
	}
	return out, nil
}

func (m *Memory) InsertExpected(_ context.Context, rows []recon.ExpectedRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range rows {
		if m.expectedID[r.RequestID] {
			continue
		}
		m.expectedID[r.RequestID] = true
		m.expected = insertSorted(m.expected, r, func(x recon.ExpectedRecord) time.Time { return x.Ts })
		n++
	}
	return n, nil
}

func (m *Memory) ExpectedInWindow(_ context.Context, w recon.Window, limit int) ([]recon.ExpectedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in := windowSlice(m.expected, w.From, w.To, func(x recon.ExpectedRecord) time.Time { return x.Ts })
	return limited(in, limit), nil
}

// =============================================================================
// MATCHES
// =============================================================================

func (m *Memory) InsertMatches(_ context.Context, matches []recon.Match) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mt := range matches {
		k := matchKey{StatementID: mt.StatementID, RequestID: mt.RequestID}
		if m.matchKey[k] {
			continue
		}
		m.matchKey[k] = true
		m.matches = append(m.matches, mt)
		n++
	}
	return n, nil
}

// Matches returns a copy of the auto-accepted matches in insertion order.
func (m *Memory) Matches() []recon.Match {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return limited(m.matches, 0)
}

func (m *Memory) InsertReviewMatches(_ context.Context, matches []recon.Match) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mt := range matches {
		k := matchKey{StatementID: mt.StatementID, RequestID: mt.RequestID}
		if m.reviewKey[k] {
			continue
		}
		m.reviewKey[k] = true
		m.review = append(m.review, mt)
		n++
	}
	return n, nil
}

func (m *Memory) ReviewMatches(_ context.Context, limit int) ([]recon.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]recon.Match, 0, len(m.review))
	for i := len(m.review) - 1; i >= 0; i-- {
		out = append(out, m.review[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// DELTAS
// =============================================================================

func (m *Memory) InsertDeltas(_ context.Context, deltas []recon.Delta) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range deltas {
		if m.evidence[d.EvidenceID] {
			continue
		}
		m.evidence[d.EvidenceID] = true
		m.deltas = append(m.deltas, d)
		n++
	}
	return n, nil
}

func (m *Memory) DeltasInWindow(_ context.Context, w recon.Window, kind recon.DeltaKind) ([]recon.Delta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []recon.Delta
	for _, d := range m.deltas {
		if !w.Contains(d.WindowStart) {
			continue
		}
		if kind != "" && d.Kind != kind {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].WindowStart.Before(out[j].WindowStart) })
	return out, nil
}
