/*
Package sqlite provides a SQLite-backed implementation of the recon ports.

PURPOSE:
  Implements every persistence port (recon.Backend) using SQLite. In
  production the same tables live in PostgreSQL (store/postgres); only the
  conflict-ignore dialect differs.

KEY TABLES:
  recon_receipts:        transparency receipts (external input)
  recon_paid_events:     normalized revenue events (external input)
  recon_statements_norm: normalized settlement rows (external input)
  recon_expected:        expected revenue, PRIMARY KEY request_id
  recon_match:           auto matches, PRIMARY KEY (statement_id, request_id)
  recon_match_review:    review matches, PRIMARY KEY (statement_id, request_id)
  recon_deltas:          deltas, PRIMARY KEY evidence_id

APPEND-ONLY ENFORCEMENT:
  The output tables are only ever written with INSERT OR IGNORE. There are
  no UPDATE or DELETE statements. The number of rows inserted is the sum of
  RowsAffected, so a partial collision never inflates the count.

ENCODING:
  Timestamps are fixed-width UTC text (tsLayout) so string order is time
  order. Money is decimal text. Statement days are YYYY-MM-DD.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

USAGE:
  store, err := sqlite.New("./data/recon.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := recon.NewService(store, logger)

SEE ALSO:
  - recon/store.go: Port definitions
  - recon/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/apexmediation/revenue-recon/recon"
)

// tsLayout is fixed width, so lexical order equals time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// maxInParams bounds the ids bound into one IN (...) clause.
const maxInParams = 500

// Store implements recon.Backend using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ recon.Backend = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Inputs (owned by external collectors)
	CREATE TABLE IF NOT EXISTS recon_receipts (
		request_id TEXT NOT NULL,
		placement_id TEXT NOT NULL DEFAULT '',
		ts TEXT NOT NULL,
		floor_cpm TEXT,
		currency TEXT NOT NULL DEFAULT '',
		receipt_hash TEXT NOT NULL DEFAULT '',
		floors_json TEXT,
		viewability_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_recon_receipts_ts
		ON recon_receipts(ts);

	CREATE TABLE IF NOT EXISTS recon_paid_events (
		request_id TEXT NOT NULL,
		ts TEXT NOT NULL,
		revenue_usd TEXT NOT NULL,
		revenue_currency TEXT NOT NULL DEFAULT '',
		revenue_original TEXT NOT NULL DEFAULT '0',
		exchange_rate TEXT NOT NULL DEFAULT '0'
	);

	CREATE INDEX IF NOT EXISTS idx_recon_paid_events_ts
		ON recon_paid_events(ts);
	CREATE INDEX IF NOT EXISTS idx_recon_paid_events_request
		ON recon_paid_events(request_id, ts);

	CREATE TABLE IF NOT EXISTS recon_statements_norm (
		event_date TEXT NOT NULL,
		app_id TEXT NOT NULL DEFAULT '',
		ad_unit_id TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL DEFAULT '',
		format TEXT NOT NULL DEFAULT '',
		paid TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		report_id TEXT NOT NULL DEFAULT '',
		network TEXT NOT NULL DEFAULT '',
		ivt_adjustments TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_recon_statements_date
		ON recon_statements_norm(event_date);

	-- Outputs (append-only, conflict-ignored on natural keys)
	CREATE TABLE IF NOT EXISTS recon_expected (
		request_id TEXT PRIMARY KEY,
		event_date TEXT NOT NULL,
		placement_id TEXT NOT NULL DEFAULT '',
		expected_value TEXT NOT NULL,
		currency TEXT NOT NULL,
		floors_json TEXT,
		receipt_hash TEXT NOT NULL DEFAULT '',
		viewability_json TEXT,
		ts TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_recon_expected_ts
		ON recon_expected(ts);

	CREATE TABLE IF NOT EXISTS recon_match (
		statement_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		link_confidence REAL NOT NULL,
		keys_used_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (statement_id, request_id)
	);

	CREATE TABLE IF NOT EXISTS recon_match_review (
		statement_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		link_confidence REAL NOT NULL,
		keys_used_json TEXT NOT NULL,
		reasons_json TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (statement_id, request_id)
	);

	CREATE INDEX IF NOT EXISTS idx_recon_match_review_created
		ON recon_match_review(created_at DESC);

	CREATE TABLE IF NOT EXISTS recon_deltas (
		evidence_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		reason_code TEXT NOT NULL,
		window_start TEXT NOT NULL,
		window_end TEXT NOT NULL,
		confidence REAL NOT NULL,
		details_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_recon_deltas_window
		ON recon_deltas(window_start, kind);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SEEDING - Inputs are written by external collectors; these exist for
// dev, demos and tests
// =============================================================================

// AddReceipts appends receipts.
func (s *Store) AddReceipts(ctx context.Context, rs ...recon.Receipt) error {
	return s.execBatch(ctx, `
		INSERT INTO recon_receipts
		(request_id, placement_id, ts, floor_cpm, currency, receipt_hash, floors_json, viewability_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, len(rs), func(i int) []any {
		r := rs[i]
		return []any{
			r.RequestID, r.PlacementID, formatTS(r.Timestamp), nullDecimal(r.FloorCPM),
			r.Currency, r.ReceiptHash, nullRaw(r.Floors), nullJSON(r.Viewability),
		}
	})
}

// AddPaidEvents appends paid events.
func (s *Store) AddPaidEvents(ctx context.Context, ps ...recon.PaidEvent) error {
	return s.execBatch(ctx, `
		INSERT INTO recon_paid_events
		(request_id, ts, revenue_usd, revenue_currency, revenue_original, exchange_rate)
		VALUES (?, ?, ?, ?, ?, ?)
	`, len(ps), func(i int) []any {
		p := ps[i]
		return []any{
			p.RequestID, formatTS(p.Timestamp), p.RevenueUSD.String(),
			p.RevenueCurrency, p.RevenueOriginal.String(), p.ExchangeRate.String(),
		}
	})
}

// AddStatements appends normalized statement rows.
func (s *Store) AddStatements(ctx context.Context, ss ...recon.Statement) error {
	return s.execBatch(ctx, `
		INSERT INTO recon_statements_norm
		(event_date, app_id, ad_unit_id, country, format, paid, currency, report_id, network, ivt_adjustments)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, len(ss), func(i int) []any {
		st := ss[i]
		return []any{
			recon.DayKey(st.EventDate), st.AppID, st.AdUnitID, st.Country, st.Format,
			st.Paid.String(), st.Currency, st.ReportID, st.Network, nullDecimal(st.IVTAdjustments),
		}
	})
}

func (s *Store) execBatch(ctx context.Context, query string, n int, args func(i int) []any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := 0; i < n; i++ {
		if _, err := tx.ExecContext(ctx, query, args(i)...); err != nil {
			return fmt.Errorf("failed to insert row %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// insertIgnoring runs an INSERT OR IGNORE per row inside one transaction and
// returns how many rows were actually inserted.
func (s *Store) insertIgnoring(ctx context.Context, query string, n int, args func(i int) ([]any, error)) (int, error) {
	if n == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := 0; i < n; i++ {
		a, err := args(i)
		if err != nil {
			return 0, err
		}
		res, err := stmt.ExecContext(ctx, a...)
		if err != nil {
			return 0, fmt.Errorf("failed to insert row %d: %w", i, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(affected)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return inserted, nil
}

// =============================================================================
// INPUT PORTS
// =============================================================================

func (s *Store) ReceiptsInWindow(ctx context.Context, w recon.Window, limit int) ([]recon.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, placement_id, ts, floor_cpm, currency, receipt_hash, floors_json, viewability_json
		FROM recon_receipts
		WHERE ts >= ? AND ts < ?
		ORDER BY ts ASC, rowid ASC
		LIMIT ?
	`, formatTS(w.From), formatTS(w.To), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var out []recon.Receipt
	for rows.Next() {
		var (
			r                   recon.Receipt
			ts                  string
			floorCPM            sql.NullString
			floors, viewability sql.NullString
		)
		if err := rows.Scan(&r.RequestID, &r.PlacementID, &ts, &floorCPM, &r.Currency, &r.ReceiptHash, &floors, &viewability); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		if r.Timestamp, err = parseTS(ts); err != nil {
			return nil, err
		}
		if r.FloorCPM, err = parseNullDecimal(floorCPM); err != nil {
			return nil, err
		}
		if floors.Valid {
			r.Floors = json.RawMessage(floors.String)
		}
		if viewability.Valid && viewability.String != "" {
			var v recon.Viewability
			if err := json.Unmarshal([]byte(viewability.String), &v); err == nil {
				r.Viewability = &v
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) EarliestPaidEvents(ctx context.Context, w recon.Window, requestIDs []string) (map[string]recon.PaidEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]recon.PaidEvent)
	for _, chunk := range chunks(requestIDs, maxInParams) {
		args := []any{formatTS(w.From), formatTS(w.To)}
		args = append(args, anySlice(chunk)...)
		events, err := s.queryPaidEvents(ctx, `
			SELECT request_id, ts, revenue_usd, revenue_currency, revenue_original, exchange_rate
			FROM recon_paid_events
			WHERE ts >= ? AND ts < ?
			  AND CAST(revenue_usd AS REAL) > 0
			  AND request_id IN (`+placeholders(len(chunk))+`)
			ORDER BY ts ASC, rowid ASC
		`, args...)
		if err != nil {
			return nil, err
		}
		for _, p := range events {
			if _, seen := out[p.RequestID]; !seen && p.IsPositive() {
				out[p.RequestID] = p
			}
		}
	}
	return out, nil
}

func (s *Store) PaidEventsInWindow(ctx context.Context, w recon.Window, limit int) ([]recon.PaidEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryPaidEvents(ctx, `
		SELECT request_id, ts, revenue_usd, revenue_currency, revenue_original, exchange_rate
		FROM recon_paid_events
		WHERE ts >= ? AND ts < ?
		ORDER BY ts ASC, rowid ASC
		LIMIT ?
	`, formatTS(w.From), formatTS(w.To), limitArg(limit))
}

func (s *Store) queryPaidEvents(ctx context.Context, query string, args ...any) ([]recon.PaidEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query paid events: %w", err)
	}
	defer rows.Close()

	var out []recon.PaidEvent
	for rows.Next() {
		var (
			p                       recon.PaidEvent
			ts, revenue, orig, rate string
		)
		if err := rows.Scan(&p.RequestID, &ts, &revenue, &p.RevenueCurrency, &orig, &rate); err != nil {
			return nil, fmt.Errorf("failed to scan paid event: %w", err)
		}
		if p.Timestamp, err = parseTS(ts); err != nil {
			return nil, err
		}
		if p.RevenueUSD, err = decimal.NewFromString(revenue); err != nil {
			return nil, fmt.Errorf("bad revenue_usd %q: %w", revenue, err)
		}
		p.RevenueOriginal, _ = decimal.NewFromString(orig)
		p.ExchangeRate, _ = decimal.NewFromString(rate)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) StatementsInWindow(ctx context.Context, w recon.Window, limit int) ([]recon.Statement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_date, app_id, ad_unit_id, country, format, paid, currency, report_id, network, ivt_adjustments
		FROM recon_statements_norm
		WHERE event_date >= ? AND event_date <= ?
		ORDER BY event_date ASC, rowid ASC
		LIMIT ?
	`, recon.DayKey(w.From), lastDay(w), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query statements: %w", err)
	}
	defer rows.Close()

	var out []recon.Statement
	for rows.Next() {
		var (
			st        recon.Statement
			day, paid string
			ivt       sql.NullString
		)
		if err := rows.Scan(&day, &st.AppID, &st.AdUnitID, &st.Country, &st.Format, &paid,
			&st.Currency, &st.ReportID, &st.Network, &ivt); err != nil {
			return nil, fmt.Errorf("failed to scan statement: %w", err)
		}
		if st.EventDate, err = time.Parse("2006-01-02", day); err != nil {
			return nil, fmt.Errorf("bad event_date %q: %w", day, err)
		}
		if st.Paid, err = decimal.NewFromString(paid); err != nil {
			return nil, fmt.Errorf("bad paid %q: %w", paid, err)
		}
		if st.IVTAdjustments, err = parseNullDecimal(ivt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// =============================================================================
// EXPECTED STORE
// =============================================================================

func (s *Store) ExistingRequestIDs(ctx context.Context, requestIDs []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]bool)
	for _, chunk := range chunks(requestIDs, maxInParams) {
		rows, err := s.db.QueryContext(ctx,
			"SELECT request_id FROM recon_expected WHERE request_id IN ("+placeholders(len(chunk))+")",
			anySlice(chunk)...,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to query existing request ids: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) InsertExpected(ctx context.Context, rows []recon.ExpectedRecord) (int, error) {
	return s.insertIgnoring(ctx, `
		INSERT OR IGNORE INTO recon_expected
		(request_id, event_date, placement_id, expected_value, currency, floors_json, receipt_hash, viewability_json, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, len(rows), func(i int) ([]any, error) {
		r := rows[i]
		return []any{
			r.RequestID, recon.DayKey(r.EventDate), r.PlacementID, r.ExpectedValueUSD.String(),
			r.Currency, nullRaw(r.Floors), r.ReceiptHash, nullJSON(r.Viewability), formatTS(r.Ts),
		}, nil
	})
}

func (s *Store) ExpectedInWindow(ctx context.Context, w recon.Window, limit int) ([]recon.ExpectedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, event_date, placement_id, expected_value, currency, floors_json, receipt_hash, viewability_json, ts
		FROM recon_expected
		WHERE ts >= ? AND ts < ?
		ORDER BY ts ASC, request_id ASC
		LIMIT ?
	`, formatTS(w.From), formatTS(w.To), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query expected: %w", err)
	}
	defer rows.Close()

	var out []recon.ExpectedRecord
	for rows.Next() {
		var (
			r                   recon.ExpectedRecord
			day, value, ts      string
			floors, viewability sql.NullString
		)
		if err := rows.Scan(&r.RequestID, &day, &r.PlacementID, &value, &r.Currency, &floors,
			&r.ReceiptHash, &viewability, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan expected: %w", err)
		}
		r.EventDate, _ = time.Parse("2006-01-02", day)
		if r.ExpectedValueUSD, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("bad expected_value %q: %w", value, err)
		}
		if r.Ts, err = parseTS(ts); err != nil {
			return nil, err
		}
		if floors.Valid {
			r.Floors = json.RawMessage(floors.String)
		}
		if viewability.Valid && viewability.String != "" {
			// A malformed payload reads as "not measured".
			_ = json.Unmarshal([]byte(viewability.String), &r.Viewability)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// MATCH STORES
// =============================================================================

func (s *Store) InsertMatches(ctx context.Context, matches []recon.Match) (int, error) {
	return s.insertIgnoring(ctx, `
		INSERT OR IGNORE INTO recon_match
		(statement_id, request_id, link_confidence, keys_used_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, len(matches), func(i int) ([]any, error) {
		m := matches[i]
		keys, err := json.Marshal(m.KeysUsed)
		if err != nil {
			return nil, err
		}
		return []any{m.StatementID, m.RequestID, m.LinkConfidence, string(keys), formatTS(createdAt(m.CreatedAt))}, nil
	})
}

func (s *Store) InsertReviewMatches(ctx context.Context, matches []recon.Match) (int, error) {
	return s.insertIgnoring(ctx, `
		INSERT OR IGNORE INTO recon_match_review
		(statement_id, request_id, link_confidence, keys_used_json, reasons_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, len(matches), func(i int) ([]any, error) {
		m := matches[i]
		keys, err := json.Marshal(m.KeysUsed)
		if err != nil {
			return nil, err
		}
		return []any{
			m.StatementID, m.RequestID, m.LinkConfidence, string(keys),
			nullJSON(m.Reasons), formatTS(createdAt(m.CreatedAt)),
		}, nil
	})
}

func (s *Store) ReviewMatches(ctx context.Context, limit int) ([]recon.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT statement_id, request_id, link_confidence, keys_used_json, reasons_json, created_at
		FROM recon_match_review
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query review matches: %w", err)
	}
	defer rows.Close()

	var out []recon.Match
	for rows.Next() {
		var (
			m           recon.Match
			keys, ts    string
			reasonsJSON sql.NullString
		)
		if err := rows.Scan(&m.StatementID, &m.RequestID, &m.LinkConfidence, &keys, &reasonsJSON, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan review match: %w", err)
		}
		_ = json.Unmarshal([]byte(keys), &m.KeysUsed)
		if reasonsJSON.Valid && reasonsJSON.String != "" {
			var r recon.MatchReasons
			if err := json.Unmarshal([]byte(reasonsJSON.String), &r); err == nil {
				m.Reasons = &r
			}
		}
		m.CreatedAt, _ = parseTS(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// DELTA STORE
// =============================================================================

func (s *Store) InsertDeltas(ctx context.Context, deltas []recon.Delta) (int, error) {
	return s.insertIgnoring(ctx, `
		INSERT OR IGNORE INTO recon_deltas
		(evidence_id, kind, amount, currency, reason_code, window_start, window_end, confidence, details_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, len(deltas), func(i int) ([]any, error) {
		d := deltas[i]
		return []any{
			d.EvidenceID, string(d.Kind), d.AmountUSD.String(), d.Currency, d.ReasonCode,
			formatTS(d.WindowStart), formatTS(d.WindowEnd), d.Confidence,
			nullJSON(d.Details), formatTS(createdAt(d.CreatedAt)),
		}, nil
	})
}

func (s *Store) DeltasInWindow(ctx context.Context, w recon.Window, kind recon.DeltaKind) ([]recon.Delta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT evidence_id, kind, amount, currency, reason_code, window_start, window_end, confidence, details_json, created_at
		FROM recon_deltas
		WHERE window_start >= ? AND window_start < ?`
	args := []any{formatTS(w.From), formatTS(w.To)}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, string(kind))
	}
	query += " ORDER BY window_start ASC, rowid ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deltas: %w", err)
	}
	defer rows.Close()

	var out []recon.Delta
	for rows.Next() {
		var (
			d                   recon.Delta
			kindStr, amount     string
			start, end, created string
			details             sql.NullString
		)
		if err := rows.Scan(&d.EvidenceID, &kindStr, &amount, &d.Currency, &d.ReasonCode,
			&start, &end, &d.Confidence, &details, &created); err != nil {
			return nil, fmt.Errorf("failed to scan delta: %w", err)
		}
		d.Kind = recon.DeltaKind(kindStr)
		if d.AmountUSD, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("bad amount %q: %w", amount, err)
		}
		d.WindowStart, _ = parseTS(start)
		d.WindowEnd, _ = parseTS(end)
		d.CreatedAt, _ = parseTS(created)
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &d.Details)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Helper functions

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

// lastDay is the last statement day that belongs to w (see Window.ContainsDay).
func lastDay(w recon.Window) string {
	return recon.DayKey(w.To.Add(-time.Nanosecond))
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// limitArg maps "no limit" onto SQLite's LIMIT -1.
func limitArg(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, fmt.Errorf("bad decimal %q: %w", s.String, err)
	}
	return &d, nil
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullJSON(v any) sql.NullString {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func anySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func chunks(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
