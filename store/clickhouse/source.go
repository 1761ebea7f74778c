/*
Package clickhouse reads the pipeline inputs from the analytics warehouse.

PURPOSE:
  Receipts, paid events and normalized statements land in ClickHouse long
  before anything else sees them. Source implements the three input ports
  (recon.ReceiptStore, recon.PaidEventStore, recon.StatementStore) directly
  on top of those tables so the engine can read where the data already is.
  It is read-only; outputs go to store/postgres or store/sqlite.

USAGE:
  src, err := clickhouse.Open(ctx, clickhouse.Config{Addr: "localhost:9000"})
  if err != nil {
      return err
  }
  stores := recon.StoresFrom(pg).WithInputs(src, src, src)

SEE ALSO:
  - recon/store.go: Port definitions
*/
package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"

	"github.com/apexmediation/revenue-recon/recon"
)

// maxIDs bounds the array bound into one has(...) filter.
const maxIDs = 5000

// Config holds the connection settings.
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
	Timeout  time.Duration
}

type rows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

type querier interface {
	query(ctx context.Context, q string, args ...any) (rows, error)
}

type connQuerier struct {
	conn driver.Conn
}

func (c connQuerier) query(ctx context.Context, q string, args ...any) (rows, error) {
	return c.conn.Query(ctx, q, args...)
}

// Source implements the recon input ports on ClickHouse.
type Source struct {
	q    querier
	conn driver.Conn
}

var (
	_ recon.ReceiptStore   = (*Source)(nil)
	_ recon.PaidEventStore = (*Source)(nil)
	_ recon.StatementStore = (*Source)(nil)
)

// Open connects and pings the warehouse.
func Open(ctx context.Context, cfg Config) (*Source, error) {
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.Timeout,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return &Source{q: connQuerier{conn: conn}, conn: conn}, nil
}

// Close closes the connection.
func (s *Source) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// =============================================================================
// QUERIES
// =============================================================================

const receiptsQuery = `
	SELECT request_id, placement_id, ts, floor_cpm, currency, receipt_hash,
	       floors_json, om_viewable_pct, statement_viewable_pct
	FROM transparency_receipts
	WHERE ts >= ? AND ts < ?
	ORDER BY ts
`

const paidEventsQuery = `
	SELECT request_id, ts, revenue_usd, revenue_currency, revenue_original, exchange_rate
	FROM paid_events
	WHERE ts >= ? AND ts < ?
	ORDER BY ts
`

// LIMIT 1 BY keeps the earliest positive event per request.
const earliestPaidQuery = `
	SELECT request_id, ts, revenue_usd, revenue_currency, revenue_original, exchange_rate
	FROM paid_events
	WHERE has(?, request_id) AND ts >= ? AND ts < ? AND revenue_usd > 0
	ORDER BY request_id, ts
	LIMIT 1 BY request_id
`

const statementsQuery = `
	SELECT event_date, app_id, ad_unit_id, country, format, paid, currency,
	       report_id, network, ivt_adjustments
	FROM recon_statements_norm
	WHERE event_date >= toDate(?) AND event_date <= toDate(?)
	ORDER BY event_date
`

func withLimit(q string, limit int) string {
	if limit > 0 {
		return fmt.Sprintf("%s\tLIMIT %d\n", q, limit)
	}
	return q
}

// =============================================================================
// INPUT PORTS
// =============================================================================

func (s *Source) ReceiptsInWindow(ctx context.Context, w recon.Window, limit int) ([]recon.Receipt, error) {
	rs, err := s.q.query(ctx, withLimit(receiptsQuery, limit), w.From, w.To)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rs.Close()

	var out []recon.Receipt
	for rs.Next() {
		var (
			r        recon.Receipt
			floorCPM *decimal.Decimal
			floors   string
			om, st   *float64
		)
		if err := rs.Scan(&r.RequestID, &r.PlacementID, &r.Timestamp, &floorCPM, &r.Currency,
			&r.ReceiptHash, &floors, &om, &st); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		r.FloorCPM = floorCPM
		if floors != "" {
			r.Floors = json.RawMessage(floors)
		}
		if om != nil || st != nil {
			r.Viewability = &recon.Viewability{OMViewablePct: om, StatementViewablePct: st}
		}
		out = append(out, r)
	}
	return out, rs.Err()
}

func (s *Source) PaidEventsInWindow(ctx context.Context, w recon.Window, limit int) ([]recon.PaidEvent, error) {
	return s.paidEvents(ctx, withLimit(paidEventsQuery, limit), w.From, w.To)
}

func (s *Source) EarliestPaidEvents(ctx context.Context, w recon.Window, requestIDs []string) (map[string]recon.PaidEvent, error) {
	out := make(map[string]recon.PaidEvent, len(requestIDs))
	for start := 0; start < len(requestIDs); start += maxIDs {
		end := min(start+maxIDs, len(requestIDs))
		events, err := s.paidEvents(ctx, earliestPaidQuery, requestIDs[start:end], w.From, w.To)
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

func (s *Source) paidEvents(ctx context.Context, q string, args ...any) ([]recon.PaidEvent, error) {
	rs, err := s.q.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query paid events: %w", err)
	}
	defer rs.Close()

	var out []recon.PaidEvent
	for rs.Next() {
		var p recon.PaidEvent
		if err := rs.Scan(&p.RequestID, &p.Timestamp, &p.RevenueUSD, &p.RevenueCurrency,
			&p.RevenueOriginal, &p.ExchangeRate); err != nil {
			return nil, fmt.Errorf("scan paid event: %w", err)
		}
		p.Timestamp = p.Timestamp.UTC()
		out = append(out, p)
	}
	return out, rs.Err()
}

func (s *Source) StatementsInWindow(ctx context.Context, w recon.Window, limit int) ([]recon.Statement, error) {
	first, last := recon.DayKey(w.From), recon.DayKey(w.To.Add(-time.Nanosecond))
	rs, err := s.q.query(ctx, withLimit(statementsQuery, limit), first, last)
	if err != nil {
		return nil, fmt.Errorf("query statements: %w", err)
	}
	defer rs.Close()

	var out []recon.Statement
	for rs.Next() {
		var (
			st  recon.Statement
			ivt *decimal.Decimal
		)
		if err := rs.Scan(&st.EventDate, &st.AppID, &st.AdUnitID, &st.Country, &st.Format, &st.Paid,
			&st.Currency, &st.ReportID, &st.Network, &ivt); err != nil {
			return nil, fmt.Errorf("scan statement: %w", err)
		}
		st.EventDate = recon.TruncateDay(st.EventDate)
		st.IVTAdjustments = ivt
		out = append(out, st)
	}
	return out, rs.Err()
}
