package postgres

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/apexmediation/revenue-recon/recon"
)

// =============================================================================
// INPUT MODELS - Owned by upstream collectors
// =============================================================================

type receiptModel struct {
	ID              int64            `gorm:"column:id;primaryKey;autoIncrement"`
	RequestID       string           `gorm:"column:request_id;not null"`
	PlacementID     string           `gorm:"column:placement_id"`
	Ts              time.Time        `gorm:"column:ts;not null;index"`
	FloorCPM        *decimal.Decimal `gorm:"column:floor_cpm;type:numeric(20,8)"`
	Currency        string           `gorm:"column:currency"`
	ReceiptHash     string           `gorm:"column:receipt_hash"`
	FloorsJSON      *string          `gorm:"column:floors_json;type:jsonb"`
	ViewabilityJSON *string          `gorm:"column:viewability_json;type:jsonb"`
}

func (receiptModel) TableName() string { return "recon_receipts" }

func (m receiptModel) toEntity() recon.Receipt {
	r := recon.Receipt{
		RequestID:   m.RequestID,
		PlacementID: m.PlacementID,
		Timestamp:   m.Ts.UTC(),
		FloorCPM:    m.FloorCPM,
		Currency:    m.Currency,
		ReceiptHash: m.ReceiptHash,
		Floors:      rawOrNil(m.FloorsJSON),
	}
	if m.ViewabilityJSON != nil {
		var v recon.Viewability
		if err := json.Unmarshal([]byte(*m.ViewabilityJSON), &v); err == nil {
			r.Viewability = &v
		}
	}
	return r
}

func receiptModelFromEntity(r recon.Receipt) receiptModel {
	return receiptModel{
		RequestID:       r.RequestID,
		PlacementID:     r.PlacementID,
		Ts:              r.Timestamp.UTC(),
		FloorCPM:        r.FloorCPM,
		Currency:        r.Currency,
		ReceiptHash:     r.ReceiptHash,
		FloorsJSON:      stringOrNil(r.Floors),
		ViewabilityJSON: jsonOrNil(r.Viewability),
	}
}

type paidEventModel struct {
	ID              int64           `gorm:"column:id;primaryKey;autoIncrement"`
	RequestID       string          `gorm:"column:request_id;not null;index:idx_recon_paid_request_ts,priority:1"`
	Ts              time.Time       `gorm:"column:ts;not null;index;index:idx_recon_paid_request_ts,priority:2"`
	RevenueUSD      decimal.Decimal `gorm:"column:revenue_usd;type:numeric(20,8);not null"`
	RevenueCurrency string          `gorm:"column:revenue_currency"`
	RevenueOriginal decimal.Decimal `gorm:"column:revenue_original;type:numeric(20,8)"`
	ExchangeRate    decimal.Decimal `gorm:"column:exchange_rate;type:numeric(20,10)"`
}

func (paidEventModel) TableName() string { return "recon_paid_events" }

func (m paidEventModel) toEntity() recon.PaidEvent {
	return recon.PaidEvent{
		RequestID:       m.RequestID,
		Timestamp:       m.Ts.UTC(),
		RevenueUSD:      m.RevenueUSD,
		RevenueCurrency: m.RevenueCurrency,
		RevenueOriginal: m.RevenueOriginal,
		ExchangeRate:    m.ExchangeRate,
	}
}

func paidEventModelFromEntity(p recon.PaidEvent) paidEventModel {
	return paidEventModel{
		RequestID:       p.RequestID,
		Ts:              p.Timestamp.UTC(),
		RevenueUSD:      p.RevenueUSD,
		RevenueCurrency: p.RevenueCurrency,
		RevenueOriginal: p.RevenueOriginal,
		ExchangeRate:    p.ExchangeRate,
	}
}

type statementModel struct {
	ID             int64            `gorm:"column:id;primaryKey;autoIncrement"`
	EventDate      time.Time        `gorm:"column:event_date;type:date;not null;index"`
	AppID          string           `gorm:"column:app_id"`
	AdUnitID       string           `gorm:"column:ad_unit_id"`
	Country        string           `gorm:"column:country"`
	Format         string           `gorm:"column:format"`
	Paid           decimal.Decimal  `gorm:"column:paid;type:numeric(20,8);not null"`
	Currency       string           `gorm:"column:currency"`
	ReportID       string           `gorm:"column:report_id"`
	Network        string           `gorm:"column:network"`
	IVTAdjustments *decimal.Decimal `gorm:"column:ivt_adjustments;type:numeric(20,8)"`
}

func (statementModel) TableName() string { return "recon_statements_norm" }

func (m statementModel) toEntity() recon.Statement {
	return recon.Statement{
		EventDate:      recon.TruncateDay(m.EventDate),
		AppID:          m.AppID,
		AdUnitID:       m.AdUnitID,
		Country:        m.Country,
		Format:         m.Format,
		Paid:           m.Paid,
		Currency:       m.Currency,
		ReportID:       m.ReportID,
		Network:        m.Network,
		IVTAdjustments: m.IVTAdjustments,
	}
}

func statementModelFromEntity(s recon.Statement) statementModel {
	return statementModel{
		EventDate:      recon.TruncateDay(s.EventDate),
		AppID:          s.AppID,
		AdUnitID:       s.AdUnitID,
		Country:        s.Country,
		Format:         s.Format,
		Paid:           s.Paid,
		Currency:       s.Currency,
		ReportID:       s.ReportID,
		Network:        s.Network,
		IVTAdjustments: s.IVTAdjustments,
	}
}

// =============================================================================
// OUTPUT MODELS - Append-only, keyed on natural ids
// =============================================================================

type expectedModel struct {
	RequestID       string          `gorm:"column:request_id;primaryKey"`
	EventDate       time.Time       `gorm:"column:event_date;type:date;not null"`
	PlacementID     string          `gorm:"column:placement_id"`
	ExpectedValue   decimal.Decimal `gorm:"column:expected_value;type:numeric(20,8);not null"`
	Currency        string          `gorm:"column:currency;not null"`
	FloorsJSON      *string         `gorm:"column:floors_json;type:jsonb"`
	ReceiptHash     string          `gorm:"column:receipt_hash"`
	ViewabilityJSON *string         `gorm:"column:viewability_json;type:jsonb"`
	Ts              time.Time       `gorm:"column:ts;not null;index"`
}

func (expectedModel) TableName() string { return "recon_expected" }

func (m expectedModel) toEntity() recon.ExpectedRecord {
	r := recon.ExpectedRecord{
		EventDate:        recon.TruncateDay(m.EventDate),
		RequestID:        m.RequestID,
		PlacementID:      m.PlacementID,
		ExpectedValueUSD: m.ExpectedValue,
		Currency:         m.Currency,
		Floors:           rawOrNil(m.FloorsJSON),
		ReceiptHash:      m.ReceiptHash,
		Ts:               m.Ts.UTC(),
	}
	if m.ViewabilityJSON != nil {
		// A malformed payload reads as "not measured".
		_ = json.Unmarshal([]byte(*m.ViewabilityJSON), &r.Viewability)
	}
	return r
}

func expectedModelFromEntity(r recon.ExpectedRecord) expectedModel {
	return expectedModel{
		RequestID:       r.RequestID,
		EventDate:       recon.TruncateDay(r.EventDate),
		PlacementID:     r.PlacementID,
		ExpectedValue:   r.ExpectedValueUSD,
		Currency:        r.Currency,
		FloorsJSON:      stringOrNil(r.Floors),
		ReceiptHash:     r.ReceiptHash,
		ViewabilityJSON: jsonOrNil(r.Viewability),
		Ts:              r.Ts.UTC(),
	}
}

type matchModel struct {
	StatementID    string    `gorm:"column:statement_id;primaryKey"`
	RequestID      string    `gorm:"column:request_id;primaryKey"`
	LinkConfidence float64   `gorm:"column:link_confidence;not null"`
	KeysUsedJSON   string    `gorm:"column:keys_used_json;type:jsonb;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
}

func (matchModel) TableName() string { return "recon_match" }

type reviewMatchModel struct {
	StatementID    string    `gorm:"column:statement_id;primaryKey"`
	RequestID      string    `gorm:"column:request_id;primaryKey"`
	LinkConfidence float64   `gorm:"column:link_confidence;not null"`
	KeysUsedJSON   string    `gorm:"column:keys_used_json;type:jsonb;not null"`
	ReasonsJSON    *string   `gorm:"column:reasons_json;type:jsonb"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;index"`
}

func (reviewMatchModel) TableName() string { return "recon_match_review" }

func (m reviewMatchModel) toEntity() recon.Match {
	out := recon.Match{
		StatementID:    m.StatementID,
		RequestID:      m.RequestID,
		LinkConfidence: m.LinkConfidence,
		CreatedAt:      m.CreatedAt.UTC(),
	}
	_ = json.Unmarshal([]byte(m.KeysUsedJSON), &out.KeysUsed)
	if m.ReasonsJSON != nil {
		var r recon.MatchReasons
		if err := json.Unmarshal([]byte(*m.ReasonsJSON), &r); err == nil {
			out.Reasons = &r
		}
	}
	return out
}

func matchModelFromEntity(m recon.Match, now time.Time) matchModel {
	return matchModel{
		StatementID:    m.StatementID,
		RequestID:      m.RequestID,
		LinkConfidence: m.LinkConfidence,
		KeysUsedJSON:   keysJSON(m.KeysUsed),
		CreatedAt:      orNow(m.CreatedAt, now),
	}
}

func reviewMatchModelFromEntity(m recon.Match, now time.Time) reviewMatchModel {
	return reviewMatchModel{
		StatementID:    m.StatementID,
		RequestID:      m.RequestID,
		LinkConfidence: m.LinkConfidence,
		KeysUsedJSON:   keysJSON(m.KeysUsed),
		ReasonsJSON:    jsonOrNil(m.Reasons),
		CreatedAt:      orNow(m.CreatedAt, now),
	}
}

type deltaModel struct {
	EvidenceID  string          `gorm:"column:evidence_id;primaryKey"`
	Kind        string          `gorm:"column:kind;not null;index:idx_recon_deltas_window,priority:2"`
	Amount      decimal.Decimal `gorm:"column:amount;type:numeric(20,8);not null"`
	Currency    string          `gorm:"column:currency;not null"`
	ReasonCode  string          `gorm:"column:reason_code;not null"`
	WindowStart time.Time       `gorm:"column:window_start;not null;index:idx_recon_deltas_window,priority:1"`
	WindowEnd   time.Time       `gorm:"column:window_end;not null"`
	Confidence  float64         `gorm:"column:confidence;not null"`
	DetailsJSON *string         `gorm:"column:details_json;type:jsonb"`
	CreatedAt   time.Time       `gorm:"column:created_at;not null"`
}

func (deltaModel) TableName() string { return "recon_deltas" }

func (m deltaModel) toEntity() recon.Delta {
	d := recon.Delta{
		Kind:        recon.DeltaKind(m.Kind),
		AmountUSD:   m.Amount,
		Currency:    m.Currency,
		ReasonCode:  m.ReasonCode,
		WindowStart: m.WindowStart.UTC(),
		WindowEnd:   m.WindowEnd.UTC(),
		EvidenceID:  m.EvidenceID,
		Confidence:  m.Confidence,
		CreatedAt:   m.CreatedAt.UTC(),
	}
	if m.DetailsJSON != nil {
		_ = json.Unmarshal([]byte(*m.DetailsJSON), &d.Details)
	}
	return d
}

func deltaModelFromEntity(d recon.Delta, now time.Time) deltaModel {
	return deltaModel{
		EvidenceID:  d.EvidenceID,
		Kind:        string(d.Kind),
		Amount:      d.AmountUSD,
		Currency:    d.Currency,
		ReasonCode:  d.ReasonCode,
		WindowStart: d.WindowStart.UTC(),
		WindowEnd:   d.WindowEnd.UTC(),
		Confidence:  d.Confidence,
		DetailsJSON: jsonOrNil(d.Details),
		CreatedAt:   orNow(d.CreatedAt, now),
	}
}

// allModels lists every table in migration order.
func allModels() []any {
	return []any{
		&receiptModel{}, &paidEventModel{}, &statementModel{},
		&expectedModel{}, &matchModel{}, &reviewMatchModel{}, &deltaModel{},
	}
}

func rawOrNil(s *string) json.RawMessage {
	if s == nil || *s == "" {
		return nil
	}
	return json.RawMessage(*s)
}

func stringOrNil(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

func jsonOrNil(v any) *string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return nil
	}
	s := string(b)
	return &s
}

func keysJSON(keys []string) string {
	if keys == nil {
		keys = []string{}
	}
	b, _ := json.Marshal(keys)
	return string(b)
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now.UTC()
	}
	return t.UTC()
}
