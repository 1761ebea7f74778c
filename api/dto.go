/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the recon domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Stage result wrappers

TYPES:
  Window:
    WindowDTO, WindowRequest

  Stages:
    BuildExpectedRequest, MatchingRequest, ReconcileRequest
    ExpectedResponse, MatchingResponse, ReconcileResponse

  Outputs:
    DeltaDTO, MatchDTO

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - recon/types.go: Domain types
*/
package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/apexmediation/revenue-recon/recon"
)

// =============================================================================
// WINDOW
// =============================================================================

// WindowDTO is a half-open [from, to) window in RFC3339.
type WindowDTO struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func windowDTO(w recon.Window) WindowDTO {
	return WindowDTO{From: w.From, To: w.To}
}

// WindowRequest is embedded by every stage request. Bounds accept RFC3339
// timestamps or bare dates (YYYY-MM-DD, midnight UTC).
type WindowRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	DryRun bool   `json:"dryRun"`
}

// Window parses and validates the bounds.
func (r WindowRequest) Window() (recon.Window, error) {
	from, err := parseBound(r.From)
	if err != nil {
		return recon.Window{}, fmt.Errorf("%w: from: %v", recon.ErrInvalidWindow, err)
	}
	to, err := parseBound(r.To)
	if err != nil {
		return recon.Window{}, fmt.Errorf("%w: to: %v", recon.ErrInvalidWindow, err)
	}
	return recon.NewWindow(from, to)
}

func parseBound(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}

// =============================================================================
// STAGE REQUESTS
// =============================================================================

// BuildExpectedRequest triggers expected-revenue materialization.
type BuildExpectedRequest struct {
	WindowRequest
	Limit          int  `json:"limit"`
	CollectMetrics bool `json:"collectMetrics"`
}

// MatchingRequest triggers a matching batch.
type MatchingRequest struct {
	WindowRequest
	LimitStatements int                    `json:"limitStatements"`
	LimitExpected   int                    `json:"limitExpected"`
	PersistReview   *bool                  `json:"persistReview"`
	Options         *recon.MatchingOptions `json:"options,omitempty"`
}

// ReconcileRequest triggers window reconciliation.
type ReconcileRequest struct {
	WindowRequest
}

// =============================================================================
// STAGE RESPONSES
// =============================================================================

type ExpectedResponse struct {
	Window WindowDTO `json:"window"`
	recon.ExpectedResult
}

type MatchingResponse struct {
	Window WindowDTO `json:"window"`
	recon.MatchingResult
}

// ReconcileResponse replaces the raw delta items with DeltaDTOs.
type ReconcileResponse struct {
	Window   WindowDTO           `json:"window"`
	RunID    string              `json:"runId"`
	Inserted int                 `json:"inserted"`
	Deltas   int                 `json:"deltas"`
	Amounts  recon.Amounts       `json:"amounts"`
	Items    []DeltaDTO          `json:"items"`
	Outcome  recon.Outcome       `json:"outcome"`
	Degraded []recon.Degradation `json:"degraded,omitempty"`
}

// NewReconcileResponse shapes a reconcile result for clients.
func NewReconcileResponse(res recon.ReconcileResult) ReconcileResponse {
	return ReconcileResponse{
		Window:   windowDTO(res.Window),
		RunID:    res.RunID,
		Inserted: res.Inserted,
		Deltas:   res.Deltas,
		Amounts:  res.Amounts,
		Items:    deltaDTOs(res.Items),
		Outcome:  res.Outcome,
		Degraded: res.Degraded,
	}
}

// =============================================================================
// OUTPUTS
// =============================================================================

// DeltaDTO represents a Delta in API responses. Amounts are fixed to cents.
type DeltaDTO struct {
	EvidenceID  string         `json:"evidenceId"`
	Kind        string         `json:"kind"`
	Amount      string         `json:"amount"`
	Currency    string         `json:"currency"`
	ReasonCode  string         `json:"reasonCode"`
	WindowStart time.Time      `json:"windowStart"`
	WindowEnd   time.Time      `json:"windowEnd"`
	Confidence  float64        `json:"confidence"`
	Details     map[string]any `json:"details,omitempty"`
	CreatedAt   *time.Time     `json:"createdAt,omitempty"`
}

func deltaDTOs(ds []recon.Delta) []DeltaDTO {
	out := make([]DeltaDTO, 0, len(ds))
	for _, d := range ds {
		dto := DeltaDTO{
			EvidenceID:  d.EvidenceID,
			Kind:        string(d.Kind),
			Amount:      d.AmountUSD.StringFixed(2),
			Currency:    d.Currency,
			ReasonCode:  d.ReasonCode,
			WindowStart: d.WindowStart,
			WindowEnd:   d.WindowEnd,
			Confidence:  d.Confidence,
			Details:     d.Details,
		}
		if !d.CreatedAt.IsZero() {
			created := d.CreatedAt
			dto.CreatedAt = &created
		}
		out = append(out, dto)
	}
	return out
}

// MatchDTO represents a match awaiting review.
type MatchDTO struct {
	StatementID    string              `json:"statementId"`
	RequestID      string              `json:"requestId"`
	LinkConfidence float64             `json:"linkConfidence"`
	KeysUsed       []string            `json:"keysUsed"`
	Reasons        *recon.MatchReasons `json:"reasons,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
}

func matchDTOs(ms []recon.Match) []MatchDTO {
	out := make([]MatchDTO, 0, len(ms))
	for _, m := range ms {
		keys := m.KeysUsed
		if keys == nil {
			keys = []string{}
		}
		out = append(out, MatchDTO{
			StatementID:    m.StatementID,
			RequestID:      m.RequestID,
			LinkConfidence: m.LinkConfidence,
			KeysUsed:       keys,
			Reasons:        m.Reasons,
			CreatedAt:      m.CreatedAt,
		})
	}
	return out
}

// DeltaListResponse wraps a delta listing.
type DeltaListResponse struct {
	Window WindowDTO  `json:"window"`
	Kind   string     `json:"kind,omitempty"`
	Count  int        `json:"count"`
	Items  []DeltaDTO `json:"items"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
