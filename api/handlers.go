/*
handlers.go - HTTP request handlers for the reconciliation API

PURPOSE:
  Implements the REST endpoints that trigger pipeline stages on demand and
  expose their outputs. Handlers only parse requests and shape responses;
  every stage decision lives in recon.Service.

ENDPOINT GROUPS:
  Stages:
    POST /api/expected/build       - Materialize expected revenue
    POST /api/matching/run         - Match statements to expected revenue
    POST /api/reconcile            - Classify a window's discrepancies

  Outputs:
    GET  /api/deltas               - Deltas in a window (optional kind)
    GET  /api/matches/review       - Review-band matches, newest first

  Scheduler:
    GET  /api/scheduler            - Per-stage watermarks
    POST /api/scheduler/run        - Advance every stage now

ERROR HANDLING:
  Only a malformed body or an invalid window is a client error (400).
  Store failures inside a stage come back as 200 with "degraded" entries;
  failures of the listing endpoints are 500.

SEE ALSO:
  - dto.go: Request/response types
  - server.go: Route registration
  - recon/service.go: Stage entry points
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/apexmediation/revenue-recon/recon"
)

// defaultReviewLimit bounds GET /api/matches/review without ?limit.
const defaultReviewLimit = 100

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Service   *recon.Service
	Scheduler *WindowScheduler // optional
	Logger    *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(svc *recon.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Service: svc, Logger: logger.Named("api")}
}

// =============================================================================
// STAGE ENDPOINTS
// =============================================================================

// BuildExpected materializes expected revenue for a window.
// POST /api/expected/build
func (h *Handler) BuildExpected(w http.ResponseWriter, r *http.Request) {
	var req BuildExpectedRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	win, err := req.Window()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid window", err)
		return
	}

	res, err := h.Service.BuildExpected(r.Context(), recon.BuildExpectedInput{
		Window:         win,
		Limit:          req.Limit,
		DryRun:         req.DryRun,
		CollectMetrics: req.CollectMetrics,
	})
	if err != nil {
		h.stageError(w, "build expected", err)
		return
	}
	writeJSON(w, http.StatusOK, ExpectedResponse{Window: windowDTO(res.Window), ExpectedResult: res})
}

// RunMatching matches statements in a window.
// POST /api/matching/run
func (h *Handler) RunMatching(w http.ResponseWriter, r *http.Request) {
	var req MatchingRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	win, err := req.Window()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid window", err)
		return
	}

	persistReview := true
	if req.PersistReview != nil {
		persistReview = *req.PersistReview
	}
	res, err := h.Service.RunMatchingBatch(r.Context(), recon.MatchingInput{
		Window:          win,
		LimitStatements: req.LimitStatements,
		LimitExpected:   req.LimitExpected,
		DryRun:          req.DryRun,
		Options:         req.Options,
		PersistReview:   persistReview,
	})
	if err != nil {
		h.stageError(w, "run matching", err)
		return
	}
	writeJSON(w, http.StatusOK, MatchingResponse{Window: windowDTO(res.Window), MatchingResult: res})
}

// Reconcile classifies a window's discrepancies into deltas.
// POST /api/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	win, err := req.Window()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid window", err)
		return
	}

	res, err := h.Service.ReconcileWindow(r.Context(), recon.ReconcileInput{Window: win, DryRun: req.DryRun})
	if err != nil {
		h.stageError(w, "reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, NewReconcileResponse(res))
}

func (h *Handler) stageError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, recon.ErrInvalidWindow) {
		writeError(w, http.StatusBadRequest, "invalid window", err)
		return
	}
	h.Logger.Error("stage failed", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed", err)
}

// =============================================================================
// OUTPUT ENDPOINTS
// =============================================================================

// ListDeltas returns deltas whose window starts inside [from, to).
// GET /api/deltas?from=2025-01-10&to=2025-01-11&kind=underpay
func (h *Handler) ListDeltas(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	win, err := WindowRequest{From: q.Get("from"), To: q.Get("to")}.Window()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid window", err)
		return
	}
	kind := recon.DeltaKind(q.Get("kind"))
	if kind != "" && !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown delta kind", errors.New(string(kind)))
		return
	}

	deltas, err := h.Service.Stores.Deltas.DeltasInWindow(r.Context(), win, kind)
	if err != nil {
		h.Logger.Error("list deltas failed", zap.Stringer("window", win), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list deltas", err)
		return
	}
	items := deltaDTOs(deltas)
	writeJSON(w, http.StatusOK, DeltaListResponse{
		Window: windowDTO(win),
		Kind:   string(kind),
		Count:  len(items),
		Items:  items,
	})
}

// ListReviewMatches returns review-band matches, newest first.
// GET /api/matches/review?limit=50
func (h *Handler) ListReviewMatches(w http.ResponseWriter, r *http.Request) {
	limit := defaultReviewLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}

	matches, err := h.Service.Stores.ReviewMatch.ReviewMatches(r.Context(), limit)
	if err != nil {
		h.Logger.Error("list review matches failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list review matches", err)
		return
	}
	writeJSON(w, http.StatusOK, matchDTOs(matches))
}

// =============================================================================
// SCHEDULER ENDPOINTS
// =============================================================================

// SchedulerStatus returns per-stage watermarks.
// GET /api/scheduler
func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "scheduler not configured", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": h.Scheduler.Enabled,
		"stages":  h.Scheduler.Status(),
	})
}

// RunScheduler advances every stage synchronously.
// POST /api/scheduler/run
func (h *Handler) RunScheduler(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "scheduler not configured", nil)
		return
	}
	h.Scheduler.RunNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"stages": h.Scheduler.Status()})
}

// Health reports liveness.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeBody accepts an empty body as the zero request.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
