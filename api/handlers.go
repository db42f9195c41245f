/*
handlers.go - HTTP handlers for the reference margin service

PURPOSE:
  A small margin service the polling core can be exercised against: a
  product catalog, COGS assignment mutations that enqueue simulated
  recalculation jobs, the lightweight status endpoint, and the authoritative
  margin endpoint.

SYNCHRONOUS FAST PATH:
  An assignment whose effective date touches no closed period has nothing to
  recompute; the handler completes its job inline and embeds the current
  margin (when one exists) in the mutation response, so well-behaved clients
  skip polling entirely.

STATUS ENDPOINT CONTRACT:
  - 200 {state, errorMessage} for the newest job
  - 404 {"state":"not_found"} when no job exists yet for the product;
    clients distinguish this payload-carrying 404 from a bare router 404,
    which means the endpoint itself is absent

SEE ALSO:
  - runner.go: advances jobs on the simulated clock
  - client/client.go: the consuming transport
*/
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/margin-engine/calendar"
	"github.com/warp/margin-engine/recalc"
	"github.com/warp/margin-engine/store/sqlite"
)

// Handler serves the margin service API.
type Handler struct {
	Store    *sqlite.Store
	Calendar calendar.Config

	// PerPeriodDelay is the simulated recompute time per affected period.
	PerPeriodDelay time.Duration

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewHandler creates a handler with default simulation timing.
func NewHandler(store *sqlite.Store, cal calendar.Config) *Handler {
	return &Handler{
		Store:          store,
		Calendar:       cal,
		PerPeriodDelay: 500 * time.Millisecond,
		Now:            time.Now,
	}
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// =============================================================================
// CATALOG
// =============================================================================

func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "product id is required")
		return
	}
	recalculable := true
	if req.Recalculable != nil {
		recalculable = *req.Recalculable
	}

	p := sqlite.Product{
		ID:           req.ID,
		Name:         req.Name,
		Recalculable: recalculable,
		CreatedAt:    h.now(),
	}
	if err := h.Store.SaveProduct(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.Store.ListProducts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (h *Handler) SeedSales(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "id")
	var req SeedSalesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	day, err := time.Parse("2006-01-02", req.PeriodStart)
	if err != nil {
		writeError(w, http.StatusBadRequest, "periodStart must be YYYY-MM-DD")
		return
	}

	sale := sqlite.WeeklySale{
		ProductID:   productID,
		PeriodStart: calendar.PeriodOf(day).Start(),
		Units:       req.Units,
		Revenue:     req.Revenue,
	}
	if err := h.Store.SaveWeeklySale(r.Context(), sale); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sale)
}

// =============================================================================
// COGS ASSIGNMENT
// =============================================================================

func (h *Handler) AssignCOGS(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "id")
	var req AssignCOGSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	resp, status, err := h.assign(r, productID, req.Value, req.EffectiveFrom)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (h *Handler) AssignCOGSBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchAssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Assignments) == 0 {
		writeError(w, http.StatusBadRequest, "assignments must not be empty")
		return
	}

	var jobIDs []string
	for _, a := range req.Assignments {
		resp, status, err := h.assign(r, a.ProductID, a.Value, a.EffectiveFrom)
		if err != nil {
			writeError(w, status, a.ProductID+": "+err.Error())
			return
		}
		if resp.JobID != "" {
			jobIDs = append(jobIDs, resp.JobID)
		}
	}
	writeJSON(w, http.StatusAccepted, BatchAssignResponse{JobIDs: jobIDs})
}

// assign records the assignment and enqueues (or inlines) the recalculation.
func (h *Handler) assign(r *http.Request, productID string, value decimal.Decimal, effectiveFrom string) (*AssignCOGSResponse, int, error) {
	ctx := r.Context()

	if value.IsNegative() {
		return nil, http.StatusBadRequest, errBadValue
	}
	from, err := time.Parse("2006-01-02", effectiveFrom)
	if err != nil {
		return nil, http.StatusBadRequest, errBadDate
	}

	product, err := h.Store.GetProduct(ctx, productID)
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	if product == nil {
		return nil, http.StatusNotFound, errUnknownProduct
	}

	now := h.now()
	assignment := sqlite.Assignment{
		ID:            uuid.NewString(),
		ProductID:     productID,
		Value:         value,
		EffectiveFrom: from,
		CreatedAt:     now,
	}
	if err := h.Store.SaveAssignment(ctx, assignment); err != nil {
		return nil, http.StatusInternalServerError, err
	}

	if !product.Recalculable {
		// Orphan product: no computable source, nothing will ever run.
		return &AssignCOGSResponse{NotRecalculable: true}, http.StatusOK, nil
	}

	periods := recalc.AffectedPeriods(h.Calendar, from, now)
	job := sqlite.Job{
		ID:              uuid.NewString(),
		ProductID:       productID,
		State:           string(jobPending),
		PeriodsAffected: len(periods),
		EnqueuedAt:      now,
		FinishAfter:     now.Add(time.Duration(len(periods)) * h.PerPeriodDelay),
	}

	if len(periods) == 0 {
		// Nothing to recompute: complete inline and hand back the current
		// margin so the client can skip polling.
		completed := now
		job.State = string(jobCompleted)
		job.CompletedAt = &completed
		if err := h.Store.SaveJob(ctx, job); err != nil {
			return nil, http.StatusInternalServerError, err
		}
		margin, err := h.Store.OverallMargin(ctx, productID)
		if err != nil {
			return nil, http.StatusInternalServerError, err
		}
		return &AssignCOGSResponse{Margin: margin, JobID: job.ID}, http.StatusOK, nil
	}

	if err := h.Store.SaveJob(ctx, job); err != nil {
		return nil, http.StatusInternalServerError, err
	}
	log.Printf("[API] enqueued recalc job %s for %s (%d periods)", job.ID, productID, len(periods))
	return &AssignCOGSResponse{JobID: job.ID}, http.StatusOK, nil
}

// =============================================================================
// STATUS AND MARGIN
// =============================================================================

func (h *Handler) RecalcStatus(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "id")
	job, err := h.Store.LatestJob(r.Context(), productID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		// Payload-carrying 404: the record is absent, the endpoint is not.
		writeJSON(w, http.StatusNotFound, StatusResponse{State: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{State: job.State, ErrorMessage: job.Error})
}

func (h *Handler) Margin(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "id")
	ctx := r.Context()

	hasSales, err := h.Store.HasSales(ctx, productID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// While a recalculation is running the derived rows are being rewritten;
	// report no result rather than a stale one.
	job, err := h.Store.LatestJob(ctx, productID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job != nil && (job.State == string(jobPending) || job.State == string(jobInProgress)) {
		writeJSON(w, http.StatusOK, MarginResponse{NoSourceData: !hasSales})
		return
	}

	margin, err := h.Store.OverallMargin(ctx, productID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, MarginResponse{Margin: margin, NoSourceData: !hasSales})
}

// BusyProducts serves the cross-session registry view when the server also
// hosts pollers (cmd/assign talks to a remote registry instead).
func (h *Handler) BusyProducts(busy func() []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys := busy()
		if keys == nil {
			keys = []string{}
		}
		writeJSON(w, http.StatusOK, map[string][]string{"recalculating": keys})
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
