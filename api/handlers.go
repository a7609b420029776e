/*
handlers.go - HTTP API handlers for the lease calculation engine

PURPOSE:
  Exposes the lease engine and the impairment allocator via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to the
  engine. No calculation happens here.

ENDPOINTS (prefix /api/companies/{companyID}):
  Leases:
    POST   /leases                                Create from JSON or YAML document
    GET    /leases/{id}                           Lease header and opening measures
    POST   /leases/{id}/components                Design components, build schedules
    POST   /leases/{id}/schedule                  Full rebuild
    GET    /leases/{id}/schedule                  Rows (?format=xlsx for a workbook)
    GET    /leases/{id}/liability                 Lease-level liability path
    GET    /leases/{id}/reconciliation            Reconcile stored schedules
    POST   /leases/{id}/periods/{y}/{m}/post      Post amortization and interest

  Remeasurement:
    POST   /leases/{id}/events                    Record an event
    POST   /events/{id}/apply                     Calculate and apply
    POST   /events/{id}/post                      Post the deltas to the GL
    GET    /events/{id}/artifact                  Checksummed audit document

  Impairment:
    POST   /impairment-tests                      Assess (MEASURED)
    GET    /impairment-tests/{id}                 Test and lines
    POST   /impairment-tests/{id}/post            Post (POSTED)
    POST   /impairment-tests/{id}/reverse         Reverse up to the cap

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input (generic.IsClientError)
  - 404: Resource not found (generic.IsNotFound)
  - 409: Already posted, already applied, illegal transition (generic.IsConflict)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - export.go: XLSX schedule export
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/lease-engine/factory"
	"github.com/warp/lease-engine/generic"
	"github.com/warp/lease-engine/impairment"
	"github.com/warp/lease-engine/lease"
	"github.com/warp/lease-engine/logger"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      generic.TxStore
	Engine     *lease.Engine
	Impairment *impairment.Allocator
	Log        *zap.Logger
}

// NewHandler creates a handler over the engine and allocator.
func NewHandler(store generic.TxStore, engine *lease.Engine, allocator *impairment.Allocator, log *zap.Logger) *Handler {
	return &Handler{
		Store:      store,
		Engine:     engine,
		Impairment: allocator,
		Log:        logger.OrNop(log).Named("api"),
	}
}

// Health reports liveness; it pings the database when the store supports it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// LEASE HANDLERS
// =============================================================================

// CreateLease stores a lease document and, when it lists components, designs
// them and builds the schedules.
func (h *Handler) CreateLease(w http.ResponseWriter, r *http.Request) {
	companyID := companyIDParam(r)
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}

	doc, err := factory.ParseLeaseDocument(companyID, data, factory.FormatFromContentType(r.Header.Get("Content-Type")))
	if err != nil {
		h.writeDomainError(w, "Invalid lease document", err)
		return
	}
	if err := factory.SaveLease(r.Context(), h.Store, doc); err != nil {
		h.writeDomainError(w, "Failed to save lease", err)
		return
	}

	resp := CreateLeaseResponse{
		Lease:     toLeaseDTO(doc.Lease, &doc.Opening),
		Cashflows: len(doc.Cashflows),
	}
	if len(doc.Components) > 0 {
		res, err := h.Engine.Design(r.Context(), companyID, doc.Lease.ID, doc.Components)
		if err != nil {
			h.writeDomainError(w, "Failed to design components", err)
			return
		}
		build := toBuildDTO(res)
		resp.Build = &build
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetLease returns the lease header with its opening measures.
func (h *Handler) GetLease(w http.ResponseWriter, r *http.Request) {
	companyID, leaseID := companyIDParam(r), leaseIDParam(r)
	l, err := h.Store.GetLease(r.Context(), companyID, leaseID)
	if err != nil {
		h.writeDomainError(w, "Failed to get lease", err)
		return
	}
	opening, err := h.Store.GetOpeningMeasures(r.Context(), companyID, leaseID)
	if err != nil && !errors.Is(err, generic.ErrOpeningMeasuresNotFound) {
		h.writeDomainError(w, "Failed to get opening measures", err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaseDTO(*l, opening))
}

// DesignComponents replaces the component split and builds the schedules.
func (h *Handler) DesignComponents(w http.ResponseWriter, r *http.Request) {
	var req DesignRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	specs, err := factory.ParseComponents(req.Components)
	if err != nil {
		h.writeDomainError(w, "Invalid components", err)
		return
	}
	res, err := h.Engine.Design(r.Context(), companyIDParam(r), leaseIDParam(r), specs)
	if err != nil {
		h.writeDomainError(w, "Failed to design components", err)
		return
	}
	writeJSON(w, http.StatusOK, toBuildDTO(res))
}

// BuildSchedule runs a full rebuild of every ACTIVE component.
func (h *Handler) BuildSchedule(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.Build(r.Context(), companyIDParam(r), leaseIDParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to build schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, toBuildDTO(res))
}

// GetSchedule returns the stored rows of every ACTIVE component as JSON, or
// as an XLSX workbook with ?format=xlsx.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID, leaseID := companyIDParam(r), leaseIDParam(r)

	l, err := h.Store.GetLease(ctx, companyID, leaseID)
	if err != nil {
		h.writeDomainError(w, "Failed to get lease", err)
		return
	}
	components, schedules, err := h.storedSchedules(ctx, companyID, leaseID)
	if err != nil {
		h.writeDomainError(w, "Failed to load schedule", err)
		return
	}

	if strings.EqualFold(r.URL.Query().Get("format"), "xlsx") {
		data, err := ScheduleXLSX(*l, components, schedules)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to render workbook", err)
			return
		}
		w.Header().Set("Content-Type", xlsxContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-schedule.xlsx"`, l.Code))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}

	dto := BuildDTO{LeaseID: string(leaseID), Components: []ComponentDTO{}}
	for _, c := range components {
		dto.Components = append(dto.Components, toComponentDTO(c, schedules[c.ID]))
	}
	if res, err := h.Engine.Check(ctx, companyID, leaseID); err == nil {
		dto.Reconciliation = *res
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetLiabilitySchedule returns the lease-level liability roll-forward.
func (h *Handler) GetLiabilitySchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID, leaseID := companyIDParam(r), leaseIDParam(r)

	rows, err := h.Engine.LiabilitySchedule(ctx, companyID, leaseID)
	if err != nil {
		h.writeDomainError(w, "Failed to compute liability schedule", err)
		return
	}

	dtos := make([]LiabilityRowDTO, len(rows))
	for i, row := range rows {
		dtos[i] = LiabilityRowDTO{
			Period:        row.Period.String(),
			OpenBalance:   row.OpenBalance,
			Interest:      row.Interest,
			Remeasurement: row.Remeasurement,
			Payment:       row.Payment,
			CloseBalance:  row.CloseBalance,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetReconciliation reconciles the stored schedules without rebuilding.
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.Check(r.Context(), companyIDParam(r), leaseIDParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PostPeriod posts one month of amortization and interest.
func (h *Handler) PostPeriod(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}
	month, err := strconv.Atoi(chi.URLParam(r, "month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}

	out, err := h.Engine.PostPeriod(r.Context(), companyIDParam(r), leaseIDParam(r), generic.NewPeriod(year, time.Month(month)))
	if err != nil {
		h.writeDomainError(w, "Failed to post period", err)
		return
	}
	writeJSON(w, http.StatusCreated, PeriodPostingDTO{
		LeaseID:      string(out.LeaseID),
		Period:       out.Period.String(),
		JournalID:    string(out.JournalID),
		Amortization: out.Amortization,
		Interest:     out.Interest,
		Locks:        out.Locks,
	})
}

// =============================================================================
// REMEASUREMENT HANDLERS
// =============================================================================

// RecordEvent stores a remeasurement event for later application.
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ev, err := req.toEvent(companyIDParam(r), leaseIDParam(r))
	if err != nil {
		h.writeDomainError(w, "Invalid event", err)
		return
	}
	saved, err := h.Engine.RecordEvent(r.Context(), ev)
	if err != nil {
		h.writeDomainError(w, "Failed to record event", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventDTO(*saved))
}

// ApplyEvent calculates the event, stores its artifact and applies the deltas.
func (h *Handler) ApplyEvent(w http.ResponseWriter, r *http.Request) {
	out, err := h.Engine.Apply(r.Context(), companyIDParam(r), eventIDParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to apply event", err)
		return
	}
	dto := ApplyDTO{
		Event:             toEventDTO(out.Event),
		ArtifactID:        string(out.Artifact.ID),
		Checksum:          out.Artifact.Checksum,
		Outputs:           out.Remeasurement.Outputs,
		RebuiltComponents: len(out.Rebuilt),
	}
	if len(out.Rebuilt) > 0 {
		dto.RebuiltFrom = out.Event.EffectiveOn.Period().String()
	}
	writeJSON(w, http.StatusOK, dto)
}

// PostEvent posts an applied remeasurement to the GL.
func (h *Handler) PostEvent(w http.ResponseWriter, r *http.Request) {
	id, err := h.Engine.PostRemeasurement(r.Context(), companyIDParam(r), eventIDParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to post remeasurement", err)
		return
	}
	writeJSON(w, http.StatusCreated, JournalDTO{JournalID: string(id)})
}

// GetArtifact returns the stored artifact document byte for byte.
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := h.Store.GetArtifactByEvent(r.Context(), companyIDParam(r), eventIDParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get artifact", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Checksum-SHA256", a.Checksum)
	w.WriteHeader(http.StatusOK)
	w.Write(a.Document)
}

func (req EventRequest) toEvent(companyID generic.CompanyID, leaseID generic.LeaseID) (generic.RemeasurementEvent, error) {
	ev := generic.RemeasurementEvent{
		CompanyID: companyID,
		LeaseID:   leaseID,
		Kind:      generic.EventKind(strings.ToUpper(req.Kind)),
		DeltaTerm: req.DeltaTerm,
		Reason:    req.Reason,
	}
	var err error
	if ev.EffectiveOn, err = generic.ParseDate("effective_on", req.EffectiveOn); err != nil {
		return ev, err
	}

	if ev.IndexRate, err = optionalDecimal("index_rate", req.IndexRate); err != nil {
		return ev, err
	}
	if ev.NewRate, err = optionalDecimal("new_rate", req.NewRate); err != nil {
		return ev, err
	}
	if ev.DeltaPay, err = optionalDecimal("delta_pay", req.DeltaPay); err != nil {
		return ev, err
	}
	if ev.ScopeChangePct, err = optionalDecimal("scope_change_pct", req.ScopeChangePct); err != nil {
		return ev, err
	}
	return ev, nil
}

// =============================================================================
// IMPAIRMENT HANDLERS
// =============================================================================

// AssessImpairment measures and allocates an impairment test.
func (h *Handler) AssessImpairment(w http.ResponseWriter, r *http.Request) {
	var req AssessRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	areq := impairment.AssessRequest{
		CompanyID: companyIDParam(r),
		CGUCode:   req.CGUCode,
		Level:     generic.ImpairmentLevel(strings.ToUpper(req.Level)),
		Method:    generic.ImpairmentMethod(strings.ToUpper(req.Method)),
		AsOf:      req.AsOfDate,
		Currency:  generic.Currency(strings.ToUpper(req.Currency)),
	}
	var err error
	if areq.DiscountRate, err = generic.ParseDecimal("discount_rate", req.DiscountRate); err != nil {
		h.writeDomainError(w, "Invalid impairment test", err)
		return
	}
	if areq.RecoverableAmount, err = generic.ParseDecimal("recoverable_amount", req.RecoverableAmount); err != nil {
		h.writeDomainError(w, "Invalid impairment test", err)
		return
	}
	for _, id := range req.ComponentIDs {
		areq.ComponentIDs = append(areq.ComponentIDs, generic.ComponentID(id))
	}

	out, err := h.Impairment.Assess(r.Context(), areq)
	if err != nil {
		h.writeDomainError(w, "Failed to assess impairment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toImpairmentDTO(out.Test, out.Lines))
}

// GetImpairmentTest returns a test with its allocation lines.
func (h *Handler) GetImpairmentTest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID, testID := companyIDParam(r), testIDParam(r)
	t, err := h.Store.GetImpairmentTest(ctx, companyID, testID)
	if err != nil {
		h.writeDomainError(w, "Failed to get impairment test", err)
		return
	}
	lines, err := h.Store.ListImpairmentLines(ctx, companyID, testID)
	if err != nil {
		h.writeDomainError(w, "Failed to list impairment lines", err)
		return
	}
	writeJSON(w, http.StatusOK, toImpairmentDTO(*t, lines))
}

// PostImpairment posts a MEASURED test.
func (h *Handler) PostImpairment(w http.ResponseWriter, r *http.Request) {
	t, err := h.Impairment.Post(r.Context(), companyIDParam(r), testIDParam(r))
	if err != nil {
		h.writeDomainError(w, "Failed to post impairment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toImpairmentDTO(*t, nil))
}

// ReverseImpairment reverses part of a POSTED loss.
func (h *Handler) ReverseImpairment(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount, err := generic.ParseDecimal("amount", req.Amount)
	if err != nil {
		h.writeDomainError(w, "Invalid reversal", err)
		return
	}
	on, err := generic.ParseDate("reversal_date", req.ReversalDate)
	if err != nil {
		h.writeDomainError(w, "Invalid reversal", err)
		return
	}
	out, err := h.Impairment.Reverse(r.Context(), companyIDParam(r), testIDParam(r), amount, on)
	if err != nil {
		h.writeDomainError(w, "Failed to reverse impairment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReversalDTO(out))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) storedSchedules(ctx context.Context, companyID generic.CompanyID, leaseID generic.LeaseID) ([]generic.Component, map[generic.ComponentID][]generic.ScheduleRow, error) {
	all, err := h.Store.ListComponents(ctx, companyID, leaseID)
	if err != nil {
		return nil, nil, err
	}
	active := generic.ActiveComponents(all)
	schedules := make(map[generic.ComponentID][]generic.ScheduleRow, len(active))
	for _, c := range active {
		rows, err := h.Store.ListScheduleRows(ctx, companyID, c.ID)
		if err != nil {
			return nil, nil, err
		}
		schedules[c.ID] = rows
	}
	return active, schedules, nil
}

// optionalDecimal parses an omitted-or-set decimal field.
func optionalDecimal(field string, raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := generic.ParseDecimal(field, *raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func companyIDParam(r *http.Request) generic.CompanyID {
	return generic.CompanyID(chi.URLParam(r, "companyID"))
}

func leaseIDParam(r *http.Request) generic.LeaseID { return generic.LeaseID(chi.URLParam(r, "leaseID")) }
func eventIDParam(r *http.Request) generic.EventID { return generic.EventID(chi.URLParam(r, "eventID")) }
func testIDParam(r *http.Request) generic.TestID   { return generic.TestID(chi.URLParam(r, "testID")) }

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	return true
}

// writeDomainError maps engine errors to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case generic.IsClientError(err):
		status = http.StatusBadRequest
	case generic.IsNotFound(err):
		status = http.StatusNotFound
	case generic.IsConflict(err):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.Log.Error(message, zap.Error(err))
	}

	resp := ErrorResponse{Error: message, Details: err.Error()}
	var verr *generic.ValidationError
	var merr *generic.MissingFieldError
	switch {
	case errors.As(err, &verr):
		resp.Field = verr.Field
	case errors.As(err, &merr):
		resp.Field = merr.Field
	}
	writeJSON(w, status, resp)
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
