/*
handlers.go - HTTP API handlers for the payroll engine

PURPOSE:
  Exposes the leave ledger, pay runs, terminations, filings and the audit
  log over REST. Handlers parse the request, call one service operation
  and serialize the result; no business rule lives here.

ENDPOINTS (all under /api):
  Employees:      GET/POST /employees, GET/PUT /employees/{id}
  Leave:          /leave/types, /employees/{id}/leave/*, /leave/requests/{id}/*
  Pay runs:       /payruns/*                 (payroll_handlers.go)
  Terminations:   /terminations/*            (payroll_handlers.go)
  Filings:        /filings/*, /reconciliations/* (filing_handlers.go)
  Audit:          GET /audit
  Scenarios:      /scenarios/*

ACTOR:
  The acting user is read from the X-Actor-ID header and recorded in the
  audit log. Operations that require an actor (finalize, submit) fail
  with a validation error when it is missing.

ERROR HANDLING:
  Service errors are classified with the generic helpers:
  - 400: validation errors, malformed bodies
  - 404: resource not found
  - 409: invalid state, concurrent modification, duplicates
  - 422: business rule refused the operation
  - 500: anything else

SEE ALSO:
  - dto.go: request bodies
  - server.go: routes and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/payroll-engine/filing"
	"github.com/warp/payroll-engine/fixtures"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/leave"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/payrun"
	"github.com/warp/payroll-engine/termination"
)

const ActorHeader = "X-Actor-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        generic.TxStore
	Employees    *payroll.Directory
	Leave        *leave.Service
	PayRuns      *payrun.Service
	Terminations *termination.Service
	Filings      *filing.Service
	Logger       *slog.Logger
	Now          func() time.Time

	mu              sync.Mutex
	currentScenario string
}

type Deps struct {
	Store        generic.TxStore
	Employees    *payroll.Directory
	Leave        *leave.Service
	PayRuns      *payrun.Service
	Terminations *termination.Service
	Filings      *filing.Service
	Logger       *slog.Logger
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Store:        d.Store,
		Employees:    d.Employees,
		Leave:        d.Leave,
		PayRuns:      d.PayRuns,
		Terminations: d.Terminations,
		Filings:      d.Filings,
		Logger:       logger,
		Now:          time.Now,
	}
}

// =============================================================================
// EMPLOYEE HANDLERS
// =============================================================================

func (h *Handler) ListEmployees(w http.ResponseWriter, r *http.Request) {
	employees, err := h.Employees.List(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list employees", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(employees))
}

func (h *Handler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	emp, err := h.Employees.Employee(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to get employee", err)
		return
	}
	writeJSON(w, http.StatusOK, emp)
}

// SaveEmployee creates (POST) or replaces (PUT) an employee profile and
// makes sure the employee has a balance for every leave type.
func (h *Handler) SaveEmployee(w http.ResponseWriter, r *http.Request) {
	var emp payroll.Employee
	if !decode(w, r, &emp) {
		return
	}
	status := http.StatusCreated
	if id := chi.URLParam(r, "id"); id != "" {
		emp.ID = id
		status = http.StatusOK
	}
	emp.Version = 0
	if err := h.Employees.Save(r.Context(), &emp); err != nil {
		h.fail(w, r, "Failed to save employee", err)
		return
	}
	if emp.Status == payroll.EmployeeActive {
		if err := h.Leave.EnsureBalances(r.Context(), emp.ID); err != nil {
			h.fail(w, r, "Failed to open leave balances", err)
			return
		}
	}
	writeJSON(w, status, &emp)
}

// =============================================================================
// LEAVE HANDLERS
// =============================================================================

func (h *Handler) ListLeaveTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.Leave.LeaveTypes(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list leave types", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(types))
}

func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.Leave.Balances(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to list balances", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(balances))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.Leave.Balance(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "type"))
	if err != nil {
		h.fail(w, r, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// GetLeaveHistory returns the ledger lines behind a balance, oldest first.
func (h *Handler) GetLeaveHistory(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Leave.History(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "type"))
	if err != nil {
		h.fail(w, r, "Failed to load history", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(txs))
}

func (h *Handler) ListLeaveRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Leave.Requests(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to list requests", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(reqs))
}

func (h *Handler) SubmitLeaveRequest(w http.ResponseWriter, r *http.Request) {
	var body SubmitLeaveRequest
	if !decode(w, r, &body) {
		return
	}
	req, err := h.Leave.SubmitRequest(r.Context(), body.input(chi.URLParam(r, "id"), actor(r)))
	if err != nil {
		h.fail(w, r, "Failed to submit request", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handler) GetLeaveRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Leave.Request(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to get request", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) ApproveLeaveRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Leave.Approve(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		h.fail(w, r, "Failed to approve request", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) RejectLeaveRequest(w http.ResponseWriter, r *http.Request) {
	var body RejectRequest
	if !decode(w, r, &body) {
		return
	}
	req, err := h.Leave.Reject(r.Context(), chi.URLParam(r, "id"), actor(r), body.Reason)
	if err != nil {
		h.fail(w, r, "Failed to reject request", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) CancelLeaveRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Leave.Cancel(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		h.fail(w, r, "Failed to cancel request", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// AccrueLeave grants the accrual due as of the given date. Repeating the
// call for the same accrual period grants nothing.
func (h *Handler) AccrueLeave(w http.ResponseWriter, r *http.Request) {
	var body AccrueRequest
	if !decode(w, r, &body) {
		return
	}
	asOf := body.AsOf
	if asOf.IsZero() {
		asOf = generic.DateOf(h.Now())
	}
	employeeID := chi.URLParam(r, "id")
	granted, err := h.Leave.Accrue(r.Context(), employeeID, body.LeaveTypeID, asOf, actor(r))
	if err != nil {
		h.fail(w, r, "Failed to accrue leave", err)
		return
	}
	writeJSON(w, http.StatusOK, AccrualResponse{EmployeeID: employeeID, LeaveTypeID: body.LeaveTypeID, Granted: granted})
}

func (h *Handler) AdjustLeave(w http.ResponseWriter, r *http.Request) {
	var body AdjustRequest
	if !decode(w, r, &body) {
		return
	}
	bal, err := h.Leave.Adjust(r.Context(), chi.URLParam(r, "id"), body.LeaveTypeID, body.Days, body.Reason, actor(r))
	if err != nil {
		h.fail(w, r, "Failed to adjust balance", err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// RunLeaveCycle runs rollover, carry-over expiry and accrual for every open
// balance, the same pass the scheduler makes.
func (h *Handler) RunLeaveCycle(w http.ResponseWriter, r *http.Request) {
	report, err := h.Leave.RunCycle(r.Context(), generic.DateOf(h.Now()))
	if err != nil {
		h.fail(w, r, "Failed to run leave cycle", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// AUDIT
// =============================================================================

// QueryAudit filters by entity_type, entity_id, actor_id, action (repeatable)
// and from/to (RFC 3339).
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := generic.AuditFilter{
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		ActorID:    q.Get("actor_id"),
	}
	for _, a := range q["action"] {
		filter.Actions = append(filter.Actions, generic.AuditAction(a))
	}
	for key, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.fail(w, r, "Invalid query", generic.NewValidationError(key, "must be RFC 3339"))
			return
		}
		*dst = &t
	}
	entries, err := h.Store.QueryAudit(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "Failed to query audit log", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

// =============================================================================
// SCENARIOS
// =============================================================================

type resetter interface {
	Reset(ctx context.Context) error
}

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, fixtures.Scenarios())
}

func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": current})
}

// LoadScenario resets the store and seeds the chosen scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var body LoadScenarioRequest
	if !decode(w, r, &body) {
		return
	}
	if !h.reset(w, r) {
		return
	}
	svc := fixtures.Services{Employees: h.Employees, Leave: h.Leave, PayRuns: h.PayRuns, Terminations: h.Terminations}
	if err := fixtures.Load(r.Context(), svc, body.ScenarioID, generic.DateOf(h.Now())); err != nil {
		h.fail(w, r, "Failed to load scenario", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = body.ScenarioID
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scenario_id": body.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if !h.reset(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) bool {
	rs, ok := h.Store.(resetter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "Store cannot be reset", nil, "not_supported")
		return false
	}
	if err := rs.Reset(r.Context()); err != nil {
		h.fail(w, r, "Failed to reset database", err)
		return false
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	return true
}

// =============================================================================
// HELPERS
// =============================================================================

func actor(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(ActorHeader))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error, code string) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
		var ve *generic.ValidationError
		if errors.As(err, &ve) {
			resp.Field = ve.Field
		}
	}
	writeJSON(w, status, resp)
}

// fail maps a service error to its HTTP status. Unexpected errors are
// logged; the rest are the client's to handle.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.Logger.ErrorContext(r.Context(), message,
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	writeError(w, status, message, err, code)
}

func classify(err error) (int, string) {
	switch {
	case generic.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case generic.IsRetryable(err):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, generic.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, generic.ErrAlreadyExists), errors.Is(err, generic.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "already_exists"
	case generic.IsClientError(err):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, generic.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, generic.ErrNegativeNetPay):
		return http.StatusUnprocessableEntity, "negative_net_pay"
	case errors.Is(err, generic.ErrHasEmployeeErrors):
		return http.StatusUnprocessableEntity, "has_employee_errors"
	case errors.Is(err, generic.ErrCannotDeleteFinalized):
		return http.StatusUnprocessableEntity, "cannot_delete_finalized"
	case generic.IsDomainRule(err):
		return http.StatusUnprocessableEntity, "domain_rule"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "cancelled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// decode reads a JSON body. An empty body decodes to the zero value.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body",
			generic.NewValidationError("body", "%v", err), "validation")
		return false
	}
	return true
}

// nonNil keeps empty lists as [] in JSON.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
