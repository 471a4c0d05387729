package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payroll-engine/api"
	"github.com/warp/payroll-engine/filing"
	"github.com/warp/payroll-engine/fixtures"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/generic/store"
	"github.com/warp/payroll-engine/leave"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/payrun"
	"github.com/warp/payroll-engine/termination"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var clock = time.Date(2025, time.March, 20, 8, 0, 0, 0, time.UTC)

func now() time.Time { return clock }

type testServer struct {
	srv      *httptest.Server
	handler  *api.Handler
	leaveSvc *leave.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	st := store.NewTxMemory()
	logger := slog.New(slog.DiscardHandler)

	calc, err := payroll.NewCalculator(payroll.StatutoryConfig{
		Tax:           payroll.TaxRule{Kind: payroll.TaxPercentage, Rate: decimal.RequireFromString("0.25")},
		UIFRate:       decimal.RequireFromString("0.01"),
		UIFMonthlyCap: decimal.RequireFromString("177.12"),
		SDLRate:       decimal.RequireFromString("0.01"),
	}, fixtures.Calendar())
	require.NoError(t, err)

	dir := payroll.NewDirectory(st)
	leaveSvc := leave.NewService(st, fixtures.Calendar(), logger)
	leaveSvc.Now = now
	runs := payrun.NewService(st, dir, calc, logger)
	runs.Now = now
	terms := termination.NewService(st, leaveSvc, calc, termination.DefaultPolicy(), logger)
	terms.Now = now
	filings := filing.NewService(st, runs, logger)
	filings.Now = now
	runs.OnFinalized(filings)

	require.NoError(t, fixtures.LoadDemo(ctx, st, now))

	h := api.NewHandler(api.Deps{
		Store:        st,
		Employees:    dir,
		Leave:        leaveSvc,
		PayRuns:      runs,
		Terminations: terms,
		Filings:      filings,
		Logger:       logger,
	})
	h.Now = now

	srv := httptest.NewServer(api.NewRouter(h, api.RouterOptions{Logger: logger, Scenarios: true}))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, handler: h, leaveSvc: leaveSvc}
}

// do sends a request as actor "hr-1" unless actor is empty.
func (ts *testServer) do(t *testing.T, method, path, actor string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(api.ActorHeader, actor)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		require.Equal(t, want, resp.StatusCode, "body: %s", b)
	}
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	return decodeBody[api.ErrorResponse](t, resp).Code
}

// =============================================================================
// EMPLOYEES
// =============================================================================

func TestEmployees_ListAndGet(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/employees", "hr-1", nil)
	requireStatus(t, resp, http.StatusOK)
	emps := decodeBody[[]payroll.Employee](t, resp)
	assert.Len(t, emps, 4)

	resp = ts.do(t, http.MethodGet, "/api/employees/emp-002", "hr-1", nil)
	requireStatus(t, resp, http.StatusOK)
	emp := decodeBody[payroll.Employee](t, resp)
	assert.Equal(t, "Pieter van Wyk", emp.Name)

	resp = ts.do(t, http.MethodGet, "/api/employees/ghost", "hr-1", nil)
	requireStatus(t, resp, http.StatusNotFound)
	assert.Equal(t, "not_found", errorCode(t, resp))
}

func TestEmployees_CreateOpensBalances(t *testing.T) {
	ts := newTestServer(t)

	// GIVEN a new hire posted over the API
	resp := ts.do(t, http.MethodPost, "/api/employees", "hr-1", map[string]any{
		"id":            "emp-010",
		"name":          "New Hire",
		"hire_date":     "2025-03-01",
		"frequency":     "monthly",
		"salary_type":   "fixed",
		"salary_amount": "20000",
	})
	requireStatus(t, resp, http.StatusCreated)

	// THEN the employee has a balance for every leave type
	resp = ts.do(t, http.MethodGet, "/api/employees/emp-010/leave/balances", "hr-1", nil)
	requireStatus(t, resp, http.StatusOK)
	catalog, err := fixtures.DefaultCatalog()
	require.NoError(t, err)
	assert.Len(t, decodeBody[[]leave.Balance](t, resp), len(catalog))
}

func TestEmployees_InvalidBody(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/employees", "hr-1", map[string]any{"name": "No ID"})
	requireStatus(t, resp, http.StatusBadRequest)
	assert.Equal(t, "validation", errorCode(t, resp))
}

// =============================================================================
// LEAVE
// =============================================================================

func TestLeave_SubmitAndApprove(t *testing.T) {
	ts := newTestServer(t)

	// GIVEN a three business day request
	resp := ts.do(t, http.MethodPost, "/api/employees/emp-001/leave/requests", "emp-001", map[string]any{
		"leave_type_id": "annual",
		"start_date":    "2025-04-22",
		"end_date":      "2025-04-24",
		"reason":        "Family visit",
	})
	requireStatus(t, resp, http.StatusCreated)
	req := decodeBody[leave.Request](t, resp)
	assert.Equal(t, leave.StatusPending, req.Status)
	assert.Equal(t, "3", req.Days.String())

	// WHEN the manager approves it
	resp = ts.do(t, http.MethodPost, "/api/leave/requests/"+req.ID+"/approve", "mgr-1", nil)
	requireStatus(t, resp, http.StatusOK)
	approved := decodeBody[leave.Request](t, resp)

	// THEN the request is approved and the ledger shows the consumption
	assert.Equal(t, leave.StatusApproved, approved.Status)
	assert.Equal(t, "mgr-1", approved.DecidedBy)

	resp = ts.do(t, http.MethodGet, "/api/employees/emp-001/leave/balances/annual/history", "hr-1", nil)
	requireStatus(t, resp, http.StatusOK)
	assert.NotEmpty(t, decodeBody[[]generic.Transaction](t, resp))

	// AND approving twice is a state conflict
	resp = ts.do(t, http.MethodPost, "/api/leave/requests/"+req.ID+"/approve", "mgr-1", nil)
	requireStatus(t, resp, http.StatusConflict)
	assert.Equal(t, "invalid_state", errorCode(t, resp))
}

func TestLeave_InsufficientBalance(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/employees/emp-001/leave/requests", "emp-001", map[string]any{
		"leave_type_id": "annual",
		"start_date":    "2025-04-01",
		"end_date":      "2025-09-30",
	})
	requireStatus(t, resp, http.StatusUnprocessableEntity)
	assert.Equal(t, "insufficient_balance", errorCode(t, resp))
}

func TestLeave_AdjustAndAccrue(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/employees/emp-002/leave/adjustments", "hr-1", map[string]any{
		"leave_type_id": "annual",
		"days":          "2",
		"reason":        "Long service",
	})
	requireStatus(t, resp, http.StatusOK)

	// Accrual for a period already granted by the seed cycle grants nothing
	resp = ts.do(t, http.MethodPost, "/api/employees/emp-002/leave/accrue", "hr-1", map[string]any{
		"leave_type_id": "annual",
	})
	requireStatus(t, resp, http.StatusOK)
	out := decodeBody[api.AccrualResponse](t, resp)
	assert.True(t, out.Granted.IsZero(), "got %s", out.Granted)
}

// =============================================================================
// PAY RUNS & FILINGS
// =============================================================================

func TestPayRun_FullFlowBuildsFiling(t *testing.T) {
	ts := newTestServer(t)

	// GIVEN a March run
	resp := ts.do(t, http.MethodPost, "/api/payruns", "hr-1", map[string]any{
		"period":   map[string]string{"start": "2025-03-01", "end": "2025-03-31"},
		"pay_date": "2025-03-25",
	})
	requireStatus(t, resp, http.StatusCreated)
	run := decodeBody[payrun.PayRun](t, resp)
	assert.Equal(t, payrun.StatusDraft, run.Status)

	// WHEN it is calculated
	resp = ts.do(t, http.MethodPost, "/api/payruns/"+run.ID+"/calculate", "hr-1", nil)
	requireStatus(t, resp, http.StatusOK)
	run = decodeBody[payrun.PayRun](t, resp)
	assert.Equal(t, payrun.StatusReady, run.Status)
	assert.Equal(t, 4, run.Totals.EmployeeCount)

	resp = ts.do(t, http.MethodGet, "/api/payruns/"+run.ID+"/payslips", "hr-1", nil)
	requireStatus(t, resp, http.StatusOK)
	assert.Len(t, decodeBody[[]payroll.Payslip](t, resp), 4)

	// AND finalize without an actor is refused
	resp = ts.do(t, http.MethodPost, "/api/payruns/"+run.ID+"/finalize", "", nil)
	requireStatus(t, resp, http.StatusBadRequest)

	resp = ts.do(t, http.MethodPost, "/api/payruns/"+run.ID+"/finalize", "hr-1", nil)
	requireStatus(t, resp, http.StatusOK)
	run = decodeBody[payrun.PayRun](t, resp)
	assert.Equal(t, payrun.StatusFinalized, run.Status)

	// THEN the month's filing was built from the run
	resp = ts.do(t, http.MethodGet, "/api/filings/"+filing.MonthlyFilingID(2025, time.March), "hr-1", nil)
	requireStatus(t, resp, http.StatusOK)
	f := decodeBody[filing.MonthlyFiling](t, resp)
	assert.Equal(t, []string{run.ID}, f.PayRunIDs)
	assert.Equal(t, run.Totals.EmployeeCount, f.Totals.EmployeeCount)

	// AND the finalized run can be neither finalized again nor deleted
	resp = ts.do(t, http.MethodPost, "/api/payruns/"+run.ID+"/finalize", "hr-1", nil)
	requireStatus(t, resp, http.StatusConflict)
	resp = ts.do(t, http.MethodDelete, "/api/payruns/"+run.ID, "hr-1", nil)
	requireStatus(t, resp, http.StatusUnprocessableEntity)
	assert.Equal(t, "cannot_delete_finalized", errorCode(t, resp))

	// AND the filing moves through its lifecycle
	resp = ts.do(t, http.MethodPost, "/api/filings/"+f.ID+"/ready", "hr-1", nil)
	requireStatus(t, resp, http.StatusOK)
	resp = ts.do(t, http.MethodPost, "/api/filings/"+f.ID+"/submit", "hr-1", nil)
	requireStatus(t, resp, http.StatusOK)
	resp = ts.do(t, http.MethodPost, "/api/filings/"+f.ID+"/accept", "hr-1", map[string]string{"reference": "SARS-001"})
	requireStatus(t, resp, http.StatusOK)
	assert.Equal(t, filing.StatusAccepted, decodeBody[filing.MonthlyFiling](t, resp).Status)
}

func TestPayRun_DraftCanBeDeleted(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/payruns", "hr-1", map[string]any{
		"period":   map[string]string{"start": "2025-04-01", "end": "2025-04-30"},
		"pay_date": "2025-04-25",
	})
	requireStatus(t, resp, http.StatusCreated)
	run := decodeBody[payrun.PayRun](t, resp)

	resp = ts.do(t, http.MethodDelete, "/api/payruns/"+run.ID, "hr-1", nil)
	requireStatus(t, resp, http.StatusNoContent)

	resp = ts.do(t, http.MethodGet, "/api/payruns/"+run.ID, "hr-1", nil)
	requireStatus(t, resp, http.StatusNotFound)
}

func TestPayRun_MalformedBody(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/payruns", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// TERMINATIONS
// =============================================================================

func TestTermination_FinalizeMarksEmployeeTerminated(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/terminations", "hr-1", map[string]any{
		"employee_id":        "emp-004",
		"termination_date":   "2025-03-31",
		"last_working_day":   "2025-03-31",
		"reason":             "resignation",
		"notice_period_days": 30,
		"paid_in_lieu":       true,
	})
	requireStatus(t, resp, http.StatusCreated)
	term := decodeBody[termination.Termination](t, resp)

	resp = ts.do(t, http.MethodPost, "/api/terminations/"+term.ID+"/submit", "hr-1", nil)
	requireStatus(t, resp, http.StatusOK)
	assert.Equal(t, termination.StatusPendingPayroll, decodeBody[termination.Termination](t, resp).Status)

	resp = ts.do(t, http.MethodGet, "/api/terminations/"+term.ID+"/settlement", "hr-1", nil)
	requireStatus(t, resp, http.StatusOK)

	resp = ts.do(t, http.MethodPost, "/api/terminations/"+term.ID+"/finalize", "hr-1", nil)
	requireStatus(t, resp, http.StatusOK)
	assert.Equal(t, termination.StatusCompleted, decodeBody[termination.Termination](t, resp).Status)

	resp = ts.do(t, http.MethodGet, "/api/employees/emp-004", "hr-1", nil)
	requireStatus(t, resp, http.StatusOK)
	assert.Equal(t, payroll.EmployeeTerminated, decodeBody[payroll.Employee](t, resp).Status)
}

// =============================================================================
// AUDIT & SCENARIOS
// =============================================================================

func TestAudit_FilterByEntity(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/payruns", "hr-7", map[string]any{
		"period":   map[string]string{"start": "2025-03-01", "end": "2025-03-31"},
		"pay_date": "2025-03-25",
	})
	requireStatus(t, resp, http.StatusCreated)

	resp = ts.do(t, http.MethodGet, "/api/audit?entity_type=pay_run&actor_id=hr-7", "hr-1", nil)
	requireStatus(t, resp, http.StatusOK)
	entries := decodeBody[[]generic.AuditEntry](t, resp)
	require.Len(t, entries, 1)
	assert.Equal(t, payrun.AuditCreated, entries[0].Action)

	resp = ts.do(t, http.MethodGet, "/api/audit?from=yesterday", "hr-1", nil)
	requireStatus(t, resp, http.StatusBadRequest)
}

func TestScenarios_LoadAndReset(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/scenarios", "hr-1", nil)
	requireStatus(t, resp, http.StatusOK)
	assert.Len(t, decodeBody[[]fixtures.Scenario](t, resp), len(fixtures.Scenarios()))

	// WHEN the month-end scenario is loaded
	resp = ts.do(t, http.MethodPost, "/api/scenarios/load", "hr-1", map[string]string{"scenario_id": "month-end"})
	requireStatus(t, resp, http.StatusOK)

	resp = ts.do(t, http.MethodGet, "/api/scenarios/current", "hr-1", nil)
	requireStatus(t, resp, http.StatusOK)
	assert.Equal(t, "month-end", decodeBody[map[string]string](t, resp)["scenario_id"])

	resp = ts.do(t, http.MethodGet, "/api/payruns", "hr-1", nil)
	requireStatus(t, resp, http.StatusOK)
	assert.Len(t, decodeBody[[]payrun.PayRun](t, resp), 1)

	// THEN reset empties the store
	resp = ts.do(t, http.MethodPost, "/api/scenarios/reset", "hr-1", nil)
	requireStatus(t, resp, http.StatusOK)

	resp = ts.do(t, http.MethodGet, "/api/employees", "hr-1", nil)
	requireStatus(t, resp, http.StatusOK)
	assert.Empty(t, decodeBody[[]payroll.Employee](t, resp))
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// =============================================================================
// SCHEDULER
// =============================================================================

func TestAccrualScheduler_RunNowIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	sched := api.NewAccrualScheduler(ts.leaveSvc, slog.New(slog.DiscardHandler))
	sched.Now = now

	// GIVEN the seed already ran the cycle for today
	report, err := sched.RunNow(context.Background())
	require.NoError(t, err)

	// THEN nothing further is accrued and the report is kept
	assert.True(t, report.Accrued.IsZero(), "got %s", report.Accrued)
	assert.Zero(t, report.Failures)
	last, at, ok := sched.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.Balances, last.Balances)
	assert.Equal(t, clock, at)
	assert.Equal(t, clock.Add(24*time.Hour), sched.GetNextRunTime())
}

func TestAccrualScheduler_StartStop(t *testing.T) {
	ts := newTestServer(t)
	sched := api.NewAccrualScheduler(ts.leaveSvc, slog.New(slog.DiscardHandler))
	sched.Now = now
	sched.CheckInterval = time.Hour

	sched.Start()
	sched.Stop()
	sched.Stop()

	disabled := api.NewAccrualScheduler(ts.leaveSvc, nil)
	disabled.Enabled = false
	disabled.Start()
	disabled.Stop()
	_, _, ok := disabled.LastReport()
	assert.False(t, ok)
}
