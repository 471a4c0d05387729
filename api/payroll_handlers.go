package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// =============================================================================
// PAY RUNS
// =============================================================================

func (h *Handler) CreatePayRun(w http.ResponseWriter, r *http.Request) {
	var body CreatePayRunRequest
	if !decode(w, r, &body) {
		return
	}
	run, err := h.PayRuns.Create(r.Context(), body.input(actor(r)))
	if err != nil {
		h.fail(w, r, "Failed to create pay run", err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (h *Handler) ListPayRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.PayRuns.List(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list pay runs", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(runs))
}

func (h *Handler) GetPayRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.PayRuns.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get pay run", err)
		return
	}
	slips, err := h.PayRuns.Payslips(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to list payslips", err)
		return
	}
	writeJSON(w, http.StatusOK, PayRunDetailResponse{PayRun: run, Payslips: nonNil(slips)})
}

// SetEmployeeInputs replaces an employee's ad-hoc lines on a draft run.
func (h *Handler) SetEmployeeInputs(w http.ResponseWriter, r *http.Request) {
	var body InputsRequest
	if !decode(w, r, &body) {
		return
	}
	run, err := h.PayRuns.SetEmployeeInputs(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "employeeID"), body.inputs(), actor(r))
	if err != nil {
		h.fail(w, r, "Failed to set inputs", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// CalculatePayRun computes every payslip. If the client goes away the
// calculation is cancelled and a draft run returns to draft.
func (h *Handler) CalculatePayRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.PayRuns.Calculate(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		h.fail(w, r, "Failed to calculate pay run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) ListPayslips(w http.ResponseWriter, r *http.Request) {
	slips, err := h.PayRuns.Payslips(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to list payslips", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(slips))
}

func (h *Handler) GetPayslip(w http.ResponseWriter, r *http.Request) {
	slip, err := h.PayRuns.Payslip(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "employeeID"))
	if err != nil {
		h.fail(w, r, "Failed to get payslip", err)
		return
	}
	writeJSON(w, http.StatusOK, slip)
}

// UpdatePayslip edits one payslip of a ready run and recomputes the totals.
func (h *Handler) UpdatePayslip(w http.ResponseWriter, r *http.Request) {
	var body InputsRequest
	if !decode(w, r, &body) {
		return
	}
	slip, err := h.PayRuns.UpdatePayslip(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "employeeID"), body.inputs(), actor(r))
	if err != nil {
		h.fail(w, r, "Failed to update payslip", err)
		return
	}
	writeJSON(w, http.StatusOK, slip)
}

func (h *Handler) FinalizePayRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.PayRuns.Finalize(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		h.fail(w, r, "Failed to finalize pay run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) DeletePayRun(w http.ResponseWriter, r *http.Request) {
	if err := h.PayRuns.Delete(r.Context(), chi.URLParam(r, "id"), actor(r)); err != nil {
		h.fail(w, r, "Failed to delete pay run", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// TERMINATIONS
// =============================================================================

func (h *Handler) CreateTermination(w http.ResponseWriter, r *http.Request) {
	var body CreateTerminationRequest
	if !decode(w, r, &body) {
		return
	}
	t, err := h.Terminations.Create(r.Context(), body.input(actor(r)))
	if err != nil {
		h.fail(w, r, "Failed to create termination", err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) ListTerminations(w http.ResponseWriter, r *http.Request) {
	ts, err := h.Terminations.List(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list terminations", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(ts))
}

func (h *Handler) GetTermination(w http.ResponseWriter, r *http.Request) {
	t, err := h.Terminations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to get termination", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) SubmitTermination(w http.ResponseWriter, r *http.Request) {
	t, err := h.Terminations.Submit(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		h.fail(w, r, "Failed to submit termination", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GetSettlement previews the settlement, or returns the frozen one once
// the termination is completed.
func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	pc, err := h.Terminations.Settlement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to compute settlement", err)
		return
	}
	writeJSON(w, http.StatusOK, pc)
}

func (h *Handler) SkipTerminationDeduction(w http.ResponseWriter, r *http.Request) {
	var body SkipDeductionRequest
	if !decode(w, r, &body) {
		return
	}
	t, err := h.Terminations.SetDeductionSkip(r.Context(), chi.URLParam(r, "id"), body.Code, body.Skip, actor(r))
	if err != nil {
		h.fail(w, r, "Failed to update deduction", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) SetTerminationDeductions(w http.ResponseWriter, r *http.Request) {
	var body ExtraDeductionsRequest
	if !decode(w, r, &body) {
		return
	}
	t, err := h.Terminations.SetExtraDeductions(r.Context(), chi.URLParam(r, "id"), body.Deductions, actor(r))
	if err != nil {
		h.fail(w, r, "Failed to set deductions", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) FinalizeTermination(w http.ResponseWriter, r *http.Request) {
	t, err := h.Terminations.Finalize(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		h.fail(w, r, "Failed to finalize termination", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
