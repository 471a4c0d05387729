package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// =============================================================================
// MONTHLY FILINGS
// =============================================================================

func (h *Handler) ListFilings(w http.ResponseWriter, r *http.Request) {
	fs, err := h.Filings.List(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list filings", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(fs))
}

// BuildFiling aggregates the month's finalized pay runs into its filing,
// creating it or rebuilding a draft/ready one.
func (h *Handler) BuildFiling(w http.ResponseWriter, r *http.Request) {
	var body BuildFilingRequest
	if !decode(w, r, &body) {
		return
	}
	f, err := h.Filings.BuildMonthly(r.Context(), body.Year, body.Month, actor(r))
	if err != nil {
		h.fail(w, r, "Failed to build filing", err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *Handler) GetFiling(w http.ResponseWriter, r *http.Request) {
	f, err := h.Filings.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to get filing", err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *Handler) MarkFilingReady(w http.ResponseWriter, r *http.Request) {
	f, err := h.Filings.MarkReady(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		h.fail(w, r, "Failed to mark filing ready", err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *Handler) SubmitFiling(w http.ResponseWriter, r *http.Request) {
	f, err := h.Filings.Submit(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		h.fail(w, r, "Failed to submit filing", err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *Handler) AcceptFiling(w http.ResponseWriter, r *http.Request) {
	var body AcceptFilingRequest
	if !decode(w, r, &body) {
		return
	}
	f, err := h.Filings.Accept(r.Context(), chi.URLParam(r, "id"), body.Reference, actor(r))
	if err != nil {
		h.fail(w, r, "Failed to accept filing", err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *Handler) RejectFiling(w http.ResponseWriter, r *http.Request) {
	var body RejectRequest
	if !decode(w, r, &body) {
		return
	}
	f, err := h.Filings.Reject(r.Context(), chi.URLParam(r, "id"), body.Reason, actor(r))
	if err != nil {
		h.fail(w, r, "Failed to reject filing", err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// ExportFiling returns the totals handed to the filing submission service.
func (h *Handler) ExportFiling(w http.ResponseWriter, r *http.Request) {
	sub, err := h.Filings.SubmissionTotals(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to export filing", err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// =============================================================================
// RECONCILIATIONS
// =============================================================================

func (h *Handler) ListReconciliations(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Filings.Reconciliations(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list reconciliations", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(recs))
}

func (h *Handler) GenerateReconciliation(w http.ResponseWriter, r *http.Request) {
	var body GenerateReconciliationRequest
	if !decode(w, r, &body) {
		return
	}
	rec, err := h.Filings.GenerateReconciliation(r.Context(), body.TaxYear, body.Type, actor(r))
	if err != nil {
		h.fail(w, r, "Failed to generate reconciliation", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Filings.Reconciliation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to get reconciliation", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) SubmitReconciliation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Filings.SubmitReconciliation(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		h.fail(w, r, "Failed to submit reconciliation", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
