// Package filing aggregates finalized pay runs into monthly employer
// filings and reconciles the filings against payroll for a tax year.
package filing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/generic"
)

const (
	KindMonthlyFiling  generic.Kind = "monthly_filing"
	KindReconciliation generic.Kind = "reconciliation"
)

const (
	AuditFilingBuilt             generic.AuditAction = "filing.built"
	AuditFilingReady             generic.AuditAction = "filing.ready"
	AuditFilingSubmitted         generic.AuditAction = "filing.submitted"
	AuditFilingAccepted          generic.AuditAction = "filing.accepted"
	AuditFilingRejected          generic.AuditAction = "filing.rejected"
	AuditReconciliationGenerated generic.AuditAction = "reconciliation.generated"
	AuditReconciliationSubmitted generic.AuditAction = "reconciliation.submitted"
)

// =============================================================================
// MONTHLY FILING
// =============================================================================

type Status string

const (
	StatusDraft     Status = "draft"
	StatusReady     Status = "ready"
	StatusSubmitted Status = "submitted"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
)

//	draft ──▶ ready ──▶ submitted ──▶ accepted
//	                          └──────▶ rejected
var transitions = map[Status][]Status{
	StatusDraft:     {StatusReady},
	StatusReady:     {StatusSubmitted},
	StatusSubmitted: {StatusAccepted, StatusRejected},
}

func Transition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Editable reports whether the filing's figures may still be rebuilt.
func (s Status) Editable() bool { return s == StatusDraft || s == StatusReady }

// Filed reports whether the filing counts as filed for reconciliation.
func (s Status) Filed() bool { return s == StatusSubmitted || s == StatusAccepted }

type Totals struct {
	Gross                    decimal.Decimal `json:"gross"`
	Tax                      decimal.Decimal `json:"tax"`
	UnemploymentContribution decimal.Decimal `json:"unemployment_contribution"`
	SkillsLevy               decimal.Decimal `json:"skills_levy"`
	EmployeeCount            int             `json:"employee_count"`
}

// Line is one employee's contribution to a filing.
type Line struct {
	EmployeeID               string          `json:"employee_id"`
	EmployeeName             string          `json:"employee_name"`
	Gross                    decimal.Decimal `json:"gross"`
	Tax                      decimal.Decimal `json:"tax"`
	UnemploymentContribution decimal.Decimal `json:"unemployment_contribution"`
	SkillsLevy               decimal.Decimal `json:"skills_levy"`
}

type MonthlyFiling struct {
	generic.Versioned
	ID        string         `json:"id"`
	Period    generic.Period `json:"period"`
	Status    Status         `json:"status"`
	Totals    Totals         `json:"totals"`
	Lines     []Line         `json:"lines"`
	PayRunIDs []string       `json:"pay_run_ids"`

	BuiltAt         time.Time  `json:"built_at"`
	SubmissionDate  *time.Time `json:"submission_date,omitempty"`
	SubmittedBy     string     `json:"submitted_by,omitempty"`
	Reference       string     `json:"reference,omitempty"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
}

func (f *MonthlyFiling) AggregateID() string { return f.ID }

// MonthlyFilingID is deterministic: one filing per calendar month.
func MonthlyFilingID(year int, month time.Month) string {
	return fmt.Sprintf("emp201-%04d-%02d", year, int(month))
}

func (f *MonthlyFiling) transition(to Status, op string) error {
	if !Transition(f.Status, to) {
		return &generic.InvalidStateError{Entity: "monthly filing", ID: f.ID, Current: string(f.Status), Operation: op}
	}
	f.Status = to
	return nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type ReconciliationType string

const (
	TypeInterim ReconciliationType = "interim"
	TypeFinal   ReconciliationType = "final"
)

func (t ReconciliationType) Valid() bool { return t == TypeInterim || t == TypeFinal }

// Months is how many months of the tax year the declaration covers.
func (t ReconciliationType) Months() int {
	if t == TypeInterim {
		return 6
	}
	return 12
}

type ReconciliationStatus string

const (
	ReconciliationDraft     ReconciliationStatus = "draft"
	ReconciliationSubmitted ReconciliationStatus = "submitted"
)

type ReconciliationLine struct {
	EmployeeID  string          `json:"employee_id"`
	PayrollTax  decimal.Decimal `json:"payroll_tax"`
	FilingTax   decimal.Decimal `json:"filing_tax"`
	Variance    decimal.Decimal `json:"variance"`
	HasMismatch bool            `json:"has_mismatch"`
}

type Reconciliation struct {
	generic.Versioned
	ID      string               `json:"id"`
	TaxYear int                  `json:"tax_year"`
	Type    ReconciliationType   `json:"type"`
	Status  ReconciliationStatus `json:"status"`

	Periods         []generic.Period     `json:"periods"`
	PayrollTotalTax decimal.Decimal      `json:"payroll_total_tax"`
	FilingTotalTax  decimal.Decimal      `json:"filing_total_tax"`
	Variance        decimal.Decimal      `json:"variance"`
	Lines           []ReconciliationLine `json:"lines"`

	// MissingFilings lists covered months without a filed monthly filing.
	MissingFilings []string `json:"missing_filings,omitempty"`

	GeneratedAt time.Time  `json:"generated_at"`
	GeneratedBy string     `json:"generated_by,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	SubmittedBy string     `json:"submitted_by,omitempty"`
}

func (r *Reconciliation) AggregateID() string { return r.ID }

// MismatchCount is the number of employees whose figures disagree.
func (r *Reconciliation) MismatchCount() int {
	n := 0
	for _, l := range r.Lines {
		if l.HasMismatch {
			n++
		}
	}
	return n
}

func ReconciliationID(taxYear int, t ReconciliationType) string {
	return fmt.Sprintf("emp501-%d-%s", taxYear, t)
}
