// Package termination computes an employee's final pay and completes the
// termination: employee marked terminated, leave closed, settlement frozen.
package termination

import (
	"time"

	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/payroll"
)

const KindTermination generic.Kind = "termination"

const (
	AuditCreated          generic.AuditAction = "termination.created"
	AuditSubmitted        generic.AuditAction = "termination.submitted"
	AuditDeductionsEdited generic.AuditAction = "termination.deductions_edited"
	AuditFinalized        generic.AuditAction = "termination.finalized"
)

type Reason string

const (
	ReasonResignation  Reason = "resignation"
	ReasonDismissal    Reason = "dismissal"
	ReasonRetrenchment Reason = "retrenchment"
	ReasonContractEnd  Reason = "contract_end"
	ReasonRetirement   Reason = "retirement"
	ReasonDeath        Reason = "death"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonResignation, ReasonDismissal, ReasonRetrenchment, ReasonContractEnd, ReasonRetirement, ReasonDeath:
		return true
	}
	return false
}

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusDraft          Status = "draft"
	StatusPendingPayroll Status = "pending_payroll"
	StatusCompleted      Status = "completed"
)

// Status only moves forward; completed is terminal.
var transitions = map[Status]Status{
	StatusDraft:          StatusPendingPayroll,
	StatusPendingPayroll: StatusCompleted,
}

func Transition(from, to Status) bool {
	next, ok := transitions[from]
	return ok && next == to
}

// =============================================================================
// TERMINATION
// =============================================================================

type Termination struct {
	generic.Versioned
	ID               string       `json:"id"`
	EmployeeID       string       `json:"employee_id"`
	TerminationDate  generic.Date `json:"termination_date"`
	LastWorkingDay   generic.Date `json:"last_working_day"`
	Reason           Reason       `json:"reason"`
	Status           Status       `json:"status"`
	NoticePeriodDays int          `json:"notice_period_days"`
	PaidInLieu       bool         `json:"paid_in_lieu"`
	Notes            string       `json:"notes,omitempty"`

	// Skips holds the skip flag per optional deduction code.
	Skips           map[string]bool         `json:"skips,omitempty"`
	ExtraDeductions []payroll.DeductionLine `json:"extra_deductions,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CreatedBy   string     `json:"created_by"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
	FinalizedBy string     `json:"finalized_by,omitempty"`

	// Settlement is frozen on completion.
	Settlement *PayComponents `json:"settlement,omitempty"`
}

func (t *Termination) AggregateID() string { return t.ID }

// NoticeEnd is the last day of the notice period, counted in calendar days
// from the termination date.
func (t *Termination) NoticeEnd() generic.Date {
	if t.NoticePeriodDays <= 0 {
		return t.TerminationDate
	}
	return t.TerminationDate.AddDays(t.NoticePeriodDays)
}

func (t *Termination) Validate() error {
	if t.EmployeeID == "" {
		return generic.NewValidationError("employee_id", "is required")
	}
	if t.TerminationDate.IsZero() {
		return generic.NewValidationError("termination_date", "is required")
	}
	if t.LastWorkingDay.IsZero() {
		return generic.NewValidationError("last_working_day", "is required")
	}
	if !t.Reason.Valid() {
		return generic.NewValidationError("reason", "unknown termination reason %q", t.Reason)
	}
	if t.NoticePeriodDays < 0 {
		return generic.NewValidationError("notice_period_days", "must not be negative")
	}
	if t.LastWorkingDay.After(t.NoticeEnd()) {
		return generic.NewValidationError("last_working_day", "must not be after the end of the notice period %s", t.NoticeEnd())
	}
	return nil
}

func (t *Termination) transition(to Status, op string) error {
	if !Transition(t.Status, to) {
		return &generic.InvalidStateError{Entity: "termination", ID: t.ID, Current: string(t.Status), Operation: op}
	}
	t.Status = to
	return nil
}
