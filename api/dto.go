/*
dto.go - Request bodies and error envelope for the HTTP API

PURPOSE:
  Request types decouple the wire format from domain inputs; each has a
  small conversion method. Responses are the domain aggregates themselves,
  which already carry JSON tags.

NAMING CONVENTION:
  - *Request: request body types from clients
  - *Response: response wrappers that are not a single aggregate

VALIDATION:
  Shape checks only. Domain rules are enforced by the services, which
  return ValidationError with the offending field.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/filing"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/leave"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/payrun"
	"github.com/warp/payroll-engine/termination"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
}

// =============================================================================
// LEAVE
// =============================================================================

type SubmitLeaveRequest struct {
	LeaveTypeID   string       `json:"leave_type_id"`
	StartDate     generic.Date `json:"start_date"`
	EndDate       generic.Date `json:"end_date"`
	Reason        string       `json:"reason"`
	AttachmentRef string       `json:"attachment_ref"`
}

func (r SubmitLeaveRequest) input(employeeID, actorID string) leave.SubmitInput {
	return leave.SubmitInput{
		EmployeeID:    employeeID,
		LeaveTypeID:   r.LeaveTypeID,
		StartDate:     r.StartDate,
		EndDate:       r.EndDate,
		Reason:        r.Reason,
		AttachmentRef: r.AttachmentRef,
		ActorID:       actorID,
	}
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type AccrueRequest struct {
	LeaveTypeID string       `json:"leave_type_id"`
	AsOf        generic.Date `json:"as_of"`
}

type AdjustRequest struct {
	LeaveTypeID string          `json:"leave_type_id"`
	Days        decimal.Decimal `json:"days"`
	Reason      string          `json:"reason"`
}

type AccrualResponse struct {
	EmployeeID  string          `json:"employee_id"`
	LeaveTypeID string          `json:"leave_type_id"`
	Granted     decimal.Decimal `json:"granted"`
}

// =============================================================================
// PAY RUNS
// =============================================================================

type CreatePayRunRequest struct {
	Period    generic.Period       `json:"period"`
	PayDate   generic.Date         `json:"pay_date"`
	Frequency generic.PayFrequency `json:"frequency"`
}

func (r CreatePayRunRequest) input(actorID string) payrun.CreateInput {
	freq := r.Frequency
	if freq == "" {
		freq = generic.FrequencyMonthly
	}
	return payrun.CreateInput{Period: r.Period, PayDate: r.PayDate, Frequency: freq, ActorID: actorID}
}

// InputsRequest carries ad-hoc earning and deduction lines for one employee.
type InputsRequest struct {
	Earnings    []payroll.EarningLine   `json:"earnings"`
	Deductions  []payroll.DeductionLine `json:"deductions"`
	HoursWorked *decimal.Decimal        `json:"hours_worked"`
}

func (r InputsRequest) inputs() payroll.Inputs {
	return payroll.Inputs{Earnings: r.Earnings, Deductions: r.Deductions, HoursWorked: r.HoursWorked}
}

type PayRunDetailResponse struct {
	*payrun.PayRun
	Payslips []*payroll.Payslip `json:"payslips"`
}

// =============================================================================
// TERMINATIONS
// =============================================================================

type CreateTerminationRequest struct {
	EmployeeID       string             `json:"employee_id"`
	TerminationDate  generic.Date       `json:"termination_date"`
	LastWorkingDay   generic.Date       `json:"last_working_day"`
	Reason           termination.Reason `json:"reason"`
	NoticePeriodDays int                `json:"notice_period_days"`
	PaidInLieu       bool               `json:"paid_in_lieu"`
	Notes            string             `json:"notes"`
}

func (r CreateTerminationRequest) input(actorID string) termination.CreateInput {
	return termination.CreateInput{
		EmployeeID:       r.EmployeeID,
		TerminationDate:  r.TerminationDate,
		LastWorkingDay:   r.LastWorkingDay,
		Reason:           r.Reason,
		NoticePeriodDays: r.NoticePeriodDays,
		PaidInLieu:       r.PaidInLieu,
		Notes:            r.Notes,
		ActorID:          actorID,
	}
}

type SkipDeductionRequest struct {
	Code string `json:"code"`
	Skip bool   `json:"skip"`
}

type ExtraDeductionsRequest struct {
	Deductions []payroll.DeductionLine `json:"deductions"`
}

// =============================================================================
// FILINGS & RECONCILIATIONS
// =============================================================================

type BuildFilingRequest struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
}

type AcceptFilingRequest struct {
	Reference string `json:"reference"`
}

type GenerateReconciliationRequest struct {
	TaxYear int                       `json:"tax_year"`
	Type    filing.ReconciliationType `json:"type"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}
