// Package payrun orchestrates pay runs: it drives the compensation
// calculator over every in-scope employee, aggregates totals and guards the
// run's state machine.
package payrun

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/payroll"
)

const (
	KindPayRun  generic.Kind = "pay_run"
	KindPayslip generic.Kind = "payslip"
)

const (
	AuditCreated              generic.AuditAction = "payrun.created"
	AuditInputsUpdated        generic.AuditAction = "payrun.inputs_updated"
	AuditCalculationStarted   generic.AuditAction = "payrun.calculation_started"
	AuditCalculationCancelled generic.AuditAction = "payrun.calculation_cancelled"
	AuditCalculated           generic.AuditAction = "payrun.calculated"
	AuditPayslipUpdated       generic.AuditAction = "payrun.payslip_updated"
	AuditFinalized            generic.AuditAction = "payrun.finalized"
	AuditDeleted              generic.AuditAction = "payrun.deleted"
)

// =============================================================================
// STATUS - closed enum with a single transition function
// =============================================================================

type Status string

const (
	StatusDraft       Status = "draft"
	StatusCalculating Status = "calculating"
	StatusReady       Status = "ready"
	StatusFinalized   Status = "finalized"
	StatusDeleted     Status = "deleted"
)

//	draft ──▶ calculating ──▶ ready ──▶ finalized
//	  ▲            │  ▲        │ ▲
//	  └────────────┘  └─┘      └─┘ recalculate in place
//	                  reclaimed after an interrupted calculation
//	draft, calculating, ready ──▶ deleted
var transitions = map[Status][]Status{
	StatusDraft:       {StatusCalculating, StatusDeleted},
	StatusCalculating: {StatusCalculating, StatusReady, StatusDraft, StatusDeleted},
	StatusReady:       {StatusReady, StatusFinalized, StatusDeleted},
}

// Transition reports whether a run may move from one status to another.
func Transition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// =============================================================================
// PAY RUN
// =============================================================================

type Totals struct {
	Gross               decimal.Decimal `json:"gross"`
	Deductions          decimal.Decimal `json:"deductions"`
	Net                 decimal.Decimal `json:"net"`
	EmployeeCount       int             `json:"employee_count"`
	EmployeesWithErrors int             `json:"employees_with_errors"`
}

// EmployeeError records why one employee's payslip could not be produced.
type EmployeeError struct {
	EmployeeID string `json:"employee_id"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

type PayRun struct {
	generic.Versioned
	ID        string               `json:"id"`
	Period    generic.Period       `json:"period"`
	PayDate   generic.Date         `json:"pay_date"`
	Frequency generic.PayFrequency `json:"frequency"`
	Status    Status               `json:"status"`
	Totals    Totals               `json:"totals"`
	Errors    []EmployeeError      `json:"errors,omitempty"`

	// Inputs holds per-employee ad-hoc lines keyed by employee id.
	Inputs map[string]payroll.Inputs `json:"inputs,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	CreatedBy    string     `json:"created_by"`
	CalculatedAt *time.Time `json:"calculated_at,omitempty"`
	FinalizedAt  *time.Time `json:"finalized_at,omitempty"`
	FinalizedBy  string     `json:"finalized_by,omitempty"`

	// CalculationID identifies the calculation holding a calculating run.
	CalculationID string `json:"calculation_id,omitempty"`
}

func (r *PayRun) AggregateID() string { return r.ID }

func (r *PayRun) PayPeriod() payroll.PayPeriod {
	return payroll.PayPeriod{Period: r.Period, PayDate: r.PayDate}
}

func (r *PayRun) transition(to Status, op string) error {
	if !Transition(r.Status, to) {
		return &generic.InvalidStateError{Entity: "pay run", ID: r.ID, Current: string(r.Status), Operation: op}
	}
	r.Status = to
	return nil
}

// aggregate recomputes the money totals from the given payslips. Payslip
// totals are already rounded, so their sums are exact.
func (r *PayRun) aggregate(slips []*payroll.Payslip, employeeCount int) {
	t := Totals{Gross: decimal.Zero, Deductions: decimal.Zero, Net: decimal.Zero}
	for _, s := range slips {
		t.Gross = t.Gross.Add(s.GrossPay)
		t.Deductions = t.Deductions.Add(s.TotalDeductions)
		t.Net = t.Net.Add(s.NetPay)
	}
	t.EmployeeCount = employeeCount
	t.EmployeesWithErrors = len(r.Errors)
	r.Totals = t
}

// withoutInputs is the audit snapshot form; inputs can be large.
func (r *PayRun) withoutInputs() PayRun {
	cp := *r
	cp.Inputs = nil
	return cp
}
