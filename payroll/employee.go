// Package payroll holds the compensation calculator and the employee master
// records it reads from.
package payroll

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/generic"
)

const KindEmployee generic.Kind = "employee"

const AuditEmployeeTerminated generic.AuditAction = "employee.terminated"

type SalaryType string

const (
	SalaryFixed  SalaryType = "fixed"
	SalaryHourly SalaryType = "hourly"
)

type EmployeeStatus string

const (
	EmployeeActive     EmployeeStatus = "active"
	EmployeeTerminated EmployeeStatus = "terminated"
)

type BankDetails struct {
	BankName      string `json:"bank_name,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	BranchCode    string `json:"branch_code,omitempty"`
}

// Employee is the recurring compensation profile. For fixed salaries
// SalaryAmount is the amount per pay period; for hourly it is the rate.
type Employee struct {
	generic.Versioned
	ID              string               `json:"id"`
	Name            string               `json:"name"`
	TaxNumber       string               `json:"tax_number,omitempty"`
	Status          EmployeeStatus       `json:"status"`
	HireDate        generic.Date         `json:"hire_date"`
	TerminationDate generic.Date         `json:"termination_date"`
	Frequency       generic.PayFrequency `json:"frequency"`

	SalaryType         SalaryType      `json:"salary_type"`
	SalaryAmount       decimal.Decimal `json:"salary_amount"`
	HoursPerDay        decimal.Decimal `json:"hours_per_day"`
	WorkingDaysPerWeek int             `json:"working_days_per_week"`
	AnnualBonus        decimal.Decimal `json:"annual_bonus"`
	Bank               BankDetails     `json:"bank"`

	UIFIncluded       bool `json:"uif_included"`
	SDLIncluded       bool `json:"sdl_included"`
	IncentiveEligible bool `json:"incentive_eligible"`

	RecurringEarnings   []EarningLine   `json:"recurring_earnings,omitempty"`
	RecurringDeductions []DeductionLine `json:"recurring_deductions,omitempty"`
}

func (e *Employee) AggregateID() string { return e.ID }

func (e *Employee) Validate() error {
	if e.ID == "" {
		return generic.NewValidationError("id", "is required")
	}
	if e.HireDate.IsZero() {
		return generic.NewValidationError("hire_date", "is required")
	}
	if !e.Frequency.Valid() {
		return generic.NewValidationError("frequency", "unknown pay frequency %q", e.Frequency)
	}
	switch e.SalaryType {
	case SalaryFixed:
	case SalaryHourly:
		if !e.HoursPerDay.IsPositive() {
			return generic.NewValidationError("hours_per_day", "must be positive for hourly employees")
		}
	default:
		return generic.NewValidationError("salary_type", "unknown salary type %q", e.SalaryType)
	}
	if e.SalaryAmount.IsNegative() {
		return generic.NewValidationError("salary_amount", "must not be negative")
	}
	switch e.Status {
	case EmployeeActive, EmployeeTerminated:
	default:
		return generic.NewValidationError("status", "unknown status %q", e.Status)
	}
	return nil
}

// EmployedDuring returns the part of p the employee was employed for and
// whether there is any.
func (e *Employee) EmployedDuring(p generic.Period) (generic.Period, bool) {
	out := p
	if e.HireDate.After(out.Start) {
		out.Start = e.HireDate
	}
	if !e.TerminationDate.IsZero() && e.TerminationDate.Before(out.End) {
		out.End = e.TerminationDate
	}
	return out, !out.End.Before(out.Start)
}

// MonthlySalary converts the recurring salary to a monthly figure.
func (e *Employee) MonthlySalary(averageMonthlyWorkingDays decimal.Decimal) decimal.Decimal {
	if e.SalaryType == SalaryHourly {
		return e.SalaryAmount.Mul(e.HoursPerDay).Mul(averageMonthlyWorkingDays)
	}
	return e.SalaryAmount.Mul(e.Frequency.PeriodsPerYear()).Div(decimal.NewFromInt(12))
}

// =============================================================================
// EMPLOYEE MASTER
// =============================================================================

// EmployeeMaster is the read side the pay run needs.
type EmployeeMaster interface {
	Employee(ctx context.Context, id string) (*Employee, error)
	InScope(ctx context.Context, period generic.Period, frequency generic.PayFrequency) ([]*Employee, error)
}

// Directory is the store-backed employee master.
type Directory struct {
	Store generic.Store
}

var _ EmployeeMaster = (*Directory)(nil)

func NewDirectory(store generic.Store) *Directory {
	return &Directory{Store: store}
}

func employees(s generic.Store) generic.Repository[Employee, *Employee] {
	return generic.NewRepository[Employee](s, KindEmployee)
}

func (d *Directory) Employee(ctx context.Context, id string) (*Employee, error) {
	return employees(d.Store).Get(ctx, id)
}

func (d *Directory) List(ctx context.Context) ([]*Employee, error) {
	return employees(d.Store).List(ctx, "")
}

// Save upserts an employee profile.
func (d *Directory) Save(ctx context.Context, e *Employee) error {
	if e.Status == "" {
		e.Status = EmployeeActive
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if e.Version == 0 {
		if existing, err := employees(d.Store).Get(ctx, e.ID); err == nil {
			e.Version = existing.Version
		} else if !generic.IsNotFound(err) {
			return err
		}
	}
	return employees(d.Store).Save(ctx, e)
}

// InScope lists active employees paid at this frequency who were employed
// for at least one day of the period, ordered by id. Terminated employees
// are paid through their termination settlement instead.
func (d *Directory) InScope(ctx context.Context, period generic.Period, frequency generic.PayFrequency) ([]*Employee, error) {
	all, err := employees(d.Store).List(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []*Employee
	for _, e := range all {
		if e.Frequency != frequency || e.Status == EmployeeTerminated {
			continue
		}
		if _, ok := e.EmployedDuring(period); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// MarkTerminated is the write-back performed when a termination completes.
// It runs on the caller's transaction.
func MarkTerminated(ctx context.Context, tx generic.Store, employeeID string, on generic.Date, actorID string, now time.Time) (*Employee, error) {
	e, err := employees(tx).Get(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	if e.Status == EmployeeTerminated {
		return nil, &generic.InvalidStateError{Entity: "employee", ID: e.ID, Current: string(e.Status), Operation: "terminate"}
	}
	before := *e
	e.Status = EmployeeTerminated
	e.TerminationDate = on
	if err := employees(tx).Save(ctx, e); err != nil {
		return nil, fmt.Errorf("mark employee %s terminated: %w", employeeID, err)
	}
	if err := generic.Audit(ctx, tx, actorID, AuditEmployeeTerminated, "employee", e.ID, before, e, now); err != nil {
		return nil, err
	}
	return e, nil
}
