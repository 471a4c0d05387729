/*
demo.go - Demo data and scenario loaders

PURPOSE:
  Seeds a store with a realistic small company so the API can be explored
  without manual setup. Seeding is an explicit step: cmd/server calls
  LoadDemo only when RUN_SEED=true, and the scenario endpoint calls Load.

AVAILABLE SCENARIOS:
  baseline:     leave catalog, four employees, opening leave balances
  month-end:    baseline + a calculated pay run for the current month
  resignation:  baseline + a submitted termination awaiting payroll

NOTE:
  Scenario loads expect an empty store; the API resets it first.
*/
package fixtures

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/leave"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/payrun"
	"github.com/warp/payroll-engine/termination"
)

const SeedActor = "system:seed"

// Calendar is the public holiday calendar used by the demo.
func Calendar() *generic.StaticCalendar {
	d := generic.NewDate
	return generic.NewStaticCalendar(
		generic.Holiday{Date: d(2025, time.January, 1), Name: "New Year's Day"},
		generic.Holiday{Date: d(2025, time.March, 21), Name: "Human Rights Day"},
		generic.Holiday{Date: d(2025, time.April, 18), Name: "Good Friday"},
		generic.Holiday{Date: d(2025, time.April, 21), Name: "Family Day"},
		generic.Holiday{Date: d(2025, time.April, 28), Name: "Freedom Day (observed)"},
		generic.Holiday{Date: d(2025, time.May, 1), Name: "Workers' Day"},
		generic.Holiday{Date: d(2025, time.June, 16), Name: "Youth Day"},
		generic.Holiday{Date: d(2025, time.September, 24), Name: "Heritage Day"},
		generic.Holiday{Date: d(2025, time.December, 16), Name: "Day of Reconciliation"},
		generic.Holiday{Date: d(2025, time.December, 25), Name: "Christmas Day"},
		generic.Holiday{Date: d(2025, time.December, 26), Name: "Day of Goodwill"},
		generic.Holiday{Date: d(2026, time.January, 1), Name: "New Year's Day"},
		generic.Holiday{Date: d(2026, time.April, 3), Name: "Good Friday"},
		generic.Holiday{Date: d(2026, time.April, 6), Name: "Family Day"},
		generic.Holiday{Date: d(2026, time.April, 27), Name: "Freedom Day"},
		generic.Holiday{Date: d(2026, time.May, 1), Name: "Workers' Day"},
		generic.Holiday{Date: d(2026, time.June, 16), Name: "Youth Day"},
		generic.Holiday{Date: d(2026, time.August, 10), Name: "National Women's Day (observed)"},
		generic.Holiday{Date: d(2026, time.September, 24), Name: "Heritage Day"},
		generic.Holiday{Date: d(2026, time.December, 16), Name: "Day of Reconciliation"},
		generic.Holiday{Date: d(2026, time.December, 25), Name: "Christmas Day"},
	)
}

// Employees returns the demo staff. All are paid monthly.
func Employees() []*payroll.Employee {
	dec := decimal.RequireFromString
	return []*payroll.Employee{
		{
			ID: "emp-001", Name: "Thandi Nkosi", TaxNumber: "0123456789",
			HireDate: generic.NewDate(2021, time.February, 1), Frequency: generic.FrequencyMonthly,
			SalaryType: payroll.SalaryFixed, SalaryAmount: dec("32000"), AnnualBonus: dec("32000"),
			UIFIncluded: true, SDLIncluded: true, IncentiveEligible: true,
			Bank: payroll.BankDetails{BankName: "FNB", AccountNumber: "62000000001", BranchCode: "250655"},
		},
		{
			ID: "emp-002", Name: "Pieter van Wyk", TaxNumber: "0223456789",
			HireDate: generic.NewDate(2018, time.June, 15), Frequency: generic.FrequencyMonthly,
			SalaryType: payroll.SalaryFixed, SalaryAmount: dec("45000"),
			UIFIncluded: true, SDLIncluded: true,
			RecurringDeductions: []payroll.DeductionLine{
				{Code: "MEDICAL", Name: "Medical aid", Amount: dec("2450")},
				{Code: "PENSION", Name: "Pension fund", Amount: dec("3375")},
			},
		},
		{
			ID: "emp-003", Name: "Ayesha Patel",
			HireDate: generic.NewDate(2023, time.September, 1), Frequency: generic.FrequencyMonthly,
			SalaryType: payroll.SalaryHourly, SalaryAmount: dec("180"), HoursPerDay: dec("8"), WorkingDaysPerWeek: 5,
			UIFIncluded: true, SDLIncluded: true,
		},
		{
			ID: "emp-004", Name: "Sipho Dlamini", TaxNumber: "0423456789",
			HireDate: generic.NewDate(2024, time.January, 8), Frequency: generic.FrequencyMonthly,
			SalaryType: payroll.SalaryFixed, SalaryAmount: dec("18500"),
			UIFIncluded: true, SDLIncluded: true,
			RecurringEarnings: []payroll.EarningLine{
				{Code: "TRAVEL", Name: "Travel allowance", Amount: dec("1500"), Taxable: true},
			},
		},
	}
}

// openingAnnualLeave is the annual leave carried in from the previous
// system, per employee.
var openingAnnualLeave = map[string]string{
	"emp-001": "12",
	"emp-002": "18.5",
	"emp-003": "4",
	"emp-004": "7",
}

// LoadDemo seeds the baseline scenario into store.
func LoadDemo(ctx context.Context, store generic.TxStore, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	leaveSvc := leave.NewService(store, Calendar(), slog.Default())
	leaveSvc.Now = now
	return seedBaseline(ctx, payroll.NewDirectory(store), leaveSvc, generic.DateOf(now()))
}

func seedBaseline(ctx context.Context, dir *payroll.Directory, leaveSvc *leave.Service, today generic.Date) error {
	catalog, err := DefaultCatalog()
	if err != nil {
		return err
	}
	for _, lt := range catalog {
		if err := leaveSvc.SaveLeaveType(ctx, lt); err != nil {
			return fmt.Errorf("seed leave type %s: %w", lt.ID, err)
		}
	}
	for _, e := range Employees() {
		if err := dir.Save(ctx, e); err != nil {
			return fmt.Errorf("seed employee %s: %w", e.ID, err)
		}
		if err := leaveSvc.EnsureBalances(ctx, e.ID); err != nil {
			return err
		}
		days := decimal.RequireFromString(openingAnnualLeave[e.ID])
		if _, err := leaveSvc.Adjust(ctx, e.ID, "annual", days, "opening balance", SeedActor); err != nil {
			return fmt.Errorf("seed opening balance %s: %w", e.ID, err)
		}
	}
	if _, err := leaveSvc.RunCycle(ctx, today); err != nil {
		return fmt.Errorf("seed accrual cycle: %w", err)
	}
	return nil
}

// =============================================================================
// SCENARIOS
// =============================================================================

type Scenario struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var scenarios = []Scenario{
	{ID: "baseline", Name: "Baseline", Description: "Leave catalog, four monthly employees and opening leave balances"},
	{ID: "month-end", Name: "Month End", Description: "Baseline plus a calculated pay run for the current month, ready to finalize"},
	{ID: "resignation", Name: "Resignation", Description: "Baseline plus a resignation awaiting payroll with notice paid in lieu"},
}

func Scenarios() []Scenario {
	out := make([]Scenario, len(scenarios))
	copy(out, scenarios)
	return out
}

// Services is what the scenario loaders write through.
type Services struct {
	Employees    *payroll.Directory
	Leave        *leave.Service
	PayRuns      *payrun.Service
	Terminations *termination.Service
}

// Load seeds the named scenario as of today.
func Load(ctx context.Context, svc Services, id string, today generic.Date) error {
	switch id {
	case "baseline":
		return seedBaseline(ctx, svc.Employees, svc.Leave, today)
	case "month-end":
		if err := seedBaseline(ctx, svc.Employees, svc.Leave, today); err != nil {
			return err
		}
		return seedMonthEnd(ctx, svc.PayRuns, today)
	case "resignation":
		if err := seedBaseline(ctx, svc.Employees, svc.Leave, today); err != nil {
			return err
		}
		return seedResignation(ctx, svc.Terminations, today)
	default:
		return generic.NewValidationError("scenario_id", "unknown scenario %q", id)
	}
}

func seedMonthEnd(ctx context.Context, runs *payrun.Service, today generic.Date) error {
	period := generic.MonthPeriod(today.Year(), today.Month())
	run, err := runs.Create(ctx, payrun.CreateInput{
		Period:    period,
		PayDate:   period.End,
		Frequency: generic.FrequencyMonthly,
		ActorID:   SeedActor,
	})
	if err != nil {
		return err
	}
	overtime := decimal.RequireFromString("12")
	rate := decimal.RequireFromString("270")
	if _, err := runs.SetEmployeeInputs(ctx, run.ID, "emp-003", payroll.Inputs{
		Earnings: []payroll.EarningLine{{
			Code: "OVERTIME", Name: "Overtime", Amount: overtime.Mul(rate),
			Taxable: true, Hours: &overtime, Rate: &rate,
		}},
	}, SeedActor); err != nil {
		return err
	}
	_, err = runs.Calculate(ctx, run.ID, SeedActor)
	return err
}

func seedResignation(ctx context.Context, terms *termination.Service, today generic.Date) error {
	t, err := terms.Create(ctx, termination.CreateInput{
		EmployeeID:       "emp-004",
		TerminationDate:  today,
		LastWorkingDay:   today,
		Reason:           termination.ReasonResignation,
		NoticePeriodDays: 30,
		PaidInLieu:       true,
		Notes:            "Relocating",
		ActorID:          SeedActor,
	})
	if err != nil {
		return err
	}
	_, err = terms.Submit(ctx, t.ID, SeedActor)
	return err
}
