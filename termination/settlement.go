/*
settlement.go - Final pay computation

PURPOSE:
  Pure functions: DeriveEarnings turns the employee profile, the
  termination and the leave balances into the settlement earnings;
  Settle applies the shared statutory deductions and produces the
  summary. Nothing here reads or writes the store.

EARNINGS:
  monthly      = employee salary expressed per month
  daily rate   = monthly / average monthly working days
  final salary = monthly pro-rated by business days up to the last working day
  notice pay   = unworked notice business days x daily rate, paid in lieu only
  severance    = weekly rate x completed years x weeks per year, retrenchment only
  pro-rata     = annual bonus x completed months in the tax year / 12
  leave payout = available annual leave days x daily rate
*/
package termination

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/leave"
	"github.com/warp/payroll-engine/payroll"
)

// Settlement line codes.
const (
	CodeNoticePay     = "NOTICE_PAY"
	CodeSeverance     = "SEVERANCE"
	CodeProRata       = "PRO_RATA_BONUS"
	CodeLeavePayout   = "LEAVE_PAYOUT"
	CodeLeaveRecovery = "LEAVE_RECOVERY"
)

type SettlementPolicy struct {
	AverageMonthlyWorkingDays decimal.Decimal `json:"average_monthly_working_days"`
	SeveranceWeeksPerYear     decimal.Decimal `json:"severance_weeks_per_year"`
	AnnualLeaveTypeID         string          `json:"annual_leave_type_id"`
	TaxYearStartMonth         time.Month      `json:"tax_year_start_month"`
}

func DefaultPolicy() SettlementPolicy {
	return SettlementPolicy{
		AverageMonthlyWorkingDays: decimal.RequireFromString("21.67"),
		SeveranceWeeksPerYear:     decimal.NewFromInt(1),
		AnnualLeaveTypeID:         "annual",
		TaxYearStartMonth:         time.March,
	}
}

type Earnings struct {
	FinalSalary       decimal.Decimal `json:"final_salary"`
	NoticePay         decimal.Decimal `json:"notice_pay"`
	SeverancePay      decimal.Decimal `json:"severance_pay"`
	ProRataEarnings   decimal.Decimal `json:"pro_rata_earnings"`
	LeavePayoutDays   decimal.Decimal `json:"leave_payout_days"`
	LeavePayoutAmount decimal.Decimal `json:"leave_payout_amount"`
	DailyRate         decimal.Decimal `json:"daily_rate"`
}

type Summary struct {
	GrossPay                 decimal.Decimal `json:"gross_pay"`
	TotalDeductions          decimal.Decimal `json:"total_deductions"`
	NetPay                   decimal.Decimal `json:"net_pay"`
	PrimaryTax               decimal.Decimal `json:"primary_tax"`
	UnemploymentContribution decimal.Decimal `json:"unemployment_contribution"`
}

type PayComponents struct {
	Earnings   Earnings                `json:"earnings"`
	Deductions []payroll.DeductionLine `json:"deductions"`
	Summary    Summary                 `json:"summary"`
}

// =============================================================================
// EARNINGS
// =============================================================================

// DeriveEarnings computes the settlement earnings. LeavePayoutAmount is
// left for Settle, which always derives it from days and daily rate.
func DeriveEarnings(emp *payroll.Employee, t *Termination, balances []*leave.Balance, cal generic.HolidayCalendar, policy SettlementPolicy) Earnings {
	avgDays := policy.AverageMonthlyWorkingDays
	monthly := emp.MonthlySalary(avgDays)
	e := Earnings{
		FinalSalary:     decimal.Zero,
		NoticePay:       decimal.Zero,
		SeverancePay:    decimal.Zero,
		ProRataEarnings: decimal.Zero,
		LeavePayoutDays: decimal.Zero,
		DailyRate:       decimal.Zero,
	}
	if avgDays.IsPositive() {
		e.DailyRate = monthly.Div(avgDays)
	}

	lwd := t.LastWorkingDay
	month := generic.MonthPeriod(lwd.Year(), lwd.Month())
	worked := generic.Period{Start: month.Start, End: lwd}
	if emp.HireDate.After(worked.Start) {
		worked.Start = emp.HireDate
	}
	if !worked.End.Before(worked.Start) {
		e.FinalSalary = payroll.ProRate(monthly,
			generic.BusinessDays(month.Start, month.End, cal),
			generic.BusinessDays(worked.Start, worked.End, cal))
	}

	if t.PaidInLieu && lwd.Before(t.NoticeEnd()) {
		unworked := generic.BusinessDays(lwd.AddDays(1), t.NoticeEnd(), cal)
		e.NoticePay = e.DailyRate.Mul(decimal.NewFromInt(int64(unworked)))
	}

	if t.Reason == ReasonRetrenchment {
		weekly := monthly.Mul(decimal.NewFromInt(12)).Div(decimal.NewFromInt(52))
		years := completed(emp.HireDate, lwd, generic.Date.AddYears, 100)
		e.SeverancePay = weekly.Mul(decimal.NewFromInt(int64(years))).Mul(policy.SeveranceWeeksPerYear)
	}

	if emp.AnnualBonus.IsPositive() {
		yearStart := generic.TaxYearPeriod(generic.TaxYearOf(lwd, policy.TaxYearStartMonth), policy.TaxYearStartMonth).Start
		if emp.HireDate.After(yearStart) {
			yearStart = emp.HireDate
		}
		months := completed(yearStart, lwd, generic.Date.AddMonths, 12)
		e.ProRataEarnings = emp.AnnualBonus.Mul(decimal.NewFromInt(int64(months))).Div(decimal.NewFromInt(12))
	}

	for _, b := range balances {
		if b.LeaveTypeID == policy.AnnualLeaveTypeID {
			e.LeavePayoutDays = b.Available()
		}
	}
	return e
}

// completed counts whole steps from start that end on or before end.
func completed(start, end generic.Date, step func(generic.Date, int) generic.Date, max int) int {
	n := 0
	for n < max && !step(start, n+1).After(end.AddDays(1)) {
		n++
	}
	return n
}

// =============================================================================
// SETTLE
// =============================================================================

// Settle builds the deduction set over the settlement gross and the summary.
// Skipping the tax or unemployment line, or any required line, is a
// ValidationError. A negative net is reported in the summary; finalize
// refuses it.
func Settle(emp *payroll.Employee, e Earnings, extra []payroll.DeductionLine, skips map[string]bool, calc *payroll.Calculator) (*PayComponents, error) {
	e.LeavePayoutAmount = decimal.Zero
	if e.LeavePayoutDays.IsPositive() {
		e.LeavePayoutAmount = e.LeavePayoutDays.Mul(e.DailyRate)
	}

	slip := &payroll.Payslip{EmployeeID: emp.ID, EmployeeName: emp.Name}
	slip.Earnings = append(slip.Earnings, payroll.EarningLine{
		Code: payroll.CodeBasic, Name: "Final salary", Amount: e.FinalSalary, Taxable: true, IsRequired: true,
	})
	for _, l := range []payroll.EarningLine{
		{Code: CodeNoticePay, Name: "Notice pay", Amount: e.NoticePay, Taxable: true},
		{Code: CodeSeverance, Name: "Severance pay", Amount: e.SeverancePay, Taxable: true},
		{Code: CodeProRata, Name: "Pro-rata bonus", Amount: e.ProRataEarnings, Taxable: true},
		{Code: CodeLeavePayout, Name: "Leave payout", Amount: e.LeavePayoutAmount, Taxable: true},
	} {
		if l.Amount.IsPositive() {
			slip.Earnings = append(slip.Earnings, l)
		}
	}

	gross, taxable := decimal.Zero, decimal.Zero
	for _, l := range slip.Earnings {
		gross = gross.Add(l.Amount)
		if l.Taxable {
			taxable = taxable.Add(l.Amount)
		}
	}
	deductions, err := calc.StatutoryDeductions(emp, gross, taxable)
	if err != nil {
		return nil, err
	}
	if e.LeavePayoutDays.IsNegative() {
		deductions = append(deductions, payroll.DeductionLine{
			Code: CodeLeaveRecovery, Name: "Leave taken in advance", Amount: e.LeavePayoutDays.Neg().Mul(e.DailyRate),
		})
	}
	deductions = append(deductions, extra...)

	for code, skip := range skips {
		if !skip {
			continue
		}
		if !Skippable(code) {
			return nil, generic.NewValidationError("deductions."+code, "cannot be skipped")
		}
		for i := range deductions {
			if deductions[i].Code != code {
				continue
			}
			if deductions[i].IsRequired {
				return nil, generic.NewValidationError("deductions."+code, "required line cannot be skipped")
			}
			deductions[i].IsSkipped = true
		}
	}
	slip.Deductions = deductions
	slip.Totals()

	return &PayComponents{
		Earnings:   e,
		Deductions: slip.Deductions,
		Summary: Summary{
			GrossPay:                 slip.GrossPay,
			TotalDeductions:          slip.TotalDeductions,
			NetPay:                   slip.NetPay,
			PrimaryTax:               generic.RoundMoney(slip.DeductionAmount(payroll.CodePAYE)),
			UnemploymentContribution: generic.RoundMoney(slip.DeductionAmount(payroll.CodeUIF)),
		},
	}, nil
}

// Skippable reports whether a deduction code may ever be skipped on a
// settlement. Tax and unemployment insurance never can.
func Skippable(code string) bool {
	return code != payroll.CodePAYE && code != payroll.CodeUIF
}

// ComputeSettlement derives the earnings and settles them in one step.
func ComputeSettlement(emp *payroll.Employee, t *Termination, balances []*leave.Balance, cal generic.HolidayCalendar, calc *payroll.Calculator, policy SettlementPolicy) (*PayComponents, error) {
	return Settle(emp, DeriveEarnings(emp, t, balances, cal, policy), t.ExtraDeductions, t.Skips, calc)
}
