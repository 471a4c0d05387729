/*
calculator.go - Compensation calculator

PURPOSE:
  Turns an employee profile, a pay period and the period's inputs into a
  payslip. The calculation is pure: same inputs, same payslip. Nothing is
  persisted here; the pay run orchestrator decides what to store.

LINE ASSEMBLY:
  earnings   = BASIC (derived, required) + recurring profile lines + inputs
  deductions = PAYE (required) + UIF (required when included)
             + SDL (when included) + recurring profile lines + inputs

  An input line whose code matches a derived line overrides its amount
  but keeps its required/statutory flags, so a caller can supply a fixed
  tax figure but cannot drop or skip a required line.

ROUNDING:
  Line amounts keep full precision. GrossPay and TotalDeductions are
  rounded half-up to cents once, in Payslip.Totals.
*/
package payroll

import (
	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/generic"
)

// StatutoryConfig holds the statutory deduction parameters. UIFMonthlyCap is
// per month and scaled to the employee's pay frequency.
type StatutoryConfig struct {
	Tax           TaxRule         `json:"tax"`
	UIFRate       decimal.Decimal `json:"uif_rate"`
	UIFMonthlyCap decimal.Decimal `json:"uif_monthly_cap"`
	SDLRate       decimal.Decimal `json:"sdl_rate"`
}

type Calculator struct {
	Statutory StatutoryConfig
	Calendar  generic.HolidayCalendar
}

func NewCalculator(cfg StatutoryConfig, calendar generic.HolidayCalendar) (*Calculator, error) {
	if err := cfg.Tax.Compile(); err != nil {
		return nil, err
	}
	if cfg.UIFRate.IsNegative() || cfg.UIFMonthlyCap.IsNegative() || cfg.SDLRate.IsNegative() {
		return nil, generic.NewValidationError("statutory", "rates and caps must not be negative")
	}
	if calendar == nil {
		calendar = generic.WeekendOnlyCalendar{}
	}
	return &Calculator{Statutory: cfg, Calendar: calendar}, nil
}

// PayPeriod is the period being paid and when it is paid.
type PayPeriod struct {
	Period  generic.Period `json:"period"`
	PayDate generic.Date   `json:"pay_date"`
}

// Inputs are the period-specific lines supplied by the caller.
type Inputs struct {
	Earnings    []EarningLine    `json:"earnings,omitempty"`
	Deductions  []DeductionLine  `json:"deductions,omitempty"`
	HoursWorked *decimal.Decimal `json:"hours_worked,omitempty"`
}

// ComputePayslip builds and validates one employee's payslip. It returns
// NegativeNetPayError when deductions exceed gross pay.
func (c *Calculator) ComputePayslip(emp *Employee, pp PayPeriod, in Inputs) (*Payslip, error) {
	if err := emp.Validate(); err != nil {
		return nil, err
	}
	if err := pp.Period.Validate(); err != nil {
		return nil, err
	}

	slip := &Payslip{
		EmployeeID:   emp.ID,
		EmployeeName: emp.Name,
		Period:       pp.Period,
		PayDate:      pp.PayDate,
	}

	slip.Earnings = append(slip.Earnings, c.BasePay(emp, pp.Period, in.HoursWorked))
	slip.Earnings = append(slip.Earnings, emp.RecurringEarnings...)
	slip.Earnings = mergeEarnings(slip.Earnings, in.Earnings)

	gross, taxable := decimal.Zero, decimal.Zero
	for _, e := range slip.Earnings {
		gross = gross.Add(e.Amount)
		if e.Taxable {
			taxable = taxable.Add(e.Amount)
		}
	}

	statutory, err := c.StatutoryDeductions(emp, gross, taxable)
	if err != nil {
		return nil, err
	}
	slip.Deductions = append(statutory, emp.RecurringDeductions...)
	slip.Deductions = mergeDeductions(slip.Deductions, in.Deductions)

	slip.Totals()
	if err := slip.Validate(); err != nil {
		return nil, err
	}
	return slip, nil
}

// BasePay derives the required BASIC line. Fixed salaries are pro-rated by
// business days employed within the period; hourly pay uses the hours
// supplied or the standard hours for the business days employed.
func (c *Calculator) BasePay(emp *Employee, period generic.Period, hoursWorked *decimal.Decimal) EarningLine {
	line := EarningLine{Code: CodeBasic, Name: "Basic salary", Taxable: true, IsRequired: true, Amount: decimal.Zero}

	employed, ok := emp.EmployedDuring(period)
	employedDays := 0
	if ok {
		employedDays = generic.BusinessDays(employed.Start, employed.End, c.Calendar)
	}

	if emp.SalaryType == SalaryHourly {
		hours := emp.HoursPerDay.Mul(decimal.NewFromInt(int64(employedDays)))
		if hoursWorked != nil {
			hours = *hoursWorked
		}
		rate := emp.SalaryAmount
		line.Name = "Hourly pay"
		line.Hours = &hours
		line.Rate = &rate
		line.Amount = hours.Mul(rate)
		return line
	}

	if !ok {
		return line
	}
	if employed == period {
		line.Amount = emp.SalaryAmount
		return line
	}
	line.Amount = ProRate(emp.SalaryAmount, generic.BusinessDays(period.Start, period.End, c.Calendar), employedDays)
	return line
}

// ProRate scales amount by worked/total days. A period without business
// days pays in full.
func ProRate(amount decimal.Decimal, totalDays, workedDays int) decimal.Decimal {
	if totalDays <= 0 || workedDays >= totalDays {
		return amount
	}
	if workedDays <= 0 {
		return decimal.Zero
	}
	return amount.Mul(decimal.NewFromInt(int64(workedDays))).Div(decimal.NewFromInt(int64(totalDays)))
}

// StatutoryDeductions computes PAYE, UIF and SDL for the given gross and
// taxable earnings.
func (c *Calculator) StatutoryDeductions(emp *Employee, gross, taxable decimal.Decimal) ([]DeductionLine, error) {
	tax, err := c.Statutory.Tax.Withholding(taxable, gross, emp.Frequency)
	if err != nil {
		return nil, err
	}
	lines := []DeductionLine{
		{Code: CodePAYE, Name: "Income tax", Amount: tax, IsStatutory: true, IsRequired: true},
	}
	if emp.UIFIncluded {
		uif := gross.Mul(c.Statutory.UIFRate)
		limit := c.Statutory.UIFMonthlyCap.Mul(emp.Frequency.MonthlyFactor())
		if c.Statutory.UIFMonthlyCap.IsPositive() && uif.GreaterThan(limit) {
			uif = limit
		}
		lines = append(lines, DeductionLine{Code: CodeUIF, Name: "Unemployment insurance", Amount: uif, IsStatutory: true, IsRequired: true})
	}
	if emp.SDLIncluded {
		lines = append(lines, DeductionLine{Code: CodeSDL, Name: "Skills development levy", Amount: gross.Mul(c.Statutory.SDLRate), IsStatutory: true})
	}
	return lines, nil
}

// mergeEarnings overlays inputs on base: matching codes replace the amount
// (and hours/rate), new codes are appended.
func mergeEarnings(base, inputs []EarningLine) []EarningLine {
	for _, in := range inputs {
		replaced := false
		for i := range base {
			if base[i].Code != in.Code {
				continue
			}
			base[i].Amount = in.Amount
			if in.Hours != nil {
				base[i].Hours = in.Hours
			}
			if in.Rate != nil {
				base[i].Rate = in.Rate
			}
			if !base[i].IsRequired {
				base[i].Taxable = in.Taxable
			}
			replaced = true
			break
		}
		if !replaced {
			base = append(base, in)
		}
	}
	return base
}

// mergeDeductions overlays inputs on base. A matching required line keeps
// its flags; the skip request is kept so validation can refuse it.
func mergeDeductions(base, inputs []DeductionLine) []DeductionLine {
	for _, in := range inputs {
		replaced := false
		for i := range base {
			if base[i].Code != in.Code {
				continue
			}
			base[i].Amount = in.Amount
			base[i].IsSkipped = in.IsSkipped
			replaced = true
			break
		}
		if !replaced {
			in.IsStatutory = false
			base = append(base, in)
		}
	}
	return base
}

// Merge overlays other on in. Lines with the same code are replaced, new
// codes are appended, and a non-nil HoursWorked wins.
func (in Inputs) Merge(other Inputs) Inputs {
	out := Inputs{HoursWorked: in.HoursWorked}
	if other.HoursWorked != nil {
		out.HoursWorked = other.HoursWorked
	}
	out.Earnings = append([]EarningLine(nil), in.Earnings...)
	for _, e := range other.Earnings {
		if i := indexOfEarning(out.Earnings, e.Code); i >= 0 {
			out.Earnings[i] = e
		} else {
			out.Earnings = append(out.Earnings, e)
		}
	}
	out.Deductions = append([]DeductionLine(nil), in.Deductions...)
	for _, d := range other.Deductions {
		if i := indexOfDeduction(out.Deductions, d.Code); i >= 0 {
			out.Deductions[i] = d
		} else {
			out.Deductions = append(out.Deductions, d)
		}
	}
	return out
}

func indexOfEarning(lines []EarningLine, code string) int {
	for i, l := range lines {
		if l.Code == code {
			return i
		}
	}
	return -1
}

func indexOfDeduction(lines []DeductionLine, code string) int {
	for i, l := range lines {
		if l.Code == code {
			return i
		}
	}
	return -1
}
