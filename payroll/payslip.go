package payroll

import (
	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/generic"
)

// Well-known line codes.
const (
	CodeBasic = "BASIC"
	CodePAYE  = "PAYE" // income tax withholding
	CodeUIF   = "UIF"  // unemployment insurance contribution
	CodeSDL   = "SDL"  // skills development levy
)

type EarningLine struct {
	Code       string           `json:"code"`
	Name       string           `json:"name"`
	Amount     decimal.Decimal  `json:"amount"`
	Taxable    bool             `json:"taxable"`
	IsRequired bool             `json:"is_required"`
	Hours      *decimal.Decimal `json:"hours,omitempty"`
	Rate       *decimal.Decimal `json:"rate,omitempty"`
}

type DeductionLine struct {
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	Amount      decimal.Decimal `json:"amount"`
	IsStatutory bool            `json:"is_statutory"`
	IsRequired  bool            `json:"is_required"`
	IsSkipped   bool            `json:"is_skipped"`
}

// YTD carries tax-year-to-date totals including the current payslip.
type YTD struct {
	Gross decimal.Decimal `json:"gross"`
	Tax   decimal.Decimal `json:"tax"`
	UIF   decimal.Decimal `json:"uif"`
	Net   decimal.Decimal `json:"net"`
}

func (y YTD) Add(p *Payslip) YTD {
	return YTD{
		Gross: y.Gross.Add(p.GrossPay),
		Tax:   y.Tax.Add(p.DeductionAmount(CodePAYE)),
		UIF:   y.UIF.Add(p.DeductionAmount(CodeUIF)),
		Net:   y.Net.Add(p.NetPay),
	}
}

// Payslip is one employee's result for one pay run.
//
//	GrossPay        = round(sum of earnings)
//	TotalDeductions = round(sum of non-skipped deductions)
//	NetPay          = GrossPay - TotalDeductions, never negative when saved
type Payslip struct {
	generic.Versioned
	PayRunID     string         `json:"pay_run_id"`
	EmployeeID   string         `json:"employee_id"`
	EmployeeName string         `json:"employee_name"`
	Period       generic.Period `json:"period"`
	PayDate      generic.Date   `json:"pay_date"`

	Earnings   []EarningLine   `json:"earnings"`
	Deductions []DeductionLine `json:"deductions"`

	GrossPay        decimal.Decimal `json:"gross_pay"`
	TaxableGross    decimal.Decimal `json:"taxable_gross"`
	TotalDeductions decimal.Decimal `json:"total_deductions"`
	NetPay          decimal.Decimal `json:"net_pay"`
	YTD             YTD             `json:"ytd"`
}

func PayslipID(payRunID, employeeID string) string { return payRunID + "/" + employeeID }

func (p *Payslip) AggregateID() string { return PayslipID(p.PayRunID, p.EmployeeID) }

// DeductionAmount is the amount of the non-skipped deduction with this code,
// or zero.
func (p *Payslip) DeductionAmount(code string) decimal.Decimal {
	total := decimal.Zero
	for _, d := range p.Deductions {
		if d.Code == code && !d.IsSkipped {
			total = total.Add(d.Amount)
		}
	}
	return total
}

// Totals recomputes GrossPay, TaxableGross, TotalDeductions and NetPay from
// the lines. Rounding happens here and nowhere else.
func (p *Payslip) Totals() {
	gross, taxable, deductions := decimal.Zero, decimal.Zero, decimal.Zero
	for _, e := range p.Earnings {
		gross = gross.Add(e.Amount)
		if e.Taxable {
			taxable = taxable.Add(e.Amount)
		}
	}
	for _, d := range p.Deductions {
		if !d.IsSkipped {
			deductions = deductions.Add(d.Amount)
		}
	}
	p.GrossPay = generic.RoundMoney(gross)
	p.TaxableGross = generic.RoundMoney(taxable)
	p.TotalDeductions = generic.RoundMoney(deductions)
	p.NetPay = p.GrossPay.Sub(p.TotalDeductions)
}

// Validate enforces the line rules every saved payslip must satisfy.
func (p *Payslip) Validate() error {
	hasBasic := false
	for i, e := range p.Earnings {
		if e.Code == "" {
			return generic.NewValidationError("earnings", "line %d has no code", i)
		}
		if e.Amount.IsNegative() {
			return generic.NewValidationError("earnings."+e.Code, "amount must not be negative")
		}
		if e.Code == CodeBasic {
			hasBasic = true
		}
	}
	if !hasBasic {
		return generic.NewValidationError("earnings."+CodeBasic, "required line is missing")
	}
	for i, d := range p.Deductions {
		if d.Code == "" {
			return generic.NewValidationError("deductions", "line %d has no code", i)
		}
		if d.Amount.IsNegative() {
			return generic.NewValidationError("deductions."+d.Code, "amount must not be negative")
		}
		if d.IsRequired && d.IsSkipped {
			return generic.NewValidationError("deductions."+d.Code, "required line cannot be skipped")
		}
	}
	if p.NetPay.IsNegative() {
		return &generic.NegativeNetPayError{EmployeeID: p.EmployeeID, GrossPay: p.GrossPay, TotalDeductions: p.TotalDeductions}
	}
	return nil
}
