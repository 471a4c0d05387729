package filing

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/payrun"
)

// CoveredPeriods returns the calendar months a declaration covers, starting
// at the first month of the tax year.
func CoveredPeriods(taxYear int, t ReconciliationType, startMonth time.Month) []generic.Period {
	start := generic.TaxYearPeriod(taxYear, startMonth).Start
	out := make([]generic.Period, 0, t.Months())
	for i := 0; i < t.Months(); i++ {
		m := start.AddMonths(i)
		out = append(out, generic.MonthPeriod(m.Year(), m.Month()))
	}
	return out
}

func span(periods []generic.Period) generic.Period {
	if len(periods) == 0 {
		return generic.Period{}
	}
	return generic.Period{Start: periods[0].Start, End: periods[len(periods)-1].End}
}

func covered(periods []generic.Period, d generic.Date) bool {
	for _, p := range periods {
		if p.Contains(d) {
			return true
		}
	}
	return false
}

// Reconcile compares payroll-side tax (finalized runs paid in the covered
// months) with filing-side tax (filed monthly filings for those months).
// It has no side effects; the result carries no ID or status.
func Reconcile(taxYear int, t ReconciliationType, periods []generic.Period, runs []payrun.Finalized, filings []*MonthlyFiling) *Reconciliation {
	payrollTax := map[string]decimal.Decimal{}
	filingTax := map[string]decimal.Decimal{}

	for _, f := range runs {
		if f.Run.Status != payrun.StatusFinalized || !covered(periods, f.Run.PayDate) {
			continue
		}
		for _, slip := range f.Payslips {
			tax := generic.RoundMoney(slip.DeductionAmount(payroll.CodePAYE))
			payrollTax[slip.EmployeeID] = payrollTax[slip.EmployeeID].Add(tax)
		}
	}

	filed := map[string]bool{}
	for _, f := range filings {
		if !f.Status.Filed() || !covered(periods, f.Period.Start) {
			continue
		}
		filed[f.Period.Start.MonthKey()] = true
		for _, l := range f.Lines {
			filingTax[l.EmployeeID] = filingTax[l.EmployeeID].Add(l.Tax)
		}
	}

	ids := make([]string, 0, len(payrollTax)+len(filingTax))
	for id := range payrollTax {
		ids = append(ids, id)
	}
	for id := range filingTax {
		if _, ok := payrollTax[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	r := &Reconciliation{
		TaxYear:         taxYear,
		Type:            t,
		Periods:         periods,
		PayrollTotalTax: decimal.Zero,
		FilingTotalTax:  decimal.Zero,
	}
	for _, id := range ids {
		p, f := payrollTax[id], filingTax[id]
		v := p.Sub(f)
		r.Lines = append(r.Lines, ReconciliationLine{
			EmployeeID:  id,
			PayrollTax:  p,
			FilingTax:   f,
			Variance:    v,
			HasMismatch: !v.IsZero(),
		})
		r.PayrollTotalTax = r.PayrollTotalTax.Add(p)
		r.FilingTotalTax = r.FilingTotalTax.Add(f)
	}
	r.Variance = r.PayrollTotalTax.Sub(r.FilingTotalTax)

	for _, p := range periods {
		if !filed[p.Start.MonthKey()] {
			r.MissingFilings = append(r.MissingFilings, p.Start.MonthKey())
		}
	}
	return r
}

// buildLines aggregates the payslips of finalized runs into filing lines,
// one per employee, ordered by employee id.
func buildLines(runs []payrun.Finalized) ([]Line, Totals, []string) {
	byEmployee := map[string]*Line{}
	var runIDs []string
	for _, f := range runs {
		runIDs = append(runIDs, f.Run.ID)
		for _, slip := range f.Payslips {
			l, ok := byEmployee[slip.EmployeeID]
			if !ok {
				l = &Line{EmployeeID: slip.EmployeeID, EmployeeName: slip.EmployeeName}
				byEmployee[slip.EmployeeID] = l
			}
			l.Gross = l.Gross.Add(slip.GrossPay)
			l.Tax = l.Tax.Add(generic.RoundMoney(slip.DeductionAmount(payroll.CodePAYE)))
			l.UnemploymentContribution = l.UnemploymentContribution.Add(generic.RoundMoney(slip.DeductionAmount(payroll.CodeUIF)))
			l.SkillsLevy = l.SkillsLevy.Add(generic.RoundMoney(slip.DeductionAmount(payroll.CodeSDL)))
		}
	}

	ids := make([]string, 0, len(byEmployee))
	for id := range byEmployee {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	totals := Totals{Gross: decimal.Zero, Tax: decimal.Zero, UnemploymentContribution: decimal.Zero, SkillsLevy: decimal.Zero}
	lines := make([]Line, 0, len(ids))
	for _, id := range ids {
		l := *byEmployee[id]
		lines = append(lines, l)
		totals.Gross = totals.Gross.Add(l.Gross)
		totals.Tax = totals.Tax.Add(l.Tax)
		totals.UnemploymentContribution = totals.UnemploymentContribution.Add(l.UnemploymentContribution)
		totals.SkillsLevy = totals.SkillsLevy.Add(l.SkillsLevy)
	}
	totals.EmployeeCount = len(lines)
	sort.Strings(runIDs)
	return lines, totals, runIDs
}
