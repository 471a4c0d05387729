package payroll

import (
	"fmt"
	"sort"

	"github.com/Knetic/govaluate"
	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/generic"
)

type TaxRuleKind string

const (
	TaxPercentage TaxRuleKind = "percentage"
	TaxBrackets   TaxRuleKind = "brackets"
	TaxFormula    TaxRuleKind = "formula"
)

// TaxBracket applies to annual taxable income at or above Threshold:
// tax = Base + (income - Threshold) * Rate.
type TaxBracket struct {
	Threshold decimal.Decimal `json:"threshold"`
	Base      decimal.Decimal `json:"base"`
	Rate      decimal.Decimal `json:"rate"`
}

// TaxRule computes income tax withholding for one pay period.
//
//	percentage: taxable * Rate
//	brackets:   annualise taxable, apply the bracket table, subtract the
//	            annual rebate, de-annualise
//	formula:    an expression over taxable, gross, annual_taxable and
//	            periods_per_year; max() and min() are available
type TaxRule struct {
	Kind         TaxRuleKind     `json:"kind"`
	Rate         decimal.Decimal `json:"rate"`
	Brackets     []TaxBracket    `json:"brackets,omitempty"`
	AnnualRebate decimal.Decimal `json:"annual_rebate"`
	Formula      string          `json:"formula,omitempty"`

	expr *govaluate.EvaluableExpression
}

var formulaFunctions = map[string]govaluate.ExpressionFunction{
	"max": func(args ...interface{}) (interface{}, error) {
		return pickFloat(args, func(a, b float64) bool { return a > b })
	},
	"min": func(args ...interface{}) (interface{}, error) {
		return pickFloat(args, func(a, b float64) bool { return a < b })
	},
}

func pickFloat(args []interface{}, better func(a, b float64) bool) (interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("expects at least one argument")
	}
	var best float64
	for i, a := range args {
		f, ok := a.(float64)
		if !ok {
			return nil, fmt.Errorf("argument %d is not a number", i)
		}
		if i == 0 || better(f, best) {
			best = f
		}
	}
	return best, nil
}

// Compile validates the rule and prepares the formula expression.
func (r *TaxRule) Compile() error {
	switch r.Kind {
	case TaxPercentage:
		if r.Rate.IsNegative() {
			return generic.NewValidationError("tax.rate", "must not be negative")
		}
	case TaxBrackets:
		if len(r.Brackets) == 0 {
			return generic.NewValidationError("tax.brackets", "at least one bracket is required")
		}
		sort.Slice(r.Brackets, func(i, j int) bool {
			return r.Brackets[i].Threshold.LessThan(r.Brackets[j].Threshold)
		})
	case TaxFormula:
		expr, err := govaluate.NewEvaluableExpressionWithFunctions(r.Formula, formulaFunctions)
		if err != nil {
			return generic.NewValidationError("tax.formula", "%v", err)
		}
		r.expr = expr
	default:
		return generic.NewValidationError("tax.kind", "unknown tax rule %q", r.Kind)
	}
	return nil
}

// Withholding returns the tax for one period. It is never negative and is
// not rounded.
func (r *TaxRule) Withholding(taxable, gross decimal.Decimal, frequency generic.PayFrequency) (decimal.Decimal, error) {
	periods := frequency.PeriodsPerYear()
	var tax decimal.Decimal
	switch r.Kind {
	case TaxPercentage:
		tax = taxable.Mul(r.Rate)
	case TaxBrackets:
		annual := taxable.Mul(periods)
		annualTax := decimal.Zero
		for _, b := range r.Brackets {
			if annual.GreaterThanOrEqual(b.Threshold) {
				annualTax = b.Base.Add(annual.Sub(b.Threshold).Mul(b.Rate))
			}
		}
		annualTax = annualTax.Sub(r.AnnualRebate)
		tax = annualTax.Div(periods)
	case TaxFormula:
		if r.expr == nil {
			if err := r.Compile(); err != nil {
				return decimal.Zero, err
			}
		}
		result, err := r.expr.Evaluate(map[string]interface{}{
			"taxable":          taxable.InexactFloat64(),
			"gross":            gross.InexactFloat64(),
			"annual_taxable":   taxable.Mul(periods).InexactFloat64(),
			"periods_per_year": periods.InexactFloat64(),
		})
		if err != nil {
			return decimal.Zero, fmt.Errorf("evaluate tax formula: %w", err)
		}
		f, ok := result.(float64)
		if !ok {
			return decimal.Zero, fmt.Errorf("tax formula returned %T, want number", result)
		}
		tax = decimal.NewFromFloat(f)
	default:
		return decimal.Zero, generic.NewValidationError("tax.kind", "unknown tax rule %q", r.Kind)
	}
	if tax.IsNegative() {
		return decimal.Zero, nil
	}
	return tax, nil
}
