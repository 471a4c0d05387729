package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PERIOD - Inclusive date range
// =============================================================================

// Period is the inclusive range [Start, End].
type Period struct {
	Start Date `json:"start"`
	End   Date `json:"end"`
}

func MonthPeriod(year int, month time.Month) Period {
	start := NewDate(year, month, 1)
	return Period{Start: start, End: start.EndOfMonth()}
}

func (p Period) Validate() error {
	if p.Start.IsZero() {
		return NewValidationError("start", "is required")
	}
	if p.End.IsZero() {
		return NewValidationError("end", "is required")
	}
	if p.End.Before(p.Start) {
		return NewValidationError("end", "must not be before start %s", p.Start)
	}
	return nil
}

// Contains returns true if the date is within [Start, End].
func (p Period) Contains(d Date) bool {
	return d.AfterOrEqual(p.Start) && d.BeforeOrEqual(p.End)
}

func (p Period) Overlaps(o Period) bool {
	return p.Start.BeforeOrEqual(o.End) && o.Start.BeforeOrEqual(p.End)
}

// Dates returns every calendar day in the period.
func (p Period) Dates() []Date {
	var days []Date
	for d := p.Start; d.BeforeOrEqual(p.End); d = d.AddDays(1) {
		days = append(days, d)
	}
	return days
}

func (p Period) CalendarDays() int { return DaysBetween(p.Start, p.End) + 1 }

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// =============================================================================
// PAY FREQUENCY
// =============================================================================

type PayFrequency string

const (
	FrequencyWeekly      PayFrequency = "weekly"
	FrequencyBiweekly    PayFrequency = "biweekly"
	FrequencySemiMonthly PayFrequency = "semi_monthly"
	FrequencyMonthly     PayFrequency = "monthly"
)

func (f PayFrequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyBiweekly, FrequencySemiMonthly, FrequencyMonthly:
		return true
	}
	return false
}

// PeriodsPerYear is how many pay periods of this frequency fit in a year.
func (f PayFrequency) PeriodsPerYear() decimal.Decimal {
	switch f {
	case FrequencyWeekly:
		return decimal.NewFromInt(52)
	case FrequencyBiweekly:
		return decimal.NewFromInt(26)
	case FrequencySemiMonthly:
		return decimal.NewFromInt(24)
	default:
		return decimal.NewFromInt(12)
	}
}

// MonthlyFactor converts a per-month figure (such as a contribution cap) to
// this frequency's per-period equivalent.
func (f PayFrequency) MonthlyFactor() decimal.Decimal {
	return decimal.NewFromInt(12).Div(f.PeriodsPerYear())
}

// =============================================================================
// TAX YEAR
// =============================================================================

// A tax year is named by the calendar year it ends in. With a March start,
// tax year 2025 runs 1 March 2024 to 28 February 2025.

func TaxYearOf(d Date, startMonth time.Month) int {
	if startMonth <= time.January || d.Month() < startMonth {
		return d.Year()
	}
	return d.Year() + 1
}

func TaxYearPeriod(year int, startMonth time.Month) Period {
	startYear := year
	if startMonth > time.January {
		startYear = year - 1
	}
	start := NewDate(startYear, startMonth, 1)
	return Period{Start: start, End: start.AddYears(1).AddDays(-1)}
}
