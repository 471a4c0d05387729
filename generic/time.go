package generic

import (
	"encoding/json"
	"fmt"
	"time"
)

const DateLayout = "2006-01-02"

// =============================================================================
// DATE - Civil date (UTC midnight)
// =============================================================================

// Date is a calendar day with no time-of-day component. Pay periods, leave
// days and termination dates are all expressed in whole days.
type Date struct {
	t time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar day in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, m, d)
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func Today() Date { return DateOf(time.Now()) }

// Comparison
func (d Date) Before(o Date) bool        { return d.t.Before(o.t) }
func (d Date) After(o Date) bool         { return d.t.After(o.t) }
func (d Date) Equal(o Date) bool         { return d.t.Equal(o.t) }
func (d Date) BeforeOrEqual(o Date) bool { return !d.t.After(o.t) }
func (d Date) AfterOrEqual(o Date) bool  { return !d.t.Before(o.t) }
func (d Date) Compare(o Date) int        { return d.t.Compare(o.t) }

// Arithmetic
func (d Date) AddDays(n int) Date   { return Date{t: d.t.AddDate(0, 0, n)} }
func (d Date) AddMonths(n int) Date { return Date{t: d.t.AddDate(0, n, 0)} }
func (d Date) AddYears(n int) Date  { return Date{t: d.t.AddDate(n, 0, 0)} }

// Properties
func (d Date) Time() time.Time        { return d.t }
func (d Date) Year() int              { return d.t.Year() }
func (d Date) Month() time.Month      { return d.t.Month() }
func (d Date) Day() int               { return d.t.Day() }
func (d Date) Weekday() time.Weekday  { return d.t.Weekday() }
func (d Date) IsZero() bool           { return d.t.IsZero() }
func (d Date) String() string         { return d.t.Format(DateLayout) }
func (d Date) IsWeekend() bool        { wd := d.Weekday(); return wd == time.Saturday || wd == time.Sunday }
func (d Date) MonthKey() string       { return d.t.Format("2006-01") }
func (d Date) StartOfMonth() Date     { return NewDate(d.Year(), d.Month(), 1) }
func (d Date) EndOfMonth() Date       { return NewDate(d.Year(), d.Month()+1, 1).AddDays(-1) }

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DaysBetween is the number of calendar days from one date to another.
func DaysBetween(from, to Date) int { return int(to.t.Sub(from.t).Hours() / 24) }

// =============================================================================
// HOLIDAY CALENDAR
// =============================================================================

// Holiday is a public holiday that is not a business day.
type Holiday struct {
	Date Date   `json:"date"`
	Name string `json:"name"`
}

// HolidayCalendar answers whether a date is a public holiday. The engine
// treats it as an external collaborator; a nil calendar means weekends only.
type HolidayCalendar interface {
	IsHoliday(date Date) bool
}

// WeekendOnlyCalendar has no holidays.
type WeekendOnlyCalendar struct{}

func (WeekendOnlyCalendar) IsHoliday(Date) bool { return false }

// StaticCalendar is a fixed set of holiday dates.
type StaticCalendar struct {
	holidays map[Date]string
}

func NewStaticCalendar(holidays ...Holiday) *StaticCalendar {
	c := &StaticCalendar{holidays: make(map[Date]string, len(holidays))}
	for _, h := range holidays {
		c.holidays[h.Date] = h.Name
	}
	return c
}

func (c *StaticCalendar) IsHoliday(date Date) bool {
	_, ok := c.holidays[date]
	return ok
}

// Holidays returns the calendar's holidays falling within the period.
func (c *StaticCalendar) Holidays(p Period) []Holiday {
	var out []Holiday
	for _, d := range p.Dates() {
		if name, ok := c.holidays[d]; ok {
			out = append(out, Holiday{Date: d, Name: name})
		}
	}
	return out
}

// IsBusinessDay is true for weekdays that are not holidays.
func IsBusinessDay(date Date, cal HolidayCalendar) bool {
	if date.IsWeekend() {
		return false
	}
	return cal == nil || !cal.IsHoliday(date)
}

// BusinessDays counts business days in [start, end], both ends inclusive.
func BusinessDays(start, end Date, cal HolidayCalendar) int {
	n := 0
	for d := start; d.BeforeOrEqual(end); d = d.AddDays(1) {
		if IsBusinessDay(d, cal) {
			n++
		}
	}
	return n
}
