/*
catalog.go - Leave type catalog loaded from JSON definitions

PURPOSE:
  Leave types are configuration. They are written as JSON so HR can
  change accrual rates and carry-over rules without a code change, then
  parsed and validated into leave.LeaveType values.

JSON SCHEMA:
  {
    "id": "annual",
    "name": "Annual Leave",
    "accrual": {"method": "monthly", "rate": 1.25},
    "cycle_start_month": 3,
    "carry_over": {"limit": 5, "expiry_months": 6},
    "allow_negative_balance": false,
    "requires_attachment": false,
    "is_paid": true
  }

DEFAULTS:
  cycle_start_month 1, is_paid true, carry_over unlimited and never expiring.
*/
package fixtures

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/leave"
)

// LeaveTypeJSON is the JSON representation of a leave type.
type LeaveTypeJSON struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Accrual struct {
		Method leave.AccrualMethod `json:"method"`
		Rate   decimal.Decimal     `json:"rate"`
	} `json:"accrual"`
	CycleStartMonth int `json:"cycle_start_month"`
	CarryOver       *struct {
		Limit        *decimal.Decimal `json:"limit"`
		ExpiryMonths int              `json:"expiry_months"`
	} `json:"carry_over"`
	AllowNegativeBalance bool  `json:"allow_negative_balance"`
	RequiresAttachment   bool  `json:"requires_attachment"`
	IsPaid               *bool `json:"is_paid"`
}

// ParseLeaveType converts one JSON definition into a validated leave type.
func ParseLeaveType(jsonStr string) (*leave.LeaveType, error) {
	var def LeaveTypeJSON
	if err := json.Unmarshal([]byte(jsonStr), &def); err != nil {
		return nil, fmt.Errorf("invalid leave type JSON: %w", err)
	}

	lt := &leave.LeaveType{
		ID:                   def.ID,
		Name:                 def.Name,
		AccrualMethod:        def.Accrual.Method,
		AccrualRate:          def.Accrual.Rate,
		CycleStartMonth:      time.Month(def.CycleStartMonth),
		AllowNegativeBalance: def.AllowNegativeBalance,
		RequiresAttachment:   def.RequiresAttachment,
		IsPaid:               true,
	}
	if lt.Name == "" {
		lt.Name = lt.ID
	}
	if lt.AccrualMethod == "" {
		lt.AccrualMethod = leave.AccrualNone
	}
	if def.CycleStartMonth == 0 {
		lt.CycleStartMonth = time.January
	}
	if def.CarryOver != nil {
		lt.CarryOverLimit = def.CarryOver.Limit
		lt.CarryOverExpiryMonths = def.CarryOver.ExpiryMonths
	}
	if def.IsPaid != nil {
		lt.IsPaid = *def.IsPaid
	}

	if err := lt.Validate(); err != nil {
		return nil, fmt.Errorf("leave type %q: %w", def.ID, err)
	}
	return lt, nil
}

// =============================================================================
// PRESETS
// =============================================================================

// AnnualLeaveJSON accrues monthly on a March cycle and lets a limited
// number of days carry over for six months.
func AnnualLeaveJSON(id string, daysPerMonth, carryOver float64) string {
	return fmt.Sprintf(`{
		"id": %q,
		"name": "Annual Leave",
		"accrual": {"method": "monthly", "rate": %g},
		"cycle_start_month": 3,
		"carry_over": {"limit": %g, "expiry_months": 6}
	}`, id, daysPerMonth, carryOver)
}

// SickLeaveJSON grants the whole allowance at the start of each cycle and
// requires a medical certificate.
func SickLeaveJSON(id string, daysPerCycle float64) string {
	return fmt.Sprintf(`{
		"id": %q,
		"name": "Sick Leave",
		"accrual": {"method": "annual", "rate": %g},
		"cycle_start_month": 1,
		"carry_over": {"limit": 0},
		"requires_attachment": true
	}`, id, daysPerCycle)
}

func FamilyResponsibilityJSON(id string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"name": "Family Responsibility Leave",
		"accrual": {"method": "annual", "rate": 3},
		"cycle_start_month": 1,
		"carry_over": {"limit": 0}
	}`, id)
}

func UnpaidLeaveJSON(id string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"name": "Unpaid Leave",
		"accrual": {"method": "none"},
		"allow_negative_balance": true,
		"is_paid": false
	}`, id)
}

// DefaultCatalog is the leave type set used by the demo data.
func DefaultCatalog() ([]*leave.LeaveType, error) {
	defs := []string{
		AnnualLeaveJSON("annual", 1.25, 5),
		SickLeaveJSON("sick", 10),
		FamilyResponsibilityJSON("family"),
		UnpaidLeaveJSON("unpaid"),
	}
	out := make([]*leave.LeaveType, 0, len(defs))
	for _, d := range defs {
		lt, err := ParseLeaveType(d)
		if err != nil {
			return nil, err
		}
		out = append(out, lt)
	}
	return out, nil
}
