/*
Package generic provides the domain-agnostic primitives of the payroll engine.

PURPOSE:
  Everything that is not specific to leave, pay runs, terminations or filings
  lives here: decimal quantities and money, calendar dates, periods, the
  append-only ledger, the versioned aggregate store and the audit trail.
  Domain packages compose these primitives; nothing in this package knows
  what a payslip is.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: a quantity with a unit (5 days, 7.5 hours)
  - Money helpers: RoundMoney applies the single half-up rounding step
  - Transaction: an immutable ledger entry recording a balance change
  - EntityID / AccountID / TransactionID: type-safe identifiers

USAGE:
  days := generic.NewAmountFromInt(5, generic.UnitDays)
  tx := generic.Transaction{
      EntityID:  "emp-123",
      AccountID: "annual",
      Delta:     days.Neg(),
      Type:      generic.TxPending,
  }

SEE ALSO:
  - ledger.go: transaction persistence
  - store.go: aggregate persistence and audit
  - time.go: dates and the holiday calendar
*/
package generic

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity with unit
// =============================================================================

type Amount struct {
	Value decimal.Decimal `json:"value"`
	Unit  Unit            `json:"unit"`
}

type Unit string

const (
	UnitDays  Unit = "days"
	UnitHours Unit = "hours"
)

func NewAmount(value float64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Unit: unit}
}

func NewAmountFromInt(value int, unit Unit) Amount {
	return Amount{Value: decimal.NewFromInt(int64(value)), Unit: unit}
}

func Days(d decimal.Decimal) Amount { return Amount{Value: d, Unit: UnitDays} }

// ParseAmount reads a stored amount. A value that is not a decimal is an
// error, never a zero.
func ParseAmount(value string, unit Unit) (Amount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return Amount{Value: d, Unit: unit}, nil
}

func (a Amount) Zero() Amount                 { return Amount{Value: decimal.Zero, Unit: a.Unit} }
func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Unit: a.Unit} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value), Unit: a.Unit} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s), Unit: a.Unit} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg(), Unit: a.Unit} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }

// =============================================================================
// MONEY
// =============================================================================

// RoundMoney rounds half away from zero to cents. Monetary totals are rounded
// exactly once, at the final sum; intermediate products keep full precision.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// SumMoney adds the values and rounds the result once.
func SumMoney(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return RoundMoney(total)
}

// MoneyFromString parses an amount of money. More than two decimal places
// is a validation error rather than a silent rounding.
func MoneyFromString(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, NewValidationError(field, "invalid amount %q", s)
	}
	if d.Exponent() < -2 && !d.Equal(d.Round(2)) {
		return decimal.Zero, NewValidationError(field, "amount %s has more than two decimal places", s)
	}
	return d, nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntityID string
type AccountID string
type TransactionID string

// =============================================================================
// TRANSACTION - Atomic change to a tracked balance
// =============================================================================

type TransactionType string

const (
	TxGrant          TransactionType = "grant"          // accrual or opening balance
	TxConsumption    TransactionType = "consumption"    // approved request
	TxPending        TransactionType = "pending"        // reserved for a pending request
	TxReconciliation TransactionType = "reconciliation" // cycle rollover, expiry, closure
	TxAdjustment     TransactionType = "adjustment"     // manual correction
	TxReversal       TransactionType = "reversal"       // undo a previous transaction
)

// Transaction is a single signed delta against an (entity, account) balance.
// The sum of all deltas for a pair is its available balance.
type Transaction struct {
	ID             TransactionID   `json:"id"`
	EntityID       EntityID        `json:"entity_id"`
	AccountID      AccountID       `json:"account_id"`
	EffectiveAt    Date            `json:"effective_at"`
	Delta          Amount          `json:"delta"`
	Type           TransactionType `json:"type"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
