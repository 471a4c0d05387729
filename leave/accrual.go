/*
accrual.go - Periodic accrual, cycle rollover and carry-over expiry

PURPOSE:
  Adds entitlement to balances over time and reconciles them at cycle
  boundaries. All three operations are idempotent: running them twice for
  the same date changes nothing the second time, so the scheduler can run
  them on every tick.

    Accrue           monthly: AccrualRate once per calendar month
                     annual:  AccrualRate once per leave cycle
                     none:    no-op
    RollOver         at a new cycle, cap available days at CarryOverLimit
                     and forfeit the rest
    ExpireCarryOver  once CarryOverExpiresOn has passed, forfeit whatever
                     carried-over days were not used in the new cycle
*/
package leave

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/generic"
)

// Accrue grants the entitlement due for asOf. It returns the days granted,
// zero when the period was already accrued.
func (s *Service) Accrue(ctx context.Context, employeeID, leaveTypeID string, asOf generic.Date, actorID string) (decimal.Decimal, error) {
	unlock := s.locks.Lock(BalanceID(employeeID, leaveTypeID))
	defer unlock()

	now := s.Now().UTC()
	granted := decimal.Zero
	err := s.Store.WithTx(ctx, func(tx generic.Store) error {
		lt, err := leaveTypes(tx).Get(ctx, leaveTypeID)
		if err != nil {
			return err
		}
		var key string
		switch lt.AccrualMethod {
		case AccrualMonthly:
			key = fmt.Sprintf("accrual:%s:%s:%s", employeeID, lt.ID, asOf.MonthKey())
		case AccrualAnnual:
			key = fmt.Sprintf("accrual:%s:%s:cycle-%s", employeeID, lt.ID, lt.CycleStart(asOf))
		default:
			return nil
		}
		if lt.AccrualRate.IsZero() {
			return nil
		}
		done, err := tx.Exists(ctx, key)
		if err != nil || done {
			return err
		}

		bal, err := loadOrNewBalance(ctx, tx, employeeID, lt, asOf)
		if err != nil {
			return err
		}
		if bal.Locked {
			return &generic.InvalidStateError{Entity: "leave balance", ID: bal.AggregateID(), Current: "closed", Operation: "accrue"}
		}
		before := *bal
		bal.Accrued = bal.Accrued.Add(lt.AccrualRate)
		if err := balances(tx).Save(ctx, bal); err != nil {
			return err
		}
		line := ledgerLine(bal, generic.TxGrant, lt.AccrualRate, asOf, "", "", actorID, now)
		line.IdempotencyKey = key
		line.Reason = string(lt.AccrualMethod) + " accrual"
		if err := s.appendLedger(ctx, tx, line); err != nil {
			return err
		}
		granted = lt.AccrualRate
		return generic.Audit(ctx, tx, actorID, AuditBalanceAccrued, "leave_balance", bal.AggregateID(), before, bal, now)
	})
	return granted, err
}

// RollOver moves the balance into the cycle containing asOf. Available days
// above the carry-over limit are forfeited. Returns the forfeited days.
func (s *Service) RollOver(ctx context.Context, employeeID, leaveTypeID string, asOf generic.Date, actorID string) (decimal.Decimal, error) {
	unlock := s.locks.Lock(BalanceID(employeeID, leaveTypeID))
	defer unlock()

	now := s.Now().UTC()
	forfeited := decimal.Zero
	err := s.Store.WithTx(ctx, func(tx generic.Store) error {
		lt, err := leaveTypes(tx).Get(ctx, leaveTypeID)
		if err != nil {
			return err
		}
		bal, err := balances(tx).Get(ctx, BalanceID(employeeID, leaveTypeID))
		if err != nil {
			return err
		}
		cycle := lt.CycleStart(asOf)
		if bal.Locked || !bal.CycleStart.Before(cycle) {
			return nil
		}
		before := *bal

		available := bal.Available()
		carry := available
		if lt.CarryOverLimit != nil && carry.GreaterThan(*lt.CarryOverLimit) {
			carry = *lt.CarryOverLimit
		}
		forfeited = available.Sub(carry)

		bal.Accrued = bal.Accrued.Sub(forfeited)
		bal.CycleStart = cycle
		bal.TakenAtCycleStart = bal.Taken
		bal.CarriedOver = decimal.Max(carry, decimal.Zero)
		bal.CarryOverExpiresOn = generic.Date{}
		if lt.CarryOverExpiryMonths > 0 && bal.CarriedOver.IsPositive() {
			bal.CarryOverExpiresOn = cycle.AddMonths(lt.CarryOverExpiryMonths)
		}
		if err := balances(tx).Save(ctx, bal); err != nil {
			return err
		}
		if forfeited.IsPositive() {
			line := ledgerLine(bal, generic.TxReconciliation, forfeited.Neg(), cycle, "", "", actorID, now)
			line.IdempotencyKey = fmt.Sprintf("rollover:%s:%s", bal.AggregateID(), cycle)
			line.Reason = "carry-over limit"
			if err := s.appendLedger(ctx, tx, line); err != nil {
				return err
			}
		}
		return generic.Audit(ctx, tx, actorID, AuditBalanceRolled, "leave_balance", bal.AggregateID(), before, bal, now)
	})
	return forfeited, err
}

// ExpireCarryOver forfeits carried-over days not consumed by the expiry
// date. Days taken in the new cycle are drawn from the carried-over portion
// first.
func (s *Service) ExpireCarryOver(ctx context.Context, employeeID, leaveTypeID string, asOf generic.Date, actorID string) (decimal.Decimal, error) {
	unlock := s.locks.Lock(BalanceID(employeeID, leaveTypeID))
	defer unlock()

	now := s.Now().UTC()
	expired := decimal.Zero
	err := s.Store.WithTx(ctx, func(tx generic.Store) error {
		bal, err := balances(tx).Get(ctx, BalanceID(employeeID, leaveTypeID))
		if err != nil {
			return err
		}
		if bal.Locked || !bal.CarriedOver.IsPositive() || bal.CarryOverExpiresOn.IsZero() || asOf.Before(bal.CarryOverExpiresOn) {
			return nil
		}
		before := *bal

		usedThisCycle := bal.Taken.Sub(bal.TakenAtCycleStart)
		unused := decimal.Max(bal.CarriedOver.Sub(usedThisCycle), decimal.Zero)
		expired = decimal.Min(unused, decimal.Max(bal.Available(), decimal.Zero))

		bal.Accrued = bal.Accrued.Sub(expired)
		bal.CarriedOver = decimal.Zero
		expiresOn := bal.CarryOverExpiresOn
		bal.CarryOverExpiresOn = generic.Date{}
		if err := balances(tx).Save(ctx, bal); err != nil {
			return err
		}
		if expired.IsPositive() {
			line := ledgerLine(bal, generic.TxReconciliation, expired.Neg(), expiresOn, "", "", actorID, now)
			line.IdempotencyKey = fmt.Sprintf("expire:%s:%s", bal.AggregateID(), expiresOn)
			line.Reason = "carry-over expired"
			if err := s.appendLedger(ctx, tx, line); err != nil {
				return err
			}
		}
		return generic.Audit(ctx, tx, actorID, AuditCarryOverExpired, "leave_balance", bal.AggregateID(), before, bal, now)
	})
	return expired, err
}

// CycleReport summarizes one RunCycle pass.
type CycleReport struct {
	Balances  int
	Accrued   decimal.Decimal
	Forfeited decimal.Decimal
	Failures  int
}

// RunCycle rolls over, expires and accrues every open balance as of asOf.
// Failures on one balance are logged and do not stop the others.
func (s *Service) RunCycle(ctx context.Context, asOf generic.Date) (CycleReport, error) {
	const actor = "system:accrual"
	report := CycleReport{Accrued: decimal.Zero, Forfeited: decimal.Zero}

	all, err := balances(s.Store).List(ctx, "")
	if err != nil {
		return report, err
	}
	for _, b := range all {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if b.Locked {
			continue
		}
		report.Balances++
		start := time.Now()
		rolled, err := s.RollOver(ctx, b.EmployeeID, b.LeaveTypeID, asOf, actor)
		if err == nil {
			report.Forfeited = report.Forfeited.Add(rolled)
			var expired decimal.Decimal
			expired, err = s.ExpireCarryOver(ctx, b.EmployeeID, b.LeaveTypeID, asOf, actor)
			report.Forfeited = report.Forfeited.Add(expired)
		}
		if err == nil {
			var granted decimal.Decimal
			granted, err = s.Accrue(ctx, b.EmployeeID, b.LeaveTypeID, asOf, actor)
			report.Accrued = report.Accrued.Add(granted)
		}
		if err != nil {
			report.Failures++
			s.Logger.Warn("leave cycle failed for balance",
				slog.String("balance_id", b.AggregateID()),
				slog.String("error", err.Error()),
				slog.Duration("elapsed", time.Since(start)))
		}
	}
	return report, nil
}
