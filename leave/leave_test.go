package leave_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/generic/store"
	"github.com/warp/payroll-engine/leave"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var clock = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

func day(d int) generic.Date { return generic.NewDate(2025, time.March, d) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestService(t *testing.T, s generic.TxStore, cal generic.HolidayCalendar) *leave.Service {
	t.Helper()
	svc := leave.NewService(s, cal, nil)
	svc.Now = func() time.Time { return clock }

	ctx := context.Background()
	limit := dec("5")
	require.NoError(t, svc.SaveLeaveType(ctx, &leave.LeaveType{
		ID: "annual", Name: "Annual", AccrualMethod: leave.AccrualMonthly, AccrualRate: dec("1.25"),
		CycleStartMonth: time.January, CarryOverLimit: &limit, CarryOverExpiryMonths: 3, IsPaid: true,
	}))
	require.NoError(t, svc.SaveLeaveType(ctx, &leave.LeaveType{
		ID: "sick", Name: "Sick", AccrualMethod: leave.AccrualAnnual, AccrualRate: dec("10"),
		CycleStartMonth: time.March, RequiresAttachment: true, IsPaid: true,
	}))
	require.NoError(t, svc.SaveLeaveType(ctx, &leave.LeaveType{
		ID: "unpaid", Name: "Unpaid", AccrualMethod: leave.AccrualNone,
		CycleStartMonth: time.January, AllowNegativeBalance: true,
	}))
	return svc
}

func withBalance(t *testing.T, svc *leave.Service, emp, lt string, days string) {
	t.Helper()
	_, err := svc.Adjust(context.Background(), emp, lt, dec(days), "opening balance", "hr-1")
	require.NoError(t, err)
}

func submit(svc *leave.Service, emp, lt string, start, end generic.Date) (*leave.Request, error) {
	return svc.SubmitRequest(context.Background(), leave.SubmitInput{
		EmployeeID: emp, LeaveTypeID: lt, StartDate: start, EndDate: end, Reason: "holiday",
	})
}

func assertBalance(t *testing.T, svc *leave.Service, emp, lt, accrued, taken, pending, available string) {
	t.Helper()
	b, err := svc.Balance(context.Background(), emp, lt)
	require.NoError(t, err)
	assert.True(t, b.Accrued.Equal(dec(accrued)), "accrued: got %s", b.Accrued)
	assert.True(t, b.Taken.Equal(dec(taken)), "taken: got %s", b.Taken)
	assert.True(t, b.Pending.Equal(dec(pending)), "pending: got %s", b.Pending)
	assert.True(t, b.Available().Equal(dec(available)), "available: got %s", b.Available())
}

// assertLedgerMatches checks that replaying the ledger gives the row's
// available figure.
func assertLedgerMatches(t *testing.T, svc *leave.Service, emp, lt string) {
	t.Helper()
	ctx := context.Background()
	b, err := svc.Balance(ctx, emp, lt)
	require.NoError(t, err)
	txs, err := svc.History(ctx, emp, lt)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, tx := range txs {
		sum = sum.Add(tx.Delta.Value)
	}
	assert.True(t, sum.Equal(b.Available()), "ledger sum %s != available %s", sum, b.Available())
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestLeave_SubmitThenApprove_MovesPendingToTaken(t *testing.T) {
	// GIVEN: 10 accrued days, nothing taken or pending
	// WHEN: a 3-business-day request is submitted, then approved
	// THEN: pending holds 3 days, then taken holds 3; available stays 7

	svc := newTestService(t, store.NewTxMemory(), nil)
	withBalance(t, svc, "emp-1", "annual", "10")

	req, err := submit(svc, "emp-1", "annual", day(10), day(12))
	require.NoError(t, err)
	assert.Equal(t, leave.StatusPending, req.Status)
	assert.True(t, req.Days.Equal(dec("3")))
	assertBalance(t, svc, "emp-1", "annual", "10", "0", "3", "7")

	approved, err := svc.Approve(context.Background(), req.ID, "mgr-1")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, approved.Status)
	assert.Equal(t, "mgr-1", approved.DecidedBy)
	assertBalance(t, svc, "emp-1", "annual", "10", "3", "0", "7")
	assertLedgerMatches(t, svc, "emp-1", "annual")
}

func TestLeave_RejectReleasesPendingDays(t *testing.T) {
	svc := newTestService(t, store.NewTxMemory(), nil)
	withBalance(t, svc, "emp-1", "annual", "10")

	req, err := submit(svc, "emp-1", "annual", day(10), day(14))
	require.NoError(t, err)

	rejected, err := svc.Reject(context.Background(), req.ID, "mgr-1", "busy season")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusRejected, rejected.Status)
	assert.Equal(t, "busy season", rejected.RejectionReason)
	assertBalance(t, svc, "emp-1", "annual", "10", "0", "0", "10")
	assertLedgerMatches(t, svc, "emp-1", "annual")
}

func TestLeave_CancelApprovedFutureRequestRestoresTaken(t *testing.T) {
	svc := newTestService(t, store.NewTxMemory(), nil)
	withBalance(t, svc, "emp-1", "annual", "10")
	ctx := context.Background()

	req, err := submit(svc, "emp-1", "annual", day(10), day(11))
	require.NoError(t, err)
	_, err = svc.Approve(ctx, req.ID, "mgr-1")
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, req.ID, "emp-1")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusCancelled, cancelled.Status)
	assertBalance(t, svc, "emp-1", "annual", "10", "0", "0", "10")
	assertLedgerMatches(t, svc, "emp-1", "annual")
}

func TestLeave_CancelApprovedStartedRequestIsInvalid(t *testing.T) {
	svc := newTestService(t, store.NewTxMemory(), nil)
	withBalance(t, svc, "emp-1", "annual", "10")
	ctx := context.Background()

	req, err := submit(svc, "emp-1", "annual", day(3), day(4))
	require.NoError(t, err)
	_, err = svc.Approve(ctx, req.ID, "mgr-1")
	require.NoError(t, err)

	// WHEN: the leave has started by the time cancel is attempted
	svc.Now = func() time.Time { return time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC) }
	_, err = svc.Cancel(ctx, req.ID, "emp-1")

	assert.ErrorIs(t, err, generic.ErrInvalidState)
	assertBalance(t, svc, "emp-1", "annual", "10", "2", "0", "8")
}

func TestLeave_DecisionsOnlyFromLegalStates(t *testing.T) {
	svc := newTestService(t, store.NewTxMemory(), nil)
	withBalance(t, svc, "emp-1", "annual", "10")
	ctx := context.Background()

	req, err := submit(svc, "emp-1", "annual", day(10), day(10))
	require.NoError(t, err)
	_, err = svc.Reject(ctx, req.ID, "mgr-1", "no")
	require.NoError(t, err)

	_, err = svc.Approve(ctx, req.ID, "mgr-1")
	assert.ErrorIs(t, err, generic.ErrInvalidState)
	_, err = svc.Cancel(ctx, req.ID, "emp-1")
	assert.ErrorIs(t, err, generic.ErrInvalidState)
	_, err = svc.Reject(ctx, req.ID, "mgr-1", "again")
	assert.ErrorIs(t, err, generic.ErrInvalidState)

	assertBalance(t, svc, "emp-1", "annual", "10", "0", "0", "10")
}

func TestCanTransition(t *testing.T) {
	assert.True(t, leave.CanTransition(leave.StatusPending, leave.StatusApproved))
	assert.True(t, leave.CanTransition(leave.StatusApproved, leave.StatusCancelled))
	assert.False(t, leave.CanTransition(leave.StatusApproved, leave.StatusRejected))
	assert.False(t, leave.CanTransition(leave.StatusRejected, leave.StatusPending))
	assert.False(t, leave.CanTransition(leave.StatusCancelled, leave.StatusApproved))
}

// =============================================================================
// BALANCE BOUNDARIES
// =============================================================================

func TestLeave_InsufficientBalanceRejectedWithoutSideEffects(t *testing.T) {
	// GIVEN: 2 days available on a type that forbids negative balances
	// WHEN: requesting 3 days
	// THEN: InsufficientBalance, and nothing about the balance changed

	s := store.NewTxMemory()
	svc := newTestService(t, s, nil)
	withBalance(t, svc, "emp-1", "annual", "2")
	ctx := context.Background()
	auditBefore, err := s.QueryAudit(ctx, generic.AuditFilter{})
	require.NoError(t, err)

	_, err = submit(svc, "emp-1", "annual", day(10), day(12))

	var balErr *generic.InsufficientBalanceError
	require.ErrorAs(t, err, &balErr)
	assert.True(t, balErr.Shortfall().Value.Equal(dec("1")))
	assertBalance(t, svc, "emp-1", "annual", "2", "0", "0", "2")

	reqs, err := svc.Requests(ctx, "emp-1")
	require.NoError(t, err)
	assert.Empty(t, reqs)
	auditAfter, err := s.QueryAudit(ctx, generic.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, auditAfter, len(auditBefore))
	assertLedgerMatches(t, svc, "emp-1", "annual")
}

func TestAdjust_NegativeBelowZeroRejected(t *testing.T) {
	// GIVEN: 2 days available, 1 pending, on a type that forbids negative balances
	svc := newTestService(t, store.NewTxMemory(), nil)
	withBalance(t, svc, "emp-1", "annual", "3")
	_, err := submit(svc, "emp-1", "annual", day(10), day(10))
	require.NoError(t, err)
	ctx := context.Background()

	// WHEN: an adjustment would take available below zero
	_, err = svc.Adjust(ctx, "emp-1", "annual", dec("-3"), "correction", "hr-1")

	// THEN: refused, balance untouched
	var balErr *generic.InsufficientBalanceError
	require.ErrorAs(t, err, &balErr)
	assert.True(t, balErr.Shortfall().Value.Equal(dec("1")))
	assertBalance(t, svc, "emp-1", "annual", "3", "0", "1", "2")

	// WHEN: the adjustment lands exactly on zero
	_, err = svc.Adjust(ctx, "emp-1", "annual", dec("-2"), "correction", "hr-1")

	// THEN
	require.NoError(t, err)
	assertBalance(t, svc, "emp-1", "annual", "1", "0", "1", "0")
	assertLedgerMatches(t, svc, "emp-1", "annual")
}

func TestAdjust_NegativeAllowedWhereTypePermits(t *testing.T) {
	svc := newTestService(t, store.NewTxMemory(), nil)

	_, err := svc.Adjust(context.Background(), "emp-1", "unpaid", dec("-2"), "advance", "hr-1")

	require.NoError(t, err)
	assertBalance(t, svc, "emp-1", "unpaid", "-2", "0", "0", "-2")
}

func TestLeave_ExactBalanceAllowed(t *testing.T) {
	svc := newTestService(t, store.NewTxMemory(), nil)
	withBalance(t, svc, "emp-1", "annual", "3")

	_, err := submit(svc, "emp-1", "annual", day(10), day(12))
	require.NoError(t, err)
	assertBalance(t, svc, "emp-1", "annual", "3", "0", "3", "0")
}

func TestLeave_NegativeAllowedWhenTypePermits(t *testing.T) {
	svc := newTestService(t, store.NewTxMemory(), nil)

	req, err := submit(svc, "emp-1", "unpaid", day(10), day(12))
	require.NoError(t, err)
	assert.False(t, req.IsPaid)

	b, err := svc.Balance(context.Background(), "emp-1", "unpaid")
	require.NoError(t, err)
	assert.True(t, b.IsNegative())
	assert.True(t, b.Available().Equal(dec("-3")))
}

func TestLeave_BusinessDaysSkipWeekendsAndHolidays(t *testing.T) {
	// GIVEN: Friday 14 March to Tuesday 18 March, with Monday a holiday
	cal := generic.NewStaticCalendar(generic.Holiday{Date: day(17), Name: "Holiday"})
	svc := newTestService(t, store.NewTxMemory(), cal)
	withBalance(t, svc, "emp-1", "annual", "10")

	req, err := submit(svc, "emp-1", "annual", day(14), day(18))
	require.NoError(t, err)
	assert.True(t, req.Days.Equal(dec("2")), "Fri + Tue only, got %s", req.Days)
}

func TestLeave_SubmitValidation(t *testing.T) {
	svc := newTestService(t, store.NewTxMemory(), nil)
	withBalance(t, svc, "emp-1", "annual", "10")
	ctx := context.Background()

	var vErr *generic.ValidationError

	_, err := submit(svc, "emp-1", "annual", day(12), day(10))
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "end", vErr.Field)

	_, err = submit(svc, "emp-1", "annual", day(8), day(9))
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "end_date", vErr.Field, "weekend-only range")

	_, err = submit(svc, "emp-1", "nope", day(10), day(10))
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "leave_type_id", vErr.Field)

	_, err = svc.SubmitRequest(ctx, leave.SubmitInput{EmployeeID: "emp-1", LeaveTypeID: "sick", StartDate: day(10), EndDate: day(10)})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "attachment_ref", vErr.Field)
}

func TestLeave_ConcurrentSubmitsNeverOverdraw(t *testing.T) {
	// GIVEN: 5 days available
	// WHEN: 12 single-day requests race
	// THEN: exactly 5 succeed and available ends at zero

	svc := newTestService(t, store.NewTxMemory(), nil)
	withBalance(t, svc, "emp-1", "annual", "5")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := day(10 + i%5)
			if _, err := submit(svc, "emp-1", "annual", d, d); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	assertBalance(t, svc, "emp-1", "annual", "5", "0", "5", "0")
	assertLedgerMatches(t, svc, "emp-1", "annual")
}

func TestLeave_LedgerMatchesBalanceAfterMixedSequence(t *testing.T) {
	svc := newTestService(t, store.NewTxMemory(), nil)
	withBalance(t, svc, "emp-1", "annual", "15")
	ctx := context.Background()

	r1, err := submit(svc, "emp-1", "annual", day(10), day(12))
	require.NoError(t, err)
	r2, err := submit(svc, "emp-1", "annual", day(13), day(14))
	require.NoError(t, err)
	r3, err := submit(svc, "emp-1", "annual", day(17), day(17))
	require.NoError(t, err)
	r4, err := submit(svc, "emp-1", "annual", day(18), day(19))
	require.NoError(t, err)

	_, err = svc.Approve(ctx, r1.ID, "mgr-1")
	require.NoError(t, err)
	_, err = svc.Reject(ctx, r2.ID, "mgr-1", "")
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, r3.ID, "emp-1")
	require.NoError(t, err)
	_, err = svc.Approve(ctx, r4.ID, "mgr-1")
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, r4.ID, "emp-1")
	require.NoError(t, err)

	assertBalance(t, svc, "emp-1", "annual", "15", "3", "0", "12")
	assertLedgerMatches(t, svc, "emp-1", "annual")
}

// =============================================================================
// CLOSURE
// =============================================================================

func TestLeave_CloseBalancesZeroesLocksAndCancelsPending(t *testing.T) {
	s := store.NewTxMemory()
	svc := newTestService(t, s, nil)
	withBalance(t, svc, "emp-1", "annual", "10")
	ctx := context.Background()

	pending, err := submit(svc, "emp-1", "annual", day(10), day(11))
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx generic.Store) error {
		_, err := svc.CloseBalances(ctx, tx, "emp-1", "hr-1", day(31))
		return err
	})
	require.NoError(t, err)

	b, err := svc.Balance(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.True(t, b.Locked)
	assert.True(t, b.Available().IsZero())
	assert.Equal(t, day(31), b.ClosedOn)
	assertLedgerMatches(t, svc, "emp-1", "annual")

	req, err := svc.Request(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusCancelled, req.Status)

	_, err = submit(svc, "emp-1", "annual", day(20), day(20))
	assert.ErrorIs(t, err, generic.ErrInvalidState)
	_, err = svc.Adjust(ctx, "emp-1", "annual", dec("1"), "", "hr-1")
	assert.ErrorIs(t, err, generic.ErrInvalidState)
}
