package termination_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/generic/store"
	"github.com/warp/payroll-engine/leave"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/termination"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var clock = time.Date(2025, time.March, 20, 8, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertMoney(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	assert.Equal(t, want, got.StringFixed(2), msg)
}

func newCalculator(t *testing.T) *payroll.Calculator {
	t.Helper()
	calc, err := payroll.NewCalculator(payroll.StatutoryConfig{
		Tax:           payroll.TaxRule{Kind: payroll.TaxPercentage, Rate: dec("0.25")},
		UIFRate:       dec("0.01"),
		UIFMonthlyCap: dec("177.12"),
		SDLRate:       dec("0.01"),
	}, nil)
	require.NoError(t, err)
	return calc
}

func employee(id, salary string) *payroll.Employee {
	return &payroll.Employee{
		ID:           id,
		Name:         "Employee " + id,
		HireDate:     generic.NewDate(2020, time.March, 2),
		Frequency:    generic.FrequencyMonthly,
		SalaryType:   payroll.SalaryFixed,
		SalaryAmount: dec(salary),
		UIFIncluded:  true,
		SDLIncluded:  true,
	}
}

type fixture struct {
	store *store.TxMemory
	dir   *payroll.Directory
	leave *leave.Service
	svc   *termination.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewTxMemory()
	dir := payroll.NewDirectory(st)
	leaveSvc := leave.NewService(st, nil, nil)
	leaveSvc.Now = func() time.Time { return clock }
	require.NoError(t, leaveSvc.SaveLeaveType(ctx, &leave.LeaveType{
		ID: "annual", Name: "Annual", AccrualMethod: leave.AccrualMonthly, AccrualRate: dec("1.25"),
		CycleStartMonth: time.January, IsPaid: true,
	}))

	svc := termination.NewService(st, leaveSvc, newCalculator(t), termination.DefaultPolicy(), nil)
	svc.Now = func() time.Time { return clock }

	require.NoError(t, dir.Save(ctx, employee("emp-1", "20000")))
	_, err := leaveSvc.Adjust(ctx, "emp-1", "annual", dec("10"), "opening balance", "hr-1")
	require.NoError(t, err)
	return &fixture{store: st, dir: dir, leave: leaveSvc, svc: svc}
}

func (f *fixture) pending(t *testing.T) *termination.Termination {
	t.Helper()
	ctx := context.Background()
	term, err := f.svc.Create(ctx, termination.CreateInput{
		EmployeeID:      "emp-1",
		TerminationDate: generic.NewDate(2025, time.March, 31),
		LastWorkingDay:  generic.NewDate(2025, time.March, 31),
		Reason:          termination.ReasonResignation,
		ActorID:         "hr-1",
	})
	require.NoError(t, err)
	term, err = f.svc.Submit(ctx, term.ID, "hr-1")
	require.NoError(t, err)
	require.Equal(t, termination.StatusPendingPayroll, term.Status)
	return term
}

// =============================================================================
// SETTLEMENT MATH
// =============================================================================

func TestSettle_LeavePayoutFromDailyRate(t *testing.T) {
	// GIVEN: final salary 20000, 10 leave days at a daily rate of 920
	earnings := termination.Earnings{
		FinalSalary:     dec("20000"),
		LeavePayoutDays: dec("10"),
		DailyRate:       dec("920"),
	}

	// WHEN
	out, err := termination.Settle(employee("emp-1", "20000"), earnings, nil, nil, newCalculator(t))
	require.NoError(t, err)

	// THEN: payout 9200, gross 29200, tax 25%, UIF capped, SDL 1%
	assertMoney(t, "9200.00", out.Earnings.LeavePayoutAmount, "leave payout")
	assertMoney(t, "29200.00", out.Summary.GrossPay, "gross")
	assertMoney(t, "7300.00", out.Summary.PrimaryTax, "tax")
	assertMoney(t, "177.12", out.Summary.UnemploymentContribution, "uif")
	assertMoney(t, "7769.12", out.Summary.TotalDeductions, "deductions")
	assertMoney(t, "21430.88", out.Summary.NetPay, "net")
	assert.False(t, out.Summary.NetPay.IsNegative())
}

func TestSettle_TaxAndUIFNeverSkippable(t *testing.T) {
	calc := newCalculator(t)
	earnings := termination.Earnings{FinalSalary: dec("20000")}

	for _, code := range []string{payroll.CodePAYE, payroll.CodeUIF} {
		_, err := termination.Settle(employee("emp-1", "20000"), earnings, nil, map[string]bool{code: true}, calc)
		var vErr *generic.ValidationError
		require.ErrorAs(t, err, &vErr, code)
		assert.Equal(t, "deductions."+code, vErr.Field)
	}

	out, err := termination.Settle(employee("emp-1", "20000"), earnings, nil, map[string]bool{payroll.CodeSDL: true}, calc)
	require.NoError(t, err)
	assertMoney(t, "5177.12", out.Summary.TotalDeductions, "SDL skipped")
}

func TestSettle_NegativeLeaveRecovered(t *testing.T) {
	earnings := termination.Earnings{
		FinalSalary:     dec("20000"),
		LeavePayoutDays: dec("-2"),
		DailyRate:       dec("1000"),
	}
	out, err := termination.Settle(employee("emp-1", "20000"), earnings, nil, nil, newCalculator(t))
	require.NoError(t, err)

	assert.True(t, out.Earnings.LeavePayoutAmount.IsZero())
	var recovery decimal.Decimal
	for _, d := range out.Deductions {
		if d.Code == termination.CodeLeaveRecovery {
			recovery = d.Amount
		}
	}
	assertMoney(t, "2000.00", recovery, "recovery")
}

func TestDeriveEarnings_RetrenchmentWithNoticeInLieu(t *testing.T) {
	// GIVEN: 26000/month, 20 working days a month, hired 2 March 2020,
	// retrenched with last day 14 March 2025 and 30 days notice paid in lieu
	policy := termination.DefaultPolicy()
	policy.AverageMonthlyWorkingDays = dec("20")
	emp := employee("emp-1", "26000")
	term := &termination.Termination{
		EmployeeID:       "emp-1",
		TerminationDate:  generic.NewDate(2025, time.March, 14),
		LastWorkingDay:   generic.NewDate(2025, time.March, 14),
		Reason:           termination.ReasonRetrenchment,
		NoticePeriodDays: 30,
		PaidInLieu:       true,
	}
	balances := []*leave.Balance{{EmployeeID: "emp-1", LeaveTypeID: "annual", Accrued: dec("10"), Taken: dec("2")}}

	// WHEN
	e := termination.DeriveEarnings(emp, term, balances, nil, policy)

	// THEN
	assertMoney(t, "1300.00", e.DailyRate, "daily rate")
	assertMoney(t, "12380.95", e.FinalSalary, "10 of 21 March business days")
	assertMoney(t, "26000.00", e.NoticePay, "20 unworked notice days")
	assertMoney(t, "30000.00", e.SeverancePay, "5 years x weekly 6000")
	assert.True(t, e.ProRataEarnings.IsZero())
	assert.Equal(t, "8", e.LeavePayoutDays.String())
}

func TestDeriveEarnings_NoNoticePayWhenWorkedOrNotInLieu(t *testing.T) {
	emp := employee("emp-1", "26000")
	worked := &termination.Termination{
		TerminationDate:  generic.NewDate(2025, time.March, 1),
		LastWorkingDay:   generic.NewDate(2025, time.March, 31),
		Reason:           termination.ReasonResignation,
		NoticePeriodDays: 30,
		PaidInLieu:       true,
	}
	assert.True(t, termination.DeriveEarnings(emp, worked, nil, nil, termination.DefaultPolicy()).NoticePay.IsZero())

	notInLieu := *worked
	notInLieu.LastWorkingDay = generic.NewDate(2025, time.March, 14)
	notInLieu.PaidInLieu = false
	e := termination.DeriveEarnings(emp, &notInLieu, nil, nil, termination.DefaultPolicy())
	assert.True(t, e.NoticePay.IsZero())
	assert.True(t, e.SeverancePay.IsZero(), "severance is for retrenchment only")
}

func TestDeriveEarnings_ProRataBonus(t *testing.T) {
	emp := employee("emp-1", "20000")
	emp.AnnualBonus = dec("12000")
	term := &termination.Termination{
		TerminationDate: generic.NewDate(2025, time.June, 30),
		LastWorkingDay:  generic.NewDate(2025, time.June, 30),
		Reason:          termination.ReasonResignation,
	}

	e := termination.DeriveEarnings(emp, term, nil, nil, termination.DefaultPolicy())

	assertMoney(t, "4000.00", e.ProRataEarnings, "March..June of a March tax year")
	assertMoney(t, "20000.00", e.FinalSalary, "full month")
}

func TestTransition_ForwardOnly(t *testing.T) {
	assert.True(t, termination.Transition(termination.StatusDraft, termination.StatusPendingPayroll))
	assert.True(t, termination.Transition(termination.StatusPendingPayroll, termination.StatusCompleted))
	assert.False(t, termination.Transition(termination.StatusDraft, termination.StatusCompleted))
	assert.False(t, termination.Transition(termination.StatusCompleted, termination.StatusDraft))
	assert.False(t, termination.Transition(termination.StatusPendingPayroll, termination.StatusDraft))
}

// =============================================================================
// SERVICE
// =============================================================================

func TestFinalize_TerminatesEmployeeAndClosesLeave(t *testing.T) {
	// GIVEN: a termination pending payroll, 10 days of annual leave
	f := newFixture(t)
	ctx := context.Background()
	term := f.pending(t)

	preview, err := f.svc.Settlement(ctx, term.ID)
	require.NoError(t, err)
	assert.Equal(t, "10", preview.Earnings.LeavePayoutDays.String())

	// WHEN
	done, err := f.svc.Finalize(ctx, term.ID, "hr-1")
	require.NoError(t, err)

	// THEN: completed with frozen settlement
	assert.Equal(t, termination.StatusCompleted, done.Status)
	require.NotNil(t, done.FinalizedAt)
	assert.Equal(t, "hr-1", done.FinalizedBy)
	require.NotNil(t, done.Settlement)
	assert.True(t, done.Settlement.Summary.NetPay.Equal(preview.Summary.NetPay))
	assertMoney(t, "20000.00", done.Settlement.Earnings.FinalSalary, "final salary")

	// AND: employee terminated, leave closed
	emp, err := f.dir.Employee(ctx, "emp-1")
	require.NoError(t, err)
	assert.Equal(t, payroll.EmployeeTerminated, emp.Status)
	assert.Equal(t, "2025-03-31", emp.TerminationDate.String())

	bal, err := f.leave.Balance(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.True(t, bal.Locked)
	assert.True(t, bal.Available().IsZero())

	// AND: the frozen settlement is served afterwards
	again, err := f.svc.Settlement(ctx, term.ID)
	require.NoError(t, err)
	assert.Equal(t, "10", again.Earnings.LeavePayoutDays.String())

	// AND: completed is terminal
	_, err = f.svc.Finalize(ctx, term.ID, "hr-1")
	assert.ErrorIs(t, err, generic.ErrInvalidState)
	_, err = f.svc.SetDeductionSkip(ctx, term.ID, payroll.CodeSDL, true, "hr-1")
	assert.ErrorIs(t, err, generic.ErrInvalidState)
}

func TestFinalize_RequiresPendingPayroll(t *testing.T) {
	f := newFixture(t)
	term, err := f.svc.Create(context.Background(), termination.CreateInput{
		EmployeeID:      "emp-1",
		TerminationDate: generic.NewDate(2025, time.March, 31),
		LastWorkingDay:  generic.NewDate(2025, time.March, 31),
		Reason:          termination.ReasonDismissal,
	})
	require.NoError(t, err)

	_, err = f.svc.Finalize(context.Background(), term.ID, "hr-1")
	var stateErr *generic.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "draft", stateErr.Current)
}

func TestFinalize_NegativeNetLeavesEverythingUnchanged(t *testing.T) {
	// GIVEN: an outstanding loan larger than the settlement
	f := newFixture(t)
	ctx := context.Background()
	term := f.pending(t)
	_, err := f.svc.SetExtraDeductions(ctx, term.ID, []payroll.DeductionLine{
		{Code: "LOAN", Name: "Outstanding loan", Amount: dec("90000")},
	}, "hr-1")
	require.NoError(t, err)

	// WHEN
	_, err = f.svc.Finalize(ctx, term.ID, "hr-1")

	// THEN
	assert.ErrorIs(t, err, generic.ErrNegativeNetPay)
	reloaded, err := f.svc.Get(ctx, term.ID)
	require.NoError(t, err)
	assert.Equal(t, termination.StatusPendingPayroll, reloaded.Status)
	emp, err := f.dir.Employee(ctx, "emp-1")
	require.NoError(t, err)
	assert.Equal(t, payroll.EmployeeActive, emp.Status)
	bal, err := f.leave.Balance(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.False(t, bal.Locked)
	assert.Equal(t, "10", bal.Available().String())
}

func TestSetDeductionSkip_RejectsStatutoryLines(t *testing.T) {
	f := newFixture(t)
	term := f.pending(t)

	_, err := f.svc.SetDeductionSkip(context.Background(), term.ID, payroll.CodePAYE, true, "hr-1")
	assert.ErrorIs(t, err, generic.ErrValidation)
	_, err = f.svc.SetDeductionSkip(context.Background(), term.ID, payroll.CodeUIF, true, "hr-1")
	assert.ErrorIs(t, err, generic.ErrValidation)

	updated, err := f.svc.SetDeductionSkip(context.Background(), term.ID, payroll.CodeSDL, true, "hr-1")
	require.NoError(t, err)
	assert.True(t, updated.Skips[payroll.CodeSDL])
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, termination.CreateInput{
		EmployeeID:      "emp-1",
		TerminationDate: generic.NewDate(2025, time.March, 1),
		LastWorkingDay:  generic.NewDate(2025, time.April, 30),
		Reason:          termination.ReasonResignation,
	})
	var vErr *generic.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "last_working_day", vErr.Field)

	_, err = f.svc.Create(ctx, termination.CreateInput{
		EmployeeID:      "emp-1",
		TerminationDate: generic.NewDate(2025, time.March, 31),
		LastWorkingDay:  generic.NewDate(2025, time.March, 31),
		Reason:          "fired",
	})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "reason", vErr.Field)

	f.pending(t)
	_, err = f.svc.Create(ctx, termination.CreateInput{
		EmployeeID:      "emp-1",
		TerminationDate: generic.NewDate(2025, time.March, 31),
		LastWorkingDay:  generic.NewDate(2025, time.March, 31),
		Reason:          termination.ReasonResignation,
	})
	assert.ErrorIs(t, err, generic.ErrAlreadyExists)
}
