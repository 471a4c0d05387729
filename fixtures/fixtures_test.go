package fixtures_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payroll-engine/fixtures"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/generic/store"
	"github.com/warp/payroll-engine/leave"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/payrun"
	"github.com/warp/payroll-engine/termination"
)

var clock = time.Date(2025, time.March, 20, 8, 0, 0, 0, time.UTC)

func now() time.Time { return clock }

func services(t *testing.T, st generic.TxStore) fixtures.Services {
	t.Helper()
	calc, err := payroll.NewCalculator(payroll.StatutoryConfig{
		Tax:           payroll.TaxRule{Kind: payroll.TaxPercentage, Rate: decimal.RequireFromString("0.25")},
		UIFRate:       decimal.RequireFromString("0.01"),
		UIFMonthlyCap: decimal.RequireFromString("177.12"),
		SDLRate:       decimal.RequireFromString("0.01"),
	}, fixtures.Calendar())
	require.NoError(t, err)

	dir := payroll.NewDirectory(st)
	leaveSvc := leave.NewService(st, fixtures.Calendar(), nil)
	leaveSvc.Now = now
	runs := payrun.NewService(st, dir, calc, nil)
	runs.Now = now
	terms := termination.NewService(st, leaveSvc, calc, termination.DefaultPolicy(), nil)
	terms.Now = now
	return fixtures.Services{Employees: dir, Leave: leaveSvc, PayRuns: runs, Terminations: terms}
}

func TestParseLeaveType_Defaults(t *testing.T) {
	// GIVEN a minimal definition
	lt, err := fixtures.ParseLeaveType(`{"id": "study"}`)

	// THEN defaults fill in the rest
	require.NoError(t, err)
	assert.Equal(t, "study", lt.Name)
	assert.Equal(t, leave.AccrualNone, lt.AccrualMethod)
	assert.Equal(t, time.January, lt.CycleStartMonth)
	assert.True(t, lt.IsPaid)
	assert.Nil(t, lt.CarryOverLimit)
}

func TestParseLeaveType_Presets(t *testing.T) {
	lt, err := fixtures.ParseLeaveType(fixtures.AnnualLeaveJSON("annual", 1.25, 5))
	require.NoError(t, err)
	assert.Equal(t, leave.AccrualMonthly, lt.AccrualMethod)
	assert.Equal(t, "1.25", lt.AccrualRate.String())
	assert.Equal(t, time.March, lt.CycleStartMonth)
	require.NotNil(t, lt.CarryOverLimit)
	assert.Equal(t, "5", lt.CarryOverLimit.String())
	assert.Equal(t, 6, lt.CarryOverExpiryMonths)

	unpaid, err := fixtures.ParseLeaveType(fixtures.UnpaidLeaveJSON("unpaid"))
	require.NoError(t, err)
	assert.False(t, unpaid.IsPaid)
	assert.True(t, unpaid.AllowNegativeBalance)
}

func TestParseLeaveType_Invalid(t *testing.T) {
	_, err := fixtures.ParseLeaveType(`{"id": "x", "accrual": {"method": "weekly"}}`)
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = fixtures.ParseLeaveType(`{not json`)
	assert.Error(t, err)
}

func TestCalendar_SkipsPublicHolidays(t *testing.T) {
	cal := fixtures.Calendar()
	assert.True(t, cal.IsHoliday(generic.NewDate(2025, time.March, 21)))
	assert.False(t, generic.IsBusinessDay(generic.NewDate(2025, time.April, 18), cal))
	assert.True(t, generic.IsBusinessDay(generic.NewDate(2025, time.April, 22), cal))
}

func TestLoadDemo_SeedsEmployeesAndBalances(t *testing.T) {
	ctx := context.Background()
	st := store.NewTxMemory()

	// WHEN the demo data is loaded
	require.NoError(t, fixtures.LoadDemo(ctx, st, now))

	// THEN every employee exists with balances for the whole catalog
	svc := services(t, st)
	emps, err := svc.Employees.List(ctx)
	require.NoError(t, err)
	assert.Len(t, emps, 4)

	bals, err := svc.Leave.Balances(ctx, "emp-001")
	require.NoError(t, err)
	assert.Len(t, bals, 4)

	annual, err := svc.Leave.Balance(ctx, "emp-001", "annual")
	require.NoError(t, err)
	assert.True(t, annual.Available().GreaterThanOrEqual(decimal.NewFromInt(12)),
		"opening balance must be kept, got %s", annual.Available())
}

func TestLoad_MonthEndProducesReadyRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewTxMemory()
	svc := services(t, st)

	require.NoError(t, fixtures.Load(ctx, svc, "month-end", generic.DateOf(clock)))

	runs, err := svc.PayRuns.List(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, payrun.StatusReady, runs[0].Status)
	assert.Equal(t, 4, runs[0].Totals.EmployeeCount)
	assert.Empty(t, runs[0].Errors)

	slip, err := svc.PayRuns.Payslip(ctx, runs[0].ID, "emp-003")
	require.NoError(t, err)
	var codes []string
	for _, e := range slip.Earnings {
		codes = append(codes, e.Code)
	}
	assert.Contains(t, codes, "OVERTIME")
}

func TestLoad_ResignationAwaitsPayroll(t *testing.T) {
	ctx := context.Background()
	st := store.NewTxMemory()
	svc := services(t, st)

	require.NoError(t, fixtures.Load(ctx, svc, "resignation", generic.DateOf(clock)))

	terms, err := svc.Terminations.List(ctx)
	require.NoError(t, err)
	require.Len(t, terms, 1)
	assert.Equal(t, termination.StatusPendingPayroll, terms[0].Status)

	settlement, err := svc.Terminations.Settlement(ctx, terms[0].ID)
	require.NoError(t, err)
	assert.True(t, settlement.Summary.NetPay.IsPositive())
}

func TestLoad_UnknownScenario(t *testing.T) {
	err := fixtures.Load(context.Background(), services(t, store.NewTxMemory()), "nope", generic.DateOf(clock))
	assert.ErrorIs(t, err, generic.ErrValidation)
	assert.Len(t, fixtures.Scenarios(), 3)
}
