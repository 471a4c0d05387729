package generic_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/generic/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type widget struct {
	generic.Versioned
	ID    string `json:"id"`
	Count int    `json:"count"`
}

func (w *widget) AggregateID() string { return w.ID }

const kindWidget generic.Kind = "widget"

func widgets(s generic.Store) generic.Repository[widget, *widget] {
	return generic.NewRepository[widget](s, kindWidget)
}

// =============================================================================
// MONEY & DATES
// =============================================================================

func TestRoundMoney_HalfUp(t *testing.T) {
	assert.Equal(t, "10.01", generic.RoundMoney(decimal.RequireFromString("10.005")).StringFixed(2))
	assert.Equal(t, "10.00", generic.RoundMoney(decimal.RequireFromString("10.0049")).StringFixed(2))
	assert.Equal(t, "0.30", generic.SumMoney(
		decimal.RequireFromString("0.1"),
		decimal.RequireFromString("0.1"),
		decimal.RequireFromString("0.1"),
	).StringFixed(2))
}

func TestBusinessDays_WeekendsAndHolidays(t *testing.T) {
	// GIVEN: Mon 3 March 2025 to Fri 7 March 2025
	start := generic.NewDate(2025, time.March, 3)
	end := generic.NewDate(2025, time.March, 7)

	// THEN: five business days with no calendar
	assert.Equal(t, 5, generic.BusinessDays(start, end, nil))

	// AND: four when Wednesday is a holiday
	cal := generic.NewStaticCalendar(generic.Holiday{Date: generic.NewDate(2025, time.March, 5), Name: "Holiday"})
	assert.Equal(t, 4, generic.BusinessDays(start, end, cal))

	// AND: a weekend-only range has none
	assert.Equal(t, 0, generic.BusinessDays(generic.NewDate(2025, time.March, 8), generic.NewDate(2025, time.March, 9), cal))
}

func TestDate_JSONRoundTrip(t *testing.T) {
	d := generic.NewDate(2025, time.February, 28)
	b, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"2025-02-28"`, string(b))

	var parsed generic.Date
	require.NoError(t, parsed.UnmarshalJSON(b))
	assert.True(t, parsed.Equal(d))
	assert.Equal(t, d, parsed, "dates must be usable as map keys after decoding")

	assert.Equal(t, generic.NewDate(2025, time.February, 28), generic.NewDate(2025, time.February, 3).EndOfMonth())
}

func TestPeriod_Validate(t *testing.T) {
	p := generic.Period{Start: generic.NewDate(2025, time.March, 10), End: generic.NewDate(2025, time.March, 9)}
	err := p.Validate()

	var vErr *generic.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "end", vErr.Field)
	assert.True(t, generic.IsClientError(err))
}

// =============================================================================
// REPOSITORY & VERSIONING
// =============================================================================

func TestRepository_OptimisticVersioning(t *testing.T) {
	ctx := context.Background()
	repo := widgets(store.NewTxMemory())

	// GIVEN: a saved widget
	w := &widget{ID: "w-1", Count: 1}
	require.NoError(t, repo.Save(ctx, w))
	assert.Equal(t, int64(1), w.Version)

	// WHEN: two readers load the same version
	a, err := repo.Get(ctx, "w-1")
	require.NoError(t, err)
	b, err := repo.Get(ctx, "w-1")
	require.NoError(t, err)

	a.Count = 2
	require.NoError(t, repo.Save(ctx, a))

	// THEN: the stale writer is rejected and can retry
	b.Count = 3
	err = repo.Save(ctx, b)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	assert.True(t, generic.IsRetryable(err))

	current, err := repo.Get(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, 2, current.Count)
	assert.Equal(t, int64(2), current.Version)
}

func TestRepository_CreateTwiceConflicts(t *testing.T) {
	ctx := context.Background()
	repo := widgets(store.NewTxMemory())

	require.NoError(t, repo.Save(ctx, &widget{ID: "w-1"}))
	err := repo.Save(ctx, &widget{ID: "w-1"})
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
}

func TestRepository_GetMissing(t *testing.T) {
	_, err := widgets(store.NewTxMemory()).Get(context.Background(), "nope")
	assert.True(t, generic.IsNotFound(err))
}

func TestRepository_ListByPrefix(t *testing.T) {
	ctx := context.Background()
	repo := widgets(store.NewTxMemory())
	for _, id := range []string{"run-1/emp-2", "run-1/emp-1", "run-2/emp-1"} {
		require.NoError(t, repo.Save(ctx, &widget{ID: id}))
	}

	got, err := repo.List(ctx, "run-1/")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "run-1/emp-1", got[0].ID)
	assert.Equal(t, "run-1/emp-2", got[1].ID)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestTxMemory_RollbackRestoresEverything(t *testing.T) {
	ctx := context.Background()
	s := store.NewTxMemory()
	require.NoError(t, widgets(s).Save(ctx, &widget{ID: "w-1", Count: 1}))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx generic.Store) error {
		w, err := widgets(tx).Get(ctx, "w-1")
		require.NoError(t, err)
		w.Count = 99
		require.NoError(t, widgets(tx).Save(ctx, w))
		require.NoError(t, widgets(tx).Save(ctx, &widget{ID: "w-2"}))
		require.NoError(t, tx.Append(ctx, generic.Transaction{EntityID: "e", AccountID: "a", IdempotencyKey: "k1", Delta: generic.NewAmountFromInt(1, generic.UnitDays)}))
		require.NoError(t, generic.Audit(ctx, tx, "actor", "widget.changed", "widget", "w-1", nil, w, time.Now()))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	w, err := widgets(s).Get(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, 1, w.Count)

	_, err = widgets(s).Get(ctx, "w-2")
	assert.True(t, generic.IsNotFound(err))

	exists, err := s.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, exists)

	entries, err := s.QueryAudit(ctx, generic.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTxMemory_ConcurrentIncrementsSerializeWithRetry(t *testing.T) {
	ctx := context.Background()
	s := store.NewTxMemory()
	require.NoError(t, widgets(s).Save(ctx, &widget{ID: "w-1"}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				w, err := widgets(s).Get(ctx, "w-1")
				if err != nil {
					return
				}
				w.Count++
				err = widgets(s).Save(ctx, w)
				if err == nil || !generic.IsRetryable(err) {
					return
				}
			}
		}()
	}
	wg.Wait()

	w, err := widgets(s).Get(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, 20, w.Count)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestLedger_IdempotentAppendAndReplay(t *testing.T) {
	ctx := context.Background()
	ledger := generic.NewLedger(store.NewTxMemory())

	day := func(d int) generic.Date { return generic.NewDate(2025, time.March, d) }
	require.NoError(t, ledger.AppendBatch(ctx, []generic.Transaction{
		{EntityID: "emp-1", AccountID: "annual", EffectiveAt: day(1), Delta: generic.NewAmountFromInt(20, generic.UnitDays), Type: generic.TxGrant, IdempotencyKey: "grant"},
		{EntityID: "emp-1", AccountID: "annual", EffectiveAt: day(10), Delta: generic.NewAmountFromInt(-3, generic.UnitDays), Type: generic.TxPending, IdempotencyKey: "pending"},
	}))

	err := ledger.Append(ctx, generic.Transaction{EntityID: "emp-1", AccountID: "annual", EffectiveAt: day(2), IdempotencyKey: "grant"})
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)

	before, err := ledger.BalanceAt(ctx, "emp-1", "annual", day(5), generic.UnitDays)
	require.NoError(t, err)
	assert.True(t, before.Value.Equal(decimal.NewFromInt(20)))

	after, err := ledger.BalanceAt(ctx, "emp-1", "annual", day(31), generic.UnitDays)
	require.NoError(t, err)
	assert.True(t, after.Value.Equal(decimal.NewFromInt(17)))
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := generic.NewKeyedMutex()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("balance:emp-1:annual")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestMoneyFromString(t *testing.T) {
	d, err := generic.MoneyFromString("amount", "177.10")
	require.NoError(t, err)
	assert.Equal(t, "177.10", d.StringFixed(2))

	_, err = generic.MoneyFromString("amount", "10.005")
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = generic.MoneyFromString("amount", "ten")
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestParseAmount_RejectsCorruptValue(t *testing.T) {
	a, err := generic.ParseAmount("-0.50", generic.UnitDays)
	require.NoError(t, err)
	assert.True(t, a.Value.Equal(decimal.RequireFromString("-0.5")))
	assert.Equal(t, generic.UnitDays, a.Unit)

	_, err = generic.ParseAmount("1,5", generic.UnitDays)
	assert.Error(t, err)
}
