// Package storetest holds behaviour every generic.TxStore must share. Each
// backend runs it from its own tests.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payroll-engine/generic"
)

const kindDoc generic.Kind = "storetest_doc"

// Factory returns an empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) generic.TxStore

func Run(t *testing.T, newStore Factory) {
	t.Run("create then update bumps version", func(t *testing.T) { testVersioning(t, newStore(t)) })
	t.Run("stale write is rejected", func(t *testing.T) { testStaleWrite(t, newStore(t)) })
	t.Run("create twice conflicts", func(t *testing.T) { testCreateTwice(t, newStore(t)) })
	t.Run("missing record", func(t *testing.T) { testMissing(t, newStore(t)) })
	t.Run("list by prefix", func(t *testing.T) { testListPrefix(t, newStore(t)) })
	t.Run("delete checks version", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("ledger replay order and idempotency", func(t *testing.T) { testLedger(t, newStore(t)) })
	t.Run("audit filter", func(t *testing.T) { testAudit(t, newStore(t)) })
	t.Run("rollback discards every write", func(t *testing.T) { testRollback(t, newStore(t)) })
}

func doc(id string, n int) generic.Record {
	return generic.Record{Kind: kindDoc, ID: id, Data: json.RawMessage(fmt.Sprintf(`{"n":%d}`, n))}
}

func count(t *testing.T, rec generic.Record) int {
	t.Helper()
	var v struct {
		N int `json:"n"`
	}
	require.NoError(t, json.Unmarshal(rec.Data, &v))
	return v.N
}

func testVersioning(t *testing.T, s generic.TxStore) {
	ctx := context.Background()

	// GIVEN a new document
	rec, err := s.Put(ctx, doc("a", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)

	// WHEN updated at the current version
	rec.Data = json.RawMessage(`{"n":2}`)
	rec, err = s.Put(ctx, rec)

	// THEN the version advances and the data is replaced
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
	got, err := s.Get(ctx, kindDoc, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, 2, count(t, got))
}

func testStaleWrite(t *testing.T, s generic.TxStore) {
	ctx := context.Background()
	first, err := s.Put(ctx, doc("a", 1))
	require.NoError(t, err)
	_, err = s.Put(ctx, first)
	require.NoError(t, err)

	// WHEN writing with the version read before the update
	_, err = s.Put(ctx, first)

	// THEN the write is refused with both versions reported
	var cme *generic.ConcurrentModificationError
	require.True(t, errors.As(err, &cme))
	assert.Equal(t, int64(1), cme.Expected)
	assert.Equal(t, int64(2), cme.Actual)
	assert.True(t, generic.IsRetryable(err))
}

func testCreateTwice(t *testing.T, s generic.TxStore) {
	ctx := context.Background()
	_, err := s.Put(ctx, doc("a", 1))
	require.NoError(t, err)

	_, err = s.Put(ctx, doc("a", 9))

	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	got, err := s.Get(ctx, kindDoc, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, count(t, got))
}

func testMissing(t *testing.T, s generic.TxStore) {
	ctx := context.Background()

	_, err := s.Get(ctx, kindDoc, "nope")
	assert.ErrorIs(t, err, generic.ErrNotFound)

	rec := doc("nope", 1)
	rec.Version = 3
	_, err = s.Put(ctx, rec)
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func testListPrefix(t *testing.T, s generic.TxStore) {
	ctx := context.Background()
	for _, id := range []string{"run-2/emp-b", "run-1/emp-b", "run-1/emp-a", "run-10/emp-a"} {
		_, err := s.Put(ctx, doc(id, 1))
		require.NoError(t, err)
	}

	recs, err := s.List(ctx, kindDoc, "run-1/")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "run-1/emp-a", recs[0].ID)
	assert.Equal(t, "run-1/emp-b", recs[1].ID)

	all, err := s.List(ctx, kindDoc, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	none, err := s.List(ctx, "other_kind", "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testDelete(t *testing.T, s generic.TxStore) {
	ctx := context.Background()
	rec, err := s.Put(ctx, doc("a", 1))
	require.NoError(t, err)

	err = s.Delete(ctx, kindDoc, "a", rec.Version+1)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)

	require.NoError(t, s.Delete(ctx, kindDoc, "a", rec.Version))
	_, err = s.Get(ctx, kindDoc, "a")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func testLedger(t *testing.T, s generic.TxStore) {
	ctx := context.Background()
	day := func(d int) generic.Date { return generic.NewDate(2025, time.March, d) }
	tx := func(id string, d int, v float64, key string) generic.Transaction {
		return generic.Transaction{
			ID:             generic.TransactionID(id),
			EntityID:       "emp-1",
			AccountID:      "annual",
			EffectiveAt:    day(d),
			Delta:          generic.NewAmount(v, generic.UnitDays),
			Type:           generic.TxGrant,
			IdempotencyKey: key,
		}
	}

	// GIVEN transactions appended out of effective order
	require.NoError(t, s.AppendBatch(ctx, []generic.Transaction{
		tx("t2", 10, 2, "k2"),
		tx("t1", 1, 1.25, "k1"),
	}))
	require.NoError(t, s.Append(ctx, tx("t3", 10, -0.5, "")))

	// WHEN replayed
	txs, err := s.Load(ctx, "emp-1", "annual")

	// THEN they come back by effective date, then append order
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, generic.TransactionID("t1"), txs[0].ID)
	assert.Equal(t, generic.TransactionID("t2"), txs[1].ID)
	assert.Equal(t, generic.TransactionID("t3"), txs[2].ID)
	assert.Equal(t, day(1), txs[0].EffectiveAt)
	assert.True(t, txs[0].Delta.Value.Equal(generic.NewAmount(1.25, generic.UnitDays).Value))
	assert.Equal(t, generic.UnitDays, txs[0].Delta.Unit)

	// AND a reused key is refused without writing anything
	err = s.AppendBatch(ctx, []generic.Transaction{tx("t4", 11, 1, "k4"), tx("t5", 11, 1, "k1")})
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
	exists, err := s.Exists(ctx, "k4")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = s.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func testAudit(t *testing.T, s generic.TxStore) {
	ctx := context.Background()
	at := time.Date(2025, time.March, 20, 9, 0, 0, 0, time.UTC)
	entries := []generic.AuditEntry{
		{ID: "au-1", Timestamp: at, ActorID: "alice", Action: "payrun.created", EntityType: "pay_run", EntityID: "run-1", After: json.RawMessage(`{"status":"draft"}`)},
		{ID: "au-2", Timestamp: at.Add(time.Minute), ActorID: "bob", Action: "payrun.finalized", EntityType: "pay_run", EntityID: "run-1"},
		{ID: "au-3", Timestamp: at.Add(2 * time.Minute), ActorID: "alice", Action: "termination.created", EntityType: "termination", EntityID: "term-1"},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendAudit(ctx, e))
	}

	byEntity, err := s.QueryAudit(ctx, generic.AuditFilter{EntityType: "pay_run", EntityID: "run-1"})
	require.NoError(t, err)
	require.Len(t, byEntity, 2)
	assert.Equal(t, "au-1", byEntity[0].ID)
	assert.JSONEq(t, `{"status":"draft"}`, string(byEntity[0].After))
	assert.Empty(t, byEntity[1].Before)

	byActor, err := s.QueryAudit(ctx, generic.AuditFilter{ActorID: "alice", Actions: []generic.AuditAction{"termination.created"}})
	require.NoError(t, err)
	require.Len(t, byActor, 1)
	assert.Equal(t, "term-1", byActor[0].EntityID)
	assert.True(t, byActor[0].Timestamp.Equal(at.Add(2*time.Minute)))
}

func testRollback(t *testing.T, s generic.TxStore) {
	ctx := context.Background()
	rec, err := s.Put(ctx, doc("a", 1))
	require.NoError(t, err)
	boom := errors.New("boom")

	// WHEN a transaction writes everywhere and then fails
	err = s.WithTx(ctx, func(tx generic.Store) error {
		if _, err := tx.Put(ctx, generic.Record{Kind: kindDoc, ID: "a", Version: rec.Version, Data: json.RawMessage(`{"n":2}`)}); err != nil {
			return err
		}
		if _, err := tx.Put(ctx, doc("b", 1)); err != nil {
			return err
		}
		inside, err := tx.Get(ctx, kindDoc, "b")
		if err != nil {
			return err
		}
		if inside.Version != 1 {
			return fmt.Errorf("tx cannot see its own write")
		}
		if err := tx.Append(ctx, generic.Transaction{
			ID: "t1", EntityID: "emp-1", AccountID: "annual",
			EffectiveAt: generic.NewDate(2025, time.March, 1),
			Delta:       generic.NewAmount(1, generic.UnitDays), Type: generic.TxGrant,
			IdempotencyKey: "k1",
		}); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, generic.AuditEntry{ID: "au-1", Timestamp: time.Now(), Action: "x", EntityType: "doc", EntityID: "a"}); err != nil {
			return err
		}
		return boom
	})

	// THEN nothing is visible afterwards
	assert.ErrorIs(t, err, boom)
	got, err := s.Get(ctx, kindDoc, "a")
	require.NoError(t, err)
	assert.Equal(t, rec.Version, got.Version)
	assert.Equal(t, 1, count(t, got))
	_, err = s.Get(ctx, kindDoc, "b")
	assert.ErrorIs(t, err, generic.ErrNotFound)
	txs, err := s.Load(ctx, "emp-1", "annual")
	require.NoError(t, err)
	assert.Empty(t, txs)
	exists, err := s.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, exists)
	audit, err := s.QueryAudit(ctx, generic.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, audit)
}
