// Package store provides the in-memory Store implementation.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/payroll-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	state
}

type state struct {
	records      map[generic.Kind]map[string]generic.Record
	transactions map[key][]generic.Transaction
	idempotency  map[string]bool
	audit        []generic.AuditEntry
	now          func() time.Time
}

type key struct {
	EntityID  generic.EntityID
	AccountID generic.AccountID
}

func NewMemory() *Memory {
	return &Memory{state: state{
		records:      make(map[generic.Kind]map[string]generic.Record),
		transactions: make(map[key][]generic.Transaction),
		idempotency:  make(map[string]bool),
		now:          time.Now,
	}}
}

func (m *Memory) Get(ctx context.Context, kind generic.Kind, id string) (generic.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(ctx, kind, id)
}

func (m *Memory) List(ctx context.Context, kind generic.Kind, prefix string) ([]generic.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(ctx, kind, prefix)
}

func (m *Memory) Put(ctx context.Context, rec generic.Record) (generic.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(ctx, rec)
}

func (m *Memory) Delete(ctx context.Context, kind generic.Kind, id string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delete(ctx, kind, id, version)
}

func (m *Memory) Append(ctx context.Context, tx generic.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendBatch(ctx, []generic.Transaction{tx})
}

// AppendBatch adds multiple transactions atomically.
func (m *Memory) AppendBatch(ctx context.Context, txs []generic.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendBatch(ctx, txs)
}

func (m *Memory) Load(ctx context.Context, entityID generic.EntityID, accountID generic.AccountID) ([]generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.load(ctx, entityID, accountID)
}

func (m *Memory) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exists(ctx, idempotencyKey)
}

func (m *Memory) AppendAudit(ctx context.Context, entry generic.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendAudit(ctx, entry)
}

func (m *Memory) QueryAudit(ctx context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryAudit(ctx, filter)
}

// =============================================================================
// UNLOCKED OPERATIONS - shared by Memory and the tx view
// =============================================================================

func (s *state) get(_ context.Context, kind generic.Kind, id string) (generic.Record, error) {
	rec, ok := s.records[kind][id]
	if !ok {
		return generic.Record{}, &generic.NotFoundError{Kind: kind, ID: id}
	}
	return rec, nil
}

func (s *state) list(_ context.Context, kind generic.Kind, prefix string) ([]generic.Record, error) {
	var out []generic.Record
	for id, rec := range s.records[kind] {
		if strings.HasPrefix(id, prefix) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) put(_ context.Context, rec generic.Record) (generic.Record, error) {
	byID := s.records[rec.Kind]
	if byID == nil {
		byID = make(map[string]generic.Record)
		s.records[rec.Kind] = byID
	}
	current, exists := byID[rec.ID]
	switch {
	case rec.Version == 0 && exists:
		return generic.Record{}, &generic.ConcurrentModificationError{Kind: rec.Kind, ID: rec.ID, Expected: 0, Actual: current.Version}
	case rec.Version != 0 && !exists:
		return generic.Record{}, &generic.NotFoundError{Kind: rec.Kind, ID: rec.ID}
	case exists && current.Version != rec.Version:
		return generic.Record{}, &generic.ConcurrentModificationError{Kind: rec.Kind, ID: rec.ID, Expected: rec.Version, Actual: current.Version}
	}
	rec.Version++
	rec.UpdatedAt = s.now().UTC()
	rec.Data = append([]byte(nil), rec.Data...)
	byID[rec.ID] = rec
	return rec, nil
}

func (s *state) delete(_ context.Context, kind generic.Kind, id string, version int64) error {
	current, ok := s.records[kind][id]
	if !ok {
		return &generic.NotFoundError{Kind: kind, ID: id}
	}
	if current.Version != version {
		return &generic.ConcurrentModificationError{Kind: kind, ID: id, Expected: version, Actual: current.Version}
	}
	delete(s.records[kind], id)
	return nil
}

func (s *state) appendBatch(_ context.Context, txs []generic.Transaction) error {
	// Check all idempotency keys first (atomic check)
	for _, tx := range txs {
		if tx.IdempotencyKey != "" && s.idempotency[tx.IdempotencyKey] {
			return generic.ErrDuplicateIdempotencyKey
		}
	}
	for _, tx := range txs {
		s.appendOne(tx)
	}
	return nil
}

func (s *state) appendOne(tx generic.Transaction) {
	k := key{EntityID: tx.EntityID, AccountID: tx.AccountID}
	txs := s.transactions[k]

	// Insert after every transaction effective on or before this one.
	i := sort.Search(len(txs), func(i int) bool {
		return txs[i].EffectiveAt.After(tx.EffectiveAt)
	})
	txs = append(txs, generic.Transaction{})
	copy(txs[i+1:], txs[i:])
	txs[i] = tx
	s.transactions[k] = txs

	if tx.IdempotencyKey != "" {
		s.idempotency[tx.IdempotencyKey] = true
	}
}

func (s *state) load(_ context.Context, entityID generic.EntityID, accountID generic.AccountID) ([]generic.Transaction, error) {
	k := key{EntityID: entityID, AccountID: accountID}
	result := make([]generic.Transaction, len(s.transactions[k]))
	copy(result, s.transactions[k])
	return result, nil
}

func (s *state) exists(_ context.Context, idempotencyKey string) (bool, error) {
	return s.idempotency[idempotencyKey], nil
}

func (s *state) appendAudit(_ context.Context, entry generic.AuditEntry) error {
	s.audit = append(s.audit, entry)
	return nil
}

func (s *state) queryAudit(_ context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	var out []generic.AuditEntry
	for _, e := range s.audit {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support. Transactions are
// serialized: WithTx holds the write lock for the whole callback.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// Reset clears all data (for testing/demo).
func (tm *TxMemory) Reset(context.Context) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.records = make(map[generic.Kind]map[string]generic.Record)
	tm.transactions = make(map[key][]generic.Transaction)
	tm.idempotency = make(map[string]bool)
	tm.audit = nil
	return nil
}

// WithClock overrides the UpdatedAt clock; used by tests.
func (tm *TxMemory) WithClock(now func() time.Time) *TxMemory {
	tm.now = now
	return tm
}

// WithTx executes fn against a view of the store. On error the state is
// restored from a snapshot taken before fn ran.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snap := tm.snapshot()
	if err := fn(&txView{state: &tm.state}); err != nil {
		tm.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	records      map[generic.Kind]map[string]generic.Record
	transactions map[key][]generic.Transaction
	idempotency  map[string]bool
	auditLen     int
}

func (tm *TxMemory) snapshot() memorySnapshot {
	recs := make(map[generic.Kind]map[string]generic.Record, len(tm.records))
	for kind, byID := range tm.records {
		cp := make(map[string]generic.Record, len(byID))
		for id, rec := range byID {
			cp[id] = rec
		}
		recs[kind] = cp
	}
	txs := make(map[key][]generic.Transaction, len(tm.transactions))
	for k, v := range tm.transactions {
		txs[k] = append([]generic.Transaction{}, v...)
	}
	idem := make(map[string]bool, len(tm.idempotency))
	for k, v := range tm.idempotency {
		idem[k] = v
	}
	return memorySnapshot{records: recs, transactions: txs, idempotency: idem, auditLen: len(tm.audit)}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.records = s.records
	tm.transactions = s.transactions
	tm.idempotency = s.idempotency
	tm.audit = tm.audit[:s.auditLen]
}

// txView runs without taking the mutex; WithTx already holds it.
type txView struct {
	state *state
}

func (v *txView) Get(ctx context.Context, kind generic.Kind, id string) (generic.Record, error) {
	return v.state.get(ctx, kind, id)
}

func (v *txView) List(ctx context.Context, kind generic.Kind, prefix string) ([]generic.Record, error) {
	return v.state.list(ctx, kind, prefix)
}

func (v *txView) Put(ctx context.Context, rec generic.Record) (generic.Record, error) {
	return v.state.put(ctx, rec)
}

func (v *txView) Delete(ctx context.Context, kind generic.Kind, id string, version int64) error {
	return v.state.delete(ctx, kind, id, version)
}

func (v *txView) Append(ctx context.Context, tx generic.Transaction) error {
	return v.state.appendBatch(ctx, []generic.Transaction{tx})
}

func (v *txView) AppendBatch(ctx context.Context, txs []generic.Transaction) error {
	return v.state.appendBatch(ctx, txs)
}

func (v *txView) Load(ctx context.Context, entityID generic.EntityID, accountID generic.AccountID) ([]generic.Transaction, error) {
	return v.state.load(ctx, entityID, accountID)
}

func (v *txView) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	return v.state.exists(ctx, idempotencyKey)
}

func (v *txView) AppendAudit(ctx context.Context, entry generic.AuditEntry) error {
	return v.state.appendAudit(ctx, entry)
}

func (v *txView) QueryAudit(ctx context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	return v.state.queryAudit(ctx, filter)
}
