/*
store.go - Persistence interface for aggregates, ledger transactions and audit

PURPOSE:
  Defines the seam between domain logic and the database. Three kinds of
  data share one Store so that a single WithTx call can change an aggregate,
  append ledger lines and write the audit record atomically:

    1. Aggregates  - versioned JSON documents (pay runs, balances, filings)
    2. Ledger      - append-only, idempotent balance transactions
    3. Audit log   - append-only record of every state transition

OPTIMISTIC VERSIONING:
  Put() carries the version the caller read. Version 0 means "create".
  If the stored version differs, Put fails with ConcurrentModificationError
  and nothing is written. A successful Put returns the new version.

IMPLEMENTATIONS:
  - generic/store/memory.go: in-memory, snapshot rollback
  - store/sqlite/sqlite.go:  go-sqlite3
  - store/postgres/postgres.go: pgx pool

SEE ALSO:
  - repository.go: typed access on top of Put/Get
  - ledger.go: idempotent append on top of Append/Exists
*/
package generic

import (
	"context"
	"encoding/json"
	"time"
)

// =============================================================================
// AGGREGATES
// =============================================================================

// Kind names an aggregate type (a table of documents).
type Kind string

// Record is the stored form of one aggregate.
type Record struct {
	Kind      Kind
	ID        string
	Version   int64
	Data      json.RawMessage
	UpdatedAt time.Time
}

type AggregateStore interface {
	// Get returns the record or a NotFoundError.
	Get(ctx context.Context, kind Kind, id string) (Record, error)

	// List returns all records of a kind whose id starts with prefix,
	// ordered by id. An empty prefix lists everything.
	List(ctx context.Context, kind Kind, prefix string) ([]Record, error)

	// Put creates (Version 0) or replaces (Version = current) a record and
	// returns it with its new version.
	Put(ctx context.Context, rec Record) (Record, error)

	// Delete removes a record if its version matches.
	Delete(ctx context.Context, kind Kind, id string, version int64) error
}

// =============================================================================
// LEDGER TRANSACTIONS (append-only)
// =============================================================================

type TransactionStore interface {
	// Append persists a transaction. There is no update and no delete.
	Append(ctx context.Context, tx Transaction) error

	// AppendBatch persists multiple transactions; all or none.
	AppendBatch(ctx context.Context, txs []Transaction) error

	// Load returns all transactions for entity+account ordered by EffectiveAt.
	Load(ctx context.Context, entityID EntityID, accountID AccountID) ([]Transaction, error)

	// Exists checks if an idempotency key has been used.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type AuditAction string

// AuditEntry records who changed what. Before/After are JSON snapshots of
// the aggregate around the transition; either may be empty.
type AuditEntry struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	ActorID    string          `json:"actor_id"`
	Action     AuditAction     `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
}

type AuditFilter struct {
	EntityType string
	EntityID   string
	ActorID    string
	Actions    []AuditAction
	From       *time.Time
	To         *time.Time
}

// Matches reports whether the entry passes the filter.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	if len(f.Actions) == 0 {
		return true
	}
	for _, a := range f.Actions {
		if a == e.Action {
			return true
		}
	}
	return false
}

type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	AggregateStore
	TransactionStore
	AuditLog
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the tx Store is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
