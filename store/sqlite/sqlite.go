/*
Package sqlite provides a SQLite-backed implementation of generic.TxStore.

PURPOSE:
  Persists aggregates (versioned JSON documents), the append-only leave
  ledger and the audit log in one database file, so every service write
  (aggregate + ledger lines + audit record) commits atomically.

KEY TABLES:
  aggregates:   (kind, id) -> version, data. Optimistic concurrency via
                UPDATE ... WHERE version = ?
  transactions: Immutable ledger. No UPDATE, no DELETE; corrections are
                reversal transactions.
  audit_log:    One row per state transition, append-only.

CONCURRENCY:
  Writers are serialized with a mutex (SQLite allows a single writer);
  WithTx holds it for the whole callback. Version checks still apply, so
  the contract is the same as the Postgres store.

WAL MODE:
  Opened with WAL so readers do not block the writer.

USAGE:
  st, err := sqlite.New("./data/payroll.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

MIGRATION:
  Schema is auto-migrated on New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/payroll-engine/generic"
)

// Store implements generic.TxStore using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

var _ generic.TxStore = (*Store)(nil)

// New opens (and migrates) the database at dbPath. Use ":memory:" for a
// throwaway database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: an in-memory database exists per connection, and
	// SQLite has a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS aggregates (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		data TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (kind, id)
	);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		entity_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		effective_at TEXT NOT NULL,
		delta_value TEXT NOT NULL,
		delta_unit TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		reference_id TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	-- Balance replay (hot path)
	CREATE INDEX IF NOT EXISTS idx_transactions_entity_account_date
		ON transactions(entity_id, account_id, effective_at);

	CREATE INDEX IF NOT EXISTS idx_transactions_reference
		ON transactions(reference_id) WHERE reference_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		timestamp TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		before_json TEXT,
		after_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_log(entity_type, entity_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// AGGREGATES
// =============================================================================

func (s *Store) Get(ctx context.Context, kind generic.Kind, id string) (generic.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRecord(ctx, s.db, kind, id)
}

func (s *Store) List(ctx context.Context, kind generic.Kind, prefix string) ([]generic.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRecords(ctx, s.db, kind, prefix)
}

func (s *Store) Put(ctx context.Context, rec generic.Record) (generic.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putRecord(ctx, s.db, rec, s.now())
}

func (s *Store) Delete(ctx context.Context, kind generic.Kind, id string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteRecord(ctx, s.db, kind, id, version)
}

func getRecord(ctx context.Context, q queryer, kind generic.Kind, id string) (generic.Record, error) {
	var (
		rec       = generic.Record{Kind: kind, ID: id}
		data      string
		updatedAt string
	)
	err := q.QueryRowContext(ctx,
		"SELECT version, data, updated_at FROM aggregates WHERE kind = ? AND id = ?",
		string(kind), id,
	).Scan(&rec.Version, &data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Record{}, &generic.NotFoundError{Kind: kind, ID: id}
	}
	if err != nil {
		return generic.Record{}, fmt.Errorf("failed to get %s %s: %w", kind, id, err)
	}
	rec.Data = []byte(data)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return rec, nil
}

func listRecords(ctx context.Context, q queryer, kind generic.Kind, prefix string) ([]generic.Record, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, version, data, updated_at FROM aggregates
		WHERE kind = ? AND substr(id, 1, ?) = ?
		ORDER BY id ASC`,
		string(kind), len(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []generic.Record
	for rows.Next() {
		var (
			rec       = generic.Record{Kind: kind}
			data      string
			updatedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.Version, &data, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", kind, err)
		}
		rec.Data = []byte(data)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func putRecord(ctx context.Context, q queryer, rec generic.Record, now time.Time) (generic.Record, error) {
	now = now.UTC()
	if rec.Version == 0 {
		_, err := q.ExecContext(ctx,
			"INSERT INTO aggregates (kind, id, version, data, updated_at) VALUES (?, ?, 1, ?, ?)",
			string(rec.Kind), rec.ID, string(rec.Data), now.Format(time.RFC3339Nano),
		)
		if isUniqueConstraintError(err) {
			current, _ := currentVersion(ctx, q, rec.Kind, rec.ID)
			return generic.Record{}, &generic.ConcurrentModificationError{Kind: rec.Kind, ID: rec.ID, Expected: 0, Actual: current}
		}
		if err != nil {
			return generic.Record{}, fmt.Errorf("failed to insert %s %s: %w", rec.Kind, rec.ID, err)
		}
		rec.Version = 1
		rec.UpdatedAt = now
		return rec, nil
	}

	res, err := q.ExecContext(ctx, `
		UPDATE aggregates SET version = version + 1, data = ?, updated_at = ?
		WHERE kind = ? AND id = ? AND version = ?`,
		string(rec.Data), now.Format(time.RFC3339Nano), string(rec.Kind), rec.ID, rec.Version,
	)
	if err != nil {
		return generic.Record{}, fmt.Errorf("failed to update %s %s: %w", rec.Kind, rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.Record{}, versionConflict(ctx, q, rec.Kind, rec.ID, rec.Version)
	}
	rec.Version++
	rec.UpdatedAt = now
	return rec, nil
}

func deleteRecord(ctx context.Context, q queryer, kind generic.Kind, id string, version int64) error {
	res, err := q.ExecContext(ctx,
		"DELETE FROM aggregates WHERE kind = ? AND id = ? AND version = ?",
		string(kind), id, version,
	)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return versionConflict(ctx, q, kind, id, version)
	}
	return nil
}

func currentVersion(ctx context.Context, q queryer, kind generic.Kind, id string) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, "SELECT version FROM aggregates WHERE kind = ? AND id = ?", string(kind), id).Scan(&v)
	return v, err
}

// versionConflict explains a write that matched no row.
func versionConflict(ctx context.Context, q queryer, kind generic.Kind, id string, expected int64) error {
	current, err := currentVersion(ctx, q, kind, id)
	if errors.Is(err, sql.ErrNoRows) {
		return &generic.NotFoundError{Kind: kind, ID: id}
	}
	if err != nil {
		return err
	}
	return &generic.ConcurrentModificationError{Kind: kind, ID: id, Expected: expected, Actual: current}
}

// =============================================================================
// LEDGER (append-only)
// =============================================================================

func (s *Store) Append(ctx context.Context, tx generic.Transaction) error {
	return s.AppendBatch(ctx, []generic.Transaction{tx})
}

// AppendBatch adds multiple transactions atomically.
func (s *Store) AppendBatch(ctx context.Context, txs []generic.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := appendBatch(ctx, sqlTx, txs, s.now()); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) Load(ctx context.Context, entityID generic.EntityID, accountID generic.AccountID) ([]generic.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadTransactions(ctx, s.db, entityID, accountID)
}

func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keyExists(ctx, s.db, idempotencyKey)
}

func appendBatch(ctx context.Context, q queryer, txs []generic.Transaction, now time.Time) error {
	seen := make(map[string]bool)
	for _, tx := range txs {
		if tx.IdempotencyKey == "" {
			continue
		}
		if seen[tx.IdempotencyKey] {
			return generic.ErrDuplicateIdempotencyKey
		}
		seen[tx.IdempotencyKey] = true
	}

	for _, tx := range txs {
		createdAt := tx.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO transactions
			(id, entity_id, account_id, effective_at, delta_value, delta_unit,
			 tx_type, reference_id, reason, idempotency_key, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(tx.ID),
			string(tx.EntityID),
			string(tx.AccountID),
			tx.EffectiveAt.String(),
			tx.Delta.Value.String(),
			string(tx.Delta.Unit),
			string(tx.Type),
			nullString(tx.ReferenceID),
			nullString(tx.Reason),
			nullString(tx.IdempotencyKey),
			nullString(tx.CreatedBy),
			createdAt.UTC().Format(time.RFC3339Nano),
		)
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateIdempotencyKey
		}
		if err != nil {
			return fmt.Errorf("failed to append transaction: %w", err)
		}
	}
	return nil
}

func loadTransactions(ctx context.Context, q queryer, entityID generic.EntityID, accountID generic.AccountID) ([]generic.Transaction, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, entity_id, account_id, effective_at, delta_value, delta_unit,
		       tx_type, reference_id, reason, idempotency_key, created_by, created_at
		FROM transactions
		WHERE entity_id = ? AND account_id = ?
		ORDER BY effective_at ASC, seq ASC`,
		string(entityID), string(accountID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []generic.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanTransaction(rows *sql.Rows) (generic.Transaction, error) {
	var (
		tx             generic.Transaction
		effectiveAt    string
		deltaValue     string
		deltaUnit      string
		referenceID    sql.NullString
		reason         sql.NullString
		idempotencyKey sql.NullString
		createdBy      sql.NullString
		createdAt      string
	)
	err := rows.Scan(
		&tx.ID, &tx.EntityID, &tx.AccountID, &effectiveAt, &deltaValue, &deltaUnit,
		&tx.Type, &referenceID, &reason, &idempotencyKey, &createdBy, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	if tx.EffectiveAt, err = generic.ParseDate(effectiveAt); err != nil {
		return tx, fmt.Errorf("transaction %s: %w", tx.ID, err)
	}
	if tx.Delta, err = generic.ParseAmount(deltaValue, generic.Unit(deltaUnit)); err != nil {
		return tx, fmt.Errorf("transaction %s: %w", tx.ID, err)
	}
	tx.ReferenceID = referenceID.String
	tx.Reason = reason.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.CreatedBy = createdBy.String
	tx.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return tx, nil
}

func keyExists(ctx context.Context, q queryer, idempotencyKey string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transactions WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, entry generic.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendAudit(ctx, s.db, entry)
}

func (s *Store) QueryAudit(ctx context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryAudit(ctx, s.db, filter)
}

func appendAudit(ctx context.Context, q queryer, e generic.AuditEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, actor_id, action, entity_type, entity_id, before_json, after_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.ActorID, string(e.Action),
		e.EntityType, e.EntityID, nullJSON(e.Before), nullJSON(e.After),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// queryAudit narrows by entity in SQL and applies the rest of the filter
// in Go.
func queryAudit(ctx context.Context, q queryer, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	query := "SELECT id, timestamp, actor_id, action, entity_type, entity_id, before_json, after_json FROM audit_log"
	var (
		where []string
		args  []any
	)
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []generic.AuditEntry
	for rows.Next() {
		var (
			e             generic.AuditEntry
			ts            string
			actor         sql.NullString
			before, after sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &actor, &e.Action, &e.EntityType, &e.EntityID, &before, &after); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.ActorID = actor.String
		if before.Valid {
			e.Before = []byte(before.String)
		}
		if after.Valid {
			e.After = []byte(after.String)
		}
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx runs fn inside one database transaction. Every read and write made
// through the Store passed to fn sees and joins that transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, now: s.now}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx  *sql.Tx
	now func() time.Time
}

func (ts *txStore) Get(ctx context.Context, kind generic.Kind, id string) (generic.Record, error) {
	return getRecord(ctx, ts.tx, kind, id)
}

func (ts *txStore) List(ctx context.Context, kind generic.Kind, prefix string) ([]generic.Record, error) {
	return listRecords(ctx, ts.tx, kind, prefix)
}

func (ts *txStore) Put(ctx context.Context, rec generic.Record) (generic.Record, error) {
	return putRecord(ctx, ts.tx, rec, ts.now())
}

func (ts *txStore) Delete(ctx context.Context, kind generic.Kind, id string, version int64) error {
	return deleteRecord(ctx, ts.tx, kind, id, version)
}

func (ts *txStore) Append(ctx context.Context, tx generic.Transaction) error {
	return appendBatch(ctx, ts.tx, []generic.Transaction{tx}, ts.now())
}

func (ts *txStore) AppendBatch(ctx context.Context, txs []generic.Transaction) error {
	return appendBatch(ctx, ts.tx, txs, ts.now())
}

func (ts *txStore) Load(ctx context.Context, entityID generic.EntityID, accountID generic.AccountID) ([]generic.Transaction, error) {
	return loadTransactions(ctx, ts.tx, entityID, accountID)
}

func (ts *txStore) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	return keyExists(ctx, ts.tx, idempotencyKey)
}

func (ts *txStore) AppendAudit(ctx context.Context, entry generic.AuditEntry) error {
	return appendAudit(ctx, ts.tx, entry)
}

func (ts *txStore) QueryAudit(ctx context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	return queryAudit(ctx, ts.tx, filter)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"aggregates", "transactions", "audit_log"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullJSON(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
