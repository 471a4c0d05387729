/*
ledger.go - Append-only transaction log

PURPOSE:
  The Ledger records every change to a tracked balance as a signed delta.
  Leave balances keep a materialized row for fast invariant checks; the
  ledger is the history behind that row, and replaying it must always give
  the row's available figure.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. IDEMPOTENT: Same idempotency key = same transaction (no duplicates)
  3. Corrections are reversals, never edits.

EXAMPLE FLOW:
  1. Granted 20 days:        TxGrant      +20
  2. Requests 3 days:        TxPending    -3
  3. Request approved:       TxReversal   +3, TxConsumption -3

  Ledger: [+20, -3, +3, -3] = 17 days available
*/
package generic

import "context"

// Ledger is the history of balance changes.
type Ledger interface {
	// Append adds a transaction. Fails if the idempotency key exists.
	Append(ctx context.Context, tx Transaction) error

	// AppendBatch adds multiple transactions atomically.
	AppendBatch(ctx context.Context, txs []Transaction) error

	// Transactions returns all transactions for entity+account, chronologically.
	Transactions(ctx context.Context, entityID EntityID, accountID AccountID) ([]Transaction, error)

	// BalanceAt replays transactions effective on or before at.
	BalanceAt(ctx context.Context, entityID EntityID, accountID AccountID, at Date, unit Unit) (Amount, error)
}

// =============================================================================
// DEFAULT LEDGER - Implementation using Store
// =============================================================================

type DefaultLedger struct {
	Store TransactionStore
}

func NewLedger(store TransactionStore) *DefaultLedger {
	return &DefaultLedger{Store: store}
}

func (l *DefaultLedger) Append(ctx context.Context, tx Transaction) error {
	return l.AppendBatch(ctx, []Transaction{tx})
}

func (l *DefaultLedger) AppendBatch(ctx context.Context, txs []Transaction) error {
	seen := make(map[string]bool, len(txs))
	for _, tx := range txs {
		if tx.IdempotencyKey == "" {
			continue
		}
		if seen[tx.IdempotencyKey] {
			return ErrDuplicateIdempotencyKey
		}
		seen[tx.IdempotencyKey] = true
		exists, err := l.Store.Exists(ctx, tx.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	return l.Store.AppendBatch(ctx, txs)
}

func (l *DefaultLedger) Transactions(ctx context.Context, entityID EntityID, accountID AccountID) ([]Transaction, error) {
	return l.Store.Load(ctx, entityID, accountID)
}

func (l *DefaultLedger) BalanceAt(ctx context.Context, entityID EntityID, accountID AccountID, at Date, unit Unit) (Amount, error) {
	txs, err := l.Store.Load(ctx, entityID, accountID)
	if err != nil {
		return Amount{}, err
	}

	balance := NewAmount(0, unit)
	for _, tx := range txs {
		if tx.EffectiveAt.After(at) {
			break
		}
		balance = balance.Add(tx.Delta)
	}
	return balance, nil
}
