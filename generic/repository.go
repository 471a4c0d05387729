package generic

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Versioned is embedded by aggregates to carry the optimistic version read
// from the store. It is not part of the stored document.
type Versioned struct {
	Version int64 `json:"-"`
}

func (v *Versioned) CurrentVersion() int64 { return v.Version }
func (v *Versioned) SetVersion(n int64)    { v.Version = n }

// Aggregate is a root entity persisted as one document.
type Aggregate interface {
	AggregateID() string
	CurrentVersion() int64
	SetVersion(int64)
}

// Repository gives typed access to one Kind of aggregate. It is a value type;
// build one over a tx Store inside WithTx to take part in the transaction.
type Repository[T any, PT interface {
	*T
	Aggregate
}] struct {
	store Store
	kind  Kind
}

func NewRepository[T any, PT interface {
	*T
	Aggregate
}](store Store, kind Kind) Repository[T, PT] {
	return Repository[T, PT]{store: store, kind: kind}
}

func (r Repository[T, PT]) Get(ctx context.Context, id string) (PT, error) {
	rec, err := r.store.Get(ctx, r.kind, id)
	if err != nil {
		return nil, err
	}
	return r.decode(rec)
}

func (r Repository[T, PT]) List(ctx context.Context, prefix string) ([]PT, error) {
	recs, err := r.store.List(ctx, r.kind, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]PT, 0, len(recs))
	for _, rec := range recs {
		agg, err := r.decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, nil
}

// Save writes the aggregate if its version is still current and bumps the
// version in place.
func (r Repository[T, PT]) Save(ctx context.Context, agg PT) error {
	data, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", r.kind, agg.AggregateID(), err)
	}
	rec, err := r.store.Put(ctx, Record{
		Kind:    r.kind,
		ID:      agg.AggregateID(),
		Version: agg.CurrentVersion(),
		Data:    data,
	})
	if err != nil {
		return err
	}
	agg.SetVersion(rec.Version)
	return nil
}

func (r Repository[T, PT]) Delete(ctx context.Context, agg PT) error {
	return r.store.Delete(ctx, r.kind, agg.AggregateID(), agg.CurrentVersion())
}

func (r Repository[T, PT]) decode(rec Record) (PT, error) {
	var v T
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", r.kind, rec.ID, err)
	}
	agg := PT(&v)
	agg.SetVersion(rec.Version)
	return agg, nil
}

// =============================================================================
// AUDIT HELPERS
// =============================================================================

// NewAuditEntry snapshots before and after as JSON. A nil snapshot is omitted.
func NewAuditEntry(actor string, action AuditAction, entityType, entityID string, before, after any, at time.Time) (AuditEntry, error) {
	entry := AuditEntry{
		ID:         "audit-" + uuid.NewString(),
		Timestamp:  at.UTC(),
		ActorID:    actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
	}
	var err error
	if entry.Before, err = snapshotJSON(before); err != nil {
		return AuditEntry{}, err
	}
	if entry.After, err = snapshotJSON(after); err != nil {
		return AuditEntry{}, err
	}
	return entry, nil
}

// Audit builds and appends an audit entry on the given store. Call it inside
// the same WithTx as the state change it records.
func Audit(ctx context.Context, log AuditLog, actor string, action AuditAction, entityType, entityID string, before, after any, at time.Time) error {
	entry, err := NewAuditEntry(actor, action, entityType, entityID, before, after, at)
	if err != nil {
		return err
	}
	if err := log.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("append audit %s: %w", action, err)
	}
	return nil
}

func snapshotJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode audit snapshot: %w", err)
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}
