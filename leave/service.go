/*
service.go - Leave request lifecycle with transactional guarantees

PURPOSE:
  Every operation reads the request and its balance row, validates, then
  writes request, balance, ledger lines and audit record in one WithTx.
  If ANY step fails, ALL changes are rolled back.

BALANCE MOVEMENTS:
  submit             pending += days              ledger: pending  -days
  approve            pending -= days, taken += days   reversal +days, consumption -days
  reject / cancel    pending -= days              ledger: reversal +days
  cancel (approved)  taken   -= days              ledger: reversal +days

SERIALIZATION:
  Mutations on one (employee, leave type) balance take a per-key lock and
  the balance row carries an optimistic version, so two concurrent submits
  can never both pass the available-days check.
*/
package leave

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/generic"
)

type Service struct {
	Store    generic.TxStore
	Calendar generic.HolidayCalendar
	Logger   *slog.Logger
	Now      func() time.Time

	locks *generic.KeyedMutex
}

func NewService(store generic.TxStore, calendar generic.HolidayCalendar, logger *slog.Logger) *Service {
	if calendar == nil {
		calendar = generic.WeekendOnlyCalendar{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store:    store,
		Calendar: calendar,
		Logger:   logger,
		Now:      time.Now,
		locks:    generic.NewKeyedMutex(),
	}
}

func leaveTypes(s generic.Store) generic.Repository[LeaveType, *LeaveType] {
	return generic.NewRepository[LeaveType](s, KindLeaveType)
}

func balances(s generic.Store) generic.Repository[Balance, *Balance] {
	return generic.NewRepository[Balance](s, KindBalance)
}

func requests(s generic.Store) generic.Repository[Request, *Request] {
	return generic.NewRepository[Request](s, KindRequest)
}

// =============================================================================
// CATALOG & QUERIES
// =============================================================================

// SaveLeaveType upserts a catalog entry. The core treats the catalog as
// read-only; this is for seeding and admin tooling.
func (s *Service) SaveLeaveType(ctx context.Context, lt *LeaveType) error {
	if err := lt.Validate(); err != nil {
		return err
	}
	if existing, err := leaveTypes(s.Store).Get(ctx, lt.ID); err == nil {
		lt.Version = existing.Version
	} else if !generic.IsNotFound(err) {
		return err
	}
	return leaveTypes(s.Store).Save(ctx, lt)
}

func (s *Service) LeaveType(ctx context.Context, id string) (*LeaveType, error) {
	return leaveTypes(s.Store).Get(ctx, id)
}

func (s *Service) LeaveTypes(ctx context.Context) ([]*LeaveType, error) {
	return leaveTypes(s.Store).List(ctx, "")
}

func (s *Service) Balance(ctx context.Context, employeeID, leaveTypeID string) (*Balance, error) {
	return balances(s.Store).Get(ctx, BalanceID(employeeID, leaveTypeID))
}

func (s *Service) Balances(ctx context.Context, employeeID string) ([]*Balance, error) {
	return BalancesOf(ctx, s.Store, employeeID)
}

// BalancesOf lists an employee's balances on the given store, which may be a
// transaction.
func BalancesOf(ctx context.Context, st generic.Store, employeeID string) ([]*Balance, error) {
	return balances(st).List(ctx, employeeID+":")
}

func (s *Service) Request(ctx context.Context, id string) (*Request, error) {
	return requests(s.Store).Get(ctx, id)
}

func (s *Service) Requests(ctx context.Context, employeeID string) ([]*Request, error) {
	return requestsFor(ctx, s.Store, employeeID)
}

func requestsFor(ctx context.Context, store generic.Store, employeeID string) ([]*Request, error) {
	all, err := requests(store).List(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []*Request
	for _, r := range all {
		if r.EmployeeID == employeeID {
			out = append(out, r)
		}
	}
	return out, nil
}

// History returns the ledger behind a balance, oldest first.
func (s *Service) History(ctx context.Context, employeeID, leaveTypeID string) ([]generic.Transaction, error) {
	return generic.NewLedger(s.Store).Transactions(ctx, generic.EntityID(employeeID), generic.AccountID(leaveTypeID))
}

// EnsureBalances creates an empty balance for every catalog leave type the
// employee does not have yet, anchored on the current cycle.
func (s *Service) EnsureBalances(ctx context.Context, employeeID string) error {
	types, err := s.LeaveTypes(ctx)
	if err != nil {
		return err
	}
	today := generic.DateOf(s.Now())
	for _, lt := range types {
		unlock := s.locks.Lock(BalanceID(employeeID, lt.ID))
		err := s.Store.WithTx(ctx, func(tx generic.Store) error {
			_, err := balances(tx).Get(ctx, BalanceID(employeeID, lt.ID))
			if err == nil {
				return nil
			}
			if !generic.IsNotFound(err) {
				return err
			}
			return balances(tx).Save(ctx, newBalance(employeeID, lt, today))
		})
		unlock()
		if err != nil {
			return fmt.Errorf("ensure balance %s/%s: %w", employeeID, lt.ID, err)
		}
	}
	return nil
}

func newBalance(employeeID string, lt *LeaveType, today generic.Date) *Balance {
	return &Balance{
		EmployeeID:  employeeID,
		LeaveTypeID: lt.ID,
		CycleStart:  lt.CycleStart(today),
	}
}

// loadOrNewBalance returns the stored balance, or an unsaved zero balance.
func loadOrNewBalance(ctx context.Context, tx generic.Store, employeeID string, lt *LeaveType, today generic.Date) (*Balance, error) {
	b, err := balances(tx).Get(ctx, BalanceID(employeeID, lt.ID))
	if generic.IsNotFound(err) {
		return newBalance(employeeID, lt, today), nil
	}
	return b, err
}

// =============================================================================
// SUBMIT
// =============================================================================

type SubmitInput struct {
	EmployeeID    string
	LeaveTypeID   string
	StartDate     generic.Date
	EndDate       generic.Date
	Reason        string
	AttachmentRef string
	ActorID       string
}

// SubmitRequest creates a pending request and holds its business days
// against the balance.
func (s *Service) SubmitRequest(ctx context.Context, in SubmitInput) (*Request, error) {
	if in.EmployeeID == "" {
		return nil, generic.NewValidationError("employee_id", "is required")
	}
	if in.LeaveTypeID == "" {
		return nil, generic.NewValidationError("leave_type_id", "is required")
	}
	if err := (generic.Period{Start: in.StartDate, End: in.EndDate}).Validate(); err != nil {
		return nil, err
	}
	days := generic.BusinessDays(in.StartDate, in.EndDate, s.Calendar)
	if days == 0 {
		return nil, generic.NewValidationError("end_date", "range %s..%s contains no business days", in.StartDate, in.EndDate)
	}
	requested := decimal.NewFromInt(int64(days))
	actor := actorOr(in.ActorID, in.EmployeeID)

	unlock := s.locks.Lock(BalanceID(in.EmployeeID, in.LeaveTypeID))
	defer unlock()

	now := s.Now().UTC()
	var created *Request
	err := s.Store.WithTx(ctx, func(tx generic.Store) error {
		lt, err := leaveTypes(tx).Get(ctx, in.LeaveTypeID)
		if generic.IsNotFound(err) {
			return generic.NewValidationError("leave_type_id", "unknown leave type %q", in.LeaveTypeID)
		}
		if err != nil {
			return err
		}
		if lt.RequiresAttachment && in.AttachmentRef == "" {
			return generic.NewValidationError("attachment_ref", "leave type %s requires an attachment", lt.ID)
		}

		bal, err := loadOrNewBalance(ctx, tx, in.EmployeeID, lt, generic.DateOf(now))
		if err != nil {
			return err
		}
		if bal.Locked {
			return &generic.InvalidStateError{Entity: "leave balance", ID: bal.AggregateID(), Current: "closed", Operation: "submit request against"}
		}
		if !lt.AllowNegativeBalance && bal.Available().Sub(requested).IsNegative() {
			return &generic.InsufficientBalanceError{
				EntityID:  bal.entity(),
				AccountID: bal.account(),
				Available: generic.Days(bal.Available()),
				Requested: generic.Days(requested),
			}
		}

		req := &Request{
			ID:            "lr-" + uuid.NewString(),
			EmployeeID:    in.EmployeeID,
			LeaveTypeID:   in.LeaveTypeID,
			StartDate:     in.StartDate,
			EndDate:       in.EndDate,
			Days:          requested,
			Reason:        in.Reason,
			AttachmentRef: in.AttachmentRef,
			IsPaid:        lt.IsPaid,
			Status:        StatusPending,
			CreatedAt:     now,
		}
		bal.Pending = bal.Pending.Add(requested)

		if err := balances(tx).Save(ctx, bal); err != nil {
			return err
		}
		if err := requests(tx).Save(ctx, req); err != nil {
			return err
		}
		if err := s.appendLedger(ctx, tx, ledgerLine(bal, generic.TxPending, requested.Neg(), req.StartDate, req.ID, "pending", actor, now)); err != nil {
			return err
		}
		created = req
		return generic.Audit(ctx, tx, actor, AuditRequestSubmitted, "leave_request", req.ID, nil, req, now)
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info("leave request submitted",
		slog.String("request_id", created.ID),
		slog.String("employee_id", created.EmployeeID),
		slog.String("leave_type_id", created.LeaveTypeID),
		slog.String("days", created.Days.String()))
	return created, nil
}

// =============================================================================
// DECISIONS
// =============================================================================

// Approve moves the request's days from pending to taken; available is
// unchanged.
func (s *Service) Approve(ctx context.Context, requestID, approverID string) (*Request, error) {
	return s.decide(ctx, requestID, approverID, AuditRequestApproved, func(req *Request, bal *Balance, now time.Time) ([]generic.Transaction, error) {
		if err := req.transition(StatusApproved, "approve"); err != nil {
			return nil, err
		}
		bal.Pending = bal.Pending.Sub(req.Days)
		bal.Taken = bal.Taken.Add(req.Days)
		return []generic.Transaction{
			ledgerLine(bal, generic.TxReversal, req.Days, req.StartDate, req.ID, "approve-release", approverID, now),
			ledgerLine(bal, generic.TxConsumption, req.Days.Neg(), req.StartDate, req.ID, "approve-consume", approverID, now),
		}, nil
	})
}

// Reject releases the pending days.
func (s *Service) Reject(ctx context.Context, requestID, approverID, reason string) (*Request, error) {
	return s.decide(ctx, requestID, approverID, AuditRequestRejected, func(req *Request, bal *Balance, now time.Time) ([]generic.Transaction, error) {
		if err := req.transition(StatusRejected, "reject"); err != nil {
			return nil, err
		}
		req.RejectionReason = reason
		bal.Pending = bal.Pending.Sub(req.Days)
		return []generic.Transaction{
			ledgerLine(bal, generic.TxReversal, req.Days, req.StartDate, req.ID, "reject-release", approverID, now),
		}, nil
	})
}

// Cancel withdraws a pending request, or an approved one whose leave has not
// started yet.
func (s *Service) Cancel(ctx context.Context, requestID, actorID string) (*Request, error) {
	return s.decide(ctx, requestID, actorID, AuditRequestCancelled, func(req *Request, bal *Balance, now time.Time) ([]generic.Transaction, error) {
		wasApproved := req.Status == StatusApproved
		if wasApproved && !req.StartDate.After(generic.DateOf(now)) {
			return nil, &generic.InvalidStateError{Entity: "leave request", ID: req.ID, Current: "approved (started)", Operation: "cancel"}
		}
		if err := req.transition(StatusCancelled, "cancel"); err != nil {
			return nil, err
		}
		if wasApproved {
			bal.Taken = bal.Taken.Sub(req.Days)
		} else {
			bal.Pending = bal.Pending.Sub(req.Days)
		}
		return []generic.Transaction{
			ledgerLine(bal, generic.TxReversal, req.Days, req.StartDate, req.ID, "cancel-release", actorID, now),
		}, nil
	})
}

type decision func(req *Request, bal *Balance, now time.Time) ([]generic.Transaction, error)

func (s *Service) decide(ctx context.Context, requestID, actorID string, action generic.AuditAction, apply decision) (*Request, error) {
	if actorID == "" {
		return nil, generic.NewValidationError("actor_id", "is required")
	}
	peek, err := requests(s.Store).Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(BalanceID(peek.EmployeeID, peek.LeaveTypeID))
	defer unlock()

	now := s.Now().UTC()
	var updated *Request
	err = s.Store.WithTx(ctx, func(tx generic.Store) error {
		req, err := requests(tx).Get(ctx, requestID)
		if err != nil {
			return err
		}
		before := *req
		bal, err := balances(tx).Get(ctx, BalanceID(req.EmployeeID, req.LeaveTypeID))
		if err != nil {
			return fmt.Errorf("load balance for request %s: %w", req.ID, err)
		}
		if bal.Locked {
			return &generic.InvalidStateError{Entity: "leave balance", ID: bal.AggregateID(), Current: "closed", Operation: "change request against"}
		}

		lines, err := apply(req, bal, now)
		if err != nil {
			return err
		}
		req.DecidedBy = actorID
		req.DecidedAt = &now

		if err := balances(tx).Save(ctx, bal); err != nil {
			return err
		}
		if err := requests(tx).Save(ctx, req); err != nil {
			return err
		}
		if err := s.appendLedger(ctx, tx, lines...); err != nil {
			return err
		}
		updated = req
		return generic.Audit(ctx, tx, actorID, action, "leave_request", req.ID, before, req, now)
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info("leave request updated",
		slog.String("request_id", updated.ID),
		slog.String("status", string(updated.Status)),
		slog.String("actor_id", actorID))
	return updated, nil
}

// =============================================================================
// ADJUSTMENTS & CLOSURE
// =============================================================================

// Adjust adds (or removes, when negative) accrued days. Used for opening
// balances and manual corrections.
func (s *Service) Adjust(ctx context.Context, employeeID, leaveTypeID string, days decimal.Decimal, reason, actorID string) (*Balance, error) {
	if days.IsZero() {
		return nil, generic.NewValidationError("days", "must not be zero")
	}
	unlock := s.locks.Lock(BalanceID(employeeID, leaveTypeID))
	defer unlock()

	now := s.Now().UTC()
	var out *Balance
	err := s.Store.WithTx(ctx, func(tx generic.Store) error {
		lt, err := leaveTypes(tx).Get(ctx, leaveTypeID)
		if err != nil {
			return err
		}
		bal, err := loadOrNewBalance(ctx, tx, employeeID, lt, generic.DateOf(now))
		if err != nil {
			return err
		}
		if bal.Locked {
			return &generic.InvalidStateError{Entity: "leave balance", ID: bal.AggregateID(), Current: "closed", Operation: "adjust"}
		}
		if days.IsNegative() && !lt.AllowNegativeBalance && bal.Available().Add(days).IsNegative() {
			return &generic.InsufficientBalanceError{
				EntityID:  bal.entity(),
				AccountID: bal.account(),
				Available: generic.Days(bal.Available()),
				Requested: generic.Days(days.Neg()),
			}
		}
		before := *bal
		bal.Accrued = bal.Accrued.Add(days)
		if err := balances(tx).Save(ctx, bal); err != nil {
			return err
		}
		line := ledgerLine(bal, generic.TxAdjustment, days, generic.DateOf(now), "", "", actorID, now)
		line.Reason = reason
		if err := s.appendLedger(ctx, tx, line); err != nil {
			return err
		}
		out = bal
		return generic.Audit(ctx, tx, actorID, AuditBalanceAdjusted, "leave_balance", bal.AggregateID(), before, bal, now)
	})
	return out, err
}

// CloseBalances zeroes and locks every balance of the employee, cancelling
// any still-pending requests first. It runs inside the caller's transaction
// so termination can close leave atomically with its own state change.
func (s *Service) CloseBalances(ctx context.Context, tx generic.Store, employeeID, actorID string, on generic.Date) ([]*Balance, error) {
	now := s.Now().UTC()

	reqs, err := requestsFor(ctx, tx, employeeID)
	if err != nil {
		return nil, err
	}
	bals, err := balances(tx).List(ctx, employeeID+":")
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Balance, len(bals))
	for _, b := range bals {
		byID[b.AggregateID()] = b
	}

	for _, req := range reqs {
		if req.Status != StatusPending {
			continue
		}
		bal, ok := byID[BalanceID(req.EmployeeID, req.LeaveTypeID)]
		if !ok {
			continue
		}
		before := *req
		if err := req.transition(StatusCancelled, "cancel"); err != nil {
			return nil, err
		}
		req.DecidedBy = actorID
		req.DecidedAt = &now
		bal.Pending = bal.Pending.Sub(req.Days)
		if err := requests(tx).Save(ctx, req); err != nil {
			return nil, err
		}
		if err := s.appendLedger(ctx, tx, ledgerLine(bal, generic.TxReversal, req.Days, req.StartDate, req.ID, "close-release", actorID, now)); err != nil {
			return nil, err
		}
		if err := generic.Audit(ctx, tx, actorID, AuditRequestCancelled, "leave_request", req.ID, before, req, now); err != nil {
			return nil, err
		}
	}

	for _, bal := range bals {
		if bal.Locked {
			continue
		}
		before := *bal
		remaining := bal.Available()
		bal.Accrued = decimal.Zero
		bal.Taken = decimal.Zero
		bal.Pending = decimal.Zero
		bal.CarriedOver = decimal.Zero
		bal.CarryOverExpiresOn = generic.Date{}
		bal.Locked = true
		bal.ClosedOn = on
		if err := balances(tx).Save(ctx, bal); err != nil {
			return nil, err
		}
		if !remaining.IsZero() {
			if err := s.appendLedger(ctx, tx, ledgerLine(bal, generic.TxReconciliation, remaining.Neg(), on, "", "close", actorID, now)); err != nil {
				return nil, err
			}
		}
		if err := generic.Audit(ctx, tx, actorID, AuditBalanceClosed, "leave_balance", bal.AggregateID(), before, bal, now); err != nil {
			return nil, err
		}
	}
	return bals, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func ledgerLine(b *Balance, typ generic.TransactionType, delta decimal.Decimal, effective generic.Date, ref, step, actor string, now time.Time) generic.Transaction {
	tx := generic.Transaction{
		ID:          generic.TransactionID("tx-" + uuid.NewString()),
		EntityID:    b.entity(),
		AccountID:   b.account(),
		EffectiveAt: effective,
		Delta:       generic.Days(delta),
		Type:        typ,
		ReferenceID: ref,
		CreatedBy:   actor,
		CreatedAt:   now,
	}
	if ref != "" && step != "" {
		tx.IdempotencyKey = "leave:" + ref + ":" + step
	}
	return tx
}

func (s *Service) appendLedger(ctx context.Context, tx generic.Store, lines ...generic.Transaction) error {
	if err := generic.NewLedger(tx).AppendBatch(ctx, lines); err != nil {
		return fmt.Errorf("append leave ledger: %w", err)
	}
	return nil
}

func actorOr(actor, fallback string) string {
	if actor != "" {
		return actor
	}
	return fallback
}
