/*
service.go - Termination lifecycle

	draft ──submit──▶ pending_payroll ──finalize──▶ completed

Finalize runs in one transaction: the settlement is recomputed from the
balances read inside the transaction, the employee is marked terminated,
every leave balance is zeroed and locked, and the termination is frozen
with its settlement. Any failure leaves all of them untouched.
*/
package termination

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/leave"
	"github.com/warp/payroll-engine/payroll"
)

type Service struct {
	Store      generic.TxStore
	Leave      *leave.Service
	Calculator *payroll.Calculator
	Calendar   generic.HolidayCalendar
	Policy     SettlementPolicy
	Logger     *slog.Logger
	Now        func() time.Time
}

func NewService(store generic.TxStore, leaveSvc *leave.Service, calc *payroll.Calculator, policy SettlementPolicy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store:      store,
		Leave:      leaveSvc,
		Calculator: calc,
		Calendar:   calc.Calendar,
		Policy:     policy,
		Logger:     logger,
		Now:        time.Now,
	}
}

func terminations(st generic.Store) generic.Repository[Termination, *Termination] {
	return generic.NewRepository[Termination](st, KindTermination)
}

func (s *Service) Get(ctx context.Context, id string) (*Termination, error) {
	return terminations(s.Store).Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*Termination, error) {
	return terminations(s.Store).List(ctx, "")
}

// =============================================================================
// CREATE & EDIT
// =============================================================================

type CreateInput struct {
	EmployeeID       string
	TerminationDate  generic.Date
	LastWorkingDay   generic.Date
	Reason           Reason
	NoticePeriodDays int
	PaidInLieu       bool
	Notes            string
	ActorID          string
}

// Create opens a draft termination. An employee can have only one open
// termination at a time.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Termination, error) {
	now := s.Now().UTC()
	t := &Termination{
		ID:               "term-" + uuid.NewString(),
		EmployeeID:       in.EmployeeID,
		TerminationDate:  in.TerminationDate,
		LastWorkingDay:   in.LastWorkingDay,
		Reason:           in.Reason,
		Status:           StatusDraft,
		NoticePeriodDays: in.NoticePeriodDays,
		PaidInLieu:       in.PaidInLieu,
		Notes:            in.Notes,
		CreatedAt:        now,
		CreatedBy:        in.ActorID,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	err := s.Store.WithTx(ctx, func(tx generic.Store) error {
		emp, err := payroll.NewDirectory(tx).Employee(ctx, t.EmployeeID)
		if err != nil {
			return err
		}
		if emp.Status == payroll.EmployeeTerminated {
			return &generic.InvalidStateError{Entity: "employee", ID: emp.ID, Current: string(emp.Status), Operation: "terminate"}
		}
		if t.LastWorkingDay.Before(emp.HireDate) {
			return generic.NewValidationError("last_working_day", "is before the hire date %s", emp.HireDate)
		}
		existing, err := terminations(tx).List(ctx, "")
		if err != nil {
			return err
		}
		for _, other := range existing {
			if other.EmployeeID == t.EmployeeID && other.Status != StatusCompleted {
				return fmt.Errorf("%w: employee %s already has open termination %s", generic.ErrAlreadyExists, t.EmployeeID, other.ID)
			}
		}
		if err := terminations(tx).Save(ctx, t); err != nil {
			return err
		}
		return generic.Audit(ctx, tx, in.ActorID, AuditCreated, "termination", t.ID, nil, t, now)
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info("termination created",
		slog.String("termination_id", t.ID),
		slog.String("employee_id", t.EmployeeID),
		slog.String("reason", string(t.Reason)))
	return t, nil
}

// Submit hands the termination to payroll.
func (s *Service) Submit(ctx context.Context, id, actorID string) (*Termination, error) {
	return s.update(ctx, id, actorID, AuditSubmitted, func(t *Termination, now time.Time) error {
		if err := t.transition(StatusPendingPayroll, "submit"); err != nil {
			return err
		}
		t.SubmittedAt = &now
		return nil
	})
}

// SetDeductionSkip toggles an optional settlement deduction.
func (s *Service) SetDeductionSkip(ctx context.Context, id, code string, skip bool, actorID string) (*Termination, error) {
	if code == "" {
		return nil, generic.NewValidationError("code", "is required")
	}
	if skip && !Skippable(code) {
		return nil, generic.NewValidationError("deductions."+code, "cannot be skipped")
	}
	return s.update(ctx, id, actorID, AuditDeductionsEdited, func(t *Termination, _ time.Time) error {
		if t.Skips == nil {
			t.Skips = map[string]bool{}
		}
		if skip {
			t.Skips[code] = true
		} else {
			delete(t.Skips, code)
		}
		return nil
	})
}

// SetExtraDeductions replaces the non-statutory deductions on the settlement
// such as outstanding loans or equipment not returned.
func (s *Service) SetExtraDeductions(ctx context.Context, id string, lines []payroll.DeductionLine, actorID string) (*Termination, error) {
	for i, l := range lines {
		if l.Code == "" {
			return nil, generic.NewValidationError("deductions", "line %d has no code", i)
		}
		if l.Code == payroll.CodePAYE || l.Code == payroll.CodeUIF || l.Code == payroll.CodeSDL {
			return nil, generic.NewValidationError("deductions."+l.Code, "statutory lines are computed")
		}
		if l.Amount.IsNegative() {
			return nil, generic.NewValidationError("deductions."+l.Code, "amount must not be negative")
		}
	}
	return s.update(ctx, id, actorID, AuditDeductionsEdited, func(t *Termination, _ time.Time) error {
		t.ExtraDeductions = lines
		return nil
	})
}

func (s *Service) update(ctx context.Context, id, actorID string, action generic.AuditAction, apply func(*Termination, time.Time) error) (*Termination, error) {
	now := s.Now().UTC()
	var out *Termination
	err := s.Store.WithTx(ctx, func(tx generic.Store) error {
		t, err := terminations(tx).Get(ctx, id)
		if err != nil {
			return err
		}
		if t.Status == StatusCompleted {
			return &generic.InvalidStateError{Entity: "termination", ID: t.ID, Current: string(t.Status), Operation: "modify"}
		}
		before := *t
		if err := apply(t, now); err != nil {
			return err
		}
		if err := terminations(tx).Save(ctx, t); err != nil {
			return err
		}
		out = t
		return generic.Audit(ctx, tx, actorID, action, "termination", t.ID, before, t, now)
	})
	return out, err
}

// =============================================================================
// SETTLEMENT & FINALIZE
// =============================================================================

// Settlement previews the final pay. A completed termination returns the
// settlement frozen at completion.
func (s *Service) Settlement(ctx context.Context, id string) (*PayComponents, error) {
	t, err := terminations(s.Store).Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusCompleted && t.Settlement != nil {
		return t.Settlement, nil
	}
	return s.settle(ctx, s.Store, t)
}

func (s *Service) settle(ctx context.Context, st generic.Store, t *Termination) (*PayComponents, error) {
	emp, err := payroll.NewDirectory(st).Employee(ctx, t.EmployeeID)
	if err != nil {
		return nil, err
	}
	bals, err := leave.BalancesOf(ctx, st, t.EmployeeID)
	if err != nil {
		return nil, err
	}
	return ComputeSettlement(emp, t, bals, s.Calendar, s.Calculator, s.Policy)
}

// Finalize completes a pending_payroll termination. It fails with
// NegativeNetPayError when deductions exceed the settlement gross.
func (s *Service) Finalize(ctx context.Context, id, actorID string) (*Termination, error) {
	if actorID == "" {
		return nil, generic.NewValidationError("actor_id", "is required")
	}
	now := s.Now().UTC()
	var out *Termination
	err := s.Store.WithTx(ctx, func(tx generic.Store) error {
		t, err := terminations(tx).Get(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != StatusPendingPayroll {
			return &generic.InvalidStateError{Entity: "termination", ID: t.ID, Current: string(t.Status), Operation: "finalize"}
		}
		before := *t

		settlement, err := s.settle(ctx, tx, t)
		if err != nil {
			return err
		}
		if settlement.Summary.NetPay.IsNegative() {
			return &generic.NegativeNetPayError{
				EmployeeID:      t.EmployeeID,
				GrossPay:        settlement.Summary.GrossPay,
				TotalDeductions: settlement.Summary.TotalDeductions,
			}
		}

		if _, err := payroll.MarkTerminated(ctx, tx, t.EmployeeID, t.TerminationDate, actorID, now); err != nil {
			return err
		}
		if _, err := s.Leave.CloseBalances(ctx, tx, t.EmployeeID, actorID, t.TerminationDate); err != nil {
			return fmt.Errorf("close leave balances: %w", err)
		}

		if err := t.transition(StatusCompleted, "finalize"); err != nil {
			return err
		}
		t.FinalizedAt = &now
		t.FinalizedBy = actorID
		t.Settlement = settlement
		if err := terminations(tx).Save(ctx, t); err != nil {
			return err
		}
		out = t
		return generic.Audit(ctx, tx, actorID, AuditFinalized, "termination", t.ID, before, t, now)
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info("termination finalized",
		slog.String("termination_id", out.ID),
		slog.String("employee_id", out.EmployeeID),
		slog.String("net", out.Settlement.Summary.NetPay.StringFixed(2)),
		slog.String("actor_id", actorID))
	return out, nil
}
