/*
service.go - Monthly filings and bi-annual reconciliation

PURPOSE:
  A monthly filing is rebuilt from finalized pay runs whose pay date falls
  in its month, for as long as it is draft or ready. Once submitted it is
  append-only: later corrections belong to a later month's filing.

  A reconciliation is regenerated on demand. Regeneration replaces a draft
  wholesale; a submitted reconciliation is never regenerated.
*/
package filing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/payrun"
)

// FinalizedRuns is the pay run read side filings need.
type FinalizedRuns interface {
	FinalizedBetween(ctx context.Context, st generic.Store, p generic.Period) ([]payrun.Finalized, error)
}

type Service struct {
	Store             generic.TxStore
	Runs              FinalizedRuns
	Logger            *slog.Logger
	Now               func() time.Time
	TaxYearStartMonth time.Month
}

var _ payrun.FinalizedHook = (*Service)(nil)

func NewService(store generic.TxStore, runs FinalizedRuns, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store:             store,
		Runs:              runs,
		Logger:            logger,
		Now:               time.Now,
		TaxYearStartMonth: time.March,
	}
}

func filings(st generic.Store) generic.Repository[MonthlyFiling, *MonthlyFiling] {
	return generic.NewRepository[MonthlyFiling](st, KindMonthlyFiling)
}

func reconciliations(st generic.Store) generic.Repository[Reconciliation, *Reconciliation] {
	return generic.NewRepository[Reconciliation](st, KindReconciliation)
}

func (s *Service) Get(ctx context.Context, id string) (*MonthlyFiling, error) {
	return filings(s.Store).Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*MonthlyFiling, error) {
	return filings(s.Store).List(ctx, "")
}

// =============================================================================
// MONTHLY FILING
// =============================================================================

// BuildMonthly creates or rebuilds the filing for a month.
func (s *Service) BuildMonthly(ctx context.Context, year int, month time.Month, actorID string) (*MonthlyFiling, error) {
	if month < time.January || month > time.December {
		return nil, generic.NewValidationError("month", "must be 1..12")
	}
	period := generic.MonthPeriod(year, month)
	now := s.Now().UTC()
	id := MonthlyFilingID(year, month)
	var out *MonthlyFiling
	err := s.Store.WithTx(ctx, func(tx generic.Store) error {
		// Runs are read in the same transaction as the filing write so a
		// concurrent finalize cannot be dropped by a stale rebuild.
		runs, err := s.Runs.FinalizedBetween(ctx, tx, period)
		if err != nil {
			return err
		}
		lines, totals, runIDs := buildLines(runs)

		f, err := filings(tx).Get(ctx, id)
		var before any
		switch {
		case generic.IsNotFound(err):
			f = &MonthlyFiling{ID: id, Period: period, Status: StatusDraft}
		case err != nil:
			return err
		default:
			if !f.Status.Editable() {
				return &generic.InvalidStateError{Entity: "monthly filing", ID: f.ID, Current: string(f.Status), Operation: "rebuild"}
			}
			snapshot := *f
			before = snapshot
		}
		f.Lines = lines
		f.Totals = totals
		f.PayRunIDs = runIDs
		f.BuiltAt = now
		if err := filings(tx).Save(ctx, f); err != nil {
			return err
		}
		out = f
		return generic.Audit(ctx, tx, actorID, AuditFilingBuilt, "monthly_filing", f.ID, before, f, now)
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info("monthly filing built",
		slog.String("filing_id", out.ID),
		slog.Int("pay_runs", len(out.PayRunIDs)),
		slog.String("tax", out.Totals.Tax.StringFixed(2)))
	return out, nil
}

// rebuildAttempts bounds how often a hook rebuild is retried after losing a
// write race with another rebuild of the same month.
const rebuildAttempts = 3

// PayRunFinalized rebuilds the filing for the run's pay month. A filing that
// is already submitted is left alone.
func (s *Service) PayRunFinalized(ctx context.Context, run *payrun.PayRun, _ []*payroll.Payslip) error {
	var err error
	for attempt := 0; attempt < rebuildAttempts; attempt++ {
		if _, err = s.BuildMonthly(ctx, run.PayDate.Year(), run.PayDate.Month(), "system:filing"); !generic.IsRetryable(err) {
			break
		}
	}
	if errors.Is(err, generic.ErrInvalidState) {
		s.Logger.Warn("pay run finalized after its month was filed",
			slog.String("pay_run_id", run.ID),
			slog.String("month", run.PayDate.MonthKey()))
		return nil
	}
	return err
}

func (s *Service) MarkReady(ctx context.Context, id, actorID string) (*MonthlyFiling, error) {
	return s.advance(ctx, id, actorID, StatusReady, AuditFilingReady, nil)
}

// Submit records the hand-off to the filing submission service.
func (s *Service) Submit(ctx context.Context, id, actorID string) (*MonthlyFiling, error) {
	if actorID == "" {
		return nil, generic.NewValidationError("actor_id", "is required")
	}
	return s.advance(ctx, id, actorID, StatusSubmitted, AuditFilingSubmitted, func(f *MonthlyFiling, now time.Time) {
		f.SubmissionDate = &now
		f.SubmittedBy = actorID
	})
}

func (s *Service) Accept(ctx context.Context, id, reference, actorID string) (*MonthlyFiling, error) {
	return s.advance(ctx, id, actorID, StatusAccepted, AuditFilingAccepted, func(f *MonthlyFiling, now time.Time) {
		f.DecidedAt = &now
		f.Reference = reference
	})
}

func (s *Service) Reject(ctx context.Context, id, reason, actorID string) (*MonthlyFiling, error) {
	if reason == "" {
		return nil, generic.NewValidationError("reason", "is required")
	}
	return s.advance(ctx, id, actorID, StatusRejected, AuditFilingRejected, func(f *MonthlyFiling, now time.Time) {
		f.DecidedAt = &now
		f.RejectionReason = reason
	})
}

func (s *Service) advance(ctx context.Context, id, actorID string, to Status, action generic.AuditAction, apply func(*MonthlyFiling, time.Time)) (*MonthlyFiling, error) {
	now := s.Now().UTC()
	var out *MonthlyFiling
	err := s.Store.WithTx(ctx, func(tx generic.Store) error {
		f, err := filings(tx).Get(ctx, id)
		if err != nil {
			return err
		}
		before := *f
		if err := f.transition(to, string(action)); err != nil {
			return err
		}
		if apply != nil {
			apply(f, now)
		}
		if err := filings(tx).Save(ctx, f); err != nil {
			return err
		}
		out = f
		return generic.Audit(ctx, tx, actorID, action, "monthly_filing", f.ID, before, f, now)
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info("monthly filing "+string(to), slog.String("filing_id", id), slog.String("actor_id", actorID))
	return out, nil
}

// Submission is what the filing submission service receives.
type Submission struct {
	FilingID string         `json:"filing_id"`
	Period   generic.Period `json:"period"`
	Status   Status         `json:"status"`
	Totals   Totals         `json:"totals"`
	Lines    []Line         `json:"lines"`
}

// SubmissionTotals exposes a filing's totals once it is no longer a draft.
func (s *Service) SubmissionTotals(ctx context.Context, id string) (*Submission, error) {
	f, err := filings(s.Store).Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Status == StatusDraft {
		return nil, &generic.InvalidStateError{Entity: "monthly filing", ID: f.ID, Current: string(f.Status), Operation: "export"}
	}
	return &Submission{FilingID: f.ID, Period: f.Period, Status: f.Status, Totals: f.Totals, Lines: f.Lines}, nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func (s *Service) Reconciliation(ctx context.Context, id string) (*Reconciliation, error) {
	return reconciliations(s.Store).Get(ctx, id)
}

func (s *Service) Reconciliations(ctx context.Context) ([]*Reconciliation, error) {
	return reconciliations(s.Store).List(ctx, "")
}

// GenerateReconciliation recomputes the declaration for a tax year and
// replaces any draft.
func (s *Service) GenerateReconciliation(ctx context.Context, taxYear int, t ReconciliationType, actorID string) (*Reconciliation, error) {
	if !t.Valid() {
		return nil, generic.NewValidationError("type", "unknown reconciliation type %q", t)
	}
	if taxYear < 1900 {
		return nil, generic.NewValidationError("tax_year", "is out of range")
	}
	periods := CoveredPeriods(taxYear, t, s.TaxYearStartMonth)
	var r *Reconciliation
	err := s.Store.WithTx(ctx, func(tx generic.Store) error {
		runs, err := s.Runs.FinalizedBetween(ctx, tx, span(periods))
		if err != nil {
			return err
		}
		all, err := filings(tx).List(ctx, "")
		if err != nil {
			return err
		}
		r = Reconcile(taxYear, t, periods, runs, all)
		r.ID = ReconciliationID(taxYear, t)
		r.Status = ReconciliationDraft
		r.GeneratedAt = s.Now().UTC()
		r.GeneratedBy = actorID

		existing, err := reconciliations(tx).Get(ctx, r.ID)
		var before any
		switch {
		case generic.IsNotFound(err):
		case err != nil:
			return err
		default:
			if existing.Status == ReconciliationSubmitted {
				return &generic.InvalidStateError{Entity: "reconciliation", ID: r.ID, Current: string(existing.Status), Operation: "regenerate"}
			}
			r.Version = existing.Version
			before = *existing
		}
		if err := reconciliations(tx).Save(ctx, r); err != nil {
			return err
		}
		return generic.Audit(ctx, tx, actorID, AuditReconciliationGenerated, "reconciliation", r.ID, before, r, r.GeneratedAt)
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info("reconciliation generated",
		slog.String("reconciliation_id", r.ID),
		slog.String("variance", r.Variance.StringFixed(2)),
		slog.Int("mismatches", r.MismatchCount()),
		slog.Int("missing_filings", len(r.MissingFilings)))
	return r, nil
}

func (s *Service) SubmitReconciliation(ctx context.Context, id, actorID string) (*Reconciliation, error) {
	if actorID == "" {
		return nil, generic.NewValidationError("actor_id", "is required")
	}
	now := s.Now().UTC()
	var out *Reconciliation
	err := s.Store.WithTx(ctx, func(tx generic.Store) error {
		r, err := reconciliations(tx).Get(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != ReconciliationDraft {
			return &generic.InvalidStateError{Entity: "reconciliation", ID: r.ID, Current: string(r.Status), Operation: "submit"}
		}
		before := *r
		r.Status = ReconciliationSubmitted
		r.SubmittedAt = &now
		r.SubmittedBy = actorID
		if err := reconciliations(tx).Save(ctx, r); err != nil {
			return err
		}
		out = r
		return generic.Audit(ctx, tx, actorID, AuditReconciliationSubmitted, "reconciliation", r.ID, before, r, now)
	})
	if err != nil {
		return nil, err
	}
	if out.MismatchCount() > 0 {
		s.Logger.Warn("reconciliation submitted with mismatches",
			slog.String("reconciliation_id", id),
			slog.String("variance", out.Variance.StringFixed(2)))
	}
	return out, nil
}
