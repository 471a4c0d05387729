/*
service.go - Pay run orchestration

PURPOSE:
  Owns the pay run state machine and is the only writer of pay runs and
  payslips. Payslips are computed outside any store transaction, in
  parallel, and committed together with the run's totals in a single
  version-checked write.

CALCULATE:
  1. draft: move to calculating (persisted, audited).
     ready: stay ready; the recalculation replaces payslips in place.
  2. Fetch in-scope employees from the employee master and compute every
     payslip concurrently. A failing employee is recorded on the run and
     does not stop the others.
  3. Commit: run version must be unchanged since step 1, otherwise
     ConcurrentModification. Old payslips are replaced, totals rewritten,
     status set to ready.
  If the context is cancelled before the commit, a run that started in
  draft is rolled back to draft; a ready run is left as it was.

FINALIZE:
  ready with no employee errors -> finalized. Run and payslips are then
  immutable. Registered hooks run after the commit.
*/
package payrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/payroll"
)

// FinalizedHook is notified after a run is finalized. Errors are logged; the
// run stays finalized.
type FinalizedHook interface {
	PayRunFinalized(ctx context.Context, run *PayRun, payslips []*payroll.Payslip) error
}

type Service struct {
	Store      generic.TxStore
	Employees  payroll.EmployeeMaster
	Calculator *payroll.Calculator
	Logger     *slog.Logger
	Now        func() time.Time

	// Workers bounds concurrent payslip computations.
	Workers           int
	TaxYearStartMonth time.Month

	hooks []FinalizedHook
}

func NewService(store generic.TxStore, employees payroll.EmployeeMaster, calc *payroll.Calculator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store:             store,
		Employees:         employees,
		Calculator:        calc,
		Logger:            logger,
		Now:               time.Now,
		Workers:           8,
		TaxYearStartMonth: time.March,
	}
}

// OnFinalized registers a hook run after each successful finalize.
func (s *Service) OnFinalized(h FinalizedHook) {
	s.hooks = append(s.hooks, h)
}

func runs(st generic.Store) generic.Repository[PayRun, *PayRun] {
	return generic.NewRepository[PayRun](st, KindPayRun)
}

func payslips(st generic.Store) generic.Repository[payroll.Payslip, *payroll.Payslip] {
	return generic.NewRepository[payroll.Payslip](st, KindPayslip)
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) Get(ctx context.Context, id string) (*PayRun, error) {
	return runs(s.Store).Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*PayRun, error) {
	return runs(s.Store).List(ctx, "")
}

func (s *Service) Payslips(ctx context.Context, runID string) ([]*payroll.Payslip, error) {
	if _, err := runs(s.Store).Get(ctx, runID); err != nil {
		return nil, err
	}
	return payslips(s.Store).List(ctx, runID+"/")
}

func (s *Service) Payslip(ctx context.Context, runID, employeeID string) (*payroll.Payslip, error) {
	return payslips(s.Store).Get(ctx, payroll.PayslipID(runID, employeeID))
}

// Finalized is a finalized run with its payslips.
type Finalized struct {
	Run      *PayRun
	Payslips []*payroll.Payslip
}

// FinalizedBetween returns finalized runs whose pay date falls in p, read
// through st when it is non-nil so callers can see them inside their own
// transaction.
func (s *Service) FinalizedBetween(ctx context.Context, st generic.Store, p generic.Period) ([]Finalized, error) {
	if st == nil {
		st = s.Store
	}
	return finalizedBetween(ctx, st, p)
}

func finalizedBetween(ctx context.Context, st generic.Store, p generic.Period) ([]Finalized, error) {
	all, err := runs(st).List(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []Finalized
	for _, r := range all {
		if r.Status != StatusFinalized || !p.Contains(r.PayDate) {
			continue
		}
		slips, err := payslips(st).List(ctx, r.ID+"/")
		if err != nil {
			return nil, err
		}
		out = append(out, Finalized{Run: r, Payslips: slips})
	}
	return out, nil
}

// =============================================================================
// CREATE & INPUTS
// =============================================================================

type CreateInput struct {
	Period    generic.Period
	PayDate   generic.Date
	Frequency generic.PayFrequency
	ActorID   string
}

// Create opens a draft run. Runs of the same frequency may not overlap.
func (s *Service) Create(ctx context.Context, in CreateInput) (*PayRun, error) {
	if err := in.Period.Validate(); err != nil {
		return nil, err
	}
	if in.PayDate.IsZero() {
		return nil, generic.NewValidationError("pay_date", "is required")
	}
	if in.PayDate.Before(in.Period.Start) {
		return nil, generic.NewValidationError("pay_date", "must not be before the period start")
	}
	if in.Frequency == "" {
		in.Frequency = generic.FrequencyMonthly
	}
	if !in.Frequency.Valid() {
		return nil, generic.NewValidationError("frequency", "unknown pay frequency %q", in.Frequency)
	}

	now := s.Now().UTC()
	run := &PayRun{
		ID:        "run-" + uuid.NewString(),
		Period:    in.Period,
		PayDate:   in.PayDate,
		Frequency: in.Frequency,
		Status:    StatusDraft,
		Inputs:    map[string]payroll.Inputs{},
		CreatedAt: now,
		CreatedBy: in.ActorID,
	}
	err := s.Store.WithTx(ctx, func(tx generic.Store) error {
		existing, err := runs(tx).List(ctx, "")
		if err != nil {
			return err
		}
		for _, r := range existing {
			if r.Frequency == run.Frequency && r.Period.Overlaps(run.Period) {
				return generic.NewValidationError("period", "overlaps pay run %s %s", r.ID, r.Period)
			}
		}
		if err := runs(tx).Save(ctx, run); err != nil {
			return err
		}
		return generic.Audit(ctx, tx, in.ActorID, AuditCreated, "pay_run", run.ID, nil, run.withoutInputs(), now)
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info("pay run created", slog.String("pay_run_id", run.ID), slog.String("period", run.Period.String()))
	return run, nil
}

// SetEmployeeInputs merges ad-hoc lines for one employee into a draft run.
// Use UpdatePayslip once the run is ready.
func (s *Service) SetEmployeeInputs(ctx context.Context, runID, employeeID string, in payroll.Inputs, actorID string) (*PayRun, error) {
	if employeeID == "" {
		return nil, generic.NewValidationError("employee_id", "is required")
	}
	now := s.Now().UTC()
	var out *PayRun
	err := s.Store.WithTx(ctx, func(tx generic.Store) error {
		run, err := runs(tx).Get(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != StatusDraft {
			return &generic.InvalidStateError{Entity: "pay run", ID: run.ID, Current: string(run.Status), Operation: "set inputs on"}
		}
		if run.Inputs == nil {
			run.Inputs = map[string]payroll.Inputs{}
		}
		before := run.Inputs[employeeID]
		run.Inputs[employeeID] = before.Merge(in)
		if err := runs(tx).Save(ctx, run); err != nil {
			return err
		}
		out = run
		return generic.Audit(ctx, tx, actorID, AuditInputsUpdated, "pay_run", run.ID, before, run.Inputs[employeeID], now)
	})
	return out, err
}

// =============================================================================
// CALCULATE
// =============================================================================

type outcome struct {
	slip *payroll.Payslip
	err  error
}

// Calculate computes every in-scope employee's payslip and moves the run to
// ready. Per-employee failures are counted in EmployeesWithErrors.
func (s *Service) Calculate(ctx context.Context, runID, actorID string) (*PayRun, error) {
	start := time.Now()
	run, err := runs(s.Store).Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	var claim string
	switch run.Status {
	case StatusDraft, StatusCalculating:
		// A run left calculating by an interrupted calculation is claimed
		// afresh; the earlier claim can no longer commit.
		if run, err = s.beginCalculation(ctx, run, actorID); err != nil {
			return nil, err
		}
		claim = run.CalculationID
	case StatusReady:
	default:
		return nil, &generic.InvalidStateError{Entity: "pay run", ID: run.ID, Current: string(run.Status), Operation: "calculate"}
	}
	expectedVersion := run.Version
	abort := func(cause error) {
		if claim != "" {
			s.rollbackToDraft(context.WithoutCancel(ctx), runID, claim, actorID, cause)
		}
	}

	slips, errs, inScope, err := s.computeAll(ctx, run)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		abort(err)
		return nil, fmt.Errorf("calculate pay run %s: %w", runID, err)
	}
	if err := s.applyYTD(ctx, run, slips); err != nil {
		abort(err)
		return nil, err
	}

	now := s.Now().UTC()
	var committed *PayRun
	err = s.Store.WithTx(ctx, func(tx generic.Store) error {
		current, err := runs(tx).Get(ctx, runID)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion || current.CalculationID != claim {
			return &generic.ConcurrentModificationError{Kind: KindPayRun, ID: runID, Expected: expectedVersion, Actual: current.Version}
		}
		before := current.withoutInputs()

		if err := replacePayslips(ctx, tx, runID, slips); err != nil {
			return err
		}
		current.Errors = errs
		current.aggregate(slips, inScope)
		if err := current.transition(StatusReady, "complete calculation of"); err != nil {
			return err
		}
		current.CalculationID = ""
		current.CalculatedAt = &now
		if err := runs(tx).Save(ctx, current); err != nil {
			return err
		}
		committed = current
		return generic.Audit(ctx, tx, actorID, AuditCalculated, "pay_run", runID, before, current.withoutInputs(), now)
	})
	if err != nil {
		abort(err)
		return nil, err
	}

	s.Logger.Info("pay run calculated",
		slog.String("pay_run_id", runID),
		slog.Int("employees", committed.Totals.EmployeeCount),
		slog.Int("employees_with_errors", committed.Totals.EmployeesWithErrors),
		slog.String("gross", committed.Totals.Gross.StringFixed(2)),
		slog.Duration("elapsed", time.Since(start)))
	return committed, nil
}

func (s *Service) beginCalculation(ctx context.Context, run *PayRun, actorID string) (*PayRun, error) {
	now := s.Now().UTC()
	err := s.Store.WithTx(ctx, func(tx generic.Store) error {
		current, err := runs(tx).Get(ctx, run.ID)
		if err != nil {
			return err
		}
		if current.Version != run.Version {
			return &generic.ConcurrentModificationError{Kind: KindPayRun, ID: run.ID, Expected: run.Version, Actual: current.Version}
		}
		before := current.withoutInputs()
		if err := current.transition(StatusCalculating, "calculate"); err != nil {
			return err
		}
		current.CalculationID = uuid.NewString()
		if err := runs(tx).Save(ctx, current); err != nil {
			return err
		}
		run = current
		return generic.Audit(ctx, tx, actorID, AuditCalculationStarted, "pay_run", run.ID, before, current.withoutInputs(), now)
	})
	return run, err
}

// rollbackToDraft returns a calculating run to draft when the calculation
// holding claim did not complete. A run claimed by a later calculation, or
// already moved on, is left alone.
func (s *Service) rollbackToDraft(ctx context.Context, runID, claim, actorID string, cause error) {
	now := s.Now().UTC()
	rolledBack := false
	err := s.Store.WithTx(ctx, func(tx generic.Store) error {
		current, err := runs(tx).Get(ctx, runID)
		if generic.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.Status != StatusCalculating || current.CalculationID != claim {
			return nil
		}
		before := current.withoutInputs()
		if err := current.transition(StatusDraft, "roll back"); err != nil {
			return err
		}
		current.CalculationID = ""
		if err := runs(tx).Save(ctx, current); err != nil {
			return err
		}
		rolledBack = true
		return generic.Audit(ctx, tx, actorID, AuditCalculationCancelled, "pay_run", runID, before, current.withoutInputs(), now)
	})
	if err != nil {
		s.Logger.Error("pay run rollback failed", slog.String("pay_run_id", runID), slog.String("error", err.Error()))
		return
	}
	if rolledBack {
		s.Logger.Warn("pay run calculation rolled back to draft", slog.String("pay_run_id", runID), slog.String("cause", cause.Error()))
	}
}

// computeAll fans out one calculation per employee. It returns an error only
// when the context is cancelled or the employee master fails.
func (s *Service) computeAll(ctx context.Context, run *PayRun) ([]*payroll.Payslip, []EmployeeError, int, error) {
	emps, err := s.Employees.InScope(ctx, run.Period, run.Frequency)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("load in-scope employees: %w", err)
	}

	results := make([]outcome, len(emps))
	g, gctx := errgroup.WithContext(ctx)
	if s.Workers > 0 {
		g.SetLimit(s.Workers)
	}
	for i, emp := range emps {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			slip, err := s.Calculator.ComputePayslip(emp, run.PayPeriod(), run.Inputs[emp.ID])
			if slip != nil {
				slip.PayRunID = run.ID
			}
			results[i] = outcome{slip: slip, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, 0, err
	}

	var (
		slips []*payroll.Payslip
		errs  []EmployeeError
	)
	for i, r := range results {
		if r.err != nil {
			errs = append(errs, employeeError(emps[i].ID, r.err))
			s.Logger.Warn("payslip calculation failed",
				slog.String("pay_run_id", run.ID),
				slog.String("employee_id", emps[i].ID),
				slog.String("error", r.err.Error()))
			continue
		}
		slips = append(slips, r.slip)
	}
	return slips, errs, len(emps), nil
}

func employeeError(employeeID string, err error) EmployeeError {
	code := "calculation_failed"
	switch {
	case errors.Is(err, generic.ErrNegativeNetPay):
		code = "negative_net_pay"
	case errors.Is(err, generic.ErrValidation):
		code = "validation"
	}
	return EmployeeError{EmployeeID: employeeID, Code: code, Message: err.Error()}
}

// applyYTD adds each employee's finalized totals from earlier runs in the
// same tax year.
func (s *Service) applyYTD(ctx context.Context, run *PayRun, slips []*payroll.Payslip) error {
	prior, err := s.priorYTD(ctx, s.Store, run)
	if err != nil {
		return err
	}
	for _, slip := range slips {
		slip.YTD = prior[slip.EmployeeID].Add(slip)
	}
	return nil
}

func (s *Service) priorYTD(ctx context.Context, st generic.Store, run *PayRun) (map[string]payroll.YTD, error) {
	year := generic.TaxYearPeriod(generic.TaxYearOf(run.PayDate, s.TaxYearStartMonth), s.TaxYearStartMonth)
	earlier := generic.Period{Start: year.Start, End: run.PayDate.AddDays(-1)}
	out := map[string]payroll.YTD{}
	if earlier.End.Before(earlier.Start) {
		return out, nil
	}
	finalized, err := finalizedBetween(ctx, st, earlier)
	if err != nil {
		return nil, fmt.Errorf("load year-to-date runs: %w", err)
	}
	for _, f := range finalized {
		for _, slip := range f.Payslips {
			out[slip.EmployeeID] = out[slip.EmployeeID].Add(slip)
		}
	}
	return out, nil
}

func replacePayslips(ctx context.Context, tx generic.Store, runID string, slips []*payroll.Payslip) error {
	old, err := payslips(tx).List(ctx, runID+"/")
	if err != nil {
		return err
	}
	for _, o := range old {
		if err := payslips(tx).Delete(ctx, o); err != nil {
			return err
		}
	}
	for _, slip := range slips {
		slip.Version = 0
		if err := payslips(tx).Save(ctx, slip); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// PAYSLIP EDITS
// =============================================================================

// UpdatePayslip merges line edits into one employee's inputs on a ready run
// and recomputes that payslip and the run totals. An edit that would make
// net pay negative is refused and nothing changes.
func (s *Service) UpdatePayslip(ctx context.Context, runID, employeeID string, edit payroll.Inputs, actorID string) (*payroll.Payslip, error) {
	emp, err := s.Employees.Employee(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	now := s.Now().UTC()
	var out *payroll.Payslip
	err = s.Store.WithTx(ctx, func(tx generic.Store) error {
		run, err := runs(tx).Get(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != StatusReady {
			return &generic.InvalidStateError{Entity: "pay run", ID: run.ID, Current: string(run.Status), Operation: "edit payslips of"}
		}
		existing, err := payslips(tx).Get(ctx, payroll.PayslipID(runID, employeeID))
		if err != nil && !generic.IsNotFound(err) {
			return err
		}
		if existing == nil && !hasError(run, employeeID) {
			return &generic.NotFoundError{Kind: KindPayslip, ID: payroll.PayslipID(runID, employeeID)}
		}

		merged := run.Inputs[employeeID].Merge(edit)
		slip, err := s.Calculator.ComputePayslip(emp, run.PayPeriod(), merged)
		if err != nil {
			return err
		}
		slip.PayRunID = runID
		prior, err := s.priorYTD(ctx, tx, run)
		if err != nil {
			return err
		}
		slip.YTD = prior[employeeID].Add(slip)

		if existing != nil {
			slip.Version = existing.Version
		}
		if err := payslips(tx).Save(ctx, slip); err != nil {
			return err
		}

		if run.Inputs == nil {
			run.Inputs = map[string]payroll.Inputs{}
		}
		run.Inputs[employeeID] = merged
		run.Errors = withoutError(run.Errors, employeeID)
		all, err := payslips(tx).List(ctx, runID+"/")
		if err != nil {
			return err
		}
		run.aggregate(all, run.Totals.EmployeeCount)
		if err := run.transition(StatusReady, "edit payslips of"); err != nil {
			return err
		}
		if err := runs(tx).Save(ctx, run); err != nil {
			return err
		}
		out = slip
		return generic.Audit(ctx, tx, actorID, AuditPayslipUpdated, "payslip", slip.AggregateID(), existing, slip, now)
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info("payslip updated", slog.String("pay_run_id", runID), slog.String("employee_id", employeeID))
	return out, nil
}

func hasError(run *PayRun, employeeID string) bool {
	for _, e := range run.Errors {
		if e.EmployeeID == employeeID {
			return true
		}
	}
	return false
}

func withoutError(errs []EmployeeError, employeeID string) []EmployeeError {
	var out []EmployeeError
	for _, e := range errs {
		if e.EmployeeID != employeeID {
			out = append(out, e)
		}
	}
	return out
}

// =============================================================================
// FINALIZE & DELETE
// =============================================================================

// Finalize locks a ready run with no employee errors.
func (s *Service) Finalize(ctx context.Context, runID, actorID string) (*PayRun, error) {
	if actorID == "" {
		return nil, generic.NewValidationError("actor_id", "is required")
	}
	now := s.Now().UTC()
	var (
		out   *PayRun
		slips []*payroll.Payslip
	)
	err := s.Store.WithTx(ctx, func(tx generic.Store) error {
		run, err := runs(tx).Get(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != StatusReady {
			return &generic.InvalidStateError{Entity: "pay run", ID: run.ID, Current: string(run.Status), Operation: "finalize"}
		}
		if run.Totals.EmployeesWithErrors > 0 {
			return fmt.Errorf("finalize pay run %s: %w (%d)", run.ID, generic.ErrHasEmployeeErrors, run.Totals.EmployeesWithErrors)
		}
		before := run.withoutInputs()
		if err := run.transition(StatusFinalized, "finalize"); err != nil {
			return err
		}
		run.FinalizedAt = &now
		run.FinalizedBy = actorID
		if err := runs(tx).Save(ctx, run); err != nil {
			return err
		}
		if slips, err = payslips(tx).List(ctx, runID+"/"); err != nil {
			return err
		}
		out = run
		return generic.Audit(ctx, tx, actorID, AuditFinalized, "pay_run", run.ID, before, run.withoutInputs(), now)
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info("pay run finalized",
		slog.String("pay_run_id", runID),
		slog.String("net", out.Totals.Net.StringFixed(2)),
		slog.String("actor_id", actorID))

	for _, h := range s.hooks {
		if err := h.PayRunFinalized(ctx, out, slips); err != nil {
			s.Logger.Error("pay run finalized hook failed", slog.String("pay_run_id", runID), slog.String("error", err.Error()))
		}
	}
	return out, nil
}

// Delete removes a draft or ready run and its payslips.
func (s *Service) Delete(ctx context.Context, runID, actorID string) error {
	now := s.Now().UTC()
	err := s.Store.WithTx(ctx, func(tx generic.Store) error {
		run, err := runs(tx).Get(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status == StatusFinalized {
			return fmt.Errorf("delete pay run %s: %w", run.ID, generic.ErrCannotDeleteFinalized)
		}
		if !Transition(run.Status, StatusDeleted) {
			return &generic.InvalidStateError{Entity: "pay run", ID: run.ID, Current: string(run.Status), Operation: "delete"}
		}
		if err := replacePayslips(ctx, tx, runID, nil); err != nil {
			return err
		}
		if err := runs(tx).Delete(ctx, run); err != nil {
			return err
		}
		return generic.Audit(ctx, tx, actorID, AuditDeleted, "pay_run", run.ID, run.withoutInputs(), nil, now)
	})
	if err != nil {
		return err
	}
	s.Logger.Info("pay run deleted", slog.String("pay_run_id", runID), slog.String("actor_id", actorID))
	return nil
}
