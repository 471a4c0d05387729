/*
scheduler.go - Automated leave cycle scheduler

PURPOSE:
  Periodically runs the leave cycle (year-end rollover, carry-over expiry
  and monthly accrual) for every open balance. Each step is idempotent,
  so a tick that finds nothing due records nothing.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Keeps the last cycle report for admin display

CONFIGURATION:
  - CheckInterval: How often to run (default: 24 hours)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAccrualScheduler(leaveSvc, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunLeaveCycle endpoint (manual trigger)
  - leave/accrual.go: RunCycle
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/leave"
)

// AccrualScheduler drives leave.Service.RunCycle on a ticker.
type AccrualScheduler struct {
	Leave         *leave.Service
	Logger        *slog.Logger
	CheckInterval time.Duration
	Enabled       bool
	Now           func() time.Time

	ticker  *time.Ticker
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun time.Time
	last    *leave.CycleReport
}

// NewAccrualScheduler creates a new scheduler.
func NewAccrualScheduler(svc *leave.Service, logger *slog.Logger) *AccrualScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccrualScheduler{
		Leave:         svc,
		Logger:        logger.With("component", "accrual_scheduler"),
		CheckInterval: 24 * time.Hour,
		Enabled:       true,
		Now:           time.Now,
	}
}

// Start begins the scheduler.
func (s *AccrualScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run(ctx)

	s.Logger.Info("scheduler started", "interval", s.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight cycle to return.
func (s *AccrualScheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	s.cancel()
	close(s.stop)
	s.ticker = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.Logger.Info("scheduler stopped")
}

func (s *AccrualScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(ctx)

	s.mu.Lock()
	ticker := s.ticker
	s.mu.Unlock()
	if ticker == nil {
		return
	}

	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunNow runs one cycle as of today and returns its report.
func (s *AccrualScheduler) RunNow(ctx context.Context) (leave.CycleReport, error) {
	now := s.Now()
	asOf := generic.DateOf(now)

	s.Logger.Debug("running leave cycle", "as_of", asOf.String())
	report, err := s.Leave.RunCycle(ctx, asOf)
	if err != nil {
		s.Logger.Error("leave cycle failed", "as_of", asOf.String(), "error", err)
		return report, err
	}

	s.mu.Lock()
	s.lastRun = now
	s.last = &report
	s.mu.Unlock()

	if report.Failures > 0 {
		s.Logger.Warn("leave cycle completed with failures",
			"balances", report.Balances, "failures", report.Failures)
	} else {
		s.Logger.Info("leave cycle completed",
			"balances", report.Balances,
			"accrued", report.Accrued.String(),
			"forfeited", report.Forfeited.String())
	}
	return report, nil
}

// LastReport returns the most recent successful cycle, if any.
func (s *AccrualScheduler) LastReport() (leave.CycleReport, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return leave.CycleReport{}, time.Time{}, false
	}
	return *s.last, s.lastRun, true
}

// GetNextRunTime returns when the next scheduled check will occur.
func (s *AccrualScheduler) GetNextRunTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun.IsZero() {
		return s.Now()
	}
	return s.lastRun.Add(s.CheckInterval)
}
