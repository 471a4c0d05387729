/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the payroll engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Open the store for the configured driver
  3. Wire services (leave, pay runs, terminations, filings)
  4. Optionally seed demo data
  5. Start the accrual scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS (override the environment):
  -port    HTTP server port
  -driver  Store driver: memory, sqlite, postgres
  -db      SQLite database path, or Postgres URL for -driver=postgres
  -seed    Load demo data on startup

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  # Run with file database
  ./server -db="./data/payroll.db"

  # Run in memory with demo data
  ./server -driver=memory -seed

  # Run against Postgres
  DATABASE_URL=postgres://localhost/payroll ./server -driver=postgres

ENVIRONMENT:
  See config/config.go for the full list.

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/httplog/v3"
	"github.com/warp/payroll-engine/api"
	"github.com/warp/payroll-engine/config"
	"github.com/warp/payroll-engine/filing"
	"github.com/warp/payroll-engine/fixtures"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/generic/store"
	"github.com/warp/payroll-engine/leave"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/payrun"
	"github.com/warp/payroll-engine/store/postgres"
	"github.com/warp/payroll-engine/store/sqlite"
	"github.com/warp/payroll-engine/termination"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	driver := flag.String("driver", string(cfg.Database.Driver), "Store driver: memory, sqlite, postgres")
	dbPath := flag.String("db", "", "SQLite path or Postgres URL (overrides DB_PATH / DATABASE_URL)")
	seed := flag.Bool("seed", cfg.App.RunSeed, "Load demo data on startup")
	flag.Parse()

	if *port != 0 {
		cfg.App.Addr = fmt.Sprintf(":%d", *port)
	}
	cfg.Database.Driver = config.Driver(*driver)
	if *dbPath != "" {
		if cfg.Database.Driver == config.DriverPostgres {
			cfg.Database.URL = *dbPath
		} else {
			cfg.Database.Path = *dbPath
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logFormat := httplog.SchemaECS.Concise(cfg.App.Env == "development")
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:       cfg.SlogLevel(),
		ReplaceAttr: logFormat.ReplaceAttr,
	})).With(
		slog.String("app", "payroll-engine"),
		slog.String("env", cfg.App.Env),
	)
	slog.SetDefault(logger)

	ctx := context.Background()

	// Initialize store
	st, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("initialize %s store: %w", cfg.Database.Driver, err)
	}
	defer closeStore()
	logger.Info("store ready", slog.String("driver", string(cfg.Database.Driver)))

	// Services
	calendar := fixtures.Calendar()
	calc, err := payroll.NewCalculator(cfg.Statutory, calendar)
	if err != nil {
		return fmt.Errorf("statutory config: %w", err)
	}
	employees := payroll.NewDirectory(st)
	leaveSvc := leave.NewService(st, calendar, logger.With("component", "leave"))
	runs := payrun.NewService(st, employees, calc, logger.With("component", "payrun"))
	runs.Workers = cfg.Workers.CalculateWorkers
	runs.TaxYearStartMonth = cfg.Settlement.TaxYearStartMonth
	terms := termination.NewService(st, leaveSvc, calc, cfg.Settlement, logger.With("component", "termination"))
	filings := filing.NewService(st, runs, logger.With("component", "filing"))
	filings.TaxYearStartMonth = cfg.Settlement.TaxYearStartMonth
	runs.OnFinalized(filings)

	if *seed {
		if err := fixtures.LoadDemo(ctx, st, time.Now); err != nil {
			return fmt.Errorf("seed demo data: %w", err)
		}
		logger.Info("demo data loaded")
	}

	// Scheduler
	scheduler := api.NewAccrualScheduler(leaveSvc, logger)
	scheduler.CheckInterval = cfg.Workers.AccrualInterval
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(api.Deps{
		Store:        st,
		Employees:    employees,
		Leave:        leaveSvc,
		PayRuns:      runs,
		Terminations: terms,
		Filings:      filings,
		Logger:       logger,
	})
	router := api.NewRouter(handler, api.RouterOptions{
		Logger:      logger,
		CORSOrigins: cfg.App.CORSOrigins,
		Scenarios:   cfg.App.Env != "production",
	})

	server := &http.Server{
		Addr:         cfg.App.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", cfg.App.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		logger.Info("shutting down server", slog.String("signal", sig.String()))
	}

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (generic.TxStore, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewTxMemory(), func() {}, nil
	case config.DriverSQLite:
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, err
			}
		}
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}
