/*
config.go - Environment configuration for the payroll server

PURPOSE:
  One typed Config read from the environment (and an optional .env file).
  cmd/server flags override a few fields after Load.

KEYS:
  APP_ADDR / PORT, APP_ENV, LOG_LEVEL
  DB_DRIVER (memory|sqlite|postgres), DB_PATH, DATABASE_URL, RUN_SEED
  TAX_YEAR_START_MONTH, UIF_RATE, UIF_MONTHLY_CAP, SDL_RATE
  TAX_RULE (percentage|brackets|formula), TAX_RATE, TAX_BRACKETS, TAX_REBATE,
  TAX_FORMULA
  AVERAGE_MONTHLY_WORKING_DAYS, SEVERANCE_WEEKS_PER_YEAR, ANNUAL_LEAVE_TYPE
  CALCULATE_WORKERS, ACCRUAL_INTERVAL, CORS_ORIGINS
*/
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/termination"
)

type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

type Config struct {
	App        AppConfig
	Database   DatabaseConfig
	Statutory  payroll.StatutoryConfig
	Settlement termination.SettlementPolicy
	Workers    WorkerConfig
}

type AppConfig struct {
	Addr        string
	Env         string
	LogLevel    string
	CORSOrigins []string
	RunSeed     bool
}

type DatabaseConfig struct {
	Driver Driver
	Path   string
	URL    string
}

type WorkerConfig struct {
	CalculateWorkers int
	AccrualInterval  time.Duration
}

// Load reads .env (if present) and the environment. A missing .env is not
// an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the config from the process environment only.
func FromEnv() (*Config, error) {
	var errs []error
	dec := func(key, fallback string) decimal.Decimal {
		d, err := decimal.NewFromString(getEnv(key, fallback))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return d
	}
	money := func(key, fallback string) decimal.Decimal {
		d, err := generic.MoneyFromString(key, getEnv(key, fallback))
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	addr := getEnv("APP_ADDR", "")
	if addr == "" {
		addr = ":" + getEnv("PORT", "8080")
	}

	cfg := &Config{
		App: AppConfig{
			Addr:        addr,
			Env:         getEnv("APP_ENV", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"*"}),
			RunSeed:     getEnvBool("RUN_SEED", false),
		},
		Database: DatabaseConfig{
			Driver: Driver(getEnv("DB_DRIVER", string(DriverSQLite))),
			Path:   getEnv("DB_PATH", "./data/payroll.db"),
			URL:    getEnv("DATABASE_URL", ""),
		},
		Statutory: payroll.StatutoryConfig{
			Tax: payroll.TaxRule{
				Kind:         payroll.TaxRuleKind(getEnv("TAX_RULE", string(payroll.TaxPercentage))),
				Rate:         dec("TAX_RATE", "0.25"),
				AnnualRebate: dec("TAX_REBATE", "0"),
				Formula:      getEnv("TAX_FORMULA", ""),
			},
			UIFRate:       dec("UIF_RATE", "0.01"),
			UIFMonthlyCap: money("UIF_MONTHLY_CAP", "177.12"),
			SDLRate:       dec("SDL_RATE", "0.01"),
		},
		Settlement: termination.SettlementPolicy{
			AverageMonthlyWorkingDays: dec("AVERAGE_MONTHLY_WORKING_DAYS", "21.67"),
			SeveranceWeeksPerYear:     dec("SEVERANCE_WEEKS_PER_YEAR", "1"),
			AnnualLeaveTypeID:         getEnv("ANNUAL_LEAVE_TYPE", "annual"),
			TaxYearStartMonth:         time.Month(getEnvInt("TAX_YEAR_START_MONTH", int(time.March))),
		},
		Workers: WorkerConfig{
			CalculateWorkers: getEnvInt("CALCULATE_WORKERS", 8),
			AccrualInterval:  getEnvDuration("ACCRUAL_INTERVAL", 24*time.Hour),
		},
	}

	brackets, err := parseBrackets(getEnv("TAX_BRACKETS", ""))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Statutory.Tax.Brackets = brackets

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints. The tax rule itself is compiled
// by payroll.NewCalculator.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("DB_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Database.URL) == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.Database.Driver)
	}
	if m := c.Settlement.TaxYearStartMonth; m < time.January || m > time.December {
		return fmt.Errorf("TAX_YEAR_START_MONTH must be 1-12, got %d", m)
	}
	if !c.Settlement.AverageMonthlyWorkingDays.IsPositive() {
		return fmt.Errorf("AVERAGE_MONTHLY_WORKING_DAYS must be positive")
	}
	if c.Settlement.SeveranceWeeksPerYear.IsNegative() {
		return fmt.Errorf("SEVERANCE_WEEKS_PER_YEAR must not be negative")
	}
	if c.Statutory.Tax.Kind == payroll.TaxFormula && strings.TrimSpace(c.Statutory.Tax.Formula) == "" {
		return fmt.Errorf("TAX_FORMULA is required when TAX_RULE is formula")
	}
	if c.Statutory.Tax.Kind == payroll.TaxBrackets && len(c.Statutory.Tax.Brackets) == 0 {
		return fmt.Errorf("TAX_BRACKETS is required when TAX_RULE is brackets")
	}
	if c.Workers.CalculateWorkers <= 0 {
		return fmt.Errorf("CALCULATE_WORKERS must be positive")
	}
	if c.Workers.AccrualInterval <= 0 {
		return fmt.Errorf("ACCRUAL_INTERVAL must be positive")
	}
	return nil
}

// SlogLevel maps LOG_LEVEL to a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.App.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// parseBrackets reads "threshold:base:rate" triples separated by commas,
// e.g. "0:0:0.18,237100:42678:0.26".
func parseBrackets(s string) ([]payroll.TaxBracket, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []payroll.TaxBracket
	for _, part := range strings.Split(s, ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("invalid TAX_BRACKETS entry %q: want threshold:base:rate", part)
		}
		var vals [3]decimal.Decimal
		for i, f := range fields {
			d, err := decimal.NewFromString(f)
			if err != nil {
				return nil, fmt.Errorf("invalid TAX_BRACKETS entry %q: %w", part, err)
			}
			vals[i] = d
		}
		out = append(out, payroll.TaxBracket{Threshold: vals[0], Base: vals[1], Rate: vals[2]})
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvSlice(key string, fallback []string) []string {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
