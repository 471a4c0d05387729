package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payroll-engine/config"
	"github.com/warp/payroll-engine/payroll"
)

func TestFromEnv_Defaults(t *testing.T) {
	// GIVEN an empty environment
	for _, k := range []string{"APP_ADDR", "PORT", "DB_DRIVER", "TAX_RULE", "TAX_YEAR_START_MONTH", "CORS_ORIGINS"} {
		t.Setenv(k, "")
	}

	cfg, err := config.FromEnv()

	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.App.Addr)
	assert.Equal(t, config.DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, payroll.TaxPercentage, cfg.Statutory.Tax.Kind)
	assert.Equal(t, "177.12", cfg.Statutory.UIFMonthlyCap.String())
	assert.Equal(t, time.March, cfg.Settlement.TaxYearStartMonth)
	assert.Equal(t, "21.67", cfg.Settlement.AverageMonthlyWorkingDays.String())
	assert.Equal(t, []string{"*"}, cfg.App.CORSOrigins)
	assert.Equal(t, 8, cfg.Workers.CalculateWorkers)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://payroll@localhost/payroll")
	t.Setenv("TAX_RULE", "brackets")
	t.Setenv("TAX_BRACKETS", "237100:42678:0.26, 0:0:0.18")
	t.Setenv("TAX_YEAR_START_MONTH", "7")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := config.FromEnv()

	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.App.Addr)
	assert.Equal(t, config.DriverPostgres, cfg.Database.Driver)
	require.Len(t, cfg.Statutory.Tax.Brackets, 2)
	assert.Equal(t, "42678", cfg.Statutory.Tax.Brackets[0].Base.String())
	assert.Equal(t, time.July, cfg.Settlement.TaxYearStartMonth)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.App.CORSOrigins)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestFromEnv_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"postgres without url": {"DB_DRIVER": "postgres", "DATABASE_URL": ""},
		"unknown driver":       {"DB_DRIVER": "mongo"},
		"bad month":            {"TAX_YEAR_START_MONTH": "13"},
		"bad decimal":          {"UIF_RATE": "one percent"},
		"sub-cent cap":         {"UIF_MONTHLY_CAP": "177.125"},
		"formula missing":      {"TAX_RULE": "formula", "TAX_FORMULA": ""},
		"bad bracket":          {"TAX_BRACKETS": "0:0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := config.FromEnv()
			assert.Error(t, err)
		})
	}
}
