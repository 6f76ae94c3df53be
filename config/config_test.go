package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/lending-engine/lending"
)

var envKeys = []string{
	"CONFIG", "PORT", "DB_PATH", "LOAN_PERIOD_DAYS", "FINE_RATE_PER_DAY",
	"DUE_REMINDER_WINDOW_DAYS", "LOW_STOCK_THRESHOLD", "TIMEZONE",
	"SCAN_INTERVAL_MINUTES", "SCAN_TIMEOUT_SECONDS", "SCHEDULER_ENABLED", "ALLOWED_ORIGINS",
}

// clearEnv blanks every LENDING_ variable for the duration of the test.
func clearEnv(t *testing.T) {
	for _, k := range envKeys {
		t.Setenv(envPrefix+k, "")
	}
}

func writeYAML(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(nil)

	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, time.Hour, cfg.ScanInterval())
	assert.Equal(t, 2*time.Minute, cfg.ScanTimeout())
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, `
port: 9090
db_path: /tmp/lending.db
loan_period_days: 21
fine_rate_per_day: "0.25"
timezone: Europe/Paris
scheduler_enabled: false
allowed_origins: [https://desk.example.org]
`)

	cfg, err := Load([]string{"-config", path})

	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "/tmp/lending.db", cfg.DBPath)
	assert.Equal(t, 21, cfg.LoanPeriodDays)
	assert.Equal(t, "0.25", cfg.FineRatePerDay)
	assert.Equal(t, "Europe/Paris", cfg.Timezone)
	assert.False(t, cfg.SchedulerEnabled)
	assert.Equal(t, []string{"https://desk.example.org"}, cfg.AllowedOrigins)
	assert.Equal(t, path, cfg.ConfigPath)
	// Untouched keys keep their defaults
	assert.Equal(t, 2, cfg.DueReminderWindowDays)
}

func TestLoad_LayerPrecedence(t *testing.T) {
	// GIVEN: The same key in YAML, environment and flags
	clearEnv(t)
	path := writeYAML(t, "port: 9090\nlow_stock_threshold: 4\n")
	t.Setenv("LENDING_CONFIG", path)
	t.Setenv("LENDING_PORT", "9191")
	t.Setenv("LENDING_LOW_STOCK_THRESHOLD", "5")
	t.Setenv("LENDING_ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("LENDING_SCHEDULER_ENABLED", "false")

	// WHEN: Only the port is also given as a flag
	cfg, err := Load([]string{"-port", "9292"})

	// THEN: Flag beats env, env beats file
	require.NoError(t, err)
	assert.Equal(t, 9292, cfg.Port)
	assert.Equal(t, 5, cfg.LowStockThreshold)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.False(t, cfg.SchedulerEnabled)
}

func TestLoad_InvalidEnvIsReported(t *testing.T) {
	clearEnv(t)
	t.Setenv("LENDING_PORT", "eighty")
	t.Setenv("LENDING_SCHEDULER_ENABLED", "maybe")

	_, err := Load(nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "LENDING_PORT")
	assert.Contains(t, err.Error(), "LENDING_SCHEDULER_ENABLED")
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"-nope"}},
		{"missing config file", []string{"-config", "/does/not/exist.yaml"}},
		{"bad port", []string{"-port", "0"}},
		{"bad fine rate", []string{"-fine-rate", "five"}},
		{"negative fine rate", []string{"-fine-rate", "-1"}},
		{"bad timezone", []string{"-tz", "Mars/Olympus"}},
		{"zero loan period", []string{"-loan-days", "0"}},
		{"zero scan interval", []string{"-scan-interval", "0"}},
		{"zero scan timeout", []string{"-scan-timeout", "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(tt.args)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, "port: [not, a, number]\n")

	_, err := Load([]string{"-config", path})

	assert.Error(t, err)
}

func TestPolicy_Conversion(t *testing.T) {
	cfg := Default()
	cfg.LoanPeriodDays = 7
	cfg.FineRatePerDay = "1.50"
	cfg.DueReminderWindowDays = 1
	cfg.LowStockThreshold = 2
	cfg.Timezone = "Australia/Sydney"

	p, err := cfg.Policy()

	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, p.LoanPeriod)
	assert.True(t, p.FineRatePerDay.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, 24*time.Hour, p.DueReminderWindow)
	assert.Equal(t, 2, p.LowStockThreshold)
	assert.Equal(t, "Australia/Sydney", p.Location.String())
}

func TestPolicy_DefaultsMatchEngine(t *testing.T) {
	p, err := Default().Policy()
	require.NoError(t, err)

	want := lending.DefaultPolicy()
	assert.Equal(t, want.LoanPeriod, p.LoanPeriod)
	assert.True(t, want.FineRatePerDay.Equal(p.FineRatePerDay))
	assert.Equal(t, want.DueReminderWindow, p.DueReminderWindow)
	assert.Equal(t, want.LowStockThreshold, p.LowStockThreshold)
	assert.Equal(t, want.Location.String(), p.Location.String())
}
