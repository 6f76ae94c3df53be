/*
Package config loads server settings.

LAYERS (later wins):
  1. Defaults            - the values below
  2. YAML file           - -config flag or LENDING_CONFIG
  3. .env + environment  - LENDING_* variables
  4. Command-line flags  - only flags given explicitly

EXAMPLE config.yaml:
  port: 8080
  db_path: ./data/lending.db
  loan_period_days: 14
  fine_rate_per_day: "5"
  due_reminder_window_days: 2
  low_stock_threshold: 1
  scan_interval_minutes: 60
  timezone: Europe/Paris
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/warp/lending-engine/lending"
	"gopkg.in/yaml.v3"
)

const envPrefix = "LENDING_"

// Config holds all configuration for the server.
type Config struct {
	Port       int    `yaml:"port"`
	DBPath     string `yaml:"db_path"`
	ConfigPath string `yaml:"-"`

	LoanPeriodDays        int    `yaml:"loan_period_days"`
	FineRatePerDay        string `yaml:"fine_rate_per_day"`
	DueReminderWindowDays int    `yaml:"due_reminder_window_days"`
	LowStockThreshold     int    `yaml:"low_stock_threshold"`
	Timezone              string `yaml:"timezone"`

	SchedulerEnabled    bool `yaml:"scheduler_enabled"`
	ScanIntervalMinutes int  `yaml:"scan_interval_minutes"`
	ScanTimeoutSeconds  int  `yaml:"scan_timeout_seconds"`

	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Port:                  8080,
		DBPath:                "lending.db",
		LoanPeriodDays:        14,
		FineRatePerDay:        "5",
		DueReminderWindowDays: 2,
		LowStockThreshold:     1,
		Timezone:              "UTC",
		SchedulerEnabled:      true,
		ScanIntervalMinutes:   60,
		ScanTimeoutSeconds:    120,
		AllowedOrigins:        []string{"*"},
	}
}

// Load builds the configuration from every layer. args are the
// command-line arguments without the program name.
func Load(args []string) (Config, error) {
	cfg := Default()

	// Flags are parsed twice: once to find -config, and again after the
	// file and environment so that explicit flags win.
	fs := newFlagSet(&cfg)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[Config] Warning: failed to read .env: %v", err)
	}

	path := cfg.ConfigPath
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}
	if path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return Config{}, err
		}
		cfg.ConfigPath = path
	}

	if err := cfg.loadEnv(); err != nil {
		return Config{}, err
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newFlagSet(cfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("lending", flag.ContinueOnError)
	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "YAML config file")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (\":memory:\" for in-memory)")
	fs.IntVar(&cfg.LoanPeriodDays, "loan-days", cfg.LoanPeriodDays, "loan period in days")
	fs.StringVar(&cfg.FineRatePerDay, "fine-rate", cfg.FineRatePerDay, "fine per overdue day")
	fs.IntVar(&cfg.DueReminderWindowDays, "reminder-days", cfg.DueReminderWindowDays, "due-soon reminder window in days")
	fs.IntVar(&cfg.LowStockThreshold, "low-stock", cfg.LowStockThreshold, "low-stock threshold (alert when available is below)")
	fs.StringVar(&cfg.Timezone, "tz", cfg.Timezone, "timezone that defines a notification day")
	fs.BoolVar(&cfg.SchedulerEnabled, "scheduler", cfg.SchedulerEnabled, "run periodic scans")
	fs.IntVar(&cfg.ScanIntervalMinutes, "scan-interval", cfg.ScanIntervalMinutes, "minutes between scans")
	fs.IntVar(&cfg.ScanTimeoutSeconds, "scan-timeout", cfg.ScanTimeoutSeconds, "time box for one scan run in seconds")
	return fs
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	var errs []error
	setInt := func(key string, dst *int) {
		if v := getEnv(key, ""); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	setString := func(key string, dst *string) {
		if v := getEnv(key, ""); v != "" {
			*dst = v
		}
	}

	setInt("PORT", &c.Port)
	setString("DB_PATH", &c.DBPath)
	setInt("LOAN_PERIOD_DAYS", &c.LoanPeriodDays)
	setString("FINE_RATE_PER_DAY", &c.FineRatePerDay)
	setInt("DUE_REMINDER_WINDOW_DAYS", &c.DueReminderWindowDays)
	setInt("LOW_STOCK_THRESHOLD", &c.LowStockThreshold)
	setString("TIMEZONE", &c.Timezone)
	setInt("SCAN_INTERVAL_MINUTES", &c.ScanIntervalMinutes)
	setInt("SCAN_TIMEOUT_SECONDS", &c.ScanTimeoutSeconds)

	if v := getEnv("SCHEDULER_ENABLED", ""); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSCHEDULER_ENABLED: %w", envPrefix, err))
		} else {
			c.SchedulerEnabled = b
		}
	}
	if v := getEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	return errors.Join(errs...)
}

// Validate checks ranges and that the policy can be built.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DBPath == "" {
		return errors.New("db path is required")
	}
	if c.ScanIntervalMinutes <= 0 {
		return fmt.Errorf("scan interval must be positive, got %d", c.ScanIntervalMinutes)
	}
	if c.ScanTimeoutSeconds <= 0 {
		return fmt.Errorf("scan timeout must be positive, got %d", c.ScanTimeoutSeconds)
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	return nil
}

// Policy converts the lending settings into a lending.Policy.
func (c Config) Policy() (lending.Policy, error) {
	rate, err := decimal.NewFromString(c.FineRatePerDay)
	if err != nil {
		return lending.Policy{}, fmt.Errorf("invalid fine rate %q: %w", c.FineRatePerDay, err)
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return lending.Policy{}, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	p := lending.Policy{
		LoanPeriod:        time.Duration(c.LoanPeriodDays) * 24 * time.Hour,
		FineRatePerDay:    rate,
		DueReminderWindow: time.Duration(c.DueReminderWindowDays) * 24 * time.Hour,
		LowStockThreshold: c.LowStockThreshold,
		Location:          loc,
	}
	if err := p.Validate(); err != nil {
		return lending.Policy{}, err
	}
	return p, nil
}

func (c Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalMinutes) * time.Minute
}

func (c Config) ScanTimeout() time.Duration {
	return time.Duration(c.ScanTimeoutSeconds) * time.Second
}

// getEnv reads LENDING_<key>, falling back to defaultValue.
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(envPrefix + key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
