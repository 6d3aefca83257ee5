// Package config loads the process configuration from the environment. The
// returned Config is immutable and passed explicitly to every component;
// there are no process-wide configuration globals.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/openfab-lab/autonomy/internal/errcode"
)

// Mode selects the exploration window policy.
type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

// Config is the full runtime configuration of the autonomy core.
type Config struct {
	AutonomyEnabled bool

	DailyBudgetUSD    decimal.Decimal
	PerQueryBudgetUSD decimal.Decimal

	IdleThreshold time.Duration
	CPUIdlePct    int
	MemIdlePct    int

	OutcomeWindowDays     int
	FeedbackMinSamples    int
	FeedbackAdjustmentMax float64

	Timezone string
	Location *time.Location
	Mode     Mode

	LockKVURL string
	StoreURL  string

	// Tunables with fixed defaults; not part of the enumerated env surface.
	MinImpactScore   float64
	WeeklyGoalCap    int
	MaxTaskRetries   int
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration
	JobLockTTL       time.Duration
	TaskLockTTL      time.Duration
	ListenAddr       string
}

const (
	defaultPerQueryBudget = "0.50"
	defaultIdleMinutes    = 120
	defaultCPUIdlePct     = 20
	defaultMemIdlePct     = 70
	defaultOutcomeWindow  = 30
	defaultMinSamples     = 10
	defaultAdjustmentMax  = 1.5
)

// Load reads the environment (after best-effort .env loading for dev) and
// validates it. Every missing required variable is reported in one error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var missing []string
	get := func(name string) string {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			missing = append(missing, name)
		}
		return v
	}

	enabledRaw := get("AUTONOMY_ENABLED")
	dailyRaw := get("DAILY_BUDGET_USD")
	storeURL := get("STORE_URL")
	lockURL := get("LOCK_KV_URL")
	tz := get("SCHEDULER_TIMEZONE")

	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, errcode.New(errcode.ConfigMissing,
			"missing required environment variables: %s", strings.Join(missing, ", "))
	}

	cfg := &Config{
		Timezone:  tz,
		StoreURL:  storeURL,
		LockKVURL: lockURL,

		MinImpactScore:   50.0,
		WeeklyGoalCap:    3,
		MaxTaskRetries:   3,
		RetryBackoffBase: 30 * time.Second,
		RetryBackoffCap:  time.Hour,
		JobLockTTL:       10 * time.Minute,
		TaskLockTTL:      15 * time.Minute,
		ListenAddr:       ":8080",
	}

	var err error
	if cfg.AutonomyEnabled, err = strconv.ParseBool(enabledRaw); err != nil {
		return nil, errcode.New(errcode.ConfigInvalid, "AUTONOMY_ENABLED: %q is not a boolean", enabledRaw)
	}
	if cfg.DailyBudgetUSD, err = parseUSD("DAILY_BUDGET_USD", dailyRaw); err != nil {
		return nil, err
	}
	if cfg.PerQueryBudgetUSD, err = parseUSD("PER_QUERY_BUDGET_USD", envOr("PER_QUERY_BUDGET_USD", defaultPerQueryBudget)); err != nil {
		return nil, err
	}

	idleMinutes, err := parseIntEnv("IDLE_THRESHOLD_MINUTES", defaultIdleMinutes, 1, 24*60)
	if err != nil {
		return nil, err
	}
	cfg.IdleThreshold = time.Duration(idleMinutes) * time.Minute

	if cfg.CPUIdlePct, err = parseIntEnv("CPU_IDLE_PCT", defaultCPUIdlePct, 0, 100); err != nil {
		return nil, err
	}
	if cfg.MemIdlePct, err = parseIntEnv("MEM_IDLE_PCT", defaultMemIdlePct, 0, 100); err != nil {
		return nil, err
	}
	if cfg.OutcomeWindowDays, err = parseIntEnv("OUTCOME_WINDOW_DAYS", defaultOutcomeWindow, 1, 365); err != nil {
		return nil, err
	}
	if cfg.FeedbackMinSamples, err = parseIntEnv("FEEDBACK_MIN_SAMPLES", defaultMinSamples, 1, 10000); err != nil {
		return nil, err
	}

	if raw := strings.TrimSpace(os.Getenv("FEEDBACK_ADJUSTMENT_MAX")); raw != "" {
		if cfg.FeedbackAdjustmentMax, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, errcode.New(errcode.ConfigInvalid, "FEEDBACK_ADJUSTMENT_MAX: %q is not a float", raw)
		}
		if cfg.FeedbackAdjustmentMax < 1.0 || cfg.FeedbackAdjustmentMax > 3.0 {
			return nil, errcode.New(errcode.ConfigInvalid, "FEEDBACK_ADJUSTMENT_MAX: %v out of range [1.0, 3.0]", cfg.FeedbackAdjustmentMax)
		}
	} else {
		cfg.FeedbackAdjustmentMax = defaultAdjustmentMax
	}

	if cfg.Location, err = time.LoadLocation(tz); err != nil {
		return nil, errcode.New(errcode.ConfigInvalid, "SCHEDULER_TIMEZONE: unknown zone %q", tz)
	}

	switch Mode(envOr("SCHEDULER_MODE", string(ModeDev))) {
	case ModeDev:
		cfg.Mode = ModeDev
	case ModeProd:
		cfg.Mode = ModeProd
	default:
		return nil, errcode.New(errcode.ConfigInvalid, "SCHEDULER_MODE: must be dev or prod, got %q", os.Getenv("SCHEDULER_MODE"))
	}

	if addr := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); addr != "" {
		cfg.ListenAddr = addr
	}

	return cfg, nil
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func parseUSD(name, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errcode.New(errcode.ConfigInvalid, "%s: %q is not a decimal amount", name, raw)
	}
	if d.IsNegative() {
		return decimal.Zero, errcode.New(errcode.ConfigInvalid, "%s: must not be negative", name)
	}
	return d.Round(4), nil
}

func parseIntEnv(name string, fallback, min, max int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errcode.New(errcode.ConfigInvalid, "%s: %q is not an integer", name, raw)
	}
	if v < min || v > max {
		return 0, errcode.New(errcode.ConfigInvalid, "%s: %d out of range [%d, %d]", name, v, min, max)
	}
	return v, nil
}

// String renders the config for the startup log with endpoints redacted.
func (c *Config) String() string {
	return fmt.Sprintf("autonomy=%v daily_budget=%s mode=%s tz=%s outcome_window=%dd",
		c.AutonomyEnabled, c.DailyBudgetUSD.StringFixed(2), c.Mode, c.Timezone, c.OutcomeWindowDays)
}
