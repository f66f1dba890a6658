// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stacknerd/msghub/internal/scanloop"
)

// Bounds of the metrics write throttle.
const (
	metricsIntervalMin = 5 * time.Second
	metricsIntervalMax = 3 * time.Hour
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Identity
	Namespace string
	Instance  string

	// Host connectivity
	BusURL    string
	StorePath string

	// Cadence
	RescanInterval   time.Duration
	RescanCron       string // optional, empty disables
	EvaluateInterval time.Duration

	// Behavior
	MetricsMaxInterval time.Duration
	TraceEvents        bool
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error listing every invalid or missing value.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Identity ---
	cfg.Namespace = strings.TrimSpace(envStr("MSGHUB_NAMESPACE", "msghub.0"))
	cfg.Instance = strings.TrimSpace(envStr("MSGHUB_INSTANCE", "0"))

	// --- Host connectivity ---
	cfg.BusURL = strings.TrimSpace(envStr("MSGHUB_BUS_URL", ""))
	cfg.StorePath = envStr("MSGHUB_STORE_PATH", "/var/lib/msghub/messages.db")

	// --- Cadence ---
	cfg.RescanInterval = envDuration("MSGHUB_RESCAN_INTERVAL", scanloop.DefaultRescanInterval, &errs)
	cfg.RescanCron = strings.TrimSpace(envStr("MSGHUB_RESCAN_CRON", ""))
	cfg.EvaluateInterval = envDuration("MSGHUB_EVALUATE_INTERVAL", scanloop.DefaultEvaluateInterval, &errs)

	// --- Behavior ---
	cfg.MetricsMaxInterval = envDuration("MSGHUB_METRICS_MAX_INTERVAL", 30*time.Second, &errs)
	cfg.TraceEvents = envBool("MSGHUB_TRACE_EVENTS", false, &errs)

	// --- Validation ---
	if cfg.Namespace == "" {
		errs = append(errs, "MSGHUB_NAMESPACE must not be empty")
	}
	if cfg.Instance == "" {
		errs = append(errs, "MSGHUB_INSTANCE must not be empty")
	}
	if cfg.BusURL == "" {
		errs = append(errs, "MSGHUB_BUS_URL must be defined")
	}
	if cfg.StorePath == "" {
		errs = append(errs, "MSGHUB_STORE_PATH must not be empty")
	}
	// Zero disables the corresponding loop: no scheduled rescans, or
	// event-only evaluation. Only negative values are invalid.
	if cfg.RescanInterval < 0 {
		errs = append(errs, "MSGHUB_RESCAN_INTERVAL must not be negative (0 disables)")
	}
	if cfg.RescanCron != "" {
		if _, err := cron.ParseStandard(cfg.RescanCron); err != nil {
			errs = append(errs, fmt.Sprintf("MSGHUB_RESCAN_CRON: invalid cron expression %q: %v", cfg.RescanCron, err))
		}
	}
	if cfg.EvaluateInterval < 0 {
		errs = append(errs, "MSGHUB_EVALUATE_INTERVAL must not be negative (0 disables)")
	}

	// The metrics throttle clamps instead of failing: an out-of-range value
	// is a tuning mistake, not a deployment blocker.
	if cfg.MetricsMaxInterval < metricsIntervalMin {
		cfg.MetricsMaxInterval = metricsIntervalMin
	}
	if cfg.MetricsMaxInterval > metricsIntervalMax {
		cfg.MetricsMaxInterval = metricsIntervalMax
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}
