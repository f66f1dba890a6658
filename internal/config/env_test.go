package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Setenv("MSGHUB_BUS_URL", "ws://localhost:8081/bus")
}

func TestLoadEnvConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Namespace != "msghub.0" || cfg.Instance != "0" {
		t.Fatalf("unexpected identity defaults: %+v", cfg)
	}
	if cfg.RescanInterval != 5*time.Minute {
		t.Fatalf("expected rescan default 5m, got %s", cfg.RescanInterval)
	}
	if cfg.EvaluateInterval != 30*time.Second {
		t.Fatalf("expected evaluate default 30s, got %s", cfg.EvaluateInterval)
	}
	if cfg.MetricsMaxInterval != 30*time.Second {
		t.Fatalf("expected metrics default 30s, got %s", cfg.MetricsMaxInterval)
	}
	if cfg.TraceEvents {
		t.Fatalf("expected trace disabled by default")
	}
}

func TestLoadEnvConfig_MissingBusURL(t *testing.T) {
	_, err := LoadEnvConfig()
	if err == nil || !strings.Contains(err.Error(), "MSGHUB_BUS_URL") {
		t.Fatalf("expected bus url error, got %v", err)
	}
}

func TestLoadEnvConfig_CollectsAllErrors(t *testing.T) {
	t.Setenv("MSGHUB_RESCAN_INTERVAL", "soon")
	t.Setenv("MSGHUB_EVALUATE_INTERVAL", "-5s")
	t.Setenv("MSGHUB_RESCAN_CRON", "not a cron")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{
		"MSGHUB_BUS_URL",
		"MSGHUB_RESCAN_INTERVAL",
		"MSGHUB_EVALUATE_INTERVAL",
		"MSGHUB_RESCAN_CRON",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in error, got %v", want, err)
		}
	}
}

func TestLoadEnvConfig_ZeroIntervalsDisableLoops(t *testing.T) {
	setRequired(t)
	t.Setenv("MSGHUB_RESCAN_INTERVAL", "0s")
	t.Setenv("MSGHUB_EVALUATE_INTERVAL", "0s")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("expected zero intervals accepted as disabled, got %v", err)
	}
	if cfg.RescanInterval != 0 || cfg.EvaluateInterval != 0 {
		t.Fatalf("expected zero intervals preserved, got %s / %s",
			cfg.RescanInterval, cfg.EvaluateInterval)
	}
}

func TestLoadEnvConfig_NegativeIntervalsRejected(t *testing.T) {
	setRequired(t)
	t.Setenv("MSGHUB_RESCAN_INTERVAL", "-1m")
	t.Setenv("MSGHUB_EVALUATE_INTERVAL", "-1s")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatalf("expected error for negative intervals")
	}
	for _, want := range []string{"MSGHUB_RESCAN_INTERVAL", "MSGHUB_EVALUATE_INTERVAL"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in error, got %v", want, err)
		}
	}
}

func TestLoadEnvConfig_ValidCron(t *testing.T) {
	setRequired(t)
	t.Setenv("MSGHUB_RESCAN_CRON", "*/10 * * * *")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RescanCron != "*/10 * * * *" {
		t.Fatalf("unexpected cron: %q", cfg.RescanCron)
	}
}

func TestLoadEnvConfig_MetricsIntervalClamped(t *testing.T) {
	setRequired(t)

	t.Setenv("MSGHUB_METRICS_MAX_INTERVAL", "1s")
	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MetricsMaxInterval != metricsIntervalMin {
		t.Fatalf("expected clamp to %s, got %s", metricsIntervalMin, cfg.MetricsMaxInterval)
	}

	t.Setenv("MSGHUB_METRICS_MAX_INTERVAL", "100h")
	cfg, err = LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MetricsMaxInterval != metricsIntervalMax {
		t.Fatalf("expected clamp to %s, got %s", metricsIntervalMax, cfg.MetricsMaxInterval)
	}
}
