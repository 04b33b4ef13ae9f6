package bootstrap

import (
	"log/slog"
	"testing"
	"time"

	"github.com/eleven-am/engagement-backend/internal/jobs"
	"go.uber.org/fx"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected default addr, got %q", cfg.Server.Addr)
	}
	if cfg.Tracking.VisitBoundary != 5*time.Minute {
		t.Errorf("expected 5m visit boundary, got %v", cfg.Tracking.VisitBoundary)
	}
	if cfg.Tracking.VisitCacheTTL != 30*time.Minute {
		t.Errorf("expected 30m cache TTL, got %v", cfg.Tracking.VisitCacheTTL)
	}
	if !cfg.Jobs.Enabled {
		t.Error("expected jobs to be enabled by default")
	}
	if cfg.Jobs.Intervals != jobs.DefaultIntervals() {
		t.Errorf("expected default intervals, got %+v", cfg.Jobs.Intervals)
	}
	if cfg.Jobs.DecayBatch != 250 || cfg.Jobs.DirtyBatch != 50 {
		t.Errorf("unexpected batch sizes %+v", cfg.Jobs)
	}
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("ENGAGEMENT_SERVER__ADDR", ":9090")
	t.Setenv("ENGAGEMENT_REDIS__DB", "3")
	t.Setenv("ENGAGEMENT_LOG__LEVEL", "debug")
	t.Setenv("ENGAGEMENT_TRACKING__VISIT_BOUNDARY", "2m")
	t.Setenv("ENGAGEMENT_JOBS__ENABLED", "false")
	t.Setenv("ENGAGEMENT_JOBS__INTERVALS__DECAY", "30s")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("expected :9090, got %q", cfg.Server.Addr)
	}
	if cfg.Redis.DB != 3 {
		t.Errorf("expected redis db 3, got %d", cfg.Redis.DB)
	}
	if parseLogLevel(cfg.Log.Level) != slog.LevelDebug {
		t.Errorf("expected debug level, got %q", cfg.Log.Level)
	}
	if cfg.Tracking.VisitBoundary != 2*time.Minute {
		t.Errorf("expected 2m boundary, got %v", cfg.Tracking.VisitBoundary)
	}
	if cfg.Jobs.Enabled {
		t.Error("expected jobs to be disabled")
	}
	if cfg.Jobs.Intervals.Decay != 30*time.Second {
		t.Errorf("expected 30s decay interval, got %v", cfg.Jobs.Intervals.Decay)
	}
	if cfg.Jobs.Intervals.HourlySnapshot != time.Hour {
		t.Errorf("expected untouched snapshot interval, got %v", cfg.Jobs.Intervals.HourlySnapshot)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("ENGAGEMENT_TRACKING__VISIT_BOUNDARY", "0s")

	if _, err := LoadConfig(); err == nil {
		t.Error("expected a zero visit boundary to be rejected")
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"ENGAGEMENT_SERVER__ADDR":              "server.addr",
		"ENGAGEMENT_JOBS__INTERVALS__DECAY":    "jobs.intervals.decay",
		"ENGAGEMENT_TRACKING__VISIT_CACHE_TTL": "tracking.visit_cache_ttl",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOptions_GraphIsComplete(t *testing.T) {
	if err := fx.ValidateApp(Options()); err != nil {
		t.Errorf("invalid application graph: %v", err)
	}
}
