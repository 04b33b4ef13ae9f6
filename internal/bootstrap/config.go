package bootstrap

import (
	"fmt"
	"strings"
	"time"

	"github.com/eleven-am/engagement-backend/internal/dirty"
	"github.com/eleven-am/engagement-backend/internal/jobs"
	"github.com/eleven-am/engagement-backend/internal/labels"
	"github.com/eleven-am/engagement-backend/internal/ledger"
	"github.com/eleven-am/engagement-backend/internal/tracking"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks the environment variables read into Config. A double
// underscore separates sections: ENGAGEMENT_REDIS__ADDR sets redis.addr.
const EnvPrefix = "ENGAGEMENT_"

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
	Log      LogConfig      `koanf:"log"`
	Tracking TrackingConfig `koanf:"tracking"`
	Labels   LabelsConfig   `koanf:"labels"`
	Jobs     JobsConfig     `koanf:"jobs"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

type DatabaseConfig struct {
	DSN string `koanf:"dsn"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

type TrackingConfig struct {
	VisitBoundary time.Duration `koanf:"visit_boundary"`
	VisitCacheTTL time.Duration `koanf:"visit_cache_ttl"`
}

type LabelsConfig struct {
	ThresholdTTL time.Duration `koanf:"threshold_ttl"`
}

type JobsConfig struct {
	Enabled        bool           `koanf:"enabled"`
	Intervals      jobs.Intervals `koanf:"intervals"`
	DecayBatch     int            `koanf:"decay_batch"`
	DirtyBatch     int            `koanf:"dirty_batch"`
	CorrectionPage int            `koanf:"correction_page"`
	RelabelPage    int            `koanf:"relabel_page"`
	InactivePage   int            `koanf:"inactive_page"`
	SnapshotPage   int            `koanf:"snapshot_page"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{
			DSN: "host=localhost user=postgres password=postgres dbname=engagement port=5432 sslmode=disable",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Log:   LogConfig{Level: "info"},
		Tracking: TrackingConfig{
			VisitBoundary: tracking.DefaultVisitBoundary,
			VisitCacheTTL: tracking.DefaultVisitCacheTTL,
		},
		Labels: LabelsConfig{ThresholdTTL: labels.DefaultThresholdTTL},
		Jobs: JobsConfig{
			Enabled:        true,
			Intervals:      jobs.DefaultIntervals(),
			DecayBatch:     ledger.DefaultDecayBatchSize,
			DirtyBatch:     dirty.DefaultBatchSize,
			CorrectionPage: jobs.CorrectionPageSize,
			RelabelPage:    jobs.RelabelPageSize,
			InactivePage:   jobs.InactivePageSize,
			SnapshotPage:   jobs.SnapshotPageSize,
		},
	}
}

// LoadConfig layers ENGAGEMENT_* environment variables over the defaults.
func LoadConfig() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func envKey(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Tracking.VisitBoundary <= 0 {
		return fmt.Errorf("tracking.visit_boundary must be positive")
	}
	if c.Tracking.VisitCacheTTL <= 0 {
		return fmt.Errorf("tracking.visit_cache_ttl must be positive")
	}
	return nil
}
