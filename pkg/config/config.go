// Package config loads Grace Core's process configuration from the
// environment, mirroring the teacher's envdecode/godotenv pattern.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is Grace Core's full process configuration (spec.md §6 plus the
// ambient additions of SPEC_FULL.md §A.3).
type Config struct {
	DataDir            string  `env:"GRACE_CORE_DATA_DIR,required"`
	HTTPAddr           string  `env:"GRACE_CORE_HTTP_ADDR"`
	EvalPeriod         string  `env:"GRACE_CORE_EVAL_PERIOD"`
	BenchThreshold     float64 `env:"GRACE_CORE_BENCH_THRESHOLD"`
	BenchWindowDays    int     `env:"GRACE_CORE_BENCH_WINDOW_DAYS"`
	SegmentBytes       int64   `env:"GRACE_CORE_SEGMENT_BYTES"`
	SubscriptionCap    int     `env:"GRACE_CORE_SUBSCRIPTION_QUEUE_CAP"`
	PolicySeedDir      string  `env:"GRACE_CORE_POLICY_SEED_DIR"`
	KPISeedDir         string  `env:"GRACE_CORE_KPI_SEED_DIR"`
	RecoveryVerifyTail int     `env:"GRACE_CORE_RECOVERY_VERIFY_TAIL"`
	StateDBURL         string  `env:"GRACE_CORE_STATE_DB_URL"`
	LogLevel           string  `env:"LOG_LEVEL"`
	LogFormat          string  `env:"LOG_FORMAT"`
}

// New returns a Config populated with Grace's documented defaults.
func New() *Config {
	return &Config{
		HTTPAddr:           ":8090",
		EvalPeriod:         "@every 1h",
		BenchThreshold:     0.90,
		BenchWindowDays:    7,
		SegmentBytes:       64 << 20,
		SubscriptionCap:    1024,
		RecoveryVerifyTail: 32,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

// Load loads a .env file (if present), then overlays environment
// variables via envdecode, matching the teacher's Load() in
// pkg/config/config.go.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()
	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("config: decode env: %w", err)
		}
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("config: GRACE_CORE_DATA_DIR is required")
	}
	return cfg, nil
}

// EvalInterval parses EvalPeriod as a plain duration for contexts that
// need a time.Duration rather than a cron spec (e.g. defaulting the CLI's
// --timeout flag). Non-duration cron specs return the documented default.
func (c *Config) EvalInterval() time.Duration {
	if d, err := time.ParseDuration(strings.TrimPrefix(c.EvalPeriod, "@every ")); err == nil {
		return d
	}
	return time.Hour
}
