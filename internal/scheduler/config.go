package scheduler

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls sweep intervals and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		BatchSize:   100,
		JobTimeout:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}

// ProvideConfig reads sweep settings from the environment.
func ProvideConfig() Config {
	cfg := DefaultConfig()
	if raw := strings.TrimSpace(os.Getenv("SWEEP_RUN_INTERVAL")); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			cfg.RunInterval = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("SWEEP_BATCH_SIZE")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.BatchSize = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("SWEEP_JOB_TIMEOUT")); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			cfg.JobTimeout = parsed
		}
	}
	return cfg
}
