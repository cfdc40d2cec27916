package scheduler

import (
	"time"

	"github.com/smallbiznis/storeforge/internal/config"
)

const (
	JobOutboxDispatch    = "outbox_dispatch"
	JobBuildTimeoutSweep = "build_timeout_sweep"
)

// Config controls scheduler intervals and job selection.
type Config struct {
	Disabled    bool
	RunInterval time.Duration
	JobTimeout  time.Duration
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 30 * time.Second,
		JobTimeout:  30 * time.Second,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Disabled:    !cfg.Scheduler.Enabled,
		RunInterval: cfg.Scheduler.RunInterval,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
