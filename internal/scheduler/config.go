package scheduler

import (
	"strings"
	"time"
)

// PeriodGranularity selects the calendar window metering batches cover.
type PeriodGranularity string

const (
	PeriodHourly PeriodGranularity = "hour"
	PeriodDaily  PeriodGranularity = "day"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval    time.Duration
	JobTimeout     time.Duration
	LockTTL        time.Duration
	RetryBatchSize int
	Granularity    PeriodGranularity
	// EnabledJobs empty means every job runs (single-worker mode).
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:    time.Minute,
		JobTimeout:     30 * time.Second,
		LockTTL:        5 * time.Minute,
		RetryBatchSize: 50,
		Granularity:    PeriodHourly,
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
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.RetryBatchSize <= 0 {
		c.RetryBatchSize = defaults.RetryBatchSize
	}
	if c.Granularity != PeriodHourly && c.Granularity != PeriodDaily {
		c.Granularity = defaults.Granularity
	}
	return c
}

func (c Config) jobEnabled(name string) bool {
	if len(c.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range c.EnabledJobs {
		if strings.EqualFold(enabled, name) {
			return true
		}
	}
	return false
}
