package caravan

import (
	"log/slog"
	"time"
)

type config struct {
	workerCount       int
	dispatchInterval  time.Duration
	schedulerInterval time.Duration
	sweepInterval     time.Duration
	lockTTL           time.Duration
	defaults          DefaultLimits
	executor          Executor
	logger            Logger
}

func defaultConfig() *config {
	return &config{
		workerCount:       3,
		dispatchInterval:  100 * time.Millisecond,
		schedulerInterval: time.Second,
		sweepInterval:     5 * time.Second,
		lockTTL:           5 * time.Minute,
		defaults:          StandardDefaultLimits(),
		logger:            NewDefaultLogger(slog.LevelError, TextFormat),
	}
}

type Option func(*config)

// WithWorkerCount sets the number of concurrent import workers.
func WithWorkerCount(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.workerCount = n
		}
	}
}

// WithDispatchInterval sets how often the dispatch loop scans the queue.
func WithDispatchInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.dispatchInterval = d
		}
	}
}

// WithSchedulerInterval sets how often due schedules are evaluated.
func WithSchedulerInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.schedulerInterval = d
		}
	}
}

// WithSweepInterval sets how often expired locks are reclaimed.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// WithLockTTL sets the baseline lease duration for resource locks. Requests
// with a longer estimated duration lease for twice their estimate instead.
func WithLockTTL(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.lockTTL = d
		}
	}
}

// WithDefaultLimits replaces the fallback quota ceilings applied to tenants
// with no explicit limit rows.
func WithDefaultLimits(defaults DefaultLimits) Option {
	return func(c *config) {
		c.defaults = defaults
	}
}

// WithExecutor sets the import executor invoked for each dispatched request.
func WithExecutor(executor Executor) Option {
	return func(c *config) {
		c.executor = executor
	}
}

func WithLog(logger Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}
