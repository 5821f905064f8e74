package queue

import (
	"time"
)

// Config configures admission and monitoring.
type Config struct {
	// DispatchInterval is the pause between admission passes. Put and slot
	// releases wake the dispatcher early.
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	// MonitorInterval is the pause between CheckWatchedItems passes per runner.
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	// MaxPerUser bounds running plus submitting jobs per user. Zero is unlimited.
	MaxPerUser int `mapstructure:"max_per_user"`
	// MaxSubmitAttempts bounds transient submission failures of one job
	// before it fails.
	MaxSubmitAttempts int `mapstructure:"max_submit_attempts"`
	// DefaultWalltime applies to destinations without a walltime param.
	// Zero disables the deadline.
	DefaultWalltime time.Duration `mapstructure:"default_walltime"`
	// CancelOnShutdown cancels outstanding jobs on Shutdown instead of
	// leaving them for Recover.
	CancelOnShutdown bool `mapstructure:"cancel_on_shutdown"`

	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

func (c Config) withDefaults() Config {
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 5 * time.Second
	}
	if c.MaxSubmitAttempts <= 0 {
		c.MaxSubmitAttempts = 5
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}
