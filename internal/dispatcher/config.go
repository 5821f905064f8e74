package dispatcher

import (
	"jobengine/pkg/backoff"
	"time"
)

// MemoryConfig configures the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize  int           `mapstructure:"buffer_size"`  // buffered events (default 10000)
	Workers     int           `mapstructure:"workers"`      // delivery goroutines (default 10)
	HTTPTimeout time.Duration `mapstructure:"http_timeout"` // per request (default 10s)

	// MaxAttempts bounds the sends of one delivery, first send included
	// (default 4).
	MaxAttempts int            `mapstructure:"max_attempts"`
	Backoff     backoff.Config `mapstructure:"backoff"`

	// A receiver host failing BreakerThreshold deliveries in a row is not
	// contacted for BreakerCooldown. Its events wait out the cooldown and
	// are dropped after MaxRequeues waits.
	BreakerThreshold int           `mapstructure:"breaker_threshold"` // default 5
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`  // default 30s
	MaxRequeues      int           `mapstructure:"max_requeues"`      // default 10
}

func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	return c
}
