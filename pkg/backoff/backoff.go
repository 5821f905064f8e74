// Package backoff provides exponential backoff calculation for retry loops,
// both hand-written ones and avast/retry-go.
package backoff

import (
	"math"
	"time"

	"github.com/avast/retry-go"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration `mapstructure:"initial"` // default: 100ms
	Max     time.Duration `mapstructure:"max"`     // default: 5s
}

func (c *Config) bounds() (time.Duration, time.Duration) {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	if c != nil {
		if c.Initial > 0 {
			initial = c.Initial
		}
		if c.Max > 0 {
			maxBackoff = c.Max
		}
	}
	return initial, maxBackoff
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxBackoff := cfg.bounds()
	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

// DelayType adapts Exponential to retry-go. retry-go counts attempts from
// zero, so the first retry waits Initial.
func DelayType(cfg *Config) retry.DelayTypeFunc {
	return func(n uint, _ error, _ *retry.Config) time.Duration {
		return Exponential(int(n)+1, cfg)
	}
}

// RetryOptions returns the retry-go options shared by staging and
// object-store retries: bounded attempts, exponential delay, and only
// errors accepted by retryIf are retried.
func RetryOptions(attempts int, cfg *Config, retryIf func(error) bool) []retry.Option {
	if attempts < 1 {
		attempts = 1
	}
	return []retry.Option{
		retry.Attempts(uint(attempts)),
		retry.DelayType(DelayType(cfg)),
		retry.RetryIf(retryIf),
		retry.LastErrorOnly(true),
	}
}
