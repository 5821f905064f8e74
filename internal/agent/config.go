package agent

import (
	"fmt"
	"jobengine/internal/config"
	"jobengine/internal/runner/local"
	"jobengine/internal/runner/pulsar"
	"time"
)

// EnvPrefix prefixes agent environment overrides: max_jobs is
// AGENT_MAX_JOBS, pulsar.url is AGENT_PULSAR_URL.
const EnvPrefix = "AGENT"

// Config holds configuration for the job agent.
type Config struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	APIKey       string        `mapstructure:"api_key"`
	APIKeyFile   string        `mapstructure:"api_key_file"`
	MaxJobs      int           `mapstructure:"max_jobs"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Retention    time.Duration `mapstructure:"retention"`

	Runner local.Config `mapstructure:"runner"`
	// Pulsar.URL empty disables the message queue transport.
	Pulsar pulsar.MQConfig `mapstructure:"pulsar"`
}

// Options derives the agent options; the publisher is set by the caller.
func (c *Config) Options() Options {
	return Options{MaxJobs: c.MaxJobs, PollInterval: c.PollInterval, Retention: c.Retention}
}

// LoadConfig reads path (optional) and AGENT_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := config.NewViper(EnvPrefix)
	v.SetDefault("listen_addr", ":8090")
	v.SetDefault("api_key", "")
	v.SetDefault("api_key_file", "")
	v.SetDefault("max_jobs", 16)
	v.SetDefault("poll_interval", 2*time.Second)
	v.SetDefault("retention", 15*time.Minute)
	v.SetDefault("runner.name", "agent")
	v.SetDefault("runner.interpreter", "/bin/sh")
	v.SetDefault("runner.kill_grace", 5*time.Second)
	v.SetDefault("pulsar.url", "")
	v.SetDefault("pulsar.topic_prefix", "jobengine")
	v.SetDefault("pulsar.subscription", "jobengine-status")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading agent config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding agent config: %w", err)
	}
	key, err := config.ResolveSecret(cfg.APIKey, cfg.APIKeyFile)
	if err != nil {
		return nil, fmt.Errorf("api_key_file: %w", err)
	}
	cfg.APIKey = key
	if cfg.MaxJobs < 1 {
		return nil, fmt.Errorf("max_jobs must be positive, got %d", cfg.MaxJobs)
	}
	return &cfg, nil
}
