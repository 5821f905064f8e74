// Package config loads the engine configuration: a YAML file plus
// JOBENGINE_* environment overrides, decoded into the typed configuration of
// each component and validated before anything is constructed.
package config

import (
	"errors"
	"fmt"
	"jobengine/internal/dispatcher"
	"jobengine/internal/job"
	"jobengine/internal/model"
	"jobengine/internal/objectstore"
	"jobengine/internal/queue"
	"jobengine/internal/runner/docker"
	"jobengine/internal/runner/drm"
	"jobengine/internal/runner/kubernetes"
	"jobengine/internal/runner/local"
	"jobengine/internal/runner/pulsar"
	"jobengine/internal/tool"
	"net/url"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: api.addr is JOBENGINE_API_ADDR.
const EnvPrefix = "JOBENGINE"

// Config is the complete engine configuration.
type Config struct {
	API                APIConfig                `mapstructure:"api"`
	Jobs               job.Config               `mapstructure:"jobs"`
	Queue              queue.Config             `mapstructure:"queue"`
	ObjectStore        objectstore.Config       `mapstructure:"objectstore"`
	Runners            RunnersConfig            `mapstructure:"runners"`
	Destinations       []model.JobDestination   `mapstructure:"destinations"`
	DefaultDestination string                   `mapstructure:"default_destination"`
	ToolDestinations   map[string]string        `mapstructure:"tool_destinations"`
	Tools              []tool.Definition        `mapstructure:"tools"`
	ToolUpdates        tool.UpdateCheckerConfig `mapstructure:"tool_updates"`
	Notifier           job.NotifierConfig       `mapstructure:"notifier"`
	Dispatcher         dispatcher.MemoryConfig  `mapstructure:"dispatcher"`
}

// APIConfig configures the HTTP servers.
type APIConfig struct {
	Addr        string `mapstructure:"addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	APIKey      string `mapstructure:"api_key"`
	// APIKeyFile is read when APIKey is empty (Docker and Kubernetes secrets).
	APIKeyFile        string        `mapstructure:"api_key_file"`
	ShutdownDrainWait time.Duration `mapstructure:"shutdown_drain_wait"`
	// ReadinessTimeout bounds each dependency probe behind /readyz.
	ReadinessTimeout  time.Duration `mapstructure:"readiness_timeout"`
	ReadinessCacheTTL time.Duration `mapstructure:"readiness_cache_ttl"`
}

// RunnersConfig lists the configured backends. Several instances of one
// kind are told apart by name.
type RunnersConfig struct {
	Local      []local.Config      `mapstructure:"local"`
	Docker     []docker.Config     `mapstructure:"docker"`
	DRM        []drm.Config        `mapstructure:"drm"`
	Kubernetes []kubernetes.Config `mapstructure:"kubernetes"`
	Pulsar     []pulsar.Config     `mapstructure:"pulsar"`
}

// Names returns the runner names in configuration order, applying each
// kind's default name.
func (r RunnersConfig) Names() []string {
	var names []string
	add := func(name, def string) {
		if name == "" {
			name = def
		}
		names = append(names, name)
	}
	for _, c := range r.Local {
		add(c.Name, "local")
	}
	for _, c := range r.Docker {
		add(c.Name, "docker")
	}
	for _, c := range r.DRM {
		add(c.Name, "drm")
	}
	for _, c := range r.Kubernetes {
		add(c.Name, "kubernetes")
	}
	for _, c := range r.Pulsar {
		add(c.Name, "pulsar")
	}
	return names
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.metrics_addr", ":9090")
	v.SetDefault("api.api_key", "")
	v.SetDefault("api.api_key_file", "")
	v.SetDefault("api.shutdown_drain_wait", 5*time.Second)
	v.SetDefault("api.readiness_timeout", 5*time.Second)
	v.SetDefault("api.readiness_cache_ttl", time.Second)
	v.SetDefault("jobs.working_dir_root", "")
	v.SetDefault("jobs.staging_concurrency", 8)
	v.SetDefault("jobs.retry.max_attempts", 3)
	v.SetDefault("queue.dispatch_interval", time.Second)
	v.SetDefault("queue.monitor_interval", 5*time.Second)
	v.SetDefault("queue.max_per_user", 0)
	v.SetDefault("queue.cancel_on_shutdown", false)
	v.SetDefault("objectstore.type", objectstore.TypeDisk)
	v.SetDefault("objectstore.path", "")
	v.SetDefault("notifier.url", "")
	v.SetDefault("notifier.key", "")
	v.SetDefault("dispatcher.buffer_size", 10000)
	v.SetDefault("dispatcher.workers", 10)
	v.SetDefault("dispatcher.http_timeout", 10*time.Second)
	v.SetDefault("dispatcher.max_attempts", 4)
	v.SetDefault("dispatcher.breaker_threshold", 5)
	v.SetDefault("dispatcher.breaker_cooldown", 30*time.Second)
	v.SetDefault("dispatcher.max_requeues", 10)
	v.SetDefault("tool_updates.url", "")
}

// Load reads path (optional) and the environment into a Config. The result
// is not validated.
func Load(path string) (*Config, error) {
	v := NewViper(EnvPrefix)
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	key, err := ResolveSecret(cfg.API.APIKey, cfg.API.APIKeyFile)
	if err != nil {
		return nil, fmt.Errorf("api.api_key_file: %w", err)
	}
	cfg.API.APIKey = key
	return &cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.API.Addr == "" {
		fail("api.addr is required")
	}
	if c.Jobs.WorkingDirRoot == "" {
		fail("jobs.working_dir_root is required")
	}
	if err := c.Jobs.Retry.Validate(); err != nil {
		fail("jobs.retry: %v", err)
	}
	if err := c.ObjectStore.Validate(); err != nil {
		result = multierror.Append(result, flatten(err)...)
	}

	runners := map[string]bool{}
	for _, name := range c.Runners.Names() {
		if runners[name] {
			fail("runners: duplicate runner name %q", name)
		}
		runners[name] = true
	}
	if len(runners) == 0 {
		fail("runners: at least one runner is required")
	}

	if len(c.Destinations) == 0 {
		fail("destinations: at least one destination is required")
	}
	dests := map[string]bool{}
	for i, d := range c.Destinations {
		switch {
		case d.ID == "":
			fail("destinations[%d]: id is required", i)
		case dests[d.ID]:
			fail("destinations[%d]: duplicate id %q", i, d.ID)
		}
		dests[d.ID] = true
		if !runners[d.Runner] {
			fail("destinations[%d]: unknown runner %q", i, d.Runner)
		}
		if d.MaxConcurrency < 0 {
			fail("destinations[%d]: max_concurrency must not be negative", i)
		}
	}
	if c.DefaultDestination != "" && !dests[c.DefaultDestination] {
		fail("default_destination: unknown destination %q", c.DefaultDestination)
	}

	tools := map[string]bool{}
	for i, def := range c.Tools {
		if _, err := tool.NewTemplate(def); err != nil {
			fail("tools[%d]: %v", i, err)
		}
		if tools[def.ID] {
			fail("tools[%d]: duplicate id %q", i, def.ID)
		}
		tools[def.ID] = true
	}
	for toolID, dest := range c.ToolDestinations {
		if !tools[toolID] {
			fail("tool_destinations: unknown tool %q", toolID)
		}
		if !dests[dest] {
			fail("tool_destinations: tool %s maps to unknown destination %q", toolID, dest)
		}
	}

	if c.Notifier.URL != "" {
		if _, err := url.ParseRequestURI(c.Notifier.URL); err != nil {
			fail("notifier.url is invalid: %v", err)
		}
	}
	if c.ToolUpdates.URL != "" {
		if _, err := url.ParseRequestURI(c.ToolUpdates.URL); err != nil {
			fail("tool_updates.url is invalid: %v", err)
		}
	}
	return result.ErrorOrNil()
}

func flatten(err error) []error {
	var merr *multierror.Error
	if errors.As(err, &merr) {
		return merr.WrappedErrors()
	}
	return []error{err}
}
