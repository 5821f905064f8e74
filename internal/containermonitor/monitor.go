// Package containermonitor reports the host ports of interactive job
// containers. The runner writes container_config.json into the job's working
// directory; once the container is up the monitor resolves the published
// ports, writes container_runtime.json and posts it to the callback URL.
package containermonitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"jobengine/internal/model"
	"jobengine/pkg/backoff"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/docker/go-connections/nat"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	ConfigFile  = "container_config.json"
	RuntimeFile = "container_runtime.json"
)

// ContainerConfig is the content of container_config.json.
type ContainerConfig struct {
	ContainerType           string     `json:"container_type"`
	ContainerName           string     `json:"container_name"`
	CallbackURL             string     `json:"callback_url,omitempty"`
	ConnectionConfiguration Connection `json:"connection_configuration"`
}

// Connection names the container ports to report.
type Connection struct {
	Ports map[string]PortSpec `json:"ports"`
}

// PortSpec is one exposed container port.
type PortSpec struct {
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol,omitempty"`
}

// NatPort returns the docker port key for p.
func (p PortSpec) NatPort() nat.Port {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return nat.Port(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
}

// Resolver returns the host bindings of a container's published ports.
type Resolver interface {
	PortBindings(ctx context.Context, containerName string) (nat.PortMap, error)
}

// ErrPortsNotBound is returned while the container has not published a declared port yet.
var ErrPortsNotBound = errors.New("container ports not bound yet")

// WriteConfig writes container_config.json into dir.
func WriteConfig(dir string, cfg *ContainerConfig) error {
	return writeJSON(filepath.Join(dir, ConfigFile), cfg)
}

// ReadConfig reads container_config.json from dir.
func ReadConfig(dir string) (*ContainerConfig, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	var cfg ContainerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ConfigFile, err)
	}
	return &cfg, nil
}

// BuildRuntime maps every declared port name to its host address. Bindings
// on 0.0.0.0 (or an empty host) are rewritten to routableIP.
func BuildRuntime(cfg *ContainerConfig, bindings nat.PortMap, routableIP string) (map[string]model.Port, error) {
	out := make(map[string]model.Port, len(cfg.ConnectionConfiguration.Ports))
	for name, spec := range cfg.ConnectionConfiguration.Ports {
		bound := bindings[spec.NatPort()]
		if len(bound) == 0 || bound[0].HostPort == "" {
			return nil, fmt.Errorf("%w: %s (%s)", ErrPortsNotBound, name, spec.NatPort())
		}
		port, err := strconv.Atoi(bound[0].HostPort)
		if err != nil {
			return nil, fmt.Errorf("port %s: bad host port %q", name, bound[0].HostPort)
		}
		host := bound[0].HostIP
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = routableIP
		}
		out[name] = model.Port{Host: host, Port: port, Protocol: spec.NatPort().Proto()}
	}
	return out, nil
}

// RoutableIP returns the first non-loopback IPv4 address of this host.
func RoutableIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "127.0.0.1", nil
}

// Monitor resolves and reports container ports.
type Monitor struct {
	resolver   Resolver
	client     *retryablehttp.Client
	apiKey     string
	routableIP func() (string, error)
	attempts   int
	backoff    *backoff.Config
	logger     *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithAPIKey sets the key sent with the callback.
func WithAPIKey(key string) Option { return func(m *Monitor) { m.apiKey = key } }

// WithRoutableIP overrides host address discovery.
func WithRoutableIP(ip string) Option {
	return func(m *Monitor) { m.routableIP = func() (string, error) { return ip, nil } }
}

// WithBackoff sets how long the monitor waits for ports to be bound.
func WithBackoff(attempts int, cfg *backoff.Config) Option {
	return func(m *Monitor) { m.attempts, m.backoff = attempts, cfg }
}

// New creates a monitor that inspects containers through resolver.
func New(resolver Resolver, opts ...Option) *Monitor {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.HTTPClient.Timeout = 10 * time.Second
	m := &Monitor{
		resolver:   resolver,
		client:     client,
		routableIP: RoutableIP,
		attempts:   10,
		logger:     slog.With("component", "containermonitor"),
	}
	client.Logger = m.logger
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run reports the ports of the container described in dir.
func (m *Monitor) Run(ctx context.Context, dir string) (map[string]model.Port, error) {
	cfg, err := ReadConfig(dir)
	if err != nil {
		return nil, err
	}
	ip, err := m.routableIP()
	if err != nil {
		return nil, fmt.Errorf("resolve routable ip: %w", err)
	}

	var ports map[string]model.Port
	opts := append(backoff.RetryOptions(m.attempts, m.backoff, func(err error) bool {
		return errors.Is(err, ErrPortsNotBound)
	}), retry.Context(ctx))
	err = retry.Do(func() error {
		bindings, err := m.resolver.PortBindings(ctx, cfg.ContainerName)
		if err != nil {
			return err
		}
		ports, err = BuildRuntime(cfg, bindings, ip)
		return err
	}, opts...)
	if err != nil {
		return nil, err
	}

	if err := writeJSON(filepath.Join(dir, RuntimeFile), ports); err != nil {
		return nil, err
	}
	if cfg.CallbackURL != "" {
		if err := m.post(ctx, cfg.CallbackURL, ports); err != nil {
			return ports, err
		}
	}
	m.logger.Info("Container ports reported", "container", cfg.ContainerName, "ports", len(ports))
	return ports, nil
}

func (m *Monitor) post(ctx context.Context, url string, ports map[string]model.Port) error {
	body, err := json.Marshal(ports)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("port callback: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("port callback returned %s", resp.Status)
	}
	return nil
}

func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
