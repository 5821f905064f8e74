package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"jobengine/internal/sleeper"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// UpdateCheckerConfig configures the periodic tool version check.
type UpdateCheckerConfig struct {
	URL      string        `mapstructure:"url"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Update reports a registered tool that is older than the registry's latest version.
type Update struct {
	ToolID  string `json:"toolId"`
	Current string `json:"current"`
	Latest  string `json:"latest"`
}

// UpdateChecker polls a registry URL returning {"tool_id": "latest_version"}
// and records which registered tools are outdated.
type UpdateChecker struct {
	registry *Registry
	url      string
	client   *retryablehttp.Client
	poller   *sleeper.Poller
	logger   *slog.Logger

	mu      sync.RWMutex
	updates []Update
}

// NewUpdateChecker creates a stopped checker.
func NewUpdateChecker(registry *Registry, cfg UpdateCheckerConfig) *UpdateChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = 10 * time.Second
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}
	u := &UpdateChecker{
		registry: registry,
		url:      cfg.URL,
		client:   client,
		logger:   slog.With("component", "tool.updates"),
	}
	client.Logger = u.logger
	u.poller = sleeper.NewPoller("tool-updates", cfg.Interval, func(ctx context.Context) {
		if _, err := u.Check(ctx); err != nil && ctx.Err() == nil {
			u.logger.Warn("Tool update check failed", "error", err)
		}
	})
	return u
}

// Start begins periodic checks.
func (u *UpdateChecker) Start(ctx context.Context) { u.poller.Start(ctx) }

// Stop interrupts any pending wait and stops checking.
func (u *UpdateChecker) Stop() { u.poller.Stop() }

// Updates returns the result of the last successful check.
func (u *UpdateChecker) Updates() []Update {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return append([]Update(nil), u.updates...)
}

// Check fetches the latest versions once and returns the outdated tools.
func (u *UpdateChecker) Check(ctx context.Context) ([]Update, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool registry returned %s", resp.Status)
	}
	var latest map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&latest); err != nil {
		return nil, fmt.Errorf("decode tool registry response: %w", err)
	}

	var updates []Update
	for _, d := range u.registry.List() {
		v, ok := latest[d.ID()]
		if !ok || CompareVersions(d.Version(), v) >= 0 {
			continue
		}
		updates = append(updates, Update{ToolID: d.ID(), Current: d.Version(), Latest: v})
	}

	u.mu.Lock()
	u.updates = updates
	u.mu.Unlock()
	if len(updates) > 0 {
		u.logger.Info("Outdated tools found", "count", len(updates))
	}
	return updates, nil
}

// CompareVersions compares dotted versions component by component, numerically
// where both components are numbers. Missing components count as zero.
func CompareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := range max(len(as), len(bs)) {
		x, y := "0", "0"
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xn, xerr := strconv.Atoi(x)
		yn, yerr := strconv.Atoi(y)
		switch {
		case xerr == nil && yerr == nil:
			if xn != yn {
				if xn < yn {
					return -1
				}
				return 1
			}
		case x != y:
			return strings.Compare(x, y)
		}
	}
	return 0
}
