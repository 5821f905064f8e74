// Package health reports engine liveness and the readiness of the
// dependencies it needs to take work.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ReadinessChecker is implemented by every dependency whose readiness the
// engine reports: the record store, the object store and each runner.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// ReadyFunc adapts a function to ReadinessChecker.
type ReadyFunc func(ctx context.Context) error

func (f ReadyFunc) Ready(ctx context.Context) error { return f(ctx) }

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult is the outcome of probing one dependency.
type CheckResult struct {
	Status    Status  `json:"status"`
	Message   string  `json:"message,omitempty"`
	Critical  bool    `json:"critical,omitempty"`
	LatencyMS float64 `json:"latencyMs"`
}

// Response is the body of /livez and /readyz.
type Response struct {
	Status    Status                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	CheckedAt time.Time              `json:"checkedAt,omitzero"`
}

// IsHealthy reports whether the engine can take work. A degraded engine
// still can: only some runners are unavailable.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy || r.Status == StatusDegraded
}

type dependency struct {
	name     string
	checker  ReadinessChecker
	critical bool
}

// Checker probes registered dependencies. A failing critical dependency
// makes the engine unhealthy; a failing optional one (a single runner)
// only degrades it.
type Checker struct {
	deps     []dependency
	timeout  time.Duration
	cacheTTL time.Duration
	now      func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	last     *Response
	stopping bool
}

// Option configures a Checker.
type Option func(*Checker)

// WithTimeout bounds each dependency probe. Default 5s.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCacheTTL sets how long a readiness result is served before the
// dependencies are probed again. Default 1s; zero disables the cache.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Checker) { c.cacheTTL = d }
}

func NewChecker(opts ...Option) *Checker {
	c := &Checker{timeout: 5 * time.Second, cacheTTL: time.Second, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Critical registers a dependency the engine cannot work without.
func (c *Checker) Critical(name string, rc ReadinessChecker) *Checker {
	c.deps = append(c.deps, dependency{name: name, checker: rc, critical: true})
	return c
}

// Optional registers a dependency whose outage degrades the engine.
func (c *Checker) Optional(name string, rc ReadinessChecker) *Checker {
	c.deps = append(c.deps, dependency{name: name, checker: rc})
	return c
}

// Liveness never touches dependencies; it fails only if the process cannot
// answer at all.
func (c *Checker) Liveness(context.Context) *Response {
	return &Response{Status: StatusHealthy, CheckedAt: c.now()}
}

// Readiness probes every dependency concurrently. Concurrent callers share
// one round of probes, and a recent result is served from cache.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	stopping, last := c.stopping, c.last
	c.mu.RUnlock()

	if stopping {
		return &Response{
			Status:    StatusUnhealthy,
			Checks:    map[string]CheckResult{"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"}},
			CheckedAt: c.now(),
		}
	}
	if last != nil && c.now().Sub(last.CheckedAt) < c.cacheTTL {
		return last
	}

	v, _, _ := c.group.Do("readiness", func() (any, error) {
		return c.probe(context.WithoutCancel(ctx)), nil
	})
	resp := v.(*Response)

	c.mu.Lock()
	if !c.stopping {
		c.last = resp
	}
	c.mu.Unlock()
	return resp
}

func (c *Checker) probe(ctx context.Context) *Response {
	resp := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(c.deps)), CheckedAt: c.now()}
	if len(c.deps) == 0 {
		resp.Status = StatusUnhealthy
		resp.Checks["engine"] = CheckResult{Status: StatusUnhealthy, Message: "no dependencies configured"}
		return resp
	}

	results := make([]CheckResult, len(c.deps))
	var g errgroup.Group
	for i, dep := range c.deps {
		g.Go(func() error {
			results[i] = c.run(ctx, dep)
			return nil
		})
	}
	g.Wait()

	for i, dep := range c.deps {
		result := results[i]
		resp.Checks[dep.name] = result
		switch {
		case result.Status == StatusHealthy:
		case dep.critical:
			resp.Status = StatusUnhealthy
		case resp.Status == StatusHealthy:
			resp.Status = StatusDegraded
		}
	}
	return resp
}

func (c *Checker) run(ctx context.Context, dep dependency) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.now()
	err := dep.checker.Ready(ctx)
	result := CheckResult{
		Status:    StatusHealthy,
		Critical:  dep.critical,
		LatencyMS: float64(c.now().Sub(start).Microseconds()) / 1000,
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
	}
	return result
}

// SetShuttingDown makes every later readiness probe fail so load balancers
// stop routing new work here.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopping = true
	c.last = nil
}
