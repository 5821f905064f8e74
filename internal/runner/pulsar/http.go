package pulsar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"jobengine/internal/apperrors"
	"jobengine/internal/runner"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"
)

// AgentAPIPrefix is the path under which agents serve the HTTP transport.
const AgentAPIPrefix = "/agent/v1"

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	URL         string        `mapstructure:"url"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	c.URL = strings.TrimRight(c.URL, "/")
	return c
}

// HTTPTransport polls an agent's HTTP API.
type HTTPTransport struct {
	cfg    HTTPConfig
	client *retryablehttp.Client
	logger *slog.Logger
}

// NewHTTPTransport creates a transport for the agent at cfg.URL.
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	cfg = cfg.withDefaults()
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, apperrors.Validation("url", fmt.Sprintf("invalid agent url %q", cfg.URL))
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	logger := slog.With("component", "pulsar.http", "agent", cfg.URL)
	client.Logger = logger
	return &HTTPTransport{cfg: cfg, client: client, logger: logger}, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, t.cfg.URL+AgentAPIPrefix+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}
	return t.client.Do(req)
}

// statusError classifies an unexpected agent answer.
func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("agent returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return apperrors.Transient(op, err)
	}
	return apperrors.Submission(op, err)
}

// Submit posts the job. The agent answers 409 for a job it already runs.
func (t *HTTPTransport) Submit(ctx context.Context, req SubmitRequest) error {
	resp, err := t.do(ctx, http.MethodPost, "/jobs", req)
	if err != nil {
		return apperrors.Transient("agent submit", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		return nil
	default:
		return statusError("agent submit", resp)
	}
}

// Cancel deletes the job on the agent. Unknown jobs are ignored.
func (t *HTTPTransport) Cancel(ctx context.Context, jobID string) error {
	resp, err := t.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return apperrors.Transient("agent cancel", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 300 || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return statusError("agent cancel", resp)
}

func (t *HTTPTransport) status(ctx context.Context, jobID string) (*Status, error) {
	resp, err := t.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return &Status{JobID: jobID, State: runner.StateLost, Message: "job unknown to agent"}, nil
	}
	if resp.StatusCode >= 300 {
		return nil, statusError("agent status", resp)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

// Statuses polls every job concurrently. Jobs whose status cannot be read
// are left out.
func (t *HTTPTransport) Statuses(ctx context.Context, jobIDs []string) ([]Status, error) {
	var mu sync.Mutex
	var out []Status
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Concurrency)
	for _, id := range jobIDs {
		g.Go(func() error {
			st, err := t.status(gctx, id)
			if err != nil {
				t.logger.Warn("Status poll failed", "jobId", id, "error", err)
				return nil
			}
			mu.Lock()
			out = append(out, *st)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func (t *HTTPTransport) Ready(ctx context.Context) error {
	resp, err := t.do(ctx, http.MethodGet, "/ready", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent not ready: %s", resp.Status)
	}
	return nil
}

func (t *HTTPTransport) Close() error {
	t.client.HTTPClient.CloseIdleConnections()
	return nil
}
