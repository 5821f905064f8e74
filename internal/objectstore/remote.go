package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// RemoteConfig configures the remote backend.
type RemoteConfig struct {
	URL       string        `mapstructure:"url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RetryMax  int           `mapstructure:"retry_max"`
	CacheDir  string        `mapstructure:"cache_dir"`
	CacheSize int           `mapstructure:"cache_size"`
}

// Remote delegates to another engine's /v1/objects API.
type Remote struct {
	base   string
	apiKey string
	client *retryablehttp.Client
	cache  *fileCache
}

// NewRemote creates a remote backend.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid remote object store url: %w", err)
	}
	cache, err := newFileCache(cfg.CacheDir, cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	client := retryablehttp.NewClient()
	client.Logger = slog.With("component", "objectstore.remote")
	client.RetryMax = 3
	if cfg.RetryMax > 0 {
		client.RetryMax = cfg.RetryMax
	}
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.HTTPClient.Timeout = 30 * time.Second
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}
	return &Remote{
		base:   strings.TrimRight(cfg.URL, "/"),
		apiKey: cfg.APIKey,
		client: client,
		cache:  cache,
	}, nil
}

func (r *Remote) request(ctx context.Context, method, ref string, body any) (*retryablehttp.Request, error) {
	if err := ValidateRef(ref); err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, r.base+"/v1/objects/"+url.PathEscape(ref), body)
	if err != nil {
		return nil, permanent(strings.ToLower(method), ref, err)
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	return req, nil
}

// send executes req and maps the response status onto object store errors.
// Transport failures that survive the client's own retries are transient.
func (r *Remote) send(op, ref string, req *retryablehttp.Request) (*http.Response, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, transient(op, ref, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, notFound(op, ref)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, transient(op, ref, fmt.Errorf("remote returned %s", resp.Status))
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, permanent(op, ref, fmt.Errorf("remote returned %s: %s", resp.Status, strings.TrimSpace(string(msg))))
	}
	return resp, nil
}

func (r *Remote) head(ctx context.Context, op, ref string) (*http.Response, error) {
	req, err := r.request(ctx, http.MethodHead, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.send(op, ref, req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return resp, nil
}

func (r *Remote) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := r.head(ctx, "exists", ref)
	if IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (r *Remote) Create(ctx context.Context, ref string) error {
	exists, err := r.Exists(ctx, ref)
	if err != nil || exists {
		return err
	}
	req, err := r.request(ctx, http.MethodPut, ref, []byte{})
	if err != nil {
		return err
	}
	resp, err := r.send("create", ref, req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (r *Remote) Size(ctx context.Context, ref string) (int64, error) {
	resp, err := r.head(ctx, "size", ref)
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		return 0, permanent("size", ref, fmt.Errorf("missing content length"))
	}
	return size, nil
}

func (r *Remote) GetData(ctx context.Context, ref string, start, count int64) ([]byte, error) {
	if count == 0 {
		return []byte{}, nil
	}
	req, err := r.request(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case count > 0:
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, start+count-1))
	case start > 0:
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
	}
	resp, err := r.send("get_data", ref, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transient("get_data", ref, err)
	}
	return data, nil
}

func (r *Remote) GetFilename(ctx context.Context, ref string) (string, error) {
	if err := ValidateRef(ref); err != nil {
		return "", err
	}
	if p, ok := r.cache.get(ref); ok {
		return p, nil
	}
	req, err := r.request(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.send("get_filename", ref, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	p, err := r.cache.fill(ref, func(w io.Writer) error {
		_, err := io.Copy(w, resp.Body)
		return err
	})
	if err != nil {
		return "", transient("get_filename", ref, err)
	}
	return p, nil
}

func (r *Remote) UpdateFromFile(ctx context.Context, ref, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return permanent("update_from_file", ref, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return permanent("update_from_file", ref, err)
	}
	req, err := r.request(ctx, http.MethodPut, ref, f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	resp, err := r.send("update_from_file", ref, req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	r.cache.evict(ref)
	return nil
}

func (r *Remote) Delete(ctx context.Context, ref string) error {
	req, err := r.request(ctx, http.MethodDelete, ref, nil)
	if err != nil {
		return err
	}
	resp, err := r.send("delete", ref, req)
	r.cache.evict(ref)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (r *Remote) GetObjectURL(context.Context, string) (string, bool) {
	return "", false
}

// Ready probes the remote engine's readiness endpoint.
func (r *Remote) Ready(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, r.base+"/readyz", nil)
	if err != nil {
		return permanent("ready", "", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return transient("ready", "", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return transient("ready", "", fmt.Errorf("remote returned %s", resp.Status))
	}
	return nil
}
