package pulsar

import (
	"context"
	"encoding/json"
	"errors"
	"jobengine/internal/apperrors"
	"jobengine/internal/model"
	"jobengine/internal/runner"
	"jobengine/internal/testutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// memTopic is an in-memory topic usable as both sender and receiver.
type memTopic struct {
	ch      chan []byte
	sendErr error
	closed  bool
	mu      sync.Mutex
}

func newMemTopic() *memTopic { return &memTopic{ch: make(chan []byte, 64)} }

func (m *memTopic) Send(_ context.Context, _ string, payload []byte) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.ch <- payload
	return nil
}

func (m *memTopic) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p := <-m.ch:
		return p, nil
	}
}

func (m *memTopic) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// echoAgent completes every submitted job with exit code 0.
type echoAgent struct {
	mq        *AgentMQ
	mu        sync.Mutex
	submitted []SubmitRequest
	cancelled []string
}

func (a *echoAgent) HandleSubmit(ctx context.Context, req SubmitRequest) error {
	a.mu.Lock()
	a.submitted = append(a.submitted, req)
	a.mu.Unlock()
	code := 0
	return a.mq.Publish(ctx, Status{JobID: req.JobID, Attempt: req.Attempt, State: runner.StateDone, ExitCode: &code, Stdout: "remote says hi\n"})
}

func (a *echoAgent) HandleCancel(_ context.Context, jobID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = append(a.cancelled, jobID)
	return nil
}

func newMQPair(t *testing.T) (*Runner, *echoAgent, *memTopic) {
	t.Helper()
	submit, cancel, status := newMemTopic(), newMemTopic(), newMemTopic()
	transport := newMQTransport(submit, cancel, status)
	agent := &echoAgent{mq: newAgentMQ(submit, cancel, status)}
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agent.mq.Run(ctx, agent)
		close(done)
	}()
	r := NewWithTransport("remote", transport)
	t.Cleanup(func() {
		stop()
		<-done
		_ = r.Close()
	})
	return r, agent, submit
}

func TestMQRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, agent, _ := newMQPair(t)
	job := &model.Job{ID: "job-1", Attempt: 2, CommandLine: "echo hi", WorkingDir: t.TempDir()}

	h, err := r.Submit(ctx, job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h.ExternalID != "job-1/2" {
		t.Errorf("ExternalID = %q", h.ExternalID)
	}

	var updates []runner.Update
	testutil.MustWaitFor(t, func() bool {
		u, _ := r.CheckWatchedItems(ctx)
		updates = append(updates, u...)
		return len(updates) > 0
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(10*time.Millisecond))
	if updates[0].State != runner.StateDone {
		t.Fatalf("updates = %+v", updates)
	}

	// The agent wrote nothing to the working directory, so the reported
	// result is used.
	res, err := r.FinishJob(ctx, job)
	if err != nil || res.ExitCode != 0 || res.Stdout != "remote says hi\n" {
		t.Errorf("FinishJob = %+v, %v", res, err)
	}
	agent.mu.Lock()
	defer agent.mu.Unlock()
	if len(agent.submitted) != 1 || agent.submitted[0].CommandLine != "echo hi" {
		t.Errorf("agent saw %+v", agent.submitted)
	}
}

func TestMQStaleAttemptIgnored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	status := newMemTopic()
	transport := newMQTransport(newMemTopic(), newMemTopic(), status)
	r := NewWithTransport("", transport)
	defer r.Close()

	job := &model.Job{ID: "job-1", Attempt: 1, WorkingDir: t.TempDir()}
	if err := r.Recover(ctx, job); err != nil {
		t.Fatal(err)
	}
	raw, _ := json.Marshal(Status{JobID: "job-1", Attempt: 0, State: runner.StateFailed})
	status.ch <- raw
	raw, _ = json.Marshal(Status{JobID: "other", Attempt: 1, State: runner.StateDone})
	status.ch <- raw
	raw, _ = json.Marshal(Status{JobID: "job-1", Attempt: 1, State: runner.StateRunning})
	status.ch <- raw

	var updates []runner.Update
	testutil.MustWaitFor(t, func() bool {
		u, _ := r.CheckWatchedItems(ctx)
		updates = append(updates, u...)
		return len(updates) > 0
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(10*time.Millisecond))
	if len(updates) != 1 || updates[0].State != runner.StateRunning {
		t.Errorf("updates = %+v", updates)
	}
}

func TestMQSendFailureIsTransient(t *testing.T) {
	t.Parallel()
	submit := newMemTopic()
	submit.sendErr = errors.New("broker unavailable")
	r := NewWithTransport("", newMQTransport(submit, newMemTopic(), newMemTopic()))
	defer r.Close()

	_, err := r.Submit(context.Background(), &model.Job{ID: "job-1"})
	if !errors.Is(err, apperrors.ErrTransient) {
		t.Errorf("expected transient error, got %v", err)
	}
	if r.watch.Len() != 0 {
		t.Error("failed submission left a reservation")
	}
}

func TestMQStopSendsCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, agent, _ := newMQPair(t)
	job := &model.Job{ID: "job-7", WorkingDir: t.TempDir()}
	if _, err := r.Submit(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := r.Stop(ctx, job); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := r.Stop(ctx, job); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	testutil.MustWaitFor(t, func() bool {
		agent.mu.Lock()
		defer agent.mu.Unlock()
		return len(agent.cancelled) == 1
	}, testutil.WithTimeout(5*time.Second))
}

// racingTransport pushes the final status while Submit is still running
// and lets the runner poll inside that window.
type racingTransport struct {
	mu     sync.Mutex
	pushed []Status
	onSent func()
}

func (f *racingTransport) Submit(_ context.Context, req SubmitRequest) error {
	code := 0
	f.mu.Lock()
	f.pushed = append(f.pushed, Status{JobID: req.JobID, Attempt: req.Attempt, State: runner.StateDone, ExitCode: &code})
	f.mu.Unlock()
	f.onSent()
	return nil
}

func (f *racingTransport) Statuses(context.Context, []string) ([]Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pushed
	f.pushed = nil
	return out, nil
}

func (f *racingTransport) Cancel(context.Context, string) error { return nil }
func (f *racingTransport) Ready(context.Context) error          { return nil }
func (f *racingTransport) Close() error                         { return nil }

func TestStatusDuringSubmitIsKept(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	transport := &racingTransport{}
	r := NewWithTransport("", transport)

	var during []runner.Update
	transport.onSent = func() {
		u, err := r.CheckWatchedItems(ctx)
		if err != nil {
			t.Errorf("CheckWatchedItems: %v", err)
		}
		during = u
	}
	if _, err := r.Submit(ctx, &model.Job{ID: "job-1", Attempt: 1, WorkingDir: t.TempDir()}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(during) != 0 {
		t.Errorf("updates before commit = %+v", during)
	}

	after, err := r.CheckWatchedItems(ctx)
	if err != nil {
		t.Fatalf("CheckWatchedItems: %v", err)
	}
	if len(after) != 1 || after[0].JobID != "job-1" || after[0].State != runner.StateDone {
		t.Fatalf("updates after commit = %+v", after)
	}
	if again, _ := r.CheckWatchedItems(ctx); len(again) != 0 {
		t.Errorf("status replayed twice: %+v", again)
	}
}

func TestStatusForReleasedJobIsDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	transport := &racingTransport{}
	r := NewWithTransport("", transport)
	transport.onSent = func() { _, _ = r.CheckWatchedItems(ctx) }

	job := &model.Job{ID: "job-2", Attempt: 1, WorkingDir: t.TempDir()}
	if _, err := r.Submit(ctx, job); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := r.Stop(ctx, job); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if u, _ := r.CheckWatchedItems(ctx); len(u) != 0 {
		t.Errorf("updates for stopped job = %+v", u)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.early) != 0 {
		t.Errorf("held statuses = %+v", r.early)
	}
}

// fakeAgentAPI serves the agent HTTP API from a map of statuses.
type fakeAgentAPI struct {
	mu       sync.Mutex
	statuses map[string]Status
	posts    int
	fail     int
}

func (f *fakeAgentAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer k" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	switch {
	case r.Method == http.MethodPost && r.URL.Path == AgentAPIPrefix+"/jobs":
		if f.fail > 0 {
			w.WriteHeader(f.fail)
			_, _ = w.Write([]byte("bad request body"))
			return
		}
		var req SubmitRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.posts++
		if _, ok := f.statuses[req.JobID]; ok {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.statuses[req.JobID] = Status{JobID: req.JobID, Attempt: req.Attempt, State: runner.StateQueued}
		w.WriteHeader(http.StatusAccepted)
	case r.Method == http.MethodGet && r.URL.Path == AgentAPIPrefix+"/ready":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, AgentAPIPrefix+"/jobs/"):
		st, ok := f.statuses[strings.TrimPrefix(r.URL.Path, AgentAPIPrefix+"/jobs/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(st)
	case r.Method == http.MethodDelete:
		id := strings.TrimPrefix(r.URL.Path, AgentAPIPrefix+"/jobs/")
		if _, ok := f.statuses[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.statuses, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestHTTPTransportPolling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	api := &fakeAgentAPI{statuses: map[string]Status{}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	transport, err := NewHTTPTransport(HTTPConfig{URL: srv.URL + "/", APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	r := NewWithTransport("agent", transport)
	defer r.Close()
	if err := r.Ready(ctx); err != nil {
		t.Fatalf("Ready: %v", err)
	}

	job := &model.Job{ID: "job-1", WorkingDir: t.TempDir()}
	if _, err := r.Submit(ctx, job); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	updates, _ := r.CheckWatchedItems(ctx)
	if len(updates) != 1 || updates[0].State != runner.StateQueued {
		t.Fatalf("updates = %+v", updates)
	}

	// A restarted engine resubmitting the same job gets 409, which is fine.
	other := NewWithTransport("agent", transport)
	if _, err := other.Submit(ctx, job); err != nil {
		t.Errorf("resubmit: %v", err)
	}

	api.mu.Lock()
	delete(api.statuses, "job-1")
	api.mu.Unlock()
	updates, _ = r.CheckWatchedItems(ctx)
	if len(updates) != 1 || updates[0].State != runner.StateLost {
		t.Errorf("updates = %+v", updates)
	}
	if err := r.Stop(ctx, job); err != nil {
		t.Errorf("Stop of unknown job: %v", err)
	}
}

func TestHTTPTransportRejectedSubmit(t *testing.T) {
	t.Parallel()
	api := &fakeAgentAPI{statuses: map[string]Status{}, fail: http.StatusBadRequest}
	srv := httptest.NewServer(api)
	defer srv.Close()

	transport, _ := NewHTTPTransport(HTTPConfig{URL: srv.URL, APIKey: "k"})
	err := transport.Submit(context.Background(), SubmitRequest{JobID: "job-1"})
	if !errors.Is(err, apperrors.ErrSubmission) || !strings.Contains(err.Error(), "bad request body") {
		t.Errorf("got %v", err)
	}
}

func TestNewRequiresOneTransport(t *testing.T) {
	t.Parallel()
	for _, cfg := range []Config{{}, {MQ: &MQConfig{}, HTTP: &HTTPConfig{}}, {HTTP: &HTTPConfig{URL: "::"}}} {
		if _, err := New(cfg); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("%+v: expected validation error, got %v", cfg, err)
		}
	}
}
