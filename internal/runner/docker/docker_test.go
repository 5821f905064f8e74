package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"jobengine/internal/apperrors"
	"jobengine/internal/containermonitor"
	"jobengine/internal/model"
	"jobengine/internal/runner"
	"jobengine/internal/testutil"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
)

type fakeContainer struct {
	id    string
	name  string
	cfg   *container.Config
	host  *container.HostConfig
	state container.State
}

// fakeDocker runs the job script on Start, so a started container has
// already exited by the time it is inspected.
type fakeDocker struct {
	mu         sync.Mutex
	next       int
	containers map[string]*fakeContainer
	pulled     []string
	removed    []string
	runScript  bool
	createErr  error
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{containers: map[string]*fakeContainer{}, runScript: true}
}

func (f *fakeDocker) Create(_ context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.next++
	id := fmt.Sprintf("c%d", f.next)
	f.containers[id] = &fakeContainer{id: id, name: name, cfg: cfg, host: host, state: container.State{Status: "created"}}
	return id, nil
}

func (f *fakeDocker) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return cerrdefs.ErrNotFound
	}
	if !f.runScript {
		c.state = container.State{Status: "running", Running: true}
		return nil
	}
	err := exec.Command(c.cfg.Cmd[0], c.cfg.Cmd[1:]...).Run()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	c.state = container.State{Status: "exited", ExitCode: code}
	return nil
}

func (f *fakeDocker) lookup(idOrName string) (*fakeContainer, bool) {
	if c, ok := f.containers[idOrName]; ok {
		return c, true
	}
	for _, c := range f.containers {
		if c.name == idOrName {
			return c, true
		}
	}
	return nil, false
}

func (f *fakeDocker) Inspect(_ context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.lookup(id)
	if !ok {
		return container.InspectResponse{}, cerrdefs.ErrNotFound
	}
	state := c.state
	ports := nat.PortMap{}
	for p := range c.host.PortBindings {
		ports[p] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "40001"}}
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{ID: c.id, Name: c.name, State: &state},
		NetworkSettings:   &container.NetworkSettings{NetworkSettingsBase: container.NetworkSettingsBase{Ports: ports}},
	}, nil
}

func (f *fakeDocker) ListManaged(context.Context) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []container.Summary
	for _, c := range f.containers {
		out = append(out, container.Summary{ID: c.id, Labels: c.cfg.Labels})
	}
	return out, nil
}

func (f *fakeDocker) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) EnsureImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	return nil
}

func (f *fakeDocker) Ping(context.Context) error { return nil }
func (f *fakeDocker) Close() error               { return nil }

func newJob(t *testing.T, command string, params map[string]string) *model.Job {
	t.Helper()
	return &model.Job{
		ID:          "job-1",
		WorkingDir:  t.TempDir(),
		CommandLine: command,
		Destination: model.JobDestination{ID: "containers", Runner: "docker", Params: params},
	}
}

func TestDockerRunsJobInContainer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeDocker()
	r := newRunner(Config{Volumes: []string{"/ref"}}, f)
	job := newJob(t, "echo from-container", map[string]string{"image": "alpine:3", "cpus": "1.5", "memory": "512"})

	h, err := r.Submit(ctx, job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	c := f.containers[h.ExternalID]
	if c.name != "jobengine-job-1-0" || c.cfg.Image != "alpine:3" || f.pulled[0] != "alpine:3" {
		t.Errorf("container = %+v, pulled %v", c, f.pulled)
	}
	if c.cfg.Labels[labelManagedBy] != managedByValue || c.cfg.Labels[labelJobID] != "job-1" {
		t.Errorf("labels = %v", c.cfg.Labels)
	}
	if c.host.Resources.NanoCPUs != 1_500_000_000 || c.host.Resources.Memory != 512*1024*1024 {
		t.Errorf("resources = %+v", c.host.Resources)
	}
	if len(c.host.Mounts) != 2 || c.host.Mounts[0].Source != job.WorkingDir || !c.host.Mounts[1].ReadOnly {
		t.Errorf("mounts = %+v", c.host.Mounts)
	}

	updates, _ := r.CheckWatchedItems(ctx)
	if len(updates) != 1 || updates[0].State != runner.StateDone {
		t.Fatalf("updates = %+v", updates)
	}
	res, err := r.FinishJob(ctx, job)
	if err != nil || strings.TrimSpace(res.Stdout) != "from-container" {
		t.Errorf("FinishJob = %+v, %v", res, err)
	}
	if len(f.removed) != 1 {
		t.Errorf("container not removed: %v", f.removed)
	}
}

func TestDockerSubmitTwiceCreatesOneContainer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeDocker()
	r := newRunner(Config{}, f)
	job := newJob(t, "true", nil)

	first, _ := r.Submit(ctx, job)
	second, err := r.Submit(ctx, job)
	if err != nil || !second.Existing || second.ExternalID != first.ExternalID {
		t.Errorf("second Submit = %+v, %v", second, err)
	}
	if len(f.containers) != 1 {
		t.Errorf("%d containers created", len(f.containers))
	}
}

func TestDockerCreateFailureIsSubmissionError(t *testing.T) {
	t.Parallel()
	f := newFakeDocker()
	f.createErr = errors.New("no such image")
	r := newRunner(Config{}, f)
	_, err := r.Submit(context.Background(), newJob(t, "true", nil))
	if !errors.Is(err, apperrors.ErrSubmission) {
		t.Errorf("expected submission error, got %v", err)
	}
	if r.watch.Len() != 0 {
		t.Error("failed submission left a reservation")
	}
}

func TestDockerContainerVanishedIsLost(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeDocker()
	f.runScript = false
	r := newRunner(Config{}, f)
	job := newJob(t, "sleep 10", nil)

	h, _ := r.Submit(ctx, job)
	updates, _ := r.CheckWatchedItems(ctx)
	if updates[0].State != runner.StateRunning {
		t.Fatalf("state = %s", updates[0].State)
	}
	delete(f.containers, h.ExternalID)
	updates, _ = r.CheckWatchedItems(ctx)
	if updates[0].State != runner.StateLost {
		t.Errorf("state = %s", updates[0].State)
	}
}

func TestContainerState(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tests := []struct {
		name  string
		state container.State
		want  runner.State
	}{
		{"running", container.State{Status: "running", Running: true}, runner.StateRunning},
		{"created", container.State{Status: "created"}, runner.StateQueued},
		{"oom", container.State{Status: "exited", OOMKilled: true, ExitCode: 137}, runner.StateFailed},
		{"exited without result", container.State{Status: "exited", ExitCode: 1}, runner.StateFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := tc.state
			got, _ := containerState(container.InspectResponse{ContainerJSONBase: &container.ContainerJSONBase{State: &st}}, dir)
			if got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestDockerStopAndRecover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeDocker()
	f.runScript = false
	r := newRunner(Config{}, f)
	job := newJob(t, "sleep 10", nil)
	h, _ := r.Submit(ctx, job)

	// A restarted engine finds the container by its labels.
	restarted := newRunner(Config{}, f)
	if err := restarted.Recover(ctx, job); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if e, ok := restarted.watch.Get(job.ID); !ok || e.ExternalID != h.ExternalID {
		t.Errorf("recovered entry = %+v", e)
	}

	job.ExternalID = h.ExternalID
	if err := restarted.Stop(ctx, job); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := restarted.Stop(ctx, job); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if _, ok := f.containers[h.ExternalID]; ok {
		t.Error("container still present")
	}
	if err := restarted.Recover(ctx, &model.Job{ID: "ghost"}); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Recover ghost = %v", err)
	}
}

func TestDockerReportsInteractivePorts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var mu sync.Mutex
	var got map[string]model.Port
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/jobs/job-1/ports" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := newFakeDocker()
	f.runScript = false
	r := newRunner(Config{CallbackURL: srv.URL}, f, containermonitor.WithRoutableIP("10.0.0.7"))
	defer r.Close()
	job := newJob(t, "sleep 10", map[string]string{"ports": "notebook:8888"})

	if _, err := r.Submit(ctx, job); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	testutil.MustWaitFor(t, func() bool { return r.Ports(job.ID) != nil }, testutil.WithTimeout(5*time.Second))
	if p := r.Ports(job.ID)["notebook"]; p.Host != "10.0.0.7" || p.Port != 40001 {
		t.Errorf("ports = %+v", r.Ports(job.ID))
	}
	mu.Lock()
	defer mu.Unlock()
	if got["notebook"].Port != 40001 {
		t.Errorf("callback got %+v", got)
	}
}

func TestParsePorts(t *testing.T) {
	t.Parallel()
	ports, err := parsePorts("notebook:8888, metrics:9100/udp")
	if err != nil {
		t.Fatalf("parsePorts: %v", err)
	}
	if ports["notebook"].NatPort() != "8888/tcp" || ports["metrics"].NatPort() != "9100/udp" {
		t.Errorf("ports = %+v", ports)
	}
	for _, bad := range []string{"8888", "x:abc", "x:70000"} {
		if _, err := parsePorts(bad); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("parsePorts(%q) = %v", bad, err)
		}
	}
}
