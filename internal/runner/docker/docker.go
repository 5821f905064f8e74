// Package docker runs jobs as containers on the host Docker daemon. The job's
// working directory is bind-mounted at the same path so the job script and
// its outputs are visible to the engine.
package docker

import (
	"context"
	"fmt"
	"jobengine/internal/apperrors"
	"jobengine/internal/containermonitor"
	"jobengine/internal/model"
	"jobengine/internal/runner"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/google/shlex"
)

const (
	labelJobID     = "job.id"
	labelAttempt   = "job.attempt"
	labelManagedBy = "managed-by"
	managedByValue = "jobengine"
)

// Config configures the Docker runner.
type Config struct {
	Name string `mapstructure:"name"`
	Host string `mapstructure:"host"`
	// Image is used when the destination has no "image" parameter.
	Image      string   `mapstructure:"image"`
	Volumes    []string `mapstructure:"volumes"`
	ExtraHosts []string `mapstructure:"extra_hosts"`
	// CallbackURL is the engine's base URL for port callbacks.
	CallbackURL    string        `mapstructure:"callback_url"`
	APIKey         string        `mapstructure:"api_key"`
	KeepContainers bool          `mapstructure:"keep_containers"`
	MonitorTimeout time.Duration `mapstructure:"monitor_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "docker"
	}
	if c.Image == "" {
		c.Image = "busybox:latest"
	}
	if c.MonitorTimeout <= 0 {
		c.MonitorTimeout = 2 * time.Minute
	}
	return c
}

// Runner implements runner.Runner with Docker containers.
type Runner struct {
	cfg     Config
	docker  backend
	watch   *runner.WatchList
	monitor *containermonitor.Monitor
	logger  *slog.Logger

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWg     sync.WaitGroup

	mu    sync.Mutex
	ports map[string]map[string]model.Port
}

// New connects to the Docker daemon.
func New(cfg Config) (*Runner, error) {
	d, err := newDockerClient(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newRunner(cfg, d), nil
}

func newRunner(cfg Config, b backend, opts ...containermonitor.Option) *Runner {
	cfg = cfg.withDefaults()
	if cfg.APIKey != "" {
		opts = append([]containermonitor.Option{containermonitor.WithAPIKey(cfg.APIKey)}, opts...)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:      cfg,
		docker:   b,
		watch:    runner.NewWatchList(),
		monitor:  containermonitor.New(portResolver{b: b}, opts...),
		logger:   slog.With("component", "runner.docker", "runner", cfg.Name),
		bgCtx:    ctx,
		bgCancel: cancel,
		ports:    make(map[string]map[string]model.Port),
	}
}

func (r *Runner) Name() string { return r.cfg.Name }

func containerName(job *model.Job) string {
	return fmt.Sprintf("jobengine-%s-%d", job.ID, job.Attempt)
}

// parsePorts reads the "ports" parameter: "name:8888/tcp,other:9000".
func parsePorts(spec string) (map[string]containermonitor.PortSpec, error) {
	out := make(map[string]containermonitor.PortSpec)
	if strings.TrimSpace(spec) == "" {
		return out, nil
	}
	for _, item := range strings.Split(spec, ",") {
		name, portProto, ok := strings.Cut(strings.TrimSpace(item), ":")
		if !ok || name == "" {
			return nil, apperrors.Validation("ports", fmt.Sprintf("bad port entry %q", item))
		}
		portStr, proto, _ := strings.Cut(portProto, "/")
		if proto == "" {
			proto = "tcp"
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, apperrors.Validation("ports", fmt.Sprintf("bad port number in %q", item))
		}
		out[name] = containermonitor.PortSpec{ContainerPort: port, Protocol: proto}
	}
	return out, nil
}

// containerSpec builds the container and host configuration for job.
func (r *Runner) containerSpec(job *model.Job, script string, ports map[string]containermonitor.PortSpec) (*container.Config, *container.HostConfig, error) {
	d := job.Destination
	cmd := []string{"/bin/sh", script}
	if interp := d.Param("interpreter", ""); interp != "" {
		argv, err := shlex.Split(interp)
		if err != nil || len(argv) == 0 {
			return nil, nil, apperrors.Validation("interpreter", fmt.Sprintf("cannot parse %q", interp))
		}
		cmd = append(argv, script)
	}

	cfg := &container.Config{
		Image:      d.Param("image", r.cfg.Image),
		Cmd:        cmd,
		WorkingDir: job.WorkingDir,
		Env:        []string{"JOB_ID=" + job.ID},
		Labels: map[string]string{
			labelJobID:     job.ID,
			labelAttempt:   strconv.Itoa(job.Attempt),
			labelManagedBy: managedByValue,
		},
	}

	mounts := []mount.Mount{{Type: mount.TypeBind, Source: job.WorkingDir, Target: job.WorkingDir}}
	for _, v := range r.cfg.Volumes {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: v, Target: v, ReadOnly: true})
	}
	host := &container.HostConfig{
		Mounts:     mounts,
		ExtraHosts: r.cfg.ExtraHosts,
	}
	if cpus, err := strconv.ParseFloat(d.Param("cpus", ""), 64); err == nil && cpus > 0 {
		host.Resources.NanoCPUs = int64(cpus * 1e9)
	}
	if mem := d.IntParam("memory", 0); mem > 0 {
		host.Resources.Memory = int64(mem) * 1024 * 1024
	}

	if len(ports) > 0 {
		cfg.ExposedPorts = nat.PortSet{}
		host.PortBindings = nat.PortMap{}
		for _, p := range ports {
			cfg.ExposedPorts[p.NatPort()] = struct{}{}
			host.PortBindings[p.NatPort()] = []nat.PortBinding{{HostIP: "0.0.0.0"}}
		}
	}
	return cfg, host, nil
}

// Submit pulls the image if needed, then creates and starts the container.
func (r *Runner) Submit(ctx context.Context, job *model.Job) (runner.Handle, error) {
	return r.watch.Submit(job.ID, func() (*runner.Entry, error) {
		ports, err := parsePorts(job.Destination.Param("ports", ""))
		if err != nil {
			return nil, err
		}
		script, err := runner.WriteJobScript(job)
		if err != nil {
			return nil, err
		}
		cfg, host, err := r.containerSpec(job, script, ports)
		if err != nil {
			return nil, err
		}
		if err := r.docker.EnsureImage(ctx, cfg.Image); err != nil {
			return nil, apperrors.Transient("pull image "+cfg.Image, err)
		}

		name := containerName(job)
		if len(ports) > 0 {
			mc := &containermonitor.ContainerConfig{
				ContainerType:           "docker",
				ContainerName:           name,
				ConnectionConfiguration: containermonitor.Connection{Ports: ports},
			}
			if r.cfg.CallbackURL != "" {
				mc.CallbackURL = fmt.Sprintf("%s/v1/jobs/%s/ports", strings.TrimRight(r.cfg.CallbackURL, "/"), job.ID)
			}
			if err := containermonitor.WriteConfig(job.WorkingDir, mc); err != nil {
				return nil, apperrors.Submission("write container config", err)
			}
		}

		id, err := r.docker.Create(ctx, cfg, host, name)
		if err != nil {
			if cerrdefs.IsConflict(err) {
				return nil, apperrors.Transient("create container", err)
			}
			return nil, apperrors.Submission("create container", err)
		}
		if err := r.docker.Start(ctx, id); err != nil {
			_ = r.docker.Remove(ctx, id)
			return nil, apperrors.Submission("start container", err)
		}
		r.logger.Info("Container started", "jobId", job.ID, "container", name, "image", cfg.Image)

		if len(ports) > 0 {
			r.watchPorts(job.ID, job.WorkingDir)
		}
		return &runner.Entry{ExternalID: id, WorkingDir: job.WorkingDir}, nil
	})
}

// watchPorts runs the container monitor in the background.
func (r *Runner) watchPorts(jobID, dir string) {
	r.bgWg.Add(1)
	go func() {
		defer r.bgWg.Done()
		ctx, cancel := context.WithTimeout(r.bgCtx, r.cfg.MonitorTimeout)
		defer cancel()
		ports, err := r.monitor.Run(ctx, dir)
		if err != nil {
			r.logger.Warn("Port reporting failed", "jobId", jobID, "error", err)
		}
		if ports != nil {
			r.mu.Lock()
			r.ports[jobID] = ports
			r.mu.Unlock()
		}
	}()
}

// Ports returns the reported host ports of a running interactive job.
func (r *Runner) Ports(jobID string) map[string]model.Port {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ports[jobID]
}

// containerState maps an inspected container to a runner state.
func containerState(inspect container.InspectResponse, dir string) (runner.State, string) {
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return runner.StateLost, "container has no state"
	}
	st := inspect.State
	switch {
	case st.Running || st.Restarting || st.Paused:
		return runner.StateRunning, ""
	case string(st.Status) == "created":
		return runner.StateQueued, ""
	case runner.Finished(dir):
		return runner.StateDone, ""
	case st.OOMKilled:
		return runner.StateFailed, "container killed: out of memory"
	case st.Error != "":
		return runner.StateFailed, st.Error
	default:
		return runner.StateFailed, fmt.Sprintf("container exited with code %d before the job finished", st.ExitCode)
	}
}

// CheckWatchedItems inspects every watched container.
func (r *Runner) CheckWatchedItems(ctx context.Context) ([]runner.Update, error) {
	var updates []runner.Update
	for _, e := range r.watch.Entries() {
		inspect, err := r.docker.Inspect(ctx, e.ExternalID)
		if err != nil {
			if cerrdefs.IsNotFound(err) {
				updates = append(updates, runner.Update{JobID: e.JobID, ExternalID: e.ExternalID, State: runner.StateLost, Message: "container disappeared"})
				continue
			}
			r.logger.Warn("Inspect failed", "jobId", e.JobID, "container", e.ExternalID, "error", err)
			continue
		}
		state, msg := containerState(inspect, e.WorkingDir)
		updates = append(updates, runner.Update{JobID: e.JobID, ExternalID: e.ExternalID, State: state, Message: msg})
	}
	return updates, nil
}

func (r *Runner) release(job *model.Job) string {
	id := job.ExternalID
	if e, ok := r.watch.Release(job.ID); ok {
		id = e.ExternalID
	}
	r.mu.Lock()
	delete(r.ports, job.ID)
	r.mu.Unlock()
	return id
}

// Stop removes the job's container. A missing container is not an error.
func (r *Runner) Stop(ctx context.Context, job *model.Job) error {
	id := r.release(job)
	if id == "" {
		return nil
	}
	if err := r.docker.Remove(ctx, id); err != nil {
		return apperrors.Internal("remove container", err)
	}
	r.logger.Info("Container removed", "jobId", job.ID, "container", id)
	return nil
}

// FinishJob collects the result and removes the container unless
// KeepContainers is set.
func (r *Runner) FinishJob(ctx context.Context, job *model.Job) (*runner.Result, error) {
	id := r.release(job)
	res, err := runner.CollectResult(job.WorkingDir)
	if id != "" && !r.cfg.KeepContainers {
		if rmErr := r.docker.Remove(ctx, id); rmErr != nil {
			r.logger.Warn("Failed to remove container", "jobId", job.ID, "container", id, "error", rmErr)
		}
	}
	return res, err
}

// Recover resumes watching a job's container, looking it up by label when
// the container id was never recorded.
func (r *Runner) Recover(ctx context.Context, job *model.Job) error {
	id := job.ExternalID
	if id == "" {
		containers, err := r.docker.ListManaged(ctx)
		if err != nil {
			return apperrors.Transient("list containers", err)
		}
		for _, c := range containers {
			if c.Labels[labelJobID] == job.ID && c.Labels[labelAttempt] == strconv.Itoa(job.Attempt) {
				id = c.ID
				break
			}
		}
		if id == "" {
			return apperrors.NotFound("container", job.ID)
		}
	}
	r.watch.Commit(&runner.Entry{JobID: job.ID, ExternalID: id, WorkingDir: job.WorkingDir})
	r.logger.Info("Job recovered", "jobId", job.ID, "container", id)
	return nil
}

// Orphans returns managed containers whose job is not watched.
func (r *Runner) Orphans(ctx context.Context) ([]string, error) {
	containers, err := r.docker.ListManaged(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, c := range containers {
		if _, ok := r.watch.Get(c.Labels[labelJobID]); !ok {
			out = append(out, c.ID)
		}
	}
	return out, nil
}

// Ready pings the Docker daemon.
func (r *Runner) Ready(ctx context.Context) error {
	return r.docker.Ping(ctx)
}

// Close stops background port monitors and closes the client.
func (r *Runner) Close() error {
	r.bgCancel()
	r.bgWg.Wait()
	return r.docker.Close()
}

var _ runner.Runner = (*Runner)(nil)
