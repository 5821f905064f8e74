// Package agent executes jobs on behalf of a remote engine. Requests arrive
// over HTTP or Pulsar topics; jobs run through a local runner and their
// statuses are kept for polling and, when a publisher is set, pushed back.
package agent

import (
	"context"
	"errors"
	"fmt"
	"jobengine/internal/apperrors"
	"jobengine/internal/model"
	"jobengine/internal/runner"
	remote "jobengine/internal/runner/pulsar"
	"jobengine/internal/sleeper"
	"log/slog"
	"sync"
	"time"
)

// Publisher pushes statuses to the engine.
type Publisher interface {
	Publish(ctx context.Context, st remote.Status) error
}

type tracked struct {
	job      *model.Job
	status   remote.Status
	finished time.Time
}

// Agent runs submitted jobs with a runner and tracks their status.
type Agent struct {
	runner    runner.Runner
	publisher Publisher
	maxJobs   int
	retention time.Duration
	poller    *sleeper.Poller
	logger    *slog.Logger

	mu   sync.Mutex
	jobs map[string]*tracked
}

// Options configures an Agent.
type Options struct {
	Publisher    Publisher
	MaxJobs      int
	PollInterval time.Duration
	// Retention is how long finished jobs stay queryable.
	Retention time.Duration
}

// New creates an agent executing jobs with r.
func New(r runner.Runner, opts Options) *Agent {
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = 16
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 15 * time.Minute
	}
	a := &Agent{
		runner:    r,
		publisher: opts.Publisher,
		maxJobs:   opts.MaxJobs,
		retention: opts.Retention,
		logger:    slog.With("component", "agent"),
		jobs:      make(map[string]*tracked),
	}
	a.poller = sleeper.NewPoller("agent-status", opts.PollInterval, a.Poll)
	return a
}

// Start begins polling the runner.
func (a *Agent) Start(ctx context.Context) { a.poller.Start(ctx) }

// Stop stops polling. Running jobs are left alone.
func (a *Agent) Stop() { a.poller.Stop() }

func (a *Agent) active() int {
	n := 0
	for _, t := range a.jobs {
		if !t.status.State.Terminal() {
			n++
		}
	}
	return n
}

// HandleSubmit starts a job. A job already running with the same attempt
// is a conflict; a finished one is replaced by the new attempt.
func (a *Agent) HandleSubmit(ctx context.Context, req remote.SubmitRequest) error {
	if req.JobID == "" || req.WorkingDir == "" || req.CommandLine == "" {
		return apperrors.Validation("job", "job_id, working_directory and command_line are required")
	}
	a.mu.Lock()
	if t, ok := a.jobs[req.JobID]; ok && (t.job.Attempt == req.Attempt || !t.status.State.Terminal()) {
		a.mu.Unlock()
		return apperrors.Conflict("job", req.JobID, "job is already known to this agent")
	}
	if a.active() >= a.maxJobs {
		a.mu.Unlock()
		return apperrors.Transient("agent submit", fmt.Errorf("agent is running %d jobs", a.maxJobs))
	}
	job := &model.Job{
		ID:          req.JobID,
		Attempt:     req.Attempt,
		CommandLine: req.CommandLine,
		WorkingDir:  req.WorkingDir,
		State:       model.JobQueued,
		Destination: model.JobDestination{ID: "agent", Runner: a.runner.Name(), Params: req.Params},
	}
	t := &tracked{job: job, status: remote.Status{JobID: req.JobID, Attempt: req.Attempt, State: runner.StateQueued}}
	a.jobs[req.JobID] = t
	a.mu.Unlock()

	h, err := a.runner.Submit(ctx, job)
	a.mu.Lock()
	if err != nil {
		delete(a.jobs, req.JobID)
		a.mu.Unlock()
		return err
	}
	job.ExternalID = h.ExternalID
	a.mu.Unlock()
	a.logger.Info("Job started", "jobId", req.JobID, "attempt", req.Attempt, "externalId", h.ExternalID)
	a.set(ctx, req.JobID, remote.Status{JobID: req.JobID, Attempt: req.Attempt, State: runner.StateRunning})
	return nil
}

// HandleCancel stops a job and forgets it.
func (a *Agent) HandleCancel(ctx context.Context, jobID string) error {
	a.mu.Lock()
	t, ok := a.jobs[jobID]
	delete(a.jobs, jobID)
	a.mu.Unlock()
	if !ok {
		return apperrors.NotFound("job", jobID)
	}
	if err := a.runner.Stop(ctx, t.job); err != nil {
		return err
	}
	a.logger.Info("Job cancelled", "jobId", jobID)
	return nil
}

// Status returns the last known status of a job.
func (a *Agent) Status(jobID string) (remote.Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.jobs[jobID]
	if !ok {
		return remote.Status{}, apperrors.NotFound("job", jobID)
	}
	return t.status, nil
}

// set records a status and publishes it. Statuses for jobs cancelled in the
// meantime are dropped.
func (a *Agent) set(ctx context.Context, jobID string, st remote.Status) {
	a.mu.Lock()
	t, ok := a.jobs[jobID]
	if ok {
		t.status = st
		if st.State.Terminal() {
			t.finished = time.Now()
		}
	}
	a.mu.Unlock()
	if !ok || a.publisher == nil {
		return
	}
	if err := a.publisher.Publish(ctx, st); err != nil {
		a.logger.Warn("Failed to publish status", "jobId", jobID, "state", st.State, "error", err)
	}
}

// Poll asks the runner for news and finalizes finished jobs.
func (a *Agent) Poll(ctx context.Context) {
	updates, err := a.runner.CheckWatchedItems(ctx)
	if err != nil {
		a.logger.Warn("Runner poll failed", "error", err)
		return
	}
	for _, u := range updates {
		a.mu.Lock()
		t, ok := a.jobs[u.JobID]
		var prev runner.State
		if ok {
			prev = t.status.State
		}
		a.mu.Unlock()
		if !ok || prev.Terminal() {
			continue
		}
		st := remote.Status{JobID: u.JobID, Attempt: t.job.Attempt, State: u.State, Message: u.Message}
		if !u.State.Terminal() {
			if st.State != prev {
				a.set(ctx, u.JobID, st)
			}
			continue
		}
		res, err := a.runner.FinishJob(ctx, t.job)
		if err != nil {
			if !errors.Is(err, apperrors.ErrTool) {
				a.logger.Warn("Collecting result failed", "jobId", u.JobID, "error", err)
			}
			st.State, st.Message = runner.StateFailed, err.Error()
		} else {
			code := res.ExitCode
			st.ExitCode, st.Stdout, st.Stderr = &code, res.Stdout, res.Stderr
		}
		a.logger.Info("Job finished", "jobId", u.JobID, "state", st.State)
		a.set(ctx, u.JobID, st)
	}
	a.expire(time.Now())
}

// expire forgets finished jobs once the retention period has passed.
func (a *Agent) expire(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, t := range a.jobs {
		if t.status.State.Terminal() && !t.finished.IsZero() && now.Sub(t.finished) > a.retention {
			delete(a.jobs, id)
		}
	}
}

// Ready reports whether the runner can accept jobs.
func (a *Agent) Ready(ctx context.Context) error { return a.runner.Ready(ctx) }

var _ remote.RequestHandler = (*Agent)(nil)
