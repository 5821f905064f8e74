// Package pulsar runs jobs on remote agents. Requests travel either over
// Apache Pulsar topics (statuses are pushed back) or over the agent's HTTP
// API (statuses are polled). Engine and agent share the filesystem holding
// job working directories.
package pulsar

import (
	"context"
	"fmt"
	"jobengine/internal/apperrors"
	"jobengine/internal/model"
	"jobengine/internal/runner"
	"log/slog"
	"sync"
)

// Config configures the remote runner. Exactly one of MQ and HTTP is used.
type Config struct {
	Name string      `mapstructure:"name"`
	MQ   *MQConfig   `mapstructure:"mq"`
	HTTP *HTTPConfig `mapstructure:"http"`
}

// Runner implements runner.Runner over a Transport.
type Runner struct {
	name      string
	transport Transport
	watch     *runner.WatchList
	logger    *slog.Logger

	mu   sync.Mutex
	last map[string]Status
	// early holds statuses pushed for jobs whose submission had not been
	// committed yet; they are replayed on the next pass.
	early []Status
}

// New creates the transport described by cfg.
func New(cfg Config) (*Runner, error) {
	var (
		t   Transport
		err error
	)
	switch {
	case cfg.MQ != nil && cfg.HTTP != nil:
		return nil, apperrors.Validation("transport", "configure either mq or http, not both")
	case cfg.MQ != nil:
		t, err = NewMQTransport(*cfg.MQ)
	case cfg.HTTP != nil:
		t, err = NewHTTPTransport(*cfg.HTTP)
	default:
		return nil, apperrors.Validation("transport", "one of mq or http is required")
	}
	if err != nil {
		return nil, err
	}
	return NewWithTransport(cfg.Name, t), nil
}

// NewWithTransport wraps an existing transport.
func NewWithTransport(name string, t Transport) *Runner {
	if name == "" {
		name = "pulsar"
	}
	return &Runner{
		name:      name,
		transport: t,
		watch:     runner.NewWatchList(),
		logger:    slog.With("component", "runner.pulsar", "runner", name),
		last:      make(map[string]Status),
	}
}

func (r *Runner) Name() string { return r.name }

func externalID(job *model.Job) string {
	return fmt.Sprintf("%s/%d", job.ID, job.Attempt)
}

// Submit hands the job to the agent.
func (r *Runner) Submit(ctx context.Context, job *model.Job) (runner.Handle, error) {
	return r.watch.Submit(job.ID, func() (*runner.Entry, error) {
		req := SubmitRequest{
			JobID:       job.ID,
			Attempt:     job.Attempt,
			CommandLine: job.CommandLine,
			WorkingDir:  job.WorkingDir,
			Params:      job.Destination.Params,
		}
		if err := r.transport.Submit(ctx, req); err != nil {
			return nil, err
		}
		r.logger.Info("Job sent to agent", "jobId", job.ID, "attempt", job.Attempt)
		return &runner.Entry{ExternalID: externalID(job), WorkingDir: job.WorkingDir, Data: job.Attempt}, nil
	})
}

// CheckWatchedItems turns agent statuses into updates. Statuses for jobs
// that are no longer watched, or for an older attempt, are dropped. A status
// that arrives while its job's submission is still in flight is held until
// the submission commits.
func (r *Runner) CheckWatchedItems(ctx context.Context) ([]runner.Update, error) {
	entries := r.watch.Entries()
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.JobID
	}
	statuses, err := r.transport.Statuses(ctx, ids)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	statuses = append(r.early, statuses...)
	r.early = nil
	r.mu.Unlock()

	var (
		updates []runner.Update
		held    []Status
	)
	for _, st := range statuses {
		e, ok := r.watch.Get(st.JobID)
		if !ok {
			if r.watch.Reserved(st.JobID) {
				held = append(held, st)
			}
			continue
		}
		if attempt, ok := e.Data.(int); ok && st.State != runner.StateLost && st.Attempt != attempt {
			continue
		}
		r.mu.Lock()
		r.last[st.JobID] = st
		r.mu.Unlock()
		updates = append(updates, runner.Update{JobID: st.JobID, ExternalID: e.ExternalID, State: st.State, Message: st.Message})
	}

	if len(held) > 0 {
		r.mu.Lock()
		r.early = append(held, r.early...)
		r.mu.Unlock()
	}
	return updates, nil
}

func (r *Runner) forget(jobID string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.last[jobID]
	delete(r.last, jobID)
	return st, ok
}

// Stop asks the agent to cancel the job.
func (r *Runner) Stop(ctx context.Context, job *model.Job) error {
	_, watched := r.watch.Release(job.ID)
	r.forget(job.ID)
	if !watched && job.ExternalID == "" {
		return nil
	}
	if err := r.transport.Cancel(ctx, job.ID); err != nil {
		return err
	}
	r.logger.Info("Job cancelled on agent", "jobId", job.ID)
	return nil
}

// FinishJob reads the result from the shared working directory, falling
// back to what the agent reported.
func (r *Runner) FinishJob(_ context.Context, job *model.Job) (*runner.Result, error) {
	r.watch.Release(job.ID)
	st, known := r.forget(job.ID)
	res, err := runner.CollectResult(job.WorkingDir)
	if err != nil && known && st.ExitCode != nil {
		return &runner.Result{ExitCode: *st.ExitCode, Stdout: st.Stdout, Stderr: st.Stderr}, nil
	}
	return res, err
}

// Recover resumes watching. Statuses the agent pushed while the engine was
// down are still waiting on the subscription.
func (r *Runner) Recover(_ context.Context, job *model.Job) error {
	r.watch.Commit(&runner.Entry{JobID: job.ID, ExternalID: externalID(job), WorkingDir: job.WorkingDir, Data: job.Attempt})
	r.logger.Info("Job recovered", "jobId", job.ID)
	return nil
}

func (r *Runner) Ready(ctx context.Context) error { return r.transport.Ready(ctx) }

func (r *Runner) Close() error { return r.transport.Close() }

var _ runner.Runner = (*Runner)(nil)
