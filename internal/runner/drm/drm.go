// Package drm submits jobs to a cluster batch system through an external
// helper program. The engine writes a job_description.json and the helper
// translates it for the site's DRM (SLURM, LSF, ...):
//
//	<helper> submit <job_description.json>   prints the backend job id
//	<helper> status <id>                      prints {"state": ..., "exit_code": N}
//	<helper> kill <id>                        tolerates already finished jobs
package drm

import (
	"context"
	"encoding/json"
	"fmt"
	"jobengine/internal/apperrors"
	"jobengine/internal/model"
	"jobengine/internal/runner"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DescriptionFile is the job description handed to the helper.
const DescriptionFile = "job_description.json"

// Config configures the DRM runner.
type Config struct {
	Name   string `mapstructure:"name"`
	Helper string `mapstructure:"helper"`
	Queue  string `mapstructure:"queue"`
	// Concurrency bounds simultaneous helper invocations.
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "drm"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
	return c
}

// JobDescription is the JSON document passed to "<helper> submit".
type JobDescription struct {
	JobID               string `json:"job_id"`
	Name                string `json:"name"`
	Script              string `json:"script"`
	WorkingDirectory    string `json:"working_directory"`
	Queue               string `json:"queue,omitempty"`
	Memory              string `json:"memory,omitempty"`
	Walltime            string `json:"walltime,omitempty"`
	NativeSpecification string `json:"native_specification,omitempty"`
}

// Runner drives a DRM through the helper program.
type Runner struct {
	cfg    Config
	helper *helper
	watch  *runner.WatchList
	logger *slog.Logger

	mu       sync.Mutex
	exitCode map[string]int
}

// New creates a DRM runner.
func New(cfg Config) (*Runner, error) {
	cfg = cfg.withDefaults()
	if cfg.Helper == "" {
		return nil, apperrors.Validation("helper", "drm helper path is required")
	}
	return &Runner{
		cfg:      cfg,
		helper:   &helper{path: cfg.Helper, sem: semaphore.NewWeighted(int64(cfg.Concurrency))},
		watch:    runner.NewWatchList(),
		logger:   slog.With("component", "runner.drm", "runner", cfg.Name),
		exitCode: make(map[string]int),
	}, nil
}

func (r *Runner) Name() string { return r.cfg.Name }

func (r *Runner) describe(job *model.Job, script string) JobDescription {
	d := job.Destination
	desc := JobDescription{
		JobID:               job.ID,
		Name:                fmt.Sprintf("jobengine-%s-%d", job.ID, job.Attempt),
		Script:              script,
		WorkingDirectory:    job.WorkingDir,
		Queue:               d.Param("queue", r.cfg.Queue),
		Memory:              d.Param("memory", ""),
		NativeSpecification: d.Param("native_specification", ""),
	}
	if wt := d.Walltime(0); wt > 0 {
		desc.Walltime = wt.String()
	}
	return desc
}

// Submit writes the job description and hands it to the helper.
func (r *Runner) Submit(ctx context.Context, job *model.Job) (runner.Handle, error) {
	return r.watch.Submit(job.ID, func() (*runner.Entry, error) {
		script, err := runner.WriteJobScript(job)
		if err != nil {
			return nil, err
		}
		raw, err := json.MarshalIndent(r.describe(job, script), "", "  ")
		if err != nil {
			return nil, apperrors.Internal("drm.describe", err)
		}
		descPath := filepath.Join(job.WorkingDir, DescriptionFile)
		if err := os.WriteFile(descPath, raw, 0o644); err != nil {
			return nil, apperrors.Submission("write job description", err)
		}

		ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
		id, err := r.helper.submit(ctx, descPath)
		if err != nil {
			return nil, err
		}
		r.logger.Info("Job submitted", "jobId", job.ID, "externalId", id)
		return &runner.Entry{ExternalID: id, WorkingDir: job.WorkingDir}, nil
	})
}

func mapState(s string) runner.State {
	switch s {
	case "queued", "pending":
		return runner.StateQueued
	case "running":
		return runner.StateRunning
	case "done", "completed":
		return runner.StateDone
	case "failed", "cancelled":
		return runner.StateFailed
	default:
		return runner.StateLost
	}
}

// CheckWatchedItems asks the helper for every watched job in parallel.
// A job whose status cannot be read is left out of this pass.
func (r *Runner) CheckWatchedItems(ctx context.Context) ([]runner.Update, error) {
	entries := r.watch.Entries()
	results := make([]*runner.Update, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, e := range entries {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, r.cfg.Timeout)
			defer cancel()
			st, err := r.helper.status(sctx, e.ExternalID)
			if err != nil {
				r.logger.Warn("Status check failed", "jobId", e.JobID, "externalId", e.ExternalID, "error", err)
				return nil
			}
			state := mapState(st.State)
			if state == runner.StateDone && st.ExitCode != nil {
				r.mu.Lock()
				r.exitCode[e.JobID] = *st.ExitCode
				r.mu.Unlock()
			}
			results[i] = &runner.Update{JobID: e.JobID, ExternalID: e.ExternalID, State: state, Message: st.Message}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	updates := make([]runner.Update, 0, len(results))
	for _, u := range results {
		if u != nil {
			updates = append(updates, *u)
		}
	}
	return updates, nil
}

// Stop cancels the backend job. Unknown and finished jobs are ignored.
func (r *Runner) Stop(ctx context.Context, job *model.Job) error {
	id := job.ExternalID
	if e, ok := r.watch.Release(job.ID); ok {
		id = e.ExternalID
	}
	r.forget(job.ID)
	if id == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	if err := r.helper.kill(ctx, id); err != nil {
		return err
	}
	r.logger.Info("Job cancelled", "jobId", job.ID, "externalId", id)
	return nil
}

// FinishJob collects the job's result. The exit code reported by the helper
// is used when the job script could not write its own.
func (r *Runner) FinishJob(_ context.Context, job *model.Job) (*runner.Result, error) {
	r.watch.Release(job.ID)
	code, known := r.forget(job.ID)
	res, err := runner.CollectResult(job.WorkingDir)
	if err != nil && known {
		return &runner.Result{ExitCode: code}, nil
	}
	return res, err
}

func (r *Runner) forget(jobID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.exitCode[jobID]
	delete(r.exitCode, jobID)
	return code, ok
}

// Recover resumes watching a job submitted by a previous engine.
func (r *Runner) Recover(_ context.Context, job *model.Job) error {
	if job.ExternalID == "" {
		return apperrors.Validation("externalId", "job has no backend id")
	}
	r.watch.Commit(&runner.Entry{JobID: job.ID, ExternalID: job.ExternalID, WorkingDir: job.WorkingDir})
	r.logger.Info("Job recovered", "jobId", job.ID, "externalId", job.ExternalID)
	return nil
}

// Ready checks the helper program is installed.
func (r *Runner) Ready(context.Context) error {
	if r.helper.stubCommand != nil {
		return nil
	}
	if _, err := exec.LookPath(r.cfg.Helper); err != nil {
		return fmt.Errorf("drm helper: %w", err)
	}
	return nil
}

func (r *Runner) Close() error { return nil }

var _ runner.Runner = (*Runner)(nil)
