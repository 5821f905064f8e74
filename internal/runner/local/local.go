// Package local runs jobs as child processes of the engine.
package local

import (
	"context"
	"errors"
	"fmt"
	"jobengine/internal/apperrors"
	"jobengine/internal/model"
	"jobengine/internal/runner"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"
)

// PIDFile is written next to the job script so a restarted engine can find
// the process again.
const PIDFile = "pid"

// Config configures the local runner.
type Config struct {
	Name string `mapstructure:"name"`
	// Interpreter runs the job script; destinations may override it with the
	// "interpreter" param. Parsed with shell quoting rules.
	Interpreter string        `mapstructure:"interpreter"`
	KillGrace   time.Duration `mapstructure:"kill_grace"`
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "local"
	}
	if c.Interpreter == "" {
		c.Interpreter = "/bin/sh"
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	return c
}

// proc is the watch list payload for a process this engine started.
type proc struct {
	pid    int
	exited chan struct{}
}

// Runner forks one process group per job.
type Runner struct {
	cfg    Config
	watch  *runner.WatchList
	logger *slog.Logger
}

// New creates a local runner.
func New(cfg Config) (*Runner, error) {
	cfg = cfg.withDefaults()
	if args, err := shlex.Split(cfg.Interpreter); err != nil || len(args) == 0 {
		return nil, apperrors.Validation("interpreter", fmt.Sprintf("cannot parse interpreter %q", cfg.Interpreter))
	}
	return &Runner{
		cfg:    cfg,
		watch:  runner.NewWatchList(),
		logger: slog.With("component", "runner.local", "runner", cfg.Name),
	}, nil
}

func (r *Runner) Name() string { return r.cfg.Name }

func (r *Runner) interpreter(dest model.JobDestination) ([]string, error) {
	args, err := shlex.Split(dest.Param("interpreter", r.cfg.Interpreter))
	if err != nil {
		return nil, apperrors.Submission("parse interpreter", err)
	}
	if len(args) == 0 {
		return nil, apperrors.Submission("parse interpreter", errors.New("empty interpreter"))
	}
	return args, nil
}

// Submit starts the job script in its own process group.
func (r *Runner) Submit(ctx context.Context, job *model.Job) (runner.Handle, error) {
	return r.watch.Submit(job.ID, func() (*runner.Entry, error) {
		script, err := runner.WriteJobScript(job)
		if err != nil {
			return nil, err
		}
		args, err := r.interpreter(job.Destination)
		if err != nil {
			return nil, err
		}
		cmd := exec.Command(args[0], append(args[1:], script)...)
		cmd.Dir = job.WorkingDir
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		if err := cmd.Start(); err != nil {
			return nil, apperrors.Submission("start job process", err)
		}
		pid := cmd.Process.Pid
		if err := os.WriteFile(filepath.Join(job.WorkingDir, PIDFile), []byte(strconv.Itoa(pid)), 0o644); err != nil {
			r.logger.Warn("Failed to write pid file", "jobId", job.ID, "error", err)
		}

		p := &proc{pid: pid, exited: make(chan struct{})}
		go func() {
			_ = cmd.Wait()
			close(p.exited)
		}()
		r.logger.Info("Job process started", "jobId", job.ID, "pid", pid)
		return &runner.Entry{ExternalID: strconv.Itoa(pid), WorkingDir: job.WorkingDir, Data: p}, nil
	})
}

// CheckWatchedItems inspects the working directory and process table.
func (r *Runner) CheckWatchedItems(context.Context) ([]runner.Update, error) {
	entries := r.watch.Entries()
	updates := make([]runner.Update, 0, len(entries))
	for _, e := range entries {
		u := runner.Update{JobID: e.JobID, ExternalID: e.ExternalID, State: runner.StateRunning}
		switch {
		case runner.Finished(e.WorkingDir):
			u.State = runner.StateDone
		case !r.alive(e):
			u.State = runner.StateFailed
			u.Message = "process exited without writing an exit code"
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func (r *Runner) alive(e runner.Entry) bool {
	if p, ok := e.Data.(*proc); ok {
		select {
		case <-p.exited:
			// the script may have written exit_code between the two checks
			return runner.Finished(e.WorkingDir)
		default:
			return true
		}
	}
	pid, err := strconv.Atoi(e.ExternalID)
	if err != nil {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// Stop kills the job's process group. Unknown or finished jobs are ignored.
func (r *Runner) Stop(ctx context.Context, job *model.Job) error {
	e, ok := r.watch.Release(job.ID)
	pidStr := job.ExternalID
	if ok {
		pidStr = e.ExternalID
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return apperrors.Internal("local.stop", err)
	}
	deadline := time.Now().Add(r.cfg.KillGrace)
	for time.Now().Before(deadline) {
		if syscall.Kill(-pid, 0) != nil {
			r.logger.Info("Job process stopped", "jobId", job.ID, "pid", pid)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return apperrors.Internal("local.stop", err)
	}
	r.logger.Warn("Job process killed after grace period", "jobId", job.ID, "pid", pid)
	return nil
}

// FinishJob reads the result files and forgets the job.
func (r *Runner) FinishJob(_ context.Context, job *model.Job) (*runner.Result, error) {
	r.watch.Release(job.ID)
	return runner.CollectResult(job.WorkingDir)
}

// Recover re-attaches to a process started by a previous engine.
func (r *Runner) Recover(_ context.Context, job *model.Job) error {
	pid := job.ExternalID
	if raw, err := os.ReadFile(filepath.Join(job.WorkingDir, PIDFile)); err == nil {
		pid = strings.TrimSpace(string(raw))
	}
	if pid == "" {
		return apperrors.NotFound("process for job", job.ID)
	}
	r.watch.Commit(&runner.Entry{JobID: job.ID, ExternalID: pid, WorkingDir: job.WorkingDir})
	r.logger.Info("Job process recovered", "jobId", job.ID, "pid", pid)
	return nil
}

// Ready checks the default interpreter exists.
func (r *Runner) Ready(context.Context) error {
	args, _ := shlex.Split(r.cfg.Interpreter)
	if _, err := exec.LookPath(args[0]); err != nil {
		return fmt.Errorf("interpreter %s: %w", args[0], err)
	}
	return nil
}

func (r *Runner) Close() error { return nil }

var _ runner.Runner = (*Runner)(nil)
