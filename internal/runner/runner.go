// Package runner defines the contract between the job queue and the compute
// backends, plus the pieces every backend shares: the watch list of
// submitted jobs, the job wrapper script and result collection.
package runner

import (
	"context"
	"jobengine/internal/model"
)

// Runner submits, polls, cancels and collects jobs on one compute substrate.
//
// # Idempotence
//
// Submit is a no-op for a job the runner already watches: the existing
// handle is returned with Existing set and no second backend execution is
// started. Stop is a no-op for finished or unknown jobs.
//
// # Recovery
//
// After a restart the queue calls Recover for every queued or running job
// that carries an ExternalID. The runner re-attaches to the backend handle
// and resumes reporting it from CheckWatchedItems without resubmitting.
type Runner interface {
	// Name is the runner name destinations refer to.
	Name() string

	// Submit starts the job on the backend. The job's CommandLine and
	// WorkingDir are already resolved.
	Submit(ctx context.Context, job *model.Job) (Handle, error)

	// CheckWatchedItems reports the backend state of watched jobs. It must not
	// block on job execution; backends that push notifications drain them here.
	CheckWatchedItems(ctx context.Context) ([]Update, error)

	// Stop cancels the backend execution and forgets the job.
	Stop(ctx context.Context, job *model.Job) error

	// FinishJob collects stdout, stderr and exit code of a job reported
	// terminal and releases its backend resources.
	FinishJob(ctx context.Context, job *model.Job) (*Result, error)

	// Recover re-attaches to a job submitted by a previous process.
	Recover(ctx context.Context, job *model.Job) error

	// Ready checks the backend is reachable.
	Ready(ctx context.Context) error

	// Close releases client resources. Backend executions keep running.
	Close() error
}

// Handle identifies a backend execution.
type Handle struct {
	ExternalID string
	// Existing is set when Submit found the job already submitted.
	Existing bool
}

// State is the backend view of a job.
type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	// StateDone means the job script ran to completion; the exit code decides success.
	StateDone State = "done"
	// StateFailed means the backend itself failed the job (killed, OOM, rejected).
	StateFailed State = "failed"
	// StateLost means the backend no longer knows the job.
	StateLost State = "lost"
)

// Terminal reports whether s ends the backend execution.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateLost
}

// Update is one observation reported by CheckWatchedItems.
type Update struct {
	JobID      string
	ExternalID string
	State      State
	Message    string
}

// Result is what a finished job left behind.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}
