// Package job owns the lifecycle of individual jobs: creating their records,
// resolving command lines, handing them to the queue and finalizing their
// outputs once a runner reports them terminal.
package job

import (
	"context"
	"jobengine/internal/model"
)

// Queue admits prepared jobs for execution on a runner.
//
// # State Management
//
// The store is the source of truth for job state. The queue holds only the
// in-memory ready list and admission counters; after a restart it rebuilds
// both from the store and re-attaches to backend executions.
type Queue interface {
	// Put admits a queued job. Jobs over their destination's concurrency
	// limit stay queued until a slot frees.
	Put(ctx context.Context, jobID string) error

	// Cancel stops the backend execution, best effort, and marks the job
	// deleted. Cancelling a terminal job is a no-op.
	Cancel(ctx context.Context, jobID string) error
}

// Observer is told about every persisted job state change. Observers run
// synchronously on the goroutine that changed the job and must not block.
type Observer interface {
	JobChanged(ctx context.Context, job *model.Job)
}
