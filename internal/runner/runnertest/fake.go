// Package runnertest provides an in-memory Runner for queue and workflow tests.
package runnertest

import (
	"context"
	"fmt"
	"jobengine/internal/model"
	"jobengine/internal/runner"
	"sync"
	"sync/atomic"
)

type execution struct {
	state     runner.State
	result    runner.Result
	msg       string
	finishErr error
}

// Fake is a Runner whose jobs finish when the test says so.
type Fake struct {
	name  string
	watch *runner.WatchList

	mu        sync.Mutex
	execs     map[string]*execution
	submitErr func(*model.Job) error
	stopped   []string
	recovered []string

	// Submissions counts backend submissions (not idempotent no-ops).
	Submissions atomic.Int32
	seq         atomic.Int64
}

// New creates a fake runner called name.
func New(name string) *Fake {
	return &Fake{name: name, watch: runner.NewWatchList(), execs: make(map[string]*execution)}
}

// FailSubmit makes Submit return fn's error when non-nil.
func (f *Fake) FailSubmit(fn func(*model.Job) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = fn
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) Submit(_ context.Context, job *model.Job) (runner.Handle, error) {
	return f.watch.Submit(job.ID, func() (*runner.Entry, error) {
		f.mu.Lock()
		fn := f.submitErr
		f.mu.Unlock()
		if fn != nil {
			if err := fn(job); err != nil {
				return nil, err
			}
		}
		f.Submissions.Add(1)
		ext := fmt.Sprintf("%s-%d", f.name, f.seq.Add(1))
		f.mu.Lock()
		f.execs[job.ID] = &execution{state: runner.StateRunning}
		f.mu.Unlock()
		return &runner.Entry{ExternalID: ext, WorkingDir: job.WorkingDir}, nil
	})
}

func (f *Fake) CheckWatchedItems(context.Context) ([]runner.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var updates []runner.Update
	for _, e := range f.watch.Entries() {
		state, msg := runner.StateLost, ""
		if ex, ok := f.execs[e.JobID]; ok {
			state, msg = ex.state, ex.msg
		}
		updates = append(updates, runner.Update{JobID: e.JobID, ExternalID: e.ExternalID, State: state, Message: msg})
	}
	return updates, nil
}

func (f *Fake) Stop(_ context.Context, job *model.Job) error {
	f.watch.Release(job.ID)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.execs, job.ID)
	f.stopped = append(f.stopped, job.ID)
	return nil
}

func (f *Fake) FinishJob(_ context.Context, job *model.Job) (*runner.Result, error) {
	f.watch.Release(job.ID)
	f.mu.Lock()
	defer f.mu.Unlock()
	ex, ok := f.execs[job.ID]
	if !ok {
		return nil, fmt.Errorf("no execution for job %s", job.ID)
	}
	delete(f.execs, job.ID)
	if ex.finishErr != nil {
		return nil, ex.finishErr
	}
	res := ex.result
	return &res, nil
}

func (f *Fake) Recover(_ context.Context, job *model.Job) error {
	f.watch.Commit(&runner.Entry{JobID: job.ID, ExternalID: job.ExternalID, WorkingDir: job.WorkingDir})
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.execs[job.ID]; !ok {
		f.execs[job.ID] = &execution{state: runner.StateRunning}
	}
	f.recovered = append(f.recovered, job.ID)
	return nil
}

func (f *Fake) Ready(context.Context) error { return nil }
func (f *Fake) Close() error                { return nil }

// Complete finishes the job's execution with exitCode.
func (f *Fake) Complete(jobID string, exitCode int, stdout string) {
	f.set(jobID, &execution{state: runner.StateDone, result: runner.Result{ExitCode: exitCode, Stdout: stdout}})
}

// CompleteUnreadable finishes the job's execution but makes FinishJob
// return err, as when the result files are missing or corrupt.
func (f *Fake) CompleteUnreadable(jobID string, err error) {
	f.set(jobID, &execution{state: runner.StateDone, finishErr: err})
}

// Crash reports a backend failure for the job.
func (f *Fake) Crash(jobID, msg string) {
	f.set(jobID, &execution{state: runner.StateFailed, msg: msg})
}

// Lose makes the backend forget the job while it is still watched.
func (f *Fake) Lose(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.execs, jobID)
}

// Seed pretends a job was started by a previous process.
func (f *Fake) Seed(jobID string, state runner.State, exitCode int) {
	f.set(jobID, &execution{state: state, result: runner.Result{ExitCode: exitCode}})
}

func (f *Fake) set(jobID string, ex *execution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs[jobID] = ex
}

// Running lists the job ids currently watched.
func (f *Fake) Running() []string {
	var ids []string
	for _, e := range f.watch.Entries() {
		ids = append(ids, e.JobID)
	}
	return ids
}

// Stopped lists the job ids passed to Stop.
func (f *Fake) Stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

// Recovered lists the job ids passed to Recover.
func (f *Fake) Recovered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.recovered...)
}

var _ runner.Runner = (*Fake)(nil)
