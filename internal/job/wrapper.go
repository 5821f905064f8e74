package job

import (
	"context"
	"errors"
	"fmt"
	"jobengine/internal/apperrors"
	"jobengine/internal/model"
	"jobengine/internal/runner"
	"jobengine/internal/tool"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
)

// OutputsDir is the directory inside a job's working directory that tools
// write their declared outputs to.
const OutputsDir = "outputs"

// Wrapper owns one job record end to end. It holds no state between calls;
// every method reloads the job from the store, so wrappers are cheap and may
// be created per operation.
type Wrapper struct {
	m      *Manager
	jobID  string
	logger *slog.Logger
}

// ID returns the id of the wrapped job.
func (w *Wrapper) ID() string { return w.jobID }

func (w *Wrapper) mutate(ctx context.Context, fn func(*model.Job) error) (*model.Job, error) {
	return w.m.store.MutateJob(ctx, w.jobID, fn)
}

// inputsReady reports whether every input dataset is ok. A failed or
// discarded input is a staging error.
func (w *Wrapper) inputsReady(ctx context.Context) (bool, error) {
	job, err := w.m.store.GetJob(ctx, w.jobID)
	if err != nil {
		return false, err
	}
	ready := true
	for _, p := range job.Params {
		var ids []string
		switch p.Kind {
		case model.ParamDataset:
			ids = []string{p.DatasetID}
		case model.ParamCollection:
			c, err := w.m.store.GetCollection(ctx, p.CollectionID)
			if err != nil {
				return false, err
			}
			if c.PopulatedState == model.PopulatedFailed {
				return false, apperrors.Staging("input "+p.Name, fmt.Errorf("collection %s failed to populate: %s", c.ID, c.PopulatedStateMessage))
			}
			if ids, err = w.flatten(ctx, c); err != nil {
				return false, err
			}
		}
		for _, id := range ids {
			ds, err := w.m.store.GetDataset(ctx, id)
			if err != nil {
				return false, err
			}
			switch ds.State {
			case model.DatasetOK:
			case model.DatasetError, model.DatasetDiscarded:
				return false, apperrors.Staging("input "+p.Name, fmt.Errorf("dataset %s is %s", id, ds.State))
			default:
				ready = false
			}
		}
	}
	return ready, nil
}

// flatten returns the dataset ids of a collection in element order,
// descending into nested collections.
func (w *Wrapper) flatten(ctx context.Context, c *model.DatasetCollection) ([]string, error) {
	var ids []string
	for _, e := range c.Elements {
		if e.CollectionID == "" {
			ids = append(ids, e.DatasetID)
			continue
		}
		child, err := w.m.store.GetCollection(ctx, e.CollectionID)
		if err != nil {
			return nil, err
		}
		nested, err := w.flatten(ctx, child)
		if err != nil {
			return nil, err
		}
		ids = append(ids, nested...)
	}
	return ids, nil
}

// Wait parks a new job until its inputs are produced.
func (w *Wrapper) Wait(ctx context.Context) (*model.Job, error) {
	job, err := w.mutate(ctx, func(j *model.Job) error {
		if j.State == model.JobWaiting {
			return nil
		}
		return j.Transition(model.JobWaiting, "inputs not ready")
	})
	if err != nil {
		return nil, err
	}
	w.logger.Info("Job waiting for inputs")
	w.m.changed(ctx, job)
	return job, nil
}

// Setup resolves the command line and allocates a clean working directory.
// The command line is deterministic for identical bindings and tool.
func (w *Wrapper) Setup(ctx context.Context) (*model.Job, error) {
	job, err := w.m.store.GetJob(ctx, w.jobID)
	if err != nil {
		return nil, err
	}
	if job.ExternalID != "" {
		return nil, apperrors.Conflict("job", job.ID, fmt.Sprintf("job %s was already submitted as %s", job.ID, job.ExternalID))
	}
	desc, err := w.m.tools.Get(job.ToolID)
	if err != nil {
		return nil, err
	}

	dir := w.m.WorkingDir(job.ID)
	if err := os.RemoveAll(dir); err != nil {
		return nil, apperrors.Staging("reset working directory", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, OutputsDir), 0o755); err != nil {
		return nil, apperrors.Staging("create working directory", err)
	}

	params, err := w.stage(ctx, job)
	if err != nil {
		return nil, err
	}
	params.WorkingDir = dir
	params.Outputs = make(map[string]string, len(job.Outputs))
	for _, out := range desc.Outputs() {
		params.Outputs[out.Name] = filepath.Join(dir, OutputsDir, out.File())
	}
	cmd, err := desc.BuildCommandLine(params)
	if err != nil {
		return nil, err
	}

	return w.mutate(ctx, func(j *model.Job) error {
		j.CommandLine = cmd
		j.WorkingDir = dir
		return nil
	})
}

// stage materializes every dataset input to a local path. Inputs are fetched
// concurrently; the result does not depend on completion order.
func (w *Wrapper) stage(ctx context.Context, job *model.Job) (tool.Params, error) {
	params := tool.Params{Values: make(map[string]string), Collections: make(map[string][]string)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.m.cfg.StagingConcurrency)

	fetch := func(datasetID string, store func(path string)) {
		g.Go(func() error {
			ds, err := w.m.store.GetDataset(gctx, datasetID)
			if err != nil {
				return err
			}
			var path string
			err = w.m.cfg.Retry.do(gctx, w.logger, "stage "+ds.ObjectRef, func() error {
				var err error
				path, err = w.m.objects.GetFilename(gctx, ds.ObjectRef)
				return err
			})
			if err != nil {
				return err
			}
			mu.Lock()
			store(path)
			mu.Unlock()
			return nil
		})
	}

	for _, p := range job.Params {
		switch p.Kind {
		case model.ParamScalar:
			params.Values[p.Name] = p.Value
		case model.ParamDataset:
			fetch(p.DatasetID, func(path string) { params.Values[p.Name] = path })
		case model.ParamCollection:
			c, err := w.m.store.GetCollection(ctx, p.CollectionID)
			if err != nil {
				return tool.Params{}, err
			}
			ids, err := w.flatten(ctx, c)
			if err != nil {
				return tool.Params{}, err
			}
			paths := make([]string, len(ids))
			params.Collections[p.Name] = paths
			for i, id := range ids {
				fetch(id, func(path string) { paths[i] = path })
			}
		}
	}
	if err := g.Wait(); err != nil {
		return tool.Params{}, err
	}
	return params, nil
}

// Prepare queues a set-up job and hands it to the queue.
func (w *Wrapper) Prepare(ctx context.Context) (*model.Job, error) {
	job, err := w.mutate(ctx, func(j *model.Job) error {
		if j.CommandLine == "" {
			return apperrors.Conflict("job", j.ID, fmt.Sprintf("job %s has not been set up", j.ID))
		}
		return j.Transition(model.JobQueued, "prepared")
	})
	if err != nil {
		return nil, err
	}
	w.setDatasets(ctx, job, model.DatasetQueued, nil)
	w.logger.Info("Job queued", "destination", job.Destination.ID)
	w.m.changed(ctx, job)
	return job, w.m.enqueue(ctx, job.ID)
}

// Running records the backend handle and moves the job to running. Repeating
// the call with the same handle is a no-op.
func (w *Wrapper) Running(ctx context.Context, h runner.Handle) (*model.Job, error) {
	noop := false
	job, err := w.mutate(ctx, func(j *model.Job) error {
		if j.State == model.JobRunning && j.ExternalID == h.ExternalID {
			noop = true
			return nil
		}
		j.ExternalID = h.ExternalID
		return j.Transition(model.JobRunning, "submitted to "+j.RunnerName)
	})
	if err != nil || noop {
		return job, err
	}
	w.setDatasets(ctx, job, model.DatasetRunning, nil)
	w.logger.Info("Job running", "runner", job.RunnerName, "externalId", h.ExternalID)
	w.m.changed(ctx, job)
	return job, nil
}

// Finish finalizes a job its runner reported done: the exit code is checked
// against the tool, declared outputs are validated and pushed to the object
// store, then datasets and job become ok. Any failure goes through Fail.
func (w *Wrapper) Finish(ctx context.Context, res *runner.Result) (*model.Job, error) {
	job, err := w.mutate(ctx, func(j *model.Job) error {
		if j.State.Terminal() {
			return nil
		}
		code := res.ExitCode
		j.ExitCode, j.Stdout, j.Stderr = &code, res.Stdout, res.Stderr
		if j.State == model.JobQueued {
			return j.Transition(model.JobRunning, "finished before observed running")
		}
		return nil
	})
	if err != nil || job.State.Terminal() {
		return job, err
	}
	desc, err := w.m.tools.Get(job.ToolID)
	if err != nil {
		return w.failed(ctx, err)
	}
	if !tool.Succeeded(desc, res.ExitCode) {
		return w.failed(ctx, apperrors.Tool(fmt.Sprintf("tool exited with code %d", res.ExitCode)))
	}
	sizes, err := w.collectOutputs(ctx, job, desc)
	if err != nil {
		return w.failed(ctx, err)
	}
	w.setDatasets(ctx, job, model.DatasetOK, sizes)
	job, err = w.mutate(ctx, func(j *model.Job) error {
		return j.Transition(model.JobOK, fmt.Sprintf("exit code %d", res.ExitCode))
	})
	if err != nil {
		return nil, err
	}
	w.logger.Info("Job finished", "state", job.State, "exitCode", res.ExitCode)
	w.m.changed(ctx, job)
	return job, nil
}

func (w *Wrapper) failed(ctx context.Context, cause error) (*model.Job, error) {
	if _, err := w.Fail(ctx, cause); err != nil {
		return nil, err
	}
	return w.m.store.GetJob(ctx, w.jobID)
}

// collectOutputs validates every declared output before pushing any of them.
func (w *Wrapper) collectOutputs(ctx context.Context, job *model.Job, desc tool.Descriptor) (map[string]int64, error) {
	declared := make(map[string]tool.Output)
	for _, out := range desc.Outputs() {
		declared[out.Name] = out
	}
	paths := make(map[string]string, len(job.Outputs))
	sizes := make(map[string]int64, len(job.Outputs))
	for _, b := range job.Outputs {
		out, ok := declared[b.Name]
		if !ok {
			return nil, apperrors.Tool(fmt.Sprintf("output %s is no longer declared by tool %s", b.Name, job.ToolID))
		}
		path := filepath.Join(job.WorkingDir, OutputsDir, out.File())
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.Tool(fmt.Sprintf("declared output %s was not produced", b.Name))
		}
		if err != nil {
			return nil, apperrors.Staging("stat output "+b.Name, err)
		}
		if out.Required && info.Size() == 0 {
			return nil, apperrors.Tool(fmt.Sprintf("required output %s is empty", b.Name))
		}
		paths[b.DatasetID] = path
		sizes[b.DatasetID] = info.Size()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.m.cfg.StagingConcurrency)
	for datasetID, path := range paths {
		g.Go(func() error {
			ds, err := w.m.store.GetDataset(gctx, datasetID)
			if err != nil {
				return err
			}
			return w.m.cfg.Retry.do(gctx, w.logger, "push "+ds.ObjectRef, func() error {
				return w.m.objects.UpdateFromFile(gctx, ds.ObjectRef, path)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sizes, nil
}

// Fail records a failure classified by cause. Partial outputs are always
// discarded. When the retry policy allows it the job is resubmitted as a new
// attempt instead of staying in error, and Fail reports true.
func (w *Wrapper) Fail(ctx context.Context, cause error) (bool, error) {
	kind := apperrors.KindOf(cause)
	message := cause.Error()
	applied, resubmitted := false, false
	job, err := w.mutate(ctx, func(j *model.Job) error {
		applied, resubmitted = false, false
		if j.State.Terminal() {
			return nil
		}
		applied = true
		if err := j.Transition(model.JobError, message); err != nil {
			return err
		}
		j.ErrorKind, j.Info = kind, message
		if w.m.cfg.Retry.Retryable(kind, j.Attempt) {
			resubmitted = j.Resubmit(w.m.cfg.Retry.MaxAttempts) == nil
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	w.discardOutputs(ctx, job)

	if !resubmitted {
		w.setDatasets(ctx, job, model.DatasetError, nil)
		w.logger.Warn("Job failed", "errorKind", kind, "error", message)
		w.m.changed(ctx, job)
		return false, nil
	}

	w.setDatasets(ctx, job, model.DatasetQueued, nil)
	w.m.metrics.RecordJobResubmitted(ctx, kind)
	w.logger.Warn("Job failed, resubmitting", "errorKind", kind, "error", message, "attempt", job.Attempt)
	w.m.changed(ctx, job)
	if _, err := w.Setup(ctx); err != nil {
		return w.Fail(ctx, err)
	}
	return true, w.m.enqueue(ctx, job.ID)
}

// Cancel marks the job deleted and discards its outputs. The runner must
// already have been asked to stop.
func (w *Wrapper) Cancel(ctx context.Context) (*model.Job, error) {
	changed := false
	job, err := w.mutate(ctx, func(j *model.Job) error {
		changed = false
		if j.State.Terminal() {
			return nil
		}
		to := model.JobDeleted
		if j.State == model.JobNew || j.State == model.JobWaiting {
			to = model.JobDeletedNew
		}
		if err := j.Transition(to, "cancelled"); err != nil {
			return err
		}
		j.Deleted = true
		changed = true
		return nil
	})
	if err != nil || !changed {
		return job, err
	}
	w.discardOutputs(ctx, job)
	w.setDatasets(ctx, job, model.DatasetDiscarded, nil)
	w.logger.Info("Job cancelled", "state", job.State)
	w.m.changed(ctx, job)
	return job, nil
}

func (w *Wrapper) discardOutputs(ctx context.Context, job *model.Job) {
	for _, b := range job.Outputs {
		ds, err := w.m.store.GetDataset(ctx, b.DatasetID)
		if err != nil {
			w.logger.Warn("Output dataset missing", "datasetId", b.DatasetID, "error", err)
			continue
		}
		if err := w.m.objects.Delete(ctx, ds.ObjectRef); err != nil {
			w.logger.Warn("Failed to discard output", "datasetId", b.DatasetID, "error", err)
		}
	}
}

// setDatasets moves every output dataset to state. Sizes are recorded when given.
func (w *Wrapper) setDatasets(ctx context.Context, job *model.Job, state model.DatasetState, sizes map[string]int64) {
	for _, b := range job.Outputs {
		_, err := w.m.store.MutateDataset(ctx, b.DatasetID, func(ds *model.Dataset) error {
			if size, ok := sizes[ds.ID]; ok {
				ds.Size = size
			}
			return ds.SetState(state)
		})
		if err != nil {
			w.logger.Warn("Failed to update output dataset", "datasetId", b.DatasetID, "state", state, "error", err)
		}
	}
}
