// Package workflow schedules workflow invocations: it walks the step graph,
// scatters steps over collections and advances steps as their jobs finish.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"jobengine/internal/apperrors"
	"jobengine/internal/job"
	"jobengine/internal/model"
	"jobengine/internal/observability"
	"jobengine/internal/store"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Listener is told about invocation state changes.
type Listener interface {
	InvocationChanged(ctx context.Context, inv *model.WorkflowInvocation)
}

// Request describes an invocation to create.
type Request struct {
	ID        string         `json:"id,omitempty"`
	Workflow  model.Workflow `json:"workflow"`
	UserID    string         `json:"userId,omitempty"`
	HistoryID string         `json:"historyId,omitempty"`
	// Inputs maps input step indices to the supplied dataset, collection or value.
	Inputs map[int]model.OutputRef `json:"inputs"`
}

// Scheduler drives invocations. It observes the job manager and
// re-schedules an invocation whenever one of its jobs becomes terminal.
//
// Scheduling passes are serialized: an invocation flagged while a pass is
// running, including from the goroutine running it, is picked up by that
// pass before it returns.
type Scheduler struct {
	manager  *job.Manager
	store    store.Store
	tools    job.ToolSource
	queue    job.Queue
	metrics  *observability.Metrics
	logger   *slog.Logger
	mu       sync.Mutex
	dirty    []string
	running  bool
	watchers []Listener
}

// NewScheduler creates a scheduler and registers it with manager.
func NewScheduler(manager *job.Manager, tools job.ToolSource, queue job.Queue, metrics *observability.Metrics) *Scheduler {
	s := &Scheduler{
		manager: manager,
		store:   manager.Store(),
		tools:   tools,
		queue:   queue,
		metrics: metrics,
		logger:  slog.With("component", "workflow"),
	}
	manager.Observe(s)
	return s
}

// Listen registers l for invocation state changes.
func (s *Scheduler) Listen(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, l)
}

// Invoke creates an invocation and schedules every step whose inputs are
// ready. A graph that cannot be resolved yields a failed invocation naming
// the offending step; unusable inputs are a validation error.
func (s *Scheduler) Invoke(ctx context.Context, req Request) (*model.WorkflowInvocation, error) {
	if len(req.Workflow.Steps) == 0 {
		return nil, apperrors.Validation("workflow.steps", "workflow has no steps")
	}
	for i, ref := range req.Inputs {
		if err := s.checkInput(ctx, i, ref); err != nil {
			return nil, err
		}
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	inv := &model.WorkflowInvocation{
		ID:         id,
		WorkflowID: req.Workflow.ID,
		Workflow:   req.Workflow.Clone(),
		UserID:     req.UserID,
		HistoryID:  req.HistoryID,
		Inputs:     req.Inputs,
		State:      model.InvocationNew,
		Steps:      make([]model.InvocationStep, len(req.Workflow.Steps)),
	}
	for i := range inv.Steps {
		inv.Steps[i] = model.InvocationStep{Index: i, State: model.StepNew}
	}
	if err := s.store.CreateInvocation(ctx, inv); err != nil {
		return nil, err
	}
	logger := s.logger.With("invocationId", id)

	next, message, kind := model.InvocationReady, "", ""
	if err := s.validate(req.Workflow, req.Inputs); err != nil {
		next, message, kind = model.InvocationFailed, err.Error(), apperrors.KindOf(err)
		logger.Warn("Workflow cannot be scheduled", "error", err)
	}
	inv, err := s.store.MutateInvocation(ctx, id, func(inv *model.WorkflowInvocation) error {
		inv.ErrorKind = kind
		return inv.SetState(next, message)
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, inv)
	if inv.State == model.InvocationFailed {
		return inv, nil
	}

	logger.Info("Invocation created", "workflowId", req.Workflow.ID, "steps", len(inv.Steps))
	s.kick(ctx, id)
	return s.store.GetInvocation(ctx, id)
}

func (s *Scheduler) checkInput(ctx context.Context, step int, ref model.OutputRef) error {
	field := fmt.Sprintf("inputs[%d]", step)
	switch {
	case ref.DatasetID != "":
		if _, err := s.store.GetDataset(ctx, ref.DatasetID); err != nil {
			return apperrors.Validation(field, err.Error())
		}
	case ref.CollectionID != "":
		if _, err := s.store.GetCollection(ctx, ref.CollectionID); err != nil {
			return apperrors.Validation(field, err.Error())
		}
	}
	return nil
}

// Get returns an invocation.
func (s *Scheduler) Get(ctx context.Context, id string) (*model.WorkflowInvocation, error) {
	return s.store.GetInvocation(ctx, id)
}

// JobChanged implements job.Observer.
func (s *Scheduler) JobChanged(ctx context.Context, j *model.Job) {
	if j.InvocationID == "" || !j.State.Terminal() {
		return
	}
	s.kick(ctx, j.InvocationID)
}

// Schedule runs a scheduling pass for one invocation.
func (s *Scheduler) Schedule(ctx context.Context, id string) {
	s.kick(ctx, id)
}

// kick flags id and drains the flagged invocations unless a pass is
// already running.
func (s *Scheduler) kick(ctx context.Context, id string) {
	s.mu.Lock()
	if !slices.Contains(s.dirty, id) {
		s.dirty = append(s.dirty, id)
	}
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	for len(s.dirty) > 0 {
		next := s.dirty[0]
		s.dirty = s.dirty[1:]
		s.mu.Unlock()
		if err := s.schedule(ctx, next); err != nil {
			s.logger.Error("Scheduling pass failed", "invocationId", next, "error", err)
		}
		s.mu.Lock()
	}
	s.running = false
	s.mu.Unlock()
}

// Recover resumes work a previous process left behind. Jobs created but
// never started are started, or discarded when their step was never
// recorded; every invocation with unsettled steps gets a scheduling pass.
// Run it after the queue has recovered.
func (s *Scheduler) Recover(ctx context.Context) error {
	created, err := s.store.ListJobs(ctx, store.JobFilter{States: []model.JobState{model.JobNew}})
	if err != nil {
		return err
	}
	started := 0
	for _, j := range created {
		logger := s.logger.With("jobId", j.ID)
		if j.InvocationID != "" && !s.recorded(ctx, j) {
			logger.Info("Discarding job of an unrecorded step", "invocationId", j.InvocationID, "step", j.StepIndex)
			if err := s.queue.Cancel(ctx, j.ID); err != nil {
				logger.Warn("Discarding job failed", "error", err)
			}
			continue
		}
		if _, err := s.manager.Start(ctx, j.ID); err != nil {
			logger.Warn("Starting recovered job failed", "error", err)
			continue
		}
		started++
	}

	invs, err := s.store.ListInvocations(ctx, model.InvocationReady, model.InvocationScheduled, model.InvocationFailed)
	if err != nil {
		return err
	}
	resumed := 0
	for _, inv := range invs {
		if inv.Finished() {
			continue
		}
		s.kick(ctx, inv.ID)
		resumed++
	}
	s.logger.Info("Workflow state recovered", "startedJobs", started, "invocations", resumed)
	return nil
}

// recorded reports whether j's invocation step lists it and can still run.
func (s *Scheduler) recorded(ctx context.Context, j *model.Job) bool {
	inv, err := s.store.GetInvocation(ctx, j.InvocationID)
	if err != nil || inv.State == model.InvocationCancelled || j.StepIndex >= len(inv.Steps) {
		return false
	}
	return slices.Contains(inv.Steps[j.StepIndex].JobIDs, j.ID)
}

// Cancel cancels the invocation and every non-terminal job it spawned.
// Backends that cannot confirm the stop do not prevent the cancellation.
func (s *Scheduler) Cancel(ctx context.Context, id string) (*model.WorkflowInvocation, error) {
	inv, err := s.store.MutateInvocation(ctx, id, func(inv *model.WorkflowInvocation) error {
		if inv.State == model.InvocationCancelled {
			return nil
		}
		return inv.SetState(model.InvocationCancelled, "cancelled")
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, inv)

	jobs, err := s.store.ListJobs(ctx, store.JobFilter{InvocationID: id})
	if err != nil {
		return nil, err
	}
	var result *multierror.Error
	for _, j := range jobs {
		if j.State.Terminal() {
			continue
		}
		if err := s.queue.Cancel(ctx, j.ID); err != nil {
			result = multierror.Append(result, fmt.Errorf("job %s: %w", j.ID, err))
		}
	}
	s.logger.Info("Invocation cancelled", "invocationId", id, "jobs", len(jobs))
	if err := result.ErrorOrNil(); err != nil {
		s.logger.Warn("Some jobs could not be cancelled", "invocationId", id, "error", err)
	}
	return s.store.GetInvocation(ctx, id)
}

func (s *Scheduler) notify(ctx context.Context, inv *model.WorkflowInvocation) {
	s.metrics.RecordInvocation(ctx, string(inv.State))
	s.mu.Lock()
	watchers := slices.Clone(s.watchers)
	s.mu.Unlock()
	for _, l := range watchers {
		l.InvocationChanged(ctx, inv.Clone())
	}
}

var errInvocationClosed = errors.New("invocation no longer schedulable")
