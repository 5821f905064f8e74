// Package queue admits prepared jobs onto runners and monitors them until
// they are terminal.
package queue

import (
	"context"
	"errors"
	"fmt"
	"jobengine/internal/apperrors"
	"jobengine/internal/job"
	"jobengine/internal/model"
	"jobengine/internal/objectstore"
	"jobengine/internal/observability"
	"jobengine/internal/runner"
	"jobengine/internal/sleeper"
	"jobengine/internal/store"
	"jobengine/pkg/circuitbreaker"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// slot is an admitted job counted against its destination and user.
type slot struct {
	destination string
	user        string
	runner      string
	// submitted is set once this process handed the job to its runner.
	submitted bool
}

// Queue is the job.Queue of the engine.
//
// # State Management
//
// The store is the source of truth for job state. The queue holds only the
// FIFO ready list and the admission counters, both guarded by mu. Runners and
// wrappers are never called with mu held, so observers reached through a
// wrapper may call back into Put or Cancel.
type Queue struct {
	manager  *job.Manager
	store    store.Store
	runners  *runner.Registry
	objects  objectstore.ObjectStore
	cfg      Config
	metrics  *observability.Metrics
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
	now      func() time.Time

	mu             sync.Mutex
	pending        []string
	active         map[string]slot
	perDest        map[string]int
	perUser        map[string]int
	submitFailures map[string]int
	halted         error

	pollers    []*sleeper.Poller
	dispatcher *sleeper.Poller
}

// New creates a stopped queue and connects it to manager.
func New(manager *job.Manager, runners *runner.Registry, objects objectstore.ObjectStore, cfg Config, metrics *observability.Metrics) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		manager: manager,
		store:   manager.Store(),
		runners: runners,
		objects: objects,
		cfg:     cfg,
		metrics: metrics,
		logger:  slog.With("component", "queue"),
		now:     time.Now,

		active:         make(map[string]slot),
		perDest:        make(map[string]int),
		perUser:        make(map[string]int),
		submitFailures: make(map[string]int),
	}
	q.breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown,
		OnStateChange: func(dest string, from, to circuitbreaker.State) {
			q.logger.Warn("Destination breaker changed state", "destination", dest, "from", from.String(), "to", to.String())
		},
	})
	manager.SetQueue(q)
	return q
}

// Start launches the dispatch loop and one monitor loop per runner.
func (q *Queue) Start(ctx context.Context) {
	q.dispatcher = sleeper.NewPoller("queue-dispatch", q.cfg.DispatchInterval, q.dispatchPass)
	q.pollers = []*sleeper.Poller{q.dispatcher}
	for _, rn := range q.runners.All() {
		q.pollers = append(q.pollers, sleeper.NewPoller("monitor-"+rn.Name(), q.cfg.MonitorInterval, func(ctx context.Context) {
			q.monitorPass(ctx, rn)
		}))
	}
	for _, p := range q.pollers {
		p.Start(ctx)
	}
	q.logger.Info("Queue started", "runners", q.runners.Names())
}

// Tick runs one dispatch pass and one monitor pass per runner synchronously.
func (q *Queue) Tick(ctx context.Context) {
	q.dispatchPass(ctx)
	for _, rn := range q.runners.All() {
		q.monitorPass(ctx, rn)
	}
}

// Put appends a queued job to the ready list. Putting a job that is
// already pending or admitted is a no-op.
func (q *Queue) Put(ctx context.Context, jobID string) error {
	q.mu.Lock()
	if q.halted != nil {
		err := q.halted
		q.mu.Unlock()
		return err
	}
	_, admitted := q.active[jobID]
	if !admitted && !slices.Contains(q.pending, jobID) {
		q.pending = append(q.pending, jobID)
	}
	n := len(q.pending)
	q.mu.Unlock()

	q.metrics.RecordQueuePending(ctx, int64(n))
	q.wake()
	return nil
}

// Pending returns the ready list in admission order.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.pending)
}

// Halted returns the fatal error that stopped admission, if any.
func (q *Queue) Halted() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.halted
}

func (q *Queue) wake() {
	if q.dispatcher != nil {
		q.dispatcher.Wake()
	}
}

// dispatchPass walks the ready list in FIFO order and submits every job
// admission allows.
func (q *Queue) dispatchPass(ctx context.Context) {
	if !q.healthy(ctx) {
		return
	}
	for _, jobID := range q.Pending() {
		if ctx.Err() != nil {
			return
		}
		q.dispatch(ctx, jobID)
	}
	q.metrics.RecordQueuePending(ctx, int64(len(q.Pending())))
}

func (q *Queue) dispatch(ctx context.Context, jobID string) {
	logger := q.logger.With("jobId", jobID)
	j, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		logger.Warn("Dropping unreadable job from the ready list", "error", err)
		q.dropPending(jobID)
		return
	}
	if j.State != model.JobQueued {
		q.dropPending(jobID)
		return
	}
	dest := j.Destination
	breaker := q.breakers.Get(dest.ID)
	if !breaker.Allow() {
		q.metrics.RecordQueueDeferred(ctx, dest.ID, "breaker")
		return
	}
	if reason := q.admit(j); reason != "" {
		breaker.Abandon()
		q.metrics.RecordQueueDeferred(ctx, dest.ID, reason)
		return
	}

	rn, err := q.runners.Get(j.RunnerName)
	if err != nil {
		breaker.Abandon()
		q.release(ctx, jobID)
		q.fail(ctx, j, apperrors.Submission("queue.dispatch", err))
		return
	}
	handle, err := rn.Submit(ctx, j)
	if err != nil {
		q.submitFailed(ctx, j, breaker, err)
		return
	}
	breaker.RecordSuccess()
	q.mu.Lock()
	delete(q.submitFailures, jobID)
	if s, ok := q.active[jobID]; ok {
		s.submitted = true
		q.active[jobID] = s
	}
	q.mu.Unlock()
	q.metrics.RecordJobSubmitted(ctx, dest.ID)

	if _, err := q.manager.Wrapper(jobID).Running(ctx, handle); err != nil {
		// cancelled while submitting
		logger.Warn("Job changed during submission, stopping backend execution", "error", err)
		if serr := rn.Stop(ctx, j); serr != nil {
			logger.Warn("Failed to stop backend execution", "error", serr)
		}
		q.release(ctx, jobID)
		return
	}
	logger.Info("Job submitted", "runner", rn.Name(), "externalId", handle.ExternalID, "existing", handle.Existing)
}

// admit reserves a slot for j, or returns why it must wait.
func (q *Queue) admit(j *model.Job) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit := j.Destination.MaxConcurrency; limit > 0 && q.perDest[j.Destination.ID] >= limit {
		return "concurrency"
	}
	if q.cfg.MaxPerUser > 0 && j.UserID != "" && q.perUser[j.UserID] >= q.cfg.MaxPerUser {
		return "user"
	}
	q.pending = slices.DeleteFunc(q.pending, func(id string) bool { return id == j.ID })
	q.reserve(j)
	return ""
}

// reserve counts j against its destination and user. Callers hold mu.
func (q *Queue) reserve(j *model.Job) {
	if _, ok := q.active[j.ID]; ok {
		return
	}
	s := slot{destination: j.Destination.ID, user: j.UserID, runner: j.RunnerName}
	q.active[j.ID] = s
	q.perDest[s.destination]++
	if s.user != "" {
		q.perUser[s.user]++
	}
}

// release gives back the slot held by jobID and wakes the dispatcher.
func (q *Queue) release(ctx context.Context, jobID string) {
	q.mu.Lock()
	s, ok := q.active[jobID]
	if ok {
		delete(q.active, jobID)
		q.perDest[s.destination]--
		if s.user != "" {
			q.perUser[s.user]--
		}
	}
	q.mu.Unlock()
	if ok && s.submitted {
		q.metrics.RecordJobReleased(ctx, s.destination)
	}
	if ok {
		q.wake()
	}
}

func (q *Queue) dropPending(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = slices.DeleteFunc(q.pending, func(id string) bool { return id == jobID })
}

// submitFailed keeps a job queued after a transient backend failure until
// MaxSubmitAttempts is exhausted. Any other failure fails the job.
func (q *Queue) submitFailed(ctx context.Context, j *model.Job, breaker *circuitbreaker.Breaker, err error) {
	logger := q.logger.With("jobId", j.ID, "destination", j.Destination.ID)
	q.release(ctx, j.ID)
	if !apperrors.IsTransient(err) {
		breaker.Abandon()
		if apperrors.KindOf(err) == apperrors.KindInternal {
			err = apperrors.Submission("runner.submit", err)
		}
		logger.Warn("Backend rejected job", "error", err)
		q.fail(ctx, j, err)
		return
	}

	breaker.RecordFailure()
	q.mu.Lock()
	q.submitFailures[j.ID]++
	failures := q.submitFailures[j.ID]
	if failures < q.cfg.MaxSubmitAttempts {
		q.pending = append([]string{j.ID}, q.pending...)
	} else {
		delete(q.submitFailures, j.ID)
	}
	q.mu.Unlock()

	if failures < q.cfg.MaxSubmitAttempts {
		logger.Warn("Transient submission failure, job stays queued", "attempt", failures, "error", err)
		q.metrics.RecordQueueDeferred(ctx, j.Destination.ID, "transient")
		return
	}
	logger.Error("Submission attempts exhausted", "attempts", failures, "error", err)
	q.fail(ctx, j, err)
}

// fail hands a failure to the job's wrapper and records the outcome.
func (q *Queue) fail(ctx context.Context, j *model.Job, cause error) {
	resubmitted, err := q.manager.Wrapper(j.ID).Fail(ctx, cause)
	if err != nil {
		q.logger.Error("Failed to record job failure", "jobId", j.ID, "cause", cause, "error", err)
		return
	}
	if !resubmitted {
		q.recordFinished(ctx, j, model.JobError, apperrors.KindOf(cause))
	}
}

func (q *Queue) recordFinished(ctx context.Context, j *model.Job, state model.JobState, kind string) {
	var seconds float64
	if !j.RunningAt.IsZero() {
		seconds = q.now().Sub(j.RunningAt).Seconds()
	}
	q.metrics.RecordJobFinished(ctx, j.Destination.ID, string(state), kind, seconds)
}

// Cancel stops the backend execution, best effort, and marks the job deleted.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	j, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return nil
	}
	logger := q.logger.With("jobId", jobID)
	if j.ExternalID != "" {
		rn, err := q.runners.Get(j.RunnerName)
		if err == nil {
			err = rn.Stop(ctx, j)
		}
		if err != nil {
			logger.Warn("Backend did not confirm cancellation", "error", err)
		}
	}
	q.dropPending(jobID)
	q.release(ctx, jobID)
	if _, err := q.manager.Wrapper(jobID).Cancel(ctx); err != nil {
		return err
	}
	q.recordFinished(ctx, j, model.JobDeleted, "")
	return nil
}

// Recover rebuilds the ready list and admission counters from the store.
// Jobs holding a backend handle are re-attached without resubmission.
func (q *Queue) Recover(ctx context.Context) error {
	jobs, err := q.store.ListJobs(ctx, store.JobFilter{States: []model.JobState{model.JobQueued, model.JobRunning}})
	if err != nil {
		return apperrors.Fatal("queue.recover", err)
	}
	reattached, requeued := 0, 0
	for _, j := range jobs {
		logger := q.logger.With("jobId", j.ID)
		if j.ExternalID == "" {
			if err := q.Put(ctx, j.ID); err != nil {
				return err
			}
			requeued++
			continue
		}
		rn, err := q.runners.Get(j.RunnerName)
		if err == nil {
			err = rn.Recover(ctx, j)
		}
		if err != nil {
			logger.Warn("Could not re-attach to backend execution", "externalId", j.ExternalID, "error", err)
			q.fail(ctx, j, apperrors.Transient("queue.recover", err))
			continue
		}
		q.mu.Lock()
		q.reserve(j)
		q.mu.Unlock()
		reattached++
	}
	q.manager.ReleaseWaiting(ctx)
	q.logger.Info("Queue recovered", "reattached", reattached, "requeued", requeued)
	return nil
}

// Shutdown stops the loops. With CancelOnShutdown every outstanding job is
// cancelled; otherwise they are left for the next Recover.
func (q *Queue) Shutdown(ctx context.Context) error {
	for _, p := range q.pollers {
		p.Stop()
	}
	if !q.cfg.CancelOnShutdown {
		q.logger.Info("Queue stopped")
		return nil
	}

	q.mu.Lock()
	ids := slices.Clone(q.pending)
	for id := range q.active {
		ids = append(ids, id)
	}
	q.mu.Unlock()
	slices.Sort(ids)

	var result *multierror.Error
	for _, id := range slices.Compact(ids) {
		if err := q.Cancel(ctx, id); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			result = multierror.Append(result, fmt.Errorf("cancel %s: %w", id, err))
		}
	}
	q.logger.Info("Queue stopped", "cancelled", len(ids))
	return result.ErrorOrNil()
}
