package queue

import (
	"context"
	"fmt"
	"jobengine/internal/apperrors"
	"jobengine/internal/model"
	"jobengine/internal/runner"
	"jobengine/internal/store"
)

// healthy checks the store and object store before admission. An outage
// halts admission with a fatal error; recovery resumes it and puts back
// queued jobs that Put refused in the meantime.
func (q *Queue) healthy(ctx context.Context) bool {
	err := q.store.Ping(ctx)
	if err == nil {
		err = q.objects.Ready(ctx)
	}

	q.mu.Lock()
	wasHalted := q.halted != nil
	if err != nil {
		q.halted = apperrors.Fatal("queue.admission", err)
	} else {
		q.halted = nil
	}
	q.mu.Unlock()

	switch {
	case err != nil && !wasHalted:
		q.logger.Error("Storage unavailable, admission halted", "error", err)
	case err == nil && wasHalted:
		q.logger.Info("Storage available again, admission resumed")
		q.requeueOrphans(ctx)
	}
	return err == nil
}

// requeueOrphans puts queued jobs that are neither pending nor admitted back
// on the ready list.
func (q *Queue) requeueOrphans(ctx context.Context) {
	jobs, err := q.store.ListJobs(ctx, store.JobFilter{States: []model.JobState{model.JobQueued}})
	if err != nil {
		q.logger.Warn("Listing queued jobs failed", "error", err)
		return
	}
	for _, j := range jobs {
		if j.ExternalID != "" {
			continue
		}
		if err := q.Put(ctx, j.ID); err != nil {
			q.logger.Warn("Requeue failed", "jobId", j.ID, "error", err)
		}
	}
}

// monitorPass applies one round of backend observations for rn and enforces
// walltimes. Errors for one job never stop the pass.
func (q *Queue) monitorPass(ctx context.Context, rn runner.Runner) {
	updates, err := rn.CheckWatchedItems(ctx)
	if err != nil {
		q.logger.Warn("Checking watched jobs failed", "runner", rn.Name(), "error", err)
	}
	for _, u := range updates {
		if ctx.Err() != nil {
			return
		}
		if err := q.apply(ctx, rn, u); err != nil {
			q.logger.Error("Applying backend update failed", "jobId", u.JobID, "state", u.State, "error", err)
		}
	}
	q.enforceWalltimes(ctx, rn)
}

func (q *Queue) apply(ctx context.Context, rn runner.Runner, u runner.Update) error {
	j, err := q.store.GetJob(ctx, u.JobID)
	if err != nil {
		return err
	}
	logger := q.logger.With("jobId", j.ID, "runner", rn.Name())
	if j.State.Terminal() {
		// cancelled or failed elsewhere while the backend still held it
		q.release(ctx, j.ID)
		return rn.Stop(ctx, j)
	}
	if j.ExternalID != "" && u.ExternalID != "" && u.ExternalID != j.ExternalID {
		logger.Warn("Ignoring update for a previous attempt", "externalId", u.ExternalID, "current", j.ExternalID)
		return nil
	}

	w := q.manager.Wrapper(j.ID)
	switch u.State {
	case runner.StateQueued:
		return nil
	case runner.StateRunning:
		if j.State == model.JobQueued {
			_, err := w.Running(ctx, runner.Handle{ExternalID: u.ExternalID})
			return err
		}
		return nil
	case runner.StateDone:
		defer q.retire(ctx, j.ID)
		res, err := rn.FinishJob(ctx, j)
		if err != nil {
			q.fail(ctx, j, finishError(err))
			return nil
		}
		done, err := w.Finish(ctx, res)
		if err != nil {
			return err
		}
		if done.State.Terminal() {
			q.recordFinished(ctx, j, done.State, done.ErrorKind)
		}
		return nil
	case runner.StateFailed:
		defer q.retire(ctx, j.ID)
		if err := rn.Stop(ctx, j); err != nil {
			logger.Warn("Failed to release backend execution", "error", err)
		}
		q.fail(ctx, j, apperrors.Submission("runner", fmt.Errorf("backend failed job: %s", u.Message)))
		return nil
	case runner.StateLost:
		defer q.retire(ctx, j.ID)
		if err := rn.Stop(ctx, j); err != nil {
			logger.Warn("Failed to forget lost job", "error", err)
		}
		q.fail(ctx, j, apperrors.Transient("runner", fmt.Errorf("backend lost job %s", u.ExternalID)))
		return nil
	}
	return fmt.Errorf("unknown backend state %q", u.State)
}

// enforceWalltimes stops running jobs of rn past their destination's
// walltime and fails them with a tool error.
func (q *Queue) enforceWalltimes(ctx context.Context, rn runner.Runner) {
	q.mu.Lock()
	var ids []string
	for id, s := range q.active {
		if s.runner == rn.Name() {
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()

	now := q.now()
	for _, id := range ids {
		j, err := q.store.GetJob(ctx, id)
		if err != nil || j.State != model.JobRunning || j.RunningAt.IsZero() {
			continue
		}
		limit := j.Destination.Walltime(q.cfg.DefaultWalltime)
		if limit <= 0 || now.Sub(j.RunningAt) < limit {
			continue
		}
		q.logger.Warn("Job exceeded walltime", "jobId", id, "walltime", limit)
		if err := rn.Stop(ctx, j); err != nil {
			q.logger.Warn("Failed to stop job past walltime", "jobId", id, "error", err)
		}
		q.fail(ctx, j, apperrors.Tool(fmt.Sprintf("job exceeded walltime of %s", limit)))
		q.retire(ctx, id)
	}
}

// finishError classifies a failure to collect a finished job's result.
// Errors the runner already classified, such as a malformed exit code,
// keep their kind; anything else is worth another attempt.
func finishError(err error) error {
	if apperrors.KindOf(err) != apperrors.KindInternal {
		return err
	}
	return apperrors.Transient("runner.finish", err)
}

// retire gives back jobID's slot once its final state is recorded, so the
// dispatcher never sees more running jobs than admission allows. A job the
// retry policy resubmitted meanwhile was refused by Put while it still held
// its slot and is put back now.
func (q *Queue) retire(ctx context.Context, jobID string) {
	q.release(ctx, jobID)
	j, err := q.store.GetJob(ctx, jobID)
	if err != nil || j.State != model.JobQueued {
		return
	}
	if err := q.Put(ctx, jobID); err != nil {
		q.logger.Warn("Requeue after retry failed", "jobId", jobID, "error", err)
	}
}
