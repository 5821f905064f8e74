package model

import (
	"errors"
	"jobengine/internal/apperrors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	allowed := []struct{ from, to JobState }{
		{JobNew, JobWaiting}, {JobNew, JobQueued}, {JobNew, JobPaused}, {JobNew, JobError}, {JobNew, JobDeletedNew},
		{JobWaiting, JobQueued}, {JobWaiting, JobPaused}, {JobWaiting, JobError}, {JobWaiting, JobDeletedNew},
		{JobPaused, JobWaiting}, {JobPaused, JobQueued}, {JobPaused, JobDeleted},
		{JobQueued, JobRunning}, {JobQueued, JobPaused}, {JobQueued, JobError}, {JobQueued, JobDeleted},
		{JobRunning, JobOK}, {JobRunning, JobError}, {JobRunning, JobDeleted},
	}
	for _, e := range allowed {
		if !CanTransition(e.from, e.to) {
			t.Errorf("expected %s -> %s to be allowed", e.from, e.to)
		}
	}

	forbidden := []struct{ from, to JobState }{
		{JobOK, JobQueued}, {JobOK, JobError}, {JobError, JobQueued}, {JobError, JobRunning},
		{JobRunning, JobQueued}, {JobQueued, JobNew}, {JobDeleted, JobQueued}, {JobNew, JobRunning},
		{JobNew, JobOK}, {JobDeletedNew, JobNew},
	}
	for _, e := range forbidden {
		if CanTransition(e.from, e.to) {
			t.Errorf("expected %s -> %s to be rejected", e.from, e.to)
		}
	}
}

func TestJobTransitionRecordsHistory(t *testing.T) {
	t.Parallel()
	j := &Job{ID: "j1", State: JobNew}

	for _, to := range []JobState{JobQueued, JobRunning, JobOK} {
		if err := j.Transition(to, ""); err != nil {
			t.Fatalf("Transition(%s): %v", to, err)
		}
	}
	if len(j.History) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(j.History))
	}
	if j.History[2].From != JobRunning || j.History[2].To != JobOK {
		t.Errorf("unexpected last history entry: %+v", j.History[2])
	}
	if j.RunningAt.IsZero() {
		t.Error("expected RunningAt to be set")
	}

	err := j.Transition(JobQueued, "")
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict for ok -> queued, got %v", err)
	}
	if j.State != JobOK {
		t.Errorf("state changed on rejected transition: %s", j.State)
	}
}

func TestJobResubmit(t *testing.T) {
	t.Parallel()
	code := 1
	j := &Job{ID: "j1", State: JobError, ExternalID: "pid-1", ExitCode: &code, Stderr: "boom"}

	if err := j.Resubmit(3); err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	if j.State != JobQueued || j.Attempt != 1 {
		t.Errorf("expected queued attempt 1, got %s attempt %d", j.State, j.Attempt)
	}
	if j.ExternalID != "" || j.ExitCode != nil || j.Stderr != "" {
		t.Error("expected backend handle and result to be cleared")
	}
	last := j.History[len(j.History)-1]
	if last.Reason != "resubmit" || last.From != JobError || last.To != JobQueued {
		t.Errorf("unexpected history entry: %+v", last)
	}

	j.State = JobError
	if err := j.Resubmit(3); err != nil {
		t.Fatalf("second Resubmit: %v", err)
	}
	j.State = JobError
	if err := j.Resubmit(3); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected attempt budget to be exhausted, got %v", err)
	}
}

func TestJobResubmitRequiresError(t *testing.T) {
	t.Parallel()
	j := &Job{ID: "j1", State: JobOK}
	if err := j.Resubmit(5); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected conflict resubmitting an ok job, got %v", err)
	}
}

func TestJobCloneIsDeep(t *testing.T) {
	t.Parallel()
	code := 0
	j := &Job{
		ID:          "j1",
		Params:      []ParamBinding{{Name: "x", Kind: ParamScalar, Value: "1"}},
		Destination: JobDestination{ID: "d", Params: map[string]string{"queue": "short"}},
		Ports:       map[string]Port{"http": {Host: "h", Port: 80}},
		ExitCode:    &code,
	}
	c := j.Clone()
	c.Params[0].Value = "2"
	c.Destination.Params["queue"] = "long"
	c.Ports["http"] = Port{Host: "other"}
	*c.ExitCode = 9

	if j.Params[0].Value != "1" || j.Destination.Params["queue"] != "short" || j.Ports["http"].Host != "h" || *j.ExitCode != 0 {
		t.Error("mutating the clone changed the original")
	}
}

func TestDatasetTerminalIsImmutable(t *testing.T) {
	t.Parallel()
	d := &Dataset{ID: "d1", State: DatasetNew}
	for _, s := range []DatasetState{DatasetQueued, DatasetRunning, DatasetOK} {
		if err := d.SetState(s); err != nil {
			t.Fatalf("SetState(%s): %v", s, err)
		}
	}
	if err := d.SetState(DatasetError); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
	if err := d.SetState(DatasetOK); err != nil {
		t.Errorf("expected same-state update to be a no-op, got %v", err)
	}
}

func TestCollectionMarkPopulatedOnce(t *testing.T) {
	t.Parallel()
	c := &DatasetCollection{ID: "c1", PopulatedState: PopulatedNew}

	if err := c.MarkPopulated(PopulatedFailed, "1 of 3 elements failed at indices [2]", []int{2}); err != nil {
		t.Fatalf("MarkPopulated: %v", err)
	}
	if err := c.MarkPopulated(PopulatedOK, "", nil); !errors.Is(err, ErrAlreadyPopulated) {
		t.Errorf("expected ErrAlreadyPopulated, got %v", err)
	}
	if c.PopulatedState != PopulatedFailed || len(c.FailedElements) != 1 || c.FailedElements[0] != 2 {
		t.Errorf("unexpected collection state: %+v", c)
	}
}

func TestInvocationScheduledRequiresDispatchedSteps(t *testing.T) {
	t.Parallel()
	inv := &WorkflowInvocation{
		ID:    "inv",
		State: InvocationReady,
		Steps: []InvocationStep{{Index: 0, State: StepOK}, {Index: 1, State: StepNew}},
	}
	if err := inv.SetState(InvocationScheduled, ""); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	inv.Steps[1].State = StepScheduled
	if err := inv.SetState(InvocationScheduled, ""); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if inv.Finished() {
		t.Error("invocation with a scheduled step should not be finished")
	}
	inv.Steps[1].State = StepFailed
	if !inv.Finished() {
		t.Error("expected invocation to be finished")
	}
}

func TestFailedInvocationCanBeCancelled(t *testing.T) {
	t.Parallel()
	inv := &WorkflowInvocation{ID: "inv", State: InvocationFailed}
	if err := inv.SetState(InvocationCancelled, "cancelled"); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := inv.SetState(InvocationReady, ""); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("cancelled -> ready: expected conflict, got %v", err)
	}
}

func TestDestinationParams(t *testing.T) {
	t.Parallel()
	d := JobDestination{Params: map[string]string{"memory": "2048", "walltime": "90s", "queue": ""}}
	if got := d.IntParam("memory", 0); got != 2048 {
		t.Errorf("IntParam = %d", got)
	}
	if got := d.Param("queue", "default"); got != "default" {
		t.Errorf("Param = %q", got)
	}
	if got := d.Walltime(0).Seconds(); got != 90 {
		t.Errorf("Walltime = %v", got)
	}
}
