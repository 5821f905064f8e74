package local

import (
	"context"
	"errors"
	"jobengine/internal/apperrors"
	"jobengine/internal/model"
	"jobengine/internal/runner"
	"jobengine/internal/testutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newJob(t *testing.T, id, command string) *model.Job {
	t.Helper()
	return &model.Job{ID: id, WorkingDir: t.TempDir(), CommandLine: command}
}

func waitForState(t *testing.T, r *Runner, jobID string, want runner.State) {
	t.Helper()
	testutil.MustWaitFor(t, func() bool {
		updates, err := r.CheckWatchedItems(context.Background())
		if err != nil {
			return false
		}
		for _, u := range updates {
			if u.JobID == jobID && u.State == want {
				return true
			}
		}
		return false
	}, testutil.WithTimeout(10*time.Second), testutil.WithInterval(20*time.Millisecond))
}

func TestLocalRunsJobToCompletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	job := newJob(t, "job-1", "echo hello; echo oops >&2")

	h, err := r.Submit(ctx, job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h.ExternalID == "" || h.Existing {
		t.Errorf("handle = %+v", h)
	}
	waitForState(t, r, job.ID, runner.StateDone)

	res, err := r.FinishJob(ctx, job)
	if err != nil {
		t.Fatalf("FinishJob: %v", err)
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "hello" || strings.TrimSpace(res.Stderr) != "oops" {
		t.Errorf("result = %+v", res)
	}
	updates, _ := r.CheckWatchedItems(ctx)
	if len(updates) != 0 {
		t.Errorf("finished job still watched: %+v", updates)
	}
}

func TestLocalSubmitTwiceStartsOneProcess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := New(Config{})
	job := newJob(t, "job-1", "echo run >> runs.txt; sleep 0.2")

	first, err := r.Submit(ctx, job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := r.Submit(ctx, job)
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if !second.Existing || second.ExternalID != first.ExternalID {
		t.Errorf("second handle = %+v, first = %+v", second, first)
	}
	waitForState(t, r, job.ID, runner.StateDone)
	runs, _ := os.ReadFile(filepath.Join(job.WorkingDir, "runs.txt"))
	if n := strings.Count(string(runs), "run"); n != 1 {
		t.Errorf("command ran %d times", n)
	}
}

func TestLocalStopIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := New(Config{KillGrace: time.Second})
	job := newJob(t, "job-1", "sleep 60")

	h, err := r.Submit(ctx, job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job.ExternalID = h.ExternalID
	if err := r.Stop(ctx, job); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := r.Stop(ctx, job); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if err := r.Stop(ctx, &model.Job{ID: "unknown"}); err != nil {
		t.Errorf("Stop of unknown job: %v", err)
	}
	if updates, _ := r.CheckWatchedItems(ctx); len(updates) != 0 {
		t.Errorf("stopped job still watched: %+v", updates)
	}
}

func TestLocalRecoverReattaches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	first, _ := New(Config{})
	job := newJob(t, "job-1", "sleep 0.3; exit 4")
	h, err := first.Submit(ctx, job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job.ExternalID = h.ExternalID

	restarted, _ := New(Config{})
	if err := restarted.Recover(ctx, job); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	waitForState(t, restarted, job.ID, runner.StateDone)
	res, err := restarted.FinishJob(ctx, job)
	if err != nil || res.ExitCode != 4 {
		t.Errorf("FinishJob = %+v, %v", res, err)
	}
}

func TestLocalInterpreterFromDestination(t *testing.T) {
	t.Parallel()
	r, _ := New(Config{})
	args, err := r.interpreter(model.JobDestination{Params: map[string]string{"interpreter": `env FOO="a b" /bin/sh`}})
	if err != nil {
		t.Fatalf("interpreter: %v", err)
	}
	if len(args) != 3 || args[1] != "FOO=a b" {
		t.Errorf("args = %q", args)
	}
	if _, err := r.interpreter(model.JobDestination{Params: map[string]string{"interpreter": `"unterminated`}}); !errors.Is(err, apperrors.ErrSubmission) {
		t.Errorf("expected submission error, got %v", err)
	}
}
