package drm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"jobengine/internal/apperrors"
	"jobengine/internal/model"
	"jobengine/internal/runner"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// fakeDRM stands in for the helper program. Submitted scripts run to
// completion inside submit so status is deterministic.
type fakeDRM struct {
	mu        sync.Mutex
	next      int
	jobs      map[string]string // backend id -> state
	exitCodes map[string]int
	submitted []JobDescription
	submitRC  int
	runScript bool
}

func newFakeDRM() *fakeDRM {
	return &fakeDRM{next: 100, jobs: map[string]string{}, exitCodes: map[string]int{}, runScript: true}
}

func (f *fakeDRM) command(t *testing.T) func(context.Context, string, ...string) *exec.Cmd {
	return func(ctx context.Context, _ string, args ...string) *exec.Cmd {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch args[0] {
		case "submit":
			if f.submitRC != 0 {
				return exec.CommandContext(ctx, "sh", "-c", fmt.Sprintf("echo >&2 'queue is full'; exit %d", f.submitRC))
			}
			raw, err := os.ReadFile(args[1])
			if err != nil {
				t.Errorf("read description: %v", err)
				return exec.CommandContext(ctx, "false")
			}
			var desc JobDescription
			_ = json.Unmarshal(raw, &desc)
			f.submitted = append(f.submitted, desc)
			id := fmt.Sprint(f.next)
			f.next++
			f.jobs[id] = "queued"
			if f.runScript {
				if err := exec.Command("/bin/sh", desc.Script).Run(); err != nil {
					t.Errorf("run script: %v", err)
				}
				f.jobs[id] = "done"
			}
			return exec.CommandContext(ctx, "echo", "Submitted batch job\n"+id)
		case "status":
			state, ok := f.jobs[args[1]]
			if !ok {
				state = "unknown"
			}
			st := status{State: state}
			if code, ok := f.exitCodes[args[1]]; ok {
				st.ExitCode = &code
			}
			raw, _ := json.Marshal(st)
			return exec.CommandContext(ctx, "printf", "%s", string(raw))
		case "kill":
			state, ok := f.jobs[args[1]]
			switch {
			case !ok:
				return exec.CommandContext(ctx, "sh", "-c", "echo >&2 'unknown job'; exit 1")
			case state == "done":
				return exec.CommandContext(ctx, "sh", "-c", "echo 'job has already finished'; exit 1")
			}
			f.jobs[args[1]] = "cancelled"
			return exec.CommandContext(ctx, "true")
		}
		return exec.CommandContext(ctx, "sh", "-c", "echo >&2 unimplemented stub; false")
	}
}

func newTestRunner(t *testing.T, f *fakeDRM) *Runner {
	t.Helper()
	r, err := New(Config{Helper: "drm-helper", Queue: "short"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.helper.stubCommand = f.command(t)
	return r
}

func newJob(t *testing.T, command string) *model.Job {
	t.Helper()
	return &model.Job{
		ID:          "job-1",
		WorkingDir:  t.TempDir(),
		CommandLine: command,
		Destination: model.JobDestination{ID: "cluster", Runner: "drm", Params: map[string]string{"memory": "4G", "walltime": "1h30m"}},
	}
}

func TestDRMSubmitWritesDescription(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeDRM()
	r := newTestRunner(t, f)
	job := newJob(t, "echo computed")

	h, err := r.Submit(ctx, job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h.ExternalID != "100" {
		t.Errorf("ExternalID = %q", h.ExternalID)
	}
	desc := f.submitted[0]
	if desc.JobID != "job-1" || desc.Queue != "short" || desc.Memory != "4G" || desc.Walltime != "1h30m0s" {
		t.Errorf("description = %+v", desc)
	}
	if desc.WorkingDirectory != job.WorkingDir || desc.Script != filepath.Join(job.WorkingDir, runner.ScriptFile) {
		t.Errorf("paths = %+v", desc)
	}

	updates, err := r.CheckWatchedItems(ctx)
	if err != nil || len(updates) != 1 || updates[0].State != runner.StateDone {
		t.Fatalf("CheckWatchedItems = %+v, %v", updates, err)
	}
	res, err := r.FinishJob(ctx, job)
	if err != nil || res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "computed" {
		t.Errorf("FinishJob = %+v, %v", res, err)
	}
}

func TestDRMSubmitTwiceIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeDRM()
	r := newTestRunner(t, f)
	job := newJob(t, "true")

	first, _ := r.Submit(ctx, job)
	second, err := r.Submit(ctx, job)
	if err != nil || !second.Existing || second.ExternalID != first.ExternalID {
		t.Errorf("second Submit = %+v, %v", second, err)
	}
	if len(f.submitted) != 1 {
		t.Errorf("helper saw %d submissions", len(f.submitted))
	}
}

func TestDRMSubmitErrorClassification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tests := []struct {
		rc   int
		want error
	}{
		{exitTempFail, apperrors.ErrTransient},
		{1, apperrors.ErrSubmission},
	}
	for _, tc := range tests {
		f := newFakeDRM()
		f.submitRC = tc.rc
		r := newTestRunner(t, f)
		_, err := r.Submit(ctx, newJob(t, "true"))
		if !errors.Is(err, tc.want) {
			t.Errorf("rc %d: got %v, want %v", tc.rc, err, tc.want)
		}
		if !strings.Contains(err.Error(), "queue is full") {
			t.Errorf("stderr not reported: %v", err)
		}
		if r.watch.Len() != 0 {
			t.Error("failed submission left a reservation")
		}
	}
}

func TestDRMStopToleratesFinishedAndUnknown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeDRM()
	r := newTestRunner(t, f)

	job := newJob(t, "true")
	h, _ := r.Submit(ctx, job)
	job.ExternalID = h.ExternalID
	if err := r.Stop(ctx, job); err != nil {
		t.Errorf("Stop of finished job: %v", err)
	}
	if err := r.Stop(ctx, &model.Job{ID: "ghost", ExternalID: "999"}); err != nil {
		t.Errorf("Stop of unknown job: %v", err)
	}

	f.runScript = false
	queued := newJob(t, "true")
	queued.ID = "job-2"
	h, _ = r.Submit(ctx, queued)
	queued.ExternalID = h.ExternalID
	if err := r.Stop(ctx, queued); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if f.jobs[h.ExternalID] != "cancelled" {
		t.Errorf("backend state = %s", f.jobs[h.ExternalID])
	}
}

func TestDRMRecoverUsesHelperExitCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeDRM()
	f.jobs["555"] = "done"
	f.exitCodes["555"] = 2
	r := newTestRunner(t, f)

	job := &model.Job{ID: "job-9", ExternalID: "555", WorkingDir: t.TempDir()}
	if err := r.Recover(ctx, job); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	updates, _ := r.CheckWatchedItems(ctx)
	if len(updates) != 1 || updates[0].State != runner.StateDone {
		t.Fatalf("updates = %+v", updates)
	}
	res, err := r.FinishJob(ctx, job)
	if err != nil || res.ExitCode != 2 {
		t.Errorf("FinishJob = %+v, %v", res, err)
	}
}

func TestMapState(t *testing.T) {
	t.Parallel()
	tests := map[string]runner.State{
		"pending":   runner.StateQueued,
		"running":   runner.StateRunning,
		"completed": runner.StateDone,
		"cancelled": runner.StateFailed,
		"unknown":   runner.StateLost,
	}
	for in, want := range tests {
		if got := mapState(in); got != want {
			t.Errorf("mapState(%q) = %s, want %s", in, got, want)
		}
	}
}
