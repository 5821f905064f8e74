package queue

import (
	"context"
	"errors"
	"jobengine/internal/apperrors"
	"jobengine/internal/job"
	"jobengine/internal/model"
	"jobengine/internal/objectstore"
	"jobengine/internal/runner"
	"jobengine/internal/runner/runnertest"
	"jobengine/internal/store"
	"jobengine/internal/testutil"
	"jobengine/internal/tool"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// flakyObjects is an object store whose health can be switched off.
type flakyObjects struct {
	objectstore.ObjectStore
	down atomic.Bool
	// pushing, when set, runs before every output push.
	pushing func(ref string)
}

func (f *flakyObjects) UpdateFromFile(ctx context.Context, ref, path string) error {
	if f.pushing != nil {
		f.pushing(ref)
	}
	return f.ObjectStore.UpdateFromFile(ctx, ref, path)
}

func (f *flakyObjects) Ready(ctx context.Context) error {
	if f.down.Load() {
		return errors.New("object store unreachable")
	}
	return f.ObjectStore.Ready(ctx)
}

type fixture struct {
	q       *Queue
	m       *job.Manager
	st      *store.Memory
	fake    *runnertest.Fake
	objects *flakyObjects
}

type options struct {
	dest   model.JobDestination
	cfg    Config
	policy job.RetryPolicy
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	st, err := store.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	disk, err := objectstore.NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	objects := &flakyObjects{ObjectStore: disk}
	tools, err := tool.LoadRegistry([]tool.Definition{
		{ID: "echo", Command: `echo {{quote .inputs.msg}}`},
		{ID: "touch", Command: `touch {{.outputs.out}}`, Outputs: []tool.OutputDefinition{{Name: "out"}}},
	})
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if opts.dest.ID == "" {
		opts.dest = model.JobDestination{ID: "cluster", Runner: "fake"}
	}
	dests, err := job.NewDestinations([]model.JobDestination{opts.dest}, nil, "")
	if err != nil {
		t.Fatalf("NewDestinations: %v", err)
	}
	if opts.policy.MaxAttempts == 0 {
		opts.policy.MaxAttempts = 1
	}
	opts.policy.Backoff.Initial = time.Millisecond
	m, err := job.NewManager(st, objects, tools, dests, job.Config{WorkingDirRoot: t.TempDir(), Retry: opts.policy}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	fake := runnertest.New("fake")
	runners, err := runner.NewRegistry(fake)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	q := New(m, runners, objects, opts.cfg, nil)
	return &fixture{q: q, m: m, st: st, fake: fake, objects: objects}
}

// submit creates and starts an echo job.
func (f *fixture) submit(t *testing.T, id, user string) {
	t.Helper()
	f.start(t, job.Spec{ID: id, ToolID: "echo", UserID: user,
		Params: []model.ParamBinding{{Name: "msg", Kind: model.ParamScalar, Value: "hi " + id}}})
}

func (f *fixture) start(t *testing.T, spec job.Spec) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.m.Create(ctx, spec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.m.Start(ctx, spec.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (f *fixture) job(t *testing.T, id string) *model.Job {
	t.Helper()
	j, err := f.st.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return j
}

func (f *fixture) count(t *testing.T, state model.JobState) int {
	t.Helper()
	jobs, err := f.st.ListJobs(context.Background(), store.JobFilter{States: []model.JobState{state}})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	return len(jobs)
}

func TestAdmissionRespectsMaxConcurrency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{dest: model.JobDestination{ID: "cluster", Runner: "fake", MaxConcurrency: 2}})
	ids := []string{"j0", "j1", "j2", "j3", "j4"}
	for _, id := range ids {
		f.submit(t, id, "")
	}

	f.q.Tick(ctx)
	if got := f.count(t, model.JobRunning); got != 2 {
		t.Fatalf("running = %d, want 2", got)
	}
	if got := f.count(t, model.JobQueued); got != 3 {
		t.Fatalf("queued = %d, want 3", got)
	}
	if !slices.Equal(f.q.Pending(), []string{"j2", "j3", "j4"}) {
		t.Errorf("pending = %v, FIFO order lost", f.q.Pending())
	}

	for done := 0; done < len(ids); {
		running := f.fake.Running()
		if len(running) > 2 {
			t.Fatalf("%d jobs running, limit is 2", len(running))
		}
		f.fake.Complete(running[0], 0, "")
		f.q.Tick(ctx)
		f.q.Tick(ctx)
		done = f.count(t, model.JobOK)
	}
	if f.fake.Submissions.Load() != 5 {
		t.Errorf("submissions = %d, want 5", f.fake.Submissions.Load())
	}
}

func TestAdmissionRespectsMaxPerUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t, options{cfg: Config{MaxPerUser: 1}})
	f.submit(t, "a1", "alice")
	f.submit(t, "a2", "alice")
	f.submit(t, "b1", "bob")

	f.q.Tick(context.Background())
	if s := f.job(t, "a1").State; s != model.JobRunning {
		t.Errorf("a1 = %s, want running", s)
	}
	if s := f.job(t, "a2").State; s != model.JobQueued {
		t.Errorf("a2 = %s, want queued behind alice's first job", s)
	}
	if s := f.job(t, "b1").State; s != model.JobRunning {
		t.Errorf("b1 = %s, want running", s)
	}
}

func TestSubmitTwiceIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{})
	f.submit(t, "j0", "")
	if err := f.q.Put(ctx, "j0"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !slices.Equal(f.q.Pending(), []string{"j0"}) {
		t.Fatalf("pending = %v, want j0 once", f.q.Pending())
	}

	j := f.job(t, "j0")
	first, err := f.fake.Submit(ctx, j)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := f.fake.Submit(ctx, j)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !second.Existing || second.ExternalID != first.ExternalID {
		t.Errorf("second submit = %+v, want existing %s", second, first.ExternalID)
	}

	f.q.Tick(ctx)
	if f.fake.Submissions.Load() != 1 {
		t.Errorf("backend executions = %d, want 1", f.fake.Submissions.Load())
	}
	if got := f.job(t, "j0"); got.State != model.JobRunning || got.ExternalID != first.ExternalID {
		t.Errorf("job = %s %s", got.State, got.ExternalID)
	}
}

func TestTransientSubmitFailureKeepsJobQueued(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{cfg: Config{MaxSubmitAttempts: 2}})
	f.fake.FailSubmit(func(*model.Job) error {
		return apperrors.Transient("fake.submit", errors.New("connection reset"))
	})
	f.submit(t, "j0", "")

	f.q.Tick(ctx)
	if s := f.job(t, "j0").State; s != model.JobQueued {
		t.Fatalf("after first failure = %s, want queued", s)
	}
	if !slices.Equal(f.q.Pending(), []string{"j0"}) {
		t.Errorf("pending = %v", f.q.Pending())
	}

	f.q.Tick(ctx)
	j := f.job(t, "j0")
	if j.State != model.JobError || j.ErrorKind != apperrors.KindTransient {
		t.Errorf("after exhausting attempts = %s kind %q", j.State, j.ErrorKind)
	}
}

func TestSubmissionErrorFailsJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, options{policy: job.RetryPolicy{MaxAttempts: 3}})
	f.fake.FailSubmit(func(*model.Job) error { return errors.New("quota exceeded") })
	f.submit(t, "j0", "")

	f.q.Tick(context.Background())
	j := f.job(t, "j0")
	if j.State != model.JobError || j.ErrorKind != apperrors.KindSubmission {
		t.Fatalf("job = %s kind %q", j.State, j.ErrorKind)
	}
	if !strings.Contains(j.Info, "quota exceeded") || j.Attempt != 0 {
		t.Errorf("info %q attempt %d", j.Info, j.Attempt)
	}
}

func TestLostJobIsResubmitted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{policy: job.RetryPolicy{MaxAttempts: 2}})
	f.submit(t, "j0", "")
	f.q.Tick(ctx)
	first := f.job(t, "j0").ExternalID

	f.fake.Lose("j0")
	f.q.Tick(ctx)
	j := f.job(t, "j0")
	if j.State != model.JobQueued || j.Attempt != 1 {
		t.Fatalf("after loss = %s attempt %d, want queued attempt 1", j.State, j.Attempt)
	}

	f.q.Tick(ctx)
	j = f.job(t, "j0")
	if j.State != model.JobRunning || j.ExternalID == first {
		t.Fatalf("resubmitted job = %s %s", j.State, j.ExternalID)
	}
	f.fake.Complete("j0", 0, "second time lucky")
	f.q.Tick(ctx)
	if j := f.job(t, "j0"); j.State != model.JobOK || j.Stdout != "second time lucky" {
		t.Errorf("job = %s stdout %q", j.State, j.Stdout)
	}
}

func TestBackendFailureFailsJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{})
	f.submit(t, "j0", "")
	f.q.Tick(ctx)

	f.fake.Crash("j0", "OOM killed")
	f.q.Tick(ctx)
	j := f.job(t, "j0")
	if j.State != model.JobError || j.ErrorKind != apperrors.KindSubmission || !strings.Contains(j.Info, "OOM killed") {
		t.Errorf("job = %s kind %q info %q", j.State, j.ErrorKind, j.Info)
	}
	if len(f.fake.Running()) != 0 {
		t.Errorf("backend still watches %v", f.fake.Running())
	}
}

func TestNonZeroExitIsToolError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{policy: job.RetryPolicy{MaxAttempts: 3}})
	f.submit(t, "j0", "")
	f.q.Tick(ctx)
	f.fake.Complete("j0", 1, "")
	f.q.Tick(ctx)

	j := f.job(t, "j0")
	if j.State != model.JobError || j.ErrorKind != apperrors.KindTool || j.Attempt != 0 {
		t.Errorf("job = %s kind %q attempt %d", j.State, j.ErrorKind, j.Attempt)
	}
}

func TestUnreadableResultIsToolError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{policy: job.RetryPolicy{MaxAttempts: 3}})
	f.submit(t, "j0", "")
	f.q.Tick(ctx)
	f.fake.CompleteUnreadable("j0", apperrors.Tool("malformed exit code"))
	f.q.Tick(ctx)
	f.q.Tick(ctx)

	j := f.job(t, "j0")
	if j.State != model.JobError || j.ErrorKind != apperrors.KindTool || j.Attempt != 0 {
		t.Errorf("job = %s kind %q attempt %d", j.State, j.ErrorKind, j.Attempt)
	}
	if f.fake.Submissions.Load() != 1 {
		t.Errorf("submissions = %d, tool errors are never retried", f.fake.Submissions.Load())
	}
}

func TestUnclassifiedFinishErrorIsRetried(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{policy: job.RetryPolicy{MaxAttempts: 2}})
	f.submit(t, "j0", "")
	f.q.Tick(ctx)
	f.fake.CompleteUnreadable("j0", errors.New("read stdout: input/output error"))
	f.q.Tick(ctx)

	j := f.job(t, "j0")
	if j.State != model.JobQueued || j.Attempt != 1 || j.ErrorKind != apperrors.KindTransient {
		t.Fatalf("job = %s attempt %d kind %q, want queued attempt 1", j.State, j.Attempt, j.ErrorKind)
	}
	f.q.Tick(ctx)
	if s := f.job(t, "j0").State; s != model.JobRunning {
		t.Errorf("resubmitted job = %s, want running", s)
	}
}

func TestSlotHeldWhileOutputsArePushed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{dest: model.JobDestination{ID: "cluster", Runner: "fake", MaxConcurrency: 2}})
	for _, id := range []string{"j0", "j1", "j2"} {
		f.start(t, job.Spec{ID: id, ToolID: "touch"})
	}
	f.q.Tick(ctx)
	if got := f.count(t, model.JobRunning); got != 2 {
		t.Fatalf("running = %d, want 2", got)
	}

	j0 := f.job(t, "j0")
	if err := os.WriteFile(filepath.Join(j0.WorkingDir, job.OutputsDir, "out"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	pushing, resume := make(chan struct{}), make(chan struct{})
	var once sync.Once
	f.objects.pushing = func(string) {
		once.Do(func() {
			close(pushing)
			<-resume
		})
	}
	f.fake.Complete("j0", 0, "")
	finalized := make(chan struct{})
	go func() {
		defer close(finalized)
		f.q.monitorPass(ctx, f.fake)
	}()

	<-pushing
	f.q.dispatchPass(ctx)
	if got := f.count(t, model.JobRunning); got != 2 {
		t.Errorf("running while j0 finalizes = %d, limit is 2", got)
	}
	if s := f.job(t, "j2").State; s != model.JobQueued {
		t.Errorf("j2 = %s, admitted before j0 released its slot", s)
	}

	close(resume)
	<-finalized
	f.q.dispatchPass(ctx)
	if s := f.job(t, "j0").State; s != model.JobOK {
		t.Errorf("j0 = %s, want ok", s)
	}
	if s := f.job(t, "j2").State; s != model.JobRunning {
		t.Errorf("j2 = %s, want running", s)
	}
}

func TestWalltimeExceeded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{dest: model.JobDestination{ID: "cluster", Runner: "fake", Params: map[string]string{"walltime": "1h"}}})
	f.submit(t, "j0", "")
	f.q.Tick(ctx)
	if s := f.job(t, "j0").State; s != model.JobRunning {
		t.Fatalf("job = %s, want running", s)
	}

	f.q.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	f.q.Tick(ctx)
	j := f.job(t, "j0")
	if j.State != model.JobError || j.ErrorKind != apperrors.KindTool || !strings.Contains(j.Info, "walltime") {
		t.Errorf("job = %s kind %q info %q", j.State, j.ErrorKind, j.Info)
	}
	if !slices.Contains(f.fake.Stopped(), "j0") {
		t.Error("expected the backend execution to be stopped")
	}
}

func TestCancelFreesSlot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{dest: model.JobDestination{ID: "cluster", Runner: "fake", MaxConcurrency: 1}})
	f.submit(t, "j0", "")
	f.submit(t, "j1", "")
	f.q.Tick(ctx)

	if err := f.q.Cancel(ctx, "j0"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if s := f.job(t, "j0").State; s != model.JobDeleted {
		t.Errorf("j0 = %s, want deleted", s)
	}
	if !slices.Contains(f.fake.Stopped(), "j0") {
		t.Error("expected Stop for the cancelled job")
	}
	f.q.Tick(ctx)
	if s := f.job(t, "j1").State; s != model.JobRunning {
		t.Errorf("j1 = %s, want running after the slot freed", s)
	}
	if err := f.q.Cancel(ctx, "j0"); err != nil {
		t.Errorf("cancelling a terminal job: %v", err)
	}
}

func TestStorageOutageHaltsAdmission(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{})
	f.objects.down.Store(true)
	f.q.Tick(ctx)
	if err := f.q.Halted(); !errors.Is(err, apperrors.ErrFatal) {
		t.Fatalf("Halted() = %v, want fatal", err)
	}

	if _, err := f.m.Create(ctx, job.Spec{ID: "j0", ToolID: "echo",
		Params: []model.ParamBinding{{Name: "msg", Kind: model.ParamScalar, Value: "x"}}}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.m.Start(ctx, "j0"); !errors.Is(err, apperrors.ErrFatal) {
		t.Errorf("Start while halted = %v, want fatal", err)
	}
	f.q.Tick(ctx)
	if s := f.job(t, "j0").State; s != model.JobQueued {
		t.Fatalf("job admitted while halted: %s", s)
	}

	f.objects.down.Store(false)
	f.q.Tick(ctx)
	if f.q.Halted() != nil {
		t.Fatal("admission still halted")
	}
	if s := f.job(t, "j0").State; s != model.JobRunning {
		t.Errorf("job = %s after recovery, want running", s)
	}
}

func TestRecoverReattachesWithoutResubmitting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{})
	f.submit(t, "j0", "")
	f.q.Tick(ctx)
	f.submit(t, "j1", "")
	external := f.job(t, "j0").ExternalID

	// a new process: fresh runner and queue over the same store
	restarted := runnertest.New("fake")
	runners, _ := runner.NewRegistry(restarted)
	q := New(f.m, runners, f.objects, Config{}, nil)
	if err := q.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !slices.Equal(restarted.Recovered(), []string{"j0"}) {
		t.Errorf("recovered = %v", restarted.Recovered())
	}
	if !slices.Equal(q.Pending(), []string{"j1"}) {
		t.Errorf("pending = %v", q.Pending())
	}

	restarted.Complete("j0", 0, "")
	q.Tick(ctx)
	if restarted.Submissions.Load() != 1 {
		t.Errorf("submissions = %d, want only j1", restarted.Submissions.Load())
	}
	if j := f.job(t, "j0"); j.State != model.JobOK || j.ExternalID != external {
		t.Errorf("j0 = %s %s", j.State, j.ExternalID)
	}
	if s := f.job(t, "j1").State; s != model.JobRunning {
		t.Errorf("j1 = %s, want running", s)
	}
}

func TestShutdownCancelsOutstandingJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{cfg: Config{CancelOnShutdown: true}})
	f.submit(t, "j0", "")
	f.q.Tick(ctx)
	f.submit(t, "j1", "")

	if err := f.q.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s := f.job(t, "j0").State; s != model.JobDeleted {
		t.Errorf("running job = %s, want deleted", s)
	}
	if s := f.job(t, "j1").State; s != model.JobDeleted {
		t.Errorf("queued job = %s, want deleted", s)
	}
}

func TestLoopsRunJobsToCompletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{cfg: Config{DispatchInterval: 10 * time.Millisecond, MonitorInterval: 10 * time.Millisecond}})
	f.q.Start(ctx)
	defer f.q.Shutdown(ctx)

	f.submit(t, "j0", "")
	testutil.MustWaitFor(t, func() bool {
		return len(f.fake.Running()) == 1
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))
	f.fake.Complete("j0", 0, "ok")
	testutil.MustWaitFor(t, func() bool {
		j, _ := f.st.GetJob(ctx, "j0")
		return j.State == model.JobOK
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))
}
