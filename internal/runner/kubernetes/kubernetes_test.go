package kubernetes

import (
	"context"
	"errors"
	"jobengine/internal/apperrors"
	"jobengine/internal/model"
	"jobengine/internal/runner"
	"os"
	"path/filepath"
	"strings"
	"testing"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func newTestRunner(t *testing.T) (*Runner, *fake.Clientset, string) {
	t.Helper()
	root := t.TempDir()
	client := fake.NewSimpleClientset()
	r, err := NewWithClient(Config{Namespace: "jobs", HostPath: root, TTLSecondsAfterFinished: 0}, client)
	if err != nil {
		t.Fatalf("NewWithClient: %v", err)
	}
	return r, client, root
}

func newJob(t *testing.T, root string) *model.Job {
	t.Helper()
	dir := filepath.Join(root, "abc", "abc123")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	return &model.Job{
		ID:          "ABC123_x",
		Attempt:     1,
		WorkingDir:  dir,
		CommandLine: "echo hi",
		Destination: model.JobDestination{ID: "k8s", Runner: "kubernetes", Params: map[string]string{
			"cpus": "500m", "memory": "256", "walltime": "10m", "image": "python:3.12",
		}},
	}
}

func setStatus(t *testing.T, client *fake.Clientset, name string, status batchv1.JobStatus) {
	t.Helper()
	ctx := context.Background()
	j, err := client.BatchV1().Jobs("jobs").Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	j.Status = status
	if _, err := client.BatchV1().Jobs("jobs").UpdateStatus(ctx, j, metav1.UpdateOptions{}); err != nil {
		t.Fatalf("update status: %v", err)
	}
}

func TestKubernetesSubmitBuildsJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, client, root := newTestRunner(t)
	job := newJob(t, root)

	h, err := r.Submit(ctx, job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h.ExternalID != "jobengine-abc123-x-1" {
		t.Errorf("ExternalID = %q", h.ExternalID)
	}
	j, err := client.BatchV1().Jobs("jobs").Get(ctx, h.ExternalID, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	c := j.Spec.Template.Spec.Containers[0]
	if c.Image != "python:3.12" || c.Command[1] != filepath.Join(job.WorkingDir, runner.ScriptFile) {
		t.Errorf("container = %+v", c)
	}
	if c.Resources.Limits.Cpu().MilliValue() != 500 || c.Resources.Limits.Memory().Value() != 256*1024*1024 {
		t.Errorf("resources = %+v", c.Resources)
	}
	if *j.Spec.ActiveDeadlineSeconds != 600 || *j.Spec.BackoffLimit != 0 {
		t.Errorf("spec = %+v", j.Spec)
	}
	if j.Spec.Template.Spec.Volumes[0].HostPath.Path != root || c.VolumeMounts[0].MountPath != root {
		t.Errorf("volume = %+v mount = %+v", j.Spec.Template.Spec.Volumes, c.VolumeMounts)
	}
	if j.Spec.Template.Spec.RestartPolicy != corev1.RestartPolicyNever {
		t.Errorf("restart policy = %s", j.Spec.Template.Spec.RestartPolicy)
	}
}

func TestKubernetesSubmitAdoptsExistingJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, client, root := newTestRunner(t)
	job := newJob(t, root)
	if _, err := r.Submit(ctx, job); err != nil {
		t.Fatal(err)
	}

	// A fresh runner submitting the same attempt finds the Job already there.
	again, _ := NewWithClient(r.cfg, client)
	h, err := again.Submit(ctx, job)
	if err != nil || h.ExternalID != jobName(job) {
		t.Errorf("Submit = %+v, %v", h, err)
	}
	list, _ := client.BatchV1().Jobs("jobs").List(ctx, metav1.ListOptions{})
	if len(list.Items) != 1 {
		t.Errorf("%d jobs in cluster", len(list.Items))
	}
}

func TestKubernetesStatusAndFinish(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, client, root := newTestRunner(t)
	job := newJob(t, root)
	h, _ := r.Submit(ctx, job)

	updates, _ := r.CheckWatchedItems(ctx)
	if updates[0].State != runner.StateQueued {
		t.Errorf("state = %s", updates[0].State)
	}
	setStatus(t, client, h.ExternalID, batchv1.JobStatus{Active: 1})
	updates, _ = r.CheckWatchedItems(ctx)
	if updates[0].State != runner.StateRunning {
		t.Errorf("state = %s", updates[0].State)
	}

	// Simulate the pod running the script on the shared volume.
	if err := writeResult(job.WorkingDir); err != nil {
		t.Fatal(err)
	}
	setStatus(t, client, h.ExternalID, batchv1.JobStatus{
		Succeeded:  1,
		Conditions: []batchv1.JobCondition{{Type: batchv1.JobComplete, Status: corev1.ConditionTrue}},
	})
	updates, _ = r.CheckWatchedItems(ctx)
	if updates[0].State != runner.StateDone {
		t.Fatalf("state = %s", updates[0].State)
	}
	res, err := r.FinishJob(ctx, job)
	if err != nil || strings.TrimSpace(res.Stdout) != "hi" {
		t.Errorf("FinishJob = %+v, %v", res, err)
	}
	if _, err := client.BatchV1().Jobs("jobs").Get(ctx, h.ExternalID, metav1.GetOptions{}); err == nil {
		t.Error("finished job not deleted")
	}
}

func writeResult(dir string) error {
	for name, content := range map[string]string{
		runner.StdoutFile:   "hi\n",
		runner.StderrFile:   "",
		runner.ExitCodeFile: "0\n",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func TestJobState(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status batchv1.JobStatus
		want   runner.State
	}{
		{"pending", batchv1.JobStatus{}, runner.StateQueued},
		{"active", batchv1.JobStatus{Active: 1}, runner.StateRunning},
		{"deadline", batchv1.JobStatus{Conditions: []batchv1.JobCondition{{
			Type: batchv1.JobFailed, Status: corev1.ConditionTrue, Reason: "DeadlineExceeded",
		}}}, runner.StateFailed},
		{"failed counter", batchv1.JobStatus{Failed: 1}, runner.StateFailed},
		{"succeeded counter", batchv1.JobStatus{Succeeded: 1}, runner.StateDone},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := jobState(&batchv1.Job{Status: tc.status})
			if got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestKubernetesStopRecoverAndLost(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, client, root := newTestRunner(t)
	job := newJob(t, root)
	h, _ := r.Submit(ctx, job)

	restarted, _ := NewWithClient(r.cfg, client)
	if err := restarted.Recover(ctx, job); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if e, ok := restarted.watch.Get(job.ID); !ok || e.ExternalID != h.ExternalID {
		t.Errorf("recovered entry = %+v", e)
	}

	_ = client.BatchV1().Jobs("jobs").Delete(ctx, h.ExternalID, metav1.DeleteOptions{})
	updates, _ := restarted.CheckWatchedItems(ctx)
	if len(updates) != 1 || updates[0].State != runner.StateLost {
		t.Errorf("updates = %+v", updates)
	}

	job.ExternalID = h.ExternalID
	if err := restarted.Stop(ctx, job); err != nil {
		t.Errorf("Stop of deleted job: %v", err)
	}
	if err := restarted.Recover(ctx, &model.Job{ID: "ghost"}); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Recover ghost = %v", err)
	}
}

func TestKubernetesConfigValidation(t *testing.T) {
	t.Parallel()
	client := fake.NewSimpleClientset()
	for _, cfg := range []Config{{}, {PVC: "data", HostPath: "/x"}, {PVC: "data"}} {
		if _, err := NewWithClient(cfg, client); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("%+v: expected validation error, got %v", cfg, err)
		}
	}
	if _, err := NewWithClient(Config{PVC: "data", MountPath: "/jobs"}, client); err != nil {
		t.Errorf("pvc config: %v", err)
	}
}

func TestJobNameIsDNSSafe(t *testing.T) {
	t.Parallel()
	long := &model.Job{ID: strings.Repeat("Ab_", 40), Attempt: 12}
	name := jobName(long)
	if len(name) > 63 || !strings.HasSuffix(name, "-12") || strings.ToLower(name) != name {
		t.Errorf("jobName = %q", name)
	}
}
