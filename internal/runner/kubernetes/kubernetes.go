// Package kubernetes runs jobs as batch/v1 Jobs. Working directories live on
// a volume shared between the engine and the cluster (a PVC or a hostPath),
// mounted in the pod at the same path as on the engine host.
package kubernetes

import (
	"context"
	"fmt"
	"jobengine/internal/apperrors"
	"jobengine/internal/model"
	"jobengine/internal/runner"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	labelJobID     = "jobengine.io/job-id"
	labelAttempt   = "jobengine.io/attempt"
	labelManagedBy = "app.kubernetes.io/managed-by"
	managedByValue = "jobengine"
)

// Config configures the Kubernetes runner.
type Config struct {
	Name       string `mapstructure:"name"`
	Namespace  string `mapstructure:"namespace"`
	InCluster  bool   `mapstructure:"in_cluster"`
	Kubeconfig string `mapstructure:"kubeconfig"`
	Image      string `mapstructure:"image"`
	// Exactly one of PVC and HostPath provides the shared volume.
	PVC            string `mapstructure:"pvc"`
	HostPath       string `mapstructure:"host_path"`
	MountPath      string `mapstructure:"mount_path"`
	ServiceAccount string `mapstructure:"service_account"`
	// TTLSecondsAfterFinished lets the cluster garbage collect finished Jobs.
	TTLSecondsAfterFinished int32 `mapstructure:"ttl_seconds_after_finished"`
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "kubernetes"
	}
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.Image == "" {
		c.Image = "busybox:latest"
	}
	if c.MountPath == "" {
		c.MountPath = c.HostPath
	}
	return c
}

func (c Config) validate() error {
	if c.PVC == "" && c.HostPath == "" {
		return apperrors.Validation("pvc", "one of pvc or host_path is required")
	}
	if c.PVC != "" && c.HostPath != "" {
		return apperrors.Validation("pvc", "pvc and host_path are mutually exclusive")
	}
	if c.MountPath == "" {
		return apperrors.Validation("mount_path", "mount_path is required with a pvc")
	}
	return nil
}

// Runner implements runner.Runner on a Kubernetes cluster.
type Runner struct {
	cfg    Config
	client kubernetes.Interface
	watch  *runner.WatchList
	logger *slog.Logger
}

// New builds a client from the in-cluster config or a kubeconfig.
func New(cfg Config) (*Runner, error) {
	restCfg, err := loadConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return NewWithClient(cfg, clientset)
}

// NewWithClient uses an existing client.
func NewWithClient(cfg Config, client kubernetes.Interface) (*Runner, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Runner{
		cfg:    cfg,
		client: client,
		watch:  runner.NewWatchList(),
		logger: slog.With("component", "runner.kubernetes", "runner", cfg.Name, "namespace", cfg.Namespace),
	}, nil
}

func loadConfig(cfg Config) (*rest.Config, error) {
	if cfg.InCluster {
		return rest.InClusterConfig()
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if cfg.Kubeconfig != "" {
		rules.ExplicitPath = cfg.Kubeconfig
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
}

func (r *Runner) Name() string { return r.cfg.Name }

var invalidName = regexp.MustCompile(`[^a-z0-9-]+`)

// jobName returns a DNS-1123 name for the job's attempt.
func jobName(job *model.Job) string {
	id := invalidName.ReplaceAllString(strings.ToLower(job.ID), "-")
	suffix := "-" + strconv.Itoa(job.Attempt)
	name := "jobengine-" + id
	if limit := 63 - len(suffix); len(name) > limit {
		name = name[:limit]
	}
	return strings.TrimRight(name, "-") + suffix
}

func (r *Runner) volume() corev1.Volume {
	v := corev1.Volume{Name: "jobs"}
	if r.cfg.PVC != "" {
		v.PersistentVolumeClaim = &corev1.PersistentVolumeClaimVolumeSource{ClaimName: r.cfg.PVC}
	} else {
		hostPathType := corev1.HostPathDirectory
		v.HostPath = &corev1.HostPathVolumeSource{Path: r.cfg.HostPath, Type: &hostPathType}
	}
	return v
}

func resources(d model.JobDestination) (corev1.ResourceRequirements, error) {
	req := corev1.ResourceRequirements{}
	list := corev1.ResourceList{}
	if cpus := d.Param("cpus", ""); cpus != "" {
		q, err := resource.ParseQuantity(cpus)
		if err != nil {
			return req, apperrors.Validation("cpus", fmt.Sprintf("bad quantity %q", cpus))
		}
		list[corev1.ResourceCPU] = q
	}
	if mem := d.IntParam("memory", 0); mem > 0 {
		list[corev1.ResourceMemory] = *resource.NewQuantity(int64(mem)*1024*1024, resource.BinarySI)
	}
	if len(list) > 0 {
		req.Requests = list
		req.Limits = list.DeepCopy()
	}
	return req, nil
}

// buildJob returns the batch/v1 Job running the job script.
func (r *Runner) buildJob(job *model.Job, script string) (*batchv1.Job, error) {
	res, err := resources(job.Destination)
	if err != nil {
		return nil, err
	}
	labels := map[string]string{
		labelJobID:     invalidName.ReplaceAllString(strings.ToLower(job.ID), "-"),
		labelAttempt:   strconv.Itoa(job.Attempt),
		labelManagedBy: managedByValue,
	}
	backoffLimit := int32(0)
	spec := batchv1.JobSpec{
		BackoffLimit: &backoffLimit,
		Template: corev1.PodTemplateSpec{
			ObjectMeta: metav1.ObjectMeta{Labels: labels},
			Spec: corev1.PodSpec{
				RestartPolicy:      corev1.RestartPolicyNever,
				ServiceAccountName: r.cfg.ServiceAccount,
				Containers: []corev1.Container{{
					Name:         "job",
					Image:        job.Destination.Param("image", r.cfg.Image),
					Command:      []string{"/bin/sh", script},
					WorkingDir:   job.WorkingDir,
					Env:          []corev1.EnvVar{{Name: "JOB_ID", Value: job.ID}},
					Resources:    res,
					VolumeMounts: []corev1.VolumeMount{{Name: "jobs", MountPath: r.cfg.MountPath}},
				}},
				Volumes: []corev1.Volume{r.volume()},
			},
		},
	}
	if wt := job.Destination.Walltime(0); wt > 0 {
		secs := int64(wt.Seconds())
		spec.ActiveDeadlineSeconds = &secs
	}
	if r.cfg.TTLSecondsAfterFinished > 0 {
		ttl := r.cfg.TTLSecondsAfterFinished
		spec.TTLSecondsAfterFinished = &ttl
	}
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        jobName(job),
			Namespace:   r.cfg.Namespace,
			Labels:      labels,
			Annotations: map[string]string{"jobengine.io/job-id": job.ID},
		},
		Spec: spec,
	}, nil
}

// Submit creates the Job. An AlreadyExists answer means a previous attempt
// to submit reached the API server, so the existing Job is adopted.
func (r *Runner) Submit(ctx context.Context, job *model.Job) (runner.Handle, error) {
	return r.watch.Submit(job.ID, func() (*runner.Entry, error) {
		if !strings.HasPrefix(job.WorkingDir, r.cfg.MountPath) {
			return nil, apperrors.Submission("kubernetes submit",
				fmt.Errorf("working directory %s is outside the shared volume %s", job.WorkingDir, r.cfg.MountPath))
		}
		script, err := runner.WriteJobScript(job)
		if err != nil {
			return nil, err
		}
		spec, err := r.buildJob(job, script)
		if err != nil {
			return nil, err
		}
		created, err := r.client.BatchV1().Jobs(r.cfg.Namespace).Create(ctx, spec, metav1.CreateOptions{})
		switch {
		case k8serrors.IsAlreadyExists(err):
			r.logger.Info("Job already exists, adopting", "jobId", job.ID, "name", spec.Name)
			return &runner.Entry{ExternalID: spec.Name, WorkingDir: job.WorkingDir}, nil
		case err != nil:
			return nil, classify("create job", err)
		}
		r.logger.Info("Job created", "jobId", job.ID, "name", created.Name)
		return &runner.Entry{ExternalID: created.Name, WorkingDir: job.WorkingDir}, nil
	})
}

// classify separates API-server hiccups from rejected submissions.
func classify(op string, err error) error {
	if k8serrors.IsServerTimeout(err) || k8serrors.IsTimeout(err) || k8serrors.IsTooManyRequests(err) ||
		k8serrors.IsServiceUnavailable(err) || k8serrors.IsInternalError(err) {
		return apperrors.Transient(op, err)
	}
	return apperrors.Submission(op, err)
}

// jobState maps Job conditions and counters to a runner state.
func jobState(j *batchv1.Job) (runner.State, string) {
	for _, c := range j.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			return runner.StateDone, ""
		case batchv1.JobFailed:
			return runner.StateFailed, strings.TrimSpace(c.Reason + ": " + c.Message)
		}
	}
	switch {
	case j.Status.Succeeded > 0:
		return runner.StateDone, ""
	case j.Status.Failed > 0:
		return runner.StateFailed, "pod failed"
	case j.Status.Active > 0:
		return runner.StateRunning, ""
	}
	return runner.StateQueued, ""
}

// CheckWatchedItems reads the status of every watched Job.
func (r *Runner) CheckWatchedItems(ctx context.Context) ([]runner.Update, error) {
	var updates []runner.Update
	for _, e := range r.watch.Entries() {
		j, err := r.client.BatchV1().Jobs(r.cfg.Namespace).Get(ctx, e.ExternalID, metav1.GetOptions{})
		if err != nil {
			if k8serrors.IsNotFound(err) {
				updates = append(updates, runner.Update{JobID: e.JobID, ExternalID: e.ExternalID, State: runner.StateLost, Message: "kubernetes job disappeared"})
				continue
			}
			r.logger.Warn("Status check failed", "jobId", e.JobID, "name", e.ExternalID, "error", err)
			continue
		}
		state, msg := jobState(j)
		if state == runner.StateFailed && runner.Finished(e.WorkingDir) {
			state = runner.StateDone
		}
		updates = append(updates, runner.Update{JobID: e.JobID, ExternalID: e.ExternalID, State: state, Message: msg})
	}
	return updates, nil
}

func (r *Runner) delete(ctx context.Context, name string) error {
	policy := metav1.DeletePropagationBackground
	err := r.client.BatchV1().Jobs(r.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !k8serrors.IsNotFound(err) {
		return err
	}
	return nil
}

// Stop deletes the Job and its pods. A missing Job is not an error.
func (r *Runner) Stop(ctx context.Context, job *model.Job) error {
	name := job.ExternalID
	if e, ok := r.watch.Release(job.ID); ok {
		name = e.ExternalID
	}
	if name == "" {
		return nil
	}
	if err := r.delete(ctx, name); err != nil {
		return apperrors.Internal("delete job", err)
	}
	r.logger.Info("Job deleted", "jobId", job.ID, "name", name)
	return nil
}

// FinishJob collects the result and deletes the Job unless the cluster
// garbage collects it.
func (r *Runner) FinishJob(ctx context.Context, job *model.Job) (*runner.Result, error) {
	name := job.ExternalID
	if e, ok := r.watch.Release(job.ID); ok {
		name = e.ExternalID
	}
	res, err := runner.CollectResult(job.WorkingDir)
	if name != "" && r.cfg.TTLSecondsAfterFinished == 0 {
		if delErr := r.delete(ctx, name); delErr != nil {
			r.logger.Warn("Failed to delete job", "jobId", job.ID, "name", name, "error", delErr)
		}
	}
	return res, err
}

// Recover resumes watching a Job, finding it by label when its name was
// never recorded.
func (r *Runner) Recover(ctx context.Context, job *model.Job) error {
	name := job.ExternalID
	if name == "" {
		selector := fmt.Sprintf("%s=%s,%s=%d,%s=%s",
			labelJobID, invalidName.ReplaceAllString(strings.ToLower(job.ID), "-"),
			labelAttempt, job.Attempt, labelManagedBy, managedByValue)
		list, err := r.client.BatchV1().Jobs(r.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
		if err != nil {
			return apperrors.Transient("list jobs", err)
		}
		if len(list.Items) == 0 {
			return apperrors.NotFound("kubernetes job", job.ID)
		}
		name = list.Items[0].Name
	}
	r.watch.Commit(&runner.Entry{JobID: job.ID, ExternalID: name, WorkingDir: job.WorkingDir})
	r.logger.Info("Job recovered", "jobId", job.ID, "name", name)
	return nil
}

// Ready checks the namespace is reachable.
func (r *Runner) Ready(ctx context.Context) error {
	_, err := r.client.BatchV1().Jobs(r.cfg.Namespace).List(ctx, metav1.ListOptions{Limit: 1})
	return err
}

func (r *Runner) Close() error { return nil }

var _ runner.Runner = (*Runner)(nil)
