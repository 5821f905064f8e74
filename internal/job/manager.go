package job

import (
	"context"
	"fmt"
	"jobengine/internal/apperrors"
	"jobengine/internal/model"
	"jobengine/internal/objectstore"
	"jobengine/internal/observability"
	"jobengine/internal/store"
	"jobengine/internal/tool"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Config configures job wrappers.
type Config struct {
	// WorkingDirRoot holds one directory per job, <root>/<id[0:3]>/<id>.
	WorkingDirRoot string `mapstructure:"working_dir_root"`
	// StagingConcurrency bounds concurrent input materializations per job.
	StagingConcurrency int         `mapstructure:"staging_concurrency"`
	Retry              RetryPolicy `mapstructure:"retry"`
}

func (c Config) withDefaults() Config {
	if c.StagingConcurrency <= 0 {
		c.StagingConcurrency = 8
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// ToolSource looks up tool descriptors by id.
type ToolSource interface {
	Get(id string) (tool.Descriptor, error)
}

// Spec describes a job to create.
type Spec struct {
	// ID is optional; a random id is generated when empty.
	ID          string
	ToolID      string
	UserID      string
	HistoryID   string
	Params      []model.ParamBinding
	Destination string

	InvocationID      string
	StepIndex         int
	ImplicitGroupID   string
	ElementIndex      int
	ElementIdentifier string
}

// Manager creates jobs and hands out their wrappers.
type Manager struct {
	store   store.Store
	objects objectstore.ObjectStore
	tools   ToolSource
	dests   *Destinations
	cfg     Config
	metrics *observability.Metrics
	logger  *slog.Logger

	mu        sync.RWMutex
	queue     Queue
	observers []Observer
}

// NewManager creates a job manager. SetQueue must be called before jobs are started.
func NewManager(st store.Store, objects objectstore.ObjectStore, tools ToolSource, dests *Destinations, cfg Config, metrics *observability.Metrics) (*Manager, error) {
	if cfg.WorkingDirRoot == "" {
		return nil, apperrors.Validation("working_dir_root", "working directory root is required")
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		store:   st,
		objects: objects,
		tools:   tools,
		dests:   dests,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		logger:  slog.With("component", "job"),
	}, nil
}

// SetQueue connects the manager to the queue prepared jobs are put on.
func (m *Manager) SetQueue(q Queue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = q
}

// Observe registers o for every job state change.
func (m *Manager) Observe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Store returns the record store jobs are persisted in.
func (m *Manager) Store() store.Store { return m.store }

// Wrapper returns the wrapper owning jobID.
func (m *Manager) Wrapper(jobID string) *Wrapper {
	return &Wrapper{m: m, jobID: jobID, logger: m.logger.With("jobId", jobID)}
}

// WorkingDir is the deterministic working directory of a job.
func (m *Manager) WorkingDir(jobID string) string {
	shard := jobID
	if len(shard) > 3 {
		shard = shard[:3]
	}
	return filepath.Join(m.cfg.WorkingDirRoot, shard, jobID)
}

// Create persists a new job and a placeholder dataset per declared output.
// The job stays in state new until Start.
func (m *Manager) Create(ctx context.Context, spec Spec) (*model.Job, error) {
	desc, err := m.tools.Get(spec.ToolID)
	if err != nil {
		return nil, err
	}
	dest, err := m.dests.Resolve(spec.ToolID, spec.Destination)
	if err != nil {
		return nil, err
	}
	if err := m.checkBindings(ctx, spec.Params); err != nil {
		return nil, err
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	job := &model.Job{
		ID:                id,
		UserID:            spec.UserID,
		HistoryID:         spec.HistoryID,
		ToolID:            spec.ToolID,
		Params:            spec.Params,
		State:             model.JobNew,
		RunnerName:        dest.Runner,
		Destination:       dest,
		InvocationID:      spec.InvocationID,
		StepIndex:         spec.StepIndex,
		ImplicitGroupID:   spec.ImplicitGroupID,
		ElementIndex:      spec.ElementIndex,
		ElementIdentifier: spec.ElementIdentifier,
	}
	for _, out := range desc.Outputs() {
		dsID := uuid.NewString()
		ds := &model.Dataset{ID: dsID, Name: out.Name, ObjectRef: dsID, State: model.DatasetNew, CreatingJobID: id}
		if err := m.store.CreateDataset(ctx, ds); err != nil {
			return nil, err
		}
		job.Outputs = append(job.Outputs, model.OutputBinding{Name: out.Name, DatasetID: dsID})
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	m.logger.Info("Job created", "jobId", id, "toolId", spec.ToolID, "destination", dest.ID)
	return job, nil
}

func (m *Manager) checkBindings(ctx context.Context, params []model.ParamBinding) error {
	seen := make(map[string]bool, len(params))
	for i, p := range params {
		field := fmt.Sprintf("params[%d]", i)
		if p.Name == "" {
			return apperrors.Validation(field, "parameter name is required")
		}
		if seen[p.Name] {
			return apperrors.Validation(field, fmt.Sprintf("parameter %s bound twice", p.Name))
		}
		seen[p.Name] = true
		switch p.Kind {
		case model.ParamScalar:
		case model.ParamDataset:
			if _, err := m.store.GetDataset(ctx, p.DatasetID); err != nil {
				return apperrors.Validation(field, fmt.Sprintf("dataset %q: %v", p.DatasetID, err))
			}
		case model.ParamCollection:
			if _, err := m.store.GetCollection(ctx, p.CollectionID); err != nil {
				return apperrors.Validation(field, fmt.Sprintf("collection %q: %v", p.CollectionID, err))
			}
		default:
			return apperrors.Validation(field, fmt.Sprintf("unknown parameter kind %q", p.Kind))
		}
	}
	return nil
}

// Start moves a new job towards the queue. Jobs whose inputs are still being
// produced wait; jobs with failed inputs fail with a staging error.
func (m *Manager) Start(ctx context.Context, jobID string) (*model.Job, error) {
	w := m.Wrapper(jobID)
	ready, err := w.inputsReady(ctx)
	if err != nil {
		if _, ferr := w.Fail(ctx, err); ferr != nil {
			return nil, ferr
		}
		return m.store.GetJob(ctx, jobID)
	}
	if !ready {
		return w.Wait(ctx)
	}
	if _, err := w.Setup(ctx); err != nil {
		if _, ferr := w.Fail(ctx, err); ferr != nil {
			return nil, ferr
		}
		return m.store.GetJob(ctx, jobID)
	}
	return w.Prepare(ctx)
}

// SetPorts records the interactive ports a container reported for a job.
func (m *Manager) SetPorts(ctx context.Context, jobID string, ports map[string]model.Port) (*model.Job, error) {
	return m.store.MutateJob(ctx, jobID, func(j *model.Job) error {
		if j.State.Terminal() {
			return apperrors.Conflict("job", jobID, fmt.Sprintf("job %s is %s", jobID, j.State))
		}
		j.Ports = ports
		return nil
	})
}

func (m *Manager) enqueue(ctx context.Context, jobID string) error {
	m.mu.RLock()
	q := m.queue
	m.mu.RUnlock()
	if q == nil {
		return apperrors.Internal("job.enqueue", fmt.Errorf("no queue connected"))
	}
	return q.Put(ctx, jobID)
}

// changed runs after every persisted job transition: collections backed by
// the job are gathered before observers see a terminal state.
func (m *Manager) changed(ctx context.Context, job *model.Job) {
	if job.State.Terminal() && job.ImplicitGroupID != "" {
		if _, err := m.Gather(ctx, job.ImplicitGroupID); err != nil {
			m.logger.Error("Gather failed", "jobId", job.ID, "groupId", job.ImplicitGroupID, "error", err)
		}
	}
	m.mu.RLock()
	observers := append([]Observer(nil), m.observers...)
	m.mu.RUnlock()
	for _, o := range observers {
		o.JobChanged(ctx, job.Clone())
	}
	if job.State.Terminal() {
		m.ReleaseWaiting(ctx)
	}
}

// ReleaseWaiting starts waiting jobs whose inputs have settled.
func (m *Manager) ReleaseWaiting(ctx context.Context) {
	waiting, err := m.store.ListJobs(ctx, store.JobFilter{States: []model.JobState{model.JobWaiting}})
	if err != nil {
		m.logger.Warn("Listing waiting jobs failed", "error", err)
		return
	}
	for _, j := range waiting {
		ready, err := m.Wrapper(j.ID).inputsReady(ctx)
		if !ready && err == nil {
			continue
		}
		if _, err := m.Start(ctx, j.ID); err != nil {
			m.logger.Warn("Starting waiting job failed", "jobId", j.ID, "error", err)
		}
	}
}
