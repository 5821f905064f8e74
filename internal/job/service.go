package job

import (
	"context"
	"fmt"
	"jobengine/internal/apperrors"
	"jobengine/internal/model"
	"jobengine/internal/store"
	"log/slog"
	"regexp"
)

// Validation limits
const (
	maxJobIDLength = 128
	maxParams      = 256
	maxPorts       = 64
)

// jobIDPattern allows alphanumeric, hyphens, and underscores
var jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Service is the API facing entry point for standalone jobs.
//
// The Service is stateless - all job state lives in the store, and
// cancellation goes through the queue so backend executions are stopped.
type Service struct {
	manager *Manager
	queue   Queue
}

// NewService creates a new job service.
func NewService(manager *Manager, queue Queue) *Service {
	return &Service{manager: manager, queue: queue}
}

// Create validates, persists and starts a new job.
func (s *Service) Create(ctx context.Context, req *Request) (*Response, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	job, err := s.manager.Create(ctx, Spec{
		ID:          req.ID,
		ToolID:      req.ToolID,
		UserID:      req.UserID,
		HistoryID:   req.HistoryID,
		Params:      req.Params,
		Destination: req.Destination,
	})
	if err != nil {
		return nil, err
	}
	logger := slog.With("jobId", job.ID, "toolId", job.ToolID)
	job, err = s.manager.Start(ctx, job.ID)
	if err != nil {
		logger.Error("Job failed to start", "error", err)
		return nil, err
	}
	logger.Info("Job accepted", "state", job.State)
	return &Response{ID: job.ID, State: job.State}, nil
}

// Get returns the status of a job.
func (s *Service) Get(ctx context.Context, jobID string) (*Status, error) {
	job, err := s.manager.Store().GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	status := NewStatus(job)
	return &status, nil
}

// List returns the jobs matching filter.
func (s *Service) List(ctx context.Context, filter store.JobFilter) (*ListResponse, error) {
	jobs, err := s.manager.Store().ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	resp := &ListResponse{Jobs: make([]Status, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, NewStatus(j))
	}
	return resp, nil
}

// Cancel stops a job and discards its outputs.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	logger := slog.With("jobId", jobID)
	if err := s.queue.Cancel(ctx, jobID); err != nil {
		logger.Error("Job cancellation failed", "error", err)
		return err
	}
	logger.Info("Job cancelled")
	return nil
}

// SetPorts stores the ports a job's container reported.
func (s *Service) SetPorts(ctx context.Context, jobID string, ports map[string]model.Port) (*Status, error) {
	if len(ports) > maxPorts {
		return nil, apperrors.Validation("ports", fmt.Sprintf("ports exceed maximum of %d", maxPorts))
	}
	for name, p := range ports {
		if p.Host == "" || p.Port <= 0 || p.Port > 65535 {
			return nil, apperrors.Validation("ports", fmt.Sprintf("port %s needs a host and a port in 1-65535", name))
		}
	}
	job, err := s.manager.SetPorts(ctx, jobID, ports)
	if err != nil {
		return nil, err
	}
	status := NewStatus(job)
	return &status, nil
}

// validate validates a job request. Does not modify the request.
func (s *Service) validate(req *Request) error {
	if req.ID != "" {
		if len(req.ID) > maxJobIDLength {
			return apperrors.Validation("id", fmt.Sprintf("job ID exceeds maximum length of %d", maxJobIDLength))
		}
		if !jobIDPattern.MatchString(req.ID) {
			return apperrors.Validation("id", "job ID must be alphanumeric (hyphens and underscores allowed, cannot start with hyphen/underscore)")
		}
	}
	if req.ToolID == "" {
		return apperrors.Validation("toolId", "tool ID is required")
	}
	if len(req.Params) > maxParams {
		return apperrors.Validation("params", fmt.Sprintf("params exceed maximum of %d", maxParams))
	}
	return nil
}
