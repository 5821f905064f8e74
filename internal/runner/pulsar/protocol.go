package pulsar

import (
	"context"
	"jobengine/internal/runner"
)

// Topic suffixes appended to the configured prefix.
const (
	SubmitTopic = "-submit"
	CancelTopic = "-cancel"
	StatusTopic = "-status"
)

// SubmitRequest asks the agent to run a job. The working directory is on a
// filesystem shared by the engine and the agent.
type SubmitRequest struct {
	JobID       string            `json:"job_id"`
	Attempt     int               `json:"attempt"`
	CommandLine string            `json:"command_line"`
	WorkingDir  string            `json:"working_directory"`
	Params      map[string]string `json:"params,omitempty"`
}

// CancelRequest asks the agent to stop a job.
type CancelRequest struct {
	JobID string `json:"job_id"`
}

// Status is what the agent reports about one job.
type Status struct {
	JobID    string       `json:"job_id"`
	Attempt  int          `json:"attempt"`
	State    runner.State `json:"state"`
	ExitCode *int         `json:"exit_code,omitempty"`
	Stdout   string       `json:"stdout,omitempty"`
	Stderr   string       `json:"stderr,omitempty"`
	Message  string       `json:"message,omitempty"`
}

// Transport carries requests to an agent and statuses back.
type Transport interface {
	Submit(ctx context.Context, req SubmitRequest) error
	Cancel(ctx context.Context, jobID string) error
	// Statuses returns news about the given jobs. Push transports return
	// whatever arrived since the last call and may ignore jobIDs.
	Statuses(ctx context.Context, jobIDs []string) ([]Status, error)
	Ready(ctx context.Context) error
	Close() error
}
