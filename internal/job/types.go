package job

import (
	"jobengine/internal/model"
	"time"
)

// Request represents a request to create a new job
type Request struct {
	ID          string               `json:"id,omitempty"`
	ToolID      string               `json:"toolId"`
	UserID      string               `json:"userId,omitempty"`
	HistoryID   string               `json:"historyId,omitempty"`
	Destination string               `json:"destination,omitempty"`
	Params      []model.ParamBinding `json:"params"`
}

// Response represents the response when a job is created
type Response struct {
	ID    string         `json:"id"`
	State model.JobState `json:"state"`
}

// Status represents the current status of a job
type Status struct {
	ID           string                `json:"id"`
	ToolID       string                `json:"toolId"`
	UserID       string                `json:"userId,omitempty"`
	State        model.JobState        `json:"state"`
	Destination  string                `json:"destination"`
	Attempt      int                   `json:"attempt"`
	ExternalID   string                `json:"externalId,omitempty"`
	ExitCode     *int                  `json:"exitCode,omitempty"`
	ErrorKind    string                `json:"errorKind,omitempty"`
	Info         string                `json:"info,omitempty"`
	Outputs      []model.OutputBinding `json:"outputs"`
	Ports        map[string]model.Port `json:"ports,omitempty"`
	InvocationID string                `json:"invocationId,omitempty"`
	History      []model.StateChange   `json:"history,omitempty"`
	UpdatedAt    time.Time             `json:"updatedAt"`
}

// NewStatus builds the API view of a job.
func NewStatus(j *model.Job) Status {
	return Status{
		ID:           j.ID,
		ToolID:       j.ToolID,
		UserID:       j.UserID,
		State:        j.State,
		Destination:  j.Destination.ID,
		Attempt:      j.Attempt,
		ExternalID:   j.ExternalID,
		ExitCode:     j.ExitCode,
		ErrorKind:    j.ErrorKind,
		Info:         j.Info,
		Outputs:      j.Outputs,
		Ports:        j.Ports,
		InvocationID: j.InvocationID,
		History:      j.History,
		UpdatedAt:    j.UpdatedAt,
	}
}

// ListResponse represents the response for listing jobs
type ListResponse struct {
	Jobs []Status `json:"jobs"`
}
