// Package model defines the persisted records of the job engine and their
// state machines. Records refer to each other by id only; lookups go
// through the store.
package model

import (
	"fmt"
	"jobengine/internal/apperrors"
	"maps"
	"slices"
	"time"
)

// JobState is the lifecycle state of a Job.
type JobState string

const (
	JobNew        JobState = "new"
	JobWaiting    JobState = "waiting"
	JobQueued     JobState = "queued"
	JobRunning    JobState = "running"
	JobOK         JobState = "ok"
	JobError      JobState = "error"
	JobPaused     JobState = "paused"
	JobDeleted    JobState = "deleted"
	JobDeletedNew JobState = "deleted_new"
)

// jobEdges lists every legal forward transition.
var jobEdges = map[JobState][]JobState{
	JobNew:     {JobWaiting, JobQueued, JobPaused, JobError, JobDeletedNew},
	JobWaiting: {JobQueued, JobPaused, JobError, JobDeletedNew},
	JobPaused:  {JobWaiting, JobQueued, JobDeleted},
	JobQueued:  {JobRunning, JobPaused, JobError, JobDeleted},
	JobRunning: {JobOK, JobError, JobDeleted},
}

// Terminal reports whether no further transition can leave s.
func (s JobState) Terminal() bool {
	switch s {
	case JobOK, JobError, JobDeleted, JobDeletedNew:
		return true
	}
	return false
}

// Active reports whether a backend may hold an execution for this state.
func (s JobState) Active() bool {
	return s == JobQueued || s == JobRunning
}

// CanTransition reports whether from → to is an edge of the job state machine.
func CanTransition(from, to JobState) bool {
	return slices.Contains(jobEdges[from], to)
}

// ParamKind tells how a parameter binding is resolved on the command line.
type ParamKind string

const (
	ParamScalar     ParamKind = "scalar"
	ParamDataset    ParamKind = "dataset"
	ParamCollection ParamKind = "collection"
)

// ParamBinding binds one tool input.
type ParamBinding struct {
	Name         string    `json:"name"`
	Kind         ParamKind `json:"kind"`
	Value        string    `json:"value,omitempty"`
	DatasetID    string    `json:"datasetId,omitempty"`
	CollectionID string    `json:"collectionId,omitempty"`
}

// OutputBinding maps a declared tool output to its placeholder dataset.
type OutputBinding struct {
	Name      string `json:"name"`
	DatasetID string `json:"datasetId"`
}

// StateChange is one entry of a job's transition history.
type StateChange struct {
	From    JobState  `json:"from"`
	To      JobState  `json:"to"`
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason,omitempty"`
}

// Port is one entry of the container port callback.
type Port struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol,omitempty"`
}

// Job is one dispatched execution of a tool command line.
type Job struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId,omitempty"`
	HistoryID string          `json:"historyId,omitempty"`
	ToolID    string          `json:"toolId"`
	Params    []ParamBinding  `json:"params"`
	Outputs   []OutputBinding `json:"outputs"`

	State       JobState       `json:"state"`
	RunnerName  string         `json:"runnerName,omitempty"`
	Destination JobDestination `json:"destination"`
	Attempt     int            `json:"attempt"`
	ExternalID  string         `json:"externalId,omitempty"`
	ExitCode    *int           `json:"exitCode,omitempty"`
	Stdout      string         `json:"stdout,omitempty"`
	Stderr      string         `json:"stderr,omitempty"`
	ErrorKind   string         `json:"errorKind,omitempty"`
	Info        string         `json:"info,omitempty"`

	CommandLine string `json:"commandLine,omitempty"`
	WorkingDir  string `json:"workingDir,omitempty"`

	InvocationID      string `json:"invocationId,omitempty"`
	StepIndex         int    `json:"stepIndex"`
	ImplicitGroupID   string `json:"implicitGroupId,omitempty"`
	ElementIndex      int    `json:"elementIndex"`
	ElementIdentifier string `json:"elementIdentifier,omitempty"`

	Ports   map[string]Port `json:"ports,omitempty"`
	History []StateChange   `json:"history,omitempty"`

	Deleted   bool      `json:"deleted"`
	Purged    bool      `json:"purged"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	RunningAt time.Time `json:"runningAt,omitempty"`
}

// Transition moves the job along one edge of the state machine.
func (j *Job) Transition(to JobState, reason string) error {
	if !CanTransition(j.State, to) {
		return apperrors.Conflict("job", j.ID,
			fmt.Sprintf("job %s cannot move from %s to %s", j.ID, j.State, to))
	}
	now := time.Now().UTC()
	j.History = append(j.History, StateChange{From: j.State, To: to, Attempt: j.Attempt, At: now, Reason: reason})
	j.State = to
	j.UpdatedAt = now
	if to == JobRunning {
		j.RunningAt = now
	}
	return nil
}

// Resubmit starts a new attempt of a failed job. It is not a transition:
// the attempt counter moves forward and the job re-enters the queue with
// its backend handle cleared.
func (j *Job) Resubmit(maxAttempts int) error {
	if j.State != JobError {
		return apperrors.Conflict("job", j.ID, fmt.Sprintf("job %s in state %s cannot be resubmitted", j.ID, j.State))
	}
	if j.Attempt+1 >= maxAttempts {
		return apperrors.Conflict("job", j.ID, fmt.Sprintf("job %s exhausted %d attempts", j.ID, maxAttempts))
	}
	now := time.Now().UTC()
	j.Attempt++
	j.History = append(j.History, StateChange{From: JobError, To: JobQueued, Attempt: j.Attempt, At: now, Reason: "resubmit"})
	j.State = JobQueued
	j.ExternalID = ""
	j.ExitCode = nil
	j.Stdout, j.Stderr = "", ""
	j.RunningAt = time.Time{}
	j.UpdatedAt = now
	return nil
}

// Param returns the binding named name.
func (j *Job) Param(name string) (ParamBinding, bool) {
	for _, p := range j.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamBinding{}, false
}

// Clone returns a deep copy safe to mutate.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Params = slices.Clone(j.Params)
	c.Outputs = slices.Clone(j.Outputs)
	c.History = slices.Clone(j.History)
	c.Ports = maps.Clone(j.Ports)
	c.Destination = j.Destination.Clone()
	if j.ExitCode != nil {
		code := *j.ExitCode
		c.ExitCode = &code
	}
	return &c
}
