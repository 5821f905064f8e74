package model

import (
	"fmt"
	"jobengine/internal/apperrors"
	"maps"
	"slices"
	"time"
)

// StepType identifies what a workflow step does.
type StepType string

const (
	StepDataInput       StepType = "data_input"
	StepCollectionInput StepType = "data_collection_input"
	StepParameterInput  StepType = "parameter_input"
	StepTool            StepType = "tool"
)

// IsInput reports whether the step is fed by the invocation inputs.
func (t StepType) IsInput() bool {
	return t == StepDataInput || t == StepCollectionInput || t == StepParameterInput
}

// StepConnection wires a tool input to an upstream step output.
type StepConnection struct {
	Input        string `json:"input"`
	SourceStep   int    `json:"sourceStep"`
	SourceOutput string `json:"sourceOutput"`
	// CollectionAware inputs receive the whole collection instead of
	// scattering over its elements.
	CollectionAware bool `json:"collectionAware,omitempty"`
}

// WorkflowStep is one node of the workflow graph.
type WorkflowStep struct {
	Label   string            `json:"label,omitempty"`
	Type    StepType          `json:"type"`
	ToolID  string            `json:"toolId,omitempty"`
	Inputs  []StepConnection  `json:"inputs,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Outputs []string          `json:"outputs,omitempty"`
}

// Workflow is a DAG of steps kept in definition order.
type Workflow struct {
	ID    string         `json:"id"`
	Name  string         `json:"name,omitempty"`
	Steps []WorkflowStep `json:"steps"`
}

// Clone returns a deep copy.
func (w Workflow) Clone() Workflow {
	w.Steps = slices.Clone(w.Steps)
	for i := range w.Steps {
		w.Steps[i].Inputs = slices.Clone(w.Steps[i].Inputs)
		w.Steps[i].Params = maps.Clone(w.Steps[i].Params)
		w.Steps[i].Outputs = slices.Clone(w.Steps[i].Outputs)
	}
	return w
}

// OutputRef points at a produced or supplied value.
type OutputRef struct {
	DatasetID    string `json:"datasetId,omitempty"`
	CollectionID string `json:"collectionId,omitempty"`
	Value        string `json:"value,omitempty"`
}

// InvocationState is the lifecycle state of a WorkflowInvocation.
type InvocationState string

const (
	InvocationNew       InvocationState = "new"
	InvocationReady     InvocationState = "ready"
	InvocationScheduled InvocationState = "scheduled"
	InvocationFailed    InvocationState = "failed"
	InvocationCancelled InvocationState = "cancelled"
)

var invocationEdges = map[InvocationState][]InvocationState{
	InvocationNew:       {InvocationReady, InvocationFailed, InvocationCancelled},
	InvocationReady:     {InvocationScheduled, InvocationFailed, InvocationCancelled},
	InvocationScheduled: {InvocationCancelled},
	// a failed invocation may still have jobs running on sibling branches
	InvocationFailed: {InvocationCancelled},
}

// StepState is the scheduling state of one invocation step.
type StepState string

const (
	StepNew       StepState = "new"
	StepScheduled StepState = "scheduled"
	StepOK        StepState = "ok"
	StepFailed    StepState = "failed"
	StepBlocked   StepState = "blocked"
)

// Done reports whether the step will not change again.
func (s StepState) Done() bool {
	return s == StepOK || s == StepFailed || s == StepBlocked
}

// InvocationStep records what one step of an invocation spawned.
type InvocationStep struct {
	Index           int                  `json:"index"`
	State           StepState            `json:"state"`
	JobIDs          []string             `json:"jobIds,omitempty"`
	ImplicitGroupID string               `json:"implicitGroupId,omitempty"`
	Outputs         map[string]OutputRef `json:"outputs,omitempty"`
	Message         string               `json:"message,omitempty"`
}

// Dispatched reports whether the step has produced its jobs or outputs.
func (s InvocationStep) Dispatched() bool {
	return s.State != StepNew && s.State != StepBlocked
}

// WorkflowInvocation is one execution of a Workflow.
type WorkflowInvocation struct {
	ID         string            `json:"id"`
	WorkflowID string            `json:"workflowId"`
	Workflow   Workflow          `json:"workflow"`
	UserID     string            `json:"userId,omitempty"`
	HistoryID  string            `json:"historyId,omitempty"`
	Inputs     map[int]OutputRef `json:"inputs"`
	State      InvocationState   `json:"state"`
	Steps      []InvocationStep  `json:"steps"`
	Message    string            `json:"message,omitempty"`
	ErrorKind  string            `json:"errorKind,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// SetState moves the invocation along its state machine.
func (inv *WorkflowInvocation) SetState(to InvocationState, message string) error {
	if !slices.Contains(invocationEdges[inv.State], to) {
		return apperrors.Conflict("invocation", inv.ID,
			fmt.Sprintf("invocation %s cannot move from %s to %s", inv.ID, inv.State, to))
	}
	if to == InvocationScheduled {
		for _, s := range inv.Steps {
			if !s.Dispatched() {
				return apperrors.Conflict("invocation", inv.ID,
					fmt.Sprintf("invocation %s step %d has not been dispatched", inv.ID, s.Index))
			}
		}
	}
	inv.State = to
	if message != "" {
		inv.Message = message
	}
	inv.UpdatedAt = time.Now().UTC()
	return nil
}

// Terminal reports whether no scheduling work remains for the invocation.
func (inv *WorkflowInvocation) Terminal() bool {
	return inv.State == InvocationFailed || inv.State == InvocationCancelled
}

// Finished reports whether every step has settled: jobs terminal, or never
// reachable.
func (inv *WorkflowInvocation) Finished() bool {
	if inv.State == InvocationCancelled {
		return true
	}
	for _, s := range inv.Steps {
		if !s.State.Done() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to mutate.
func (inv *WorkflowInvocation) Clone() *WorkflowInvocation {
	if inv == nil {
		return nil
	}
	c := *inv
	c.Workflow = inv.Workflow.Clone()
	c.Inputs = maps.Clone(inv.Inputs)
	c.Steps = slices.Clone(inv.Steps)
	for i := range c.Steps {
		c.Steps[i].JobIDs = slices.Clone(c.Steps[i].JobIDs)
		c.Steps[i].Outputs = maps.Clone(c.Steps[i].Outputs)
	}
	return &c
}
