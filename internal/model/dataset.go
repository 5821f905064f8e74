package model

import (
	"fmt"
	"jobengine/internal/apperrors"
	"maps"
	"slices"
	"time"
)

// DatasetState is the lifecycle state of a Dataset.
type DatasetState string

const (
	DatasetNew       DatasetState = "new"
	DatasetQueued    DatasetState = "queued"
	DatasetRunning   DatasetState = "running"
	DatasetOK        DatasetState = "ok"
	DatasetError     DatasetState = "error"
	DatasetDiscarded DatasetState = "discarded"
)

// Terminal reports whether the dataset will not change state again.
func (s DatasetState) Terminal() bool {
	return s == DatasetOK || s == DatasetError || s == DatasetDiscarded
}

// Dataset is a unit of bytes held in the object store.
type Dataset struct {
	ID            string       `json:"id"`
	Name          string       `json:"name,omitempty"`
	ObjectRef     string       `json:"objectRef"`
	Size          int64        `json:"size"`
	State         DatasetState `json:"state"`
	CreatingJobID string       `json:"creatingJobId,omitempty"`
	Deleted       bool         `json:"deleted"`
	Purged        bool         `json:"purged"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// SetState moves the dataset forward. Terminal datasets are immutable.
func (d *Dataset) SetState(to DatasetState) error {
	if d.State.Terminal() && d.State != to {
		return apperrors.Conflict("dataset", d.ID, fmt.Sprintf("dataset %s is already %s", d.ID, d.State))
	}
	d.State = to
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// Clone returns a copy safe to mutate.
func (d *Dataset) Clone() *Dataset {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// PopulatedState tracks whether a collection's elements are final.
type PopulatedState string

const (
	PopulatedNew    PopulatedState = "new"
	PopulatedOK     PopulatedState = "ok"
	PopulatedFailed PopulatedState = "failed"
)

// CollectionElement maps an identifier to a dataset or nested collection.
type CollectionElement struct {
	Identifier   string `json:"identifier"`
	DatasetID    string `json:"datasetId,omitempty"`
	CollectionID string `json:"collectionId,omitempty"`
}

// DatasetCollection is an ordered list or keyed mapping of elements.
type DatasetCollection struct {
	ID                    string              `json:"id"`
	Name                  string              `json:"name,omitempty"`
	Type                  string              `json:"type"`
	Elements              []CollectionElement `json:"elements"`
	PopulatedState        PopulatedState      `json:"populatedState"`
	PopulatedStateMessage string              `json:"populatedStateMessage,omitempty"`
	FailedElements        []int               `json:"failedElements,omitempty"`
	ImplicitGroupID       string              `json:"implicitGroupId,omitempty"`
	CreatedAt             time.Time           `json:"createdAt"`
	UpdatedAt             time.Time           `json:"updatedAt"`
}

// ErrAlreadyPopulated is returned when a collection's populated state is set twice.
var ErrAlreadyPopulated = apperrors.Conflict("collection", "", "collection is already populated")

// MarkPopulated records the final populated state. It succeeds exactly once.
func (c *DatasetCollection) MarkPopulated(state PopulatedState, message string, failed []int) error {
	if c.PopulatedState != PopulatedNew && c.PopulatedState != "" {
		return ErrAlreadyPopulated
	}
	if state != PopulatedOK && state != PopulatedFailed {
		return apperrors.Validation("populatedState", fmt.Sprintf("invalid populated state %q", state))
	}
	c.PopulatedState = state
	c.PopulatedStateMessage = message
	c.FailedElements = slices.Clone(failed)
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// Identifiers returns the element identifiers in order.
func (c *DatasetCollection) Identifiers() []string {
	ids := make([]string, len(c.Elements))
	for i, e := range c.Elements {
		ids[i] = e.Identifier
	}
	return ids
}

// Clone returns a deep copy safe to mutate.
func (c *DatasetCollection) Clone() *DatasetCollection {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Elements = slices.Clone(c.Elements)
	cp.FailedElements = slices.Clone(c.FailedElements)
	return &cp
}

// ImplicitCollectionJobs groups the per-element jobs of a scattered step.
type ImplicitCollectionJobs struct {
	ID                 string            `json:"id"`
	InvocationID       string            `json:"invocationId,omitempty"`
	StepIndex          int               `json:"stepIndex"`
	JobIDs             []string          `json:"jobIds"`
	ElementIdentifiers []string          `json:"elementIdentifiers"`
	OutputCollections  map[string]string `json:"outputCollections"`
	CreatedAt          time.Time         `json:"createdAt"`
}

// Clone returns a deep copy safe to mutate.
func (g *ImplicitCollectionJobs) Clone() *ImplicitCollectionJobs {
	if g == nil {
		return nil
	}
	c := *g
	c.JobIDs = slices.Clone(g.JobIDs)
	c.ElementIdentifiers = slices.Clone(g.ElementIdentifiers)
	c.OutputCollections = maps.Clone(g.OutputCollections)
	return &c
}
