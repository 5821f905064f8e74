// Package store defines the persistence interface consumed by the engine and
// an in-memory implementation built on go-memdb.
package store

import (
	"context"
	"jobengine/internal/model"
)

// JobFilter selects jobs for ListJobs. Empty fields match everything.
type JobFilter struct {
	States        []model.JobState
	InvocationID  string
	UserID        string
	DestinationID string
}

// Store is the record CRUD interface. Mutate* runs fn on a private copy of the
// record inside one transaction and persists the result only when fn returns nil.
type Store interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	MutateJob(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*model.Job, error)

	CreateDataset(ctx context.Context, ds *model.Dataset) error
	GetDataset(ctx context.Context, id string) (*model.Dataset, error)
	MutateDataset(ctx context.Context, id string, fn func(*model.Dataset) error) (*model.Dataset, error)

	CreateCollection(ctx context.Context, c *model.DatasetCollection) error
	GetCollection(ctx context.Context, id string) (*model.DatasetCollection, error)
	MutateCollection(ctx context.Context, id string, fn func(*model.DatasetCollection) error) (*model.DatasetCollection, error)

	CreateInvocation(ctx context.Context, inv *model.WorkflowInvocation) error
	GetInvocation(ctx context.Context, id string) (*model.WorkflowInvocation, error)
	MutateInvocation(ctx context.Context, id string, fn func(*model.WorkflowInvocation) error) (*model.WorkflowInvocation, error)
	ListInvocations(ctx context.Context, states ...model.InvocationState) ([]*model.WorkflowInvocation, error)

	CreateImplicitGroup(ctx context.Context, g *model.ImplicitCollectionJobs) error
	GetImplicitGroup(ctx context.Context, id string) (*model.ImplicitCollectionJobs, error)

	// Ping reports whether the store can serve requests.
	Ping(ctx context.Context) error
}
