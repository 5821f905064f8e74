package store

import (
	"cmp"
	"context"
	"fmt"
	"jobengine/internal/apperrors"
	"jobengine/internal/model"
	"slices"
	"time"

	"github.com/hashicorp/go-memdb"
)

const (
	jobsTable        = "jobs"
	datasetsTable    = "datasets"
	collectionsTable = "collections"
	invocationsTable = "invocations"
	groupsTable      = "implicit_groups"

	idIndex         = "id"
	stateIndex      = "state"
	invocationIndex = "invocation"
)

// row is what memdb stores. Indexed keys are lifted out of the record so a
// single schema serves every table; value is never mutated after insert.
type row struct {
	ID         string
	Seq        uint64
	State      string
	Invocation string
	value      any
}

type record[T any] interface {
	Clone() T
}

// Memory is a Store backed by go-memdb. Records are copied on the way in
// and out; callers never share memory with the database.
type Memory struct {
	db  *memdb.MemDB
	seq uint64
}

// NewMemory creates an empty in-memory store.
func NewMemory() (*Memory, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("failed to create memdb: %w", err)
	}
	return &Memory{db: db}, nil
}

func schema() *memdb.DBSchema {
	table := func(name string, withState, withInvocation bool) *memdb.TableSchema {
		indexes := map[string]*memdb.IndexSchema{
			idIndex: {
				Name:    idIndex,
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
		}
		if withState {
			indexes[stateIndex] = &memdb.IndexSchema{
				Name:         stateIndex,
				AllowMissing: true,
				Indexer:      &memdb.StringFieldIndex{Field: "State"},
			}
		}
		if withInvocation {
			indexes[invocationIndex] = &memdb.IndexSchema{
				Name:         invocationIndex,
				AllowMissing: true,
				Indexer:      &memdb.StringFieldIndex{Field: "Invocation"},
			}
		}
		return &memdb.TableSchema{Name: name, Indexes: indexes}
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable:        table(jobsTable, true, true),
			datasetsTable:    table(datasetsTable, false, false),
			collectionsTable: table(collectionsTable, false, false),
			invocationsTable: table(invocationsTable, true, false),
			groupsTable:      table(groupsTable, false, true),
		},
	}
}

func resourceName(table string) string {
	switch table {
	case jobsTable:
		return "job"
	case datasetsTable:
		return "dataset"
	case collectionsTable:
		return "collection"
	case invocationsTable:
		return "invocation"
	default:
		return "implicit collection jobs"
	}
}

// insertNew inserts r unless a row with the same id exists. seq is only
// touched inside a write transaction, which memdb serializes.
func (m *Memory) insertNew(r *row, table string) error {
	if r.ID == "" {
		return apperrors.Validation("id", resourceName(table)+" id is required")
	}
	txn := m.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(table, idIndex, r.ID)
	if err != nil {
		return apperrors.Internal("store.create", err)
	}
	if existing != nil {
		return apperrors.Conflict(resourceName(table), r.ID, fmt.Sprintf("%s %s already exists", resourceName(table), r.ID))
	}
	m.seq++
	r.Seq = m.seq
	if err := txn.Insert(table, r); err != nil {
		return apperrors.Internal("store.create", err)
	}
	txn.Commit()
	return nil
}

func getRecord[T record[T]](m *Memory, table, id string) (T, error) {
	var zero T
	txn := m.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(table, idIndex, id)
	if err != nil {
		return zero, apperrors.Internal("store.get", err)
	}
	if raw == nil {
		return zero, apperrors.NotFound(resourceName(table), id)
	}
	return raw.(*row).value.(T).Clone(), nil
}

func mutateRecord[T record[T]](m *Memory, table, id string, keys func(T) (state, invocation string), fn func(T) error) (T, error) {
	var zero T
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(table, idIndex, id)
	if err != nil {
		return zero, apperrors.Internal("store.mutate", err)
	}
	if raw == nil {
		return zero, apperrors.NotFound(resourceName(table), id)
	}
	old := raw.(*row)
	updated := old.value.(T).Clone()
	if err := fn(updated); err != nil {
		return zero, err
	}
	next := &row{ID: old.ID, Seq: old.Seq, value: updated.Clone()}
	if keys != nil {
		next.State, next.Invocation = keys(updated)
	}
	if err := txn.Insert(table, next); err != nil {
		return zero, apperrors.Internal("store.mutate", err)
	}
	txn.Commit()
	return updated, nil
}

func listRecords[T record[T]](m *Memory, table, index string, args ...any) ([]T, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(table, index, args...)
	if err != nil {
		return nil, apperrors.Internal("store.list", err)
	}
	var rows []*row
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		rows = append(rows, obj.(*row))
	}
	slices.SortFunc(rows, func(a, b *row) int { return cmp.Compare(a.Seq, b.Seq) })

	out := make([]T, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.value.(T).Clone())
	}
	return out, nil
}

func jobKeys(j *model.Job) (string, string) { return string(j.State), j.InvocationID }

func stamp(created, updated *time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = now
	}
}

// CreateJob inserts a new job.
func (m *Memory) CreateJob(_ context.Context, job *model.Job) error {
	j := job.Clone()
	stamp(&j.CreatedAt, &j.UpdatedAt)
	state, inv := jobKeys(j)
	if err := m.insertNew(&row{ID: j.ID, State: state, Invocation: inv, value: j}, jobsTable); err != nil {
		return err
	}
	job.CreatedAt, job.UpdatedAt = j.CreatedAt, j.UpdatedAt
	return nil
}

// GetJob returns a copy of the job.
func (m *Memory) GetJob(_ context.Context, id string) (*model.Job, error) {
	return getRecord[*model.Job](m, jobsTable, id)
}

// MutateJob applies fn to the job atomically.
func (m *Memory) MutateJob(_ context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	return mutateRecord(m, jobsTable, id, jobKeys, fn)
}

// ListJobs returns jobs in creation order.
func (m *Memory) ListJobs(_ context.Context, filter JobFilter) ([]*model.Job, error) {
	var (
		jobs []*model.Job
		err  error
	)
	switch {
	case filter.InvocationID != "":
		jobs, err = listRecords[*model.Job](m, jobsTable, invocationIndex, filter.InvocationID)
	case len(filter.States) == 1:
		jobs, err = listRecords[*model.Job](m, jobsTable, stateIndex, string(filter.States[0]))
	default:
		jobs, err = listRecords[*model.Job](m, jobsTable, idIndex)
	}
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(jobs, func(j *model.Job) bool {
		if len(filter.States) > 0 && !slices.Contains(filter.States, j.State) {
			return true
		}
		if filter.UserID != "" && j.UserID != filter.UserID {
			return true
		}
		return filter.DestinationID != "" && j.Destination.ID != filter.DestinationID
	}), nil
}

// CreateDataset inserts a new dataset.
func (m *Memory) CreateDataset(_ context.Context, ds *model.Dataset) error {
	d := ds.Clone()
	stamp(&d.CreatedAt, &d.UpdatedAt)
	if d.ObjectRef == "" {
		d.ObjectRef = d.ID
	}
	if err := m.insertNew(&row{ID: d.ID, value: d}, datasetsTable); err != nil {
		return err
	}
	*ds = *d.Clone()
	return nil
}

// GetDataset returns a copy of the dataset.
func (m *Memory) GetDataset(_ context.Context, id string) (*model.Dataset, error) {
	return getRecord[*model.Dataset](m, datasetsTable, id)
}

// MutateDataset applies fn to the dataset atomically.
func (m *Memory) MutateDataset(_ context.Context, id string, fn func(*model.Dataset) error) (*model.Dataset, error) {
	return mutateRecord(m, datasetsTable, id, nil, fn)
}

// CreateCollection inserts a new collection.
func (m *Memory) CreateCollection(_ context.Context, c *model.DatasetCollection) error {
	cp := c.Clone()
	stamp(&cp.CreatedAt, &cp.UpdatedAt)
	if cp.PopulatedState == "" {
		cp.PopulatedState = model.PopulatedNew
	}
	if err := m.insertNew(&row{ID: cp.ID, value: cp}, collectionsTable); err != nil {
		return err
	}
	*c = *cp.Clone()
	return nil
}

// GetCollection returns a copy of the collection.
func (m *Memory) GetCollection(_ context.Context, id string) (*model.DatasetCollection, error) {
	return getRecord[*model.DatasetCollection](m, collectionsTable, id)
}

// MutateCollection applies fn to the collection atomically.
func (m *Memory) MutateCollection(_ context.Context, id string, fn func(*model.DatasetCollection) error) (*model.DatasetCollection, error) {
	return mutateRecord(m, collectionsTable, id, nil, fn)
}

func invocationKeys(inv *model.WorkflowInvocation) (string, string) { return string(inv.State), "" }

// CreateInvocation inserts a new workflow invocation.
func (m *Memory) CreateInvocation(_ context.Context, inv *model.WorkflowInvocation) error {
	cp := inv.Clone()
	stamp(&cp.CreatedAt, &cp.UpdatedAt)
	state, _ := invocationKeys(cp)
	if err := m.insertNew(&row{ID: cp.ID, State: state, value: cp}, invocationsTable); err != nil {
		return err
	}
	inv.CreatedAt, inv.UpdatedAt = cp.CreatedAt, cp.UpdatedAt
	return nil
}

// GetInvocation returns a copy of the invocation.
func (m *Memory) GetInvocation(_ context.Context, id string) (*model.WorkflowInvocation, error) {
	return getRecord[*model.WorkflowInvocation](m, invocationsTable, id)
}

// MutateInvocation applies fn to the invocation atomically.
func (m *Memory) MutateInvocation(_ context.Context, id string, fn func(*model.WorkflowInvocation) error) (*model.WorkflowInvocation, error) {
	return mutateRecord(m, invocationsTable, id, invocationKeys, fn)
}

// ListInvocations returns invocations in creation order, optionally limited to states.
func (m *Memory) ListInvocations(_ context.Context, states ...model.InvocationState) ([]*model.WorkflowInvocation, error) {
	all, err := listRecords[*model.WorkflowInvocation](m, invocationsTable, idIndex)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return all, nil
	}
	return slices.DeleteFunc(all, func(inv *model.WorkflowInvocation) bool {
		return !slices.Contains(states, inv.State)
	}), nil
}

// CreateImplicitGroup inserts a new implicit collection jobs group.
func (m *Memory) CreateImplicitGroup(_ context.Context, g *model.ImplicitCollectionJobs) error {
	cp := g.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if err := m.insertNew(&row{ID: cp.ID, Invocation: cp.InvocationID, value: cp}, groupsTable); err != nil {
		return err
	}
	g.CreatedAt = cp.CreatedAt
	return nil
}

// GetImplicitGroup returns a copy of the group.
func (m *Memory) GetImplicitGroup(_ context.Context, id string) (*model.ImplicitCollectionJobs, error) {
	return getRecord[*model.ImplicitCollectionJobs](m, groupsTable, id)
}

// Ping always succeeds for the in-memory store.
func (m *Memory) Ping(context.Context) error {
	return nil
}
