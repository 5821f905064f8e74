package runner

import (
	"jobengine/internal/apperrors"
	"slices"
	"strings"
	"sync"
	"time"
)

// Entry is the runner-side record of one submitted job.
type Entry struct {
	JobID      string
	ExternalID string
	WorkingDir string
	Submitted  time.Time
	// Data holds backend specific state (process, container ids).
	Data any
}

// WatchList tracks the jobs a runner has submitted. A job id is reserved
// before the backend call and committed with its handle afterwards, so two
// concurrent submissions of the same job cannot both reach the backend.
type WatchList struct {
	mu   sync.RWMutex
	jobs map[string]*Entry
}

// NewWatchList creates an empty watch list.
func NewWatchList() *WatchList {
	return &WatchList{jobs: make(map[string]*Entry)}
}

// Reserve claims jobID. If the id is already present the existing entry is
// returned with ok false; a reserved but uncommitted entry is nil.
func (w *WatchList) Reserve(jobID string) (existing *Entry, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e, exists := w.jobs[jobID]; exists {
		return e, false
	}
	w.jobs[jobID] = nil
	return nil, true
}

// Commit fills in a reserved slot.
func (w *WatchList) Commit(e *Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.jobs[e.JobID] = e
}

// Release removes jobID and returns its entry if it was committed.
func (w *WatchList) Release(jobID string) (*Entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, exists := w.jobs[jobID]
	if exists {
		delete(w.jobs, jobID)
	}
	return e, exists && e != nil
}

// Get returns the committed entry for jobID.
func (w *WatchList) Get(jobID string) (*Entry, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	e, exists := w.jobs[jobID]
	return e, exists && e != nil
}

// Reserved reports whether jobID is claimed but not yet committed.
func (w *WatchList) Reserved(jobID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	e, exists := w.jobs[jobID]
	return exists && e == nil
}

// Entries returns copies of all committed entries ordered by job id.
func (w *WatchList) Entries() []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Entry, 0, len(w.jobs))
	for _, e := range w.jobs {
		if e != nil {
			out = append(out, *e)
		}
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.JobID, b.JobID) })
	return out
}

// Len counts reserved and committed entries.
func (w *WatchList) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.jobs)
}

// Submit runs submit at most once per job id. A job already on the list
// returns its existing handle; a job whose submission is still in flight
// is a conflict. A failed submit releases the reservation.
func (w *WatchList) Submit(jobID string, submit func() (*Entry, error)) (Handle, error) {
	existing, ok := w.Reserve(jobID)
	if !ok {
		if existing == nil {
			return Handle{}, apperrors.Conflict("job", jobID, "job "+jobID+" submission already in progress")
		}
		return Handle{ExternalID: existing.ExternalID, Existing: true}, nil
	}
	e, err := submit()
	if err != nil {
		w.Release(jobID)
		return Handle{}, err
	}
	e.JobID = jobID
	if e.Submitted.IsZero() {
		e.Submitted = time.Now()
	}
	w.Commit(e)
	return Handle{ExternalID: e.ExternalID}, nil
}
