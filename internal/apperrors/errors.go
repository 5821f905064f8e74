// Package apperrors provides structured application errors with HTTP status mapping
// and the failure taxonomy used to classify job errors.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")

	// Job failure kinds.
	ErrTransient  = errors.New("transient infrastructure error")
	ErrSubmission = errors.New("backend submission error")
	ErrTool       = errors.New("tool error")
	ErrStaging    = errors.New("staging error")
	ErrScheduler  = errors.New("scheduler error")
	ErrFatal      = errors.New("fatal engine error")
)

// Kind names recorded on failed jobs.
const (
	KindTransient  = "transient"
	KindSubmission = "submission"
	KindTool       = "tool"
	KindStaging    = "staging"
	KindScheduler  = "scheduler"
	KindFatal      = "fatal"
	KindInternal   = "internal"
)

// Error carries a classification sentinel plus the context a handler or
// log line needs. Field names the offending input of a validation error,
// Resource and ID the record behind a lookup failure or conflict, Op the
// failing call.
type Error struct {
	Sentinel error
	Message  string
	Field    string
	Resource string
	ID       string
	Op       string
	Cause    error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation rejects one input field.
func Validation(field, message string) error {
	return &Error{Sentinel: ErrValidation, Message: message, Field: field}
}

func NotFound(resource, id string) error {
	return &Error{Sentinel: ErrNotFound, Message: fmt.Sprintf("%s %s not found", resource, id), Resource: resource, ID: id}
}

// Conflict reports an operation the current state of a resource forbids.
// reason is the whole message.
func Conflict(resource, id, reason string) error {
	return &Error{Sentinel: ErrConflict, Message: reason, Resource: resource, ID: id}
}

func Internal(op string, cause error) error {
	return wrap(ErrInternal, op, cause)
}

// Transient marks a failure that is expected to succeed when retried
// (network blip talking to a store or a remote runner).
func Transient(op string, cause error) error {
	return wrap(ErrTransient, op, cause)
}

// Submission marks a rejection by the execution backend (quota, bad queue).
func Submission(op string, cause error) error {
	return wrap(ErrSubmission, op, cause)
}

// Tool marks a deterministic failure of the job itself: non-zero exit,
// missing output or failed validation.
func Tool(message string) error {
	return &Error{Sentinel: ErrTool, Message: message}
}

// Staging marks a permanent object store failure for a single job.
func Staging(op string, cause error) error {
	return wrap(ErrStaging, op, cause)
}

// Scheduler marks an unresolvable workflow graph.
func Scheduler(step int, message string) error {
	return &Error{
		Sentinel: ErrScheduler,
		Message:  fmt.Sprintf("step %d: %s", step, message),
		Field:    fmt.Sprintf("steps[%d]", step),
	}
}

// Fatal marks a process-wide outage (store or object store unavailable).
func Fatal(op string, cause error) error {
	return wrap(ErrFatal, op, cause)
}

func wrap(sentinel error, op string, cause error) error {
	return &Error{
		Sentinel: sentinel,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// kinds is checked first to last: a fatal outage wrapping a transient
// cause is fatal. Deterministic kinds fail the same way when rerun.
var kinds = []struct {
	sentinel      error
	name          string
	deterministic bool
}{
	{ErrFatal, KindFatal, false},
	{ErrTransient, KindTransient, false},
	{ErrSubmission, KindSubmission, false},
	{ErrTool, KindTool, true},
	{ErrStaging, KindStaging, false},
	{ErrScheduler, KindScheduler, true},
}

// KindOf returns the job failure kind of err. Unclassified errors are internal.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.name
		}
	}
	return KindInternal
}

// LookupKind reports whether name is a failure kind and whether rerunning
// a job that failed with it can change the outcome.
func LookupKind(name string) (known, retryable bool) {
	if name == KindInternal {
		return true, true
	}
	for _, k := range kinds {
		if k.name == name {
			return true, !k.deterministic
		}
	}
	return false, false
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
