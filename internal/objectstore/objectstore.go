// Package objectstore abstracts the byte storage jobs stage inputs from and
// push outputs to. Backends never assume a single physical location: a
// reference may live on local disk, in S3, or behind another engine's HTTP API.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"jobengine/internal/apperrors"
	"regexp"
)

// ObjectStore is the contract every backend implements. All operations are
// safe for concurrent use.
type ObjectStore interface {
	Exists(ctx context.Context, ref string) (bool, error)
	// Create makes an empty object if none exists.
	Create(ctx context.Context, ref string) error
	Size(ctx context.Context, ref string) (int64, error)
	// GetData reads count bytes starting at start; count < 0 reads to the end.
	GetData(ctx context.Context, ref string, start, count int64) ([]byte, error)
	// GetFilename returns a local path holding the object's bytes,
	// materializing remote objects first.
	GetFilename(ctx context.Context, ref string) (string, error)
	UpdateFromFile(ctx context.Context, ref, path string) error
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, ref string) error
	// GetObjectURL returns a direct URL, or false when callers must stream
	// through GetData.
	GetObjectURL(ctx context.Context, ref string) (string, bool)
	// Ready reports whether the backend can serve requests.
	Ready(ctx context.Context) error
}

// ErrNoSuchObject is the cause of errors for references that do not exist.
var ErrNoSuchObject = fmt.Errorf("object %w", apperrors.ErrNotFound)

// Error is the typed failure of an object store operation.
type Error struct {
	Op        string
	Ref       string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Ref == "" {
		return fmt.Sprintf("objectstore %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("objectstore %s %s: %v", e.Op, e.Ref, e.Err)
}

// Unwrap classifies the error as transient or staging for errors.Is and
// exposes the cause.
func (e *Error) Unwrap() []error {
	kind := apperrors.ErrStaging
	if e.Transient {
		kind = apperrors.ErrTransient
	}
	return []error{kind, e.Err}
}

func permanent(op, ref string, err error) error {
	return &Error{Op: op, Ref: ref, Err: err}
}

func transient(op, ref string, err error) error {
	return &Error{Op: op, Ref: ref, Transient: true, Err: err}
}

func notFound(op, ref string) error {
	return &Error{Op: op, Ref: ref, Err: ErrNoSuchObject}
}

// IsTransient reports whether err is a retryable object store failure.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Transient
}

// IsNotFound reports whether err means the reference does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNoSuchObject)
}

var refPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,254}$`)

// ValidateRef rejects references that could escape a backend's namespace.
func ValidateRef(ref string) error {
	if !refPattern.MatchString(ref) {
		return apperrors.Validation("ref", fmt.Sprintf("invalid object reference %q", ref))
	}
	return nil
}
