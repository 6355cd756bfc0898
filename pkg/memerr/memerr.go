// Package memerr provides the operation-tagged error wrapping used across
// the memory engine, mirroring the teacher's StoreError{Op, Err} pattern
// instead of each package hand-rolling its own error type.
package memerr

import (
	"errors"
	"fmt"
)

// Sentinel errors a caller can match with errors.Is.
var (
	ErrNotFound      = errors.New("memengine: not found")
	ErrInvalidInput  = errors.New("memengine: invalid input")
	ErrAlreadyExists = errors.New("memengine: already exists")
	ErrClosed        = errors.New("memengine: closed")
	ErrConflict      = errors.New("memengine: conflict")
)

// OpError wraps an underlying error with the operation and component that
// produced it, the same shape as the teacher's StoreError.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, target) to match through the Op wrapper.
func (e *OpError) Is(target error) bool {
	t, ok := target.(*OpError)
	if !ok {
		return errors.Is(e.Err, target)
	}
	return e.Op == t.Op && errors.Is(e.Err, t.Err)
}

// Wrap tags err with the operation that produced it. Returns nil if err is
// nil, so callers can write `return memerr.Wrap("Graph.AddNode", err)`
// unconditionally at the end of a function.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Err: err}
}

// Wrapf is Wrap with a formatted operation/detail string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: fmt.Sprintf(format, args...), Err: err}
}

// NotFound builds an ErrNotFound wrapped with op context, e.g. for a missing
// node or memory id.
func NotFound(op, id string) error {
	return Wrap(op, fmt.Errorf("%w: %s", ErrNotFound, id))
}

// Invalid builds an ErrInvalidInput wrapped with op context and a reason.
func Invalid(op, reason string) error {
	return Wrap(op, fmt.Errorf("%w: %s", ErrInvalidInput, reason))
}
