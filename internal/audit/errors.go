package audit

import (
	"fmt"

	"github.com/evidence-on-demand/backend/pkg/errors"
)

var (
	// ErrEntryNotFound is returned when no audit entry has the requested id.
	ErrEntryNotFound = errors.New("audit: entry not found")

	// ErrWriteFailure marks an entry that could not be persisted.
	ErrWriteFailure = errors.New("audit: write failure")

	// ErrInvalidFilter is returned for a malformed list filter.
	ErrInvalidFilter = errors.New("audit: invalid filter")

	// ErrClosed is returned after the recorder has been shut down.
	ErrClosed = errors.New("audit: recorder closed")
)

// StoreError describes a failure inside a storage backend.
type StoreError struct {
	Backend   string
	Operation string
	Cause     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("audit store error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

func NewStoreError(backend, operation string, cause error) *StoreError {
	return &StoreError{Backend: backend, Operation: operation, Cause: cause}
}

// WriteError wraps a failed Record call. It matches ErrWriteFailure.
type WriteError struct {
	Cause error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("audit write failure: %v", e.Cause)
}

func (e *WriteError) Unwrap() error {
	return e.Cause
}

func (e *WriteError) Is(target error) bool {
	return target == ErrWriteFailure
}
