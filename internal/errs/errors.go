// Package errs defines the error taxonomy shared by the fragment cache and
// the lock manager.
//
// Errors fall into four categories:
//   - Invariant violation: an integration bug (setPristine from a clean
//     state, double delete, invalidation sent to a detached fragment). Fatal.
//   - Concurrent modification: a write raced a delete from another session
//     or node. The caller may retry the enclosing operation.
//   - Backend I/O: anything the store returns that is not a duplicate-key
//     conflict. Propagated unchanged.
//   - Lock retry exhaustion: see lock.TooMuchConcurrencyError.
//
// Concurrent modification and lock retry exhaustion both match
// ErrConcurrentUpdate with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

// ErrConcurrentUpdate is the user-visible "concurrent update" condition.
var ErrConcurrentUpdate = errors.New("concurrent update")

// StateErrorCode categorizes state errors.
type StateErrorCode string

const (
	// ErrCodeInvariant indicates the cache and the flush set are out of sync.
	ErrCodeInvariant StateErrorCode = "INVARIANT_VIOLATION"

	// ErrCodeConcurrentModification indicates a write raced a remote delete.
	ErrCodeConcurrentModification StateErrorCode = "CONCURRENT_MODIFICATION"
)

// StateError is returned by fragment transitions and the persistence context.
type StateError struct {
	// Code identifies the error category.
	Code StateErrorCode

	// Op is the transition or operation that failed (e.g. "SetPristine").
	Op string

	// State is the fragment state at the time of the failure.
	State string

	// Table and ID identify the row, when known.
	Table string
	ID    string
}

// Error implements the error interface.
func (e *StateError) Error() string {
	msg := fmt.Sprintf("%s: %s in state %s", e.Code, e.Op, e.State)
	if e.Table != "" {
		msg += fmt.Sprintf(" (row=%s/%s)", e.Table, e.ID)
	}
	return msg
}

// Is makes concurrent-modification errors match ErrConcurrentUpdate.
func (e *StateError) Is(target error) bool {
	return target == ErrConcurrentUpdate && e.Code == ErrCodeConcurrentModification
}

// WithRow returns a copy of e naming the affected row.
func (e *StateError) WithRow(table, id string) *StateError {
	c := *e
	c.Table = table
	c.ID = id
	return &c
}

// NewInvariantError creates a StateError for an invalid transition.
func NewInvariantError(op, state string) *StateError {
	return &StateError{Code: ErrCodeInvariant, Op: op, State: state}
}

// NewConcurrentModificationError creates a StateError for a write that
// raced a delete.
func NewConcurrentModificationError(op, state string) *StateError {
	return &StateError{Code: ErrCodeConcurrentModification, Op: op, State: state}
}

// IsInvariant returns true if err is an invariant violation.
// Uses errors.As to handle wrapped errors.
func IsInvariant(err error) bool {
	var se *StateError
	if errors.As(err, &se) {
		return se.Code == ErrCodeInvariant
	}
	return false
}

// IsConcurrentModification returns true if err is a concurrent-modification
// state error. Uses errors.As to handle wrapped errors.
func IsConcurrentModification(err error) bool {
	var se *StateError
	if errors.As(err, &se) {
		return se.Code == ErrCodeConcurrentModification
	}
	return false
}
