package fragment

import (
	"strconv"

	"github.com/roach88/fragcache/internal/errs"
)

// State is the lifecycle state of a Fragment.
type State uint8

const (
	// Detached fragments are not owned by any persistence context.
	Detached State = iota
	// Absent fragments stand for a row that does not exist in the store.
	Absent
	// Pristine fragments match the store.
	Pristine
	// Created fragments have no row in the store yet.
	Created
	// Modified fragments have dirty keys to write.
	Modified
	// Deleted fragments are removed on the next save.
	Deleted
	// DeletedDependent fragments are removed by the store as a consequence
	// of their primary row's deletion and are never sent on their own.
	DeletedDependent
	// InvalidatedModified fragments must be refetched before being read.
	InvalidatedModified
	// InvalidatedDeleted fragments were deleted elsewhere.
	InvalidatedDeleted
)

var stateNames = [...]string{
	Detached:            "Detached",
	Absent:              "Absent",
	Pristine:            "Pristine",
	Created:             "Created",
	Modified:            "Modified",
	Deleted:             "Deleted",
	DeletedDependent:    "DeletedDependent",
	InvalidatedModified: "InvalidatedModified",
	InvalidatedDeleted:  "InvalidatedDeleted",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Valid reports whether s is one of the declared states.
func (s State) Valid() bool {
	return s <= InvalidatedDeleted
}

// InPristineMap reports whether a fragment in state s belongs in the
// context's pristine map.
func (s State) InPristineMap() bool {
	switch s {
	case Absent, Pristine, InvalidatedModified, InvalidatedDeleted:
		return true
	}
	return false
}

// InModifiedMap reports whether a fragment in state s belongs in the
// context's modified map.
func (s State) InModifiedMap() bool {
	switch s {
	case Created, Modified, Deleted, DeletedDependent:
		return true
	}
	return false
}

// IsInvalidated reports whether s requires work before the next read.
func (s State) IsInvalidated() bool {
	return s == InvalidatedModified || s == InvalidatedDeleted
}

// MarkModified is the transition taken after a write.
func (s State) MarkModified() (State, error) {
	switch s {
	case Absent:
		return Created, nil
	case Pristine, InvalidatedModified:
		return Modified, nil
	case Created, Modified, Deleted, DeletedDependent:
		return s, nil
	case InvalidatedDeleted:
		return s, errs.NewConcurrentModificationError("MarkModified", s.String())
	}
	return s, errs.NewInvariantError("MarkModified", s.String())
}

// SetDeleted is the transition taken when the row is removed. Rows that
// were never persisted go straight to Detached.
func (s State) SetDeleted(primary bool) (State, error) {
	switch s {
	case Pristine, InvalidatedModified, Modified:
		if primary {
			return Deleted, nil
		}
		return DeletedDependent, nil
	case Absent, InvalidatedDeleted, Created:
		return Detached, nil
	}
	return s, errs.NewInvariantError("SetDeleted", s.String())
}

// SetPristine is the transition taken after a successful flush.
func (s State) SetPristine() (State, error) {
	switch s {
	case Created, Modified:
		return Pristine, nil
	}
	return s, errs.NewInvariantError("SetPristine", s.String())
}

// SetInvalidatedModified is the transition taken when another session or
// node modified the row. States with pending local writes are left as they
// are; their conflicts surface at save time. Only Detached fails.
func (s State) SetInvalidatedModified() (State, error) {
	switch s {
	case Absent, Pristine, InvalidatedModified, InvalidatedDeleted:
		return InvalidatedModified, nil
	case Detached:
		return s, errs.NewInvariantError("SetInvalidatedModified", s.String())
	}
	return s, nil
}

// SetInvalidatedDeleted is the transition taken when another session or
// node deleted the row. States with pending local writes are left as they
// are; their conflicts surface at save time. Only Detached fails.
func (s State) SetInvalidatedDeleted() (State, error) {
	switch s {
	case Absent, Pristine, InvalidatedModified, InvalidatedDeleted:
		return InvalidatedDeleted, nil
	case Detached:
		return s, errs.NewInvariantError("SetInvalidatedDeleted", s.String())
	}
	return s, nil
}
