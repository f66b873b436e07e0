// Package lock stores document locks as rows of the lock table.
//
// Acquisition is an insert: the primary key makes exactly one of several
// racing inserts win, and the losers read the winner's row back. Removal
// reads and conditionally deletes inside one explicit transaction.
package lock

import (
	"fmt"
	"time"

	"github.com/roach88/fragcache/internal/errs"
	"github.com/roach88/fragcache/internal/row"
)

// Lock is the lock held on a document.
type Lock struct {
	Owner   string
	Created time.Time

	// Failed is set on the lock returned by a removal that was refused
	// because another owner holds it.
	Failed bool
}

func (l *Lock) String() string {
	if l == nil {
		return "unlocked"
	}
	s := fmt.Sprintf("locked by %s since %s", l.Owner, l.Created.Format(time.RFC3339))
	if l.Failed {
		s += " (removal refused)"
	}
	return s
}

// CanLockBeRemoved reports whether owner may remove a lock held by
// oldOwner. An empty owner on either side matches anyone.
func CanLockBeRemoved(oldOwner, owner string) bool {
	return oldOwner == "" || owner == "" || oldOwner == owner
}

// TooMuchConcurrencyError is returned when SetLock kept conflicting with
// locks that vanished before they could be read back. Err carries every
// conflict.
type TooMuchConcurrencyError struct {
	ID    string
	Tries int
	Err   error
}

func (e *TooMuchConcurrencyError) Error() string {
	return fmt.Sprintf("too much concurrency on lock %s after %d tries: %v", e.ID, e.Tries, e.Err)
}

// Is makes the error match errs.ErrConcurrentUpdate.
func (e *TooMuchConcurrencyError) Is(target error) bool {
	return target == errs.ErrConcurrentUpdate
}

func (e *TooMuchConcurrencyError) Unwrap() error { return e.Err }

// conflictError is a duplicate-key conflict whose winner was gone by the
// time it was read back. It is retried.
type conflictError struct {
	id      string
	attempt int
	err     error
}

func (e *conflictError) Error() string {
	return fmt.Sprintf("lock %s: conflict without a holder on attempt %d: %v", e.id, e.attempt, e.err)
}

func (e *conflictError) Unwrap() error { return e.err }

func lockFromRow(r *row.Row) *Lock {
	if r == nil {
		return nil
	}
	l := &Lock{}
	if s, ok := r.Get("owner").(row.String); ok {
		l.Owner = string(s)
	}
	if t, ok := r.Get("created").(row.Time); ok {
		l.Created = t.Time
	}
	return l
}

func lockRow(table, id string, l Lock) *row.Row {
	r := row.New(table, id)
	r.Put("owner", row.String(l.Owner))
	r.Put("created", row.NewTime(l.Created))
	return r
}
