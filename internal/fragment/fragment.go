package fragment

import (
	"fmt"

	"github.com/roach88/fragcache/internal/errs"
	"github.com/roach88/fragcache/internal/row"
)

// ContextID identifies the persistence context owning a fragment.
// Zero means no owner.
type ContextID uint64

// Fragment wraps one row with dirty tracking and a lifecycle state.
//
// A fragment is owned by exactly one persistence context and is not safe
// for concurrent use; the owning context serializes access.
type Fragment struct {
	row   *row.Row
	old   []row.Value
	state State
	owner ContextID
}

// New creates a fragment around r. The row's current values become the
// clean baseline. Panics if state and owner disagree about detachment.
func New(r *row.Row, state State, owner ContextID) *Fragment {
	if !state.Valid() {
		panic(fmt.Sprintf("fragment.New: invalid state %d", state))
	}
	if (state == Detached) != (owner == 0) {
		panic(fmt.Sprintf("fragment.New: state %s with owner %d", state, owner))
	}
	f := &Fragment{row: r, state: state, owner: owner}
	f.clearDirty()
	return f
}

// NewAbsent creates an Absent fragment for a row that does not exist.
func NewAbsent(id row.RowID, owner ContextID) *Fragment {
	return New(row.New(id.Table, id.ID), Absent, owner)
}

// NewCreated creates a fragment for a new row. Every non-null value is dirty.
func NewCreated(r *row.Row, owner ContextID) *Fragment {
	f := New(row.New(r.Table, r.ID), Created, owner)
	for i, k := range r.Keys {
		f.Put(k, r.Values[i])
	}
	return f
}

// ID returns the row id.
func (f *Fragment) ID() row.RowID { return f.row.RowID }

// State returns the current state.
func (f *Fragment) State() State { return f.state }

// Owner returns the owning context, zero when detached.
func (f *Fragment) Owner() ContextID { return f.owner }

// Row returns the wrapped row. Callers must not modify it.
func (f *Fragment) Row() *row.Row { return f.row }

// Get returns the current value of key. Callers run Accessed first.
func (f *Fragment) Get(key string) row.Value {
	return f.row.Get(key)
}

// Put sets key to v and reports whether the fragment must be marked
// modified. Writing Null to an Absent fragment does not materialize it.
func (f *Fragment) Put(key string, v row.Value) bool {
	if v == nil {
		v = row.Null{}
	}
	f.row.Put(key, v)
	f.growOld()
	return !(f.state == Absent && row.IsNull(v))
}

// Add adds n to the integer value of key as a pending Delta and returns the
// new value, which always requires MarkModified.
func (f *Fragment) Add(key string, n int64) (row.Delta, error) {
	var d row.Delta
	switch cur := f.row.Get(key).(type) {
	case row.Delta:
		d = cur.Add(n)
	case row.Int:
		d = row.Delta{Base: int64(cur), Amount: n}
	case row.Null:
		d = row.Delta{Amount: n}
	default:
		return d, fmt.Errorf("add to %s.%s: not an integer: %s", f.row.RowID, key, row.Format(cur))
	}
	f.row.Put(key, d)
	f.growOld()
	return d, nil
}

// growOld pads the baseline so old and current values have the same length.
func (f *Fragment) growOld() {
	for len(f.old) < len(f.row.Values) {
		f.old = append(f.old, row.Null{})
	}
}

// DirtyKeys returns the keys whose value differs from the baseline,
// in column order. Empty when nothing needs writing.
func (f *Fragment) DirtyKeys() []string {
	var keys []string
	for i, k := range f.row.Keys {
		if !row.Equal(f.row.Values[i], f.old[i]) {
			keys = append(keys, k)
		}
	}
	return keys
}

// clearDirty resolves deltas and makes the current values the baseline.
func (f *Fragment) clearDirty() {
	for i, v := range f.row.Values {
		f.row.Values[i] = row.Resolve(v)
	}
	f.old = append(f.old[:0], f.row.Values...)
}

// RowUpdate returns the partial update for the dirty keys, or nil when
// nothing is dirty. The row carries pending deltas unresolved.
func (f *Fragment) RowUpdate() *row.Update {
	keys := f.DirtyKeys()
	if len(keys) == 0 {
		return nil
	}
	return &row.Update{Row: f.row.Clone(), Keys: keys}
}

// MarkModified applies the write transition.
func (f *Fragment) MarkModified() error {
	return f.transition(f.state.MarkModified())
}

// SetDeleted applies the delete transition. A fragment moving to Detached
// loses its owner.
func (f *Fragment) SetDeleted(primary bool) error {
	return f.transition(f.state.SetDeleted(primary))
}

// SetPristine applies the post-flush transition and clears dirty keys.
func (f *Fragment) SetPristine() error {
	if err := f.transition(f.state.SetPristine()); err != nil {
		return err
	}
	f.clearDirty()
	return nil
}

// SetInvalidatedModified marks the fragment stale.
func (f *Fragment) SetInvalidatedModified() error {
	return f.transition(f.state.SetInvalidatedModified())
}

// SetInvalidatedDeleted marks the fragment as deleted elsewhere.
func (f *Fragment) SetInvalidatedDeleted() error {
	return f.transition(f.state.SetInvalidatedDeleted())
}

// Accessed must be called before any read. An InvalidatedModified fragment
// is refetched through fetch, which returns nil when the row no longer
// exists. An InvalidatedDeleted fragment becomes Absent without calling fetch.
func (f *Fragment) Accessed(fetch func() (*row.Row, error)) error {
	switch f.state {
	case InvalidatedModified:
		r, err := fetch()
		if err != nil {
			return fmt.Errorf("refetch %s: %w", f.row.RowID, err)
		}
		if r == nil {
			f.reset(row.New(f.row.Table, f.row.ID), Absent)
		} else {
			f.reset(r.Clone(), Pristine)
		}
	case InvalidatedDeleted:
		f.reset(row.New(f.row.Table, f.row.ID), Absent)
	}
	return nil
}

func (f *Fragment) reset(r *row.Row, s State) {
	f.row = r
	f.state = s
	f.old = f.old[:0]
	f.clearDirty()
}

// Detach drops the fragment from its context.
func (f *Fragment) Detach() {
	f.state = Detached
	f.owner = 0
}

func (f *Fragment) transition(next State, err error) error {
	if err != nil {
		if se, ok := err.(*errs.StateError); ok {
			return se.WithRow(f.row.Table, f.row.ID)
		}
		return err
	}
	f.state = next
	if next == Detached {
		f.owner = 0
	}
	return nil
}

// String renders the fragment for logs.
func (f *Fragment) String() string {
	return fmt.Sprintf("%s[%s]", f.row, f.state)
}
