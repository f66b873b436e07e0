package invalidation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/fragcache/internal/row"
)

// Kind says how a row was invalidated.
type Kind int

const (
	Modified Kind = iota + 1
	Deleted
)

func (k Kind) String() string {
	switch k {
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Invalidation names rows of one table invalidated the same way.
type Invalidation struct {
	Table string
	IDs   []string
	Kind  Kind
}

// Invalidations is a batch of invalidated rows. Selections travel as rows
// of a pseudo-table named after the selection type.
//
// A batch is read-only once handed to the propagator.
type Invalidations struct {
	// All means every cache must be cleared.
	All bool

	Modified map[row.RowID]struct{}
	Deleted  map[row.RowID]struct{}
}

// New returns an empty batch.
func New() *Invalidations {
	return &Invalidations{
		Modified: make(map[row.RowID]struct{}),
		Deleted:  make(map[row.RowID]struct{}),
	}
}

// NewAll returns a batch invalidating everything.
func NewAll() *Invalidations {
	iv := New()
	iv.All = true
	return iv
}

// AddModified records a modified row. Ignored if the row is already
// recorded as deleted.
func (iv *Invalidations) AddModified(id row.RowID) {
	if _, ok := iv.Deleted[id]; ok {
		return
	}
	iv.Modified[id] = struct{}{}
}

// AddDeleted records a deleted row. Deletion wins over modification.
func (iv *Invalidations) AddDeleted(id row.RowID) {
	delete(iv.Modified, id)
	iv.Deleted[id] = struct{}{}
}

// Add records ids of table with the given kind.
func (iv *Invalidations) Add(table string, ids []string, kind Kind) {
	for _, id := range ids {
		rid := row.NewRowID(table, id)
		if kind == Deleted {
			iv.AddDeleted(rid)
		} else {
			iv.AddModified(rid)
		}
	}
}

// Merge adds every entry of other.
func (iv *Invalidations) Merge(other *Invalidations) {
	if other == nil {
		return
	}
	iv.All = iv.All || other.All
	for id := range other.Modified {
		iv.AddModified(id)
	}
	for id := range other.Deleted {
		iv.AddDeleted(id)
	}
}

// IsEmpty reports whether the batch invalidates nothing.
func (iv *Invalidations) IsEmpty() bool {
	return iv == nil || (!iv.All && len(iv.Modified) == 0 && len(iv.Deleted) == 0)
}

// Len returns the number of invalidated rows.
func (iv *Invalidations) Len() int {
	return len(iv.Modified) + len(iv.Deleted)
}

// Entries groups the batch by table and kind, sorted by table, kind and id.
func (iv *Invalidations) Entries() []Invalidation {
	type key struct {
		table string
		kind  Kind
	}
	groups := make(map[key][]string)
	for id := range iv.Modified {
		k := key{id.Table, Modified}
		groups[k] = append(groups[k], id.ID)
	}
	for id := range iv.Deleted {
		k := key{id.Table, Deleted}
		groups[k] = append(groups[k], id.ID)
	}
	out := make([]Invalidation, 0, len(groups))
	for k, ids := range groups {
		sort.Strings(ids)
		out = append(out, Invalidation{Table: k.table, IDs: ids, Kind: k.kind})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// FromEntries rebuilds a batch from grouped entries.
func FromEntries(all bool, entries []Invalidation) *Invalidations {
	iv := New()
	iv.All = all
	for _, e := range entries {
		iv.Add(e.Table, e.IDs, e.Kind)
	}
	return iv
}

// String renders the batch for logs.
func (iv *Invalidations) String() string {
	if iv == nil {
		return "{}"
	}
	var parts []string
	if iv.All {
		parts = append(parts, "all")
	}
	for _, e := range iv.Entries() {
		parts = append(parts, fmt.Sprintf("%s %s=%v", e.Kind, e.Table, e.IDs))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
