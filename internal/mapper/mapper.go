// Package mapper defines the boundary between the fragment cache and the
// backing store.
//
// The cache never assumes SQL syntax. It relies only on writes being atomic
// per RowBatch and reads being linearizable with respect to the same
// mapper's prior writes.
package mapper

import (
	"context"

	"github.com/roach88/fragcache/internal/row"
)

// Mapper reads and writes rows.
type Mapper interface {
	// ReadRow returns the row, or nil if it does not exist.
	ReadRow(ctx context.Context, id row.RowID) (*row.Row, error)

	// ReadRows returns the existing rows among ids, in no particular order.
	ReadRows(ctx context.Context, table string, ids []string) ([]*row.Row, error)

	// WriteRows applies a batch atomically.
	WriteRows(ctx context.Context, batch *RowBatch) error

	// Query returns the rows matching q, ordered by id.
	Query(ctx context.Context, q Query) ([]*row.Row, error)
}

// Tx is the view of the store inside an explicit transaction.
type Tx interface {
	ReadRow(ctx context.Context, id row.RowID) (*row.Row, error)
	InsertRow(ctx context.Context, r *row.Row) error

	// DeleteRow reports whether a row was deleted.
	DeleteRow(ctx context.Context, id row.RowID) (bool, error)
}

// Transactor runs fn in a transaction, committing when fn returns nil and
// rolling back otherwise.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(Tx) error) error
}

// Query selects the rows of Table whose Key column equals Value. When
// Filter is set, rows whose Filter column is true are excluded.
type Query struct {
	Table  string
	Key    string
	Value  row.Value
	Filter string
}

// RowBatch is one atomic write.
type RowBatch struct {
	// Creates are inserted in order, so foreign keys to earlier rows hold.
	Creates []*row.Row

	// Updates write only their listed keys.
	Updates []*row.Update

	// Deletes are primary deletions. Deleting a hierarchy row also removes
	// its dependent rows in the store.
	Deletes []row.RowID

	// DeletesDependent lists rows removed by the cascade. They are never
	// sent as statements; they only produce invalidations.
	DeletesDependent []row.RowID

	// Selections lists selection pseudo-rows whose content changed. They
	// only produce invalidations.
	Selections []row.RowID
}

// IsEmpty reports whether the batch writes nothing and invalidates nothing.
func (b *RowBatch) IsEmpty() bool {
	return len(b.Creates) == 0 && len(b.Updates) == 0 && len(b.Deletes) == 0 &&
		len(b.DeletesDependent) == 0 && len(b.Selections) == 0
}

// Size returns the number of rows written.
func (b *RowBatch) Size() int {
	return len(b.Creates) + len(b.Updates) + len(b.Deletes)
}
