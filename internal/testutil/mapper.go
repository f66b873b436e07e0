package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/fragcache/internal/errs"
	"github.com/roach88/fragcache/internal/mapper"
	"github.com/roach88/fragcache/internal/model"
	"github.com/roach88/fragcache/internal/row"
)

// ErrDuplicateKey is returned by MemMapper inserts of an existing id.
var ErrDuplicateKey = errors.New("duplicate key")

// IsDuplicateKey classifies MemMapper insert errors.
func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

// MemMapper is an in-memory mapper.Mapper and mapper.Transactor that
// counts backend calls. Deleting a hierarchy row deletes the rows of the
// model's dependent tables with the same id.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type MemMapper struct {
	mu    sync.Mutex
	rows  map[row.RowID]*row.Row
	model *model.Model

	reads  int
	writes int

	// BeforeInsert, if set, runs before every insert outside a batch, without
	// the mutex held. Lock race tests use it to interleave operations.
	BeforeInsert func(r *row.Row)
}

// NewMemMapper creates an empty mapper over the default model.
func NewMemMapper() *MemMapper {
	return &MemMapper{rows: make(map[row.RowID]*row.Row), model: model.Default()}
}

// Reads returns the number of ReadRow/ReadRows/Query calls.
func (m *MemMapper) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Writes returns the number of WriteRows calls that wrote something.
func (m *MemMapper) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Put stores r directly, bypassing counters.
func (m *MemMapper) Put(r *row.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[r.RowID] = r.Resolved()
}

// Len returns the number of stored rows.
func (m *MemMapper) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *MemMapper) ReadRow(_ context.Context, id row.RowID) (*row.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	return m.rows[id].Clone(), nil
}

func (m *MemMapper) ReadRows(_ context.Context, table string, ids []string) ([]*row.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	var out []*row.Row
	for _, id := range ids {
		if r, ok := m.rows[row.NewRowID(table, id)]; ok {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemMapper) Query(_ context.Context, q mapper.Query) ([]*row.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	var out []*row.Row
	for id, r := range m.rows {
		if id.Table != q.Table || !row.Equal(r.Get(q.Key), q.Value) {
			continue
		}
		if q.Filter != "" && row.Equal(r.Get(q.Filter), row.Bool(true)) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemMapper) WriteRows(_ context.Context, batch *mapper.RowBatch) error {
	if batch.Size() == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[row.RowID]*row.Row, len(m.rows))
	for k, v := range m.rows {
		snapshot[k] = v
	}
	if err := m.apply(batch); err != nil {
		m.rows = snapshot
		return err
	}
	m.writes++
	return nil
}

func (m *MemMapper) apply(batch *mapper.RowBatch) error {
	for _, r := range batch.Creates {
		if err := m.insert(r); err != nil {
			return err
		}
	}
	for _, u := range batch.Updates {
		cur, ok := m.rows[u.Row.RowID]
		if !ok {
			return errs.NewConcurrentModificationError("Update", "Modified").WithRow(u.Row.Table, u.Row.ID)
		}
		next := cur.Clone()
		for _, k := range u.Keys {
			v := u.Row.Get(k)
			if d, ok := v.(row.Delta); ok {
				base, _ := next.Get(k).(row.Int)
				v = row.Int(int64(base) + d.Amount)
			}
			next.Put(k, v)
		}
		m.rows[u.Row.RowID] = next
	}
	for _, id := range batch.Deletes {
		m.delete(id)
	}
	return nil
}

func (m *MemMapper) insert(r *row.Row) error {
	if _, ok := m.rows[r.RowID]; ok {
		return fmt.Errorf("insert %s: %w", r.RowID, ErrDuplicateKey)
	}
	m.rows[r.RowID] = r.Resolved()
	return nil
}

func (m *MemMapper) delete(id row.RowID) bool {
	_, ok := m.rows[id]
	delete(m.rows, id)
	if id.Table == m.model.HierTable {
		for _, t := range m.model.SideTables() {
			delete(m.rows, row.NewRowID(t.Name, id.ID))
		}
	}
	return ok
}

// InsertRow inserts one row, failing with ErrDuplicateKey if it exists.
func (m *MemMapper) InsertRow(_ context.Context, r *row.Row) error {
	if m.BeforeInsert != nil {
		m.BeforeInsert(r)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insert(r)
}

// IsDuplicateKeyConflict classifies InsertRow errors.
func (m *MemMapper) IsDuplicateKeyConflict(err error) bool {
	return IsDuplicateKey(err)
}

// InTransaction runs fn with the mapper locked, restoring the previous
// content if fn fails.
func (m *MemMapper) InTransaction(_ context.Context, fn func(mapper.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make(map[row.RowID]*row.Row, len(m.rows))
	for k, v := range m.rows {
		snapshot[k] = v
	}
	if err := fn(memTx{m}); err != nil {
		m.rows = snapshot
		return err
	}
	return nil
}

// memTx runs with the mapper's mutex held.
type memTx struct{ m *MemMapper }

func (t memTx) ReadRow(_ context.Context, id row.RowID) (*row.Row, error) {
	return t.m.rows[id].Clone(), nil
}

func (t memTx) InsertRow(_ context.Context, r *row.Row) error {
	return t.m.insert(r)
}

func (t memTx) DeleteRow(_ context.Context, id row.RowID) (bool, error) {
	return t.m.delete(id), nil
}
