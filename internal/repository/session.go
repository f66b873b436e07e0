package repository

import (
	"context"
	"sync"

	"github.com/roach88/fragcache/internal/fragment"
	"github.com/roach88/fragcache/internal/invalidation"
	"github.com/roach88/fragcache/internal/persistence"
	"github.com/roach88/fragcache/internal/row"
)

// Session is one unit of work on the repository. Writes stay in the
// session until Save; reads see the session's own writes and, after each
// operation boundary, the saves of every other session.
type Session struct {
	id   string
	repo *Repository
	pc   *persistence.Context

	closeOnce sync.Once
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Context returns the session's persistence context.
func (s *Session) Context() *persistence.Context { return s.pc }

// Get returns the fragment of id, or nil if the row does not exist and
// allowAbsent is false.
func (s *Session) Get(ctx context.Context, id row.RowID, allowAbsent bool) (*fragment.Fragment, error) {
	return s.pc.Get(ctx, id, allowAbsent)
}

// GetMulti returns the existing fragments among ids of table.
func (s *Session) GetMulti(ctx context.Context, table string, ids []string) ([]*fragment.Fragment, error) {
	return s.pc.GetMulti(ctx, table, ids)
}

// Read returns the value of key in row id, or Null if the row does not
// exist.
func (s *Session) Read(ctx context.Context, id row.RowID, key string) (row.Value, error) {
	f, err := s.pc.Get(ctx, id, false)
	if err != nil || f == nil {
		return row.Null{}, err
	}
	return row.Resolve(f.Get(key)), nil
}

// Put sets key of row id, creating the row if needed.
func (s *Session) Put(ctx context.Context, id row.RowID, key string, v row.Value) error {
	return s.pc.Put(ctx, id, key, v)
}

// Add adds n to the integer key of row id and returns the new value. The
// increment is written as a delta, so concurrent adds from other sessions
// are not lost.
func (s *Session) Add(ctx context.Context, id row.RowID, key string, n int64) (row.Int, error) {
	return s.pc.Add(ctx, id, key, n)
}

// CreateRow creates a single row.
func (s *Session) CreateRow(ctx context.Context, r *row.Row) (*fragment.Fragment, error) {
	return s.pc.CreateRow(ctx, r)
}

// CreateNode creates a hierarchy row and its side rows.
func (s *Session) CreateNode(ctx context.Context, hier *row.Row, others ...*row.Row) (*fragment.Group, error) {
	return s.pc.CreateNode(ctx, hier, others...)
}

// GetNode returns the fragments of node id, or nil if it does not exist.
func (s *Session) GetNode(ctx context.Context, id string) (*fragment.Group, error) {
	return s.pc.GetNode(ctx, id)
}

// RemoveNode removes node id with its side rows.
func (s *Session) RemoveNode(ctx context.Context, id string) error {
	return s.pc.RemoveNode(ctx, id)
}

// RemoveRow removes a single row.
func (s *Session) RemoveRow(ctx context.Context, id row.RowID) error {
	return s.pc.RemoveRow(ctx, id)
}

// Selection returns the rows of the named selection with key value selID.
func (s *Session) Selection(ctx context.Context, name, selID string) ([]*fragment.Fragment, error) {
	return s.pc.Selection(ctx, name, selID)
}

// Children returns the non-property children of parentID.
func (s *Session) Children(ctx context.Context, parentID string) ([]*fragment.Fragment, error) {
	return s.pc.Children(ctx, parentID)
}

// Save writes the session's pending changes in one batch. Every other
// session of the repository has received the resulting invalidations when
// Save returns; other nodes receive them asynchronously.
func (s *Session) Save(ctx context.Context) (*invalidation.Invalidations, error) {
	return s.pc.Save(ctx)
}

// ClearCaches drops the session's unmodified fragments.
func (s *Session) ClearCaches() (int, error) {
	return s.pc.ClearCaches()
}

// Stats returns the session's cache sizes and counters.
func (s *Session) Stats() persistence.Stats {
	return s.pc.Stats()
}

// Close discards unsaved changes and releases the session. Closing twice
// is a no-op.
func (s *Session) Close() {
	s.closeOnce.Do(func() { s.repo.closeSession(s) })
}
