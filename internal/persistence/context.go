package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/fragcache/internal/cache"
	"github.com/roach88/fragcache/internal/errs"
	"github.com/roach88/fragcache/internal/fragment"
	"github.com/roach88/fragcache/internal/invalidation"
	"github.com/roach88/fragcache/internal/mapper"
	"github.com/roach88/fragcache/internal/model"
	"github.com/roach88/fragcache/internal/row"
)

// ErrClosed is returned by operations on a closed context.
var ErrClosed = errors.New("session is closed")

// DefaultBigSelectionWarningThreshold is the selection size above which a
// warning is logged.
const DefaultBigSelectionWarningThreshold = 15000

// Context is the per-session fragment cache.
//
// Fragments matching the store live in the pristine map, fragments with
// pending writes in the modified map; a row id is in at most one of them.
// Every operation first applies the invalidations received since the
// previous one.
//
// Thread-safety: operations are serialized by an internal mutex.
// ReceiveInvalidations only touches the inbox and may be called from any
// goroutine, including while another session is saving.
type Context struct {
	id        fragment.ContextID
	sessionID string
	mapper    mapper.Mapper
	model     *model.Model
	logger    *slog.Logger

	mu         sync.Mutex
	pristine   map[row.RowID]*fragment.Fragment
	modified   map[row.RowID]*fragment.Fragment
	createdIDs []row.RowID
	selections map[string]*SelectionContext
	closed     bool

	hits   int64
	misses int64

	inboxMu sync.Mutex
	inbox   *invalidation.Invalidations
}

// Option configures a Context.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	warnThreshold int
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBigSelectionWarningThreshold sets the selection size above which a
// warning is logged. Zero disables the warning.
func WithBigSelectionWarningThreshold(n int) Option {
	return func(o *options) { o.warnThreshold = n }
}

// NewContext creates the context of session sessionID. All reads and
// writes go through m, which should carry sessionID as the invalidation
// source so the session does not invalidate itself.
func NewContext(id fragment.ContextID, sessionID string, m mapper.Mapper, mdl *model.Model, opts ...Option) *Context {
	o := options{logger: slog.Default(), warnThreshold: DefaultBigSelectionWarningThreshold}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Context{
		id:         id,
		sessionID:  sessionID,
		mapper:     m,
		model:      mdl,
		logger:     o.logger.With("session", sessionID),
		pristine:   make(map[row.RowID]*fragment.Fragment),
		modified:   make(map[row.RowID]*fragment.Fragment),
		selections: make(map[string]*SelectionContext),
	}
	for _, st := range mdl.Selections() {
		c.selections[st.Name] = newSelectionContext(st, o.warnThreshold, c.logger)
	}
	return c
}

// ID returns the context id stamped on owned fragments.
func (c *Context) ID() fragment.ContextID { return c.id }

// RecipientID returns the session id.
func (c *Context) RecipientID() string { return c.sessionID }

// ReceiveInvalidations queues inv for the next operation.
func (c *Context) ReceiveInvalidations(inv *invalidation.Invalidations) {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	if c.inbox == nil {
		c.inbox = invalidation.New()
	}
	c.inbox.Merge(inv)
}

// begin locks the context and applies pending invalidations.
func (c *Context) begin() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("session %s: %w", c.sessionID, ErrClosed)
	}
	c.applyInbox()
	return nil
}

func (c *Context) applyInbox() {
	c.inboxMu.Lock()
	inv := c.inbox
	c.inbox = nil
	c.inboxMu.Unlock()
	if inv == nil || inv.IsEmpty() {
		return
	}

	if inv.All {
		n := c.clearCachesLocked()
		c.logger.Debug("cleared caches on invalidate-all", "dropped", n)
		return
	}
	for _, e := range inv.Entries() {
		if st, ok := c.model.SelectionByPseudoTable(e.Table); ok {
			for _, selID := range e.IDs {
				c.selections[st.Name].invalidate(selID)
			}
			continue
		}
		for _, id := range e.IDs {
			c.invalidate(row.NewRowID(e.Table, id), e.Kind)
		}
	}
}

func (c *Context) invalidate(id row.RowID, kind invalidation.Kind) {
	f, ok := c.pristine[id]
	if !ok {
		// Rows with pending local writes are checked against the store
		// at save time.
		return
	}
	var err error
	if kind == invalidation.Deleted {
		err = f.SetInvalidatedDeleted()
	} else {
		err = f.SetInvalidatedModified()
	}
	if err != nil {
		c.logger.Error("apply invalidation", "row", id.String(), "error", err)
	}
}

// Get returns the fragment for id. When the row does not exist, Get
// returns nil unless allowAbsent is set, in which case it returns an
// Absent fragment. Rows deleted in this session are reported as absent.
func (c *Context) Get(ctx context.Context, id row.RowID, allowAbsent bool) (*fragment.Fragment, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	return c.get(ctx, id, allowAbsent)
}

// GetOrCreate returns the fragment for id, Absent if the row does not
// exist.
func (c *Context) GetOrCreate(ctx context.Context, id row.RowID) (*fragment.Fragment, error) {
	return c.Get(ctx, id, true)
}

func (c *Context) get(ctx context.Context, id row.RowID, allowAbsent bool) (*fragment.Fragment, error) {
	if f, ok := c.modified[id]; ok {
		c.hits++
		if isDeleted(f.State()) && !allowAbsent {
			return nil, nil
		}
		return f, nil
	}
	if f, ok := c.pristine[id]; ok {
		if f.State().IsInvalidated() {
			c.misses++
			if err := f.Accessed(func() (*row.Row, error) { return c.mapper.ReadRow(ctx, id) }); err != nil {
				return nil, err
			}
		} else {
			c.hits++
		}
		return c.visible(f, allowAbsent), nil
	}

	c.misses++
	r, err := c.mapper.ReadRow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", id, err)
	}
	f := c.adopt(id, r)
	return c.visible(f, allowAbsent), nil
}

func (c *Context) visible(f *fragment.Fragment, allowAbsent bool) *fragment.Fragment {
	if f.State() == fragment.Absent && !allowAbsent {
		return nil
	}
	return f
}

// adopt inserts a fragment for a row read from the mapper; r is nil when
// the row does not exist.
func (c *Context) adopt(id row.RowID, r *row.Row) *fragment.Fragment {
	var f *fragment.Fragment
	if r == nil {
		f = fragment.NewAbsent(id, c.id)
	} else {
		f = fragment.New(r, fragment.Pristine, c.id)
	}
	c.pristine[id] = f
	return f
}

// GetMulti returns the existing fragments among ids of table, in the
// order of ids. Missing rows are fetched with a single mapper call.
func (c *Context) GetMulti(ctx context.Context, table string, ids []string) ([]*fragment.Fragment, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	return c.getMulti(ctx, table, ids)
}

func (c *Context) getMulti(ctx context.Context, table string, ids []string) ([]*fragment.Fragment, error) {
	var missing []string
	for _, id := range ids {
		rid := row.NewRowID(table, id)
		if _, ok := c.modified[rid]; ok {
			continue
		}
		if _, ok := c.pristine[rid]; ok {
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) > 0 {
		c.misses += int64(len(missing))
		rows, err := c.mapper.ReadRows(ctx, table, missing)
		if err != nil {
			return nil, fmt.Errorf("read %s rows: %w", table, err)
		}
		found := make(map[string]*row.Row, len(rows))
		for _, r := range rows {
			found[r.ID] = r
		}
		for _, id := range missing {
			c.adopt(row.NewRowID(table, id), found[id])
		}
		// The lookups below count adopted rows as hits.
		c.hits -= int64(len(missing))
	}

	out := make([]*fragment.Fragment, 0, len(ids))
	for _, id := range ids {
		f, err := c.get(ctx, row.NewRowID(table, id), false)
		if err != nil {
			return nil, err
		}
		if f != nil {
			out = append(out, f)
		}
	}
	return out, nil
}

// Put writes key on the row id, creating the row if it does not exist.
func (c *Context) Put(ctx context.Context, id row.RowID, key string, v row.Value) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.mu.Unlock()

	f, err := c.get(ctx, id, true)
	if err != nil {
		return err
	}
	if isDeleted(f.State()) {
		return errs.NewInvariantError("Put", f.State().String()).WithRow(id.Table, id.ID)
	}
	old := f.Get(key)
	wasAbsent := f.State() == fragment.Absent
	if !f.Put(key, v) {
		return nil
	}
	if err := c.markModified(f); err != nil {
		return err
	}
	if wasAbsent {
		c.createdIDs = append(c.createdIDs, id)
	}
	c.moveSelections(f, key, old, v)
	return nil
}

// Add adds n to the integer column key of row id as a pending delta and
// returns the new value.
func (c *Context) Add(ctx context.Context, id row.RowID, key string, n int64) (row.Int, error) {
	if err := c.begin(); err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	f, err := c.get(ctx, id, true)
	if err != nil {
		return 0, err
	}
	if isDeleted(f.State()) {
		return 0, errs.NewInvariantError("Add", f.State().String()).WithRow(id.Table, id.ID)
	}
	wasAbsent := f.State() == fragment.Absent
	d, err := f.Add(key, n)
	if err != nil {
		return 0, err
	}
	if err := c.markModified(f); err != nil {
		return 0, err
	}
	if wasAbsent {
		c.createdIDs = append(c.createdIDs, id)
	}
	return d.Resolve(), nil
}

// markModified applies the write transition and moves f to the modified map.
func (c *Context) markModified(f *fragment.Fragment) error {
	if err := f.MarkModified(); err != nil {
		return err
	}
	id := f.ID()
	if _, ok := c.pristine[id]; ok {
		delete(c.pristine, id)
		c.modified[id] = f
	}
	return nil
}

// moveSelections keeps cached selections in line with a write to key.
func (c *Context) moveSelections(f *fragment.Fragment, key string, old, v row.Value) {
	if row.Equal(old, v) {
		return
	}
	for _, st := range c.model.SelectionsFor(f.ID().Table) {
		if st.Key != key {
			continue
		}
		sc := c.selections[st.Name]
		if s, ok := old.(row.String); ok {
			sc.recordRemoved(string(s), f.ID().ID)
		}
		if s, ok := v.(row.String); ok {
			sc.recordCreated(string(s), f.ID().ID)
		}
	}
}

// CreateRow creates a new row. It fails if the row already exists.
func (c *Context) CreateRow(ctx context.Context, r *row.Row) (*fragment.Fragment, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	return c.create(ctx, r)
}

func (c *Context) create(ctx context.Context, r *row.Row) (*fragment.Fragment, error) {
	id := r.RowID
	if f, ok := c.modified[id]; ok && !isDeleted(f.State()) {
		return nil, fmt.Errorf("create %s: row already exists", id)
	}
	if f, ok := c.pristine[id]; ok {
		if f.State() != fragment.Absent && f.State() != fragment.InvalidatedDeleted {
			return nil, fmt.Errorf("create %s: row already exists", id)
		}
		delete(c.pristine, id)
		f.Detach()
	}
	if _, ok := c.modified[id]; ok {
		return nil, fmt.Errorf("create %s: row deleted in this session, save first", id)
	}

	f := fragment.NewCreated(r.Clone(), c.id)
	c.modified[id] = f
	c.createdIDs = append(c.createdIDs, id)
	for _, st := range c.model.SelectionsFor(id.Table) {
		if s, ok := f.Get(st.Key).(row.String); ok {
			c.selections[st.Name].recordCreated(string(s), id.ID)
		}
	}
	return f, nil
}

// CreateNode creates a hierarchy row and its side-table rows, in that order.
func (c *Context) CreateNode(ctx context.Context, hier *row.Row, others ...*row.Row) (*fragment.Group, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	if hier.Table != c.model.HierTable {
		return nil, fmt.Errorf("create node: %s is not a %s row", hier.RowID, c.model.HierTable)
	}
	hf, err := c.create(ctx, hier)
	if err != nil {
		return nil, err
	}
	g := fragment.NewGroup(hf)
	for _, r := range others {
		if r.ID != hier.ID {
			return nil, fmt.Errorf("create node %s: side row %s has another id", hier.ID, r.RowID)
		}
		f, err := c.create(ctx, r)
		if err != nil {
			return nil, err
		}
		g.Others[r.Table] = f
	}
	return g, nil
}

// GetNode returns the hierarchy fragment of id with every side-table
// fragment, Absent ones included. It returns nil if the node does not exist.
func (c *Context) GetNode(ctx context.Context, id string) (*fragment.Group, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	hf, err := c.get(ctx, row.NewRowID(c.model.HierTable, id), false)
	if err != nil || hf == nil {
		return nil, err
	}
	g := fragment.NewGroup(hf)
	for _, t := range c.model.SideTables() {
		f, err := c.get(ctx, row.NewRowID(t.Name, id), true)
		if err != nil {
			return nil, err
		}
		g.Others[t.Name] = f
	}
	return g, nil
}

// RemoveNode deletes a hierarchy row. Its side-table rows become
// DeletedDependent: the store removes them along with the hierarchy row.
func (c *Context) RemoveNode(ctx context.Context, id string) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.mu.Unlock()

	hid := row.NewRowID(c.model.HierTable, id)
	hf, err := c.get(ctx, hid, false)
	if err != nil {
		return err
	}
	if hf == nil {
		return fmt.Errorf("remove node %s: not found", id)
	}
	if err := c.remove(hf, true); err != nil {
		return err
	}
	for _, t := range c.model.SideTables() {
		f, err := c.get(ctx, row.NewRowID(t.Name, id), true)
		if err != nil {
			return err
		}
		if isDeleted(f.State()) {
			continue
		}
		if err := c.remove(f, false); err != nil {
			return err
		}
	}
	return nil
}

// RemoveRow deletes a single row as a primary delete.
func (c *Context) RemoveRow(ctx context.Context, id row.RowID) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.mu.Unlock()

	f, err := c.get(ctx, id, false)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("remove %s: not found", id)
	}
	return c.remove(f, true)
}

func (c *Context) remove(f *fragment.Fragment, primary bool) error {
	id := f.ID()
	existed := f.State() != fragment.Absent
	for _, st := range c.model.SelectionsFor(id.Table) {
		if s, ok := f.Get(st.Key).(row.String); ok && existed {
			c.selections[st.Name].recordRemoved(string(s), id.ID)
		}
	}
	if err := f.SetDeleted(primary); err != nil {
		return err
	}
	delete(c.pristine, id)
	if f.State() == fragment.Detached {
		delete(c.modified, id)
		c.createdIDs = removeID(c.createdIDs, id)
		return nil
	}
	c.modified[id] = f
	return nil
}

// Selection returns the fragments of the rows in selection selID of the
// named selection type, sorted by id. The first access queries the mapper;
// later ones are served from the session.
func (c *Context) Selection(ctx context.Context, name, selID string) ([]*fragment.Fragment, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	sc, ok := c.selections[name]
	if !ok {
		return nil, fmt.Errorf("unknown selection %q", name)
	}
	st := sc.Type()
	if _, complete := sc.members(selID); !complete {
		rows, err := c.mapper.Query(ctx, mapper.Query{Table: st.Table, Key: st.Key, Value: row.String(selID)})
		if err != nil {
			return nil, fmt.Errorf("query selection %s %s: %w", name, selID, err)
		}
		ids := make([]string, 0, len(rows))
		for _, r := range rows {
			ids = append(ids, r.ID)
			if _, ok := c.modified[r.RowID]; ok {
				continue
			}
			if f, ok := c.pristine[r.RowID]; ok && !f.State().IsInvalidated() {
				continue
			}
			c.adopt(r.RowID, r)
		}
		c.misses++
		sc.complete(selID, ids)
	} else {
		c.hits++
	}

	ids, _ := sc.members(selID)
	out := make([]*fragment.Fragment, 0, len(ids))
	for _, id := range ids {
		f, err := c.get(ctx, row.NewRowID(st.Table, id), false)
		if err != nil {
			return nil, err
		}
		if f == nil || isDeleted(f.State()) || !row.Equal(f.Get(st.Key), row.String(selID)) {
			sc.drop(selID, id)
			continue
		}
		if st.Filter != "" {
			if b, ok := f.Get(st.Filter).(row.Bool); ok && bool(b) {
				continue
			}
		}
		out = append(out, f)
	}
	return out, nil
}

// Children returns the non-property children of parentID.
func (c *Context) Children(ctx context.Context, parentID string) ([]*fragment.Fragment, error) {
	return c.Selection(ctx, model.SelChildren, parentID)
}

// Save writes every pending change as one batch and returns the
// invalidations it produced. On error nothing is considered saved and the
// pending changes stay in place.
func (c *Context) Save(ctx context.Context) (*invalidation.Invalidations, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	batch := c.buildBatch()
	// Fragments whose writes left no dirty keys still go back to pristine.
	if !batch.IsEmpty() {
		if err := c.mapper.WriteRows(ctx, batch); err != nil {
			return nil, fmt.Errorf("save session %s: %w", c.sessionID, err)
		}
	}

	for id, f := range c.modified {
		switch f.State() {
		case fragment.Deleted, fragment.DeletedDependent:
			f.Detach()
		default:
			if err := f.SetPristine(); err != nil {
				return nil, err
			}
			c.pristine[id] = f
		}
		delete(c.modified, id)
	}
	c.createdIDs = c.createdIDs[:0]
	for _, sc := range c.selections {
		sc.postSave()
	}

	c.logger.Info("saved",
		"created", len(batch.Creates),
		"updated", len(batch.Updates),
		"deleted", len(batch.Deletes)+len(batch.DeletesDependent))
	return cache.BatchInvalidations(batch), nil
}

// buildBatch collects the pending changes: creates in creation order,
// updates and deletes sorted by row id.
func (c *Context) buildBatch() *mapper.RowBatch {
	batch := &mapper.RowBatch{}
	for _, id := range c.createdIDs {
		if f, ok := c.modified[id]; ok && f.State() == fragment.Created {
			batch.Creates = append(batch.Creates, f.Row().Clone())
		}
	}
	ids := make([]row.RowID, 0, len(c.modified))
	for id := range c.modified {
		ids = append(ids, id)
	}
	sortRowIDs(ids)
	for _, id := range ids {
		f := c.modified[id]
		switch f.State() {
		case fragment.Modified:
			if u := f.RowUpdate(); u != nil {
				batch.Updates = append(batch.Updates, u)
			}
		case fragment.Deleted:
			batch.Deletes = append(batch.Deletes, id)
		case fragment.DeletedDependent:
			batch.DeletesDependent = append(batch.DeletesDependent, id)
		}
	}
	names := make([]string, 0, len(c.selections))
	for name := range c.selections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		batch.Selections = append(batch.Selections, c.selections[name].gatherInvalidations()...)
	}
	return batch
}

// ClearCaches drops every pristine fragment and unchanged selection and
// returns the number of fragments dropped. Pending changes are kept.
func (c *Context) ClearCaches() (int, error) {
	if err := c.begin(); err != nil {
		return 0, err
	}
	defer c.mu.Unlock()
	return c.clearCachesLocked(), nil
}

func (c *Context) clearCachesLocked() int {
	n := len(c.pristine)
	for id, f := range c.pristine {
		f.Detach()
		delete(c.pristine, id)
	}
	for _, sc := range c.selections {
		sc.clearCaches()
	}
	return n
}

// Close detaches every fragment. Unsaved changes are discarded.
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.clearCachesLocked()
	for id, f := range c.modified {
		f.Detach()
		delete(c.modified, id)
	}
	c.createdIDs = nil
	c.closed = true
}

// Stats is a snapshot of the context's sizes and counters.
type Stats struct {
	Pristine   int
	Modified   int
	Selections int
	Hits       int64
	Misses     int64
}

// Stats returns the current sizes and counters.
func (c *Context) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Pristine: len(c.pristine), Modified: len(c.modified), Hits: c.hits, Misses: c.misses}
	for _, sc := range c.selections {
		s.Selections += sc.Len()
	}
	return s
}

func isDeleted(s fragment.State) bool {
	return s == fragment.Deleted || s == fragment.DeletedDependent
}

func removeID(ids []row.RowID, id row.RowID) []row.RowID {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

func sortRowIDs(ids []row.RowID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Table != ids[j].Table {
			return ids[i].Table < ids[j].Table
		}
		return ids[i].ID < ids[j].ID
	})
}
