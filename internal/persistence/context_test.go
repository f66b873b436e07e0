package persistence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fragcache/internal/cache"
	"github.com/roach88/fragcache/internal/errs"
	"github.com/roach88/fragcache/internal/fragment"
	"github.com/roach88/fragcache/internal/invalidation"
	"github.com/roach88/fragcache/internal/mapper"
	"github.com/roach88/fragcache/internal/model"
	"github.com/roach88/fragcache/internal/row"
	"github.com/roach88/fragcache/internal/testutil"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// recorder keeps every batch written through it.
type recorder struct {
	mapper.Mapper
	batches []*mapper.RowBatch
}

func (r *recorder) WriteRows(ctx context.Context, b *mapper.RowBatch) error {
	r.batches = append(r.batches, b)
	return r.Mapper.WriteRows(ctx, b)
}

func hierID(id string) row.RowID { return row.NewRowID(model.Hierarchy, id) }

func doc(id, parent, name string) *row.Row {
	return row.NewWithValues(model.Hierarchy, id,
		"parentid", parent, "name", name, "pos", int64(0), "isproperty", false)
}

func newSingle(t *testing.T) (*Context, *testutil.MemMapper, *recorder) {
	t.Helper()
	base := testutil.NewMemMapper()
	rec := &recorder{Mapper: base}
	c := NewContext(1, "s1", rec, model.Default(), WithLogger(quiet))
	t.Cleanup(c.Close)
	return c, base, rec
}

// env is a repository in miniature: sessions share a caching mapper and
// a propagator.
type env struct {
	base *testutil.MemMapper
	cm   *cache.CachingMapper
	prop *invalidation.Propagator
	next fragment.ContextID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	base := testutil.NewMemMapper()
	prop := invalidation.NewPropagator(invalidation.WithLogger(quiet))
	cm, err := cache.New(base, prop, cache.WithLogger(quiet))
	require.NoError(t, err)
	t.Cleanup(cm.Close)
	return &env{base: base, cm: cm, prop: prop}
}

func (e *env) open(t *testing.T, name string) *Context {
	t.Helper()
	e.next++
	c := NewContext(e.next, name, e.cm.Session(name), model.Default(), WithLogger(quiet))
	e.prop.Register(c)
	t.Cleanup(func() {
		e.prop.Unregister(name)
		c.Close()
	})
	return c
}

func TestGet_ReadsOnceThenHits(t *testing.T) {
	c, base, _ := newSingle(t)
	ctx := context.Background()
	base.Put(doc("d1", "root", "a"))

	f1, err := c.Get(ctx, hierID("d1"), false)
	require.NoError(t, err)
	f2, err := c.Get(ctx, hierID("d1"), false)
	require.NoError(t, err)

	assert.Same(t, f1, f2, "one fragment per row")
	assert.Equal(t, fragment.Pristine, f1.State())
	assert.Equal(t, fragment.ContextID(1), f1.Owner())
	assert.Equal(t, 1, base.Reads())

	st := c.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, 1, st.Pristine)
}

func TestGet_AbsentRowIsCached(t *testing.T) {
	c, base, _ := newSingle(t)
	ctx := context.Background()

	f, err := c.Get(ctx, hierID("missing"), false)
	require.NoError(t, err)
	assert.Nil(t, f)

	f, err = c.GetOrCreate(ctx, hierID("missing"))
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, fragment.Absent, f.State())
	assert.Equal(t, 1, base.Reads())
}

func TestGetMulti_FetchesMissingInOneCall(t *testing.T) {
	c, base, _ := newSingle(t)
	ctx := context.Background()
	base.Put(doc("a", "root", "a"))
	base.Put(doc("b", "root", "b"))

	_, err := c.Get(ctx, hierID("a"), false)
	require.NoError(t, err)

	frags, err := c.GetMulti(ctx, model.Hierarchy, []string{"b", "a", "zz"})
	require.NoError(t, err)
	require.Len(t, frags, 2)
	assert.Equal(t, "b", frags[0].ID().ID)
	assert.Equal(t, "a", frags[1].ID().ID)
	assert.Equal(t, 2, base.Reads())

	st := c.Stats()
	assert.Equal(t, int64(3), st.Misses)
}

func TestPut_SaveWritesDirtyKeysOnly(t *testing.T) {
	c, base, rec := newSingle(t)
	ctx := context.Background()
	base.Put(doc("d1", "root", "a"))

	require.NoError(t, c.Put(ctx, hierID("d1"), "name", row.String("b")))
	f, err := c.Get(ctx, hierID("d1"), false)
	require.NoError(t, err)
	assert.Equal(t, fragment.Modified, f.State())

	inv, err := c.Save(ctx)
	require.NoError(t, err)

	require.Len(t, rec.batches, 1)
	require.Len(t, rec.batches[0].Updates, 1)
	assert.Equal(t, []string{"name"}, rec.batches[0].Updates[0].Keys)
	assert.Equal(t, fragment.Pristine, f.State())
	assert.Empty(t, f.DirtyKeys())
	assert.Contains(t, inv.Modified, hierID("d1"))

	stored, err := base.ReadRow(ctx, hierID("d1"))
	require.NoError(t, err)
	assert.Equal(t, row.String("b"), stored.Get("name"))

	st := c.Stats()
	assert.Equal(t, 0, st.Modified)
	assert.Equal(t, 1, st.Pristine)
}

func TestPut_NullOnAbsentDoesNotCreate(t *testing.T) {
	c, base, rec := newSingle(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, row.NewRowID(model.Misc, "d1"), "lifecyclestate", row.Null{}))
	f, err := c.GetOrCreate(ctx, row.NewRowID(model.Misc, "d1"))
	require.NoError(t, err)
	assert.Equal(t, fragment.Absent, f.State())

	inv, err := c.Save(ctx)
	require.NoError(t, err)
	assert.True(t, inv.IsEmpty())
	assert.Empty(t, rec.batches)
	assert.Equal(t, 0, base.Len())
}

func TestPut_OnAbsentCreatesRow(t *testing.T) {
	c, base, _ := newSingle(t)
	ctx := context.Background()
	base.Put(doc("d1", "root", "a"))

	id := row.NewRowID(model.Misc, "d1")
	require.NoError(t, c.Put(ctx, id, "lifecyclestate", row.String("project")))
	f, err := c.Get(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, fragment.Created, f.State())

	_, err = c.Save(ctx)
	require.NoError(t, err)
	stored, err := base.ReadRow(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, row.String("project"), stored.Get("lifecyclestate"))
}

func TestCreateNode_HierarchyFirstInCreationOrder(t *testing.T) {
	c, base, rec := newSingle(t)
	ctx := context.Background()

	_, err := c.CreateNode(ctx, doc("p", "root", "p"),
		row.NewWithValues(model.Misc, "p", "lifecyclestate", "project"))
	require.NoError(t, err)
	_, err = c.CreateNode(ctx, doc("c", "p", "c"))
	require.NoError(t, err)

	_, err = c.Save(ctx)
	require.NoError(t, err)

	require.Len(t, rec.batches, 1)
	var order []string
	for _, r := range rec.batches[0].Creates {
		order = append(order, r.RowID.String())
	}
	assert.Equal(t, []string{"hierarchy/p", "misc/p", "hierarchy/c"}, order)
	assert.Equal(t, 3, base.Len())
}

func TestCreateRow_ExistingRowFails(t *testing.T) {
	c, base, _ := newSingle(t)
	ctx := context.Background()
	base.Put(doc("d1", "root", "a"))

	_, err := c.Get(ctx, hierID("d1"), false)
	require.NoError(t, err)
	_, err = c.CreateRow(ctx, doc("d1", "root", "b"))
	assert.Error(t, err)

	_, err = c.CreateNode(ctx, row.NewWithValues(model.Misc, "x"))
	assert.Error(t, err, "a node starts with a hierarchy row")
}

func TestRemoveNode_CascadesToSideTables(t *testing.T) {
	c, base, rec := newSingle(t)
	ctx := context.Background()
	base.Put(doc("d1", "root", "a"))
	base.Put(row.NewWithValues(model.Misc, "d1", "lifecyclestate", "project"))

	g, err := c.GetNode(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, fragment.Absent, g.Get(model.Versions).State())

	require.NoError(t, c.RemoveNode(ctx, "d1"))
	assert.Equal(t, fragment.Deleted, g.Hier.State())
	assert.Equal(t, fragment.DeletedDependent, g.Get(model.Misc).State())
	assert.Equal(t, fragment.Detached, g.Get(model.Versions).State())

	f, err := c.Get(ctx, hierID("d1"), false)
	require.NoError(t, err)
	assert.Nil(t, f, "deleted rows read as absent")

	inv, err := c.Save(ctx)
	require.NoError(t, err)
	require.Len(t, rec.batches, 1)
	assert.Equal(t, []row.RowID{hierID("d1")}, rec.batches[0].Deletes)
	assert.Equal(t, []row.RowID{row.NewRowID(model.Misc, "d1")}, rec.batches[0].DeletesDependent)
	assert.Contains(t, inv.Deleted, row.NewRowID(model.Misc, "d1"))
	assert.Equal(t, 0, base.Len())
	assert.Equal(t, fragment.Detached, g.Hier.State())
}

func TestRemoveNode_CreatedInSessionNeverReachesStore(t *testing.T) {
	c, base, rec := newSingle(t)
	ctx := context.Background()

	_, err := c.CreateNode(ctx, doc("tmp", "root", "tmp"))
	require.NoError(t, err)
	require.NoError(t, c.RemoveNode(ctx, "tmp"))

	_, err = c.Save(ctx)
	require.NoError(t, err)
	for _, b := range rec.batches {
		assert.Empty(t, b.Creates)
		assert.Empty(t, b.Deletes)
	}
	assert.Equal(t, 0, base.Len())
}

func TestPut_DeletedRowFails(t *testing.T) {
	c, base, _ := newSingle(t)
	ctx := context.Background()
	base.Put(doc("d1", "root", "a"))

	require.NoError(t, c.RemoveRow(ctx, hierID("d1")))
	err := c.Put(ctx, hierID("d1"), "name", row.String("x"))
	assert.True(t, errs.IsInvariant(err))
}

func TestAdd_DeltasFromTwoSessionsAccumulate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.base.Put(doc("d1", "root", "a"))
	a := e.open(t, "a")
	b := e.open(t, "b")

	v, err := a.Add(ctx, hierID("d1"), "pos", 1)
	require.NoError(t, err)
	assert.Equal(t, row.Int(1), v)
	v, err = b.Add(ctx, hierID("d1"), "pos", 2)
	require.NoError(t, err)
	assert.Equal(t, row.Int(2), v)

	_, err = a.Save(ctx)
	require.NoError(t, err)
	_, err = b.Save(ctx)
	require.NoError(t, err)

	stored, err := e.base.ReadRow(ctx, hierID("d1"))
	require.NoError(t, err)
	assert.Equal(t, row.Int(3), stored.Get("pos"))
}

func TestCoherence_OtherSessionSeesSavedValue(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.base.Put(doc("r", "root", "old"))
	a := e.open(t, "a")
	b := e.open(t, "b")

	fb, err := b.Get(ctx, hierID("r"), false)
	require.NoError(t, err)
	assert.Equal(t, row.String("old"), fb.Get("name"))

	require.NoError(t, a.Put(ctx, hierID("r"), "name", row.String("new")))
	_, err = a.Save(ctx)
	require.NoError(t, err)

	fb, err = b.Get(ctx, hierID("r"), false)
	require.NoError(t, err)
	assert.Equal(t, fragment.Pristine, fb.State())
	assert.Equal(t, row.String("new"), fb.Get("name"))

	fa, err := a.Get(ctx, hierID("r"), false)
	require.NoError(t, err)
	assert.Equal(t, fragment.Pristine, fa.State(), "the writer does not invalidate itself")
}

func TestSave_UnchangedWriteReturnsToPristine(t *testing.T) {
	c, base, rec := newSingle(t)
	ctx := context.Background()
	base.Put(doc("d1", "root", "a"))

	require.NoError(t, c.Put(ctx, hierID("d1"), "name", row.String("a")))
	f, err := c.Get(ctx, hierID("d1"), false)
	require.NoError(t, err)
	require.Equal(t, fragment.Modified, f.State())

	inv, err := c.Save(ctx)
	require.NoError(t, err)
	assert.Empty(t, rec.batches, "nothing to write")
	assert.True(t, inv.IsEmpty())
	assert.Equal(t, fragment.Pristine, f.State())

	st := c.Stats()
	assert.Equal(t, 0, st.Modified)
	assert.Equal(t, 1, st.Pristine)
}

func TestCoherence_UnchangedWriteStillSeesLaterSaves(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.open(t, "a")
	b := e.open(t, "b")

	_, err := a.CreateNode(ctx, doc("d1", "root", "first"))
	require.NoError(t, err)
	_, err = a.Save(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Put(ctx, hierID("d1"), "name", row.String("first")))
	_, err = b.Save(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Put(ctx, hierID("d1"), "name", row.String("second")))
	_, err = a.Save(ctx)
	require.NoError(t, err)

	fb, err := b.Get(ctx, hierID("d1"), false)
	require.NoError(t, err)
	assert.Equal(t, row.String("second"), fb.Get("name"))
}

func TestCoherence_DeleteElsewhereReadsAbsent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.base.Put(doc("r", "root", "x"))
	a := e.open(t, "a")
	b := e.open(t, "b")

	_, err := b.Get(ctx, hierID("r"), false)
	require.NoError(t, err)
	require.NoError(t, a.RemoveNode(ctx, "r"))
	_, err = a.Save(ctx)
	require.NoError(t, err)

	reads := e.base.Reads()
	f, err := b.Get(ctx, hierID("r"), false)
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.Equal(t, reads, e.base.Reads(), "a deleted row is not refetched")
}

func TestSave_ConcurrentDeleteIsDetected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.base.Put(doc("r", "root", "x"))
	a := e.open(t, "a")
	b := e.open(t, "b")

	require.NoError(t, b.Put(ctx, hierID("r"), "name", row.String("mine")))
	require.NoError(t, a.RemoveNode(ctx, "r"))
	_, err := a.Save(ctx)
	require.NoError(t, err)

	_, err = b.Save(ctx)
	require.Error(t, err)
	assert.True(t, errs.IsConcurrentModification(err))
	assert.True(t, errors.Is(err, errs.ErrConcurrentUpdate))

	f, err := b.Get(ctx, hierID("r"), false)
	require.NoError(t, err)
	assert.Equal(t, fragment.Modified, f.State(), "a failed save keeps pending changes")
}

func TestChildren_QueriedOnceAndFiltered(t *testing.T) {
	c, base, _ := newSingle(t)
	ctx := context.Background()
	base.Put(doc("p", "root", "p"))
	base.Put(doc("c1", "p", "c1"))
	base.Put(row.NewWithValues(model.Hierarchy, "prop", "parentid", "p", "isproperty", true))

	kids, err := c.Children(ctx, "p")
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, "c1", kids[0].ID().ID)
	reads := base.Reads()

	kids, err = c.Children(ctx, "p")
	require.NoError(t, err)
	assert.Len(t, kids, 1)
	assert.Equal(t, reads, base.Reads())

	_, err = c.Selection(ctx, "nope", "p")
	assert.Error(t, err)
}

func TestChildren_FollowUnsavedMoves(t *testing.T) {
	c, base, _ := newSingle(t)
	ctx := context.Background()
	base.Put(doc("c1", "p", "c1"))
	base.Put(doc("c2", "p", "c2"))

	kids, err := c.Children(ctx, "p")
	require.NoError(t, err)
	require.Len(t, kids, 2)

	require.NoError(t, c.Put(ctx, hierID("c1"), "parentid", row.String("q")))
	_, err = c.CreateNode(ctx, doc("c3", "p", "c3"))
	require.NoError(t, err)

	kids, err = c.Children(ctx, "p")
	require.NoError(t, err)
	var ids []string
	for _, f := range kids {
		ids = append(ids, f.ID().ID)
	}
	assert.Equal(t, []string{"c2", "c3"}, ids)

	kids, err = c.Children(ctx, "q")
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, "c1", kids[0].ID().ID)

	inv, err := c.Save(ctx)
	require.NoError(t, err)
	assert.Contains(t, inv.Modified, row.NewRowID("__SELECTION_children", "p"))
	assert.Contains(t, inv.Modified, row.NewRowID("__SELECTION_children", "q"))
}

func TestChildren_InvalidatedByOtherSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.base.Put(doc("c1", "p", "c1"))
	a := e.open(t, "a")
	b := e.open(t, "b")

	kids, err := a.Children(ctx, "p")
	require.NoError(t, err)
	require.Len(t, kids, 1)

	_, err = b.CreateNode(ctx, doc("c2", "p", "c2"))
	require.NoError(t, err)
	_, err = b.Save(ctx)
	require.NoError(t, err)

	kids, err = a.Children(ctx, "p")
	require.NoError(t, err)
	assert.Len(t, kids, 2)
}

func TestInvalidateAll_ClearsPristine(t *testing.T) {
	c, base, _ := newSingle(t)
	ctx := context.Background()
	base.Put(doc("d1", "root", "a"))
	base.Put(doc("d2", "root", "b"))

	f1, err := c.Get(ctx, hierID("d1"), false)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, hierID("d2"), "name", row.String("x")))

	c.ReceiveInvalidations(invalidation.NewAll())
	f, err := c.Get(ctx, hierID("d1"), false)
	require.NoError(t, err)
	assert.NotSame(t, f1, f, "fragment was dropped and reread")
	assert.Equal(t, fragment.Detached, f1.State())

	f2, err := c.Get(ctx, hierID("d2"), false)
	require.NoError(t, err)
	assert.Equal(t, row.String("x"), f2.Get("name"), "pending changes survive")
}

func TestClearCaches_KeepsPendingChanges(t *testing.T) {
	c, base, _ := newSingle(t)
	ctx := context.Background()
	base.Put(doc("d1", "root", "a"))
	base.Put(doc("d2", "root", "b"))

	_, err := c.Get(ctx, hierID("d1"), false)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, hierID("d2"), "name", row.String("x")))

	n, err := c.ClearCaches()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	st := c.Stats()
	assert.Equal(t, 0, st.Pristine)
	assert.Equal(t, 1, st.Modified)
}

func TestClose_RejectsFurtherOperations(t *testing.T) {
	c, base, _ := newSingle(t)
	ctx := context.Background()
	base.Put(doc("d1", "root", "a"))

	f, err := c.Get(ctx, hierID("d1"), false)
	require.NoError(t, err)
	c.Close()

	assert.Equal(t, fragment.Detached, f.State())
	_, err = c.Get(ctx, hierID("d1"), false)
	assert.Error(t, err)
	_, err = c.Save(ctx)
	assert.Error(t, err)
}
