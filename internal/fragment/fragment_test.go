package fragment

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fragcache/internal/errs"
	"github.com/roach88/fragcache/internal/row"
)

const owner ContextID = 7

func noFetch(t *testing.T) func() (*row.Row, error) {
	return func() (*row.Row, error) {
		t.Fatal("unexpected backend fetch")
		return nil, nil
	}
}

func pristine(kv ...any) *Fragment {
	return New(row.NewWithValues("hierarchy", "doc1", kv...), Pristine, owner)
}

func TestNew_PanicsOnOwnerMismatch(t *testing.T) {
	r := row.New("t", "1")
	assert.Panics(t, func() { New(r, Detached, owner) })
	assert.Panics(t, func() { New(r, Pristine, 0) })
	assert.NotPanics(t, func() { New(r, Detached, 0) })
}

func TestFragment_AbsentPutNullStaysAbsent(t *testing.T) {
	f := NewAbsent(row.NewRowID("hierarchy", "doc1"), owner)

	mark := f.Put("x", row.Null{})
	assert.False(t, mark)
	assert.Equal(t, Absent, f.State())
	assert.Empty(t, f.DirtyKeys())

	mark = f.Put("x", row.String("v"))
	require.True(t, mark)
	require.NoError(t, f.MarkModified())
	assert.Equal(t, Created, f.State())
	assert.Equal(t, []string{"x"}, f.DirtyKeys())

	require.NoError(t, f.SetPristine())
	assert.Equal(t, Pristine, f.State())
	assert.Empty(t, f.DirtyKeys())
	assert.Equal(t, row.String("v"), f.Get("x"))
}

func TestFragment_PutOnPristineAlwaysMarks(t *testing.T) {
	f := pristine("x", "a")
	assert.True(t, f.Put("x", row.Null{}))
}

func TestFragment_DirtyKeysNullSafe(t *testing.T) {
	f := pristine("a", "1", "b", nil)
	f.Put("b", nil)
	f.Put("c", row.Null{})
	assert.Empty(t, f.DirtyKeys(), "null written over null is clean")

	f.Put("a", row.String("1"))
	assert.Empty(t, f.DirtyKeys(), "same value is clean")

	f.Put("a", row.String("2"))
	f.Put("d", row.Int(4))
	assert.Equal(t, []string{"a", "d"}, f.DirtyKeys())
	assert.Len(t, f.old, len(f.row.Values))
}

func TestFragment_RoundTrip(t *testing.T) {
	f := pristine("title", "old")
	f.Put("title", row.String("new"))
	require.NoError(t, f.MarkModified())
	assert.Equal(t, row.String("new"), f.Get("title"))

	upd := f.RowUpdate()
	require.NotNil(t, upd)
	assert.Equal(t, []string{"title"}, upd.Keys)

	require.NoError(t, f.SetPristine())
	assert.Nil(t, f.RowUpdate())
}

func TestFragment_AddProducesDeltaResolvedOnFlush(t *testing.T) {
	f := pristine("count", 10)
	_, err := f.Add("count", 2)
	require.NoError(t, err)
	d, err := f.Add("count", 3)
	require.NoError(t, err)
	assert.Equal(t, row.Delta{Base: 10, Amount: 5}, d)
	assert.Equal(t, []string{"count"}, f.DirtyKeys())

	require.NoError(t, f.MarkModified())
	require.NoError(t, f.SetPristine())
	assert.Equal(t, row.Int(15), f.Get("count"))
	assert.Empty(t, f.DirtyKeys())

	_, err = pristine("name", "x").Add("name", 1)
	assert.Error(t, err)
}

func TestFragment_InvalidatedDeletedAccessedWithoutFetch(t *testing.T) {
	f := pristine("x", "a")
	require.NoError(t, f.SetInvalidatedDeleted())

	require.NoError(t, f.Accessed(noFetch(t)))
	assert.Equal(t, Absent, f.State())
	assert.Equal(t, row.Null{}, f.Get("x"))

	f.Put("x", row.String("b"))
	require.NoError(t, f.MarkModified())
	assert.Equal(t, Created, f.State(), "recreated, not modified")
}

func TestFragment_InvalidatedModifiedRefetches(t *testing.T) {
	f := pristine("x", "a")
	require.NoError(t, f.SetInvalidatedModified())

	calls := 0
	require.NoError(t, f.Accessed(func() (*row.Row, error) {
		calls++
		return row.NewWithValues("hierarchy", "doc1", "x", "b"), nil
	}))
	assert.Equal(t, 1, calls)
	assert.Equal(t, Pristine, f.State())
	assert.Equal(t, row.String("b"), f.Get("x"))
	assert.Empty(t, f.DirtyKeys())

	// A second access does not fetch again.
	require.NoError(t, f.Accessed(noFetch(t)))
}

func TestFragment_InvalidatedModifiedRefetchGone(t *testing.T) {
	f := pristine("x", "a")
	require.NoError(t, f.SetInvalidatedModified())
	require.NoError(t, f.Accessed(func() (*row.Row, error) { return nil, nil }))
	assert.Equal(t, Absent, f.State())
	assert.Equal(t, 0, f.Row().Len())
}

func TestFragment_RefetchErrorKeepsState(t *testing.T) {
	f := pristine("x", "a")
	require.NoError(t, f.SetInvalidatedModified())
	boom := errors.New("disk on fire")
	err := f.Accessed(func() (*row.Row, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, InvalidatedModified, f.State())
}

func TestFragment_WriteRacingRemoteDelete(t *testing.T) {
	f := pristine("x", "a")
	require.NoError(t, f.SetInvalidatedDeleted())
	f.Put("x", row.String("b"))
	err := f.MarkModified()
	assert.ErrorIs(t, err, errs.ErrConcurrentUpdate)

	var se *errs.StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "hierarchy", se.Table)
	assert.Equal(t, "doc1", se.ID)
}

func TestFragment_DeleteUnpersistedDetaches(t *testing.T) {
	f := NewCreated(row.NewWithValues("hierarchy", "doc1", "x", "a"), owner)
	require.NoError(t, f.SetDeleted(true))
	assert.Equal(t, Detached, f.State())
	assert.Equal(t, ContextID(0), f.Owner())
}

func TestFragment_DoubleDeleteIsInvariantViolation(t *testing.T) {
	f := pristine("x", "a")
	require.NoError(t, f.SetDeleted(true))
	assert.Equal(t, owner, f.Owner())
	err := f.SetDeleted(true)
	assert.True(t, errs.IsInvariant(err))
}

func TestFragment_SetPristineFromPristineFails(t *testing.T) {
	err := pristine("x", "a").SetPristine()
	assert.True(t, errs.IsInvariant(err))
}

func TestFragment_DetachedRejectsInvalidations(t *testing.T) {
	f := pristine()
	f.Detach()
	assert.Equal(t, ContextID(0), f.Owner())
	assert.True(t, errs.IsInvariant(f.SetInvalidatedModified()))
	assert.True(t, errs.IsInvariant(f.SetInvalidatedDeleted()))
}

func TestFragment_NewCreatedIsDirty(t *testing.T) {
	f := NewCreated(row.NewWithValues("hierarchy", "doc1", "a", "x", "b", nil), owner)
	assert.Equal(t, Created, f.State())
	assert.Equal(t, []string{"a"}, f.DirtyKeys())
}

func TestGroup_Fragments(t *testing.T) {
	hier := pristine()
	g := NewGroup(hier)
	g.Others["versions"] = New(row.New("versions", "doc1"), Pristine, owner)
	g.Others["misc"] = New(row.New("misc", "doc1"), Pristine, owner)

	frags := g.Fragments()
	require.Len(t, frags, 3)
	assert.Same(t, hier, frags[0])
	assert.Equal(t, "misc", frags[1].ID().Table)
	assert.Equal(t, "versions", frags[2].ID().Table)
	assert.Same(t, hier, g.Get("hierarchy"))
	assert.Nil(t, g.Get("locks"))
}
