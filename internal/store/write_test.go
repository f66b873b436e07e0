package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fragcache/internal/errs"
	"github.com/roach88/fragcache/internal/mapper"
	"github.com/roach88/fragcache/internal/model"
	"github.com/roach88/fragcache/internal/row"
)

func TestWriteRows_CreateAndRead(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ver := row.New(model.Versions, "doc1")
	ver.Put("versionableid", row.String("series1"))
	ver.Put("created", row.NewTime(testTime))
	ver.Put("islatest", row.Bool(true))

	err := s.WriteRows(ctx, &mapper.RowBatch{
		Creates: []*row.Row{createTestDocument("doc1", "root", "a"), ver},
	})
	require.NoError(t, err)

	got, err := s.ReadRow(ctx, row.NewRowID(model.Hierarchy, "doc1"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, row.String("root"), got.Get("parentid"))
	assert.Equal(t, row.Bool(false), got.Get("isproperty"))
	assert.Equal(t, row.Int(0), got.Get("changetoken"))
	assert.Equal(t, row.Null{}, got.Get("primarytype"))

	gotVer, err := s.ReadRow(ctx, row.NewRowID(model.Versions, "doc1"))
	require.NoError(t, err)
	assert.True(t, row.Equal(row.NewTime(testTime), gotVer.Get("created")))
	assert.Equal(t, row.Bool(true), gotVer.Get("islatest"))
}

func TestReadRow_Missing(t *testing.T) {
	s := createTestStore(t)
	got, err := s.ReadRow(context.Background(), row.NewRowID(model.Hierarchy, "nope"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReadRow_UnknownTable(t *testing.T) {
	s := createTestStore(t)
	_, err := s.ReadRow(context.Background(), row.NewRowID("bogus", "x"))
	assert.ErrorContains(t, err, "unknown table")
}

func TestWriteRows_UpdateOnlyDirtyKeys(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.WriteRows(ctx, &mapper.RowBatch{Creates: []*row.Row{createTestDocument("doc1", "root", "a")}}))

	upd := createTestDocument("doc1", "IGNORED", "b")
	err := s.WriteRows(ctx, &mapper.RowBatch{Updates: []*row.Update{{Row: upd, Keys: []string{"name"}}}})
	require.NoError(t, err)

	got, err := s.ReadRow(ctx, row.NewRowID(model.Hierarchy, "doc1"))
	require.NoError(t, err)
	assert.Equal(t, row.String("b"), got.Get("name"))
	assert.Equal(t, row.String("root"), got.Get("parentid"))
}

func TestWriteRows_DeltaIsRelative(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.WriteRows(ctx, &mapper.RowBatch{Creates: []*row.Row{createTestDocument("doc1", "root", "a")}}))

	// Two sessions both saw changetoken=0 and each add one.
	for i := 0; i < 2; i++ {
		upd := row.New(model.Hierarchy, "doc1")
		upd.Put("changetoken", row.Delta{Base: 0, Amount: 1})
		require.NoError(t, s.WriteRows(ctx, &mapper.RowBatch{
			Updates: []*row.Update{{Row: upd, Keys: []string{"changetoken"}}},
		}))
	}

	got, err := s.ReadRow(ctx, row.NewRowID(model.Hierarchy, "doc1"))
	require.NoError(t, err)
	assert.Equal(t, row.Int(2), got.Get("changetoken"))
}

func TestWriteRows_UpdateOfDeletedRowIsConcurrentModification(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	upd := row.NewWithValues(model.Hierarchy, "gone", "name", "x")
	err := s.WriteRows(ctx, &mapper.RowBatch{Updates: []*row.Update{{Row: upd, Keys: []string{"name"}}}})
	assert.ErrorIs(t, err, errs.ErrConcurrentUpdate)
}

func TestWriteRows_DeleteCascadesToDependents(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	misc := row.NewWithValues(model.Misc, "doc1", "lifecyclestate", "project")
	require.NoError(t, s.WriteRows(ctx, &mapper.RowBatch{
		Creates: []*row.Row{createTestDocument("doc1", "root", "a"), misc},
	}))

	require.NoError(t, s.WriteRows(ctx, &mapper.RowBatch{
		Deletes:          []row.RowID{row.NewRowID(model.Hierarchy, "doc1")},
		DeletesDependent: []row.RowID{row.NewRowID(model.Misc, "doc1")},
	}))

	got, err := s.ReadRow(ctx, row.NewRowID(model.Misc, "doc1"))
	require.NoError(t, err)
	assert.Nil(t, got, "dependent row removed by cascade")
}

func TestWriteRows_AtomicOnFailure(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	bad := row.NewWithValues(model.Hierarchy, "doc2", "nosuchcolumn", "x")
	err := s.WriteRows(ctx, &mapper.RowBatch{
		Creates: []*row.Row{createTestDocument("doc1", "root", "a"), bad},
	})
	require.Error(t, err)

	got, err := s.ReadRow(ctx, row.NewRowID(model.Hierarchy, "doc1"))
	require.NoError(t, err)
	assert.Nil(t, got, "first create rolled back")
}

func TestWriteRows_TypeMismatch(t *testing.T) {
	s := createTestStore(t)
	bad := row.NewWithValues(model.Hierarchy, "doc1", "pos", "not a number")
	err := s.WriteRows(context.Background(), &mapper.RowBatch{Creates: []*row.Row{bad}})
	assert.ErrorContains(t, err, "cannot store")
}

func TestInsertRow_DuplicateIsConflict(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	lock := row.NewWithValues(model.Locks, "doc1", "owner", "alice")

	require.NoError(t, s.InsertRow(ctx, lock))
	err := s.InsertRow(ctx, lock)
	require.Error(t, err)
	assert.True(t, s.IsDuplicateKeyConflict(err))
	assert.False(t, s.IsDuplicateKeyConflict(assert.AnError))
}

func TestInTransaction_RollbackOnError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	id := row.NewRowID(model.Locks, "doc1")

	err := s.InTransaction(ctx, func(tx mapper.Tx) error {
		require.NoError(t, tx.InsertRow(ctx, row.NewWithValues(model.Locks, "doc1", "owner", "alice")))
		r, err := tx.ReadRow(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, r, "visible inside the transaction")
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	got, err := s.ReadRow(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInTransaction_DeleteRow(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	id := row.NewRowID(model.Locks, "doc1")
	require.NoError(t, s.InsertRow(ctx, row.NewWithValues(model.Locks, "doc1", "owner", "alice")))

	var deleted bool
	err := s.InTransaction(ctx, func(tx mapper.Tx) error {
		var err error
		deleted, err = tx.DeleteRow(ctx, id)
		return err
	})
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.DeleteRow(ctx, id)
	require.NoError(t, err)
	assert.False(t, deleted)
}
