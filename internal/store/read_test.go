package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fragcache/internal/mapper"
	"github.com/roach88/fragcache/internal/model"
	"github.com/roach88/fragcache/internal/row"
)

func TestReadRows_OnlyExisting(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.WriteRows(ctx, &mapper.RowBatch{Creates: []*row.Row{
		createTestDocument("b", "root", "b"),
		createTestDocument("a", "root", "a"),
	}}))

	rows, err := s.ReadRows(ctx, model.Hierarchy, []string{"a", "missing", "b"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].ID)
	assert.Equal(t, "b", rows[1].ID)
}

func TestReadRows_Chunked(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var creates []*row.Row
	var ids []string
	for i := 0; i < readChunk+10; i++ {
		id := fmt.Sprintf("doc%04d", i)
		creates = append(creates, createTestDocument(id, "root", id))
		ids = append(ids, id)
	}
	require.NoError(t, s.WriteRows(ctx, &mapper.RowBatch{Creates: creates}))

	rows, err := s.ReadRows(ctx, model.Hierarchy, ids)
	require.NoError(t, err)
	assert.Len(t, rows, readChunk+10)
}

func TestQuery_ChildrenExcludesProperties(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	prop := createTestDocument("p", "root", "prop")
	prop.Put("isproperty", row.Bool(true))
	require.NoError(t, s.WriteRows(ctx, &mapper.RowBatch{Creates: []*row.Row{
		createTestDocument("c2", "root", "two"),
		createTestDocument("c1", "root", "one"),
		createTestDocument("x", "other", "x"),
		prop,
	}}))

	rows, err := s.Query(ctx, mapper.Query{
		Table: model.Hierarchy, Key: "parentid", Value: row.String("root"), Filter: "isproperty",
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "c1", rows[0].ID)
	assert.Equal(t, "c2", rows[1].ID)

	rows, err = s.Query(ctx, mapper.Query{Table: model.Hierarchy, Key: "parentid", Value: row.String("root")})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestQuery_UnknownColumn(t *testing.T) {
	s := createTestStore(t)
	_, err := s.Query(context.Background(), mapper.Query{Table: model.Hierarchy, Key: "nope", Value: row.String("x")})
	assert.ErrorContains(t, err, "unknown column")
}

func TestUnmarshalValue(t *testing.T) {
	str := model.Column{Name: "s", Type: model.TypeString}
	num := model.Column{Name: "n", Type: model.TypeInt}
	flag := model.Column{Name: "b", Type: model.TypeBool}
	ts := model.Column{Name: "t", Type: model.TypeTime}

	v, err := unmarshalValue(str, []byte("bytes"))
	require.NoError(t, err)
	assert.Equal(t, row.String("bytes"), v)

	v, err = unmarshalValue(num, "42")
	require.NoError(t, err)
	assert.Equal(t, row.Int(42), v)

	v, err = unmarshalValue(flag, int64(1))
	require.NoError(t, err)
	assert.Equal(t, row.Bool(true), v)

	v, err = unmarshalValue(ts, testTime.Format(timeLayout))
	require.NoError(t, err)
	assert.True(t, row.Equal(row.NewTime(testTime), v))

	v, err = unmarshalValue(num, nil)
	require.NoError(t, err)
	assert.Equal(t, row.Null{}, v)

	_, err = unmarshalValue(ts, "yesterday")
	assert.Error(t, err)
}
