package cluster

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fragcache/internal/invalidation"
	"github.com/roach88/fragcache/internal/row"
)

func sampleInvalidations() *invalidation.Invalidations {
	inv := invalidation.New()
	inv.AddModified(row.NewRowID("hierarchy", "d2"))
	inv.AddModified(row.NewRowID("hierarchy", "d1"))
	inv.AddDeleted(row.NewRowID("misc", "d3"))
	inv.AddModified(row.NewRowID("__SELECTION_children", "p"))
	return inv
}

func TestEncode_Golden(t *testing.T) {
	data, err := Encode(NewMessage("msg-0001", "node-a", sampleInvalidations()))
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "message", data)
}

func TestDecode_RebuildsBatch(t *testing.T) {
	inv := sampleInvalidations()
	data, err := Encode(NewMessage("msg-0001", "node-a", inv))
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "msg-0001", msg.ID)
	assert.Equal(t, "node-a", msg.Node)
	assert.False(t, msg.All)
	assert.Equal(t, inv.Entries(), msg.Invalidations().Entries())
}

func TestEncode_All(t *testing.T) {
	data, err := Encode(NewMessage("m", "n", invalidation.NewAll()))
	require.NoError(t, err)
	assert.Equal(t, `{"all":true,"entries":[],"id":"m","node":"n"}`, string(data))

	msg, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, msg.Invalidations().All)
}

func TestDecode_Rejects(t *testing.T) {
	for name, payload := range map[string]string{
		"not json":     `{"id":`,
		"missing node": `{"all":false,"entries":[],"id":"m"}`,
		"unknown kind": `{"all":false,"entries":[{"ids":["a"],"kind":"renamed","table":"t"}],"id":"m","node":"n"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(payload))
			assert.Error(t, err)
		})
	}
}
