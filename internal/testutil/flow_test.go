package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/fragcache/internal/ident"
)

var _ ident.Generator = (*FixedIDGenerator)(nil)

func TestFixedIDGenerator_ReturnsSameID(t *testing.T) {
	gen := NewFixedIDGenerator("node-123")

	assert.Equal(t, "node-123", gen.Generate())
	assert.Equal(t, "node-123", gen.Generate())
}

func TestFixedIDGenerator_EmptyDefault(t *testing.T) {
	assert.Equal(t, "test-node-default", NewFixedIDGenerator("").Generate())
}
