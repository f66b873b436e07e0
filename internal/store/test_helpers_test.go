package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/fragcache/internal/model"
	"github.com/roach88/fragcache/internal/row"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestDocument creates a hierarchy row with minimal fields.
func createTestDocument(id, parentID, name string) *row.Row {
	return row.NewWithValues(model.Hierarchy, id,
		"parentid", parentID,
		"name", name,
		"isproperty", false,
		"changetoken", 0,
	)
}

var testTime = time.Date(2024, 5, 6, 7, 8, 9, 123456000, time.UTC)
