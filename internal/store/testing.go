package store

import (
	"path/filepath"
	"testing"
)

// NewTestDB opens a throwaway database in a test temp directory.
func NewTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "data.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
