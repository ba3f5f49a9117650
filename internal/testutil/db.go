package testutil

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/pkg/database"
)

// NewTestDB opens a fresh, migrated SQLite database backed by a temp file
// under t's test directory, closed automatically on cleanup.
func NewTestDB(t *testing.T) *database.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := database.NewDB(database.Config{Path: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
