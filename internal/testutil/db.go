package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/vrsandeep/chapterdl/internal/db"
)

// SetupTestDB creates a throwaway SQLite database file and applies all
// migrations. A file is used instead of :memory: so every pooled connection
// sees the same schema.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := db.InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	// Attach a cleanup function to automatically close the DB when the test completes.
	t.Cleanup(func() {
		database.Close()
	})

	if err := db.RunMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	return database
}
