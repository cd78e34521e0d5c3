package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/sunride-robotics/navcore/internal/db"
)

// setupTestDB creates a migrated temporary database for store tests.
// Migrations are applied from internal/db/migrations so test schema
// never drifts from the real one.
func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	migrationsDir := filepath.Join("..", "..", "..", "db", "migrations")
	if err := database.MigrateUp(migrationsDir); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return database
}
