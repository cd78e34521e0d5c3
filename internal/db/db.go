// Package db owns the SQLite database handle and schema migrations for
// the navigation core's telemetry storage.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the sql handle so migration helpers can hang off it.
type DB struct {
	*sql.DB
}

// pragmas applied on open. WAL keeps the high-rate pose writer from
// blocking API reads.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// NewDB opens (or creates) the database at path and applies the
// connection pragmas. Use ":memory:" for an ephemeral database.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return &DB{sqlDB}, nil
}
