package sql

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
)

// openTestDB opens a fresh, migrated SQLite database backed by a file in
// t.TempDir() (not :memory:, so tests can open a second connection against
// the same file to assert durability across handles).
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toolgate-test.db")
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)", path)
	db, err := Open("sqlite", dsn, 1)
	if err != nil {
		t.Fatalf("openTestDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
