// Package sql provides SQL-backed implementations of the outbound store
// interfaces, the default persistence for production deployments.
package sql

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/toolgate/toolgate/internal/adapter/outbound/migrate"
)

// Open opens the database at dsn using driverName, applies every pending
// embedded migration, and bounds the connection pool to maxOpenConns. The
// reference deployment uses the pure-Go modernc.org/sqlite driver with
// maxOpenConns=1, so every write serializes through a single connection.
// dsn should carry modernc.org/sqlite's _txlock=immediate option (e.g.
// "file:toolgate.db?_txlock=immediate&_pragma=busy_timeout(5000)") so every
// store's BeginTx reserves the write lock up front, matching §5's
// BEGIN IMMEDIATE row-lock discipline.
func Open(driverName, dsn string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql: open %s: %w", driverName, err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if err := migrate.Run(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
