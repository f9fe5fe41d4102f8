package sql

import "strings"

// isBusyErr reports whether err is SQLite's SQLITE_BUSY/SQLITE_LOCKED class
// of error -- the database-wide write lock is held by a concurrent writer
// and the driver's busy-timeout elapsed before it was released.
func isBusyErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked")
}
