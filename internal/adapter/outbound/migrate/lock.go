// Package migrate applies embedded SQL schema migrations to the configured database.
package migrate

import (
	"fmt"
	"os"
)

// FileLock is an advisory, cross-process exclusive lock backed by a sidecar
// file next to the database DSN. No command in this module acquires it, so
// concurrent "migrate" invocations are not serialized by it.
type FileLock struct {
	path string
	f    *os.File
}

// NewFileLock returns a lock guarding the given path. The lock file is
// created next to it (path + ".lock") and is never removed -- only unlocked.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path + ".lock"}
}

// Lock blocks until the exclusive lock is acquired.
func (l *FileLock) Lock() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("migrate: open lock file: %w", err)
	}
	if err := flockLock(f.Fd()); err != nil {
		_ = f.Close()
		return fmt.Errorf("migrate: acquire lock: %w", err)
	}
	l.f = f
	return nil
}

// Unlock releases the lock and closes the underlying file descriptor.
func (l *FileLock) Unlock() error {
	if l.f == nil {
		return nil
	}
	err := flockUnlock(l.f.Fd())
	_ = l.f.Close()
	l.f = nil
	return err
}
