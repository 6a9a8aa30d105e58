// Package lock guards the SQLite store against concurrent papertrail processes.
package lock

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

// ErrHeld is returned when another process owns the lock.
var ErrHeld = errors.New("another papertrail process holds the lock")

// File is an exclusive, non-blocking process lock.
type File struct {
	path string
	lock *flock.Flock
}

// New prepares a lock at path without acquiring it.
func New(path string) *File {
	return &File{path: path, lock: flock.New(path)}
}

// Path returns the lock file location.
func (f *File) Path() string {
	return f.path
}

// Acquire takes the lock or fails with ErrHeld.
func (f *File) Acquire() error {
	ok, err := f.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", f.path, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrHeld, f.path)
	}
	return nil
}

// Release drops the lock if held.
func (f *File) Release() error {
	if !f.lock.Locked() {
		return nil
	}
	return f.lock.Unlock()
}
