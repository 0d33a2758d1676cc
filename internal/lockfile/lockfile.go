// Package lockfile implements cross-process mutual exclusion around
// the database file, plus the change-channel sentinel that lets peer
// processes detect external writes.
package lockfile

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"

	"github.com/calstore/mkcal/internal/storeerr"
)

// Lock serialises all access (read or write) to one database file.
// There is exactly one writer slot and no multi-reader mode; contention
// is assumed low relative to operation cost.
//
// flock(2) is released by the kernel on file-descriptor close,
// including on abrupt process termination, so a crash never leaves the
// database locked.
type Lock struct {
	fl *flock.Flock
}

// New returns a Lock for the given database file. The lock itself
// lives at "<db>.lock" so the data file is never opened O_RDWR purely
// for locking purposes.
func New(dbPath string) *Lock {
	return &Lock{fl: flock.New(dbPath + ".lock")}
}

// Lock blocks until the exclusive slot is acquired. Suspension here may
// be unbounded if another process holds the lock; callers that need a
// bound should use TryLock in a retry loop instead.
func (l *Lock) Lock() error {
	if err := l.fl.Lock(); err != nil {
		return fmt.Errorf("%w: %v", storeerr.ErrLockUnavailable, err)
	}
	return nil
}

// TryLock attempts to acquire the slot without blocking. ok is false if
// another process currently holds it.
func (l *Lock) TryLock() (ok bool, err error) {
	locked, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("%w: %v", storeerr.ErrLockUnavailable, err)
	}
	return locked, nil
}

// Unlock releases the slot. Safe to call even if the lock was never
// acquired by this process (flock.Unlock is idempotent in that case).
func (l *Lock) Unlock() error {
	return l.fl.Unlock()
}

// Sentinel is the companion "<db>.changed" file whose mtime bump tells
// peer processes "database changed, reload".
type Sentinel struct {
	path string
}

// NewSentinel returns the sentinel for the given database file.
func NewSentinel(dbPath string) *Sentinel {
	return &Sentinel{path: dbPath + ".changed"}
}

func (s *Sentinel) Path() string { return s.path }

// Touch truncates the sentinel to zero bytes, creating it if absent.
// Every successful commit or notebook write calls this exactly once;
// the truncate is sufficient to wake filesystem watches registered by
// peer processes.
func (s *Sentinel) Touch() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: touching change sentinel: %v", storeerr.ErrIOFailure, err)
	}
	return f.Close()
}

// ModTime returns the sentinel's file info, which carries its current
// modification time, or nil if the sentinel does not exist yet.
func (s *Sentinel) ModTime() (os.FileInfo, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", storeerr.ErrIOFailure, err)
	}
	return info, nil
}
