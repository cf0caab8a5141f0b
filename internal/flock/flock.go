package flock

import (
	"errors"
	"os"
)

// ErrLocked is returned when another process or goroutine holds the lock.
var ErrLocked = errors.New("flock: already locked")

// Lock is an exclusive advisory lock on a file. The lock file itself is left
// in place on release; only the lock is dropped.
type Lock struct {
	f *os.File
}

// TryAcquire takes an exclusive lock on path without blocking, creating the
// file if needed. It returns ErrLocked when the lock is held elsewhere.
func TryAcquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if err := tryLock(f); err != nil {
		f.Close()
		return nil, err
	}
	return &Lock{f: f}, nil
}

// Release drops the lock and closes the file.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlock(l.f)
	if closeErr := l.f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	l.f = nil
	return err
}
