// Package lock keeps a single pt2 daemon per state database.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("another pt2 instance holds the lock")

// PathFor returns the lock file guarding the state database at statePath.
func PathFor(statePath string) string {
	return statePath + ".lock"
}

// PIDLock is an advisory file lock whose file records the holder's PID.
type PIDLock struct {
	path string
	fl   *flock.Flock
}

// Acquire takes the lock at lockPath without blocking and writes the
// current PID into it.
func Acquire(lockPath string) (*PIDLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		if pid, ok := Holder(lockPath); ok {
			return nil, fmt.Errorf("%w (pid %d): %s", ErrLocked, pid, lockPath)
		}
		return nil, fmt.Errorf("%w: %s", ErrLocked, lockPath)
	}

	l := &PIDLock{path: lockPath, fl: fl}
	// The lock is advisory, so the holder may rewrite the file it locks.
	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = l.Release()
		return nil, fmt.Errorf("write pid: %w", err)
	}
	return l, nil
}

// Holder reads the PID recorded in lockPath.
func Holder(lockPath string) (int, bool) {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (l *PIDLock) Path() string { return l.path }

// Release unlocks the file. The file itself is left in place.
func (l *PIDLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	err := l.fl.Unlock()
	l.fl = nil
	return err
}
