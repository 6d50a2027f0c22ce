package store

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ErrStoreBusy is returned when a file lock cannot be acquired within the
// retry window. Callers may retry the whole operation.
var ErrStoreBusy = errors.New("store busy")

// staleLockAge is how old a lock file must be before it is presumed
// abandoned by a crashed process and broken.
const staleLockAge = 30 * time.Second

// PathLocker hands out advisory exclusive locks scoped to a file path.
// Locks are lock files created with O_EXCL next to the target, so they are
// honored across processes sharing the data directory.
type PathLocker struct {
	retryWindow   time.Duration
	retryInterval time.Duration
}

// NewPathLocker builds a locker that gives up after retryWindow.
func NewPathLocker(retryWindow time.Duration) *PathLocker {
	return &PathLocker{
		retryWindow:   retryWindow,
		retryInterval: 10 * time.Millisecond,
	}
}

// Acquire takes the exclusive lock for path, waiting up to the retry
// window. The returned release function must be called on every exit path.
func (l *PathLocker) Acquire(path string) (release func(), err error) {
	lockPath := path + ".lock"
	deadline := time.Now().Add(l.retryWindow)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire lock %s: %w", lockPath, err)
		}

		// Break locks left behind by a crashed holder.
		if info, serr := os.Stat(lockPath); serr == nil && time.Since(info.ModTime()) > staleLockAge {
			os.Remove(lockPath)
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: %w", lockPath, ErrStoreBusy)
		}
		time.Sleep(l.retryInterval)
	}
}
