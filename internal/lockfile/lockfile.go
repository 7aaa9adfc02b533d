// Package lockfile provides OS advisory file locks used to serialize
// registry writes and slot ownership across processes.
package lockfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	necroerr "necrocode/internal/errors"
)

// Lock wraps an advisory file lock plus a sidecar recording the holder
// identity for diagnostics. At most one process holds the lock at a time;
// within a process the underlying flock serializes goroutines as well.
type Lock struct {
	path  string
	fl    *flock.Flock
	owner string
}

// New creates a lock backed by the given path. The parent directory is
// created on demand. owner is recorded in the holder sidecar while the
// lock is held; pass the runner or component id.
func New(path, owner string) *Lock {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	return &Lock{
		path:  path,
		fl:    flock.New(path),
		owner: owner,
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// TryAcquire attempts to take the lock without blocking.
func (l *Lock) TryAcquire() (bool, error) {
	ok, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("try lock %s: %w", l.path, err)
	}
	if ok {
		l.writeHolder()
	}
	return ok, nil
}

// Acquire takes the lock, retrying at retryInterval until timeout expires
// or ctx is cancelled. Exhausting the budget yields a transient error so
// callers can apply their own retry policy.
func (l *Lock) Acquire(ctx context.Context, timeout, retryInterval time.Duration) error {
	if retryInterval <= 0 {
		retryInterval = 50 * time.Millisecond
	}
	lockCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ok, err := l.fl.TryLockContext(lockCtx, retryInterval)
	if err != nil {
		if lockCtx.Err() != nil && ctx.Err() == nil {
			return necroerr.NewTransientError(err, fmt.Sprintf("lock %s: acquisition timed out after %s", l.path, timeout))
		}
		return fmt.Errorf("acquire lock %s: %w", l.path, err)
	}
	if !ok {
		return necroerr.NewTransientError(nil, fmt.Sprintf("lock %s: not acquired", l.path))
	}

	l.writeHolder()
	return nil
}

// Release drops the lock and clears the holder sidecar. Releasing an
// unheld lock is a no-op.
func (l *Lock) Release() error {
	if !l.fl.Locked() {
		return nil
	}
	_ = os.Remove(l.holderPath())
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	return nil
}

// Locked reports whether this Lock instance currently holds the lock.
func (l *Lock) Locked() bool {
	return l.fl.Locked()
}

func (l *Lock) holderPath() string {
	return l.path + ".holder"
}

func (l *Lock) writeHolder() {
	record := fmt.Sprintf("%s pid=%d acquired=%s\n", l.owner, os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	_ = os.WriteFile(l.holderPath(), []byte(record), 0o644)
}

// Holder returns the recorded holder identity for the lock at path, or ""
// when the lock is free or the sidecar is unreadable.
func Holder(path string) string {
	data, err := os.ReadFile(path + ".holder")
	if err != nil {
		return ""
	}
	line := strings.TrimSpace(string(data))
	if idx := strings.IndexByte(line, ' '); idx > 0 {
		return line[:idx]
	}
	return line
}
