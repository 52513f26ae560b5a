// Package lock provides exclusive, bounded-wait resource locks shared
// between runner processes on one host.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/sevigo/ci-dispatch/internal/util"
)

// ErrTimeout is matched by every *TimeoutError.
var ErrTimeout = errors.New("lock wait exceeded")

// TimeoutError is returned when a lock could not be taken within the wait bound.
type TimeoutError struct {
	Key  string
	Wait time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for lock %q", e.Wait, e.Key)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

const pollInterval = 100 * time.Millisecond

// Locker hands out file locks under a directory. Locks are flock(2) based,
// so the kernel releases them when the holding process dies.
type Locker struct {
	dir    string
	logger *slog.Logger
}

// NewLocker creates the lock directory if needed.
func NewLocker(dir string, logger *slog.Logger) (*Locker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", dir, err)
	}
	return &Locker{dir: dir, logger: logger}, nil
}

// Lock is a held lock.
type Lock struct {
	key  string
	f    *flock.Flock
	once sync.Once
	err  error
}

// Acquire takes the exclusive lock for key, waiting at most wait.
func (l *Locker) Acquire(ctx context.Context, key string, wait time.Duration) (*Lock, error) {
	path := filepath.Join(l.dir, util.SafeName(key)+".lock")
	f := flock.New(path)

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	start := time.Now()
	ok, err := f.TryLockContext(waitCtx, pollInterval)
	if err != nil || !ok {
		_ = f.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Key: key, Wait: wait}
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	if waited := time.Since(start); waited > pollInterval {
		l.logger.Debug("acquired contended lock", "key", key, "waited", waited)
	}
	return &Lock{key: key, f: f}, nil
}

// Release drops the lock. It is safe to call more than once.
func (lk *Lock) Release() error {
	lk.once.Do(func() {
		if err := lk.f.Unlock(); err != nil {
			lk.err = fmt.Errorf("failed to unlock %q: %w", lk.key, err)
		}
		_ = lk.f.Close()
	})
	return lk.err
}

// With runs fn while holding the lock for key. The lock is released on every
// exit path, including a panic in fn.
func (l *Locker) With(ctx context.Context, key string, wait time.Duration, fn func(ctx context.Context) error) error {
	lk, err := l.Acquire(ctx, key, wait)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lk.Release(); rerr != nil {
			l.logger.Warn("failed to release lock", "key", key, "error", rerr)
		}
	}()
	return fn(ctx)
}
