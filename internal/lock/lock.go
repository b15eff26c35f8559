// Package lock provides the process-global advisory file lock that guards
// the capture pipeline end to end (spec.md §5, §4.6).
//
// This intentionally does NOT use mtime-based staleness detection — the
// teacher's init lockfile (sgx-labs/statelessagent's
// internal/setup/init.go, acquireInitLock) removes a lockfile once it looks
// older than 30 minutes, which spec.md's Design Notes singles out as a
// pattern requiring re-architecture. A stale-looking lock can still be held
// by a slow-but-alive process; removing it by age races that process. Here
// the lock is a real OS-level advisory lock (flock(2) under the hood, via
// gofrs/flock): the kernel releases it automatically when the holding
// process exits or crashes, so there is nothing to "detect" as stale.
package lock

import (
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"

	"github.com/memstore-dev/memstore/internal/memstoreerr"
)

// Default retry schedule for blocking acquisition (spec.md §5).
const (
	RetryBaseInterval = 100 * time.Millisecond
	RetryMaxInterval  = 1 * time.Second
	DefaultTimeout    = 5 * time.Second
)

// FileLock wraps an OS advisory lock at a well-known path, with an optional
// PID written into the file purely for human diagnostics (never consulted
// to decide whether the lock is free).
type FileLock struct {
	path string
	fl   *flock.Flock
}

// New returns a FileLock bound to path. The lock is not acquired yet.
func New(path string) *FileLock {
	return &FileLock{path: path, fl: flock.New(path)}
}

// Acquire blocks until the lock is obtained or timeout elapses, retrying on
// an exponential-ish schedule bounded by [RetryBaseInterval, RetryMaxInterval].
// On success, it writes the caller's PID into the lock file for diagnostics
// only. Release is guaranteed by the caller invoking the returned Unlock
// func in a defer, which runs on all exit paths including panics.
func Acquire(path string, timeout time.Duration) (unlock func(), err error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	fl := flock.New(path)
	deadline := time.Now().Add(timeout)
	interval := RetryBaseInterval

	for {
		ok, lockErr := fl.TryLock()
		if lockErr != nil {
			return nil, memstoreerr.Wrap(memstoreerr.KindCapture, "lock.acquire",
				"failed to acquire advisory lock", lockErr).
				WithHint("check filesystem permissions on the data directory")
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, memstoreerr.New(memstoreerr.KindCapture, "lock.acquire",
				fmt.Sprintf("timed out after %s waiting for capture lock at %s", timeout, path)).
				WithHint("retry; another process may be capturing concurrently")
		}
		time.Sleep(interval)
		interval *= 2
		if interval > RetryMaxInterval {
			interval = RetryMaxInterval
		}
	}

	// Best-effort PID diagnostic. Never read back to make locking decisions.
	_ = os.WriteFile(path+".pid", []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600)

	released := false
	unlock = func() {
		if released {
			return
		}
		released = true
		_ = fl.Unlock()
		_ = os.Remove(path + ".pid")
	}
	return unlock, nil
}

// TryAcquire attempts a single non-blocking lock attempt, returning
// (unlock, true, nil) on success or (nil, false, nil) if already held by
// someone else.
func TryAcquire(path string) (unlock func(), acquired bool, err error) {
	fl := flock.New(path)
	ok, lockErr := fl.TryLock()
	if lockErr != nil {
		return nil, false, memstoreerr.Wrap(memstoreerr.KindCapture, "lock.try_acquire",
			"failed to attempt advisory lock", lockErr)
	}
	if !ok {
		return nil, false, nil
	}
	_ = os.WriteFile(path+".pid", []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600)
	released := false
	unlock = func() {
		if released {
			return
		}
		released = true
		_ = fl.Unlock()
		_ = os.Remove(path + ".pid")
	}
	return unlock, true, nil
}
