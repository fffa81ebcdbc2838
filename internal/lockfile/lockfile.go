// Package lockfile guards against two bridge daemons running against the
// same socket/store at once, and detects a stale Unix socket left behind by
// a process that died without cleaning up (SPEC_FULL.md §4.1, grounded on
// the gofrs/flock PID-lock pattern in the ztbrown-gastown daemon).
package lockfile

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned by Acquire when another process holds the lock.
var ErrAlreadyRunning = fmt.Errorf("bridge daemon already running (lock held by another process)")

// Lock represents a held PID-file lock. Release removes the lock and the
// PID file.
type Lock struct {
	file    *flock.Flock
	pidPath string
}

// Acquire takes a non-blocking exclusive lock on lockPath and, on success,
// writes the current PID to pidPath. Matches the TOCTOU-safe pattern in the
// teacher pack's daemon.Run: the lock itself is the source of truth, the PID
// file is only an operator-facing artifact.
func Acquire(lockPath, pidPath string) (*Lock, error) {
	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", lockPath, err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}

	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = fileLock.Unlock()
		return nil, fmt.Errorf("write pid file %s: %w", pidPath, err)
	}

	return &Lock{file: fileLock, pidPath: pidPath}, nil
}

// Release unlocks the file and best-effort removes the PID file.
func (l *Lock) Release() error {
	_ = os.Remove(l.pidPath)
	if err := l.file.Unlock(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// socketProbeTimeout bounds the connect attempt used to tell a stale socket
// (nothing listening) from a live one.
const socketProbeTimeout = 200 * time.Millisecond

// IsSocketStale reports whether the Unix socket at path exists but nothing
// is listening on it, meaning it's safe to unlink and rebind. A socket that
// accepts the probe connection is treated as live and the probe connection
// is closed immediately.
func IsSocketStale(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false // nothing there to be stale
	}
	conn, err := net.DialTimeout("unix", path, socketProbeTimeout)
	if err != nil {
		return true
	}
	conn.Close()
	return false
}

// RemoveStaleSocket unlinks path if IsSocketStale reports it safe to do so.
// Returns an error only for unexpected filesystem failures, never for "the
// socket was fine" (that's a no-op, not an error).
func RemoveStaleSocket(path string) error {
	if !IsSocketStale(path) {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	return nil
}
