// Package lockfile keeps two Dermis processes from sharing one state
// directory. The lock is an flock on a file in that directory, released by
// the kernel when the process exits.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the lock file created in the state directory.
const LockFileName = "dermis.lock"

// Info is what a holder writes into the lock file.
type Info struct {
	PID     int
	Started time.Time
	Addr    string
}

func (i Info) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", i.PID)
	fmt.Fprintf(&b, "started=%s\n", i.Started.UTC().Format(time.RFC3339))
	if i.Addr != "" {
		fmt.Fprintf(&b, "addr=%s\n", i.Addr)
	}
	return b.String()
}

// ParseInfo reads key=value lines written by a lock holder. Unknown keys
// are ignored.
func ParseInfo(content string) Info {
	var info Info
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			info.PID, _ = strconv.Atoi(value)
		case "started":
			info.Started, _ = time.Parse(time.RFC3339, value)
		case "addr":
			info.Addr = value
		}
	}
	return info
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Option configures AcquireLock.
type Option func(*Info)

// WithAddr records the API listen address in the lock file.
func WithAddr(addr string) Option {
	return func(i *Info) { i.Addr = addr }
}

// AcquireLock takes an exclusive lock on stateDir. When another process holds
// it, the returned *LockError describes that process.
func AcquireLock(stateDir string, opts ...Option) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's info before we know we own the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{LockPath: lockPath, Holder: readHolder(lockPath), Cause: err}
		slog.Error("lockfile.AcquireLock: state directory in use", "lock_path", lockPath, "holder", lockErr.Holder.PID)
		return nil, lockErr
	}

	info := Info{PID: os.Getpid(), Started: time.Now()}
	for _, opt := range opts {
		opt(&info)
	}
	if err := writeInfo(file, info); err != nil {
		_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("lockfile.AcquireLock: lock acquired", "lock_path", lockPath, "pid", info.PID)
	return &Lock{file: file, path: lockPath}, nil
}

func writeInfo(f *os.File, info Info) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(info.encode()), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile.writeInfo: sync failed", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. Calling it twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting process never sees our stale info.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: failed to unlock", "lock_path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("Lock.Release: lock released", "lock_path", l.path)
	return err
}

// LockError reports that another process holds the state directory.
type LockError struct {
	LockPath string
	Holder   Info
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another Dermis instance is using this state directory (lock file %s)", e.LockPath)
	if e.Holder.PID > 0 {
		state := "running"
		if !isProcessRunning(e.Holder.PID) {
			state = "not running, stale lock"
		}
		fmt.Fprintf(&b, "; holder pid %d (%s)", e.Holder.PID, state)
	}
	if !e.Holder.Started.IsZero() {
		fmt.Fprintf(&b, ", started %s", e.Holder.Started.Format(time.RFC3339))
	}
	if e.Holder.Addr != "" {
		fmt.Fprintf(&b, ", listening on %s", e.Holder.Addr)
	}
	fmt.Fprintf(&b, "; remove %s only if no instance is running", e.LockPath)
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func readHolder(lockPath string) Info {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Info{}
	}
	return ParseInfo(string(data))
}

// isProcessRunning sends signal 0, which only checks that the process exists.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
