package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLockAcquisition(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, WithAddr(":8080"))
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	content, err := os.ReadFile(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	info := ParseInfo(string(content))
	if info.PID != os.Getpid() || info.Addr != ":8080" || info.Started.IsZero() {
		t.Errorf("lock info = %+v", info)
	}
}

func TestLockConflict(t *testing.T) {
	dir := t.TempDir()
	lock1, err := AcquireLock(dir, WithAddr(":9090"))
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir)
	if err == nil {
		lock2.Release()
		t.Fatal("Second lock acquisition should have failed")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	if lockErr.Holder.PID != os.Getpid() {
		t.Errorf("holder = %+v, want our pid", lockErr.Holder)
	}
	msg := err.Error()
	for _, want := range []string{"another Dermis instance", dir, "(running)", ":9090"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestLockReleaseAndReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Errorf("lock file still present: %v", err)
	}
	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again.Release()
}

func TestLockCreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()
	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("Path = %q", lock.Path())
	}
}

func TestParseInfo(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	info := ParseInfo("pid=42\nstarted=" + started.Format(time.RFC3339) + "\naddr=:8080\njunk\nother=1\n")
	if info.PID != 42 || !info.Started.Equal(started) || info.Addr != ":8080" {
		t.Errorf("ParseInfo = %+v", info)
	}
	if got := ParseInfo(""); got.PID != 0 {
		t.Errorf("empty ParseInfo = %+v", got)
	}
	if got := ParseInfo(Info{PID: 7, Started: started}.encode()); got.PID != 7 || got.Addr != "" {
		t.Errorf("round trip = %+v", got)
	}
}

func TestStaleHolderMessage(t *testing.T) {
	e := &LockError{LockPath: "/x/dermis.lock", Holder: Info{PID: 999999999}}
	if !strings.Contains(e.Error(), "stale lock") {
		t.Errorf("message = %q", e.Error())
	}
}
