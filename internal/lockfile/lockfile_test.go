package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireWritesOwner(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir, ":8080")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %s", lock.Path())
	}
	owner, err := ReadOwner(lock.Path())
	if err != nil {
		t.Fatalf("ReadOwner: %v", err)
	}
	if owner.PID != os.Getpid() || owner.Addr != ":8080" || owner.Started.IsZero() {
		t.Errorf("unexpected owner %+v", owner)
	}
	if !owner.Alive() {
		t.Error("own process should be alive")
	}
}

func TestAcquireConflict(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir, "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer first.Release()

	second, err := Acquire(dir, "")
	if err == nil {
		second.Release()
		t.Fatal("second Acquire should fail")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if lockErr.Owner.PID != os.Getpid() {
		t.Errorf("expected owner pid %d, got %d", os.Getpid(), lockErr.Owner.PID)
	}
	if !strings.Contains(err.Error(), "running") || !strings.Contains(err.Error(), dir) {
		t.Errorf("error should describe the holder: %s", err)
	}

	// The failed attempt must not clobber the holder's document.
	owner, err := ReadOwner(first.Path())
	if err != nil || owner.PID != os.Getpid() {
		t.Errorf("owner document damaged: %+v, %v", owner, err)
	}
}

func TestReleaseRemovesFileAndAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir, "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed, stat err %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op: %v", err)
	}

	again, err := Acquire(dir, "")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again.Release()
}

func TestAcquireCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := Acquire(dir, "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory not created: %v", err)
	}
}

func TestOwnerAliveRejectsBadPID(t *testing.T) {
	if (Owner{}).Alive() {
		t.Error("zero pid should not be alive")
	}
}

func TestReadOwnerRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), LockFileName)
	if err := os.WriteFile(path, []byte("pid: [not, a, number"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadOwner(path); err == nil {
		t.Error("expected decode error")
	}
}
