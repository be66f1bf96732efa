// Package lockfile keeps a single SalesPipe process per state directory.
//
// The lock is an advisory flock on a file inside the state directory, so the
// kernel drops it when the owning process exits. The file itself carries a
// small YAML document describing the owner, which is reported back to a
// second process that fails to acquire the lock.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "salespipe.lock"

// Owner describes the process holding the lock.
type Owner struct {
	PID     int       `yaml:"pid"`
	Started time.Time `yaml:"started"`
	Addr    string    `yaml:"addr,omitempty"`
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the lock on stateDir, creating the directory when needed.
// addr is recorded in the owner document and may be empty. When another
// process holds the lock the error is a *LockError.
func Acquire(stateDir, addr string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)

	// Truncate only once the flock is held.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner, _ := ReadOwner(path)
		slog.Error("Lock.Acquire: state directory already locked", "lock_path", path, "owner_pid", owner.PID)
		return nil, &LockError{LockPath: path, Owner: owner, Cause: err}
	}

	lock := &Lock{file: file, path: path}
	if err := lock.writeOwner(Owner{PID: os.Getpid(), Started: time.Now().UTC(), Addr: addr}); err != nil {
		lock.Release()
		return nil, err
	}
	slog.Info("Lock.Acquire: state directory locked", "lock_path", path, "pid", os.Getpid())
	return lock, nil
}

func (l *Lock) writeOwner(o Owner) error {
	data, err := yaml.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode lock owner: %w", err)
	}
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := l.file.WriteAt(data, 0); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		slog.Warn("Lock.writeOwner: sync failed", "lock_path", l.path, "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the lock file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove lock file: %w", err))
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close lock file: %w", err))
	}
	l.file = nil
	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return errors.Join(errs...)
}

// ReadOwner decodes the owner document of a lock file.
func ReadOwner(path string) (Owner, error) {
	var o Owner
	data, err := os.ReadFile(path)
	if err != nil {
		return o, err
	}
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Owner{}, fmt.Errorf("decode lock owner: %w", err)
	}
	return o, nil
}

// Alive reports whether the owner process still exists.
func (o Owner) Alive() bool {
	if o.PID <= 0 {
		return false
	}
	p, err := os.FindProcess(o.PID)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// LockError is returned when another process holds the lock.
type LockError struct {
	LockPath string
	Owner    Owner
	Cause    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another SalesPipe instance holds %s", e.LockPath)
	if e.Owner.PID > 0 {
		state := "running"
		if !e.Owner.Alive() {
			state = "not running"
		}
		msg += fmt.Sprintf(" (pid %d, %s, started %s", e.Owner.PID, state, e.Owner.Started.Format(time.RFC3339))
		if e.Owner.Addr != "" {
			msg += ", addr " + e.Owner.Addr
		}
		msg += ")"
	}
	return msg
}

func (e *LockError) Unwrap() error {
	return e.Cause
}
