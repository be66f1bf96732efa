package playbook

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher serves the playbook stored at a file and reloads it when the file
// changes. An invalid edit is logged and the previous playbook stays active.
type Watcher struct {
	path     string
	current  atomic.Pointer[Playbook]
	fsw      *fsnotify.Watcher
	debounce time.Duration
	reloads  atomic.Int64
}

// NewWatcher loads path and prepares to watch its directory. Editors often
// replace files by rename, so the directory is watched rather than the file.
func NewWatcher(path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve playbook path: %w", err)
	}
	pb, err := Load(abs)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w := &Watcher{path: abs, fsw: fsw, debounce: defaultDebounce}
	w.current.Store(pb)
	return w, nil
}

// Current returns the latest valid playbook.
func (w *Watcher) Current() *Playbook {
	return w.current.Load()
}

// Reloads returns how many times the file was reloaded successfully.
func (w *Watcher) Reloads() int64 {
	return w.reloads.Load()
}

// Run processes file events until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()
	var pendingSince time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 && pendingSince.IsZero() {
				pendingSince = time.Now()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("Watcher.Run: watch error", "path", w.path, "error", err)
		case <-ticker.C:
			if pendingSince.IsZero() || time.Since(pendingSince) < w.debounce {
				continue
			}
			pendingSince = time.Time{}
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	pb, err := Load(w.path)
	if err != nil {
		slog.Warn("Watcher.reload: keeping previous playbook", "path", w.path, "error", err)
		return
	}
	w.current.Store(pb)
	w.reloads.Add(1)
	slog.Info("Watcher.reload: playbook reloaded", "path", w.path, "company", pb.Company)
}
