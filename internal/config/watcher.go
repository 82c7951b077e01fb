package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDelay = 250 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands every
// valid result to onChange. Invalid edits are logged and skipped.
type Watcher struct {
	path     string
	validate func(*Config) error
	onChange func(*Config)
	delay    time.Duration

	mu    sync.Mutex // serializes reloads
	timer *time.Timer
}

// NewWatcher watches path. validate may be nil.
func NewWatcher(path string, validate func(*Config) error, onChange func(*Config)) *Watcher {
	return &Watcher{path: path, validate: validate, onChange: onChange, delay: reloadDelay}
}

// Run blocks until ctx is done. The parent directory is watched so editors
// that replace the file by rename are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fw.Close()

	dir, file := filepath.Dir(w.path), filepath.Base(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("config watcher: watch %s: %w", dir, err)
	}
	slog.Info("config.watching", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) == file && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.schedule()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config.watch_error", "error", err)
		}
	}
}

// schedule coalesces a burst of write events into one reload.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, w.reload)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	next, err := Load(w.path)
	if err != nil {
		slog.Warn("config.reload_failed", "path", w.path, "error", err)
		return
	}
	if w.validate != nil {
		if err := w.validate(next); err != nil {
			slog.Warn("config.reload_rejected", "path", w.path, "error", err)
			return
		}
	}
	slog.Info("config.reloaded", "path", w.path)
	w.onChange(next)
}
