// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/oops"

	"github.com/composebot/composebot/pkg/errutil"
)

// reloadDebounce collapses the burst of events an editor or copy produces
// into one reload.
const reloadDebounce = 250 * time.Millisecond

// reloader is the part of Engine the watcher drives.
type reloader interface {
	Reload(ctx context.Context, name string) error
}

// watcher reloads a plugin when a file in its directory changes.
type watcher struct {
	fs       *fsnotify.Watcher
	target   reloader
	logger   *slog.Logger
	debounce time.Duration

	dirs    map[string]string
	pending map[string]*time.Timer
	mu      sync.Mutex

	done     chan struct{}
	loop     sync.WaitGroup
	stopOnce sync.Once
}

func newWatcher(target reloader, logger *slog.Logger) (*watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, oops.In("engine").Wrapf(err, "create file watcher")
	}
	return &watcher{
		fs:       fs,
		target:   target,
		logger:   logger,
		debounce: reloadDebounce,
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}, nil
}

// start watches each directory in dirs (dir -> plugin name). Directories
// that cannot be watched are logged and skipped.
func (w *watcher) start(ctx context.Context, dirs map[string]string) {
	w.dirs = make(map[string]string, len(dirs))
	for dir, name := range dirs {
		clean := filepath.Clean(dir)
		if err := w.fs.Add(clean); err != nil {
			w.logger.Warn("cannot watch plugin directory", "plugin", name, "dir", clean, "error", err)
			continue
		}
		w.dirs[clean] = name
	}

	w.loop.Add(1)
	go w.run(context.WithoutCancel(ctx))
	w.logger.Info("hot reload enabled", "plugins", len(w.dirs))
}

func (w *watcher) run(ctx context.Context) {
	defer w.loop.Done()
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return
	}
	name, ok := w.dirs[filepath.Dir(ev.Name)]
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return
	default:
	}
	if t, ok := w.pending[name]; ok {
		t.Stop()
	}
	w.pending[name] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, name)
		w.mu.Unlock()
		w.reload(ctx, name)
	})
}

func (w *watcher) reload(ctx context.Context, name string) {
	select {
	case <-w.done:
		return
	default:
	}
	if err := w.target.Reload(ctx, name); err != nil {
		errutil.LogError(w.logger, "hot reload failed; keeping current module", err)
		return
	}
	w.logger.Info("hot reload applied", "plugin", name)
}

// stop ends the event loop and cancels reloads that have not fired yet.
func (w *watcher) stop() {
	w.stopOnce.Do(func() {
		close(w.done)

		w.mu.Lock()
		for _, t := range w.pending {
			t.Stop()
		}
		clear(w.pending)
		w.mu.Unlock()

		if err := w.fs.Close(); err != nil {
			w.logger.Warn("close file watcher", "error", err)
		}
		w.loop.Wait()
	})
}
