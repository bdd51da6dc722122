package daemon

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"weaver/internal/logging"
)

// HealthWatcher reacts to the health snapshot file changing, backing the
// `weaver daemon status --watch` CLI convenience so it can react to state
// transitions without polling on a tight timer. Grounded on
// internal/core/mangle_watcher.go's fsnotify watch-and-dispatch shape,
// narrowed from a debounced multi-file watch to a single-file change feed.
type HealthWatcher struct {
	watcher *fsnotify.Watcher
	paths   Paths
}

// NewHealthWatcher opens an fsnotify watch on paths.Dir; the health file
// itself may not exist yet, so the watch targets the directory and filters
// events down to the health file's name.
func NewHealthWatcher(paths Paths) (*HealthWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(paths.Dir); err != nil {
		w.Close()
		return nil, err
	}
	return &HealthWatcher{watcher: w, paths: paths}, nil
}

// Close releases the underlying fsnotify watch.
func (h *HealthWatcher) Close() error {
	return h.watcher.Close()
}

// Watch runs until ctx is cancelled (returning ctx.Err()) or the watcher is
// closed (returning nil), invoking onChange with the freshly read Health
// every time the snapshot file is replaced. Watcher errors and read errors
// (e.g. a transient partial write) are logged and skipped rather than
// propagated, since the next event will supersede them.
func (h *HealthWatcher) Watch(ctx context.Context, onChange func(Health)) error {
	log := logging.Get(logging.CategoryDaemon).Sugar()
	target := h.paths.healthFile()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-h.watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			health, err := ReadHealth(h.paths)
			if err != nil {
				log.Debugw("health watcher: transient read failure", "error", err)
				continue
			}
			onChange(health)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnw("health watcher error", "error", err)
		}
	}
}
