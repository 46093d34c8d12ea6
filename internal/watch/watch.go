// Package watch observes run status logs through filesystem notifications.
// The status log stays the source of truth; the watcher only says when to
// re-read it, so a missed event costs freshness, never correctness.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hochfrequenz/hpc-test-orchestrator/internal/idalloc"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/status"
	"github.com/hochfrequenz/hpc-test-orchestrator/internal/workdir"
)

// Change is one run whose status log changed, with its current tail record.
type Change struct {
	RunID  int
	Record status.StatusRecord
}

// ChangeCallback receives debounced batches of status changes.
type ChangeCallback func(changes []Change)

// StatusWatcher monitors the runs namespace for status log appends. New run
// directories are picked up as they appear; rapid appends to the same run
// are batched by a debounce window.
type StatusWatcher struct {
	root     workdir.Root
	tracker  *status.Tracker
	watcher  *fsnotify.Watcher
	callback ChangeCallback
	log      *slog.Logger

	mu       sync.Mutex
	debounce time.Duration
	pending  map[int]struct{}
	timer    *time.Timer

	cancel context.CancelFunc
}

// NewStatusWatcher creates a watcher over the root's runs namespace.
func NewStatusWatcher(root workdir.Root, tracker *status.Tracker,
	callback ChangeCallback, log *slog.Logger) (*StatusWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &StatusWatcher{
		root:     root,
		tracker:  tracker,
		watcher:  watcher,
		callback: callback,
		log:      log,
		debounce: 500 * time.Millisecond,
		pending:  make(map[int]struct{}),
	}, nil
}

// Start watches the runs namespace and every existing run directory, then
// consumes events until ctx is cancelled or Stop is called.
func (w *StatusWatcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.root.RunsNamespace()); err != nil {
		return err
	}
	ids, err := w.root.ListRuns()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := w.watcher.Add(w.root.RunDir(id)); err != nil {
			w.log.Warn("watching run directory failed", "run", id, "error", err)
		}
	}

	ctx, w.cancel = context.WithCancel(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn("watch error", "error", err)
			}
		}
	}()
	return nil
}

// Stop ends event consumption and releases the underlying watcher.
func (w *StatusWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

// SetDebounce sets the batching window for rapid changes.
func (w *StatusWatcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

func (w *StatusWatcher) handleEvent(event fsnotify.Event) {
	// A new run directory appears in the namespace: watch it.
	if event.Op&fsnotify.Create != 0 && filepath.Dir(event.Name) == w.root.RunsNamespace() {
		if _, err := idalloc.ParseID(filepath.Base(event.Name)); err == nil {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := w.watcher.Add(event.Name); err != nil {
					w.log.Warn("watching run directory failed", "dir", event.Name, "error", err)
				}
			}
		}
		return
	}

	if filepath.Base(event.Name) != status.FileName {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	runID, err := idalloc.ParseID(filepath.Base(filepath.Dir(event.Name)))
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[runID] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *StatusWatcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[int]struct{})
	w.mu.Unlock()

	if w.callback == nil || len(pending) == 0 {
		return
	}

	changes := make([]Change, 0, len(pending))
	for id := range pending {
		record, err := w.tracker.Current(w.root.RunDir(id))
		if err != nil {
			continue
		}
		changes = append(changes, Change{RunID: id, Record: record})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].RunID < changes[j].RunID })
	if len(changes) > 0 {
		w.callback(changes)
	}
}
