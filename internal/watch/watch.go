// Package watch translates filesystem events into file-change records for
// the evolution tracker. Events are debounced per path so editor
// write-rename storms collapse into one change.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"codelens/internal/config"
	"codelens/internal/logging"
	"codelens/internal/types"
)

// Sink receives debounced file changes.
type Sink func(ctx context.Context, change types.FileChange)

// Watcher observes a workspace tree recursively.
type Watcher struct {
	root    string
	cfg     config.WatchConfig
	sink    Sink
	watcher *fsnotify.Watcher
	log     *logging.Logger

	mu      sync.Mutex
	pending map[string]*pendingChange
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

type pendingChange struct {
	changeType types.ChangeType
	timer      *time.Timer
}

// New creates a watcher rooted at the workspace directory.
func New(root string, cfg config.WatchConfig, sink Sink) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:    root,
		cfg:     cfg,
		sink:    sink,
		watcher: fsw,
		log:     logging.Get(logging.CategoryWatch),
		pending: make(map[string]*pendingChange),
	}, nil
}

// Start walks the tree, registers every non-ignored directory, and begins
// dispatching. It returns after the event loop is running.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	err := filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
	if err != nil {
		return err
	}

	w.wg.Add(1)
	go w.loop(ctx)
	w.log.Info("watching %s (debounce=%dms)", w.root, w.cfg.DebounceMs)
	return nil
}

func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		for _, dir := range w.cfg.IgnoreDirs {
			if part == dir {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error: %v", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if w.ignored(ev.Name) {
		return
	}

	// New directories join the watch set immediately.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.watcher.Add(ev.Name)
			return
		}
	}

	var changeType types.ChangeType
	switch {
	case ev.Op.Has(fsnotify.Create):
		changeType = types.ChangeCreated
	case ev.Op.Has(fsnotify.Write):
		changeType = types.ChangeModified
	case ev.Op.Has(fsnotify.Remove):
		changeType = types.ChangeDeleted
	case ev.Op.Has(fsnotify.Rename):
		changeType = types.ChangeRenamed
	default:
		return
	}
	w.debounce(ctx, ev.Name, changeType)
}

// debounce holds a change until the path goes quiet. A later event on the
// same path resets the timer; a delete supersedes a pending modify.
func (w *Watcher) debounce(ctx context.Context, path string, changeType types.ChangeType) {
	delay := time.Duration(w.cfg.DebounceMs) * time.Millisecond
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
		// A create followed by writes is still a create.
		if p.changeType == types.ChangeCreated && changeType == types.ChangeModified {
			changeType = types.ChangeCreated
		}
	}

	p := &pendingChange{changeType: changeType}
	p.timer = time.AfterFunc(delay, func() { w.flush(ctx, path) })
	w.pending[path] = p
}

func (w *Watcher) flush(ctx context.Context, path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	delete(w.pending, path)
	w.mu.Unlock()
	if !ok || ctx.Err() != nil {
		return
	}

	change := types.FileChange{Path: path, Type: p.changeType}
	if p.changeType != types.ChangeDeleted {
		if content, err := os.ReadFile(path); err == nil {
			change.After = &types.FileSnapshot{Path: path, Content: string(content)}
		}
	}
	w.sink(ctx, change)
}

// Close stops the event loop and releases the OS watches.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	return err
}
