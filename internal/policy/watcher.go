package policy

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"nerdwf/internal/logging"
)

// Watcher hot-reloads policy.yaml into a running Engine.
type Watcher struct {
	mu            sync.Mutex
	watcher       *fsnotify.Watcher
	engine        *Engine
	path          string
	workspaceRoot string
	debounce      time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
	running       bool
}

// NewWatcher watches the directory containing path (policy.yaml) and
// reloads it into engine on create/write/rename events.
func NewWatcher(engine *Engine, path, workspaceRoot string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:       fw,
		engine:        engine,
		path:          path,
		workspaceRoot: workspaceRoot,
		debounce:      300 * time.Millisecond,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}, nil
}

// Start begins watching in a background goroutine. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		logging.Policy("watcher: failed to watch %s: %v (hot-reload disabled)", dir, err)
	}

	go w.run(ctx)
	return nil
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	_ = w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	var pending *time.Timer
	reload := func() {
		p, err := LoadPolicy(w.path, w.workspaceRoot)
		if err != nil {
			logging.Policy("watcher: failed to reload %s: %v, keeping previous policy", w.path, err)
			return
		}
		w.engine.setPolicy(p)
		logging.Policy("watcher: reloaded policy from %s", w.path)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(w.debounce, reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Policy("watcher: fsnotify error: %v", err)
		}
	}
}
