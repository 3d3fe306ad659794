package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches <workspace>/.gearbox/config.yaml and reloads it on change,
// so long-running sessions pick up threshold changes without a restart.
// Events are debounced because editors fire several writes per save.
type Watcher struct {
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	workspace string
	path      string
	onReload  func(*Config)
	debounce  time.Duration
	stopCh    chan struct{}
	doneCh    chan struct{}
	running   bool
}

// NewWatcher creates a watcher for the workspace config file. onReload is
// called with the freshly loaded config after each successful reload.
func NewWatcher(workspace string, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:   fsw,
		workspace: workspace,
		path:      Path(workspace),
		onReload:  onReload,
		debounce:  500 * time.Millisecond,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the watch loop runs in a goroutine
// until Stop is called or the context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory, not the file: editors replace files on save and
	// a file watch dies with the old inode.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)

	// Trailing debounce: each matching event resets the timer and the file is
	// read only once the write burst has settled, so a half-written file is
	// never the version that gets loaded.
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			cfg, err := Load(w.workspace)
			if err != nil {
				// Invalid file; keep the current config.
				continue
			}
			if w.onReload != nil {
				w.onReload(cfg)
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	err := w.watcher.Close()
	<-w.doneCh
	return err
}
