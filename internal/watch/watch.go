// Package watch detects firmware rebuilds on disk.
//
// A Watcher observes one binary and invokes a callback after the file
// is rewritten. Builds touch the file several times in quick
// succession (and some toolchains replace it by rename), so the
// watcher observes the parent directory and debounces before firing.
package watch

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/faultline/internal/logging"
)

// DefaultDebounce is the settle time between the last write and the
// callback.
const DefaultDebounce = 200 * time.Millisecond

// ErrWatcherClosed is returned when using a closed watcher.
var ErrWatcherClosed = errors.New("watch: closed")

// Watcher fires a callback when a watched binary changes.
type Watcher struct {
	fsw      *fsnotify.Watcher
	log      *logging.Logger
	debounce time.Duration

	mu      sync.Mutex
	targets map[string]func() // absolute path -> callback
	timers  map[string]*time.Timer
	closed  bool

	closeCh  chan struct{}
	closedWg sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides the settle time.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the watcher's logger.
func WithLogger(log *logging.Logger) Option {
	return func(w *Watcher) {
		w.log = log
	}
}

// New creates a watcher. Close releases it.
func New(opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:      fsw,
		log:      logging.Null,
		debounce: DefaultDebounce,
		targets:  make(map[string]func()),
		timers:   make(map[string]*time.Timer),
		closeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.closedWg.Add(1)
	go w.processLoop()

	return w, nil
}

// Watch registers a callback for changes to path. The file must exist.
// Watching the same path again replaces the callback.
func (w *Watcher) Watch(path string, onChange func()) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(absPath); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}

	// Watch the directory: rebuilds often replace the file by rename,
	// which drops a direct file watch.
	dir := filepath.Dir(absPath)
	if !w.watchingDir(dir) {
		if err := w.fsw.Add(dir); err != nil {
			return err
		}
	}

	w.targets[absPath] = onChange
	return nil
}

// watchingDir reports whether dir already backs a registered target.
// Caller holds w.mu.
func (w *Watcher) watchingDir(dir string) bool {
	for path := range w.targets {
		if filepath.Dir(path) == dir {
			return true
		}
	}
	return false
}

// Unwatch removes a path's callback.
func (w *Watcher) Unwatch(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}

	delete(w.targets, absPath)
	if t, ok := w.timers[absPath]; ok {
		t.Stop()
		delete(w.timers, absPath)
	}

	dir := filepath.Dir(absPath)
	if !w.watchingDir(dir) {
		_ = w.fsw.Remove(dir)
	}
	return nil
}

// Close stops the watcher. Pending callbacks are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	w.closedWg.Wait()
	return w.fsw.Close()
}

// processLoop handles incoming fsnotify events.
func (w *Watcher) processLoop() {
	defer w.closedWg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error: %v", err)
		}
	}
}

// handleEvent debounces changes to registered targets.
func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
		return
	}

	path := filepath.Clean(ev.Name)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if _, ok := w.targets[path]; !ok {
		return
	}

	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.fire(path)
	})
}

// fire invokes a target's callback once its debounce window settles.
func (w *Watcher) fire(path string) {
	w.mu.Lock()
	delete(w.timers, path)
	cb := w.targets[path]
	closed := w.closed
	w.mu.Unlock()

	if closed || cb == nil {
		return
	}
	w.log.Debug("binary changed: %s", path)
	cb()
}
