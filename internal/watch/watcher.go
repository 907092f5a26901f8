// Package watch runs a handler for image files that appear in a directory.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pic4k/internal/imageinfo"
	"pic4k/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Handler processes one settled file. Errors are logged and counted; they
// do not stop the watcher.
type Handler func(ctx context.Context, path string) error

// Options configures a Watcher.
type Options struct {
	Dir        string
	Extensions []string // defaults to imageinfo.DefaultExtensions
	// Ignore lists stem suffixes of files that are never dispatched, such as
	// the outputs pic4k writes itself.
	Ignore   []string
	Debounce time.Duration
	Handler  Handler
}

// Stats tracks watcher activity.
type Stats struct {
	Events        int
	Dispatched    int
	Failed        int
	Errors        int
	LastEventPath string
	LastEventTime time.Time
}

// Watcher debounces create/write events on a directory and hands settled
// files to a Handler one at a time.
type Watcher struct {
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	opts      Options
	pending   map[string]time.Time
	handled   map[string]time.Time // path -> mod time when dispatched
	stopCh    chan struct{}
	doneCh    chan struct{}
	cancel    context.CancelFunc
	running   bool
	stats     Stats
	tickEvery time.Duration
}

// New creates a Watcher. The directory is not watched until Start.
func New(opts Options) (*Watcher, error) {
	if opts.Handler == nil {
		return nil, fmt.Errorf("watch handler is required")
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("watch directory is required")
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = imageinfo.DefaultExtensions
	}
	if opts.Debounce <= 0 {
		opts.Debounce = time.Second
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	tick := 100 * time.Millisecond
	if half := opts.Debounce / 2; half < tick {
		tick = half
	}

	return &Watcher{
		watcher:   fw,
		opts:      opts,
		pending:   make(map[string]time.Time),
		handled:   make(map[string]time.Time),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		tickEvery: tick,
	}, nil
}

// Start begins watching. It is non-blocking; events are processed in a
// goroutine until Stop is called or ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	st, err := os.Stat(w.opts.Dir)
	if err != nil {
		return fmt.Errorf("cannot watch %s: %w", w.opts.Dir, err)
	}
	if !st.IsDir() {
		return fmt.Errorf("cannot watch %s: not a directory", w.opts.Dir)
	}
	if err := w.watcher.Add(w.opts.Dir); err != nil {
		return fmt.Errorf("cannot watch %s: %w", w.opts.Dir, err)
	}
	logging.Watch("watching %s (debounce %v)", w.opts.Dir, w.opts.Debounce)

	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.running = true
	w.cancel = cancel
	w.mu.Unlock()

	go w.run(runCtx)
	return nil
}

// Stop cancels any in-flight handler, stops the watcher and waits for the
// event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		w.watcher.Close()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.WatchError("error closing watcher: %v", err)
	}
	logging.Watch("stopped watching %s", w.opts.Dir)
}

// Done is closed when the event loop exits.
func (w *Watcher) Done() <-chan struct{} {
	return w.doneCh
}

// Stats returns a snapshot of the counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.tickEvery)
	defer ticker.Stop()

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
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.WatchError("watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-ticker.C:
			w.processSettled(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !w.wants(event.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		logging.WatchDebug("%s %s", event.Op, event.Name)
		w.stats.Events++
		w.stats.LastEventPath = event.Name
		w.stats.LastEventTime = time.Now()
		w.pending[event.Name] = time.Now()
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		delete(w.pending, event.Name)
		delete(w.handled, event.Name)
	}
}

func (w *Watcher) wants(path string) bool {
	return imageinfo.HasExtension(path, w.opts.Extensions) &&
		!imageinfo.HasStemSuffix(path, w.opts.Ignore)
}

// processSettled dispatches files with no events for the debounce period.
func (w *Watcher) processSettled(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.opts.Debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		if ctx.Err() != nil {
			return
		}
		w.dispatch(ctx, path)
	}
}

func (w *Watcher) dispatch(ctx context.Context, path string) {
	st, err := os.Stat(path)
	if err != nil || st.IsDir() {
		return
	}

	w.mu.Lock()
	if prev, ok := w.handled[path]; ok && prev.Equal(st.ModTime()) {
		w.mu.Unlock()
		return
	}
	w.handled[path] = st.ModTime()
	w.stats.Dispatched++
	w.mu.Unlock()

	logging.Watch("processing %s", filepath.Base(path))
	if err := w.opts.Handler(ctx, path); err != nil {
		logging.WatchError("%s: %v", path, err)
		w.mu.Lock()
		w.stats.Failed++
		w.mu.Unlock()
	}
}
