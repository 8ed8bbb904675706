// Package watcher monitors the images directory and invalidates cached
// pyramid handles when source files change on disk, so the next view
// re-requests metadata from the tile store.
package watcher

import (
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"microtile/internal/fsutil"
	"microtile/internal/storage"
)

// Invalidation describes one source image change.
type Invalidation struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "deleted", "renamed"
	Time      time.Time `json:"time"`
}

// Watcher monitors directories for image changes.
type Watcher struct {
	watcher   *fsnotify.Watcher
	Events    chan Invalidation
	watchDirs []string
	store     *storage.Store
	log       *slog.Logger
	done      chan bool

	// lastSeen coalesces the event bursts editors produce on save.
	lastSeen map[string]time.Time
	debounce time.Duration
}

// New creates a watcher over the given directories. store may be nil;
// rows are then only invalidated through the Events channel consumer.
func New(watchPaths []string, store *storage.Store, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		watcher:   fsw,
		Events:    make(chan Invalidation, 100),
		watchDirs: watchPaths,
		store:     store,
		log:       logger,
		done:      make(chan bool),
		lastSeen:  make(map[string]time.Time),
		debounce:  200 * time.Millisecond,
	}, nil
}

// Start begins monitoring the configured directories.
func (w *Watcher) Start() error {
	for _, dir := range w.watchDirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching image directory", "dir", dir)
	}

	go w.processEvents()

	return nil
}

// Stop stops the watcher. Events is closed by the event loop, so
// consumers ranging over it terminate cleanly.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) processEvents() {
	defer close(w.Events)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			var operation string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				operation = "created"
			case event.Op&fsnotify.Write == fsnotify.Write:
				operation = "modified"
			case event.Op&fsnotify.Remove == fsnotify.Remove:
				operation = "deleted"
			case event.Op&fsnotify.Rename == fsnotify.Rename:
				operation = "renamed"
			default:
				continue
			}

			if !fsutil.IsImageFile(event.Name) {
				continue
			}

			now := time.Now()
			if last, ok := w.lastSeen[event.Name]; ok && now.Sub(last) < w.debounce {
				continue
			}
			w.lastSeen[event.Name] = now

			// The handle is stale the moment the bytes change; the next
			// view must re-request metadata.
			if err := w.store.DeletePyramid(event.Name); err != nil {
				w.log.Warn("failed to drop pyramid row", "path", event.Name, "error", err)
			}

			inv := Invalidation{
				Path:      event.Name,
				Operation: operation,
				Time:      now,
			}

			select {
			case w.Events <- inv:
			default:
				w.log.Warn("invalidation buffer full, dropping event", "path", event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}
