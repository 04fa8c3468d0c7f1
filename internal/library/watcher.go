// This file implements a file system watcher that notices chapter archives
// removed from the library outside the application.

package library

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/vrsandeep/chapterdl/internal/models"
	"github.com/vrsandeep/chapterdl/internal/store"
)

// RemovedFunc is called for each catalogued chapter whose archive was
// removed from disk.
type RemovedFunc func(models.StoredChapter)

// WatcherService watches the library directory and drops catalogue rows for
// archives that disappear.
type WatcherService struct {
	root          string
	store         *store.Store
	onRemoved     RemovedFunc
	log           zerolog.Logger
	watcher       *fsnotify.Watcher
	removedPaths  map[string]bool
	mu            sync.Mutex
	debounceTimer *time.Timer
	debounceDelay time.Duration
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// NewWatcherService creates a new file system watcher service.
func NewWatcherService(root string, st *store.Store, onRemoved RemovedFunc, log zerolog.Logger) *WatcherService {
	return &WatcherService{
		root:          root,
		store:         st,
		onRemoved:     onRemoved,
		log:           log,
		removedPaths:  make(map[string]bool),
		debounceDelay: 2 * time.Second,
		stopChan:      make(chan struct{}),
	}
}

// SetDebounce changes how long the watcher waits after the last removal
// before reconciling.
func (w *WatcherService) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounceDelay = d
	w.mu.Unlock()
}

// Start begins watching the library directory for changes.
func (w *WatcherService) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher

	// Only directories are watched; files are covered by their parent.
	err = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return err
	}

	w.log.Info().Str("root", w.root).Msg("File watcher started")
	go w.processEvents()
	return nil
}

// Stop stops the file watcher service.
func (w *WatcherService) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.mu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
		}
		w.mu.Unlock()
		if w.watcher != nil {
			err = w.watcher.Close()
		}
	})
	return err
}

func (w *WatcherService) processEvents() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("File watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *WatcherService) handleEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.watcher.Add(event.Name)
		}
		return
	}

	if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	if !isChapterArchive(event.Name) {
		return
	}

	w.mu.Lock()
	w.removedPaths[event.Name] = true
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.reconcile)
	w.mu.Unlock()
}

// reconcile drops catalogue rows for archives that are still missing.
func (w *WatcherService) reconcile() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.removedPaths))
	for p := range w.removedPaths {
		paths = append(paths, p)
	}
	w.removedPaths = make(map[string]bool)
	w.mu.Unlock()

	ctx := context.Background()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			continue
		}
		c, err := w.store.GetChapterByPath(ctx, p)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			w.log.Warn().Err(err).Str("path", p).Msg("Catalogue lookup failed")
			continue
		}
		if _, err := w.store.DeleteChapter(ctx, c.SeriesID, c.ChapterNumber); err != nil {
			w.log.Warn().Err(err).Str("path", p).Msg("Failed to drop removed chapter")
			continue
		}
		w.log.Info().Str("path", p).Msg("Chapter archive removed outside the app")
		if w.onRemoved != nil {
			w.onRemoved(*c)
		}
	}
}
