// Package watcher reports filesystem activity in session working
// directories.
package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"agent-console/internal/clock"
)

const DefaultDebounce = 500 * time.Millisecond

// excludedDirs are never watched.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// ActivityCallback is called once per burst of changes in a session's
// directory, after the burst has been quiet for the debounce interval.
type ActivityCallback func(sessionID string, at time.Time)

// Watcher monitors working directories for file changes.
type Watcher struct {
	mu       sync.Mutex
	watchers map[string]*sessionWatcher // sessionID → watcher

	debounce time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	callback ActivityCallback
}

type sessionWatcher struct {
	sessionID string
	workDir   string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}

	timerMu sync.Mutex
	timer   clock.Timer
}

// New creates a watcher. A non-positive debounce uses DefaultDebounce.
func New(clk clock.Clock, logger *slog.Logger, debounce time.Duration, callback ActivityCallback) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		watchers: make(map[string]*sessionWatcher),
		debounce: debounce,
		clock:    clk,
		logger:   logger,
		callback: callback,
	}
}

// Watch starts watching workDir for sessionID. Watching the same directory
// again is a no-op; a different directory replaces the previous watch.
func (w *Watcher) Watch(sessionID, workDir string) error {
	w.mu.Lock()
	if sw, ok := w.watchers[sessionID]; ok && sw.workDir == workDir {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()
	w.Unwatch(sessionID)

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := addDirsRecursive(fsW, workDir); err != nil {
		fsW.Close()
		return err
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		workDir:   workDir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	w.mu.Lock()
	w.watchers[sessionID] = sw
	w.mu.Unlock()

	go w.watchLoop(sw)
	return nil
}

// Watching reports whether sessionID has an active watch.
func (w *Watcher) Watching(sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watchers[sessionID]
	return ok
}

// Unwatch stops watching a session's directory. A pending activity report
// is dropped.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	sw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		close(sw.cancel)
		sw.fsWatcher.Close()
		<-sw.done
		sw.stopTimer()
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(sw *sessionWatcher) {
	defer close(sw.done)
	for {
		select {
		case <-sw.cancel:
			return

		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}

			// New directories are watched too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !skipDir(filepath.Base(event.Name)) {
					if err := sw.fsWatcher.Add(event.Name); err != nil {
						w.logger.Debug("watch new directory failed", "session", sw.sessionID, "dir", event.Name, "err", err)
					}
				}
			}

			w.arm(sw)

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "session", sw.sessionID, "err", err)
		}
	}
}

// arm restarts the debounce timer for sw.
func (w *Watcher) arm(sw *sessionWatcher) {
	sw.timerMu.Lock()
	defer sw.timerMu.Unlock()
	if sw.timer != nil {
		sw.timer.Stop()
	}
	sw.timer = w.clock.AfterFunc(w.debounce, func() {
		select {
		case <-sw.cancel:
			return
		default:
		}
		if w.callback != nil {
			w.callback(sw.sessionID, w.clock.Now())
		}
	})
}

func (sw *sessionWatcher) stopTimer() {
	sw.timerMu.Lock()
	defer sw.timerMu.Unlock()
	if sw.timer != nil {
		sw.timer.Stop()
		sw.timer = nil
	}
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

func skipDir(name string) bool {
	return excludedDirs[name] || isHidden(name)
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
