package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"transcoderexpress/internal/logging"
	"transcoderexpress/internal/metrics"
)

// Watcher turns filesystem notifications under the input tree into wake-up
// signals for the scan loop. It never produces candidates itself: a file is
// only enqueued after a scan has seen it stable.
type Watcher struct {
	root       string
	outputRoot string
	watcher    *fsnotify.Watcher
	wake       chan struct{}
}

// NewWatcher creates a recursive watcher on root. outputRoot, when inside
// root, is not watched.
func NewWatcher(root, outputRoot string) (*Watcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	var absOutput string
	if outputRoot != "" {
		if absOutput, err = filepath.Abs(outputRoot); err != nil {
			return nil, err
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		metrics.WatcherErrors.Inc()
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		root:       absRoot,
		outputRoot: absOutput,
		watcher:    fw,
		wake:       make(chan struct{}, 1),
	}

	watchCount := w.addDirectories(w.root)
	logging.Debug("Watcher started, watching %d directories", watchCount)
	metrics.WatchedDirectories.Set(float64(watchCount))

	return w, nil
}

// Wake delivers at most one pending signal; bursts of events coalesce.
func (w *Watcher) Wake() <-chan struct{} {
	return w.wake
}

// Run processes events until ctx is done, then closes the underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		if err := w.watcher.Close(); err != nil {
			logging.Error("failed to close file watcher: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			logging.Error("Watcher error: %v", err)
			metrics.WatcherErrors.Inc()
		}
	}
}

// addDirectories adds dir and every non-hidden directory below it.
func (w *Watcher) addDirectories(dir string) int {
	watchCount := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logging.Warn("failed to walk %s for watcher: %v", path, err)
			metrics.WatcherErrors.Inc()
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.skip(path) {
			return filepath.SkipDir
		}
		if addErr := w.watcher.Add(path); addErr != nil {
			logging.Warn("failed to add path to watcher %s: %v", path, addErr)
			metrics.WatcherErrors.Inc()
		} else {
			watchCount++
		}
		return nil
	})
	if err != nil {
		logging.Error("failed to walk input directory for watcher: %v", err)
		metrics.WatcherErrors.Inc()
	}
	return watchCount
}

func (w *Watcher) skip(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return true
	}
	return w.outputRoot != "" && path == w.outputRoot
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if w.skip(event.Name) {
		return
	}

	eventType := eventType(event.Op)
	metrics.WatcherEventsTotal.WithLabelValues(eventType).Inc()

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			added := w.addDirectories(event.Name)
			if added > 0 {
				logging.Debug("Added %d new directories to watcher under %s", added, event.Name)
				metrics.WatchedDirectories.Add(float64(added))
			}
		}
	}

	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
		w.signal()
	}
}

func (w *Watcher) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// eventType returns a label for the fsnotify operation.
func eventType(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "create"
	case op&fsnotify.Write != 0:
		return "write"
	case op&fsnotify.Remove != 0:
		return "remove"
	case op&fsnotify.Rename != 0:
		return "rename"
	case op&fsnotify.Chmod != 0:
		return "chmod"
	default:
		return "unknown"
	}
}
