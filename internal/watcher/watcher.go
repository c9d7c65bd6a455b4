// Package watcher delivers debounced file change events for a project
// tree. New directories are watched as they appear and ignore patterns are
// applied before events reach the debouncer.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/conneroisu/quire/internal/logging"
)

// ChangeEvent represents a file change event
type ChangeEvent struct {
	Type    EventType
	Path    string
	ModTime time.Time
	Size    int64
}

// EventType represents the type of file change
type EventType int

const (
	EventTypeCreated EventType = iota
	EventTypeModified
	EventTypeDeleted
	EventTypeRenamed
)

// String returns the string representation of the EventType
func (e EventType) String() string {
	switch e {
	case EventTypeCreated:
		return "created"
	case EventTypeModified:
		return "modified"
	case EventTypeDeleted:
		return "deleted"
	case EventTypeRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Removed reports whether the path no longer exists after the event.
func (e ChangeEvent) Removed() bool {
	return e.Type == EventTypeDeleted || e.Type == EventTypeRenamed
}

// FileFilter reports whether a path should produce events.
type FileFilter func(path string) bool

// ChangeHandler handles one debounced batch of events.
type ChangeHandler func(ctx context.Context, events []ChangeEvent) error

// FileWatcher watches a directory tree.
type FileWatcher struct {
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	batches   chan []ChangeEvent
	done      chan struct{}
	filters   []FileFilter
	handlers  []ChangeHandler
	logger    logging.Logger
	mutex     sync.RWMutex
	stopOnce  sync.Once
}

// NewFileWatcher creates a watcher whose batches settle after debounceDelay.
func NewFileWatcher(debounceDelay time.Duration, logger logging.Logger) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}

	fw := &FileWatcher{
		watcher: w,
		batches: make(chan []ChangeEvent, 16),
		done:    make(chan struct{}),
		logger:  logger.WithComponent("watcher"),
	}
	fw.debouncer = NewDebouncer(debounceDelay, func(events []ChangeEvent) {
		select {
		case fw.batches <- events:
		case <-fw.done:
		}
	})

	return fw, nil
}

// AddFilter adds a file filter. Every filter must accept a path.
func (fw *FileWatcher) AddFilter(filter FileFilter) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.filters = append(fw.filters, filter)
}

// AddHandler adds a change handler
func (fw *FileWatcher) AddHandler(handler ChangeHandler) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.handlers = append(fw.handlers, handler)
}

// AddRecursive watches root and every directory below it that the filters
// accept.
func (fw *FileWatcher) AddRecursive(root string) error {
	return filepath.WalkDir(filepath.Clean(root), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != filepath.Clean(root) && !fw.accepts(path) {
			return filepath.SkipDir
		}

		if err := fw.watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}

		return nil
	})
}

// WatchList returns the directories currently watched.
func (fw *FileWatcher) WatchList() []string {
	return fw.watcher.WatchList()
}

// Start runs the watcher until ctx is done or Stop is called.
func (fw *FileWatcher) Start(ctx context.Context) error {
	context.AfterFunc(ctx, func() { _ = fw.Stop() })

	go fw.watchLoop(ctx)
	go fw.processEvents(ctx)

	return nil
}

// Stop stops the file watcher and cleans up resources
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		close(fw.done)
		fw.debouncer.Stop()
		err = fw.watcher.Close()
	})

	return err
}

func (fw *FileWatcher) accepts(path string) bool {
	fw.mutex.RLock()
	defer fw.mutex.RUnlock()

	for _, filter := range fw.filters {
		if !filter(path) {
			return false
		}
	}

	return true
}

func (fw *FileWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleFsnotifyEvent(event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn(ctx, err, "file watcher error")
		}
	}
}

func (fw *FileWatcher) handleFsnotifyEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod || !fw.accepts(event.Name) {
		return
	}

	var (
		modTime time.Time
		size    int64
	)
	info, err := os.Stat(event.Name)
	if err == nil {
		modTime = info.ModTime()
		size = info.Size()
	}

	var eventType EventType
	switch {
	case event.Has(fsnotify.Create):
		eventType = EventTypeCreated
	case event.Has(fsnotify.Write):
		eventType = EventTypeModified
	case event.Has(fsnotify.Remove):
		eventType = EventTypeDeleted
	case event.Has(fsnotify.Rename):
		eventType = EventTypeRenamed
	default:
		eventType = EventTypeModified
	}

	if err == nil && info.IsDir() {
		if eventType == EventTypeCreated {
			if err := fw.AddRecursive(event.Name); err != nil {
				fw.logger.Warn(context.Background(), err, "cannot watch new directory", "path", event.Name)
			}
		}

		return
	}

	fw.debouncer.Add(ChangeEvent{
		Type:    eventType,
		Path:    event.Name,
		ModTime: modTime,
		Size:    size,
	})
}

func (fw *FileWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case events := <-fw.batches:
			fw.mutex.RLock()
			handlers := fw.handlers
			fw.mutex.RUnlock()

			for _, handler := range handlers {
				if err := handler(ctx, events); err != nil {
					fw.logger.Error(ctx, err, "file watcher handler error", "events", len(events))
				}
			}
		}
	}
}

// IgnoreFilter rejects paths under root matching any doublestar pattern.
// Patterns are matched against the slash-separated path relative to root.
func IgnoreFilter(root string, patterns []string) FileFilter {
	return func(path string) bool {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return true
		}
		rel = filepath.ToSlash(rel)

		for _, pattern := range patterns {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				return false
			}
			if ok, _ := doublestar.Match(pattern+"/**", rel); ok {
				return false
			}
		}

		return true
	}
}

// NoHiddenFilter rejects dot files and anything inside dot directories,
// which covers .git and editor swap directories.
func NoHiddenFilter(root string) FileFilter {
	return func(path string) bool {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			return true
		}
		for dir := rel; dir != "." && dir != string(filepath.Separator); dir = filepath.Dir(dir) {
			if base := filepath.Base(dir); len(base) > 1 && base[0] == '.' {
				return false
			}
		}

		return true
	}
}

// NoBackupFilter rejects editor temporary files.
func NoBackupFilter(path string) bool {
	base := filepath.Base(path)
	if base == "" {
		return true
	}
	if base[len(base)-1] == '~' {
		return false
	}
	ok, _ := doublestar.Match("{*.swp,*.swx,*.tmp,#*#,.#*}", base)

	return !ok
}
