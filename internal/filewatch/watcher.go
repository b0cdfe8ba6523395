// Package filewatch reports debounced changes to files and directories.
package filewatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher follows a fixed set of files and directories.
//
// Files are watched through their parent directory so editors that replace
// files by rename keep being observed.
type Watcher struct {
	debounce time.Duration
	logger   *slog.Logger
	filter   func(path string) bool

	dirs  []string
	files map[string]struct{}
	trees map[string]struct{}
}

// Option mutates watcher construction.
type Option func(*Watcher)

// WithDebounce sets the quiet period that ends one burst of changes.
func WithDebounce(debounce time.Duration) Option {
	return func(w *Watcher) {
		if debounce > 0 {
			w.debounce = debounce
		}
	}
}

// WithLogger configures watcher logging.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithFilter drops changes for which keep returns false.
func WithFilter(keep func(path string) bool) Option {
	return func(w *Watcher) {
		w.filter = keep
	}
}

// WithSuffix keeps only paths ending in one of suffixes.
func WithSuffix(suffixes ...string) Option {
	return WithFilter(func(path string) bool {
		for _, suffix := range suffixes {
			if strings.HasSuffix(path, suffix) {
				return true
			}
		}
		return false
	})
}

// New creates a watcher for paths. Each path must exist.
func New(paths []string, options ...Option) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("new file watcher: no paths")
	}

	w := &Watcher{
		debounce: defaultDebounce,
		logger:   slog.Default(),
		files:    make(map[string]struct{}),
		trees:    make(map[string]struct{}),
	}
	for _, option := range options {
		option(w)
	}

	for _, path := range paths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("new file watcher resolve %s: %w", path, err)
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("new file watcher stat %s: %w", path, err)
		}
		dir := absPath
		if info.IsDir() {
			w.trees[absPath] = struct{}{}
		} else {
			w.files[absPath] = struct{}{}
			dir = filepath.Dir(absPath)
		}
		if !slices.Contains(w.dirs, dir) {
			w.dirs = append(w.dirs, dir)
		}
	}

	return w, nil
}

// Run blocks until ctx ends, calling onChange once per burst with the
// sorted set of changed paths.
func (w *Watcher) Run(ctx context.Context, onChange func(ctx context.Context, changed []string)) error {
	if onChange == nil {
		return fmt.Errorf("run file watcher: nil callback")
	}

	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("run file watcher: %w", err)
	}
	defer notify.Close()

	for _, dir := range w.dirs {
		if err := notify.Add(dir); err != nil {
			return fmt.Errorf("run file watcher add %s: %w", dir, err)
		}
	}

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-notify.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod || !w.relevant(event.Name) {
				continue
			}
			pending[event.Name] = struct{}{}
			timer.Reset(w.debounce)
		case err, ok := <-notify.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			changed := make([]string, 0, len(pending))
			for path := range pending {
				changed = append(changed, path)
			}
			sort.Strings(changed)
			clear(pending)
			onChange(ctx, changed)
		}
	}
}

func (w *Watcher) relevant(path string) bool {
	path = filepath.Clean(path)
	if w.filter != nil && !w.filter(path) {
		return false
	}
	if _, ok := w.files[path]; ok {
		return true
	}
	_, ok := w.trees[filepath.Dir(path)]

	return ok
}
