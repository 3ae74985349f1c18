package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileWatcher triggers a reload when any of a set of files changes.
// The parent directories are watched rather than the files, so editors and
// config map updates that replace a file through a rename are seen.
type FileWatcher struct {
	files  map[string]struct{}
	dirs   []string
	logger *zap.SugaredLogger
	// onReload is called once per burst of changes
	onReload func(ctx context.Context) error
	// debounce is the quiet period after the last change before reloading
	debounce time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewFileWatcher creates a watcher for the given files. Empty paths are ignored.
func NewFileWatcher(logger *zap.SugaredLogger, paths ...string) *FileWatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	w := &FileWatcher{
		files:    make(map[string]struct{}),
		logger:   logger,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}
	seen := make(map[string]struct{})
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = filepath.Clean(p)
		}
		w.files[abs] = struct{}{}
		dir := filepath.Dir(abs)
		if _, ok := seen[dir]; !ok {
			seen[dir] = struct{}{}
			w.dirs = append(w.dirs, dir)
		}
	}
	return w
}

// WithDebounce sets the quiet period that coalesces rapid successive changes.
func (w *FileWatcher) WithDebounce(duration time.Duration) *FileWatcher {
	w.debounce = duration
	return w
}

// WithReloadCallback sets the function to call when a reload is triggered.
func (w *FileWatcher) WithReloadCallback(fn func(ctx context.Context) error) *FileWatcher {
	w.onReload = fn
	return w
}

// Start begins watching in a background goroutine. The returned channel
// closes when the watcher stops.
func (w *FileWatcher) Start(ctx context.Context) (<-chan struct{}, error) {
	if len(w.files) == 0 {
		return nil, errors.New("no files to watch")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	for _, dir := range w.dirs {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	done := make(chan struct{})
	go w.watchLoop(ctx, fsw, done)
	return done, nil
}

// Stop signals the watcher to stop. It is safe to call more than once.
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *FileWatcher) watchLoop(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer func() { _ = fsw.Close() }()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Config file watcher context cancelled")
			return
		case <-w.stopCh:
			w.logger.Info("Config file watcher stopped")
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			w.logger.Debugw("Detected config file change", "file", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("Config file watcher error", "error", err)
		case <-fire:
			fire = nil
			_ = w.TriggerReload(ctx)
		}
	}
}

func (w *FileWatcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return false
	}
	_, ok := w.files[filepath.Clean(ev.Name)]
	return ok
}

// TriggerReload runs the reload callback immediately.
func (w *FileWatcher) TriggerReload(ctx context.Context) error {
	if w.onReload == nil {
		return nil
	}
	if err := w.onReload(ctx); err != nil {
		w.logger.Warnw("Configuration reload failed; keeping previous configuration", "error", err)
		return err
	}
	w.logger.Info("Configuration reloaded")
	return nil
}
