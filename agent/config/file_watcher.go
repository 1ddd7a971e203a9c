package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

const defaultReconcileInterval = 200 * time.Millisecond

// FileWatcher reports changes to config files and directories. Changes are
// coalesced: a burst of writes yields at least one, and usually one, event.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	logger  hclog.Logger

	// paths maps every watched path to its last seen modification time.
	// Only the watch goroutine touches it once started.
	paths map[string]time.Time

	reconcileInterval time.Duration

	events   chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewFileWatcher watches paths, which must exist and must not be symlinks.
func NewFileWatcher(paths []string, logger hclog.Logger) (*FileWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	w := &FileWatcher{
		watcher:           fsw,
		logger:            logger,
		paths:             make(map[string]time.Time),
		reconcileInterval: defaultReconcileInterval,
		events:            make(chan struct{}, 1),
		done:              make(chan struct{}),
	}
	for _, p := range paths {
		if err := w.add(p); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("error adding file %q: %w", p, err)
		}
	}
	return w, nil
}

func (w *FileWatcher) add(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("symbolic links are not supported %s", path)
	}
	path = filepath.Clean(path)
	// watch the parent of a file so that replacing it by rename is seen
	dir := path
	if !fi.IsDir() {
		dir = filepath.Dir(path)
	}
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.paths[path] = modTime(path)
	w.logger.Trace("watching", "path", path)
	return nil
}

// Events delivers a value whenever a watched path may have changed.
func (w *FileWatcher) Events() <-chan struct{} { return w.events }

// Start starts watching until ctx is done or Stop is called. Calling it more
// than once does nothing.
func (w *FileWatcher) Start(ctx context.Context) {
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	go w.watch(ctx)
}

// Stop stops watching. It must be called after Start.
func (w *FileWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		w.cancel()
		<-w.done
		err = w.watcher.Close()
	})
	return err
}

func (w *FileWatcher) watch(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Error("watcher event channel is closed")
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.logger.Error("watcher error channel is closed")
				return
			}
			w.logger.Warn("watcher error", "error", err)
		case <-ticker.C:
			w.reconcile()
		case <-ctx.Done():
			return
		}
	}
}

func (w *FileWatcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	name := filepath.Clean(event.Name)
	path, ok := w.watched(name)
	if !ok {
		return
	}
	w.logger.Trace("config change", "path", path, "op", event.Op)
	w.paths[path] = modTime(path)
	w.notify()
}

// watched returns the watched path an event on name belongs to.
func (w *FileWatcher) watched(name string) (string, bool) {
	if _, ok := w.paths[name]; ok {
		return name, true
	}
	dir := filepath.Dir(name)
	if _, ok := w.paths[dir]; ok && formatFromFileExtension(name) != "" {
		return dir, true
	}
	return "", false
}

// reconcile catches changes fsnotify missed, e.g. on filesystems that do
// not report them.
func (w *FileWatcher) reconcile() {
	for path, last := range w.paths {
		mt := modTime(path)
		if mt.Equal(last) {
			continue
		}
		w.logger.Trace("config modification time changed", "path", path, "old", last, "new", mt)
		w.paths[path] = mt
		w.notify()
	}
}

func (w *FileWatcher) notify() {
	select {
	case w.events <- struct{}{}:
	default:
	}
}

// modTime returns the zero time for paths that do not exist.
func modTime(path string) time.Time {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}
