package watchdog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type WatchDogFactory struct {
	logger *zap.Logger
}

// FilterFunc reports whether a created path should be notified
type FilterFunc func(string) bool

type WatchDog struct {
	watchCtx   context.Context
	notifyChan chan<- string
	filter     FilterFunc
	logger     *zap.Logger
	recursive  bool

	watcher *fsnotify.Watcher
}

func NewWatchDogFactory(logger *zap.Logger) *WatchDogFactory {
	return &WatchDogFactory{
		logger: logger.Named("watchdog"),
	}
}

// New starts a WatchDog reporting file creation events.
//
// - `watchCtx` bounds the lifetime of the watcher. notifyChan is closed once it is done.
//
// - `notifyChan` receives the path of every created file that passes the filter.
//
// - `filter` drops the paths it returns false for. A nil filter passes everything.
//
// Directories created under a watched directory are watched as well.
func (w *WatchDogFactory) New(watchCtx context.Context, notifyChan chan<- string, filter FilterFunc) (*WatchDog, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	watchDog := &WatchDog{
		watchCtx:   watchCtx,
		notifyChan: notifyChan,
		filter:     filter,
		logger:     w.logger,
		recursive:  true,
		watcher:    watcher,
	}

	go watchDog.watch()

	return watchDog, nil
}

// AddDir adds an existing directory to the watch list
func (w *WatchDog) AddDir(dir string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path of %s: %w", dir, err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", absDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", absDir)
	}
	if err := w.watcher.Add(absDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", absDir, err)
	}
	w.logger.Debug("Added directory to watch list", zap.String("dir", absDir))
	return nil
}

func (w *WatchDog) watch() {
	defer w.watcher.Close()
	defer close(w.notifyChan)
	for {
		select {
		case <-w.watchCtx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Debug("fsnotify channel closed")
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.logger.Debug("fsnotify error channel closed")
				return
			}
			w.logger.Warn("fsnotify error", zap.Error(err))
		}
	}
}

func (w *WatchDog) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) {
		return
	}

	if w.recursive {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Debug("Failed to watch new directory", zap.String("dir", event.Name), zap.Error(err))
			}
		}
	}

	if w.filter != nil && !w.filter(event.Name) {
		w.logger.Debug("File ignored by filter", zap.String("file", event.Name))
		return
	}

	select {
	case w.notifyChan <- event.Name:
	case <-w.watchCtx.Done():
	}
}
