package symindex

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce batches bursts of saves into one rebuild.
const DefaultDebounce = 500 * time.Millisecond

// RebuildFunc receives the outcome of each watcher-triggered rebuild.
type RebuildFunc func(count int, err error)

// Watcher rebuilds an index when matching source files change.
type Watcher struct {
	index    *Index
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for index's workspace.
func NewWatcher(index *Index, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{index: index, debounce: debounce, watcher: w}, nil
}

// Run watches until ctx is done, calling onRebuild after every rebuild.
// The watcher is closed when Run returns.
func (w *Watcher) Run(ctx context.Context, onRebuild RebuildFunc) error {
	defer func() { _ = w.watcher.Close() }()

	if err := w.addRecursive(w.index.root); err != nil {
		return err
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !w.index.skipDir(info.Name()) {
					_ = w.addRecursive(event.Name)
				}
			}
			if !w.index.wantFile(event.Name) || event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			count, err := w.index.Build(ctx)
			if onRebuild != nil {
				onRebuild(count, err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.index.logger.WarnCtx("watch error", map[string]any{"error": err.Error()})
		}
	}
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != w.index.root && w.index.skipDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}
