package configstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/psaab/netcfgd/pkg/config"
)

// Watcher re-applies the configuration file through the store whenever it
// is written. Writes that leave the tree unchanged (including the store's
// own saves) are ignored.
type Watcher struct {
	path  string
	store *Store
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, store *Store) *Watcher {
	return &Watcher{path: path, store: store}
}

// Run watches until ctx is done. The parent directory is watched so that
// editors replacing the file by rename are seen too.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "err", err)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("config file unreadable", "path", w.path, "err", err)
		return
	}
	tree, err := config.Parse(data)
	if err != nil {
		slog.Warn("config file does not parse", "path", w.path, "err", err)
		return
	}
	if same(tree, w.store.Active()) {
		return
	}
	slog.Info("config file changed, applying", "path", w.path)
	if _, err := w.store.TryApplyComment(ctx, tree, "file change"); err != nil {
		slog.Warn("config file rejected", "path", w.path, "err", err)
	}
}

func same(a, b config.Tree) bool {
	da, errA := a.Format()
	db, errB := b.Format()
	return errA == nil && errB == nil && bytes.Equal(da, db)
}
