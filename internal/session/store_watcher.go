package session

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const storeWatchDebounce = 100 * time.Millisecond

// StoreWatcher re-reads a Store whenever its file is replaced and hands the
// complete record set to onChange. The directory is watched, not the file,
// because every save swaps in a new inode.
type StoreWatcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	onChange func(map[string]Record)

	mu    sync.Mutex
	timer *time.Timer
}

// NewStoreWatcher creates a watcher for store. Call Run to start it.
func NewStoreWatcher(store *Store, onChange func(map[string]Record)) (*StoreWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(store.Path())); err != nil {
		w.Close()
		return nil, err
	}
	return &StoreWatcher{store: store, watcher: w, onChange: onChange}, nil
}

// Run delivers the current contents once, then every change, until ctx is
// done.
func (w *StoreWatcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	w.reload()

	name := filepath.Base(w.store.Path())
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(storeWatchDebounce, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			stateLog.Warn("store_watcher_error", slog.String("error", err.Error()))
		}
	}
}

func (w *StoreWatcher) reload() {
	recs, err := w.store.Load()
	if err != nil {
		// A reader racing a writer on some filesystems can see a torn file;
		// the next event delivers the finished one.
		stateLog.Debug("store_reload_failed", slog.String("error", err.Error()))
		return
	}
	if w.onChange != nil {
		w.onChange(recs)
	}
}
