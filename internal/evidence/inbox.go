package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// Kind tells the inbox which decoder a file needs.
type Kind string

const (
	KindHook      Kind = "hook"
	KindTelemetry Kind = "telemetry"
)

func (k Kind) suffix() string { return "." + string(k) + ".json" }

// RejectedDir is the quarantine subdirectory for files that failed ingestion.
const RejectedDir = "rejected"

const inboxDebounce = 100 * time.Millisecond

// WriteInbox drops data into dir as a new inbox file and returns its path.
// Names sort by creation time; the file appears atomically via rename.
func WriteInbox(dir string, kind Kind, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create inbox: %w", err)
	}
	name := fmt.Sprintf("%020d-%s%s", time.Now().UnixNano(), uuid.NewString(), kind.suffix())
	path := filepath.Join(dir, name)
	tmpPath := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return "", fmt.Errorf("write inbox file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("publish inbox file: %w", err)
	}
	return path, nil
}

// inboxKind returns the kind encoded in an inbox file name.
func inboxKind(name string) (Kind, bool) {
	if strings.HasPrefix(name, ".") {
		return "", false
	}
	for _, k := range []Kind{KindHook, KindTelemetry} {
		if strings.HasSuffix(name, k.suffix()) {
			return k, true
		}
	}
	return "", false
}

// DeliveryID is the journal id of an inbox file: its name without suffix.
func DeliveryID(path string) string {
	name := filepath.Base(path)
	if k, ok := inboxKind(name); ok {
		return strings.TrimSuffix(name, k.suffix())
	}
	return name
}

// HandlerFunc ingests one inbox file. Returning an error wrapping
// ErrMalformedEvent or ErrMalformedTelemetry quarantines the file; any other
// error leaves it in place for the next scan.
type HandlerFunc func(kind Kind, id string, data []byte) error

// InboxWatcher feeds inbox files to a handler in name order.
type InboxWatcher struct {
	dir     string
	handle  HandlerFunc
	watcher *fsnotify.Watcher

	// scanMu serializes scans so files are never handled twice.
	scanMu sync.Mutex

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewInboxWatcher creates the inbox directory and starts watching it.
func NewInboxWatcher(dir string, handle HandlerFunc) (*InboxWatcher, error) {
	if err := os.MkdirAll(filepath.Join(dir, RejectedDir), 0o700); err != nil {
		return nil, fmt.Errorf("create inbox: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	return &InboxWatcher{dir: dir, handle: handle, watcher: w}, nil
}

// Run drains files already waiting, then handles new ones until ctx is done.
func (w *InboxWatcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	w.Scan()

	for {
		select {
		case <-ctx.Done():
			w.stop()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if _, ok := inboxKind(filepath.Base(event.Name)); !ok {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(inboxDebounce, w.debounced)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			evidenceLog.Warn("inbox_watcher_error", slog.String("error", err.Error()))
		}
	}
}

// stop cancels a pending debounced scan and waits for one already running,
// so no file is handled after Run returns.
func (w *InboxWatcher) stop() {
	w.mu.Lock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	// Wait out an in-flight scan.
	w.scanMu.Lock()
	w.scanMu.Unlock()
}

func (w *InboxWatcher) debounced() {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if !stopped {
		w.scanLocked()
	}
}

// Close stops watching. Only needed when Run is never called.
func (w *InboxWatcher) Close() error { return w.watcher.Close() }

// Scan handles every inbox file currently present, oldest first, and
// returns how many were consumed.
func (w *InboxWatcher) Scan() int {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()
	return w.scanLocked()
}

func (w *InboxWatcher) scanLocked() int {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		evidenceLog.Warn("inbox_read_failed", slog.String("dir", w.dir), slog.String("error", err.Error()))
		return 0
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := inboxKind(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	consumed := 0
	for _, name := range names {
		if w.process(name) {
			consumed++
		}
	}
	return consumed
}

func (w *InboxWatcher) process(name string) bool {
	path := filepath.Join(w.dir, name)
	kind, _ := inboxKind(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			evidenceLog.Warn("inbox_file_unreadable", slog.String("file", name), slog.String("error", err.Error()))
		}
		return false
	}

	err = w.handle(kind, DeliveryID(name), data)
	switch {
	case err == nil:
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			evidenceLog.Warn("inbox_remove_failed", slog.String("file", name), slog.String("error", err.Error()))
		}
		return true
	case errors.Is(err, ErrMalformedEvent), errors.Is(err, ErrMalformedTelemetry):
		evidenceLog.Warn("inbox_file_rejected", slog.String("file", name), slog.String("error", err.Error()))
		if err := os.Rename(path, filepath.Join(w.dir, RejectedDir, name)); err != nil {
			_ = os.Remove(path)
		}
		return true
	default:
		evidenceLog.Warn("inbox_ingest_failed", slog.String("file", name), slog.String("error", err.Error()))
		return false
	}
}
