package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/timesync/internal/tables"
	"github.com/fsnotify/fsnotify"
)

const (
	// debounceInterval is how often pending events are checked.
	debounceInterval = 500 * time.Millisecond

	// debounceQuiet is how long a file must go without events before it
	// is read, so an editor's burst of writes becomes one edit.
	debounceQuiet = 300 * time.Millisecond
)

// Handler receives entity file edits.
type Handler interface {
	// Edited is called with the new contents of an entity file.
	Edited(ctx context.Context, e Entity)
	// Removed is called when an entity file disappears.
	Removed(ctx context.Context, relPath string)
}

// Watcher turns filesystem events under the mirror root into Handler
// calls. Writes made by Mirror.Write are recognised by content hash and
// not reported.
type Watcher struct {
	mirror  *Mirror
	handler Handler
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for m.
func NewWatcher(m *Mirror, h Handler, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{mirror: m, handler: h, logger: logger}
}

// Watch blocks until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	defer watcher.Close()

	if err := w.addTree(); err != nil {
		return fmt.Errorf("watching mirror dir: %w", err)
	}

	w.logger.Info("file watcher started", slog.String("dir", w.mirror.Root()))

	pending := make(map[string]time.Time)

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			w.handleEvent(ctx, event, pending)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()

			for path, t := range pending {
				if now.Sub(t) < debounceQuiet {
					continue
				}

				delete(pending, path)
				w.handleWrite(ctx, path)
			}
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event, pending map[string]time.Time) {
	rel, err := filepath.Rel(w.mirror.Root(), event.Name)
	if err != nil {
		return
	}

	rel = filepath.ToSlash(rel)

	if event.Has(fsnotify.Create) {
		// A new table directory needs its own watch. Lstat so a symlinked
		// directory is never followed out of the mirror.
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if _, ok := tables.Lookup(tables.Name(rel)); ok {
				if err := w.watcher.Add(event.Name); err != nil {
					w.logger.Warn("watching table dir", slog.String("dir", rel), slog.String("error", err.Error()))
				}
			}

			return
		}
	}

	if _, err := tableOf(rel); err != nil {
		return
	}

	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
		pending[rel] = time.Now()
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		// A rename fires Remove-like events on the old path and Create on
		// the new one.
		delete(pending, rel)
		w.mirror.Forget(rel)
		w.handler.Removed(ctx, rel)
	}
}

func (w *Watcher) handleWrite(ctx context.Context, rel string) {
	e, err := w.mirror.Read(rel)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("reading entity file", slog.String("path", rel), slog.String("error", err.Error()))
		}

		return
	}

	if !w.mirror.Changed(rel, e.Data) {
		return
	}

	w.handler.Edited(ctx, e)
}

// addTree watches the root and every table directory beneath it.
func (w *Watcher) addTree() error {
	root := w.mirror.Root()

	if err := w.watcher.Add(root); err != nil {
		return err
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}

	for _, de := range entries {
		if !de.IsDir() || ignoredDir(de.Name()) {
			continue
		}

		if _, ok := tables.Lookup(tables.Name(de.Name())); !ok {
			continue
		}

		if err := w.watcher.Add(filepath.Join(root, de.Name())); err != nil {
			return err
		}
	}

	return nil
}
