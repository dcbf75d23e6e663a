package documents

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileChangeType mirrors the LSP FileChangeType numeric values.
type FileChangeType int

const (
	FileCreated FileChangeType = 1
	FileChanged FileChangeType = 2
	FileDeleted FileChangeType = 3
)

// FileEvent is one observed filesystem change under the workspace root.
type FileEvent struct {
	URI  string         `json:"uri"`
	Type FileChangeType `json:"type"`
}

const defaultDebounce = 100 * time.Millisecond

// Watcher observes the workspace root and delivers batched file events. The
// transport loop turns these into synthesized workspace/didChangeWatchedFiles
// notifications for clients that never send their own.
type Watcher struct {
	log      *slog.Logger
	debounce time.Duration
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// WithDebounce overrides the batching window.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher constructs a Watcher with defaults and applies options.
func NewWatcher(opts ...WatcherOption) *Watcher {
	w := &Watcher{
		log:      slog.Default(),
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Watch begins observing root and returns a channel of debounced event
// batches. The channel closes when ctx is cancelled or the underlying
// watcher fails.
func (w *Watcher) Watch(ctx context.Context, root string) (<-chan []FileEvent, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the root and any nested directories present at start. New
	// directories are added as their create events arrive.
	addErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if d.IsDir() && !strings.HasPrefix(d.Name(), ".") {
			return fsw.Add(path)
		}
		return nil
	})
	if addErr != nil {
		_ = fsw.Close()
		return nil, addErr
	}

	out := make(chan []FileEvent, 4)

	go func() {
		defer close(out)
		defer func() { _ = fsw.Close() }()

		var (
			pending []FileEvent
			timer   *time.Timer
			fire    <-chan time.Time
		)

		flush := func() {
			if len(pending) == 0 {
				return
			}
			batch := pending
			pending = nil
			select {
			case out <- batch:
			case <-ctx.Done():
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					flush()
					return
				}
				if fe, ok := translate(ev); ok {
					pending = append(pending, fe)
					if timer == nil {
						timer = time.NewTimer(w.debounce)
						fire = timer.C
					} else {
						if !timer.Stop() {
							select {
							case <-timer.C:
							default:
							}
						}
						timer.Reset(w.debounce)
					}
				}
				if ev.Op.Has(fsnotify.Create) {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						_ = fsw.Add(ev.Name)
					}
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					flush()
					return
				}
				w.log.Warn("documents.watch.err", slog.String("err", err.Error()))
			case <-fire:
				timer = nil
				fire = nil
				flush()
			}
		}
	}()

	return out, nil
}

func translate(ev fsnotify.Event) (FileEvent, bool) {
	var t FileChangeType
	switch {
	case ev.Op.Has(fsnotify.Create):
		t = FileCreated
	case ev.Op.Has(fsnotify.Write):
		t = FileChanged
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		t = FileDeleted
	default:
		return FileEvent{}, false
	}
	return FileEvent{URI: "file://" + filepath.ToSlash(ev.Name), Type: t}, true
}
