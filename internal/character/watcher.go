package character

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the prompt directories of all characters and reports,
// debounced per character, which character's templates changed on disk.
type Watcher struct {
	root     string
	debounce time.Duration
	onChange func(id string)

	fsw *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits for further writes before
// reporting a change. Default: 300ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher watches promptsDir/<id> (recursively) for each id. onChange is
// called from a timer goroutine with the id of the character whose files
// changed.
func NewWatcher(promptsDir string, ids []string, onChange func(id string), opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("character: create watcher: %w", err)
	}
	w := &Watcher{
		root:     promptsDir,
		debounce: 300 * time.Millisecond,
		onChange: onChange,
		fsw:      fsw,
		timers:   make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(w)
	}

	for _, id := range ids {
		dir := filepath.Join(promptsDir, id)
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return fsw.Add(path)
			}
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			fsw.Close()
			return nil, fmt.Errorf("character: watch %q: %w", dir, err)
		}
	}
	return w, nil
}

// Run processes file system events until ctx is cancelled or the watcher is
// closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("character watcher: error", "err", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	id, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	if id == "" || strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(ev.Name)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[id]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[id] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, id)
		w.mu.Unlock()
		slog.Info("character templates changed", "character", id)
		w.onChange(id)
	})
}

// Close stops watching and cancels pending notifications.
func (w *Watcher) Close() error {
	w.mu.Lock()
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
	w.mu.Unlock()
	return w.fsw.Close()
}
