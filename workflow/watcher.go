package workflow

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 250 * time.Millisecond

// TemplateWatcher reloads a catalog when template files change on disk.
type TemplateWatcher struct {
	dir      string
	catalog  *Catalog
	debounce time.Duration
	logger   *slog.Logger
	watcher  *fsnotify.Watcher

	mu       sync.Mutex
	timer    *time.Timer
	reloaded chan int
}

// NewTemplateWatcher creates a watcher for dir. A zero debounce uses the default.
func NewTemplateWatcher(dir string, catalog *Catalog, debounce time.Duration, logger *slog.Logger) (*TemplateWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = defaultReloadDebounce
	}
	return &TemplateWatcher{
		dir:      dir,
		catalog:  catalog,
		debounce: debounce,
		logger:   logger,
		watcher:  fsw,
		reloaded: make(chan int, 1),
	}, nil
}

// Reloaded receives the number of file templates after each successful reload.
// Sends are dropped when nobody is listening.
func (w *TemplateWatcher) Reloaded() <-chan int {
	return w.reloaded
}

// Start watches the template directory tree until ctx is done.
func (w *TemplateWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}
	err := filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	go w.loop(ctx)
	w.logger.Info("Template watcher started", "dir", w.dir, "debounce", w.debounce)
	return nil
}

// Stop closes the underlying watcher.
func (w *TemplateWatcher) Stop() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *TemplateWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Template watcher error", "error", err)
		}
	}
}

func (w *TemplateWatcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(ev.Name); err != nil {
				w.logger.Warn("Failed to watch directory", "path", ev.Name, "error", err)
			}
		}
	}
	ext := strings.ToLower(filepath.Ext(ev.Name))
	if ext != ".yaml" && ext != ".yml" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *TemplateWatcher) reload() {
	n, err := w.catalog.Reload(w.dir)
	if err != nil {
		// keep serving the previous catalog
		w.logger.Warn("Template reload failed", "dir", w.dir, "error", err)
		return
	}
	w.logger.Info("Templates reloaded", "dir", w.dir, "count", n)
	select {
	case w.reloaded <- n:
	default:
	}
}
