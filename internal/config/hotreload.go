package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeHandler receives each successfully reloaded config.
type ChangeHandler func(cfg *Config)

const defaultDebounce = 300 * time.Millisecond

// Watcher reloads the config file when it changes. A burst of events on
// the file collapses into one reload after the debounce delay.
type Watcher struct {
	path     string
	fs       *fsnotify.Watcher
	debounce time.Duration
	done     chan struct{}
	closer   sync.Once

	mu       sync.Mutex
	handlers []ChangeHandler
	reloads  int
}

// NewWatcher creates a watcher for path. Nothing is watched until Start.
func NewWatcher(path string) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		fs:       fs,
		debounce: defaultDebounce,
		done:     make(chan struct{}),
	}, nil
}

// OnChange adds a handler. Handlers run in registration order.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	w.handlers = append(w.handlers, h)
	w.mu.Unlock()
}

// Start watches the parent directory; editors that save by rename replace
// the file's inode, which a file watch would lose.
func (w *Watcher) Start() error {
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", w.path, err)
	}
	go w.loop()
	slog.Debug("config: watching", "path", w.path)
	return nil
}

// Stop ends watching. Repeated calls are no-ops.
func (w *Watcher) Stop() {
	w.closer.Do(func() {
		close(w.done)
		w.fs.Close()
	})
}

// Reloads counts applied reloads.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	return filepath.Clean(ev.Name) == w.path &&
		ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *Watcher) loop() {
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			if pending == nil {
				pending = time.AfterFunc(w.debounce, w.reload)
			} else {
				pending.Reset(w.debounce)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Warn("config: watch error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("config: reload rejected, previous settings stay", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	w.reloads++
	handlers := append([]ChangeHandler(nil), w.handlers...)
	w.mu.Unlock()

	for _, h := range handlers {
		h(cfg)
	}
	slog.Info("config: reloaded", "path", w.path, "handlers", len(handlers))
}
