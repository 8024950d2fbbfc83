package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes config.yaml and stages a freshly loaded Config for the
// next sprint window. The running window never sees the change: callers
// take the staged config at Planning time via Staged.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan Config

	mu     sync.Mutex
	staged *Config
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan Config, 4),
	}
}

// Events emits each successfully staged config. Best-effort: slow
// consumers miss intermediate revisions, Staged always has the latest.
func (w *Watcher) Events() <-chan Config {
	return w.events
}

// Staged returns the most recently staged config, if any, and clears it.
func (w *Watcher) Staged() (Config, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.staged == nil {
		return Config{}, false
	}
	cfg := *w.staged
	w.staged = nil
	return cfg, true
}

// Start begins watching in a background goroutine; the context shuts it
// down.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace config.yaml by rename, which
	// drops a watch on the file itself.
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	configPath := filepath.Join(w.homeDir, "config.yaml")

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Name != configPath {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.stage()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) stage() {
	cfg, err := LoadFrom(w.homeDir)
	if err != nil {
		w.logger.Error("staged config rejected", "error", err)
		return
	}
	w.mu.Lock()
	w.staged = &cfg
	w.mu.Unlock()
	select {
	case w.events <- cfg:
	default:
	}
	w.logger.Info("config staged for next sprint window", "path", filepath.Join(w.homeDir, "config.yaml"))
}
