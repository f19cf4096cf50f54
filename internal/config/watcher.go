package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events an editor emits per save.
const DefaultDebounce = 250 * time.Millisecond

// Reload is one settled edit of config.yaml. Config holds the reparsed
// file when Err is nil; a rejected edit leaves the running config alone.
type Reload struct {
	Path   string
	Config Config
	Err    error
}

// Watcher reloads config.yaml when it changes. The home directory is
// watched so editors that replace the file on save are still seen.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	debounce time.Duration
	reloads  chan Reload
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		debounce: DefaultDebounce,
		reloads:  make(chan Reload, 4),
	}
}

// SetDebounce changes the settle window. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Reloads is closed when the watcher stops.
func (w *Watcher) Reloads() <-chan Reload {
	return w.reloads
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.reloads)

	target := filepath.Clean(ConfigPath(w.homeDir))
	settle := time.NewTimer(time.Hour)
	settle.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			settle.Stop()
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = true
			settle.Reset(w.debounce)
		case <-settle.C:
			if !pending {
				continue
			}
			pending = false
			cfg, err := LoadFrom(w.homeDir)
			if err != nil {
				w.logger.Warn("config reload rejected", "path", target, "error", err)
			} else {
				w.logger.Info("config file reloaded", "path", target, "config_hash", cfg.Fingerprint())
			}
			select {
			case w.reloads <- Reload{Path: target, Config: cfg, Err: err}:
			default:
				w.logger.Warn("config reload dropped; consumer is behind")
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
