package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tchow-twistedxcom/tmux-collab/internal/logging"
	"github.com/tchow-twistedxcom/tmux-collab/internal/platform"
)

var configLog = logging.ForComponent(logging.CompConfig)

// Watcher reloads the config file when it changes and hands the new config
// to a callback. A file that fails to parse or validate is logged and
// ignored; the previous config stays in effect.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	debounce time.Duration
}

// NewWatcher watches path's directory, since editors often replace the file
// rather than write it in place.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if fsType := platform.UnreliableWatchFS(path); fsType != "" {
		configLog.Warn("config_watch_unreliable", slog.String("path", path), slog.String("fstype", fsType))
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		watcher:  w,
		onChange: onChange,
		debounce: 100 * time.Millisecond,
	}, nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer func() { _ = w.watcher.Close() }()

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
			mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			configLog.Warn("config_watcher_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		configLog.Warn("config_reload_failed", slog.String("path", w.path), slog.String("error", err.Error()))
		return
	}
	configLog.Info("config_reloaded", slog.String("path", w.path), slog.Int("users", len(cfg.Users)))
	w.onChange(cfg)
}
