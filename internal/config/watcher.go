package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when specific config files
// change, for hot-reload without restarting meshd.
type WatchTargets struct {
	// OnHooksChange fires when hooks.yaml is written or created.
	// Triggers hooks.Engine.Reload() to pick up new rules.
	OnHooksChange func()

	// OnConfigChange fires when config.yaml is written or created —
	// e.g. by `meshd config edit` or another process calling
	// configure_keys/configure_hub. Triggers a re-Load() so the
	// interceptor's routing state updates without a restart.
	OnConfigChange func()
}

// Watcher monitors meshd's config directory for file changes using
// fsnotify, firing the appropriate callback when a change is detected.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher on the given config directory. It
// watches for changes to hooks.yaml and config.yaml.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}

	go w.processEvents(targets)

	slog.Info("file watcher started", "dir", dir)
	return w, nil
}

// processEvents reads fsnotify events and dispatches to the
// appropriate callback. Runs in a background goroutine until Close().
func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			name := filepath.Base(event.Name)
			switch name {
			case "hooks.yaml":
				slog.Info("hooks.yaml changed, triggering reload")
				if targets.OnHooksChange != nil {
					targets.OnHooksChange()
				}
			case "config.yaml":
				slog.Info("config.yaml changed, triggering reload")
				if targets.OnConfigChange != nil {
					targets.OnConfigChange()
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the file watcher goroutine. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
