package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 1 * time.Second

// setupWatcher creates and configures the file system watcher
func setupWatcher(path string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %v", err)
	}

	// editors replace files, so watch the directory instead of the file
	configDir := filepath.Dir(path)
	if err := watcher.Add(configDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %v", err)
	}

	return watcher, nil
}

// WatchConfig reloads the config file whenever it changes and hands every
// valid version to onReload. Invalid versions are logged and skipped. The
// watcher stops when ctx is done.
func WatchConfig(ctx context.Context, path string, onReload func(*ConfigSettings)) error {
	watcher, err := setupWatcher(path)
	if err != nil {
		return err
	}
	target := filepath.Clean(path)

	reload := func() {
		conf := &ConfigSettings{}
		if err := conf.SetConfig(path); err != nil {
			slog.Error("Config reload failed, keeping previous config", "path", path, "error", err)
			return
		}
		slog.Info("Config reloaded", "path", path)
		onReload(conf)
	}

	go func() {
		defer watcher.Close()

		var debounceTimer *time.Timer
		defer func() {
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					if debounceTimer != nil {
						debounceTimer.Stop()
					}
					debounceTimer = time.AfterFunc(reloadDebounce, reload)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watcher error", "error", err)
			}
		}
	}()

	return nil
}
