package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads config.yaml on change and passes the result to apply.
// Only settings read through the callback change at runtime; components
// that captured values at startup keep them. A reload that fails to
// parse is logged and skipped, keeping the last good config in effect.
func Watch(ctx context.Context, homeDir string, logger *slog.Logger, apply func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory, not the file: editors replace the file on
	// save, which would drop a file-level watch.
	if err := watcher.Add(homeDir); err != nil {
		watcher.Close()
		return err
	}

	target := filepath.Join(homeDir, "config.yaml")
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, err := Load(homeDir)
				if err != nil {
					logger.Warn("config reload failed, keeping previous", "error", err)
					continue
				}
				logger.Info("config reloaded", "path", target)
				apply(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
