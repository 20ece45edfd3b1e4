package capability

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// WatchGrants reloads the gate's optional grants whenever the grants file
// changes on disk. External revocation (the host editing the file) takes
// effect on the next gated call without any process restart.
func (g *Gate) WatchGrants(ctx context.Context, logger *slog.Logger) error {
	if g.grantsPath == "" {
		return nil
	}
	if logger == nil {
		logger = g.logger
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	_ = fsw.Add(g.grantsPath)

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if err := g.reloadGrants(); err != nil {
					logger.Error("failed to reload capability grants", "error", err)
					continue
				}
				logger.Info("capability grants reloaded", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Error("grants watcher error", "error", err)
			}
		}
	}()
	return nil
}
