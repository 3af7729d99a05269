package policy

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch starts a goroutine that reloads the policy file whenever it is
// written, until ctx is cancelled. A no-op when the LivePolicy has no
// backing file.
func (lp *LivePolicy) Watch(ctx context.Context, logger *slog.Logger) error {
	if lp.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(lp.path); err != nil {
		_ = watcher.Close()
		return err
	}

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
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := lp.ReloadFromFile(); err != nil {
					logger.Warn("policy reload failed, keeping previous policy", "error", err, "path", lp.path)
					continue
				}
				logger.Info("policy reloaded", "path", lp.path, "version", lp.PolicyVersion())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
