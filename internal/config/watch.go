package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"kernelhub/internal/logging"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads the config file on change and hands the result to apply.
// Only fields read at kernel start time (the default argv, timeouts) take
// effect for running servers; listen address and TLS changes need a restart
// and are logged as ignored. Watching ends when ctx is cancelled.
//
// The parent directory is watched rather than the file itself so editors
// that replace the file atomically keep triggering events.
func Watch(ctx context.Context, path string, logger *logging.Logger, apply func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		var pending *time.Timer
		var pendingCh <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != target {
					continue
				}
				if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
					continue
				}
				if pending == nil {
					pending = time.NewTimer(watchDebounce)
					pendingCh = pending.C
				} else {
					pending.Reset(watchDebounce)
				}
			case <-pendingCh:
				pending = nil
				pendingCh = nil
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("config reload failed", map[string]string{
						"path":  path,
						"error": err.Error(),
					})
					continue
				}
				logger.Info("config reloaded", map[string]string{"path": path})
				apply(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watch error", map[string]string{"error": err.Error()})
			}
		}
	}()
	return nil
}
