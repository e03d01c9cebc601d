package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the managed file whenever it is written and hands the new
// config to onReload. A config that fails to load is logged and the previous
// one stays active.
func (m *Manager) Watch(ctx context.Context, logger *slog.Logger, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(m.path); err != nil {
		return err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("watching config", "path", m.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// atomic saves arrive as create
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				logger.Error("config reload failed, keeping previous config", "path", m.path, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", m.path, "rules", len(cfg.Rules))
			if onReload != nil {
				onReload(cfg)
			}
			_ = watcher.Add(m.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("config watcher error", "error", err)
		}
	}
}
