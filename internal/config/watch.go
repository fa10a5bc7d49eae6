package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// WatchLogLevel applies LOG_LEVEL changes in the config file at path to level
// until ctx is done. Other settings require a restart.
func WatchLogLevel(ctx context.Context, path string, level *slog.LevelVar, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Editors replace files on save, so watch the directory rather than the file.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()

		var (
			mu    sync.Mutex
			timer *time.Timer
		)
		base := filepath.Base(path)
		for {
			select {
			case <-ctx.Done():
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				mu.Unlock()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, func() {
					reloadLogLevel(path, level, logger)
				})
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "err", err)
			}
		}
	}()
	return nil
}

func reloadLogLevel(path string, level *slog.LevelVar, logger *slog.Logger) {
	values, err := ReadFile(path)
	if err != nil {
		logger.Warn("config reload failed", "path", path, "err", err)
		return
	}
	raw, ok := layered(func(string) (string, bool) { return "", false }, values)(envVarLogLevel)
	if !ok {
		return
	}
	next, err := parseLogLevel(raw)
	if err != nil {
		logger.Warn("config reload failed", "path", path, "err", err)
		return
	}
	if prev := level.Level(); prev != next {
		level.Set(next)
		logger.Info("log level changed", "from", prev.String(), "to", next.String())
	}
}
