package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scenepilot/internal/control"
)

const queueWatchDebounce = 500 * time.Millisecond

// watchQueueFile calls apply with the file's entries every time it changes,
// until ctx is done. The directory is watched so editors that replace the
// file on save are followed. Unparsable revisions are logged and skipped.
func watchQueueFile(ctx context.Context, path string, debounce time.Duration, apply func(context.Context, []control.Entry) error, logger *zap.Logger) error {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	path = filepath.Clean(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	logger = logger.Named("queue_watch").With(zap.String("path", path))
	logger.Info("Watching queue file for changes.")

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Queue file watcher error.", zap.Error(err))
		case <-timer.C:
			entries, err := loadQueueFile(path)
			if err != nil {
				logger.Warn("Ignoring queue file revision.", zap.Error(err))
				continue
			}
			if err := apply(ctx, entries); err != nil {
				logger.Warn("Failed to apply queue file update.", zap.Error(err))
				continue
			}
			logger.Info("Queue entries updated from file.", zap.Int("entries", len(entries)))
		}
	}
}
