package ratelimit

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/agentgate/pkg/observability"
)

// WatchFile reloads table whenever the limits file at path changes, until ctx is cancelled.
// A file that fails to parse is logged and the previous limits stay in effect.
func WatchFile(ctx context.Context, path string, table *Table, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file by rename are picked up
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	target := filepath.Clean(path)
	log := logger.WithField("path", path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			limits, err := LoadFile(path)
			if err != nil {
				log.WithError(err).Warn("ignoring invalid rate limit file")
				continue
			}
			if err := table.Replace(limits); err != nil {
				log.WithError(err).Warn("ignoring invalid rate limit file")
				continue
			}
			log.WithField("categories", len(limits)).Info("rate limits reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("rate limit watcher error")
		}
	}
}
