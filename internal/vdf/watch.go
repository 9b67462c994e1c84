package vdf

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch re-parses path whenever it changes on disk and hands the fresh tree
// to onChange. Parse errors are logged and the watch continues. Watch returns
// once the watcher is installed; it stops when ctx is canceled.
func (d *Decoder) Watch(ctx context.Context, path string, onChange func(Tree)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	// Watch the parent directory so editors that replace the file are seen.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	go d.watchLoop(ctx, watcher, abs, onChange)
	return nil
}

func (d *Decoder) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, onChange func(Tree)) {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			d.ClearCacheForFile(path)
			tree, err := d.Parse(path, true)
			if err != nil {
				d.logger.Warn("failed to re-parse watched file",
					zap.String("path", path),
					zap.Error(err))
				continue
			}
			onChange(tree)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("vdf watcher error", zap.Error(err))
		}
	}
}

// WatchFamilyView watches a config.vdf file and calls onChange when Family
// View locks or unlocks. Writes that leave the lock state as it was are
// ignored. A file that is missing at start counts as unlocked.
func (d *Decoder) WatchFamilyView(ctx context.Context, path string, onChange func(locked bool)) error {
	locked := false
	if ps, err := d.ParentalSettings(path); err == nil && ps != nil {
		locked = ps.Locked()
	}

	// Callbacks run on the single watch goroutine.
	return d.Watch(ctx, path, func(tree Tree) {
		ps := parentalSettings(tree)
		now := ps != nil && ps.Locked()
		if now == locked {
			return
		}
		locked = now
		onChange(now)
	})
}
