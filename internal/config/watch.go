package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay batches the event burst a single save produces. Non-atomic
// writers truncate the file before writing; reloading between those steps
// would parse a half-written file into an all-defaults config the user never
// wrote.
const reloadDelay = 100 * time.Millisecond

// Watch monitors path and calls onChange with the freshly loaded Config once
// a change has settled. Reloads are debounced by reloadDelay. A reload that
// fails to parse or validate is logged and the previous config stays active;
// onChange is not called. Watch runs until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	slog.Info("config: watching for changes", "path", path)

	// The timer is armed by the first relevant event and pushed back by each
	// follow-up, so the reload runs once per settled save.
	settle := time.NewTimer(reloadDelay)
	if !settle.Stop() {
		<-settle.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Writes and renames (atomic saves) both matter; chmod and
			// remove bursts do not.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !settle.Stop() {
				select {
				case <-settle.C:
				default:
				}
			}
			settle.Reset(reloadDelay)

		case <-settle.C:
			reload(path, onChange)
			// An atomic save replaces the inode, so the watch has to be
			// re-established for later events to arrive.
			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}

func reload(path string, onChange func(*Config)) {
	cfg, err := Load(path)
	if err != nil {
		slog.Error("config: reload failed, keeping previous config",
			"path", path, "err", err)
		return
	}
	slog.Info("config: reloaded", "path", path, "enabled", cfg.Broker.Enabled)
	onChange(cfg)
}
