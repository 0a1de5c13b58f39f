package app

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"trunkline/internal/logging"
)

const watchDebounce = 300 * time.Millisecond

// WatchFile calls onChange once at start and again after every burst of
// writes to path, until ctx is done. The parent directory is watched so
// editors that replace the file by rename are still seen. Errors from
// onChange are logged and do not stop the watch.
func WatchFile(ctx context.Context, path string, logger *logging.Logger, onChange func(context.Context) error) error {
	log := logging.OrNop(logger).WithComponent("watch").With("path", path)
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	run := func() {
		if err := onChange(ctx); err != nil {
			log.Error("reload failed", "error", err)
		}
	}
	run()

	var debounce *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != abs || !evt.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			run()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", "error", err)
		}
	}
}
