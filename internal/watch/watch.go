// Package watch triggers a callback when the contents of a directory change.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDelay is how long the directory must stay quiet before a change fires.
// Copying a batch of scans produces many events in quick succession.
const DefaultDelay = 500 * time.Millisecond

// Watcher watches a single directory
type Watcher struct {
	Dir   string
	Delay time.Duration
	// Filter, when set, selects the file names whose events count as changes
	Filter func(name string) bool
}

// Run calls onChange once the directory has been quiet for Delay after one or
// more relevant events. Calls are serialized. Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context, onChange func(ctx context.Context)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.Dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.Dir, err)
	}

	delay := w.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}

	slog.Info("Watching directory", "path", w.Dir, "delay", delay)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if w.Filter != nil && !w.Filter(filepath.Base(event.Name)) {
				continue
			}

			slog.Debug("Directory changed", "path", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(delay)
			} else {
				timer.Reset(delay)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			onChange(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("File watcher error", "path", w.Dir, "error", err)
		}
	}
}
