package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the write bursts editors produce when saving.
const debounceWindow = 250 * time.Millisecond

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher surfaces config.yaml changes so a run in flight can pick up
// tunables that apply live, such as the concurrency ceiling. It watches the
// home directory rather than the file itself: editors that save through a
// rename would otherwise detach the watch.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)

		var pending *ReloadEvent
		var debounce <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != "config.yaml" {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = &ReloadEvent{Path: ev.Name, Op: ev.Op}
				debounce = time.After(debounceWindow)
			case <-debounce:
				if pending == nil {
					continue
				}
				select {
				case w.events <- *pending:
					w.logger.Info("config file changed", "path", pending.Path, "op", pending.Op.String())
				default:
				}
				pending = nil
				debounce = nil
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
