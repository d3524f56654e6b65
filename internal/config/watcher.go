package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/relaycrm/internal/logger"
)

const reloadDebounce = 100 * time.Millisecond

// Watcher re-reads a config file when it changes on disk and hands the
// reloadable settings to a callback. Invalid edits are logged and ignored.
type Watcher struct {
	path     string
	onChange func(Reloadable)
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

func NewWatcher(path string, onChange func(Reloadable), log *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory so replace-by-rename still reports the file.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return &Watcher{path: abs, onChange: onChange, logger: logger.Or(log), watcher: fsw}, nil
}

// Start watches in the background until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != w.path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				w.reload()
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("config watcher error", "error", err)
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			}
		}
	}()
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected, keeping previous settings", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg.Reloadable())
	}
}

func (w *Watcher) Close() error {
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
