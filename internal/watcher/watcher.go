// Package watcher reloads the settings file when it changes on disk and
// hands the new configuration to the running daemon.
package watcher

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/thebtf/shiftwatch/internal/config"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 250 * time.Millisecond

// ApplyFunc receives each successfully reloaded configuration.
type ApplyFunc func(ctx context.Context, cfg *config.Config)

// Watcher watches one settings file. The parent directory is watched so
// that editors which save by rename are seen.
type Watcher struct {
	clock    quartz.Clock
	apply    ApplyFunc
	timer    *quartz.Timer
	done     chan struct{}
	logger   zerolog.Logger
	path     string
	debounce time.Duration
	mu       sync.Mutex
}

// New creates a watcher for path. A nil clock uses the real clock.
func New(path string, apply ApplyFunc, clock quartz.Clock, logger zerolog.Logger) *Watcher {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Watcher{
		clock:    clock,
		apply:    apply,
		path:     filepath.Clean(path),
		debounce: DefaultDebounce,
		done:     make(chan struct{}),
		logger:   logger.With().Str("component", "settings-watcher").Logger(),
	}
}

// Start begins watching. The watch ends when ctx is cancelled; Done is
// closed afterwards.
func (w *Watcher) Start(ctx context.Context) error {
	if w.apply == nil {
		return errors.New("watcher: apply func is required")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return err
	}

	go func() {
		defer close(w.done)
		defer fw.Close()
		for {
			select {
			case <-ctx.Done():
				w.stopTimer()
				return
			case evt, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != w.path {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					w.schedule(ctx)
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Warn().Err(err).Msg("Settings watch error")
			}
		}
	}()

	w.logger.Info().Str("path", w.path).Msg("Watching settings file")
	return nil
}

// Done is closed once the watch loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = w.clock.AfterFunc(w.debounce, func() { w.reload(ctx) }, "Watcher", "reload")
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cfg, err := config.LoadFrom(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Settings reload failed, keeping current settings")
		return
	}
	config.Set(cfg)
	w.logger.Info().
		Int("poll_interval_minutes", cfg.PollIntervalMinutes).
		Bool("sound_muted", cfg.SoundMuted).
		Msg("Settings reloaded")
	w.apply(ctx, cfg)
}
