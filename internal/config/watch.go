package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/coder/quartz"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"pulsemap/core-go/internal/debounce"
	"pulsemap/core-go/internal/overlay"
)

const DefaultStyleSettle = 250 * time.Millisecond

// StyleWatcher reloads the style file when it changes on disk and hands the
// result to apply. A file that fails to parse keeps the previous style.
type StyleWatcher struct {
	log    zerolog.Logger
	path   string
	apply  func(overlay.Style)
	settle *debounce.Debouncer
}

func NewStyleWatcher(log zerolog.Logger, path string, clock quartz.Clock, apply func(overlay.Style)) *StyleWatcher {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &StyleWatcher{
		log:    log.With().Str("component", "style_watcher").Str("path", path).Logger(),
		path:   filepath.Clean(path),
		apply:  apply,
		settle: debounce.New(clock, DefaultStyleSettle),
	}
}

// Run watches the file's directory, since editors usually replace files by
// rename, and blocks until ctx is done.
func (w *StyleWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	defer w.settle.Cancel()

	w.log.Info().Msg("watching style file")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("style watcher error")
		}
	}
}

func (w *StyleWatcher) handle(ev fsnotify.Event) {
	if filepath.Clean(ev.Name) != w.path {
		return
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return
	}
	w.settle.Trigger(w.Reload)
}

// Reload reads the file now and applies it if it parses.
func (w *StyleWatcher) Reload() {
	st, err := LoadStyle(w.path)
	if err != nil {
		w.log.Warn().Err(err).Msg("style reload failed; keeping previous style")
		return
	}
	w.apply(st)
	w.log.Info().Msg("style reloaded")
}
