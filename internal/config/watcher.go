package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the config file must stay quiet before it is re-read.
const DefaultDebounce = 250 * time.Millisecond

// ChangeCallback receives every successfully re-read config.
type ChangeCallback func(cfg *Config)

// Watcher re-reads config.json when it changes. Invalid edits are logged and
// skipped so the running config stays in place.
type Watcher struct {
	loader   *Loader
	onChange ChangeCallback
	debounce time.Duration
	logger   zerolog.Logger

	watcher  *fsnotify.Watcher
	done     chan struct{}
	mu       sync.Mutex
	timer    *time.Timer
	stopOnce sync.Once
}

// NewWatcher creates a watcher for the loader's config file.
func NewWatcher(loader *Loader, debounce time.Duration, onChange ChangeCallback) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Watcher{
		loader:   loader,
		onChange: onChange,
		debounce: debounce,
		logger:   loader.logger,
		watcher:  fw,
		done:     make(chan struct{}),
	}, nil
}

// Start watches the workspace directory. The directory is watched rather than
// the file so that atomic replaces are seen.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.loader.Workspace()); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.loader.Workspace(), err)
	}

	go w.eventLoop()

	w.logger.Info().Str("path", w.loader.Path()).Msg("Config watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)

		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()

		if closeErr := w.watcher.Close(); closeErr != nil {
			err = fmt.Errorf("failed to close watcher: %w", closeErr)
		}
	})
	return err
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != FileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	cfg, err := w.loader.Read()
	if err != nil {
		w.logger.Warn().Err(err).Msg("Ignoring config change")
		return
	}

	w.logger.Info().Int("models", len(cfg.Models)).Msg("Config reloaded")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
