package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ChangeFunc receives a freshly loaded and validated config.
type ChangeFunc func(cfg *Config)

// Watcher reloads the config file when it changes on disk. Rapid writes are
// collapsed into one reload; a config that fails to load or validate is
// logged and skipped.
type Watcher struct {
	loader   *Loader
	onChange ChangeFunc
	debounce time.Duration

	watcher  *fsnotify.Watcher
	done     chan struct{}
	mu       sync.Mutex
	timer    *time.Timer
	stopOnce sync.Once
}

// NewWatcher creates a watcher for the loader's path. debounce defaults to
// 200ms.
func NewWatcher(loader *Loader, debounce time.Duration, onChange ChangeFunc) (*Watcher, error) {
	if loader == nil || onChange == nil {
		return nil, fmt.Errorf("config watcher needs a loader and a change callback")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &Watcher{
		loader:   loader,
		onChange: onChange,
		debounce: debounce,
		watcher:  fw,
		done:     make(chan struct{}),
	}, nil
}

// Start watches the directory holding the config file. Editors replace files
// by rename, so watching the file itself would lose track after one save.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.loader.Path())
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	go w.eventLoop()

	log.Info().Str("path", w.loader.Path()).Msg("Config watcher started")
	return nil
}

// Stop ends watching and cancels a pending reload.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	log.Info().Msg("Config watcher stopped")
	return nil
}

func (w *Watcher) eventLoop() {
	target := filepath.Clean(w.loader.Path())
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
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
			log.Error().Err(err).Msg("Config watcher error")

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
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
			w.reload()
		}
	})
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		log.Error().Err(err).Msg("Config reload failed")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Reloaded config is invalid, keeping previous")
		return
	}
	log.Info().Int("tools", len(cfg.Tools)).Msg("Config reloaded")
	w.onChange(cfg)
}
