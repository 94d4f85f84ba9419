package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadCallback receives the freshly loaded configuration after a change.
type ReloadCallback func(cfg *Config)

// Watcher monitors the config file and reloads it on change. Only fields the
// callback chooses to apply take effect at runtime; everything else requires
// a restart.
type Watcher struct {
	loader   *Loader
	onReload ReloadCallback
	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// NewWatcher creates a config file watcher
func NewWatcher(loader *Loader, onReload ReloadCallback) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		loader:   loader,
		onReload: onReload,
		watcher:  fsw,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the config file's directory
func (w *Watcher) Start() error {
	path, err := w.loader.Path()
	if err != nil {
		return err
	}

	// Watch the directory: editors replace files on save, which would drop
	// a watch registered on the file itself.
	if err := w.watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.loop(path)

	log.Debug().Str("path", path).Msg("Config watcher started")
	return nil
}

func (w *Watcher) loop(path string) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		case <-w.done:
			return
		}
	}
}

// scheduleReload debounces bursts of write events from editors
func (w *Watcher) scheduleReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(200*time.Millisecond, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Config reload failed, keeping previous config")
		return
	}

	log.Info().Msg("Config reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}
