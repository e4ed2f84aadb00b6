package config

import (
	"sync"
	"sync/atomic"

	"github.com/ManuGH/xg2g/internal/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads Config from disk whenever the underlying file changes and
// atomically swaps the visible snapshot, mirroring the teacher's
// config-reload snapshot-swap shape: readers always see a fully-validated
// Config, never a partially-applied one.
type Watcher struct {
	path string

	current atomic.Pointer[Config]

	mu        sync.Mutex
	onChange  []func(old, new Config)
	watcher   *fsnotify.Watcher
	closeOnce sync.Once
}

// NewWatcher loads path once and returns a Watcher serving that snapshot.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	w := &Watcher{path: path}
	w.current.Store(&cfg)
	return w, nil
}

// Current returns the most recently loaded, validated Config.
func (w *Watcher) Current() Config {
	return *w.current.Load()
}

// OnChange registers a callback invoked after every successful reload.
// Callbacks run synchronously on the watcher's goroutine; keep them fast.
func (w *Watcher) OnChange(fn func(old, new Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Start begins watching the config file for writes. It is a no-op if the
// Watcher was constructed with an empty path (defaults only, nothing to watch).
func (w *Watcher) Start() error {
	if w.path == "" {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.path); err != nil {
		_ = fw.Close()
		return err
	}

	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()

	go w.run(fw)
	return nil
}

func (w *Watcher) run(fw *fsnotify.Watcher) {
	logger := log.WithComponent("config")
	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload(logger)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Str("event", "config.watch_error").Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload(logger zerolog.Logger) {
	newCfg, err := Load(w.path)
	if err != nil {
		logger.Warn().Err(err).Str("event", "config.reload_failed").Msg("config reload rejected, keeping previous snapshot")
		return
	}

	old := *w.current.Load()
	w.current.Store(&newCfg)

	w.mu.Lock()
	var callbacks []func(old, new Config)
	callbacks = append(callbacks, w.onChange...)
	w.mu.Unlock()

	for _, cb := range callbacks {
		cb(old, newCfg)
	}

	logger.Info().Str("event", "config.reloaded").Msg("config reloaded")
}

// Close stops the underlying filesystem watch.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		fw := w.watcher
		w.mu.Unlock()
		if fw != nil {
			err = fw.Close()
		}
	})
	return err
}
