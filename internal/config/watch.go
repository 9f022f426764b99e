package config

import (
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Live holds the current configuration and swaps it on reload.
// Readers call Get on every use so a reload takes effect immediately.
type Live struct {
	cur atomic.Pointer[Config]
}

// NewLive wraps an initial configuration.
func NewLive(cfg *Config) *Live {
	l := &Live{}
	l.cur.Store(cfg)
	return l
}

// Get returns the current configuration.
func (l *Live) Get() *Config {
	return l.cur.Load()
}

// Set replaces the current configuration.
func (l *Live) Set(cfg *Config) {
	l.cur.Store(cfg)
}

// Watcher reloads a config file whenever it is written.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	live    *Live
	reload  func() (*Config, error)
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	mu      sync.Mutex
}

// NewWatcher watches path and stores each successful reload in live.
// The parent directory is watched because editors usually replace the file.
func NewWatcher(path string, live *Live, reload func() (*Config, error)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	return &Watcher{
		watcher: w,
		path:    filepath.Clean(path),
		live:    live,
		reload:  reload,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching for changes.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.apply()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) apply() {
	cfg, err := w.reload()
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("config reload failed, keeping previous")
		return
	}
	old := w.live.Get()
	w.live.Set(cfg)
	log.Info().
		Str("path", w.path).
		Str("verbosity", cfg.Verbosity).
		Bool("verbosityChanged", old == nil || old.Verbosity != cfg.Verbosity).
		Msg("config reloaded")
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	if started {
		<-w.doneCh
	}
	return w.watcher.Close()
}
