package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// ReloadFunc receives the freshly parsed configuration after the file on
// disk changes and passes validation.
type ReloadFunc func(*Config)

// Watcher monitors the configuration file and invokes callbacks when it is
// rewritten. Editors often replace files via rename, so the parent directory
// is watched rather than the file itself.
type Watcher struct {
	path      string
	mu        sync.Mutex
	callbacks []ReloadFunc
	debounce  time.Duration
}

// NewWatcher creates a watcher for the given config path.
func NewWatcher(path string) *Watcher {
	return &Watcher{path: path, debounce: 500 * time.Millisecond}
}

// OnReload registers a callback fired after each successful reload.
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start begins watching until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(w.path)
	if err = fsWatcher.Add(dir); err != nil {
		_ = fsWatcher.Close()
		return err
	}

	go func() {
		defer func() {
			_ = fsWatcher.Close()
		}()

		var timer *time.Timer
		target := filepath.Clean(w.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-fsWatcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Coalesce bursts of events from a single save.
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(w.debounce, w.reload)
			case watchErr, ok := <-fsWatcher.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher error: %v", watchErr)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Errorf("config reload failed: %v", err)
		return
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			log.Errorf("config reload validation: %v", e)
		}
		return
	}

	w.mu.Lock()
	callbacks := append([]ReloadFunc(nil), w.callbacks...)
	w.mu.Unlock()

	log.Infof("config reloaded from %s", w.path)
	for _, fn := range callbacks {
		fn(cfg)
	}
}
