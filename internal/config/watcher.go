package config

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/sockd/sockd/internal/limiter"
)

// reloadDebounce coalesces the event bursts editors produce on save.
const reloadDebounce = 500 * time.Millisecond

// Watcher watches a config file for changes and calls the callback with the
// freshly loaded config. Reload failures are logged and the previous
// configuration stays in effect.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	debounce *limiter.Debouncer
	log      *logrus.Logger
	stopCh   chan struct{}
}

// NewWatcher starts watching the given config file.
func NewWatcher(path string, log *logrus.Logger, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		debounce: limiter.NewDebouncer(reloadDebounce),
		log:      log,
		stopCh:   make(chan struct{}),
	}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				cw.debounce.Call(cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.WithError(err).WithField("component", "config").Warn("watcher error")
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cfg, err := Load(cw.path)
	if err != nil {
		cw.log.WithError(err).WithField("component", "config").Error("config reload failed, keeping previous configuration")
		return
	}
	cw.callback(cfg)
}

// Stop stops watching. Safe to call once.
func (cw *Watcher) Stop() {
	close(cw.stopCh)
	cw.debounce.Stop()
	cw.watcher.Close()
}
