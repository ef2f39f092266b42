// Package watch observes the source tree and fires a debounced callback on
// changes, which the server facade uses to restart the process during
// development.
package watch

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/sockd/sockd/internal/limiter"
)

// Observer watches directory trees for writes and creations.
type Observer struct {
	watcher  *fsnotify.Watcher
	debounce *limiter.Debouncer
	log      *logrus.Logger
	onChange func(path string)
	stopCh   chan struct{}
}

// New starts observing the given paths recursively. Hidden directories are
// skipped.
func New(paths []string, debounce time.Duration, log *logrus.Logger, onChange func(path string)) (*Observer, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	o := &Observer{
		watcher:  w,
		debounce: limiter.NewDebouncer(debounce),
		log:      log,
		onChange: onChange,
		stopCh:   make(chan struct{}),
	}

	for _, root := range paths {
		if err := o.addTree(root); err != nil {
			w.Close()
			return nil, err
		}
	}

	go o.run()
	return o, nil
}

func (o *Observer) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if name != "." && strings.HasPrefix(name, ".") {
			return filepath.SkipDir
		}
		if err := o.watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func (o *Observer) run() {
	for {
		select {
		case event, ok := <-o.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			path := event.Name
			o.log.WithFields(logrus.Fields{
				"component": "watch",
				"path":      path,
			}).Debug("file changed")
			o.debounce.Call(func() { o.onChange(path) })
		case err, ok := <-o.watcher.Errors:
			if !ok {
				return
			}
			o.log.WithError(err).WithField("component", "watch").Warn("observer error")
		case <-o.stopCh:
			return
		}
	}
}

// Stop ends observation. Safe to call once.
func (o *Observer) Stop() {
	close(o.stopCh)
	o.debounce.Stop()
	o.watcher.Close()
}
