// Package notify repurposes fsnotify as an external-edit notifier: it
// watches ~/.clp/ for changes made by something other than this
// process's own REST handlers (an operator hand-editing a JSON file,
// another CLI invocation) and publishes a config_changed event to the
// realtime hub. It never drives the engine's own reload path — that
// stays the stat-based mtime_ns+size check on every access required by
// spec.md §9, implemented independently in configstore/filter/
// loadbalancer. Grounded on internal/config/watcher.go's fsnotify usage.
package notify

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/clp-proxy/clp/internal/hub"
)

// Watcher publishes a config_changed event for every service subscriber
// whenever a file under dir is written or created.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	hub       *hub.Hub
	services  []string
	done      chan struct{}
}

// New starts watching dir for changes affecting any of services.
func New(dir string, h *hub.Hub, services []string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	dataDir := filepath.Join(dir, "data")
	_ = fw.Add(dataDir) // best effort; may not exist yet

	w := &Watcher{fsWatcher: fw, hub: h, services: services, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			file := filepath.Base(event.Name)
			for _, svc := range w.services {
				w.hub.Publish(svc, hub.Event{
					"type": "config_changed",
					"file": file,
				})
			}
			slog.Debug("external config edit detected", "file", file)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher. Idempotent.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
