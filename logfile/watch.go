package logfile

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

func (r *Rotator) watch() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		r.log.Warn("[ LOG_WATCH ] Unable to watch log directory: ", err)
		return
	}
	if err := w.Add(r.opts.Dir); err != nil {
		w.Close()
		r.log.Warn("[ LOG_WATCH ] Unable to watch log directory: ", err)
		return
	}

	r.watcher = w
}

// rewatch points the watcher at a log directory that was created again.
func (r *Rotator) rewatch() {
	if r.watcher == nil {
		return
	}
	r.watcher.Remove(r.opts.Dir)
	if err := r.watcher.Add(r.opts.Dir); err != nil {
		r.log.Warn("[ LOG_WATCH ] Unable to watch log directory: ", err)
	}
}

// handleEvent drops the handle of an active file that disappeared from the
// directory. Writing to it would silently lose records.
func (r *Rotator) handleEvent(ev fsnotify.Event) {
	if r.active == nil || !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	if filepath.Clean(ev.Name) != filepath.Clean(r.active.Path()) {
		return
	}

	r.log.Warn("[ LOG_WATCH ] ", ev.Name, " was removed, reopening on next write")
	r.active.Close()
	r.active = nil
}
