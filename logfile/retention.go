package logfile

import (
	"os"
	"path/filepath"
	"sort"
)

// prune deletes monthly files older than the active one, keeping the newest
// Retain of them.
func (r *Rotator) prune() {
	if r.opts.Retain <= 0 || r.active == nil {
		return
	}

	matches, err := filepath.Glob(filepath.Join(r.opts.Dir, r.opts.Prefix+"_[0-9][0-9][0-9][0-9]-[0-9][0-9].log"))
	if err != nil {
		r.log.Warn("[ LOG_PRUNE ] ", err)
		return
	}

	active := filepath.Base(r.active.Path())
	var older []string
	for _, m := range matches {
		if filepath.Base(m) < active {
			older = append(older, m)
		}
	}
	if len(older) <= r.opts.Retain {
		return
	}

	sort.Strings(older)
	for _, path := range older[:len(older)-r.opts.Retain] {
		if err := os.Remove(path); err != nil {
			r.log.Warn("[ LOG_PRUNE ] ", err)
			continue
		}
		r.log.Info("[ LOG_PRUNE ] Removed ", path)
	}
}
