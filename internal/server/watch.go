package server

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// targetWatcher re-lists the server's discovered targets whenever the
// project tree changes, so an operator adding or removing files doesn't
// need to restart the server to see them. Grounded on
// ppiankov-chainwatch/internal/server/reload.go's Reloader: same
// fsnotify.Watcher + debounce-then-reload shape, generalized from
// reloading one policy file to re-walking a whole project directory.
type targetWatcher struct {
	fsWatcher *fsnotify.Watcher
	server    *Server
	done      chan struct{}
}

// newTargetWatcher recursively adds every non-hidden directory under
// projectRoot to a fresh fsnotify.Watcher. Hidden directories (".git", the
// sidecar dirs, which both conventionally start with ".") are skipped so
// the pipeline's own sidecar writes don't trigger a rescan storm.
func newTargetWatcher(s *Server) (*targetWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	err = filepath.WalkDir(s.cfg.ProjectRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort: skip unreadable subtrees rather than aborting the walk
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() != filepath.Base(s.cfg.ProjectRoot) && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		_ = fw.Add(path)
		return nil
	})
	if err != nil {
		fw.Close()
		return nil, err
	}

	return &targetWatcher{fsWatcher: fw, server: s, done: make(chan struct{})}, nil
}

// run blocks, debouncing bursts of filesystem events into a single
// RefreshTargets + Rescan call 500ms after the last event, until stop is
// called.
func (w *targetWatcher) run() {
	defer w.fsWatcher.Close()

	var debounce *time.Timer
	refresh := func() {
		if err := w.server.RefreshTargets(w.server.cfg.DiscoverInclude, w.server.cfg.DiscoverExclude); err != nil {
			w.server.logger.Printf("target watcher: refresh failed: %v", err)
			return
		}
		w.server.pipeline.Rescan(w.server.targetList())
	}

	for {
		select {
		case <-w.done:
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !strings.HasPrefix(filepath.Base(event.Name), ".") {
					_ = w.fsWatcher.Add(event.Name)
				}
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, refresh)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.server.logger.Printf("target watcher: %v", err)
		}
	}
}

func (w *targetWatcher) stop() {
	close(w.done)
}
