package plugins

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watch invalidates cached connectors when the plugin tree changes, so an
// installed or upgraded version is picked up without a restart. It blocks
// until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		<-ctx.Done()
		return nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// root, plugin and version directories: three levels deep.
	if err := addTree(w, r.dir, 3); err != nil {
		return err
	}
	log.Info().Str("dir", r.dir).Msg("watching plugin directory")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			r.handleEvent(w, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			// events may have been missed; forget everything.
			log.Warn().Err(err).Str("dir", r.dir).Msg("plugin watch error")
			r.Invalidate("")
		}
	}
}

func (r *Registry) handleEvent(w *fsnotify.Watcher, ev fsnotify.Event) {
	rel, err := filepath.Rel(r.dir, ev.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if ev.Has(fsnotify.Create) && len(parts) < 3 {
		if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
			_ = addTree(w, ev.Name, 3-len(parts))
		}
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	log.Debug().Str("plugin", parts[0]).Str("path", rel).Str("op", ev.Op.String()).Msg("plugin changed")
	r.Invalidate(parts[0])
}

func addTree(w *fsnotify.Watcher, dir string, depth int) error {
	if depth <= 0 {
		return nil
	}
	if err := w.Add(dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := addTree(w, filepath.Join(dir, e.Name()), depth-1); err != nil {
				log.Warn().Err(err).Str("dir", e.Name()).Msg("plugin watch add failed")
			}
		}
	}
	return nil
}

// WatchWithRestart runs Watch and restarts it with backoff when it fails.
func (r *Registry) WatchWithRestart(ctx context.Context) {
	backoff := time.Second
	for {
		err := r.Watch(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Dur("backoff", backoff).Msg("plugin watcher stopped; restarting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}
