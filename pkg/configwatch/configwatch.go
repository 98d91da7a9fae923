// Package configwatch is the opt-in file-system side of the config
// reload path: it watches a skin's configuration file for writes and
// re-parses it into a Supervisor.Reload call. Nothing in pkg/engine or
// pkg/supervisor imports this package — it is wired only from the
// cmd/injector entry point, the way the original implementation's file
// watcher ran alongside, not inside, its injection engines.
package configwatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/cdpskins/injector/pkg/patch"
)

// Reloader is the subset of *supervisor.Supervisor this package needs,
// kept as an interface so tests don't need a real Supervisor.
type Reloader interface {
	Reload(*patch.PatchSet)
}

// Watcher re-parses a configuration file and reloads it on every write or
// create of that one Path, covering the active skin's own file being
// edited on disk. It does not observe the user switching to a different
// skin; that trigger calls the same Reload method from outside this package.
type Watcher struct {
	Path     string
	Reloader Reloader
	Log      *logrus.Entry
}

func (w *Watcher) log() *logrus.Entry {
	if w.Log != nil {
		return w.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// Run loads the file once, installs it, then blocks watching for writes
// until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.reload(); err != nil {
		w.log().WithError(err).Warn("configwatch: initial load failed, starting with no patches")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("configwatch: create watcher: %w", err)
	}
	defer fsw.Close()

	dir := filepath.Dir(w.Path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("configwatch: watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("configwatch: watcher events channel closed")
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.Path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.reload(); err != nil {
				w.log().WithError(err).Warn("configwatch: reload after file change failed")
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("configwatch: watcher errors channel closed")
			}
			w.log().WithError(err).Warn("configwatch: watcher reported an error")
		}
	}
}

func (w *Watcher) reload() error {
	data, err := os.ReadFile(w.Path)
	if err != nil {
		return err
	}
	ps, err := patch.Parse(data)
	if err != nil {
		return err
	}
	w.Reloader.Reload(ps)
	return nil
}
