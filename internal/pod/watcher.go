package pod

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/podgallery/podgallery/internal/logging"
	"github.com/podgallery/podgallery/internal/storage"
	"github.com/podgallery/podgallery/internal/storage/local"
)

// DefaultSettle is how long a path must stay quiet before a change is applied.
const DefaultSettle = 500 * time.Millisecond

// Watcher keeps a pod in sync with a local share directory. Changes are
// collected until the directory settles, then applied on the event loop.
type Watcher struct {
	pod    *Pod
	src    *local.Source
	settle time.Duration
}

// NewWatcher creates a watcher for src. settle <= 0 uses DefaultSettle.
func NewWatcher(p *Pod, src *local.Source, settle time.Duration) *Watcher {
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Watcher{pod: p, src: src, settle: settle}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.src.Root()); err != nil {
		return err
	}
	logging.Info("watching share directory", logging.String("root", w.src.Root()))

	dirty := make(map[string]struct{})
	timer := time.NewTimer(w.settle)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(fw, event.Name); err != nil {
						logging.Warn("watch new directory failed", logging.String("path", event.Name), logging.Err(err))
					}
				}
			}
			dirty[event.Name] = struct{}{}
			timer.Reset(w.settle)
		case <-timer.C:
			w.flush(dirty)
			dirty = make(map[string]struct{})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.Warn("fs watcher error", logging.Err(err))
		}
	}
}

// addTree watches dir and every non-hidden directory below it.
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := fw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

// flush turns the changed paths into additions and removals for the pod.
// A new directory contributes every file below it.
func (w *Watcher) flush(dirty map[string]struct{}) {
	var changed []storage.File
	var removed []string

	for abs := range dirty {
		name, ok := w.src.Name(abs)
		if !ok {
			continue
		}
		info, err := os.Stat(abs)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			removed = append(removed, name)
		case err != nil:
			logging.Warn("stat changed path failed", logging.String("path", abs), logging.Err(err))
		case info.IsDir():
			changed = append(changed, w.below(name)...)
		case info.Mode().IsRegular():
			if f, err := w.src.Stat(name); err == nil {
				changed = append(changed, f)
			}
		}
	}
	if len(changed) == 0 && len(removed) == 0 {
		return
	}

	sort.Slice(changed, func(i, j int) bool { return changed[i].Name < changed[j].Name })
	sort.Strings(removed)
	logging.Debug("share directory changed", logging.Int("changed", len(changed)), logging.Int("removed", len(removed)))

	p := w.pod
	p.sess.Post(func() {
		if len(removed) > 0 {
			p.RemoveFiles(w.removable(removed)...)
		}
		if len(changed) > 0 {
			_ = p.HandleFiles(w.src, changed)
		}
	})
}

// below lists the files under the directory name.
func (w *Watcher) below(name string) []storage.File {
	all, err := w.src.List(context.Background())
	if err != nil {
		logging.Warn("list share directory failed", logging.Err(err))
		return nil
	}
	var out []storage.File
	for _, f := range all {
		if strings.HasPrefix(f.Name, name+"/") {
			out = append(out, f)
		}
	}
	return out
}

// removable expands removed directories to the shared files below them.
// It runs on the event loop.
func (w *Watcher) removable(removed []string) []string {
	var names []string
	for _, name := range removed {
		names = append(names, name)
		for _, path := range w.pod.Paths() {
			if strings.HasPrefix(path, name+"/") {
				names = append(names, path)
			}
		}
	}
	return names
}
