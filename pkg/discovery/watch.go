package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventOp describes what happened to a watched path
type EventOp string

const (
	EventCreate EventOp = "create"
	EventWrite  EventOp = "write"
	EventRemove EventOp = "remove"
	EventRename EventOp = "rename"
)

// Event is a change below a search root.
type Event struct {
	Root string
	// Path is the changed entry of the root, not the nested file.
	Path string
	Op   EventOp
	Time time.Time
}

// Watch observes every existing root and the package directories directly
// below it until ctx is done. Cached manifests under a changed path are
// invalidated before fn is invoked.
func (d *Discovery) Watch(ctx context.Context, fn func(Event)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	roots := make(map[string]Root)
	for _, root := range d.roots {
		abs, err := filepath.Abs(root.Path)
		if err != nil {
			continue
		}
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			continue
		}
		if err := w.Add(abs); err != nil {
			return fmt.Errorf("failed to watch %s: %w", abs, err)
		}
		roots[abs] = root

		// Manifest edits happen one level down.
		entries, _ := os.ReadDir(abs)
		for _, e := range entries {
			if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
				_ = w.Add(filepath.Join(abs, e.Name()))
			}
		}
	}
	if len(roots) == 0 {
		return fmt.Errorf("no search root exists to watch")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.logger.WithError(err).Warn("Watcher error")
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			root, entry, ok := locate(roots, ev.Name)
			if !ok || strings.HasPrefix(filepath.Base(entry), ".") {
				continue
			}
			op := translateOp(ev.Op)
			if op == "" {
				continue
			}

			if op == EventCreate && entry == ev.Name {
				if info, err := os.Stat(entry); err == nil && info.IsDir() {
					_ = w.Add(entry)
				}
			}

			n := d.cache.Invalidate(entry)
			d.logger.Debugf("Change %s on %s invalidated %d cached manifests", op, entry, n)
			fn(Event{Root: root.String(), Path: entry, Op: op, Time: time.Now()})
		}
	}
}

// locate maps a changed file onto the root entry that contains it.
func locate(roots map[string]Root, name string) (Root, string, bool) {
	for abs, root := range roots {
		rel, err := filepath.Rel(abs, name)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		first := strings.SplitN(rel, string(filepath.Separator), 2)[0]
		return root, filepath.Join(abs, first), true
	}
	return Root{}, "", false
}

func translateOp(op fsnotify.Op) EventOp {
	switch {
	case op.Has(fsnotify.Create):
		return EventCreate
	case op.Has(fsnotify.Write):
		return EventWrite
	case op.Has(fsnotify.Remove):
		return EventRemove
	case op.Has(fsnotify.Rename):
		return EventRename
	}
	return ""
}
