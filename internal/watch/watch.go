// Package watch turns file system notifications under a project root into
// history refreshes.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"lhist/internal/change"
	"lhist/internal/logging"
	"lhist/internal/update"
)

// DefaultDelay is how long a burst of events settles before a refresh.
const DefaultDelay = 200 * time.Millisecond

// Refresher records the live state of a subtree. *history.Store implements it.
type Refresher interface {
	Refresh(ctx context.Context, path string) (*change.ChangeSet, error)
}

type Options struct {
	Filter *update.Filter
	Delay  time.Duration
	Logger *zap.Logger
	// OnRefresh, when set, sees every change set a refresh records.
	OnRefresh func(*change.ChangeSet)
}

// Watcher watches every directory below root that the filter lets through.
type Watcher struct {
	root      string
	target    Refresher
	watcher   *fsnotify.Watcher
	filter    *update.Filter
	delay     time.Duration
	logger    *zap.Logger
	onRefresh func(*change.ChangeSet)

	mu    sync.Mutex
	dirty map[string]bool
}

func New(root string, target Refresher, opts Options) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	w := &Watcher{
		root:      root,
		target:    target,
		watcher:   fw,
		filter:    opts.Filter,
		delay:     opts.Delay,
		logger:    opts.Logger,
		onRefresh: opts.OnRefresh,
		dirty:     make(map[string]bool),
	}
	if w.delay <= 0 {
		w.delay = DefaultDelay
	}
	w.logger = logging.OrNop(w.logger).Named("watch")

	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", root, err)
	}
	return w, nil
}

// addTree watches dir and every directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if rel, ok := w.rel(p); !ok || (rel != "" && w.filter.ShouldIgnore(rel)) {
			return filepath.SkipDir
		}
		return w.watcher.Add(p)
	})
}

// rel converts an absolute event path to a slash separated path relative to
// root. Paths outside root are rejected.
func (w *Watcher) rel(p string) (string, bool) {
	r, err := filepath.Rel(w.root, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false
	}
	if r == "." {
		return "", true
	}
	return filepath.ToSlash(r), true
}

// Run processes events until ctx is done or the watcher is closed, refreshing
// dirty directories once events stop arriving for the configured delay.
func (w *Watcher) Run(ctx context.Context) error {
	timer := time.NewTimer(w.delay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Flush(context.WithoutCancel(ctx))
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.handleEvent(event) {
				timer.Reset(w.delay)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", zap.Error(err))
		case <-timer.C:
			w.Flush(ctx)
		}
	}
}

// handleEvent marks the directory holding the event's path dirty and reports
// whether it did.
func (w *Watcher) handleEvent(event fsnotify.Event) bool {
	rel, ok := w.rel(event.Name)
	if !ok || rel == "" || w.filter.ShouldIgnore(rel) {
		return false
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Error("adding new directory to watcher", zap.String("path", rel), zap.Error(err))
			}
		}
	}
	if event.Op == fsnotify.Chmod {
		return false
	}

	w.markDirty(path.Dir(rel))
	return true
}

func (w *Watcher) markDirty(dir string) {
	if dir == "." {
		dir = ""
	}
	w.mu.Lock()
	w.dirty[dir] = true
	w.mu.Unlock()
}

// Flush refreshes every dirty directory now. A directory below another dirty
// one is covered by the outer refresh.
func (w *Watcher) Flush(ctx context.Context) {
	w.mu.Lock()
	dirs := make([]string, 0, len(w.dirty))
	for d := range w.dirty {
		dirs = append(dirs, d)
	}
	w.dirty = make(map[string]bool)
	w.mu.Unlock()

	for _, dir := range collapse(dirs) {
		cs, err := w.target.Refresh(ctx, dir)
		if err != nil {
			w.logger.Warn("refresh failed", zap.String("path", dir), zap.Error(err))
			continue
		}
		if cs == nil {
			continue
		}
		w.logger.Debug("recorded external change",
			zap.String("path", dir),
			zap.Int("changes", len(cs.Changes)))
		if w.onRefresh != nil {
			w.onRefresh(cs)
		}
	}
}

// collapse sorts dirs and drops every one inside another.
func collapse(dirs []string) []string {
	sort.Strings(dirs)
	var out []string
	for _, d := range dirs {
		covered := false
		for _, o := range out {
			if o == "" || d == o || strings.HasPrefix(d, o+"/") {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, d)
		}
	}
	return out
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
