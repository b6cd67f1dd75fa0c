// Package update reconciles the stored entry tree with the live file system and
// describes the differences as changes.
package update

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"lhist/internal/change"
	"lhist/internal/entry"
	lherrors "lhist/internal/errors"
	"lhist/internal/gateway"
	"lhist/internal/logging"
	"lhist/internal/safe"
)

// Filter decides which live paths are never tracked.
type Filter struct {
	names  map[string]bool
	hidden bool
}

// NewFilter ignores any path with a component in names, and with hidden set any
// component starting with a dot.
func NewFilter(names []string, hidden bool) *Filter {
	f := &Filter{names: make(map[string]bool, len(names)), hidden: hidden}
	for _, n := range names {
		f.names[n] = true
	}
	return f
}

func (f *Filter) ShouldIgnore(path string) bool {
	if f == nil {
		return false
	}
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		if f.names[part] || (f.hidden && part[0] == '.') {
			return true
		}
	}
	return false
}

// Contents stores blobs read from the live tree.
type Contents interface {
	StoreNamed(name string, content []byte) (safe.ID, error)
}

type Options struct {
	Filter *Filter
	Logger *zap.Logger
}

type Updater struct {
	gw       gateway.Gateway
	contents Contents
	nextID   func() entry.ID
	filter   *Filter
	log      *zap.Logger
}

// New returns an Updater that reads through gw, stores new content in contents
// and numbers created entries with nextID.
func New(gw gateway.Gateway, contents Contents, nextID func() entry.ID, opts Options) *Updater {
	log := logging.OrNop(opts.Logger)
	return &Updater{
		gw:       gw,
		contents: contents,
		nextID:   nextID,
		filter:   opts.Filter,
		log:      log.Named("update"),
	}
}

// DiffAgainstLiveTree compares the stored subtree at path with the live one and
// returns the changes that turn the former into the latter, in an order they can
// be applied in. Content is only read for files whose live timestamp is newer than
// the stored one. Ignored paths are left alone on both sides.
func (u *Updater) DiffAgainstLiveTree(ctx context.Context, tree *entry.Tree, path string) ([]change.Change, error) {
	path = entry.Clean(path)
	if u.filter.ShouldIgnore(path) {
		return nil, nil
	}

	var out []change.Change
	if path == "" {
		if err := u.diffDir(ctx, tree.Root(), "", &out); err != nil {
			return nil, err
		}
		return out, nil
	}

	live, err := u.stat(path)
	if err != nil {
		return nil, err
	}
	parentPath, _ := entry.ParentPath(path)
	parent, ok := tree.Find(parentPath)
	if !ok || !parent.IsDirectory() {
		if live == nil {
			return nil, nil
		}
		return nil, lherrors.EntryNotFound(parentPath)
	}
	stored, _ := tree.Find(path)
	if err := u.reconcile(ctx, parent.ID(), path, stored, live, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (u *Updater) stat(path string) (*gateway.FileInfo, error) {
	info, err := u.gw.Stat(path)
	if stderrors.Is(err, gateway.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (u *Updater) reconcile(ctx context.Context, parent entry.ID, path string, stored entry.Entry, live *gateway.FileInfo, out *[]change.Change) error {
	switch {
	case u.filter.ShouldIgnore(path):
		return nil
	case stored == nil && live == nil:
		return nil
	case stored == nil:
		return u.create(ctx, parent, path, *live, out)
	case live == nil:
		*out = append(*out, &change.Delete{Header: change.Header{EntryID: stored.ID()}})
		return nil
	case stored.IsDirectory() != live.IsDir:
		*out = append(*out, &change.Delete{Header: change.Header{EntryID: stored.ID()}})
		return u.create(ctx, parent, path, *live, out)
	case live.IsDir:
		return u.diffDir(ctx, stored.(*entry.Directory), path, out)
	}

	f := stored.(*entry.File)
	if live.ModTime <= f.Timestamp() {
		return nil
	}
	data, err := u.gw.Read(path)
	if stderrors.Is(err, gateway.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	id, err := u.contents.StoreNamed(live.Name, data)
	if err != nil {
		return fmt.Errorf("storing content of %s: %w", path, err)
	}
	// Same bytes with a newer mtime still records the timestamp, so the next
	// scan can skip reading the file again.
	*out = append(*out, &change.ContentChange{
		Header:       change.Header{EntryID: f.ID()},
		OldContent:   f.Content(),
		NewContent:   id,
		OldTimestamp: f.Timestamp(),
		NewTimestamp: live.ModTime,
	})
	return nil
}

func (u *Updater) diffDir(ctx context.Context, dir *entry.Directory, path string, out *[]change.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	liveChildren, err := u.gw.List(path)
	if err != nil {
		return err
	}

	live := make(map[string]gateway.FileInfo, len(liveChildren))
	names := make([]string, 0, len(liveChildren)+dir.Len())
	for _, c := range liveChildren {
		live[c.Name] = c
		names = append(names, c.Name)
	}
	stored := make(map[string]entry.Entry, dir.Len())
	for _, c := range dir.Children() {
		stored[c.Name()] = c
		if _, ok := live[c.Name()]; !ok {
			names = append(names, c.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var info *gateway.FileInfo
		if c, ok := live[name]; ok {
			info = &c
		}
		if err := u.reconcile(ctx, dir.ID(), entry.JoinPath(path, name), stored[name], info, out); err != nil {
			return err
		}
	}
	return nil
}

// create describes a live-only entry, recursing into directories.
func (u *Updater) create(ctx context.Context, parent entry.ID, path string, live gateway.FileInfo, out *[]change.Change) error {
	id := u.nextID()
	_, name := entry.ParentPath(path)

	if !live.IsDir {
		data, err := u.gw.Read(path)
		if stderrors.Is(err, gateway.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		content, err := u.contents.StoreNamed(name, data)
		if err != nil {
			return fmt.Errorf("storing content of %s: %w", path, err)
		}
		*out = append(*out, &change.CreateFile{
			Header:         change.Header{EntryID: id},
			ParentID:       parent,
			Name:           name,
			Content:        content,
			EntryTimestamp: live.ModTime,
			ReadOnly:       live.ReadOnly,
			Executable:     live.Executable,
		})
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	*out = append(*out, &change.CreateDirectory{
		Header:         change.Header{EntryID: id},
		ParentID:       parent,
		Name:           name,
		EntryTimestamp: live.ModTime,
	})
	children, err := u.gw.List(path)
	if err != nil {
		return err
	}
	for _, c := range children {
		childPath := entry.JoinPath(path, c.Name)
		if u.filter.ShouldIgnore(childPath) {
			continue
		}
		if err := u.create(ctx, id, childPath, c, out); err != nil {
			return err
		}
	}
	u.log.Debug("new directory", zap.String("path", path), zap.Int("children", len(children)))
	return nil
}
