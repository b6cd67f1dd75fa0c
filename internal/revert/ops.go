package revert

import (
	stderrors "errors"
	"fmt"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"lhist/internal/change"
	"lhist/internal/entry"
	lherrors "lhist/internal/errors"
	"lhist/internal/gateway"
	"lhist/internal/safe"
)

type opKind int

const (
	opWrite opKind = iota
	opMkdir
	opRemove
	opRename
)

// op is one live file system step mirroring an applied inverse change.
type op struct {
	kind    opKind
	path    string
	from    string
	content safe.ID
	ts      int64
}

func planOps(applied []change.Change) []op {
	var plan []op
	for _, c := range applied {
		h := c.Head()
		switch c := c.(type) {
		case *change.CreateFile:
			plan = append(plan, op{kind: opWrite, path: h.Path, content: c.Content, ts: c.EntryTimestamp})
		case *change.CreateDirectory:
			plan = append(plan, op{kind: opMkdir, path: h.Path, ts: c.EntryTimestamp})
		case *change.Delete:
			plan = append(plan, op{kind: opRemove, path: h.Path})
		case *change.Rename, *change.Move:
			plan = append(plan, op{kind: opRename, from: h.OldPath, path: h.Path})
		case *change.ContentChange:
			plan = append(plan, op{kind: opWrite, path: h.Path, content: c.NewContent, ts: c.NewTimestamp})
		}
	}
	return plan
}

// checkCanRevert fails with a revert conflict naming every live file the plan
// would overwrite, remove or move but may not.
func (r *Reverter) checkCanRevert(plan []op) error {
	if r.gw == nil {
		return nil
	}
	seen := make(map[string]bool)
	var conflicts []string
	check := func(p string) error {
		if seen[p] {
			return nil
		}
		seen[p] = true
		ok, err := r.gw.IsWritable(p)
		if err != nil {
			return err
		}
		if !ok {
			conflicts = append(conflicts, p)
		}
		return nil
	}

	for _, o := range plan {
		var paths []string
		switch o.kind {
		case opWrite:
			paths = []string{o.path}
		case opRename:
			paths = []string{o.from}
		case opRemove:
			files, err := r.liveFiles(o.path)
			if err != nil {
				return err
			}
			paths = files
		}
		for _, p := range paths {
			if err := check(p); err != nil {
				return err
			}
		}
	}
	if len(conflicts) == 0 {
		return nil
	}
	sort.Strings(conflicts)
	r.metrics.RevertConflict()
	r.log.Warn("revert blocked by read-only files", zap.Strings("paths", conflicts))
	return lherrors.RevertConflict(conflicts)
}

// liveFiles lists the files at or below p. A missing p has none.
func (r *Reverter) liveFiles(p string) ([]string, error) {
	info, err := r.gw.Stat(p)
	if stderrors.Is(err, gateway.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir {
		return []string{p}, nil
	}
	children, err := r.gw.List(p)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, c := range children {
		files, err := r.liveFiles(entry.JoinPath(p, c.Name))
		if err != nil {
			return nil, err
		}
		out = append(out, files...)
	}
	return out, nil
}

// execute runs the plan and returns the undo steps of what it managed to do.
func (r *Reverter) execute(plan []op) ([]func() error, error) {
	if r.gw == nil {
		return nil, nil
	}
	var done []func() error
	for _, o := range plan {
		undo, err := r.run(o)
		if err != nil {
			return done, err
		}
		if undo != nil {
			done = append(done, undo)
		}
	}
	return done, nil
}

func (r *Reverter) run(o op) (func() error, error) {
	switch o.kind {
	case opWrite:
		data, err := r.contents.Get(o.content)
		if err != nil {
			return nil, fmt.Errorf("loading content of %s: %w", o.path, err)
		}
		prev, err := r.backup(o.path)
		if err != nil {
			return nil, err
		}
		if err := r.gw.Write(o.path, data, o.ts); err != nil {
			return nil, err
		}
		return func() error {
			if err := r.gw.Remove(o.path); err != nil {
				return err
			}
			return r.restore(prev)
		}, nil

	case opMkdir:
		if _, err := r.gw.Stat(o.path); err == nil {
			return nil, nil
		}
		if err := r.gw.Mkdir(o.path, o.ts); err != nil {
			return nil, err
		}
		return func() error { return r.gw.Remove(o.path) }, nil

	case opRemove:
		prev, err := r.backup(o.path)
		if err != nil {
			return nil, err
		}
		if err := r.gw.Remove(o.path); err != nil {
			return nil, err
		}
		return func() error { return r.restore(prev) }, nil

	case opRename:
		// A source already gone from the live tree leaves nothing to move.
		if _, err := r.gw.Stat(o.from); stderrors.Is(err, gateway.ErrNotExist) {
			return nil, nil
		}
		if err := r.gw.Rename(o.from, o.path); err != nil {
			return nil, err
		}
		return func() error { return r.gw.Rename(o.path, o.from) }, nil
	}
	return nil, fmt.Errorf("unknown revert step %d", o.kind)
}

// undo runs the undo steps newest first and reports every one that failed.
func (r *Reverter) undo(done []func() error) error {
	var errs error
	for i := len(done) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, done[i]())
	}
	return errs
}

// saved is a live file or directory captured before it is overwritten.
type saved struct {
	path string
	info gateway.FileInfo
	data []byte
}

// backup captures the live subtree at p in pre-order. A missing p yields nothing.
func (r *Reverter) backup(p string) ([]saved, error) {
	info, err := r.gw.Stat(p)
	if stderrors.Is(err, gateway.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir {
		data, err := r.gw.Read(p)
		if err != nil {
			return nil, err
		}
		return []saved{{path: p, info: info, data: data}}, nil
	}
	out := []saved{{path: p, info: info}}
	children, err := r.gw.List(p)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		sub, err := r.backup(entry.JoinPath(p, c.Name))
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

func (r *Reverter) restore(items []saved) error {
	for _, s := range items {
		var err error
		if s.info.IsDir {
			err = r.gw.Mkdir(s.path, s.info.ModTime)
		} else {
			err = r.gw.Write(s.path, s.data, s.info.ModTime)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
