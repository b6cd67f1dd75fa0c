// Package revert undoes a range of the change log, optionally restricted to one
// subtree, and mirrors the result onto the live file system.
package revert

import (
	"fmt"

	"go.uber.org/zap"

	"lhist/internal/change"
	"lhist/internal/entry"
	lherrors "lhist/internal/errors"
	"lhist/internal/gateway"
	"lhist/internal/metrics"
	"lhist/internal/safe"
)

const DefaultName = "Revert"

// Contents supplies blob bytes for files written back to the live tree.
type Contents interface {
	Get(id safe.ID) ([]byte, error)
}

// Request selects the changes in (ToSeq, FromSeq] under Path.
type Request struct {
	FromSeq int64
	ToSeq   int64
	Path    string
	Name    string
}

// Result reports the change set appended by a revert.
type Result struct {
	ChangeSet *change.ChangeSet
	FirstSeq  int64
	LastSeq   int64
}

type Options struct {
	Gateway  gateway.Gateway // nil leaves the live tree alone
	Contents Contents
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

type Reverter struct {
	gw       gateway.Gateway
	contents Contents
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func New(opts Options) *Reverter {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Reverter{
		gw:       opts.Gateway,
		contents: opts.Contents,
		metrics:  opts.Metrics,
		log:      log.Named("revert"),
	}
}

// Revert applies the inverses of the selected changes to tree through log as one
// new change set, then updates the live tree. On any failure the tree, the log and
// the live files are left as they were. A revert that selects nothing returns a
// zero Result.
func (r *Reverter) Revert(tree *entry.Tree, log *change.Log, req Request) (Result, error) {
	if log.InTransaction() {
		return Result{}, lherrors.InvalidState("revert inside an open change set")
	}
	if req.FromSeq < req.ToSeq {
		return Result{}, lherrors.InvalidState(fmt.Sprintf("revert from %d to later %d", req.FromSeq, req.ToSeq))
	}
	// The tree is at the committed end of the log, so the history copy used for
	// scoping is rebuilt from there even when FromSeq is older.
	sets, err := log.Range(log.CommittedSeq(), req.ToSeq)
	if err != nil {
		return Result{}, err
	}

	selected, err := r.selectChanges(tree, sets, req)
	if err != nil {
		return Result{}, err
	}
	if len(selected) == 0 {
		return Result{}, nil
	}

	// Validate every inverse on a copy before touching anything.
	scratch := tree.Copy()
	var applied []change.Change
	for _, c := range selected {
		for _, inv := range c.Inverse() {
			if err := inv.Apply(scratch); err != nil {
				return Result{}, lherrors.ReplayInconsistency(
					fmt.Sprintf("reverting change %d (%s) of %s", c.Head().Seq, c.Kind(), c.Head().Path), err)
			}
			applied = append(applied, inv)
		}
	}

	plan := planOps(applied)
	if err := r.checkCanRevert(plan); err != nil {
		return Result{}, err
	}

	log.Begin()
	for _, c := range selected {
		for _, inv := range c.Inverse() {
			if err := log.Append(tree, inv); err != nil {
				return Result{}, r.abort(tree, log, lherrors.ReplayInconsistency("applying revert", err))
			}
		}
	}

	if done, err := r.execute(plan); err != nil {
		if uerr := r.undo(done); uerr != nil {
			r.log.Error("restoring live files after failed revert", zap.Error(uerr))
		}
		return Result{}, r.abort(tree, log, fmt.Errorf("updating live files: %w", err))
	}

	name := req.Name
	if name == "" {
		name = DefaultName
	}
	cs, err := log.End(name)
	if err != nil {
		return Result{}, err
	}

	res := Result{ChangeSet: cs}
	if cs != nil {
		res.FirstSeq = cs.FirstSeq()
		res.LastSeq = cs.LastSeq()
	}
	r.log.Info("reverted",
		zap.String("path", req.Path),
		zap.Int64("from", req.FromSeq),
		zap.Int64("to", req.ToSeq),
		zap.Int64("first", res.FirstSeq),
		zap.Int64("last", res.LastSeq))
	return res, nil
}

func (r *Reverter) abort(tree *entry.Tree, log *change.Log, cause error) error {
	if err := log.Abort(tree); err != nil {
		r.log.Error("aborting revert", zap.Error(err))
		return fmt.Errorf("%w (abort failed: %v)", cause, err)
	}
	return cause
}

// selectChanges returns the changes in (ToSeq, FromSeq] that touch the target
// subtree, newest first. Ancestry is judged both in the current tree and in a copy
// reverted to ToSeq, so entries moved into or out of the target during the range
// count. Entries missing from both trees fall back to their recorded paths.
func (r *Reverter) selectChanges(tree *entry.Tree, sets []*change.ChangeSet, req Request) ([]change.Change, error) {
	path := entry.Clean(req.Path)

	past := tree.Copy()
	if err := change.RevertAfter(past, req.ToSeq, sets); err != nil {
		return nil, err
	}

	var target entry.ID
	found := false
	prefixes := []string{path}
	if e, ok := tree.Find(path); ok {
		target, found = e.ID(), true
	} else if e, ok := past.Find(path); ok {
		target, found = e.ID(), true
	}
	if found {
		if e, ok := past.FindByID(target); ok && e.Path() != path {
			prefixes = append(prefixes, e.Path())
		}
	}

	inScope := func(c change.Change) bool {
		h := c.Head()
		if found {
			for _, tr := range []*entry.Tree{tree, past} {
				t, ok := tr.FindByID(target)
				if !ok {
					continue
				}
				if e, ok := tr.FindByID(h.EntryID); ok && entry.IsAncestor(t, e) {
					return true
				}
			}
		}
		for _, p := range prefixes {
			if entry.HasPathPrefix(h.Path, p) || (h.OldPath != "" && entry.HasPathPrefix(h.OldPath, p)) {
				return true
			}
		}
		return false
	}

	var out []change.Change
	for i := len(sets) - 1; i >= 0; i-- {
		cs := sets[i]
		for j := len(cs.Changes) - 1; j >= 0; j-- {
			c := cs.Changes[j]
			if seq := c.Head().Seq; seq > req.FromSeq || seq <= req.ToSeq {
				continue
			}
			if inScope(c) {
				out = append(out, c)
			}
		}
	}
	return out, nil
}
