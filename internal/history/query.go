package history

import (
	"fmt"

	"lhist/internal/change"
	"lhist/internal/diff"
	"lhist/internal/entry"
	lherrors "lhist/internal/errors"
	"lhist/internal/label"
	"lhist/internal/safe"
)

// CurrentSeq selects the live tree, open change set included, in Diff.
const CurrentSeq int64 = -1

// GetEntry resolves path in the live tree, failing with EntryNotFound.
func (s *Store) GetEntry(path string) (entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Get(path)
}

func (s *Store) FindEntry(path string) (entry.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Find(path)
}

// Tree returns a copy of the live tree.
func (s *Store) Tree() *entry.Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Copy()
}

// Seq is the last committed sequence number.
func (s *Store) Seq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.CommittedSeq()
}

// PutLabel labels the last committed change.
func (s *Store) PutLabel(name string) (*label.Label, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	l, err := s.labels.Put(name, s.log.CommittedSeq(), s.clock())
	if err != nil {
		return nil, err
	}
	return l.Bind(s, "", entry.RootID, true), nil
}

// Labels returns every retained label for the whole tree, newest first.
func (s *Store) Labels() ([]*label.Label, error) {
	return s.GetLabelsFor("")
}

// GetLabelsFor returns the labels at which path existed, newest first. Labels are
// matched to the entry now at path by id, so they follow renames and moves. When
// unsaved content registered for a file differs from what is stored, other than
// in line separators, a "not saved" pseudo-label comes first.
func (s *Store) GetLabelsFor(path string) ([]*label.Label, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	path = entry.Clean(path)

	stored, err := s.labels.All()
	if err != nil {
		return nil, err
	}

	var id entry.ID
	current, known := s.tree.Find(path)
	if known {
		id = current.ID()
	}

	var out []*label.Label
	if s.unsavedDiffers(path, current) {
		out = append(out, label.Label{
			Name:      label.UnsavedName,
			Kind:      label.Unsaved,
			Seq:       s.log.LastSeq(),
			Timestamp: s.clock(),
		}.Bind(s, path, id, known))
	}

	base, last := s.log.BaseSeq(), s.log.CommittedSeq()
	for i := len(stored) - 1; i >= 0; i-- {
		l := stored[i]
		if l.Seq < base || l.Seq > last {
			continue
		}
		bound := l.Bind(s, path, id, known)
		if path != "" {
			t, err := s.treeAt(l.Seq)
			if err != nil {
				return nil, err
			}
			if _, ok := bound.Locate(t); !ok {
				continue
			}
		}
		out = append(out, bound)
	}
	return out, nil
}

// unsavedDiffers reports whether unsaved content for path differs from the
// stored file beyond line separators.
func (s *Store) unsavedDiffers(path string, current entry.Entry) bool {
	u, ok := s.unsaved[path]
	if !ok {
		return false
	}
	f, ok := current.(*entry.File)
	if !ok {
		return true
	}
	if safe.Hash(u) == f.Content() {
		return false
	}
	stored, err := s.safe.Get(f.Content())
	if err != nil {
		return true
	}
	return !diff.EqualIgnoringLineSeparators(stored, u)
}

// CurrentLabel is a pseudo-label for the live state of path.
func (s *Store) CurrentLabel(path string) *label.Label {
	s.mu.RLock()
	defer s.mu.RUnlock()
	path = entry.Clean(path)
	var id entry.ID
	e, known := s.tree.Find(path)
	if known {
		id = e.ID()
	}
	return label.Label{
		Name:      label.CurrentName,
		Kind:      label.Current,
		Seq:       s.log.LastSeq(),
		Timestamp: s.clock(),
	}.Bind(s, path, id, known)
}

// TreeFor reconstructs the tree a label stands for. It makes Store a
// label.Source.
func (s *Store) TreeFor(l *label.Label) (*entry.Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch l.Kind {
	case label.Current:
		return s.tree.Copy(), nil
	case label.Unsaved:
		return s.unsavedTree()
	}
	t, err := s.treeAt(l.Seq)
	if err != nil {
		return nil, lherrors.InvalidLabel(l.Name, l.Seq)
	}
	return t.Copy(), nil
}

// unsavedTree is the live tree with unsaved content in place of stored content.
func (s *Store) unsavedTree() (*entry.Tree, error) {
	t := s.tree.Copy()
	for path, data := range s.unsaved {
		e, ok := t.Find(path)
		if !ok || e.IsDirectory() {
			continue
		}
		if err := t.SetContent(e.ID(), safe.Hash(data), s.clock()); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// treeAt returns the cached, shared tree after every change up to seq. Callers
// must not modify it.
func (s *Store) treeAt(seq int64) (*entry.Tree, error) {
	if seq < s.log.BaseSeq() || seq > s.log.CommittedSeq() {
		return nil, lherrors.InvalidLabel("", seq)
	}
	if t, ok := s.snapshots.Get(seq); ok {
		return t, nil
	}

	t := s.tree.Copy()
	pending := s.log.Pending()
	for i := len(pending) - 1; i >= 0; i-- {
		if err := change.Revert(t, pending[i]); err != nil {
			return nil, lherrors.ReplayInconsistency("reverting open change set", err)
		}
	}
	if err := change.RevertAfter(t, seq, s.log.Sets()); err != nil {
		return nil, err
	}
	s.snapshots.Add(seq, t)
	return t, nil
}

// Diff compares the entry at pathA after seqA (left) with the entry at pathB after
// seqB (right). CurrentSeq stands for the live tree, which is copied so later
// mutations do not show through the result. An entry missing on one side shows
// as created or deleted; nil means it is missing on both.
func (s *Store) Diff(pathA string, seqA int64, pathB string, seqB int64) (*label.Difference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var live *entry.Tree
	if seqA == CurrentSeq || seqB == CurrentSeq {
		live = s.tree.Copy()
	}
	left, err := s.lookupAt(live, pathA, seqA)
	if err != nil {
		return nil, err
	}
	right, err := s.lookupAt(live, pathB, seqB)
	if err != nil {
		return nil, err
	}
	return label.Compare(left, right), nil
}

func (s *Store) lookupAt(live *entry.Tree, path string, seq int64) (entry.Entry, error) {
	t := live
	if seq != CurrentSeq {
		var err error
		if t, err = s.treeAt(seq); err != nil {
			return nil, err
		}
	}
	e, _ := t.Find(path)
	return e, nil
}

// ContentDiff returns the line diff between the two sides of a file difference.
// A missing side counts as empty.
func (s *Store) ContentDiff(d *label.Difference) (*diff.DiffResult, error) {
	if !d.IsFile() {
		return nil, lherrors.InvalidState(fmt.Sprintf("%s is a directory", d.Path()))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	read := func(e entry.Entry) ([]byte, error) {
		f, ok := e.(*entry.File)
		if !ok {
			return nil, nil
		}
		return s.content(f.Content())
	}
	left, err := read(d.Left)
	if err != nil {
		return nil, err
	}
	right, err := read(d.Right)
	if err != nil {
		return nil, err
	}
	return s.engine.Diff(left, right)
}

// ChangeSets lists committed change sets newest first, limited to those touching
// path unless path is empty.
func (s *Store) ChangeSets(path string) []*change.ChangeSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	path = entry.Clean(path)
	var out []*change.ChangeSet
	s.log.WalkBackward(func(cs *change.ChangeSet) change.Visit {
		if path == "" || cs.Affects(path) {
			out = append(out, cs)
		}
		return change.Continue
	})
	return out
}
