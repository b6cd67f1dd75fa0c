package history

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"lhist/internal/change"
	"lhist/internal/entry"
	lherrors "lhist/internal/errors"
	"lhist/internal/label"
	"lhist/internal/revert"
)

// BeginChangeSet opens a change set. Calls nest; only the outermost
// EndChangeSet commits.
func (s *Store) BeginChangeSet() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Begin()
}

// EndChangeSet closes the innermost change set. It returns the committed set
// from the outermost call, or nil when the set was nested or empty.
func (s *Store) EndChangeSet(name string) (*change.ChangeSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.End(name)
}

// record applies c to the tree through the log.
func (s *Store) record(c change.Change) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.log.Append(s.tree, c); err != nil {
		return err
	}
	s.snapshots.Purge()
	s.followUnsaved(c)
	return nil
}

// followUnsaved keeps the unsaved content registry keyed by live paths: a
// rename or move carries registered content under the entry along, a delete
// drops it.
func (s *Store) followUnsaved(c change.Change) {
	if len(s.unsaved) == 0 {
		return
	}
	h := c.Head()
	switch c.Kind() {
	case change.KindRename, change.KindMove:
		moved := make(map[string][]byte)
		for p, data := range s.unsaved {
			if rest, ok := underPath(p, h.OldPath); ok {
				moved[h.Path+rest] = data
				delete(s.unsaved, p)
			}
		}
		for p, data := range moved {
			s.unsaved[p] = data
		}
	case change.KindDelete:
		for p := range s.unsaved {
			if _, ok := underPath(p, h.Path); ok {
				delete(s.unsaved, p)
			}
		}
	}
}

// underPath reports whether p is root or lies below it, returning the part of
// p after root.
func underPath(p, root string) (string, bool) {
	if p == root {
		return "", true
	}
	if root == "" {
		return "", false
	}
	rest, ok := strings.CutPrefix(p, root+"/")
	if !ok {
		return "", false
	}
	return "/" + rest, true
}

// parentFor resolves the directory a new entry at path goes into and rejects
// names already taken.
func (s *Store) parentFor(path string) (*entry.Directory, string, error) {
	parent, name, err := s.tree.ParentDirectory(path)
	if err != nil {
		return nil, "", err
	}
	if _, ok := parent.Child(name); ok {
		return nil, "", lherrors.DuplicateEntry(entry.Clean(path))
	}
	return parent, name, nil
}

// CreateFile adds a file holding content. Every directory on the way must exist.
func (s *Store) CreateFile(path string, content []byte, ts int64, attrs entry.FileAttrs) (*entry.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, name, err := s.parentFor(path)
	if err != nil {
		return nil, err
	}
	id, err := s.safe.StoreNamed(name, content)
	if err != nil {
		return nil, err
	}
	c := &change.CreateFile{
		Header:         change.Header{EntryID: s.allocID()},
		ParentID:       parent.ID(),
		Name:           name,
		Content:        id,
		EntryTimestamp: ts,
		ReadOnly:       attrs.ReadOnly,
		Executable:     attrs.Executable,
	}
	if err := s.record(c); err != nil {
		return nil, err
	}
	e, _ := s.tree.FindByID(c.EntryID)
	return e.(*entry.File), nil
}

func (s *Store) CreateDirectory(path string, ts int64) (*entry.Directory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, name, err := s.parentFor(path)
	if err != nil {
		return nil, err
	}
	c := &change.CreateDirectory{
		Header:         change.Header{EntryID: s.allocID()},
		ParentID:       parent.ID(),
		Name:           name,
		EntryTimestamp: ts,
	}
	if err := s.record(c); err != nil {
		return nil, err
	}
	e, _ := s.tree.FindByID(c.EntryID)
	return e.(*entry.Directory), nil
}

// ChangeFileContent replaces a file's content. Writing the same content with the
// same timestamp records nothing.
func (s *Store) ChangeFileContent(path string, content []byte, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fileAt(path)
	if err != nil {
		return err
	}
	id, err := s.safe.StoreNamed(f.Name(), content)
	if err != nil {
		return err
	}
	if id == f.Content() && ts == f.Timestamp() {
		return nil
	}
	return s.record(&change.ContentChange{
		Header:       change.Header{EntryID: f.ID()},
		OldContent:   f.Content(),
		NewContent:   id,
		OldTimestamp: f.Timestamp(),
		NewTimestamp: ts,
	})
}

func (s *Store) fileAt(path string) (*entry.File, error) {
	e, err := s.tree.Get(path)
	if err != nil {
		return nil, err
	}
	f, ok := e.(*entry.File)
	if !ok {
		return nil, lherrors.InvalidState(fmt.Sprintf("%s is a directory", e.Path()))
	}
	return f, nil
}

// Rename gives the entry at path a new name in the same directory. Its id and
// the ids below it are kept.
func (s *Store) Rename(path, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.tree.Get(path)
	if err != nil {
		return err
	}
	if e.Parent() == nil {
		return lherrors.InvalidState("cannot rename the root")
	}
	if e.Name() == newName {
		return nil
	}
	return s.record(&change.Rename{
		Header:  change.Header{EntryID: e.ID()},
		OldName: e.Name(),
		NewName: newName,
	})
}

// Move moves the entry at path into the directory at newParent, keeping its name.
func (s *Store) Move(path, newParent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.tree.Get(path)
	if err != nil {
		return err
	}
	if e.Parent() == nil {
		return lherrors.InvalidState("cannot move the root")
	}
	target, err := s.tree.Get(newParent)
	if err != nil {
		return err
	}
	if !target.IsDirectory() {
		return lherrors.InvalidState(fmt.Sprintf("%s is not a directory", target.Path()))
	}
	if target.ID() == e.Parent().ID() {
		return nil
	}
	return s.record(&change.Move{
		Header:      change.Header{EntryID: e.ID()},
		OldParentID: e.Parent().ID(),
		NewParentID: target.ID(),
	})
}

// Delete removes the entry at path with everything below it.
func (s *Store) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.tree.Get(path)
	if err != nil {
		return err
	}
	if e.Parent() == nil {
		return lherrors.InvalidState("cannot delete the root")
	}
	return s.record(&change.Delete{Header: change.Header{EntryID: e.ID()}})
}

// Refresh reconciles the stored subtree at path with the live tree and records
// the differences as one change set named RefreshName. It returns nil when
// nothing changed.
func (s *Store) Refresh(ctx context.Context, path string) (*change.ChangeSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if s.updater == nil {
		return nil, lherrors.InvalidState("refresh needs a live tree gateway")
	}
	if s.log.InTransaction() {
		return nil, lherrors.InvalidState("refresh inside an open change set")
	}

	changes, err := s.updater.DiffAgainstLiveTree(ctx, s.tree, path)
	if err != nil {
		return nil, fmt.Errorf("scanning %q: %w", path, err)
	}
	if len(changes) == 0 {
		return nil, nil
	}

	s.log.Begin()
	for _, c := range changes {
		if err := s.record(c); err != nil {
			if aerr := s.log.Abort(s.tree); aerr != nil {
				s.logger.Error("aborting refresh", zap.Error(aerr))
			}
			return nil, err
		}
		s.metrics.Refreshed(string(c.Kind()))
	}
	cs, err := s.log.End(RefreshName)
	if err != nil {
		return nil, err
	}
	s.logger.Info("refreshed", zap.String("path", path), zap.Int("changes", len(changes)))
	return cs, nil
}

// RevertResult describes the change set a revert recorded.
type RevertResult = revert.Result

// Revert undoes the changes in (toSeq, fromSeq] that touch the subtree at path,
// records the result as a new change set and updates the live tree.
func (s *Store) Revert(fromSeq, toSeq int64, path, name string) (RevertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return RevertResult{}, err
	}
	res, err := s.reverter.Revert(s.tree, s.log, revert.Request{
		FromSeq: fromSeq,
		ToSeq:   toSeq,
		Path:    path,
		Name:    name,
	})
	if err != nil {
		return RevertResult{}, err
	}
	s.snapshots.Purge()
	if res.ChangeSet != nil {
		for _, c := range res.ChangeSet.Changes {
			s.followUnsaved(c)
		}
	}
	return res, nil
}

// RevertToLabel reverts the labelled path to its state at l. An empty name
// becomes "Revert to <label>".
func (s *Store) RevertToLabel(l *label.Label, name string) (RevertResult, error) {
	if l.Kind != label.Named {
		return RevertResult{}, lherrors.InvalidLabel(l.Name, l.Seq)
	}
	if name == "" {
		name = "Revert to " + l.Name
	}
	s.mu.RLock()
	from := s.log.CommittedSeq()
	path := l.Path
	if e, ok := l.Locate(s.tree); ok {
		path = e.Path()
	}
	s.mu.RUnlock()
	return s.Revert(from, l.Seq, path, name)
}

// SetUnsavedContent registers content for path that has not been recorded yet,
// such as an editor buffer. Nil content forgets it.
func (s *Store) SetUnsavedContent(path string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path = entry.Clean(path)
	if content == nil {
		delete(s.unsaved, path)
		return
	}
	s.unsaved[path] = append([]byte(nil), content...)
}

// AddListener registers l for every change committed from now on. It does not
// take the store lock, so listeners may call it while being notified.
func (s *Store) AddListener(l change.Listener) {
	s.log.AddListener(l)
}

// RemoveListener detaches l. A listener may detach itself while being notified;
// the pass in progress still reaches every listener registered when it began.
func (s *Store) RemoveListener(l change.Listener) {
	s.log.RemoveListener(l)
}
