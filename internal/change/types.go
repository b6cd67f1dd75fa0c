// internal/change/types.go
package change

import (
	"fmt"

	"lhist/internal/entry"
	lherrors "lhist/internal/errors"
	"lhist/internal/safe"
)

// Kind names a change variant. It tags serialized changes and metric labels.
type Kind string

const (
	KindCreateFile      Kind = "create_file"
	KindCreateDirectory Kind = "create_directory"
	KindDelete          Kind = "delete"
	KindRename          Kind = "rename"
	KindMove            Kind = "move"
	KindContentChange   Kind = "content_change"
)

// Header is shared by every change.
type Header struct {
	Seq         int64    `msgpack:"s"`
	Timestamp   int64    `msgpack:"t"`
	EntryID     entry.ID `msgpack:"e"`
	ChangeSetID string   `msgpack:"cs"`
	// Path is where the entry lives after the change, or lived before a delete.
	Path    string `msgpack:"p"`
	OldPath string `msgpack:"op,omitempty"`
}

func (h *Header) Head() *Header { return h }

// Change is one invertible mutation of an entry tree. Apply records the affected
// paths into the header.
type Change interface {
	Head() *Header
	Kind() Kind
	Apply(t *entry.Tree) error
	// Inverse returns the changes that undo this one once it has been applied.
	Inverse() []Change
	// Contents lists the content ids the change refers to.
	Contents() []safe.ID
}

// Revert undoes an applied change by applying its inverse.
func Revert(t *entry.Tree, c Change) error {
	for _, inv := range c.Inverse() {
		if err := inv.Apply(t); err != nil {
			return err
		}
	}
	return nil
}

type CreateFile struct {
	Header
	ParentID       entry.ID `msgpack:"pa"`
	Name           string   `msgpack:"n"`
	Content        safe.ID  `msgpack:"c"`
	EntryTimestamp int64    `msgpack:"et"`
	ReadOnly       bool     `msgpack:"ro,omitempty"`
	Executable     bool     `msgpack:"x,omitempty"`
}

func (c *CreateFile) Kind() Kind { return KindCreateFile }

func (c *CreateFile) Apply(t *entry.Tree) error {
	f, err := t.AddFile(c.ParentID, c.Name, c.EntryID, c.Content, c.EntryTimestamp,
		entry.FileAttrs{ReadOnly: c.ReadOnly, Executable: c.Executable})
	if err != nil {
		return err
	}
	c.Path = f.Path()
	return nil
}

func (c *CreateFile) Inverse() []Change {
	return []Change{&Delete{
		Header:   Header{EntryID: c.EntryID, Path: c.Path},
		ParentID: c.ParentID,
	}}
}

func (c *CreateFile) Contents() []safe.ID { return []safe.ID{c.Content} }

type CreateDirectory struct {
	Header
	ParentID       entry.ID `msgpack:"pa"`
	Name           string   `msgpack:"n"`
	EntryTimestamp int64    `msgpack:"et"`
}

func (c *CreateDirectory) Kind() Kind { return KindCreateDirectory }

func (c *CreateDirectory) Apply(t *entry.Tree) error {
	d, err := t.AddDirectory(c.ParentID, c.Name, c.EntryID, c.EntryTimestamp)
	if err != nil {
		return err
	}
	c.Path = d.Path()
	return nil
}

func (c *CreateDirectory) Inverse() []Change {
	return []Change{&Delete{
		Header:   Header{EntryID: c.EntryID, Path: c.Path},
		ParentID: c.ParentID,
	}}
}

func (c *CreateDirectory) Contents() []safe.ID { return nil }

// Delete removes an entry and its subtree. Snapshot holds the removed subtree
// once the change has been applied.
type Delete struct {
	Header
	ParentID entry.ID   `msgpack:"pa"`
	Snapshot entry.Node `msgpack:"sn"`
}

func (c *Delete) Kind() Kind { return KindDelete }

func (c *Delete) Apply(t *entry.Tree) error {
	e, ok := t.FindByID(c.EntryID)
	if !ok {
		return fmt.Errorf("delete: %w", errNoEntry(c.EntryID))
	}
	path := e.Path()
	parent := e.Parent()
	if _, err := t.Remove(c.EntryID); err != nil {
		return err
	}
	c.Path = path
	c.ParentID = parent.ID()
	c.Snapshot = entry.ToNode(e)
	return nil
}

// Inverse recreates the deleted subtree in pre-order with its original ids.
func (c *Delete) Inverse() []Change {
	var out []Change
	var add func(n entry.Node, parent entry.ID, parentPath string)
	add = func(n entry.Node, parent entry.ID, parentPath string) {
		path := entry.JoinPath(parentPath, n.Name)
		h := Header{EntryID: n.ID, Path: path}
		if !n.Dir {
			out = append(out, &CreateFile{
				Header:         h,
				ParentID:       parent,
				Name:           n.Name,
				Content:        n.Content,
				EntryTimestamp: n.Timestamp,
				ReadOnly:       n.ReadOnly,
				Executable:     n.Executable,
			})
			return
		}
		out = append(out, &CreateDirectory{
			Header:         h,
			ParentID:       parent,
			Name:           n.Name,
			EntryTimestamp: n.Timestamp,
		})
		for _, child := range n.Children {
			add(child, n.ID, path)
		}
	}
	parentPath, _ := entry.ParentPath(c.Path)
	add(c.Snapshot, c.ParentID, parentPath)
	return out
}

func (c *Delete) Contents() []safe.ID {
	var out []safe.ID
	c.Snapshot.Walk(func(n entry.Node) {
		if !n.Dir {
			out = append(out, n.Content)
		}
	})
	return out
}

type Rename struct {
	Header
	OldName string `msgpack:"on"`
	NewName string `msgpack:"nn"`
}

func (c *Rename) Kind() Kind { return KindRename }

func (c *Rename) Apply(t *entry.Tree) error {
	e, ok := t.FindByID(c.EntryID)
	if !ok {
		return fmt.Errorf("rename: %w", errNoEntry(c.EntryID))
	}
	if e.Name() != c.OldName {
		return fmt.Errorf("rename: %s is not named %q", e.Path(), c.OldName)
	}
	oldPath := e.Path()
	if err := t.Rename(c.EntryID, c.NewName); err != nil {
		return err
	}
	c.OldPath = oldPath
	c.Path = e.Path()
	return nil
}

func (c *Rename) Inverse() []Change {
	return []Change{&Rename{
		Header:  Header{EntryID: c.EntryID, Path: c.OldPath, OldPath: c.Path},
		OldName: c.NewName,
		NewName: c.OldName,
	}}
}

func (c *Rename) Contents() []safe.ID { return nil }

type Move struct {
	Header
	OldParentID entry.ID `msgpack:"opa"`
	NewParentID entry.ID `msgpack:"npa"`
}

func (c *Move) Kind() Kind { return KindMove }

func (c *Move) Apply(t *entry.Tree) error {
	e, ok := t.FindByID(c.EntryID)
	if !ok {
		return fmt.Errorf("move: %w", errNoEntry(c.EntryID))
	}
	if e.Parent() == nil || e.Parent().ID() != c.OldParentID {
		return fmt.Errorf("move: %s is not a child of #%d", e.Path(), c.OldParentID)
	}
	oldPath := e.Path()
	if err := t.Move(c.EntryID, c.NewParentID); err != nil {
		return err
	}
	c.OldPath = oldPath
	c.Path = e.Path()
	return nil
}

func (c *Move) Inverse() []Change {
	return []Change{&Move{
		Header:      Header{EntryID: c.EntryID, Path: c.OldPath, OldPath: c.Path},
		OldParentID: c.NewParentID,
		NewParentID: c.OldParentID,
	}}
}

func (c *Move) Contents() []safe.ID { return nil }

type ContentChange struct {
	Header
	OldContent   safe.ID `msgpack:"oc"`
	NewContent   safe.ID `msgpack:"nc"`
	OldTimestamp int64   `msgpack:"ot"`
	NewTimestamp int64   `msgpack:"nt"`
}

func (c *ContentChange) Kind() Kind { return KindContentChange }

func (c *ContentChange) Apply(t *entry.Tree) error {
	e, ok := t.FindByID(c.EntryID)
	if !ok {
		return fmt.Errorf("content change: %w", errNoEntry(c.EntryID))
	}
	f, ok := e.(*entry.File)
	if !ok {
		return fmt.Errorf("content change: %s is not a file", e.Path())
	}
	if f.Content() != c.OldContent {
		return fmt.Errorf("content change: %s does not hold content %s", e.Path(), c.OldContent)
	}
	if err := t.SetContent(c.EntryID, c.NewContent, c.NewTimestamp); err != nil {
		return err
	}
	c.Path = e.Path()
	return nil
}

func (c *ContentChange) Inverse() []Change {
	return []Change{&ContentChange{
		Header:       Header{EntryID: c.EntryID, Path: c.Path},
		OldContent:   c.NewContent,
		NewContent:   c.OldContent,
		OldTimestamp: c.NewTimestamp,
		NewTimestamp: c.OldTimestamp,
	}}
}

func (c *ContentChange) Contents() []safe.ID { return []safe.ID{c.OldContent, c.NewContent} }

func errNoEntry(id entry.ID) error {
	return lherrors.EntryNotFound(fmt.Sprintf("#%d", id))
}

// Affects reports whether the change touches path, something below it, or one of
// its ancestors, judged by the paths recorded when it was applied.
func Affects(c Change, path string) bool {
	h := c.Head()
	for _, p := range []string{h.Path, h.OldPath} {
		if p == "" {
			continue
		}
		if entry.HasPathPrefix(p, path) || entry.HasPathPrefix(path, p) {
			return true
		}
	}
	return false
}
