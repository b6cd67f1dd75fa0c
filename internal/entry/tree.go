package entry

import (
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	lherrors "lhist/internal/errors"
	"lhist/internal/safe"
)

// Tree is a rooted entry tree with an id index. It is not safe for concurrent
// mutation; the owner serializes access.
type Tree struct {
	root *Directory
	byID map[ID]Entry
}

func NewTree() *Tree {
	root := &Directory{base: base{id: RootID}}
	return &Tree{root: root, byID: map[ID]Entry{RootID: root}}
}

func (t *Tree) Root() *Directory {
	return t.root
}

// Len returns the number of entries, root included.
func (t *Tree) Len() int {
	return len(t.byID)
}

// Get resolves path, failing with EntryNotFound.
func (t *Tree) Get(path string) (Entry, error) {
	e, ok := t.Find(path)
	if !ok {
		return nil, lherrors.EntryNotFound(path)
	}
	return e, nil
}

// Find resolves path.
func (t *Tree) Find(path string) (Entry, bool) {
	var cur Entry = t.root
	for _, name := range SplitPath(path) {
		d, ok := cur.(*Directory)
		if !ok {
			return nil, false
		}
		if cur, ok = d.Child(name); !ok {
			return nil, false
		}
	}
	return cur, true
}

// FindByID looks up an attached entry by id.
func (t *Tree) FindByID(id ID) (Entry, bool) {
	e, ok := t.byID[id]
	return e, ok
}

func (t *Tree) directory(path string) (*Directory, error) {
	e, err := t.Get(path)
	if err != nil {
		return nil, err
	}
	d, ok := e.(*Directory)
	if !ok {
		return nil, lherrors.EntryNotFound(path + " (not a directory)")
	}
	return d, nil
}

func (t *Tree) directoryByID(id ID) (*Directory, error) {
	e, ok := t.byID[id]
	if !ok {
		return nil, lherrors.EntryNotFound(fmt.Sprintf("#%d", id))
	}
	d, ok := e.(*Directory)
	if !ok {
		return nil, lherrors.EntryNotFound(e.Path() + " (not a directory)")
	}
	return d, nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return lherrors.InvalidState(fmt.Sprintf("invalid entry name %q", name))
	}
	return nil
}

// FileAttrs are the optional attributes of a new file.
type FileAttrs struct {
	ReadOnly   bool
	Executable bool
}

// AddFile creates a file under the directory with id parent.
func (t *Tree) AddFile(parent ID, name string, id ID, content safe.ID, ts int64, attrs FileAttrs) (*File, error) {
	f := &File{
		base:       base{id: id, name: name, timestamp: ts},
		content:    content,
		readOnly:   attrs.ReadOnly,
		executable: attrs.Executable,
	}
	if err := t.attach(parent, f); err != nil {
		return nil, err
	}
	return f, nil
}

// AddDirectory creates an empty directory under the directory with id parent.
func (t *Tree) AddDirectory(parent ID, name string, id ID, ts int64) (*Directory, error) {
	d := &Directory{base: base{id: id, name: name, timestamp: ts}}
	if err := t.attach(parent, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Attach inserts a detached subtree, such as one decoded from a Node, under parent.
func (t *Tree) Attach(parent ID, e Entry) error {
	return t.attach(parent, e)
}

func (t *Tree) attach(parent ID, e Entry) error {
	if err := validName(e.Name()); err != nil {
		return err
	}
	dir, err := t.directoryByID(parent)
	if err != nil {
		return err
	}
	var clash Entry
	Walk(e, func(n Entry) Visit {
		if _, ok := t.byID[n.ID()]; ok {
			clash = n
			return Stop
		}
		return Continue
	})
	if clash != nil {
		return lherrors.DuplicateEntry(fmt.Sprintf("%s (id %d already in tree)", JoinPath(dir.Path(), e.Name()), clash.ID()))
	}
	if !dir.insert(e) {
		return lherrors.DuplicateEntry(JoinPath(dir.Path(), e.Name()))
	}
	Walk(e, func(n Entry) Visit {
		t.byID[n.ID()] = n
		return Continue
	})
	return nil
}

// Remove detaches the entry with id and its subtree and returns it.
func (t *Tree) Remove(id ID) (Entry, error) {
	e, ok := t.byID[id]
	if !ok {
		return nil, lherrors.EntryNotFound(fmt.Sprintf("#%d", id))
	}
	if id == RootID {
		return nil, lherrors.InvalidState("cannot remove the root")
	}
	e.Parent().remove(e.Name())
	Walk(e, func(n Entry) Visit {
		delete(t.byID, n.ID())
		return Continue
	})
	return e, nil
}

// Rename changes the name of the entry with id, keeping its id and its subtree.
func (t *Tree) Rename(id ID, newName string) error {
	if err := validName(newName); err != nil {
		return err
	}
	e, ok := t.byID[id]
	if !ok {
		return lherrors.EntryNotFound(fmt.Sprintf("#%d", id))
	}
	if id == RootID {
		return lherrors.InvalidState("cannot rename the root")
	}
	if e.Name() == newName {
		return nil
	}
	parent := e.Parent()
	if _, exists := parent.Child(newName); exists {
		return lherrors.DuplicateEntry(JoinPath(parent.Path(), newName))
	}
	parent.remove(e.Name())
	e.node().name = newName
	parent.insert(e)
	return nil
}

// Move reparents the entry with id under the directory newParent.
func (t *Tree) Move(id, newParent ID) error {
	e, ok := t.byID[id]
	if !ok {
		return lherrors.EntryNotFound(fmt.Sprintf("#%d", id))
	}
	if id == RootID {
		return lherrors.InvalidState("cannot move the root")
	}
	dir, err := t.directoryByID(newParent)
	if err != nil {
		return err
	}
	if IsAncestor(e, dir) {
		return lherrors.InvalidState(fmt.Sprintf("cannot move %s into itself", e.Path()))
	}
	if e.Parent() == dir {
		return nil
	}
	if _, exists := dir.Child(e.Name()); exists {
		return lherrors.DuplicateEntry(JoinPath(dir.Path(), e.Name()))
	}
	e.Parent().remove(e.Name())
	dir.insert(e)
	return nil
}

// SetContent replaces a file's content and timestamp.
func (t *Tree) SetContent(id ID, content safe.ID, ts int64) error {
	e, ok := t.byID[id]
	if !ok {
		return lherrors.EntryNotFound(fmt.Sprintf("#%d", id))
	}
	f, ok := e.(*File)
	if !ok {
		return lherrors.InvalidState(e.Path() + " is not a file")
	}
	f.content = content
	f.timestamp = ts
	return nil
}

// ParentDirectory resolves the directory that would hold path.
func (t *Tree) ParentDirectory(path string) (*Directory, string, error) {
	parent, name := ParentPath(path)
	if name == "" {
		return nil, "", lherrors.InvalidState("path names the root")
	}
	d, err := t.directory(parent)
	if err != nil {
		return nil, "", err
	}
	return d, name, nil
}

// Copy returns a deep copy sharing nothing with t.
func (t *Tree) Copy() *Tree {
	root := copyEntry(t.root).(*Directory)
	c := &Tree{root: root, byID: make(map[ID]Entry, len(t.byID))}
	Walk(root, func(n Entry) Visit {
		c.byID[n.ID()] = n
		return Continue
	})
	return c
}

func copyEntry(e Entry) Entry {
	switch x := e.(type) {
	case *File:
		f := *x
		f.parent = nil
		return &f
	case *Directory:
		d := &Directory{base: x.base, children: make([]Entry, 0, len(x.children))}
		d.parent = nil
		for _, c := range x.children {
			cc := copyEntry(c)
			cc.node().parent = d
			d.children = append(d.children, cc)
		}
		return d
	}
	return nil
}

// Equal reports whether two trees are structurally identical.
func (t *Tree) Equal(o *Tree) bool {
	return Equal(t.root, o.root)
}

// Node is the serialized form of an entry and its subtree.
type Node struct {
	ID         ID      `msgpack:"i"`
	Name       string  `msgpack:"n"`
	Dir        bool    `msgpack:"d,omitempty"`
	Timestamp  int64   `msgpack:"t"`
	Content    safe.ID `msgpack:"c,omitempty"`
	ReadOnly   bool    `msgpack:"r,omitempty"`
	Executable bool    `msgpack:"x,omitempty"`
	Children   []Node  `msgpack:"k,omitempty"`
}

// ToNode captures e and its subtree.
func ToNode(e Entry) Node {
	n := Node{ID: e.ID(), Name: e.Name(), Timestamp: e.Timestamp()}
	switch x := e.(type) {
	case *File:
		n.Content = x.content
		n.ReadOnly = x.readOnly
		n.Executable = x.executable
	case *Directory:
		n.Dir = true
		for _, c := range x.children {
			n.Children = append(n.Children, ToNode(c))
		}
	}
	return n
}

// Build turns a Node back into a detached subtree.
func (n Node) Build() (Entry, error) {
	if !n.Dir {
		if len(n.Children) > 0 {
			return nil, lherrors.StorageCorruption(fmt.Sprintf("file node %d has children", n.ID), nil)
		}
		return &File{
			base:       base{id: n.ID, name: n.Name, timestamp: n.Timestamp},
			content:    n.Content,
			readOnly:   n.ReadOnly,
			executable: n.Executable,
		}, nil
	}
	d := &Directory{base: base{id: n.ID, name: n.Name, timestamp: n.Timestamp}}
	for _, cn := range n.Children {
		c, err := cn.Build()
		if err != nil {
			return nil, err
		}
		if !d.insert(c) {
			return nil, lherrors.StorageCorruption(fmt.Sprintf("duplicate name %q in node %d", cn.Name, n.ID), nil)
		}
	}
	return d, nil
}

// Walk visits n and its descendants in pre-order.
func (n Node) Walk(fn func(Node)) {
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Encode serializes the whole tree. Equal trees encode to identical bytes.
func (t *Tree) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(ToNode(t.root))
	if err != nil {
		return nil, fmt.Errorf("encoding tree: %w", err)
	}
	return data, nil
}

// Decode rebuilds a tree from Encode output.
func Decode(data []byte) (*Tree, error) {
	var n Node
	if err := msgpack.Unmarshal(data, &n); err != nil {
		return nil, lherrors.StorageCorruption("decoding tree", err)
	}
	return FromNode(n)
}

// FromNode builds a tree whose root is n.
func FromNode(n Node) (*Tree, error) {
	if !n.Dir || n.ID != RootID || n.Name != "" {
		return nil, lherrors.StorageCorruption("tree node is not a root", nil)
	}
	built, err := n.Build()
	if err != nil {
		return nil, err
	}
	root := built.(*Directory)
	t := &Tree{root: root, byID: make(map[ID]Entry)}
	dup := false
	Walk(root, func(e Entry) Visit {
		if _, ok := t.byID[e.ID()]; ok {
			dup = true
			return Stop
		}
		t.byID[e.ID()] = e
		return Continue
	})
	if dup {
		return nil, lherrors.StorageCorruption("duplicate entry id in tree", nil)
	}
	return t, nil
}

// MaxID returns the largest entry id in the tree.
func (t *Tree) MaxID() ID {
	var m ID
	for id := range t.byID {
		if id > m {
			m = id
		}
	}
	return m
}

// Contents returns every content id referenced by the tree.
func (t *Tree) Contents() map[safe.ID]struct{} {
	out := make(map[safe.ID]struct{})
	for _, e := range t.byID {
		if f, ok := e.(*File); ok {
			out[f.content] = struct{}{}
		}
	}
	return out
}
