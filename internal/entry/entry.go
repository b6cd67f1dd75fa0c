// Package entry holds the in-memory snapshot of a versioned file tree.
//
// Entries are addressed by slash separated paths relative to the root, whose path is
// the empty string. Every entry carries an ID that survives renames and moves.
// Trees are mutated by the change package; everything else reads them.
package entry

import (
	"sort"
	"strings"

	"lhist/internal/safe"
)

// ID identifies an entry for its whole lifetime. The root is always RootID.
type ID int64

const RootID ID = 0

// Entry is a node of the tree: either a *File or a *Directory.
type Entry interface {
	ID() ID
	Name() string
	Parent() *Directory
	Timestamp() int64
	Path() string
	IsDirectory() bool

	node() *base
}

type base struct {
	id        ID
	name      string
	parent    *Directory
	timestamp int64
}

func (b *base) ID() ID { return b.id }
func (b *base) Name() string { return b.name }
func (b *base) Parent() *Directory { return b.parent }
func (b *base) Timestamp() int64 { return b.timestamp }
func (b *base) node() *base { return b }

// Path returns the slash separated path from the root.
func (b *base) Path() string {
	if b.parent == nil {
		return b.name
	}
	var parts []string
	for n := b; n.parent != nil; n = &n.parent.base {
		parts = append(parts, n.name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

// File is a leaf entry referencing a content blob.
type File struct {
	base
	content    safe.ID
	readOnly   bool
	executable bool
}

func (f *File) IsDirectory() bool { return false }
func (f *File) Content() safe.ID { return f.content }
func (f *File) ReadOnly() bool { return f.readOnly }
func (f *File) Executable() bool { return f.executable }

// Directory owns its children, kept sorted by name.
type Directory struct {
	base
	children []Entry
}

func (d *Directory) IsDirectory() bool { return true }

// Children returns the children in name order. The slice is a copy.
func (d *Directory) Children() []Entry {
	return append([]Entry(nil), d.children...)
}

func (d *Directory) Len() int {
	return len(d.children)
}

// Child looks up a direct child by name.
func (d *Directory) Child(name string) (Entry, bool) {
	i, ok := d.search(name)
	if !ok {
		return nil, false
	}
	return d.children[i], true
}

func (d *Directory) search(name string) (int, bool) {
	i := sort.Search(len(d.children), func(i int) bool {
		return d.children[i].Name() >= name
	})
	return i, i < len(d.children) && d.children[i].Name() == name
}

func (d *Directory) insert(e Entry) bool {
	i, found := d.search(e.Name())
	if found {
		return false
	}
	d.children = append(d.children, nil)
	copy(d.children[i+1:], d.children[i:])
	d.children[i] = e
	e.node().parent = d
	return true
}

func (d *Directory) remove(name string) (Entry, bool) {
	i, found := d.search(name)
	if !found {
		return nil, false
	}
	e := d.children[i]
	d.children = append(d.children[:i], d.children[i+1:]...)
	e.node().parent = nil
	return e, true
}

// IsAncestor reports whether a is b or one of b's ancestors.
func IsAncestor(a, b Entry) bool {
	for n := b; n != nil; {
		if n.ID() == a.ID() {
			return true
		}
		p := n.Parent()
		if p == nil {
			return false
		}
		n = p
	}
	return false
}

// Visit is returned by a WalkFunc to steer the walk.
type Visit int

const (
	Continue Visit = iota
	Stop
	SkipChildren
)

type WalkFunc func(e Entry) Visit

// Walk visits e and its descendants in pre-order, children in name order.
// It returns false when fn stopped the walk.
func Walk(e Entry, fn WalkFunc) bool {
	switch fn(e) {
	case Stop:
		return false
	case SkipChildren:
		return true
	}
	if d, ok := e.(*Directory); ok {
		for _, c := range d.children {
			if !Walk(c, fn) {
				return false
			}
		}
	}
	return true
}

// Equal compares two subtrees structurally, ids included.
func Equal(a, b Entry) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.ID() != b.ID() || a.Name() != b.Name() || a.Timestamp() != b.Timestamp() {
		return false
	}
	switch x := a.(type) {
	case *File:
		y, ok := b.(*File)
		return ok && x.content == y.content && x.readOnly == y.readOnly && x.executable == y.executable
	case *Directory:
		y, ok := b.(*Directory)
		if !ok || len(x.children) != len(y.children) {
			return false
		}
		for i := range x.children {
			if !Equal(x.children[i], y.children[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// SplitPath splits a path into its names, ignoring empty segments.
func SplitPath(path string) []string {
	var out []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinPath joins a parent path and a name.
func JoinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// ParentPath returns the path of the directory holding path and the final name.
func ParentPath(path string) (string, string) {
	parts := SplitPath(path)
	if len(parts) == 0 {
		return "", ""
	}
	return strings.Join(parts[:len(parts)-1], "/"), parts[len(parts)-1]
}

// Clean normalizes a path to its canonical form.
func Clean(path string) string {
	return strings.Join(SplitPath(path), "/")
}

// HasPathPrefix reports whether path is prefix or lies below it.
func HasPathPrefix(path, prefix string) bool {
	path, prefix = Clean(path), Clean(prefix)
	if prefix == "" || path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}
