// Package label keeps named markers into the change log and compares the trees
// they stand for.
package label

import (
	"fmt"

	"lhist/internal/entry"
	lherrors "lhist/internal/errors"
)

type Kind int

const (
	// Named labels are put by the user and persisted.
	Named Kind = iota
	// Current stands for the live state of the store.
	Current
	// Unsaved stands for content registered but not yet recorded as a change.
	Unsaved
)

const (
	UnsavedName = "not saved"
	CurrentName = "current"
)

// Source reconstructs the tree a label refers to.
type Source interface {
	TreeFor(l *Label) (*entry.Tree, error)
}

// Label marks a sequence number in the change log.
type Label struct {
	ID        string `msgpack:"id"`
	Name      string `msgpack:"n"`
	Seq       int64  `msgpack:"s"`
	Timestamp int64  `msgpack:"t"`
	Kind      Kind   `msgpack:"-"`

	// Path is the entry path the label was listed for; empty means the whole tree.
	Path string `msgpack:"-"`

	src     Source
	entryID entry.ID
	byID    bool
}

// GetID orders stored labels by sequence number.
func (l Label) GetID() string {
	return fmt.Sprintf("%020d:%s", l.Seq, l.ID)
}

// Bind returns a copy of l scoped to path and able to reconstruct its tree through
// src. When known is set the entry is located by id, which follows renames.
func (l Label) Bind(src Source, path string, id entry.ID, known bool) *Label {
	l.src = src
	l.Path = path
	l.entryID = id
	l.byID = known
	return &l
}

// Locate finds the labelled entry in t.
func (l *Label) Locate(t *entry.Tree) (entry.Entry, bool) {
	if l.byID {
		return t.FindByID(l.entryID)
	}
	return t.Find(l.Path)
}

// Tree reconstructs the tree at this label.
func (l *Label) Tree() (*entry.Tree, error) {
	if l.src == nil {
		return nil, lherrors.InvalidState(fmt.Sprintf("label %q is not bound to a store", l.Name))
	}
	return l.src.TreeFor(l)
}

// DifferenceWith compares the labelled entry at l (left) with the one at other (right).
func (l *Label) DifferenceWith(other *Label) (*Difference, error) {
	left, err := l.Tree()
	if err != nil {
		return nil, err
	}
	right, err := other.Tree()
	if err != nil {
		return nil, err
	}
	le, _ := l.Locate(left)
	re, _ := other.Locate(right)
	return Compare(le, re), nil
}

func (l *Label) String() string {
	switch l.Kind {
	case Unsaved, Current:
		return l.Name
	}
	return fmt.Sprintf("%s@%d", l.Name, l.Seq)
}
