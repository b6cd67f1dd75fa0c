package label

import (
	"sort"

	"lhist/internal/entry"
)

type DifferenceKind int

const (
	NotModified DifferenceKind = iota
	Created
	Deleted
	Modified
)

func (k DifferenceKind) String() string {
	switch k {
	case Created:
		return "CREATED"
	case Deleted:
		return "DELETED"
	case Modified:
		return "MODIFIED"
	}
	return "NOT_MODIFIED"
}

// Difference classifies one entry between a left and a right tree. Left is nil for
// Created nodes and Right is nil for Deleted ones.
type Difference struct {
	Kind     DifferenceKind
	Left     entry.Entry
	Right    entry.Entry
	Children []*Difference
}

// Compare walks two subtrees in lock-step, matching children by entry id. It
// returns nil when both sides are absent. Neither tree is modified.
func Compare(left, right entry.Entry) *Difference {
	if left == nil && right == nil {
		return nil
	}
	d := &Difference{Left: left, Right: right, Kind: kindOf(left, right)}

	ld, _ := left.(*entry.Directory)
	rd, _ := right.(*entry.Directory)
	if ld == nil && rd == nil {
		return d
	}

	rightByID := make(map[entry.ID]entry.Entry)
	if rd != nil {
		for _, c := range rd.Children() {
			rightByID[c.ID()] = c
		}
	}
	if ld != nil {
		for _, c := range ld.Children() {
			other := rightByID[c.ID()]
			delete(rightByID, c.ID())
			d.Children = append(d.Children, Compare(c, other))
		}
	}
	for _, c := range rightByID {
		d.Children = append(d.Children, Compare(nil, c))
	}
	sort.Slice(d.Children, func(i, j int) bool {
		return d.Children[i].ID() < d.Children[j].ID()
	})
	return d
}

func kindOf(left, right entry.Entry) DifferenceKind {
	switch {
	case left == nil:
		return Created
	case right == nil:
		return Deleted
	case left.Name() != right.Name() || parentID(left) != parentID(right):
		return Modified
	}
	lf, lok := left.(*entry.File)
	rf, rok := right.(*entry.File)
	if lok != rok {
		return Modified
	}
	if lok && (lf.Content() != rf.Content() || lf.ReadOnly() != rf.ReadOnly()) {
		return Modified
	}
	return NotModified
}

func parentID(e entry.Entry) entry.ID {
	if p := e.Parent(); p != nil {
		return p.ID()
	}
	return -1
}

// ID is the id of whichever side is present.
func (d *Difference) ID() entry.ID {
	if d.Left != nil {
		return d.Left.ID()
	}
	return d.Right.ID()
}

// Path is the right-side path, or the left one for deleted entries.
func (d *Difference) Path() string {
	if d.Right != nil {
		return d.Right.Path()
	}
	return d.Left.Path()
}

func (d *Difference) IsFile() bool {
	e := d.Right
	if e == nil {
		e = d.Left
	}
	return !e.IsDirectory()
}

// HasChanges reports whether d or anything below it is not NotModified.
func (d *Difference) HasChanges() bool {
	if d == nil {
		return false
	}
	if d.Kind != NotModified {
		return true
	}
	for _, c := range d.Children {
		if c.HasChanges() {
			return true
		}
	}
	return false
}

// Changed flattens the tree into its changed nodes, in pre-order.
func (d *Difference) Changed() []*Difference {
	var out []*Difference
	d.walk(func(n *Difference) {
		if n.Kind != NotModified {
			out = append(out, n)
		}
	})
	return out
}

func (d *Difference) walk(fn func(*Difference)) {
	if d == nil {
		return
	}
	fn(d)
	for _, c := range d.Children {
		c.walk(fn)
	}
}

// Mirror returns the difference seen from the other side.
func (d *Difference) Mirror() *Difference {
	if d == nil {
		return nil
	}
	m := &Difference{Kind: d.Kind, Left: d.Right, Right: d.Left}
	switch d.Kind {
	case Created:
		m.Kind = Deleted
	case Deleted:
		m.Kind = Created
	}
	for _, c := range d.Children {
		m.Children = append(m.Children, c.Mirror())
	}
	return m
}
