package change

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lhist/internal/entry"
	lherrors "lhist/internal/errors"
)

// Visit is returned by log visitors to keep going or stop.
type Visit int

const (
	Continue Visit = iota
	Stop
)

// ChangeSet is an ordered, contiguous group of changes committed together.
type ChangeSet struct {
	ID        string
	Name      string
	Timestamp int64
	Changes   []Change
}

func (cs *ChangeSet) FirstSeq() int64 {
	if len(cs.Changes) == 0 {
		return 0
	}
	return cs.Changes[0].Head().Seq
}

func (cs *ChangeSet) LastSeq() int64 {
	if len(cs.Changes) == 0 {
		return 0
	}
	return cs.Changes[len(cs.Changes)-1].Head().Seq
}

// Affects reports whether any change in the set touches path.
func (cs *ChangeSet) Affects(path string) bool {
	for _, c := range cs.Changes {
		if Affects(c, path) {
			return true
		}
	}
	return false
}

// Notification describes one committed change.
type Notification struct {
	ChangeSetID   string
	ChangeSetName string
	Seq           int64
	Kind          Kind
	EntryID       entry.ID
	Path          string
	OldPath       string
}

// Listener is told about every committed change, in log order. Listeners are
// compared by identity on removal, so implementations should be pointers.
type Listener interface {
	ChangeCommitted(n Notification)
}

// Log is the ordered sequence of committed change sets plus the open transaction.
// It is not safe for concurrent use; the owning store serializes access. The
// listener list is the exception: it has its own lock so a listener may add or
// remove listeners while it is being notified.
type Log struct {
	clock func() int64
	log   *zap.Logger

	sets    []*ChangeSet
	baseSeq int64 // changes up to and including baseSeq were purged
	lastSeq int64 // last assigned seq, open transaction included

	open      *ChangeSet
	openFrom  int64
	depth     int
	innerName string

	listenersMu sync.Mutex
	listeners   []Listener
}

// NewLog creates an empty log. A nil clock uses the wall clock in Unix milliseconds.
func NewLog(clock func() int64, logger *zap.Logger) *Log {
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{clock: clock, log: logger.Named("log")}
}

// Begin opens a change set. Nested calls join the outermost one.
func (l *Log) Begin() {
	if l.depth == 0 {
		l.open = &ChangeSet{ID: uuid.NewString()}
		l.openFrom = l.lastSeq
		l.innerName = ""
	}
	l.depth++
}

// InTransaction reports whether a change set is open.
func (l *Log) InTransaction() bool {
	return l.depth > 0
}

// End closes the innermost change set boundary. Only the outermost End commits;
// it returns the committed set, or nil when nothing was committed. The outermost
// non-empty name wins, otherwise the last non-empty inner name is used.
func (l *Log) End(name string) (*ChangeSet, error) {
	if l.depth == 0 {
		return nil, lherrors.InvalidState("end of change set without begin")
	}
	l.depth--
	if l.depth > 0 {
		if name != "" {
			l.innerName = name
		}
		return nil, nil
	}

	cs := l.open
	l.open = nil
	if len(cs.Changes) == 0 {
		return nil, nil
	}
	if name == "" {
		name = l.innerName
	}
	cs.Name = name
	cs.Timestamp = l.clock()
	l.sets = append(l.sets, cs)

	l.log.Debug("change set committed",
		zap.String("id", cs.ID),
		zap.String("name", cs.Name),
		zap.Int64("first", cs.FirstSeq()),
		zap.Int64("last", cs.LastSeq()))
	l.notify(cs)
	return cs, nil
}

func (l *Log) notify(cs *ChangeSet) {
	l.listenersMu.Lock()
	listeners := append([]Listener(nil), l.listeners...)
	l.listenersMu.Unlock()
	if len(listeners) == 0 {
		return
	}
	for _, c := range cs.Changes {
		h := c.Head()
		n := Notification{
			ChangeSetID:   cs.ID,
			ChangeSetName: cs.Name,
			Seq:           h.Seq,
			Kind:          c.Kind(),
			EntryID:       h.EntryID,
			Path:          h.Path,
			OldPath:       h.OldPath,
		}
		for _, ln := range listeners {
			ln.ChangeCommitted(n)
		}
	}
}

// Append applies c to t and records it with the next sequence number. Outside a
// transaction the change is committed on its own.
func (l *Log) Append(t *entry.Tree, c Change) error {
	auto := l.depth == 0
	if auto {
		l.Begin()
	}
	h := c.Head()
	h.Seq = l.lastSeq + 1
	h.ChangeSetID = l.open.ID
	if h.Timestamp == 0 {
		h.Timestamp = l.clock()
	}
	if err := c.Apply(t); err != nil {
		if auto {
			l.depth = 0
			l.open = nil
		}
		return err
	}
	l.lastSeq = h.Seq
	l.open.Changes = append(l.open.Changes, c)
	if auto {
		if _, err := l.End(""); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the changes of the open transaction.
func (l *Log) Pending() []Change {
	if l.open == nil {
		return nil
	}
	return append([]Change(nil), l.open.Changes...)
}

// Abort reverts the open transaction's changes on t and discards it.
func (l *Log) Abort(t *entry.Tree) error {
	if l.depth == 0 {
		return nil
	}
	cs := l.open
	l.open = nil
	l.depth = 0
	l.lastSeq = l.openFrom
	for i := len(cs.Changes) - 1; i >= 0; i-- {
		c := cs.Changes[i]
		if err := Revert(t, c); err != nil {
			return lherrors.ReplayInconsistency(
				fmt.Sprintf("aborting change set: reverting change %d (%s)", c.Head().Seq, c.Kind()), err)
		}
	}
	l.log.Debug("change set aborted", zap.String("id", cs.ID), zap.Int("changes", len(cs.Changes)))
	return nil
}

// Discard drops the open transaction without reverting it, for callers that are
// about to replace the tree it was applied to.
func (l *Log) Discard() {
	if l.depth == 0 {
		return
	}
	l.open = nil
	l.depth = 0
	l.innerName = ""
	l.lastSeq = l.openFrom
}

// Restore replaces the log content with persisted change sets, replaying them onto
// t, which must hold the tree at baseSeq.
func (l *Log) Restore(t *entry.Tree, baseSeq int64, sets []*ChangeSet) error {
	if l.depth > 0 {
		return lherrors.InvalidState("restore during an open change set")
	}
	last, err := Replay(t, baseSeq, sets)
	if err != nil {
		return err
	}
	l.sets = append([]*ChangeSet(nil), sets...)
	l.baseSeq = baseSeq
	l.lastSeq = last
	return nil
}

// Replay applies sets onto t in order. Sequence numbers must increase from after.
// It returns the last sequence number applied.
func Replay(t *entry.Tree, after int64, sets []*ChangeSet) (int64, error) {
	last := after
	for _, cs := range sets {
		for _, c := range cs.Changes {
			h := c.Head()
			if h.Seq <= last {
				return last, lherrors.ReplayInconsistency(
					fmt.Sprintf("change %d follows change %d", h.Seq, last), nil)
			}
			if err := c.Apply(t); err != nil {
				return last, lherrors.ReplayInconsistency(
					fmt.Sprintf("replaying change %d (%s) of change set %s", h.Seq, c.Kind(), cs.ID), err)
			}
			last = h.Seq
		}
	}
	return last, nil
}

// RevertAfter reverts every change in sets with a sequence number above seq, newest
// first, turning the tree at the end of sets into the tree at seq.
func RevertAfter(t *entry.Tree, seq int64, sets []*ChangeSet) error {
	for i := len(sets) - 1; i >= 0; i-- {
		cs := sets[i]
		if cs.LastSeq() <= seq {
			break
		}
		for j := len(cs.Changes) - 1; j >= 0; j-- {
			c := cs.Changes[j]
			if c.Head().Seq <= seq {
				break
			}
			if err := Revert(t, c); err != nil {
				return lherrors.ReplayInconsistency(
					fmt.Sprintf("reverting change %d (%s)", c.Head().Seq, c.Kind()), err)
			}
		}
	}
	return nil
}

// Trim drops the oldest change sets whose timestamp is at or before ts and returns
// them. The base sequence moves to the last dropped change.
func (l *Log) Trim(ts int64) []*ChangeSet {
	n := 0
	for n < len(l.sets) && l.sets[n].Timestamp <= ts {
		n++
	}
	if n == 0 {
		return nil
	}
	removed := append([]*ChangeSet(nil), l.sets[:n]...)
	l.sets = append([]*ChangeSet(nil), l.sets[n:]...)
	l.baseSeq = removed[n-1].LastSeq()
	return removed
}

// Sets returns the committed change sets, oldest first.
func (l *Log) Sets() []*ChangeSet {
	return append([]*ChangeSet(nil), l.sets...)
}

func (l *Log) Len() int {
	return len(l.sets)
}

// Range returns the change sets holding the changes in (toSeq, fromSeq], oldest
// first. toSeq must fall on a change set boundary.
func (l *Log) Range(fromSeq, toSeq int64) ([]*ChangeSet, error) {
	if toSeq < l.baseSeq {
		return nil, lherrors.InvalidLabel("", toSeq)
	}
	var out []*ChangeSet
	for _, cs := range l.sets {
		if cs.LastSeq() <= toSeq || cs.FirstSeq() > fromSeq {
			continue
		}
		if cs.FirstSeq() <= toSeq {
			return nil, lherrors.InvalidState(
				fmt.Sprintf("sequence %d splits change set %s", toSeq, cs.ID))
		}
		out = append(out, cs)
	}
	return out, nil
}

// BaseSeq is the sequence number the oldest retained history starts after.
func (l *Log) BaseSeq() int64 {
	return l.baseSeq
}

// LastSeq is the last sequence number assigned, open transaction included.
func (l *Log) LastSeq() int64 {
	return l.lastSeq
}

// CommittedSeq is the last sequence number of a committed change set.
func (l *Log) CommittedSeq() int64 {
	if len(l.sets) == 0 {
		return l.baseSeq
	}
	return l.sets[len(l.sets)-1].LastSeq()
}

// Walk visits committed change sets oldest first.
func (l *Log) Walk(fn func(cs *ChangeSet) Visit) {
	for _, cs := range l.sets {
		if fn(cs) == Stop {
			return
		}
	}
}

// WalkBackward visits committed change sets newest first.
func (l *Log) WalkBackward(fn func(cs *ChangeSet) Visit) {
	for i := len(l.sets) - 1; i >= 0; i-- {
		if fn(l.sets[i]) == Stop {
			return
		}
	}
}

func (l *Log) AddListener(ln Listener) {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	l.listeners = append(l.listeners, ln)
}

func (l *Log) RemoveListener(ln Listener) {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	for i, x := range l.listeners {
		if x == ln {
			l.listeners = append(l.listeners[:i:i], l.listeners[i+1:]...)
			return
		}
	}
}
