package revert

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lhist/internal/change"
	"lhist/internal/entry"
	lherrors "lhist/internal/errors"
	"lhist/internal/gateway"
	"lhist/internal/safe"
)

type memContents map[safe.ID][]byte

func (m memContents) put(data string) safe.ID {
	id := safe.Hash([]byte(data))
	m[id] = []byte(data)
	return id
}

func (m memContents) Get(id safe.ID) ([]byte, error) {
	data, ok := m[id]
	if !ok {
		return nil, safe.ErrContentNotFound
	}
	return data, nil
}

type fixture struct {
	tree     *entry.Tree
	log      *change.Log
	fs       afero.Fs
	gw       gateway.Gateway
	contents memContents
	clock    int64
}

// newFixture records three change sets:
//
//	1-3  create proj, proj/a = "a1", proj/b = "b1"
//	4    proj/a = "a2"
//	5    proj/b = "b2"
//
// and mirrors the final state onto an in-memory file system.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{tree: entry.NewTree(), fs: afero.NewMemMapFs(), contents: memContents{}}
	f.log = change.NewLog(func() int64 { f.clock++; return f.clock }, nil)
	f.gw = gateway.NewAfero(f.fs, "")

	a1, b1 := f.contents.put("a1"), f.contents.put("b1")
	a2, b2 := f.contents.put("a2"), f.contents.put("b2")

	f.log.Begin()
	require.NoError(t, f.log.Append(f.tree, &change.CreateDirectory{Header: change.Header{EntryID: 1}, ParentID: entry.RootID, Name: "proj", EntryTimestamp: 1000}))
	require.NoError(t, f.log.Append(f.tree, &change.CreateFile{Header: change.Header{EntryID: 2}, ParentID: 1, Name: "a", Content: a1, EntryTimestamp: 1000}))
	require.NoError(t, f.log.Append(f.tree, &change.CreateFile{Header: change.Header{EntryID: 3}, ParentID: 1, Name: "b", Content: b1, EntryTimestamp: 1000}))
	_, err := f.log.End("initial")
	require.NoError(t, err)

	require.NoError(t, f.log.Append(f.tree, &change.ContentChange{Header: change.Header{EntryID: 2}, OldContent: a1, NewContent: a2, OldTimestamp: 1000, NewTimestamp: 2000}))
	require.NoError(t, f.log.Append(f.tree, &change.ContentChange{Header: change.Header{EntryID: 3}, OldContent: b1, NewContent: b2, OldTimestamp: 1000, NewTimestamp: 3000}))

	require.NoError(t, f.gw.Mkdir("proj", 1000))
	require.NoError(t, f.gw.Write("proj/a", []byte("a2"), 2000))
	require.NoError(t, f.gw.Write("proj/b", []byte("b2"), 3000))
	return f
}

func (f *fixture) reverter() *Reverter {
	return New(Options{Gateway: f.gw, Contents: f.contents})
}

func (f *fixture) live(t *testing.T, path string) string {
	t.Helper()
	data, err := f.gw.Read(path)
	require.NoError(t, err)
	return string(data)
}

func fileContent(t *testing.T, tr *entry.Tree, path string) safe.ID {
	t.Helper()
	e, err := tr.Get(path)
	require.NoError(t, err)
	return e.(*entry.File).Content()
}

func TestSelectiveRevert(t *testing.T) {
	f := newFixture(t)

	res, err := f.reverter().Revert(f.tree, f.log, Request{FromSeq: 5, ToSeq: 3, Path: "proj/a", Name: "Revert to start"})
	require.NoError(t, err)

	assert.Equal(t, int64(6), res.FirstSeq)
	assert.Equal(t, int64(6), res.LastSeq)
	assert.Equal(t, "Revert to start", res.ChangeSet.Name)

	assert.Equal(t, safe.Hash([]byte("a1")), fileContent(t, f.tree, "proj/a"))
	assert.Equal(t, safe.Hash([]byte("b2")), fileContent(t, f.tree, "proj/b"))
	assert.Equal(t, "a1", f.live(t, "proj/a"))
	assert.Equal(t, "b2", f.live(t, "proj/b"))

	info, err := f.gw.Stat("proj/a")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), info.ModTime)
	assert.Equal(t, 4, f.log.Len())
}

func TestRevertWholeSubtree(t *testing.T) {
	f := newFixture(t)

	res, err := f.reverter().Revert(f.tree, f.log, Request{FromSeq: 5, ToSeq: 0, Path: ""})
	require.NoError(t, err)
	assert.Equal(t, DefaultName, res.ChangeSet.Name)
	assert.Equal(t, int64(6), res.FirstSeq)
	assert.Equal(t, int64(10), res.LastSeq)

	assert.Equal(t, 1, f.tree.Len())
	_, err = f.gw.Stat("proj")
	assert.True(t, stderrors.Is(err, gateway.ErrNotExist))
}

func TestRevertRecreatesDeletedSubtree(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.log.Append(f.tree, &change.Delete{Header: change.Header{EntryID: 1}}))
	require.NoError(t, f.gw.Remove("proj"))

	_, err := f.reverter().Revert(f.tree, f.log, Request{FromSeq: 6, ToSeq: 5, Path: "proj"})
	require.NoError(t, err)

	e, err := f.tree.Get("proj/b")
	require.NoError(t, err)
	assert.Equal(t, entry.ID(3), e.ID())
	assert.Equal(t, "a2", f.live(t, "proj/a"))
	assert.Equal(t, "b2", f.live(t, "proj/b"))
}

func TestRevertConflictLeavesEverything(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.fs.Chmod("/proj/a", 0444))
	before := f.tree.Copy()

	_, err := f.reverter().Revert(f.tree, f.log, Request{FromSeq: 5, ToSeq: 3, Path: "proj"})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, lherrors.ErrRevertConflict))
	paths, ok := lherrors.Conflicts(err)
	require.True(t, ok)
	assert.Equal(t, []string{"proj/a"}, paths)

	assert.True(t, f.tree.Equal(before))
	assert.Equal(t, int64(5), f.log.LastSeq())
	assert.Equal(t, 3, f.log.Len())
	assert.Equal(t, "a2", f.live(t, "proj/a"))
	assert.Equal(t, "b2", f.live(t, "proj/b"))
}

type failingGateway struct {
	gateway.Gateway
	failWrite string
}

func (g *failingGateway) Write(path string, data []byte, ts int64) error {
	if path == g.failWrite {
		return fmt.Errorf("disk full")
	}
	return g.Gateway.Write(path, data, ts)
}

func TestRevertUndoesLiveStepsOnFailure(t *testing.T) {
	f := newFixture(t)
	before := f.tree.Copy()

	var notified int
	f.log.AddListener(listenerFunc(func(change.Notification) { notified++ }))

	r := New(Options{Gateway: &failingGateway{Gateway: f.gw, failWrite: "proj/a"}, Contents: f.contents})
	_, err := r.Revert(f.tree, f.log, Request{FromSeq: 5, ToSeq: 3, Path: "proj"})
	require.Error(t, err)

	assert.True(t, f.tree.Equal(before))
	assert.False(t, f.log.InTransaction())
	assert.Equal(t, int64(5), f.log.LastSeq())
	assert.Equal(t, "b2", f.live(t, "proj/b"))
	assert.Equal(t, "a2", f.live(t, "proj/a"))
	assert.Zero(t, notified)
}

func TestRevertRejectsBadRanges(t *testing.T) {
	f := newFixture(t)
	r := f.reverter()

	_, err := r.Revert(f.tree, f.log, Request{FromSeq: 3, ToSeq: 5})
	assert.True(t, stderrors.Is(err, lherrors.ErrInvalidState))

	_, err = r.Revert(f.tree, f.log, Request{FromSeq: 5, ToSeq: 2})
	assert.True(t, stderrors.Is(err, lherrors.ErrInvalidState))

	f.log.Begin()
	_, err = r.Revert(f.tree, f.log, Request{FromSeq: 5, ToSeq: 3})
	assert.True(t, stderrors.Is(err, lherrors.ErrInvalidState))
}

func TestRevertNothingSelected(t *testing.T) {
	f := newFixture(t)
	res, err := f.reverter().Revert(f.tree, f.log, Request{FromSeq: 5, ToSeq: 3, Path: "elsewhere"})
	require.NoError(t, err)
	assert.Nil(t, res.ChangeSet)
	assert.Equal(t, int64(5), f.log.LastSeq())
}

type listenerFunc func(change.Notification)

func (fn listenerFunc) ChangeCommitted(n change.Notification) { fn(n) }
