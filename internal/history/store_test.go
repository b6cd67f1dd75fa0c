package history

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lhist/internal/change"
	"lhist/internal/entry"
	lherrors "lhist/internal/errors"
	"lhist/internal/gateway"
	"lhist/internal/label"
	"lhist/internal/safe"
)

type testClock struct {
	now int64
}

func (c *testClock) Now() int64 {
	c.now++
	return c.now
}

type testEnv struct {
	dir   string
	clock *testClock
	fs    afero.Fs
	gw    gateway.Gateway
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	fs := afero.NewMemMapFs()
	return &testEnv{
		dir:   t.TempDir(),
		clock: &testClock{now: 1000},
		fs:    fs,
		gw:    gateway.NewAfero(fs, ""),
	}
}

func (e *testEnv) open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(e.dir, Options{Gateway: e.gw, Clock: e.clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// openDetached opens a store with no live tree, for tests whose history has no
// files behind it.
func (e *testEnv) openDetached(t *testing.T) *Store {
	t.Helper()
	s, err := Open(e.dir, Options{Clock: e.clock.Now, InMemoryLabels: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateFile(t *testing.T, s *Store, path, content string) *entry.File {
	t.Helper()
	f, err := s.CreateFile(path, []byte(content), 0, entry.FileAttrs{})
	require.NoError(t, err)
	return f
}

func mustCreateDir(t *testing.T, s *Store, path string) *entry.Directory {
	t.Helper()
	d, err := s.CreateDirectory(path, 0)
	require.NoError(t, err)
	return d
}

func contentOf(t *testing.T, s *Store, path string) string {
	t.Helper()
	e, err := s.GetEntry(path)
	require.NoError(t, err)
	data, err := s.Content(e.(*entry.File).Content())
	require.NoError(t, err)
	return string(data)
}

// populate records a small history touching every change kind.
func populate(t *testing.T, s *Store) {
	t.Helper()
	s.BeginChangeSet()
	mustCreateDir(t, s, "root")
	mustCreateDir(t, s, "root/dir")
	mustCreateFile(t, s, "root/dir/a.txt", "alpha")
	mustCreateFile(t, s, "root/b.txt", "beta")
	_, err := s.EndChangeSet("initial")
	require.NoError(t, err)

	require.NoError(t, s.ChangeFileContent("root/b.txt", []byte("beta 2"), 2000))
	require.NoError(t, s.Rename("root/dir", "dir2"))
	mustCreateDir(t, s, "root/other")
	require.NoError(t, s.Move("root/dir2/a.txt", "root/other"))
	mustCreateFile(t, s, "root/tmp", "scratch")
	require.NoError(t, s.Delete("root/tmp"))
}

func TestCreateAndQuery(t *testing.T) {
	s := newEnv(t).open(t)

	_, err := s.CreateFile("missing/f", []byte("x"), 0, entry.FileAttrs{})
	assert.True(t, stderrors.Is(err, lherrors.ErrEntryNotFound))

	mustCreateDir(t, s, "root")
	mustCreateFile(t, s, "root/f", "hello")
	_, err = s.CreateFile("root/f", []byte("again"), 0, entry.FileAttrs{})
	assert.True(t, stderrors.Is(err, lherrors.ErrDuplicateEntry))

	assert.Equal(t, "hello", contentOf(t, s, "root/f"))
	_, ok := s.FindEntry("root/nope")
	assert.False(t, ok)
	_, err = s.GetEntry("root/nope")
	assert.True(t, stderrors.Is(err, lherrors.ErrEntryNotFound))

	assert.Equal(t, int64(2), s.Seq())
	assert.Len(t, s.ChangeSets(""), 2)
}

func TestReplayDeterminism(t *testing.T) {
	env := newEnv(t)
	s := env.open(t)
	populate(t, s)
	require.NoError(t, s.Save())

	want, err := s.Tree().Encode()
	require.NoError(t, err)
	seq := s.Seq()
	require.NoError(t, s.Close())

	reopened := env.open(t)
	got, err := reopened.Tree().Encode()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, seq, reopened.Seq())
	assert.Equal(t, "alpha", contentOf(t, reopened, "root/other/a.txt"))

	// New ids never collide with replayed ones.
	f := mustCreateFile(t, reopened, "root/new", "n")
	tr := reopened.Tree()
	assert.Equal(t, tr.MaxID(), f.ID())
}

func TestUnsavedChangesAreLostOnReopen(t *testing.T) {
	env := newEnv(t)
	s := env.open(t)
	mustCreateDir(t, s, "root")
	require.NoError(t, s.Save())

	mustCreateFile(t, s, "root/f", "x")
	require.NoError(t, s.Apply())
	_, err := s.PutLabel("too late")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := env.open(t)
	_, ok := reopened.FindEntry("root/f")
	assert.False(t, ok)
	labels, err := reopened.Labels()
	require.NoError(t, err)
	assert.Empty(t, labels)
}

func TestRoundTripToEmptyRoot(t *testing.T) {
	s := newEnv(t).openDetached(t)
	populate(t, s)

	res, err := s.Revert(s.Seq(), 0, "", "")
	require.NoError(t, err)
	assert.Greater(t, res.LastSeq, res.FirstSeq)
	assert.Equal(t, 1, s.Tree().Len())
}

func TestContentDedup(t *testing.T) {
	s := newEnv(t).open(t)
	mustCreateDir(t, s, "root")
	a := mustCreateFile(t, s, "root/a", "same bytes")
	before := s.Stats().Blobs
	b := mustCreateFile(t, s, "root/b", "same bytes")

	assert.Equal(t, a.Content(), b.Content())
	assert.Equal(t, before, s.Stats().Blobs)
}

func TestLabelScenario(t *testing.T) {
	s := newEnv(t).open(t)

	mustCreateDir(t, s, "root")
	require.NoError(t, s.Apply())
	mustCreateFile(t, s, "root/f", "old\n")
	require.NoError(t, s.Apply())
	one, err := s.PutLabel("1")
	require.NoError(t, err)
	require.NoError(t, s.ChangeFileContent("root/f", []byte("new\n"), 5000))
	require.NoError(t, s.Apply())

	names := func() []string {
		labels, err := s.GetLabelsFor("root/f")
		require.NoError(t, err)
		var out []string
		for _, l := range labels {
			out = append(out, l.Name)
		}
		return out
	}
	assert.Equal(t, []string{"1"}, names())

	s.SetUnsavedContent("root/f", []byte("new\r\n"))
	assert.Equal(t, []string{"1"}, names(), "line separators alone are not a change")

	s.SetUnsavedContent("root/f", []byte("newer\n"))
	assert.Equal(t, []string{label.UnsavedName, "1"}, names())
	s.SetUnsavedContent("root/f", nil)

	labels, err := s.GetLabelsFor("root")
	require.NoError(t, err)
	require.Len(t, labels, 1)
	assert.Equal(t, one.Seq, labels[0].Seq)

	d, err := labels[0].DifferenceWith(s.CurrentLabel("root"))
	require.NoError(t, err)
	changed := d.Changed()
	require.Len(t, changed, 1)
	assert.Equal(t, label.Modified, changed[0].Kind)
	assert.Equal(t, "root/f", changed[0].Path())

	lines, err := s.ContentDiff(changed[0])
	require.NoError(t, err)
	assert.Equal(t, 1, lines.Stats.Additions)
	assert.Equal(t, 1, lines.Stats.Deletions)

	back, err := s.CurrentLabel("root").DifferenceWith(labels[0])
	require.NoError(t, err)
	assert.Equal(t, d.Mirror().Changed()[0].Kind, back.Changed()[0].Kind)
}

func TestUnsavedLabelDifference(t *testing.T) {
	s := newEnv(t).open(t)
	mustCreateDir(t, s, "root")
	mustCreateFile(t, s, "root/f", "stored")
	s.SetUnsavedContent("root/f", []byte("typed"))

	labels, err := s.GetLabelsFor("root/f")
	require.NoError(t, err)
	require.NotEmpty(t, labels)
	require.Equal(t, label.Unsaved, labels[0].Kind)

	d, err := s.CurrentLabel("root/f").DifferenceWith(labels[0])
	require.NoError(t, err)
	assert.Equal(t, label.Modified, d.Kind)
	result, err := s.ContentDiff(d)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stats.Additions)
}

func hasUnsavedLabel(t *testing.T, s *Store, path string) bool {
	t.Helper()
	labels, err := s.GetLabelsFor(path)
	require.NoError(t, err)
	for _, l := range labels {
		if l.Kind == label.Unsaved {
			return true
		}
	}
	return false
}

func TestUnsavedContentFollowsEntries(t *testing.T) {
	s := newEnv(t).open(t)
	mustCreateDir(t, s, "root")
	mustCreateDir(t, s, "root/dir")
	mustCreateFile(t, s, "root/dir/f", "stored")
	mustCreateDir(t, s, "root/sub")
	mustCreateFile(t, s, "root/sub/h", "stored")
	s.SetUnsavedContent("root/dir/f", []byte("typed"))
	s.SetUnsavedContent("root/sub/h", []byte("typed"))

	require.NoError(t, s.Rename("root/dir", "dir2"))
	assert.True(t, hasUnsavedLabel(t, s, "root/dir2/f"))
	assert.False(t, hasUnsavedLabel(t, s, "root/dir/f"))

	require.NoError(t, s.Move("root/dir2/f", "root"))
	assert.True(t, hasUnsavedLabel(t, s, "root/f"))
	assert.False(t, hasUnsavedLabel(t, s, "root/dir2/f"))

	require.NoError(t, s.Delete("root/sub"))
	mustCreateDir(t, s, "root/sub")
	mustCreateFile(t, s, "root/sub/h", "stored")
	assert.False(t, hasUnsavedLabel(t, s, "root/sub/h"), "deleting a directory drops unsaved content below it")
}

func TestRenameKeepsIdentity(t *testing.T) {
	s := newEnv(t).open(t)
	mustCreateDir(t, s, "root")
	dir := mustCreateDir(t, s, "root/dir")
	f := mustCreateFile(t, s, "root/dir/f", "x")

	require.NoError(t, s.Rename("root/dir", "dir2"))
	e, err := s.GetEntry("root/dir2")
	require.NoError(t, err)
	assert.Equal(t, dir.ID(), e.ID())
	child, err := s.GetEntry("root/dir2/f")
	require.NoError(t, err)
	assert.Equal(t, f.ID(), child.ID())

	require.NoError(t, s.Rename("root/dir2", "dir"))
	e, err = s.GetEntry("root/dir")
	require.NoError(t, err)
	assert.Equal(t, dir.ID(), e.ID())
}

func TestSelectiveRevert(t *testing.T) {
	env := newEnv(t)
	s := env.open(t)

	require.NoError(t, env.gw.Mkdir("root", 1000))
	require.NoError(t, env.gw.Write("root/f.txt", []byte("old"), 1000))
	require.NoError(t, env.gw.Write("root/g.txt", []byte("g1"), 1000))
	_, err := s.Refresh(context.Background(), "")
	require.NoError(t, err)
	start, err := s.PutLabel("start")
	require.NoError(t, err)

	require.NoError(t, env.gw.Write("root/f.txt", []byte("new"), 2000))
	require.NoError(t, env.gw.Write("root/g.txt", []byte("g2"), 2000))
	cs, err := s.Refresh(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, cs)
	assert.Equal(t, RefreshName, cs.Name)
	assert.Len(t, cs.Changes, 2)

	labels, err := s.GetLabelsFor("root/f.txt")
	require.NoError(t, err)
	require.Len(t, labels, 1)
	res, err := s.RevertToLabel(labels[0], "")
	require.NoError(t, err)
	assert.Equal(t, "Revert to start", res.ChangeSet.Name)
	assert.Equal(t, start.Seq+2+1, res.FirstSeq)

	assert.Equal(t, "old", contentOf(t, s, "root/f.txt"))
	assert.Equal(t, "g2", contentOf(t, s, "root/g.txt"))
	live, err := env.gw.Read("root/f.txt")
	require.NoError(t, err)
	assert.Equal(t, "old", string(live))

	// The live tree now matches the store again.
	cs, err = s.Refresh(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, cs)
}

func TestRevertConflict(t *testing.T) {
	env := newEnv(t)
	s := env.open(t)
	require.NoError(t, env.gw.Mkdir("root", 1000))
	require.NoError(t, env.gw.Write("root/f.txt", []byte("old"), 1000))
	_, err := s.Refresh(context.Background(), "")
	require.NoError(t, err)
	base := s.Seq()
	require.NoError(t, env.gw.Write("root/f.txt", []byte("new"), 2000))
	_, err = s.Refresh(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, env.fs.Chmod("/root/f.txt", 0444))

	_, err = s.Revert(s.Seq(), base, "root", "")
	assert.True(t, stderrors.Is(err, lherrors.ErrRevertConflict))
	assert.Equal(t, "new", contentOf(t, s, "root/f.txt"))
}

func TestPurgeSafety(t *testing.T) {
	env := newEnv(t)
	s := env.open(t)
	populate(t, s)
	_, err := s.PutLabel("early")
	require.NoError(t, err)
	require.NoError(t, s.ChangeFileContent("root/b.txt", []byte("beta 3"), 3000))
	cut := env.clock.now
	mustCreateFile(t, s, "root/late", "late")
	late, err := s.PutLabel("late")
	require.NoError(t, err)

	before := s.Tree()
	paths := []string{}
	entry.Walk(before.Root(), func(e entry.Entry) entry.Visit {
		paths = append(paths, e.Path())
		return entry.Continue
	})

	res, err := s.PurgeUpTo(cut)
	require.NoError(t, err)
	assert.Equal(t, late.Seq-1, res.BaseSeq)
	require.Len(t, res.Invalidated, 1)
	assert.Equal(t, "early", res.Invalidated[0].Name)
	assert.Equal(t, 3, res.BlobsFreed, "beta, beta 2 and scratch are no longer reachable")

	for _, p := range paths {
		e, err := s.GetEntry(p)
		require.NoError(t, err, p)
		want, _ := before.Find(p)
		assert.Equal(t, want.ID(), e.ID())
	}
	assert.True(t, s.Tree().Equal(before))
	assert.Len(t, s.ChangeSets(""), 1)

	_, err = s.Diff("root", res.BaseSeq-1, "root", CurrentSeq)
	assert.True(t, stderrors.Is(err, lherrors.ErrInvalidLabel))
	d, err := s.Diff("root", res.BaseSeq, "root", CurrentSeq)
	require.NoError(t, err)
	assert.Len(t, d.Changed(), 1)

	require.NoError(t, s.Close())
	reopened := env.open(t)
	assert.True(t, reopened.Tree().Equal(before))
	assert.Equal(t, "beta 3", contentOf(t, reopened, "root/b.txt"))
	assert.Equal(t, res.BaseSeq, reopened.Stats().BaseSeq)
}

func TestCorruptedRecordFailsLoad(t *testing.T) {
	env := newEnv(t)
	s := env.open(t)
	populate(t, s)
	require.NoError(t, s.Save())
	rec := s.catalogRec
	require.NoError(t, s.Close())

	f, err := os.OpenFile(filepath.Join(env.dir, DataFile), os.O_RDWR, 0)
	require.NoError(t, err)
	buf := make([]byte, 1)
	off := int64(rec) + 16 + 2
	_, err = f.ReadAt(buf, off)
	require.NoError(t, err)
	buf[0] ^= 0xFF
	_, err = f.WriteAt(buf, off)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(env.dir, Options{Clock: env.clock.Now})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, lherrors.ErrStorageCorruption))
}

func TestVerifyContents(t *testing.T) {
	env := newEnv(t)
	s := env.open(t)
	populate(t, s)
	require.NoError(t, s.Save())

	n, err := s.VerifyContents()
	require.NoError(t, err)
	assert.Equal(t, s.Stats().Blobs, n)

	alpha := s.safe.Index()[contentIDOf(t, s, "root/other/a.txt")]
	require.NoError(t, s.Close())

	f, err := os.OpenFile(filepath.Join(env.dir, DataFile), os.O_RDWR, 0)
	require.NoError(t, err)
	buf := make([]byte, 1)
	off := int64(alpha) + 16 + 2
	_, err = f.ReadAt(buf, off)
	require.NoError(t, err)
	buf[0] ^= 0xFF
	_, err = f.WriteAt(buf, off)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = env.open(t)
	_, err = s.VerifyContents()
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, lherrors.ErrStorageCorruption))
}

func contentIDOf(t *testing.T, s *Store, path string) safe.ID {
	t.Helper()
	e, err := s.GetEntry(path)
	require.NoError(t, err)
	return e.(*entry.File).Content()
}

type recorder struct {
	got []change.Notification
}

func (r *recorder) ChangeCommitted(n change.Notification) {
	r.got = append(r.got, n)
}

func TestListeners(t *testing.T) {
	s := newEnv(t).open(t)
	rec := &recorder{}
	s.AddListener(rec)

	s.BeginChangeSet()
	mustCreateDir(t, s, "root")
	mustCreateFile(t, s, "root/f", "x")
	assert.Empty(t, rec.got, "nothing is announced before the change set ends")
	_, err := s.EndChangeSet("setup")
	require.NoError(t, err)

	require.Len(t, rec.got, 2)
	assert.Equal(t, "setup", rec.got[0].ChangeSetName)
	assert.Equal(t, change.KindCreateFile, rec.got[1].Kind)
	assert.Equal(t, "root/f", rec.got[1].Path)

	s.RemoveListener(rec)
	require.NoError(t, s.Delete("root/f"))
	assert.Len(t, rec.got, 2)
}

// detacher removes itself from the store on its first notification.
type detacher struct {
	s     *Store
	calls int
}

func (d *detacher) ChangeCommitted(change.Notification) {
	d.calls++
	d.s.RemoveListener(d)
}

func TestListenerDetachesItself(t *testing.T) {
	s := newEnv(t).open(t)
	det := &detacher{s: s}
	rec := &recorder{}
	s.AddListener(det)
	s.AddListener(rec)

	done := make(chan error, 1)
	go func() {
		s.BeginChangeSet()
		if _, err := s.CreateDirectory("root", 0); err != nil {
			done <- err
			return
		}
		if _, err := s.CreateDirectory("root/a", 0); err != nil {
			done <- err
			return
		}
		_, err := s.EndChangeSet("two")
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("committing blocked on a listener removing itself")
	}

	assert.Equal(t, 2, det.calls, "the pass in progress still reaches the detached listener")
	assert.Len(t, rec.got, 2)

	mustCreateDir(t, s, "root/b")
	assert.Equal(t, 2, det.calls)
	assert.Len(t, rec.got, 3)
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	s := newEnv(t).open(t)
	mustCreateDir(t, s, "root")
	mustCreateFile(t, s, "root/f", "v0")
	base := s.Seq()
	_, err := s.PutLabel("base")
	require.NoError(t, err)

	const writes = 40
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= writes; i++ {
			if err := s.ChangeFileContent("root/f", []byte(fmt.Sprintf("v%d", i)), int64(i)); err != nil {
				t.Error(err)
				return
			}
			if i%10 == 0 {
				if _, err := s.PutLabel(fmt.Sprintf("l%d", i)); err != nil {
					t.Error(err)
					return
				}
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < writes; i++ {
				if _, err := s.GetEntry("root/f"); err != nil {
					t.Error(err)
					return
				}
				labels, err := s.GetLabelsFor("root/f")
				if err != nil {
					t.Error(err)
					return
				}
				if len(labels) == 0 {
					t.Error("base label missing")
					return
				}
				d, err := s.Diff("root/f", base, "root/f", CurrentSeq)
				if err != nil {
					t.Error(err)
					return
				}
				right := d.Right.(*entry.File).Content()
				if _, err := s.ContentDiff(d); err != nil {
					t.Error(err)
					return
				}
				if d.Right.(*entry.File).Content() != right {
					t.Error("difference changed after it was returned")
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, fmt.Sprintf("v%d", writes), contentOf(t, s, "root/f"))
}

func TestDiffIsDetachedFromLiveTree(t *testing.T) {
	s := newEnv(t).open(t)
	mustCreateDir(t, s, "root")
	mustCreateFile(t, s, "root/f", "old")
	base := s.Seq()
	require.NoError(t, s.ChangeFileContent("root/f", []byte("new"), 10))

	d, err := s.Diff("root", base, "root", CurrentSeq)
	require.NoError(t, err)
	changed := d.Changed()
	require.Len(t, changed, 1)
	before := changed[0].Right.(*entry.File).Content()

	require.NoError(t, s.ChangeFileContent("root/f", []byte("newer"), 20))
	assert.Equal(t, before, changed[0].Right.(*entry.File).Content())
	result, err := s.ContentDiff(changed[0])
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stats.Additions)
}

func TestRefreshRequiresGateway(t *testing.T) {
	s, err := Open(t.TempDir(), Options{InMemoryLabels: true})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Refresh(context.Background(), "")
	assert.True(t, stderrors.Is(err, lherrors.ErrInvalidState))
}

func TestRefreshRecordsLiveChanges(t *testing.T) {
	env := newEnv(t)
	s := env.open(t)
	require.NoError(t, env.gw.Mkdir("proj", 100))
	require.NoError(t, env.gw.Write("proj/a", []byte("one"), 100))

	cs, err := s.Refresh(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, cs)
	assert.Equal(t, RefreshName, cs.Name)
	assert.Len(t, cs.Changes, 2)
	assert.Equal(t, "one", contentOf(t, s, "proj/a"))

	cs, err = s.Refresh(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, cs, "nothing changed")

	require.NoError(t, env.gw.Write("proj/a", []byte("two"), 200))
	cs, err = s.Refresh(context.Background(), "proj")
	require.NoError(t, err)
	require.NotNil(t, cs)
	require.Len(t, cs.Changes, 1)
	assert.Equal(t, change.KindContentChange, cs.Changes[0].Kind())

	s.BeginChangeSet()
	_, err = s.Refresh(context.Background(), "")
	assert.True(t, stderrors.Is(err, lherrors.ErrInvalidState))
	_, err = s.EndChangeSet("")
	require.NoError(t, err)

	require.NoError(t, s.Save())
	require.NoError(t, s.Close())
	reopened := env.open(t)
	assert.Equal(t, "two", contentOf(t, reopened, "proj/a"))
}

func TestClosedStore(t *testing.T) {
	s := newEnv(t).open(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.True(t, stderrors.Is(s.Save(), lherrors.ErrInvalidState))
	_, err := s.PutLabel("x")
	assert.True(t, stderrors.Is(err, lherrors.ErrInvalidState))
}
