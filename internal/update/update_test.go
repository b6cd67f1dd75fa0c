package update

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lhist/internal/change"
	"lhist/internal/entry"
	"lhist/internal/gateway"
	"lhist/internal/safe"
)

type memContents map[safe.ID][]byte

func (m memContents) StoreNamed(_ string, data []byte) (safe.ID, error) {
	id := safe.Hash(data)
	m[id] = data
	return id, nil
}

type countingGateway struct {
	gateway.Gateway
	reads map[string]int
}

func (g *countingGateway) Read(path string) ([]byte, error) {
	g.reads[path]++
	return g.Gateway.Read(path)
}

type fixture struct {
	gw      *countingGateway
	tree    *entry.Tree
	updater *Updater
	next    entry.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		gw:   &countingGateway{Gateway: gateway.NewAfero(afero.NewMemMapFs(), ""), reads: map[string]int{}},
		tree: entry.NewTree(),
	}
	f.updater = New(f.gw, memContents{}, func() entry.ID { f.next++; return f.next }, Options{
		Filter: NewFilter([]string{"node_modules"}, true),
	})
	return f
}

func (f *fixture) write(t *testing.T, path, data string, ts int64) {
	t.Helper()
	parent, _ := entry.ParentPath(path)
	if parent != "" {
		require.NoError(t, f.gw.Mkdir(parent, ts))
	}
	require.NoError(t, f.gw.Write(path, []byte(data), ts))
}

// sync diffs the whole tree and applies the result.
func (f *fixture) sync(t *testing.T) []change.Change {
	t.Helper()
	changes, err := f.updater.DiffAgainstLiveTree(context.Background(), f.tree, "")
	require.NoError(t, err)
	for _, c := range changes {
		require.NoError(t, c.Apply(f.tree))
	}
	return changes
}

func kindsOf(changes []change.Change) []change.Kind {
	var out []change.Kind
	for _, c := range changes {
		out = append(out, c.Kind())
	}
	return out
}

func TestInitialScan(t *testing.T) {
	f := newFixture(t)
	f.write(t, "proj/a", "a", 1000)
	f.write(t, "proj/sub/c", "c", 1000)
	f.write(t, ".hidden/x", "x", 1000)
	f.write(t, "proj/node_modules/y", "y", 1000)

	changes := f.sync(t)
	assert.Equal(t, []change.Kind{
		change.KindCreateDirectory,
		change.KindCreateFile,
		change.KindCreateDirectory,
		change.KindCreateFile,
	}, kindsOf(changes))

	e, err := f.tree.Get("proj/sub/c")
	require.NoError(t, err)
	assert.Equal(t, safe.Hash([]byte("c")), e.(*entry.File).Content())
	assert.Equal(t, int64(1000), e.Timestamp())

	_, ok := f.tree.Find(".hidden")
	assert.False(t, ok)
	_, ok = f.tree.Find("proj/node_modules")
	assert.False(t, ok)

	assert.Empty(t, f.sync(t), "second scan of an unchanged tree")
}

func TestScanDetectsEdits(t *testing.T) {
	f := newFixture(t)
	f.write(t, "proj/a", "a", 1000)
	f.write(t, "proj/b", "b", 1000)
	f.write(t, "proj/sub/c", "c", 1000)
	f.sync(t)
	a, err := f.tree.Get("proj/a")
	require.NoError(t, err)

	f.write(t, "proj/a", "a2", 2000)
	f.write(t, "proj/b", "b", 2000) // touched, same bytes
	require.NoError(t, f.gw.Remove("proj/sub"))
	f.write(t, "proj/new", "n", 2000)

	changes := f.sync(t)
	assert.ElementsMatch(t, []change.Kind{
		change.KindContentChange,
		change.KindContentChange,
		change.KindCreateFile,
		change.KindDelete,
	}, kindsOf(changes))

	after, err := f.tree.Get("proj/a")
	require.NoError(t, err)
	assert.Equal(t, a.ID(), after.ID())
	assert.Equal(t, safe.Hash([]byte("a2")), after.(*entry.File).Content())
	_, ok := f.tree.Find("proj/sub")
	assert.False(t, ok)
}

func TestScanSkipsReadsForOlderFiles(t *testing.T) {
	f := newFixture(t)
	f.write(t, "proj/a", "a", 1000)
	f.sync(t)
	require.Equal(t, 1, f.gw.reads["proj/a"])

	f.sync(t)
	assert.Equal(t, 1, f.gw.reads["proj/a"])
}

func TestScanRecordsTouchedFileTimestamp(t *testing.T) {
	f := newFixture(t)
	f.write(t, "proj/a", "a", 1000)
	f.sync(t)

	f.write(t, "proj/a", "a", 2000)
	changes := f.sync(t)
	require.Len(t, changes, 1)
	cc, ok := changes[0].(*change.ContentChange)
	require.True(t, ok)
	assert.Equal(t, cc.OldContent, cc.NewContent)
	assert.Equal(t, int64(1000), cc.OldTimestamp)
	assert.Equal(t, int64(2000), cc.NewTimestamp)

	e, err := f.tree.Get("proj/a")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), e.Timestamp())
	require.Equal(t, 2, f.gw.reads["proj/a"])

	assert.Empty(t, f.sync(t))
	assert.Equal(t, 2, f.gw.reads["proj/a"], "a touched file is not read again once recorded")
}

func TestScanKindMismatch(t *testing.T) {
	f := newFixture(t)
	f.write(t, "proj/a", "a", 1000)
	f.sync(t)

	require.NoError(t, f.gw.Remove("proj/a"))
	f.write(t, "proj/a/inner", "i", 2000)

	changes := f.sync(t)
	assert.Equal(t, []change.Kind{
		change.KindDelete,
		change.KindCreateDirectory,
		change.KindCreateFile,
	}, kindsOf(changes))

	e, err := f.tree.Get("proj/a")
	require.NoError(t, err)
	assert.True(t, e.IsDirectory())
}

func TestScanSubtree(t *testing.T) {
	f := newFixture(t)
	f.write(t, "proj/a", "a", 1000)
	f.write(t, "proj/sub/c", "c", 1000)
	f.sync(t)

	f.write(t, "proj/a", "a2", 2000)
	f.write(t, "proj/sub/d", "d", 2000)

	changes, err := f.updater.DiffAgainstLiveTree(context.Background(), f.tree, "proj/sub")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, change.KindCreateFile, changes[0].Kind())
	assert.Equal(t, "d", changes[0].(*change.CreateFile).Name)

	// A new path whose parent is also new cannot be attached.
	f.write(t, "other/deep/x", "x", 2000)
	_, err = f.updater.DiffAgainstLiveTree(context.Background(), f.tree, "other/deep")
	assert.Error(t, err)

	changes, err = f.updater.DiffAgainstLiveTree(context.Background(), f.tree, "gone/away")
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestScanHonoursContext(t *testing.T) {
	f := newFixture(t)
	f.write(t, "proj/a", "a", 1000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.updater.DiffAgainstLiveTree(ctx, f.tree, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFilter(t *testing.T) {
	f := NewFilter([]string{".git", "vendor"}, false)
	tests := []struct {
		path string
		want bool
	}{
		{"", false},
		{"src/main.go", false},
		{".git", true},
		{"a/.git/config", true},
		{"vendor/x", true},
		{".env", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, f.ShouldIgnore(tt.path))
		})
	}

	assert.True(t, NewFilter(nil, true).ShouldIgnore("a/.env"))
	var none *Filter
	assert.False(t, none.ShouldIgnore(".git"))
}
