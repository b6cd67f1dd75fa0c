package safe

import (
	"bytes"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lherrors "lhist/internal/errors"
	"lhist/internal/paged"
)

func setupTestSafe(t *testing.T) (*Safe, *paged.File, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.dat")
	f, err := paged.Open(path, paged.Options{PageSize: paged.MinPageSize})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	s, err := New(f, Options{CacheSize: 8})
	require.NoError(t, err)
	return s, f, path
}

func TestStoreAndGet(t *testing.T) {
	s, _, _ := setupTestSafe(t)

	t.Run("small content", func(t *testing.T) {
		id, err := s.Store([]byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, Hash([]byte("hello")), id)
		assert.Len(t, string(id), 32)

		got, err := s.Get(id)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), got)
	})

	t.Run("compressible content", func(t *testing.T) {
		content := bytes.Repeat([]byte("line of text\n"), 500)
		id, err := s.StoreNamed("notes.txt", content)
		require.NoError(t, err)
		s.cache.Purge()

		got, err := s.Get(id)
		require.NoError(t, err)
		assert.Equal(t, content, got)
	})

	t.Run("empty content", func(t *testing.T) {
		id, err := s.Store(nil)
		require.NoError(t, err)
		got, err := s.Get(id)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := s.Get(ID("00000000000000000000000000000000"))
		assert.ErrorIs(t, err, ErrContentNotFound)
	})
}

func TestDeduplication(t *testing.T) {
	s, f, _ := setupTestSafe(t)

	content := bytes.Repeat([]byte{42}, 5000)
	id1, err := s.Store(content)
	require.NoError(t, err)
	size := f.Stats().Size

	id2, err := s.Store(append([]byte(nil), content...))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, size, f.Stats().Size, "storing identical content must not grow the file")
	assert.Equal(t, 1, s.Len())
}

func TestGetReturnsPrivateCopy(t *testing.T) {
	s, _, _ := setupTestSafe(t)
	id, err := s.Store([]byte("abc"))
	require.NoError(t, err)

	got, err := s.Get(id)
	require.NoError(t, err)
	got[0] = 'z'

	again, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestIndexRestoreAcrossReopen(t *testing.T) {
	s, f, path := setupTestSafe(t)
	id, err := s.Store([]byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, f.Commit(0))
	s.Commit()
	index := s.Index()
	require.NoError(t, f.Close())

	f2, err := paged.Open(path, paged.Options{})
	require.NoError(t, err)
	defer f2.Close()
	s2, err := New(f2, Options{})
	require.NoError(t, err)
	s2.Restore(index)

	assert.True(t, s2.Exists(id))
	got, err := s2.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	s, f, path := setupTestSafe(t)
	id, err := s.Store([]byte("some bytes that matter"))
	require.NoError(t, err)
	require.NoError(t, f.Commit(0))
	rec := s.Index()[id]
	require.NoError(t, f.Close())

	raw, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = raw.WriteAt([]byte("!"), int64(rec)+20)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	f2, err := paged.Open(path, paged.Options{})
	require.NoError(t, err)
	defer f2.Close()
	s2, err := New(f2, Options{})
	require.NoError(t, err)
	s2.Restore(map[ID]paged.RecordID{id: rec})

	err = s2.Verify(id)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, lherrors.ErrStorageCorruption))
}

func TestCollect(t *testing.T) {
	s, f, _ := setupTestSafe(t)
	keep, err := s.Store([]byte("keep"))
	require.NoError(t, err)
	drop, err := s.Store([]byte("drop"))
	require.NoError(t, err)
	require.NoError(t, f.Commit(0))
	s.Commit()

	n, err := s.Collect(map[ID]struct{}{keep: {}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, s.Exists(keep))
	assert.False(t, s.Exists(drop))
}

func TestRollback(t *testing.T) {
	s, f, _ := setupTestSafe(t)
	kept, err := s.Store([]byte("kept"))
	require.NoError(t, err)
	require.NoError(t, f.Commit(0))
	s.Commit()

	added, err := s.Store([]byte("added"))
	require.NoError(t, err)
	_, err = s.Collect(map[ID]struct{}{added: {}})
	require.NoError(t, err)
	assert.False(t, s.Exists(kept))

	f.Rollback()
	s.Rollback()

	assert.True(t, s.Exists(kept))
	assert.False(t, s.Exists(added))
	got, err := s.Get(kept)
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), got)
}

func TestShouldCompress(t *testing.T) {
	cm, err := newCompressionManager(DefaultCompressionOptions())
	require.NoError(t, err)

	tests := []struct {
		name string
		file string
		size int
		want bool
	}{
		{"below min size", "a.txt", 100, false},
		{"text", "a.txt", 4096, true},
		{"already compressed", "a.zip", 4096, false},
		{"upper case extension", "IMG.PNG", 4096, false},
		{"no name", "", 4096, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cm.shouldCompress(tt.file, tt.size))
		})
	}
}
