package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSPutGetRoundTrip(t *testing.T) {
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("attempt log line one\nline two\n")
	ref, err := store.Put(ctx, data, KindLog)
	require.NoError(t, err)
	assert.Equal(t, HashBytes(data), ref.SHA256)
	assert.Equal(t, KindLog, ref.Kind)
	assert.Equal(t, int64(len(data)), ref.Size)
	assert.Contains(t, ref.URI, "file://")

	got, err := store.Get(ctx, ref.SHA256)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := store.Exists(ctx, ref.SHA256)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFSShardLayout(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFS(dir)
	require.NoError(t, err)

	data := []byte("sharded")
	ref, err := store.Put(context.Background(), data, KindDiff)
	require.NoError(t, err)

	path := filepath.Join(dir, ref.SHA256[:2], ref.SHA256)
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Join(dir, ref.SHA256[:2]))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFSPutDeduplicates(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFS(dir)
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("same bytes")
	first, err := store.Put(ctx, data, KindTestOutput)
	require.NoError(t, err)

	path := filepath.Join(dir, first.SHA256[:2], first.SHA256)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, past, past))

	second, err := store.Put(ctx, data, KindTestOutput)
	require.NoError(t, err)
	assert.Equal(t, first.SHA256, second.SHA256)
	// The second put kept the existing object rather than rewriting it.
	assert.WithinDuration(t, past, second.CreatedAt, 2*time.Second)
}

func TestFSGetNotFound(t *testing.T) {
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), HashBytes([]byte("never stored")))
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.Get(context.Background(), "x")
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := store.Exists(context.Background(), HashBytes([]byte("never stored")))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHashBytes(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashBytes(nil))
	assert.Len(t, HashBytes([]byte("x")), 64)
}
