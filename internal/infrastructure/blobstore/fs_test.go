package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := store.Put(ctx, "sepolia/abc.json", []byte(`{"v":1}`))
	require.NoError(t, err)
	assert.Equal(t, "sepolia/abc.json", ref)

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(got))

	entries, err := os.ReadDir(filepath.Join(store.root, "sepolia"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary file must not be left behind")
}

func TestPutRefusesOverwrite(t *testing.T) {
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "a.json", []byte("one"))
	require.NoError(t, err)
	_, err = store.Put(context.Background(), "a.json", []byte("two"))
	require.Error(t, err)

	got, err := store.Get(context.Background(), "a.json")
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))
}

func TestRejectsKeysOutsideRoot(t *testing.T) {
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "../escape.json", "/etc/passwd", "a/../../b"} {
		_, err := store.Put(context.Background(), key, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestGetMissing(t *testing.T) {
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "missing.json")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
