package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPut_WritesUnderBaseDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(dir, zap.NewNop())
	require.NoError(t, err)

	ref, err := store.Put(context.Background(), "demo-series/chapter_1/001.jpg", "image/jpeg", []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, "demo-series/chapter_1/001.jpg", ref)

	data, err := os.ReadFile(filepath.Join(dir, "demo-series", "chapter_1", "001.jpg"))
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
}

func TestPut_OverwritesExisting(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(dir, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.Put(ctx, "a/001.jpg", "image/jpeg", []byte("old"))
	require.NoError(t, err)
	_, err = store.Put(ctx, "a/001.jpg", "image/jpeg", []byte("new"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "a", "001.jpg"))
	require.NoError(t, err)
	require.Equal(t, []byte("new"), data)
}

func TestPut_RejectsEscapingKeys(t *testing.T) {
	t.Parallel()

	store, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	for _, key := range []string{"../outside.jpg", "a/../../outside.jpg", "/etc/passwd", ""} {
		_, err := store.Put(ctx, key, "image/jpeg", []byte("x"))
		require.Error(t, err, "key %q", key)
	}
}

func TestNew_RequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New("", zap.NewNop())
	require.Error(t, err)
}
