package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"jutjub/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_WriteReadStatDelete(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, "http://localhost:8080/files")
	ctx := context.Background()

	loc, err := store.Write(ctx, "videos/a.mp4", bytes.NewReader([]byte("payload")))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "videos", "a.mp4"), loc.Path)
	assert.Equal(t, "http://localhost:8080/files/videos/a.mp4", loc.URL)

	_, err = os.Stat(loc.Path + tempSuffix)
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")

	info, err := store.Stat(ctx, "videos/a.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.Size)

	rc, err := store.Read(ctx, "videos/a.mp4")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	head, err := storage.ReadHead(ctx, store, "videos/a.mp4", 4)
	require.NoError(t, err)
	assert.Equal(t, "payl", string(head))

	require.NoError(t, store.Delete(ctx, "videos/a.mp4"))
	_, err = store.Stat(ctx, "videos/a.mp4")
	assert.True(t, errors.Is(err, storage.ErrNotExist))

	// 删除不存在的对象不是错误
	assert.NoError(t, store.Delete(ctx, "videos/a.mp4"))
}

func TestStore_RejectsEscapingKeys(t *testing.T) {
	store := New(t.TempDir(), "")

	for _, key := range []string{"../escape.mp4", "/etc/passwd", "", "."} {
		_, err := store.Write(context.Background(), key, bytes.NewReader([]byte("x")))
		assert.Error(t, err, key)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestStore_WriteFailureLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, "")

	_, err := store.Write(context.Background(), "videos/broken.mp4", failingReader{})
	require.Error(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "videos"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_WriteHonorsCancellation(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, "")

	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte("first chunk"))
		cancel()
		_, _ = pw.Write([]byte("second chunk"))
		pw.Close()
	}()

	_, err := store.Write(ctx, "videos/cancelled.mp4", pr)
	pr.Close()
	require.Error(t, err)

	_, statErr := store.Stat(context.Background(), "videos/cancelled.mp4")
	assert.True(t, errors.Is(statErr, storage.ErrNotExist))
	_, tmpErr := os.Stat(filepath.Join(dir, "videos", "cancelled.mp4"+tempSuffix))
	assert.True(t, os.IsNotExist(tmpErr))
}
