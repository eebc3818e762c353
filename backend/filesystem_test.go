package backend

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFilesystem(t *testing.T) {
	tmpDir := t.TempDir()
	root := filepath.Join(tmpDir, "objects")

	fs, err := NewFilesystem(root)
	require.NoError(t, err)

	require.Equal(t, root, fs.Root())

	// Check directory was created
	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystemWriteRead(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	key := "lvl1.png"
	data := []byte("not really a png")

	// Write
	err := fs.Write(ctx, key, bytes.NewReader(data))
	require.NoError(t, err)

	// Read
	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)

	require.Equal(t, data, got)
}

func TestFilesystemReadNotFound(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()

	_, err := fs.Read(ctx, "nonexistent.png")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemExists(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	key := "probe.jpg"

	// Before write
	exists, err := fs.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	// Write
	err = fs.Write(ctx, key, bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	// After write
	exists, err = fs.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestFilesystemDelete(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	key := "victim.gif"

	// Write
	err := fs.Write(ctx, key, bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	// Delete
	err = fs.Delete(ctx, key)
	require.NoError(t, err)

	// Verify deleted
	exists, _ := fs.Exists(ctx, key)
	require.False(t, exists)

	// Delete nonexistent should not error (idempotent)
	err = fs.Delete(ctx, "nonexistent.gif")
	require.NoError(t, err)
}

func TestFilesystemList(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()

	keys := []string{
		"apple.png",
		"banana.jpg",
		"banana.png",
		"cherry.gif",
	}
	for _, key := range keys {
		err := fs.Write(ctx, key, bytes.NewReader([]byte("data")))
		require.NoError(t, err)
	}

	// List all, sorted
	all, err := fs.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, keys, all)

	// List with prefix
	bananas, err := fs.List(ctx, "banana")
	require.NoError(t, err)
	require.Equal(t, []string{"banana.jpg", "banana.png"}, bananas)
}

func TestFilesystemListSkipsTempFiles(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "real.png", bytes.NewReader([]byte("data"))))

	// Leftover temp file from an interrupted write
	leftover := filepath.Join(fs.Root(), ".tmp-leftover")
	require.NoError(t, os.WriteFile(leftover, []byte("partial"), 0644))

	all, err := fs.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"real.png"}, all)
}

func TestFilesystemOverwrite(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	key := "overwrite.bmp"

	// Write initial
	err := fs.Write(ctx, key, bytes.NewReader([]byte("initial")))
	require.NoError(t, err)

	// Overwrite
	newData := []byte("new content that is longer")
	err = fs.Write(ctx, key, bytes.NewReader(newData))
	require.NoError(t, err)

	// Verify overwrite
	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, _ := io.ReadAll(rc)
	require.Equal(t, newData, got)
}

func TestFilesystemFailedWriteLeavesNoObject(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	key := "broken.png"

	err := fs.Write(ctx, key, &failingReader{})
	require.Error(t, err)

	// Neither the object nor a temp file should remain
	exists, err := fs.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	all, err := fs.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, all)
}

// Helper functions

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}

type failingReader struct{}

func (r *failingReader) Read([]byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}
