package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstrumentedBackend_Write(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	err = ib.Write(ctx, "test.png", strings.NewReader("hello world"))
	require.NoError(t, err)
}

func TestInstrumentedBackend_Read_CountsBytes(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	content := "hello, instrumented backend"
	require.NoError(t, ib.Write(ctx, "test.png", strings.NewReader(content)))

	rc, err := ib.Read(ctx, "test.png")
	require.NoError(t, err)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, content, string(got))
	require.NoError(t, rc.Close())
}

func TestInstrumentedBackend_Read_NotFound(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	_, err = ib.Read(ctx, "nonexistent.png")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedBackend_Exists(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	exists, err := ib.Exists(ctx, "missing.png")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, ib.Write(ctx, "present.png", strings.NewReader("data")))
	exists, err = ib.Exists(ctx, "present.png")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestInstrumentedBackend_Delete(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "del.png", strings.NewReader("bye")))
	require.NoError(t, ib.Delete(ctx, "del.png"))

	exists, err := ib.Exists(ctx, "del.png")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestInstrumentedBackend_List(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "list-a.png", strings.NewReader("a")))
	require.NoError(t, ib.Write(ctx, "list-b.png", strings.NewReader("b")))

	keys, err := ib.List(ctx, "list-")
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestInstrumentedBackend_Unwrap(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	require.Same(t, fs, ib.Unwrap())
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "not_found", outcomeFromError(fmt.Errorf("wrap: %w", ErrNotFound)))
	require.Equal(t, "error", outcomeFromError(errors.New("some other error")))
}
