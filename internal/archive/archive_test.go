package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/basekick-labs/logfeed/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLocalArchiverMovesFile(t *testing.T) {
	root := t.TempDir()
	subdir := filepath.Join(root, "sensorA")
	src := filepath.Join(subdir, "a.log")
	writeFile(t, src, "line\n")

	a := NewLocalArchiver(".old", zerolog.Nop())
	require.NoError(t, a.Archive(context.Background(), subdir, src))

	assert.NoFileExists(t, src)
	got, err := os.ReadFile(filepath.Join(subdir, ".old", "a.log"))
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(got))
	assert.Equal(t, filepath.Join(subdir, ".old", "a.log"), a.Target(subdir, src))
}

func TestLocalArchiverReplacesPreviousArchive(t *testing.T) {
	subdir := t.TempDir()
	writeFile(t, filepath.Join(subdir, ".old", "a.log"), "old\n")
	src := filepath.Join(subdir, "a.log")
	writeFile(t, src, "new\n")

	a := NewLocalArchiver("", zerolog.Nop())
	require.NoError(t, a.Archive(context.Background(), subdir, src))

	got, err := os.ReadFile(filepath.Join(subdir, DefaultSuffix, "a.log"))
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(got))
}

func TestLocalArchiverCrossDeviceFallback(t *testing.T) {
	subdir := t.TempDir()
	src := filepath.Join(subdir, "a.log")
	writeFile(t, src, "payload\n")

	a := NewLocalArchiver(".old", zerolog.Nop())
	calls := 0
	a.rename = func(oldpath, newpath string) error {
		calls++
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EXDEV}
	}

	require.NoError(t, a.Archive(context.Background(), subdir, src))
	assert.Equal(t, 1, calls)
	assert.NoFileExists(t, src)

	got, err := os.ReadFile(filepath.Join(subdir, ".old", "a.log"))
	require.NoError(t, err)
	assert.Equal(t, "payload\n", string(got))

	entries, err := os.ReadDir(filepath.Join(subdir, ".old"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLocalArchiverRenameError(t *testing.T) {
	subdir := t.TempDir()
	src := filepath.Join(subdir, "a.log")
	writeFile(t, src, "x")

	a := NewLocalArchiver(".old", zerolog.Nop())
	a.rename = func(string, string) error { return os.ErrPermission }

	err := a.Archive(context.Background(), subdir, src)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.FileExists(t, src)
}

func TestArchiveCancelledContext(t *testing.T) {
	subdir := t.TempDir()
	src := filepath.Join(subdir, "a.log")
	writeFile(t, src, "x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewLocalArchiver(".old", zerolog.Nop())
	assert.ErrorIs(t, a.Archive(ctx, subdir, src), context.Canceled)
	assert.FileExists(t, src)
}

func TestObjectArchiverUploadsThenRemoves(t *testing.T) {
	root := t.TempDir()
	subdir := filepath.Join(root, "sensorA")
	src := filepath.Join(subdir, "a.log")
	writeFile(t, src, "payload\n")

	store := t.TempDir()
	backend, err := storage.NewLocalBackend(store, zerolog.Nop())
	require.NoError(t, err)

	a := NewObjectArchiver(backend, root, "archive", ".old", zerolog.Nop())
	assert.Equal(t, "archive/sensorA/.old/a.log", a.Key(subdir, src))

	require.NoError(t, a.Archive(context.Background(), subdir, src))
	assert.NoFileExists(t, src)

	got, err := os.ReadFile(filepath.Join(store, "archive", "sensorA", ".old", "a.log"))
	require.NoError(t, err)
	assert.Equal(t, "payload\n", string(got))
}

func TestObjectArchiverReplacesExistingObject(t *testing.T) {
	root := t.TempDir()
	subdir := filepath.Join(root, "sensorA")
	src := filepath.Join(subdir, "a.log")
	store := t.TempDir()
	writeFile(t, filepath.Join(store, "sensorA", ".old", "a.log"), "first\n")
	writeFile(t, src, "second\n")

	backend, err := storage.NewLocalBackend(store, zerolog.Nop())
	require.NoError(t, err)

	var logs bytes.Buffer
	a := NewObjectArchiver(backend, root, "", ".old", zerolog.New(&logs))
	require.NoError(t, a.Archive(context.Background(), subdir, src))

	got, err := os.ReadFile(filepath.Join(store, "sensorA", ".old", "a.log"))
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(got))
	assert.Contains(t, logs.String(), "Replacing previously archived object")
}

type failingBackend struct {
	storage.Backend
	existsErr error
}

func (b failingBackend) Exists(ctx context.Context, key string) (bool, error) {
	return false, b.existsErr
}

func (failingBackend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	return errors.New("bucket unavailable")
}

func (failingBackend) Type() string { return "s3" }

func TestObjectArchiverKeepsSourceWhenExistsFails(t *testing.T) {
	root := t.TempDir()
	subdir := filepath.Join(root, "sensorA")
	src := filepath.Join(subdir, "a.log")
	writeFile(t, src, "payload\n")

	a := NewObjectArchiver(failingBackend{existsErr: errors.New("access denied")}, root, "", ".old", zerolog.Nop())
	err := a.Archive(context.Background(), subdir, src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.FileExists(t, src)
}

func TestObjectArchiverKeepsSourceOnUploadFailure(t *testing.T) {
	root := t.TempDir()
	subdir := filepath.Join(root, "sensorA")
	src := filepath.Join(subdir, "a.log")
	writeFile(t, src, "payload\n")

	a := NewObjectArchiver(failingBackend{}, root, "", ".old", zerolog.Nop())
	err := a.Archive(context.Background(), subdir, src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket unavailable")

	got, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.True(t, bytes.Equal([]byte("payload\n"), got))
}
