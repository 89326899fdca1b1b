package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// LocalBackend keeps archived files under a directory, typically a mounted
// volume separate from the input tree
type LocalBackend struct {
	dir    string
	logger zerolog.Logger
}

// NewLocalBackend creates dir if needed and stores objects beneath it
func NewLocalBackend(dir string, logger zerolog.Logger) (*LocalBackend, error) {
	if dir == "" {
		return nil, errors.New("archive.local_path is required for the local backend")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &LocalBackend{
		dir:    abs,
		logger: logger.With().Str("component", "local-storage").Logger(),
	}, nil
}

// Put copies r into a hidden temp file beside the target and renames it over
// the target once synced, so readers never observe a partial archive.
func (b *LocalBackend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	target, err := b.resolve(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".logfeed-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if size > 0 && n != size {
		return fmt.Errorf("short write for %s: copied %d of %d bytes", key, n, size)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", key, err)
	}

	b.logger.Debug().Str("key", key).Int64("size", n).Msg("Stored object")
	return nil
}

// Exists reports whether key is present as a regular file
func (b *LocalBackend) Exists(ctx context.Context, key string) (bool, error) {
	target, err := b.resolve(key)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(target)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return info.Mode().IsRegular(), nil
}

func (b *LocalBackend) Close() error { return nil }

func (b *LocalBackend) Type() string { return "local" }

// resolve maps an object key to a path under the backend directory. Keys
// that would land outside it are rejected.
func (b *LocalBackend) resolve(key string) (string, error) {
	key = strings.TrimPrefix(filepath.FromSlash(key), string(filepath.Separator))
	if key == "" || strings.ContainsRune(key, 0) {
		return "", fmt.Errorf("invalid object key %q", key)
	}

	target := filepath.Join(b.dir, key)
	rel, err := filepath.Rel(b.dir, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("object key %q escapes %s", key, b.dir)
	}
	return target, nil
}
