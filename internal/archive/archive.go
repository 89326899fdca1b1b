// Package archive moves fully forwarded input files out of the input tree.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"syscall"

	"github.com/basekick-labs/logfeed/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultSuffix is the archive directory created inside each subdirectory
const DefaultSuffix = ".old"

// Archiver takes ownership of a processed file
type Archiver interface {
	// Archive moves the file at path, found in subdirectory subdir, to its archive location
	Archive(ctx context.Context, subdir, path string) error
}

// LocalArchiver renames files into <subdir>/<suffix>/<name>
type LocalArchiver struct {
	suffix string
	logger zerolog.Logger

	rename func(oldpath, newpath string) error
}

// NewLocalArchiver creates an archiver that moves files within the filesystem
func NewLocalArchiver(suffix string, logger zerolog.Logger) *LocalArchiver {
	if suffix == "" {
		suffix = DefaultSuffix
	}
	return &LocalArchiver{
		suffix: suffix,
		logger: logger.With().Str("component", "archiver").Logger(),
		rename: os.Rename,
	}
}

// Target returns the archive path for a file in subdir
func (a *LocalArchiver) Target(subdir, path string) string {
	return filepath.Join(subdir, a.suffix, filepath.Base(path))
}

// Archive moves path into the archive directory, replacing any previous file of the same name
func (a *LocalArchiver) Archive(ctx context.Context, subdir, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Join(subdir, a.suffix)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	target := filepath.Join(dir, filepath.Base(path))
	err := a.rename(path, target)
	if errors.Is(err, syscall.EXDEV) {
		a.logger.Debug().Str("file", path).Msg("Archive directory on another device, copying")
		err = copyAcross(path, target)
	}
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", path, err)
	}

	a.logger.Debug().Str("file", path).Str("archived_to", target).Msg("File archived")
	return nil
}

// copyAcross copies src next to dst, syncs and renames it, then removes src
func copyAcross(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".logfeed-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	_, err = io.Copy(tmp, in)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpPath, dst)
	}
	if err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Remove(src)
}

// ObjectArchiver uploads files to a storage backend and then removes them locally.
// A crash between both steps leaves the source in place; the next run
// re-processes it and overwrites the same object key.
type ObjectArchiver struct {
	backend storage.Backend
	root    string
	prefix  string
	suffix  string
	logger  zerolog.Logger
}

// NewObjectArchiver creates an archiver writing to <prefix>/<subdir>/<suffix>/<name> keys.
// root is the input tree root the subdir names are relative to.
func NewObjectArchiver(backend storage.Backend, root, prefix, suffix string, logger zerolog.Logger) *ObjectArchiver {
	if suffix == "" {
		suffix = DefaultSuffix
	}
	return &ObjectArchiver{
		backend: backend,
		root:    root,
		prefix:  prefix,
		suffix:  suffix,
		logger:  logger.With().Str("component", "archiver").Str("backend", backend.Type()).Logger(),
	}
}

// Key returns the object key for a file in subdir
func (a *ObjectArchiver) Key(subdir, file string) string {
	rel, err := filepath.Rel(a.root, subdir)
	if err != nil || rel == "." {
		rel = filepath.Base(subdir)
	}
	return path.Join(a.prefix, filepath.ToSlash(rel), a.suffix, filepath.Base(file))
}

// Archive uploads the file and removes it once the upload succeeded
func (a *ObjectArchiver) Archive(ctx context.Context, subdir, file string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", file, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat %s: %w", file, err)
	}

	key := a.Key(subdir, file)
	exists, err := a.backend.Exists(ctx, key)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to check archive key %s: %w", key, err)
	}
	if exists {
		a.logger.Warn().Str("file", file).Str("key", key).Msg("Replacing previously archived object")
	}

	err = a.backend.Put(ctx, key, f, info.Size())
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", file, err)
	}

	if err := os.Remove(file); err != nil {
		return fmt.Errorf("uploaded %s but failed to remove it: %w", file, err)
	}

	a.logger.Debug().Str("file", file).Str("key", key).Msg("File archived")
	return nil
}
