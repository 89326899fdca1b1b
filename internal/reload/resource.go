// Package reload caches a value derived from a file and re-derives it only
// when the file's fingerprint (modification time and size) changes.
package reload

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Loader derives a value from the file at path
type Loader[T any] func(path string) (T, error)

// Fingerprint identifies one version of a file on disk
type Fingerprint struct {
	ModTime time.Time
	Size    int64
}

// Equal reports whether two fingerprints describe the same file version
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.ModTime.Equal(other.ModTime) && f.Size == other.Size
}

// LoadError is returned when the file cannot be loaded and no previous value exists
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// ErrNoValue is returned by Peek when nothing was loaded yet
var ErrNoValue = errors.New("no value loaded")

// Resource is a file-backed value that is swapped wholesale on change
type Resource[T any] struct {
	path   string
	load   Loader[T]
	stat   func(string) (os.FileInfo, error)
	logger zerolog.Logger

	mu          sync.Mutex
	value       T
	loaded      bool
	fingerprint Fingerprint
	reloads     int
}

// New creates a resource for path. Nothing is read until Get is called.
func New[T any](path string, load Loader[T], logger zerolog.Logger) *Resource[T] {
	return &Resource[T]{
		path:   path,
		load:   load,
		stat:   os.Stat,
		logger: logger.With().Str("component", "reload").Str("path", path).Logger(),
	}
}

// Get returns the current value, re-running the loader when the file changed.
// A failed reload keeps the previous value and only logs a warning; without a
// previous value the failure is returned as *LoadError.
func (r *Resource[T]) Get() (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := r.stat(r.path)
	if err != nil {
		return r.fallback(err)
	}

	current := Fingerprint{ModTime: info.ModTime(), Size: info.Size()}
	if r.loaded && current.Equal(r.fingerprint) {
		return r.value, nil
	}

	r.logger.Info().Msg("Reloading as file changed")

	value, err := r.load(r.path)
	if err != nil {
		return r.fallback(err)
	}

	r.value = value
	r.fingerprint = current
	r.loaded = true
	r.reloads++

	return r.value, nil
}

func (r *Resource[T]) fallback(err error) (T, error) {
	if !r.loaded {
		var zero T
		return zero, &LoadError{Path: r.path, Err: err}
	}

	r.logger.Warn().Err(err).Msg("Failed to reload, going on with the previous value")
	return r.value, nil
}

// Peek returns the cached value without touching the file
func (r *Resource[T]) Peek() (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded {
		var zero T
		return zero, ErrNoValue
	}
	return r.value, nil
}

// Reloads returns the number of successful loads so far
func (r *Resource[T]) Reloads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloads
}

// Fingerprint returns the fingerprint of the last successful load
func (r *Resource[T]) Fingerprint() Fingerprint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fingerprint
}
