// Package storage provides archive targets for processed input files.
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// ContentType is attached to archived log objects on remote stores
const ContentType = "application/x-ndjson"

// Backend is an object store that archived files are uploaded to
type Backend interface {
	// Put stores size bytes from r under key, replacing any existing object
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Exists reports whether an object is already stored under key
	Exists(ctx context.Context, key string) (bool, error)

	Close() error

	// Type returns "local", "s3" or "azure"
	Type() string
}

// Config selects and configures a backend
type Config struct {
	Backend   string // "local", "s3" or "azure"
	LocalPath string
	S3        S3Config
	Azure     AzureBlobConfig
}

// New creates the backend named by cfg.Backend
func New(cfg *Config, logger zerolog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "local":
		return NewLocalBackend(cfg.LocalPath, logger)
	case "s3", "minio":
		return NewS3Backend(&cfg.S3, logger)
	case "azure":
		return NewAzureBlobBackend(&cfg.Azure, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
