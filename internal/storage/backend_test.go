package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestLocalBackend_PutAndExists(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewLocalBackend(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create LocalBackend: %v", err)
	}
	defer backend.Close()

	ctx := context.Background()
	key := "sensorA/.old/a.log"

	exists, err := backend.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("expected key to be absent before Put")
	}

	data := []byte(`{"h":"temp","t":"room1","d":"2023-01-01T00:00:00Z","v":"21.5"}` + "\n")
	if err := backend.Put(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "sensorA", ".old", "a.log"))
	if err != nil {
		t.Fatalf("archived file missing: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("archived data = %q, want %q", got, data)
	}
	if exists, _ := backend.Exists(ctx, key); !exists {
		t.Error("expected key to exist after Put")
	}
	if exists, _ := backend.Exists(ctx, "sensorA"); exists {
		t.Error("a directory must not count as an object")
	}
}

func TestLocalBackend_PutReplacesWithoutTempFiles(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewLocalBackend(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create LocalBackend: %v", err)
	}
	ctx := context.Background()

	for _, content := range []string{"first", "second"} {
		if err := backend.Put(ctx, "x/y.log", bytes.NewReader([]byte(content)), int64(len(content))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	got, _ := os.ReadFile(filepath.Join(dir, "x", "y.log"))
	if string(got) != "second" {
		t.Errorf("archived data = %q, want %q", got, "second")
	}
	entries, _ := os.ReadDir(filepath.Join(dir, "x"))
	if len(entries) != 1 {
		t.Errorf("expected no temp files left behind, got %d entries", len(entries))
	}
}

func TestLocalBackend_ShortWrite(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewLocalBackend(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create LocalBackend: %v", err)
	}

	if err := backend.Put(context.Background(), "a.log", bytes.NewReader([]byte("abc")), 10); err == nil {
		t.Fatal("expected error when fewer bytes than size are copied")
	}
	if _, err := os.Stat(filepath.Join(dir, "a.log")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("partial object must not be published, stat err = %v", err)
	}
}

func TestLocalBackend_CancelledContext(t *testing.T) {
	backend, err := NewLocalBackend(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create LocalBackend: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := backend.Put(ctx, "a.log", bytes.NewReader(nil), 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Put error = %v, want context.Canceled", err)
	}
}

func TestLocalBackend_Resolve(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewLocalBackend(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create LocalBackend: %v", err)
	}

	for _, key := range []string{"../escape.log", "a/../../escape.log", "", "/", "a\x00b"} {
		if _, err := backend.resolve(key); err == nil {
			t.Errorf("resolve(%q) should be rejected", key)
		}
	}

	full, err := backend.resolve("/sensorA/.old/a.log")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Join(backend.dir, "sensorA", ".old", "a.log")
	if full != want {
		t.Errorf("resolve = %q, want %q", full, want)
	}
}

func TestS3Endpoint(t *testing.T) {
	tests := []struct {
		cfg  S3Config
		want string
	}{
		{S3Config{}, ""},
		{S3Config{Endpoint: "localhost:9000"}, "http://localhost:9000"},
		{S3Config{Endpoint: "minio.internal", UseSSL: true}, "https://minio.internal"},
		{S3Config{Endpoint: "https://s3.example.com"}, "https://s3.example.com"},
	}
	for _, tt := range tests {
		if got := s3Endpoint(&tt.cfg); got != tt.want {
			t.Errorf("s3Endpoint(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}

func TestNewBackend(t *testing.T) {
	b, err := New(&Config{Backend: "local", LocalPath: t.TempDir()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New(local) failed: %v", err)
	}
	if b.Type() != "local" {
		t.Errorf("Type() = %q, want local", b.Type())
	}

	if _, err := New(&Config{Backend: "local"}, zerolog.Nop()); err == nil {
		t.Error("expected error for local backend without a path")
	}
	if _, err := New(&Config{Backend: "ftp"}, zerolog.Nop()); err == nil {
		t.Error("expected error for unknown backend")
	}
	if _, err := New(&Config{Backend: "s3"}, zerolog.Nop()); err == nil {
		t.Error("expected error for S3 without bucket")
	}
	if _, err := New(&Config{Backend: "azure", Azure: AzureBlobConfig{ContainerName: "c"}}, zerolog.Nop()); err == nil {
		t.Error("expected error for Azure without credentials")
	}
}
