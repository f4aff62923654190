// Package local implements the local filesystem archive backend. This backend
// is intended for development and single-node deployments only — multiple
// console instances would need access to the same filesystem, e.g. via NFS.
// For production, use the s3 backend.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/admin-console/admin-console/internal/archive"
	"github.com/admin-console/admin-console/internal/config"
)

func init() {
	// Register local archive backend
	archive.Register("local", func(cfg *config.ArchiveConfig) (archive.Backend, error) {
		return New(&cfg.Local)
	})
}

// LocalBackend implements the Backend interface for local filesystem storage
type LocalBackend struct {
	basePath string
}

// New creates a new local filesystem archive backend
func New(cfg *config.LocalArchiveConfig) (*LocalBackend, error) {
	// Ensure base path exists
	if err := os.MkdirAll(cfg.BasePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &LocalBackend{basePath: cfg.BasePath}, nil
}

// Put stores an object in the local filesystem
func (b *LocalBackend) Put(ctx context.Context, key string, reader io.Reader) (*archive.PutResult, error) {
	fullPath := filepath.Join(b.basePath, filepath.FromSlash(key))

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(fullPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	// Calculate checksum while writing
	hasher := sha256.New()
	multiWriter := io.MultiWriter(file, hasher)

	written, err := io.Copy(multiWriter, reader)
	if err != nil {
		// Clean up partial file
		_ = os.Remove(fullPath)
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	return &archive.PutResult{
		Key:      key,
		Size:     written,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Get retrieves an object from the local filesystem
func (b *LocalBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	fullPath := filepath.Join(b.basePath, filepath.FromSlash(key))

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object not found: %s", key)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return file, nil
}

// Exists checks if an object exists at the specified key
func (b *LocalBackend) Exists(ctx context.Context, key string) (bool, error) {
	fullPath := filepath.Join(b.basePath, filepath.FromSlash(key))

	_, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}

	return true, nil
}
