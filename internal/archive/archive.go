// Package archive defines the Backend interface and common types for chain
// snapshot archive backends.
//
// New backends are added by implementing the Backend interface and registering
// with the factory via an init() function in the backend's own package:
//
//	func init() {
//	    archive.Register("mybackend", func(cfg *config.ArchiveConfig) (archive.Backend, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// The main package imports each backend with a blank import to trigger init().
// This means adding a new backend requires no changes to the factory or main
// package, only a blank import in cmd/server/main.go.
package archive

import (
	"context"
	"io"
	"time"
)

// Backend is the write-mostly object store snapshots are exported to.
// Snapshots are immutable once written, so there is no delete operation.
type Backend interface {
	// Put stores an object and returns its size and checksum.
	Put(ctx context.Context, key string, reader io.Reader) (*PutResult, error)

	// Get retrieves an object for reading.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if an object exists at the specified key.
	Exists(ctx context.Context, key string) (bool, error)
}

// PutResult contains information about a stored object
type PutResult struct {
	// Key is the object key the data was stored under
	Key string

	// Size is the object size in bytes
	Size int64

	// Checksum is the SHA256 hash of the object contents
	Checksum string
}

// ObjectInfo contains metadata about a stored object
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}
