// factory.go implements the archive backend registry and factory, mapping
// backend type strings (local, s3) to constructor functions and dispatching
// NewBackend calls.
package archive

import (
	"fmt"

	"github.com/admin-console/admin-console/internal/config"
)

// FactoryFunc creates an archive backend from configuration
type FactoryFunc func(*config.ArchiveConfig) (Backend, error)

var factories = make(map[string]FactoryFunc)

// Register registers an archive backend factory
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// NewBackend creates an archive backend based on configuration
func NewBackend(cfg *config.ArchiveConfig) (Backend, error) {
	factory, ok := factories[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("unsupported archive backend: %s (must be 'local' or 's3')", cfg.Backend)
	}

	return factory(cfg)
}
