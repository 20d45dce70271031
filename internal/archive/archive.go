// Package archive persists accepted algorithm script versions as blobs so
// any prior version can be recovered and re-submitted. The abstraction
// keeps the service independent of a specific backend (Google Cloud
// Storage in production, in-memory for development and tests).
package archive

import "context"

// Provider defines the common interface for a script archive backend.
type Provider interface {
	// Save uploads data to a specified object path/key in the archive.
	Save(ctx context.Context, objectName string, data []byte) error
}

// NoOpProvider discards archived scripts. It is useful for running the
// service without a configured archive.
type NoOpProvider struct{}

// Save for NoOpProvider does nothing and always returns nil.
func (NoOpProvider) Save(_ context.Context, _ string, _ []byte) error {
	return nil
}
