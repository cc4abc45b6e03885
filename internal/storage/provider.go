// Package storage defines the corpus file-system abstraction.
package storage

import "github.com/starford/concord/internal/models"

// Provider is the interface for corpus file operations. Paths are relative to
// the corpus root and use forward slashes.
type Provider interface {
	// Ext is the source file extension the provider lists, including the dot.
	Ext() string
	// List returns metadata for every source file under dir.
	List(dir string) ([]models.DocumentMetadata, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically writes content to path.
	Write(path string, content []byte) error
	// Delete removes the file at path.
	Delete(path string) error
	// Move renames oldPath to newPath.
	Move(oldPath, newPath string) error
}
