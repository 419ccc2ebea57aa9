// Package storage archives uploaded statement files, keyed by content checksum.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
)

// ErrNotFound is returned when no file is archived under a checksum.
var ErrNotFound = errors.New("archived file not found")

// ErrInvalidChecksum is returned for keys that are not "sha256:<hex>".
var ErrInvalidChecksum = errors.New("invalid checksum")

// FileInfo contains metadata about an archived file
type FileInfo struct {
	Checksum    string    `json:"checksum"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	Path        string    `json:"path"` // Internal storage path
	CreatedAt   time.Time `json:"created_at"`
}

// Storage defines the interface for statement archive operations
type Storage interface {
	// Archive stores a file under its checksum. Archiving the same
	// checksum again keeps the first copy and returns its metadata.
	Archive(ctx context.Context, checksum, filename, contentType string, r io.Reader) (*FileInfo, error)

	// Open returns a reader for an archived file
	Open(ctx context.Context, checksum string) (io.ReadCloser, *FileInfo, error)

	// Stat returns metadata without opening the file
	Stat(ctx context.Context, checksum string) (*FileInfo, error)

	// Delete removes an archived file
	Delete(ctx context.Context, checksum string) error

	// List returns every archived file
	List(ctx context.Context) ([]*FileInfo, error)
}

// StorageType identifies the storage backend
type StorageType string

const (
	StorageTypeLocal StorageType = "local"
	StorageTypeNone  StorageType = "none"
)

// Config holds storage configuration
type Config struct {
	Type      StorageType
	LocalPath string
}

// New creates a Storage based on configuration. StorageTypeNone yields a
// nil Storage, which disables archiving.
func New(cfg *Config) (Storage, error) {
	switch cfg.Type {
	case StorageTypeNone:
		return nil, nil
	case StorageTypeLocal, "":
		s, err := NewLocalStorage(cfg.LocalPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
}

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

// digestOf validates a "sha256:<hex>" checksum and returns the hex part.
func digestOf(checksum string) (string, error) {
	digest, ok := strings.CutPrefix(checksum, "sha256:")
	if !ok || !hexDigest.MatchString(digest) {
		return "", fmt.Errorf("%w: %q", ErrInvalidChecksum, checksum)
	}
	return digest, nil
}
