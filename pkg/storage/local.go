package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LocalStorage implements Storage using the local filesystem. Each file
// lives in a directory named after its digest next to a meta.json.
type LocalStorage struct {
	basePath string
	mu       sync.Mutex
}

// NewLocalStorage creates a new local filesystem storage
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &LocalStorage{basePath: basePath}, nil
}

const metaFile = "meta.json"

// Archive stores a file under its checksum
func (s *LocalStorage) Archive(ctx context.Context, checksum, filename, contentType string, r io.Reader) (*FileInfo, error) {
	digest, err := digestOf(checksum)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if info, err := s.readMetadata(digest); err == nil {
		return info, nil
	}

	dir := filepath.Join(s.basePath, digest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	storedFilename := sanitizeFilename(filename)
	if storedFilename == "" {
		storedFilename = "statement"
	}
	filePath := filepath.Join(dir, storedFilename)

	f, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	size, err := io.Copy(f, r)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	info := &FileInfo{
		Checksum:    checksum,
		Name:        filename,
		Size:        size,
		ContentType: contentType,
		Path:        filepath.Join(digest, storedFilename),
		CreatedAt:   time.Now(),
	}

	if err := s.saveMetadata(digest, info); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	return info, nil
}

// Open returns a reader for an archived file
func (s *LocalStorage) Open(ctx context.Context, checksum string) (io.ReadCloser, *FileInfo, error) {
	info, err := s.Stat(ctx, checksum)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(filepath.Join(s.basePath, info.Path))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}

	return f, info, nil
}

// Stat returns metadata for an archived file
func (s *LocalStorage) Stat(ctx context.Context, checksum string) (*FileInfo, error) {
	digest, err := digestOf(checksum)
	if err != nil {
		return nil, err
	}
	return s.readMetadata(digest)
}

// Delete removes an archived file
func (s *LocalStorage) Delete(ctx context.Context, checksum string) error {
	digest, err := digestOf(checksum)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.basePath, digest)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// List returns all archived files
func (s *LocalStorage) List(ctx context.Context) ([]*FileInfo, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive: %w", err)
	}

	files := make([]*FileInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || !hexDigest.MatchString(entry.Name()) {
			continue
		}
		info, err := s.readMetadata(entry.Name())
		if err != nil {
			continue
		}
		files = append(files, info)
	}

	return files, nil
}

func (s *LocalStorage) readMetadata(digest string) (*FileInfo, error) {
	data, err := os.ReadFile(filepath.Join(s.basePath, digest, metaFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var info FileInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	return &info, nil
}

func (s *LocalStorage) saveMetadata(digest string, info *FileInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := os.WriteFile(filepath.Join(s.basePath, digest, metaFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	return nil
}

// sanitizeFilename removes unsafe characters from filenames
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		"..", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
	)
	name = replacer.Replace(name)
	if name == metaFile {
		name = "_" + name
	}
	return name
}
