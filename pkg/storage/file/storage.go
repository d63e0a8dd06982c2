package file

import (
	"context"
	"fmt"
	"os"

	"github.com/sipeed/wabridge/pkg/storage/repository"
)

// FileStorage implements the storage.Storage interface using JSON files
// under a single directory.
type FileStorage struct {
	dir         string
	diagnostics *diagnosticsRepository
}

// NewFileStorage creates a new file-based storage instance.
func NewFileStorage(dir string, maxJournal int) (*FileStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("file path is required for file-based storage")
	}
	return &FileStorage{
		dir:         dir,
		diagnostics: newDiagnosticsRepository(dir, maxJournal),
	}, nil
}

// Connect ensures the storage directory exists.
func (fs *FileStorage) Connect(ctx context.Context) error {
	if err := os.MkdirAll(fs.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	return nil
}

// Close closes the file-based storage (no-op for files).
func (fs *FileStorage) Close() error {
	return nil
}

// Diagnostics returns the diagnostics repository.
func (fs *FileStorage) Diagnostics() repository.DiagnosticsRepository {
	return fs.diagnostics
}

// Ping checks that the storage directory is accessible.
func (fs *FileStorage) Ping(ctx context.Context) error {
	info, err := os.Stat(fs.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", fs.dir)
	}
	return nil
}
