package storage

import (
	"fmt"

	"github.com/sipeed/wabridge/pkg/storage/file"
	"github.com/sipeed/wabridge/pkg/storage/postgres"
	"github.com/sipeed/wabridge/pkg/storage/sqlite"
)

// NewStorage creates a Storage implementation based on the provided configuration.
// Supported types: "file", "sqlite", "postgres". "none" (or empty) returns nil,
// meaning diagnostics live in memory only.
func NewStorage(cfg Config) (Storage, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "file":
		return file.NewFileStorage(cfg.FilePath, cfg.MaxJournal)
	case "sqlite":
		return sqlite.NewSQLiteStorage(cfg.FilePath, cfg.MaxJournal)
	case "postgres":
		return postgres.NewPostgresStorage(cfg.DatabaseURL, cfg.SSLEnabled, cfg.MaxIdleConns, cfg.MaxOpenConns, cfg.MaxLifetime)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (supported: none, file, sqlite, postgres)", cfg.Type)
	}
}
