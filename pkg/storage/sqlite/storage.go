// Package sqlite stores diagnostics in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/sipeed/wabridge/pkg/storage/repository"
	"github.com/sipeed/wabridge/pkg/storage/schema"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStorage implements the storage.Storage interface on modernc sqlite.
type SQLiteStorage struct {
	path        string
	db          *sql.DB
	diagnostics *diagnosticsRepository
}

// NewSQLiteStorage opens (creating if needed) the database file at path.
func NewSQLiteStorage(path string, maxJournal int) (*SQLiteStorage, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required for SQLite storage")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// Serialize all database access through a single connection to prevent SQLITE_BUSY
	db.SetMaxOpenConns(1)

	return &SQLiteStorage{
		path:        path,
		db:          db,
		diagnostics: &diagnosticsRepository{db: db, maxJournal: maxJournal},
	}, nil
}

// Connect pings the database and runs migrations.
func (s *SQLiteStorage) Connect(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	migrations, err := schema.Load(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	if _, err := schema.Apply(ctx, s.db, migrations, "INSERT INTO schema_migrations (version) VALUES (?)"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStorage) Diagnostics() repository.DiagnosticsRepository {
	return s.diagnostics
}

func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
