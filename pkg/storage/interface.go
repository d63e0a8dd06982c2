package storage

import (
	"context"
	"time"

	"github.com/sipeed/wabridge/pkg/storage/repository"
)

// Storage is the persistence abstraction for bridge diagnostics.
type Storage interface {
	Diagnostics() repository.DiagnosticsRepository

	// Lifecycle management
	Connect(ctx context.Context) error
	Close() error

	// Health check
	Ping(ctx context.Context) error
}

// Config holds storage configuration for different backends.
type Config struct {
	Type         string        // "none", "file", "sqlite", "postgres"
	FilePath     string        // Directory for file storage, database file for sqlite
	DatabaseURL  string        // For postgres (connection string)
	SSLEnabled   bool          // Enable SSL for database connections
	MaxIdleConns int           // Database connection pool - max idle connections
	MaxOpenConns int           // Database connection pool - max open connections
	MaxLifetime  time.Duration // Database connection pool - max lifetime
	MaxJournal   int           // Transitions kept by backends that trim
}

// DefaultConfig returns a default storage configuration.
func DefaultConfig(storageType string) Config {
	return Config{
		Type:         storageType,
		MaxIdleConns: 5,
		MaxOpenConns: 25,
		MaxLifetime:  5 * time.Minute,
		MaxJournal:   500,
	}
}
