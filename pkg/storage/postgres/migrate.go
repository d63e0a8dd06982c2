package postgres

import (
	"context"
	"database/sql"
	"embed"

	"github.com/sipeed/wabridge/pkg/storage/schema"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMigrations executes all pending SQL migrations.
func RunMigrations(db *sql.DB) error {
	migrations, err := schema.Load(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	_, err = schema.Apply(context.Background(), db, migrations,
		"INSERT INTO schema_migrations (version) VALUES ($1)")
	return err
}
