package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var embedMigrations embed.FS

// migrate applies all pending migrations for the dialect.
func migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	var (
		dir     string
		gooseDB database.Dialect
	)
	switch d {
	case DialectSQLite:
		dir, gooseDB = "migrations/sqlite", database.DialectSQLite3
	case DialectPostgres:
		dir, gooseDB = "migrations/postgres", database.DialectPostgres
	default:
		return fmt.Errorf("unsupported dialect %d", d)
	}

	migrationFS, err := fs.Sub(embedMigrations, dir)
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}
	provider, err := goose.NewProvider(gooseDB, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
