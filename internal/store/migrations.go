package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

// RunMigrations applies the embedded migrations for the store's dialect.
func (s *Store) RunMigrations(ctx context.Context) error {
	gooseDialect := goose.DialectSQLite3
	if s.dialect.name == DriverPostgres {
		gooseDialect = goose.DialectPostgres
	}
	dir, err := fs.Sub(migrationFiles, "migrations/"+s.dialect.name)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	provider, err := goose.NewProvider(gooseDialect, s.db, dir)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
