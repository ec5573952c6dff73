package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDirtySchema means a previous migration failed halfway and the outbox
// must not be written until someone repairs it.
var ErrDirtySchema = errors.New("outbox schema is dirty")

// withMigrator runs fn against a migrate instance on its own connection.
// The sqlite driver closes the *sql.DB it wraps, so the repository's pool is
// never handed to it.
func withMigrator(dsn string, fn func(*migrate.Migrate) error) error {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open migration database: %w", err)
	}
	defer db.Close()

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("sqlite migrate driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	defer m.Close()
	return fn(m)
}

// RunMigrations applies every pending migration to the database at dsn and
// returns the schema version it ends on.
func RunMigrations(dsn string) (uint, error) {
	var version uint
	err := withMigrator(dsn, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("apply migrations: %w", err)
		}
		v, dirty, err := m.Version()
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		version = v
		if dirty {
			return fmt.Errorf("%w at version %d", ErrDirtySchema, v)
		}
		return nil
	})
	return version, err
}
