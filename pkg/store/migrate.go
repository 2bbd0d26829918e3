package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate brings the schema at path up to date. It uses its own handle
// because the migration driver closes the instance it is given.
func Migrate(path string, log *slog.Logger) error {
	db, err := sql.Open(driverName, path)
	if err != nil {
		return fmt.Errorf("open database for migration: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("load migrations: %w", err)
	}

	drv, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driverName, drv)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("migration setup: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}

	version, dirty, err := m.Version()
	if err == nil {
		log.Info("database schema ready", "version", version, "dirty", dirty)
	}
	return nil
}
