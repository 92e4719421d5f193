package authstore

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

func newMigrator(db *sql.DB, driver string) (*migrate.Migrate, error) {
	var (
		dbDriver database.Driver
		err      error
	)
	switch driver {
	case DriverPostgres:
		dbDriver, err = postgres.WithInstance(db, &postgres.Config{})
	case DriverSQLite:
		dbDriver, err = sqlite.WithInstance(db, &sqlite.Config{})
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s migration driver: %w", driver, err)
	}

	source, err := iofs.New(migrations, "migrations/"+driver)
	if err != nil {
		return nil, fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, driver, dbDriver)
	if err != nil {
		return nil, fmt.Errorf("creating migrator: %w", err)
	}
	return m, nil
}

// Migrate applies pending migrations. Already applied ones are skipped.
func Migrate(db *sql.DB, driver string, logger zerolog.Logger) error {
	m, err := newMigrator(db, driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("getting migration version: %w", err)
	}

	if dirty {
		logger.Warn().Uint("version", version).Msg("Database migration state is dirty")
	} else {
		logger.Info().Uint("version", version).Msg("Database migrations complete")
	}
	return nil
}

// Version returns the current migration version.
func Version(db *sql.DB, driver string) (uint, bool, error) {
	m, err := newMigrator(db, driver)
	if err != nil {
		return 0, false, err
	}
	return m.Version()
}
