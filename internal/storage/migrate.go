package storage

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationSource returns the embedded schema migrations.
func migrationSource() (source.Driver, error) {
	return iofs.New(migrationsFS, "migrations")
}

// Migrate brings the schema up to the latest embedded version. It uses its
// own connection so the writer pool is left untouched.
func (g *Gateway) Migrate() error {
	if g.cfg.DSN == "" {
		return fmt.Errorf("%w: dsn is required to migrate", ErrInvalidConfig)
	}

	src, err := migrationSource()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, g.cfg.DSN)
	if err != nil {
		return fmt.Errorf("migration setup: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if err := errors.Join(srcErr, dbErr); err != nil {
			g.logger.Warn().Err(err).Msg("closing migration connection")
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migration version: %w", err)
	}
	g.logger.Info().Uint("version", version).Bool("dirty", dirty).Msg("schema up to date")
	return nil
}
