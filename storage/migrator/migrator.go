// Package migrator applies the embedded queue schema with golang-migrate.
package migrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/metailurini/cati-queue/db/migrations"
)

type migrateRunner interface {
	Up() error
	Down() error
	Version() (version uint, dirty bool, err error)
	Close() (sourceErr, dbErr error)
}

// Factory opens a migration runner over db.
type Factory func(ctx context.Context, db *sql.DB) (migrateRunner, error)

// Postgres is the production factory: embedded SQL files applied through the
// postgres driver.
func Postgres(_ context.Context, db *sql.DB) (migrateRunner, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("init postgres migration driver: %w", err)
	}

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("init migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("init migrator: %w", err)
	}
	return m, nil
}

// Runner applies migrations using the configured factory.
type Runner struct {
	factory Factory
}

// NewRunner returns a Runner; a nil factory selects Postgres.
func NewRunner(factory Factory) *Runner {
	if factory == nil {
		factory = Postgres
	}
	return &Runner{factory: factory}
}

// Run applies every pending migration. It is safe to call multiple times.
func Run(ctx context.Context, db *sql.DB, logger *zerolog.Logger) error {
	return NewRunner(nil).Run(ctx, db, logger)
}

// Run applies every pending migration.
func (r *Runner) Run(ctx context.Context, db *sql.DB, logger *zerolog.Logger) error {
	return r.with(ctx, db, logger, func(m migrateRunner, log zerolog.Logger) error {
		log.Info().Str("event", "migrate").Str("status", "started").Msg("applying migrations")
		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				log.Info().Str("event", "migrate").Str("status", "unchanged").Msg("no migrations to apply")
				return nil
			}
			return fmt.Errorf("apply migrations: %w", err)
		}
		logVersion(m, log)
		return nil
	})
}

// Down reverts every migration.
func (r *Runner) Down(ctx context.Context, db *sql.DB, logger *zerolog.Logger) error {
	return r.with(ctx, db, logger, func(m migrateRunner, log zerolog.Logger) error {
		log.Warn().Str("event", "migrate").Str("status", "reverting").Msg("reverting migrations")
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("revert migrations: %w", err)
		}
		log.Info().Str("event", "migrate").Str("status", "reverted").Msg("migrations reverted")
		return nil
	})
}

func (r *Runner) with(ctx context.Context, db *sql.DB, logger *zerolog.Logger, fn func(migrateRunner, zerolog.Logger) error) error {
	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	m, err := r.factory(ctx, db)
	if err != nil {
		return err
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			log.Warn().Err(sourceErr).Msg("failed to close migration source")
		}
		if dbErr != nil {
			log.Warn().Err(dbErr).Msg("failed to close migration db")
		}
	}()

	return fn(m, log)
}

func logVersion(m migrateRunner, log zerolog.Logger) {
	version, dirty, err := m.Version()
	if err != nil {
		log.Info().Str("event", "migrate").Str("status", "applied").Msg("migrations applied")
		return
	}
	log.Info().Str("event", "migrate").Str("status", "applied").
		Uint("version", version).Bool("dirty", dirty).Msg("migrations applied")
}
