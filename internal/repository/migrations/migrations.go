// Package migrations holds the embedded SQLite schema for poems and workflow
// results and moves a database between its versions.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/ent0n29/versecraft/internal/log"
)

//go:embed sql/*.sql
var schema embed.FS

// Migrator runs the schema against a single open database. It never closes
// the database it was given.
type Migrator struct {
	db     *sql.DB
	logger log.Logger
}

func NewMigrator(db *sql.DB, logger log.Logger) (*Migrator, error) {
	if db == nil {
		return nil, errors.New("migrations: nil database")
	}
	if logger == nil {
		logger = log.Noop
	}
	return &Migrator{db: db, logger: logger.WithValues(log.Kv{"svc": "migrations.Migrator"})}, nil
}

// Up brings the schema to the latest version.
func (m *Migrator) Up(ctx context.Context) error {
	return m.apply(ctx, "up", (*migrate.Migrate).Up)
}

// Down reverts every applied version, dropping the poems and
// workflow_results tables.
func (m *Migrator) Down(ctx context.Context) error {
	return m.apply(ctx, "down", (*migrate.Migrate).Down)
}

// Version reports the applied schema version. Zero means nothing is applied.
func (m *Migrator) Version(ctx context.Context) (version uint, dirty bool, err error) {
	err = m.with(ctx, func(inst *migrate.Migrate) error {
		version, dirty, err = inst.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		return err
	})
	return version, dirty, err
}

func (m *Migrator) apply(ctx context.Context, direction string, step func(*migrate.Migrate) error) error {
	return m.with(ctx, func(inst *migrate.Migrate) error {
		if err := step(inst); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("schema %s: %w", direction, err)
		}
		version, _, err := inst.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			return fmt.Errorf("schema version: %w", err)
		}
		m.logger.Debugf("schema %s done, version %d", direction, version)
		return nil
	})
}

// with builds a migrate instance over the embedded files and stops it
// between migrations once ctx is done. Only the source is closed: closing
// the sqlite3 driver would close m.db too.
func (m *Migrator) with(ctx context.Context, fn func(*migrate.Migrate) error) error {
	driver, err := sqlite3.WithInstance(m.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("sqlite3 driver: %w", err)
	}
	src, err := iofs.New(schema, "sql")
	if err != nil {
		return fmt.Errorf("embedded schema: %w", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			m.logger.Warningf("could not close schema source: %s", err)
		}
	}()

	inst, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			inst.GracefulStop <- true
		case <-done:
		}
	}()

	if err := fn(inst); err != nil {
		return err
	}
	return ctx.Err()
}
