// Package dbmigrate applies the SQL migrations in migrations/ to Postgres.
package dbmigrate

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// Migrator wraps a migrate instance together with the connection it owns.
type Migrator struct {
	db *sql.DB
	m  *migrate.Migrate
}

// Open connects to dsn and loads migrations from dir.
func Open(dir, dsn string) (*Migrator, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return &Migrator{db: db, m: m}, nil
}

func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	_ = mg.db.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}

// Version returns the current version. A fresh database reports 0.
func (mg *Migrator) Version() (uint, bool, error) {
	v, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// Up applies all pending migrations and returns the versions before and
// after. A dirty database is refused.
func (mg *Migrator) Up() (from, to uint, err error) {
	from, dirty, err := mg.Version()
	if err != nil {
		return 0, 0, fmt.Errorf("checking migration version: %w", err)
	}
	if dirty {
		return from, from, fmt.Errorf("database is in a dirty state (version %d), manual intervention required", from)
	}
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return from, from, fmt.Errorf("applying migrations: %w", err)
	}
	to, _, err = mg.Version()
	return from, to, err
}

// Steps moves n migrations forward (n > 0) or back (n < 0).
func (mg *Migrator) Steps(n int) error {
	if err := mg.m.Steps(n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("stepping migrations: %w", err)
	}
	return nil
}

// Down rolls back every migration.
func (mg *Migrator) Down() error {
	if err := mg.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rolling back migrations: %w", err)
	}
	return nil
}

func (mg *Migrator) Force(version int) error {
	if err := mg.m.Force(version); err != nil {
		return fmt.Errorf("forcing version: %w", err)
	}
	return nil
}

// Apply opens dir against dsn and runs Up.
func Apply(dir, dsn string) (from, to uint, err error) {
	mg, err := Open(dir, dsn)
	if err != nil {
		return 0, 0, err
	}
	defer mg.Close()
	return mg.Up()
}
