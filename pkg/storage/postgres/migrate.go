package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"

	"github.com/porthorian/openguard/pkg/storage/postgres/migrations"
)

const (
	// Schema holds every openguard table, the migrations table included.
	Schema = "openguard"

	DefaultMigrationsTable = Schema + ".schema_migrations"

	migrateScheme = "pgx5"
)

var ErrUnsupportedDSN = errors.New("postgres adapter: dsn must be a postgres:// or postgresql:// url")

// MigrationURL rewrites a postgres url for the golang-migrate pgx driver.
func MigrationURL(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedDSN, err)
	}
	switch parsed.Scheme {
	case "postgres", "postgresql", migrateScheme:
	default:
		return "", ErrUnsupportedDSN
	}
	parsed.Scheme = migrateScheme
	return parsed.String(), nil
}

// NewMigrator returns a runner over the embedded migrations. databaseURL may
// carry x-migrations-table options.
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	migrationURL, err := MigrationURL(databaseURL)
	if err != nil {
		return nil, err
	}

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("postgres adapter: load embedded migrations: %w", err)
	}

	runner, err := migrate.NewWithSourceInstance("iofs", source, migrationURL)
	if err != nil {
		return nil, fmt.Errorf("postgres adapter: create migrate runner: %w", err)
	}
	return runner, nil
}

// Migrate applies every pending embedded migration to dsn, tracking versions
// in DefaultMigrationsTable.
func Migrate(ctx context.Context, dsn string) error {
	if dsn == "" {
		return ErrEmptyDSN
	}
	if err := ensureSchema(ctx, dsn); err != nil {
		return err
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return fmt.Errorf("postgres adapter: parse dsn: %w", err)
	}
	query := parsed.Query()
	if query.Get("x-migrations-table") == "" {
		query.Set("x-migrations-table", pgx.Identifier{Schema, "schema_migrations"}.Sanitize())
		query.Set("x-migrations-table-quoted", "true")
	}
	parsed.RawQuery = query.Encode()

	runner, err := NewMigrator(parsed.String())
	if err != nil {
		return err
	}
	defer func() {
		_, _ = runner.Close()
	}()

	if err := runner.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres adapter: apply migrations: %w", err)
	}
	return nil
}

func ensureSchema(ctx context.Context, dsn string) error {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return fmt.Errorf("postgres adapter: open for schema bootstrap: %w", err)
	}
	defer db.Close()

	query := "CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{Schema}.Sanitize()
	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("postgres adapter: ensure schema %q: %w", Schema, err)
	}
	return nil
}
