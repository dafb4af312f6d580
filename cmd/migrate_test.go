package cmd

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMigrationsTableSpec(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    migrationsTableSpec
		wantErr bool
	}{
		{name: "empty", value: "  ", want: migrationsTableSpec{}},
		{name: "table", value: "schema_migrations", want: migrationsTableSpec{Table: "schema_migrations"}},
		{name: "schema and table", value: "openguard.schema_migrations", want: migrationsTableSpec{Schema: "openguard", Table: "schema_migrations"}},
		{name: "quoted with dot", value: `"open.guard"."versions"`, want: migrationsTableSpec{Schema: "open.guard", Table: "versions"}},
		{name: "quoted table", value: `"versions"`, want: migrationsTableSpec{Table: "versions"}},
		{name: "too many parts", value: "a.b.c", wantErr: true},
		{name: "empty table part", value: "openguard.", wantErr: true},
		{name: "empty quoted", value: `""`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseMigrationsTableSpec(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyMigrationsTable(t *testing.T) {
	t.Run("postgres schema table is quoted", func(t *testing.T) {
		got, err := applyMigrationsTable("postgres://u:p@localhost:5432/db", driverPostgres, "openguard.schema_migrations")
		require.NoError(t, err)

		parsed, err := url.Parse(got)
		require.NoError(t, err)
		assert.Equal(t, `"openguard"."schema_migrations"`, parsed.Query().Get("x-migrations-table"))
		assert.Equal(t, "true", parsed.Query().Get("x-migrations-table-quoted"))
	})

	t.Run("sqlite drops the schema", func(t *testing.T) {
		got, err := applyMigrationsTable("sqlite:///tmp/audit.db", driverSQLite, "openguard.schema_migrations")
		require.NoError(t, err)

		parsed, err := url.Parse(got)
		require.NoError(t, err)
		assert.Equal(t, "schema_migrations", parsed.Query().Get("x-migrations-table"))
		assert.Empty(t, parsed.Query().Get("x-migrations-table-quoted"))
	})

	t.Run("explicit query parameter wins", func(t *testing.T) {
		in := "postgres://localhost/db?x-migrations-table=custom"
		got, err := applyMigrationsTable(in, driverPostgres, "openguard.schema_migrations")
		require.NoError(t, err)
		assert.Equal(t, in, got)
	})
}

func TestSQLiteDatabaseURL(t *testing.T) {
	assert.Equal(t, "sqlite://data/audit.db", sqliteDatabaseURL("data/audit.db"))
	assert.Equal(t, "sqlite:///var/lib/audit.db", sqliteDatabaseURL("sqlite:///var/lib/audit.db"))
}

func TestResolveDriver(t *testing.T) {
	t.Setenv("OPENGUARD_MIGRATE_DRIVER", "")

	driver, err := resolveDriver("")
	require.NoError(t, err)
	assert.Equal(t, driverPostgres, driver)

	driver, err = resolveDriver(" SQLite ")
	require.NoError(t, err)
	assert.Equal(t, driverSQLite, driver)

	t.Setenv("OPENGUARD_MIGRATE_DRIVER", "sqlite")
	driver, err = resolveDriver("")
	require.NoError(t, err)
	assert.Equal(t, driverSQLite, driver)

	_, err = resolveDriver("mysql")
	require.Error(t, err)
}

func TestResolveDatabaseURL(t *testing.T) {
	t.Setenv("OPENGUARD_MIGRATE_DATABASE_URL", "")
	t.Setenv("OPENGUARD_DATABASE_URL", "")

	_, err := resolveDatabaseURL("")
	require.Error(t, err)

	t.Setenv("OPENGUARD_DATABASE_URL", "postgres://fallback/db")
	got, err := resolveDatabaseURL("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://fallback/db", got)

	t.Setenv("OPENGUARD_MIGRATE_DATABASE_URL", "postgres://migrate/db")
	got, err = resolveDatabaseURL("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://migrate/db", got)

	got, err = resolveDatabaseURL(" postgres://flag/db ")
	require.NoError(t, err)
	assert.Equal(t, "postgres://flag/db", got)
}

func TestParseMigrationArgs(t *testing.T) {
	steps, ok, err := parseMigrationStepsArg(nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, steps)

	steps, ok, err = parseMigrationStepsArg([]string{"3"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, steps)

	_, _, err = parseMigrationStepsArg([]string{"0"})
	require.Error(t, err)

	version, err := parseForceVersionArg("-1")
	require.NoError(t, err)
	assert.Equal(t, -1, version)

	_, err = parseForceVersionArg("-2")
	require.Error(t, err)
}

func TestResolveMigrationsSourceURL(t *testing.T) {
	got, err := resolveMigrationsSourceURL("github://owner/repo/migrations")
	require.NoError(t, err)
	assert.Equal(t, "github://owner/repo/migrations", got)

	got, err = resolveMigrationsSourceURL("migrations")
	require.NoError(t, err)
	assert.Contains(t, got, "file://")
	assert.Contains(t, got, "/migrations")
}
