// Package sqlite persists audit records in a local SQLite database through
// the pure Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/porthorian/openguard/pkg/storage"
	"github.com/porthorian/openguard/pkg/storage/sqlite/migrations"
)

const DriverName = "sqlite"

const putAuditEventQuery = `
INSERT INTO audit_event (
	id, date_added, occurred_at, action, principal_id, resource, outcome, ip_address, metadata
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

const listAuditByPrincipalQuery = `
SELECT id, date_added, occurred_at, action, principal_id, resource, outcome, ip_address, metadata
FROM audit_event
WHERE principal_id = ? AND occurred_at >= ?
ORDER BY occurred_at DESC, id
LIMIT ?`

const listAuditSinceQuery = `
SELECT id, date_added, occurred_at, action, principal_id, resource, outcome, ip_address, metadata
FROM audit_event
WHERE occurred_at >= ?
ORDER BY occurred_at DESC, id
LIMIT ?`

var (
	ErrNilDB                 = errors.New("sqlite adapter: db is nil")
	ErrAdapterNotInitialized = errors.New("sqlite adapter: adapter not initialized")
	ErrEmptyPath             = errors.New("sqlite adapter: path is required")
)

// Adapter stores timestamps as unix microseconds and metadata as JSON text.
type Adapter struct {
	db  *sql.DB
	now func() time.Time

	putAuditEvent        *sql.Stmt
	listAuditByPrincipal *sql.Stmt
	listAuditSince       *sql.Stmt
}

var _ storage.Store = (*Adapter)(nil)

// Open creates or opens the database at path, applies the embedded
// migrations and prepares statements.
func Open(ctx context.Context, path string) (*Adapter, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}

	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("sqlite adapter: open: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite adapter: ping: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	adapter := &Adapter{db: db, now: time.Now}
	if err := adapter.prepare(ctx); err != nil {
		_ = adapter.Close()
		return nil, err
	}
	return adapter, nil
}

// NewMigrator returns a runner over the embedded migrations for a
// sqlite:// database url.
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("sqlite adapter: load embedded migrations: %w", err)
	}
	runner, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("sqlite adapter: create migrate runner: %w", err)
	}
	return runner, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("sqlite adapter: migration driver: %w", err)
	}
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("sqlite adapter: load embedded migrations: %w", err)
	}
	runner, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("sqlite adapter: create migrate runner: %w", err)
	}
	// The runner is not closed: its database driver would close db.
	if err := runner.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sqlite adapter: apply migrations: %w", err)
	}
	return nil
}

func (a *Adapter) prepare(ctx context.Context) error {
	specs := []struct {
		label string
		query string
		dest  **sql.Stmt
	}{
		{label: "put audit event", query: putAuditEventQuery, dest: &a.putAuditEvent},
		{label: "list audit event by principal", query: listAuditByPrincipalQuery, dest: &a.listAuditByPrincipal},
		{label: "list audit event since", query: listAuditSinceQuery, dest: &a.listAuditSince},
	}
	for _, spec := range specs {
		stmt, err := a.db.PrepareContext(ctx, spec.query)
		if err != nil {
			return fmt.Errorf("sqlite adapter: prepare %s statement: %w", spec.label, err)
		}
		*spec.dest = stmt
	}
	return nil
}

func (a *Adapter) Close() error {
	if a == nil {
		return nil
	}

	var errs []error
	for _, stmt := range []*sql.Stmt{a.putAuditEvent, a.listAuditByPrincipal, a.listAuditSince} {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.putAuditEvent, a.listAuditByPrincipal, a.listAuditSince = nil, nil, nil

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, err)
		}
		a.db = nil
	}
	return errors.Join(errs...)
}

func (a *Adapter) PutAuditBatch(ctx context.Context, records []storage.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := a.ready(); err != nil {
		return err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite adapter: begin audit batch: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stmt := tx.StmtContext(ctx, a.putAuditEvent)
	defer stmt.Close()

	added := a.now().UTC().UnixMicro()
	for _, record := range records {
		id := record.ID
		if id == "" {
			id = uuid.NewString()
		}
		metadata, err := storage.EncodeMetadata(record.Metadata)
		if err != nil {
			return fmt.Errorf("sqlite adapter: encode metadata for %s: %w", id, err)
		}
		if _, err := stmt.ExecContext(ctx,
			id,
			added,
			record.OccurredAt.UTC().UnixMicro(),
			record.Action,
			record.PrincipalID,
			record.Resource,
			record.Outcome,
			record.IPAddress,
			metadata,
		); err != nil {
			return fmt.Errorf("sqlite adapter: insert audit event %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite adapter: commit audit batch: %w", err)
	}
	committed = true
	return nil
}

func (a *Adapter) ListAudit(ctx context.Context, query storage.AuditQuery) ([]storage.AuditRecord, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}

	var (
		rows *sql.Rows
		err  error
	)
	since := query.Since.UTC().UnixMicro()
	if query.PrincipalID != "" {
		rows, err = a.listAuditByPrincipal.QueryContext(ctx, query.PrincipalID, since, query.EffectiveLimit())
	} else {
		rows, err = a.listAuditSince.QueryContext(ctx, since, query.EffectiveLimit())
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite adapter: list audit events: %w", err)
	}
	defer rows.Close()

	var records []storage.AuditRecord
	for rows.Next() {
		var (
			record     storage.AuditRecord
			added      int64
			occurredAt int64
			metadata   string
		)
		if err := rows.Scan(
			&record.ID,
			&added,
			&occurredAt,
			&record.Action,
			&record.PrincipalID,
			&record.Resource,
			&record.Outcome,
			&record.IPAddress,
			&metadata,
		); err != nil {
			return nil, fmt.Errorf("sqlite adapter: scan audit event: %w", err)
		}
		record.DateAdded = time.UnixMicro(added).UTC()
		record.OccurredAt = time.UnixMicro(occurredAt).UTC()
		if record.Metadata, err = storage.DecodeMetadata([]byte(metadata)); err != nil {
			return nil, fmt.Errorf("sqlite adapter: decode metadata for %s: %w", record.ID, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite adapter: iterate audit events: %w", err)
	}
	return records, nil
}

func (a *Adapter) ready() error {
	if a == nil || a.db == nil {
		return ErrNilDB
	}
	if a.putAuditEvent == nil || a.listAuditByPrincipal == nil || a.listAuditSince == nil {
		return ErrAdapterNotInitialized
	}
	return nil
}
