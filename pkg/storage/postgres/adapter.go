// Package postgres persists audit records in PostgreSQL through pgx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/porthorian/openguard/pkg/storage"
)

// DriverName is the database/sql driver registered by pgx.
const DriverName = "pgx"

type Adapter struct {
	db     *sql.DB
	ownsDB bool

	stmts preparedStatements
}

type preparedStatements struct {
	putAuditEvent        *sql.Stmt
	listAuditByPrincipal *sql.Stmt
	listAuditSince       *sql.Stmt
}

type prepareStatementSpec struct {
	label  string
	query  string
	assign func(*preparedStatements, *sql.Stmt)
}

var fixedPrepareStatementSpecs = []prepareStatementSpec{
	{
		label: "put audit event",
		query: putAuditEventQuery,
		assign: func(ps *preparedStatements, stmt *sql.Stmt) {
			ps.putAuditEvent = stmt
		},
	},
	{
		label: "list audit event by principal",
		query: listAuditByPrincipalQuery,
		assign: func(ps *preparedStatements, stmt *sql.Stmt) {
			ps.listAuditByPrincipal = stmt
		},
	},
	{
		label: "list audit event since",
		query: listAuditSinceQuery,
		assign: func(ps *preparedStatements, stmt *sql.Stmt) {
			ps.listAuditSince = stmt
		},
	},
}

var (
	ErrNilDB                 = errors.New("postgres adapter: db is nil")
	ErrAdapterNotInitialized = errors.New("postgres adapter: adapter not initialized")
	ErrEmptyDSN              = errors.New("postgres adapter: dsn is required")
)

var _ storage.Store = (*Adapter)(nil)

// Open connects to dsn and prepares the adapter. The adapter owns the
// connection pool and closes it on Close.
func Open(ctx context.Context, dsn string) (*Adapter, error) {
	if dsn == "" {
		return nil, ErrEmptyDSN
	}

	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres adapter: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres adapter: ping: %w", err)
	}

	adapter, err := NewAdapter(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	adapter.ownsDB = true
	return adapter, nil
}

// NewAdapter prepares statements against an existing pool. The caller keeps
// ownership of db.
func NewAdapter(db *sql.DB) (*Adapter, error) {
	adapter := &Adapter{db: db}

	if err := adapter.prepareStatements(); err != nil {
		_ = adapter.Close()
		return nil, err
	}

	return adapter, nil
}

func (a *Adapter) Close() error {
	if a == nil {
		return nil
	}

	var errs []error

	if err := closeStatements(
		a.stmts.putAuditEvent,
		a.stmts.listAuditByPrincipal,
		a.stmts.listAuditSince,
	); err != nil {
		errs = append(errs, err)
	}
	a.stmts = preparedStatements{}

	if a.ownsDB && a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, err)
		}
		a.db = nil
	}

	return errors.Join(errs...)
}

func (a *Adapter) PutAuditBatch(ctx context.Context, records []storage.AuditRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	if err := a.requirePreparedStatements(); err != nil {
		return err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres adapter: begin audit batch: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stmt := tx.StmtContext(ctx, a.stmts.putAuditEvent)
	defer stmt.Close()

	for _, record := range records {
		id := record.ID
		if id == "" {
			id = uuid.NewString()
		}
		metadata, encErr := storage.EncodeMetadata(record.Metadata)
		if encErr != nil {
			return fmt.Errorf("postgres adapter: encode metadata for %s: %w", id, encErr)
		}

		if _, err = stmt.ExecContext(ctx,
			id,
			record.OccurredAt.UTC(),
			record.Action,
			record.PrincipalID,
			record.Resource,
			record.Outcome,
			record.IPAddress,
			metadata,
		); err != nil {
			return fmt.Errorf("postgres adapter: insert audit event %s: %w", id, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("postgres adapter: commit audit batch: %w", err)
	}
	committed = true
	return nil
}

func (a *Adapter) ListAudit(ctx context.Context, query storage.AuditQuery) ([]storage.AuditRecord, error) {
	if err := a.requirePreparedStatements(); err != nil {
		return nil, err
	}

	var (
		rows *sql.Rows
		err  error
	)
	since := query.Since.UTC()
	if query.PrincipalID != "" {
		rows, err = a.stmts.listAuditByPrincipal.QueryContext(ctx, query.PrincipalID, since, query.EffectiveLimit())
	} else {
		rows, err = a.stmts.listAuditSince.QueryContext(ctx, since, query.EffectiveLimit())
	}
	if err != nil {
		return nil, fmt.Errorf("postgres adapter: list audit events: %w", err)
	}
	defer rows.Close()

	var records []storage.AuditRecord
	for rows.Next() {
		record, scanErr := scanAuditRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres adapter: iterate audit events: %w", err)
	}
	return records, nil
}

func scanAuditRecord(row scanner) (storage.AuditRecord, error) {
	var (
		record   storage.AuditRecord
		metadata []byte
	)
	if err := row.Scan(
		&record.ID,
		&record.DateAdded,
		&record.OccurredAt,
		&record.Action,
		&record.PrincipalID,
		&record.Resource,
		&record.Outcome,
		&record.IPAddress,
		&metadata,
	); err != nil {
		return storage.AuditRecord{}, fmt.Errorf("postgres adapter: scan audit event: %w", err)
	}

	decoded, err := storage.DecodeMetadata(metadata)
	if err != nil {
		return storage.AuditRecord{}, fmt.Errorf("postgres adapter: decode metadata for %s: %w", record.ID, err)
	}
	record.Metadata = decoded
	record.DateAdded = record.DateAdded.UTC()
	record.OccurredAt = record.OccurredAt.UTC()
	return record, nil
}

func (a *Adapter) prepareStatements() (err error) {
	db, err := a.requireDB()
	if err != nil {
		return err
	}

	prepared := make([]*sql.Stmt, 0, len(fixedPrepareStatementSpecs))
	defer func() {
		if err != nil {
			_ = closeStatements(prepared...)
		}
	}()

	for _, spec := range fixedPrepareStatementSpecs {
		stmt, prepErr := db.Prepare(spec.query)
		if prepErr != nil {
			err = fmt.Errorf("postgres adapter: prepare %s statement: %w", spec.label, prepErr)
			return err
		}
		prepared = append(prepared, stmt)
		spec.assign(&a.stmts, stmt)
	}
	return nil
}

func (a *Adapter) requirePreparedStatements() error {
	if _, err := a.requireDB(); err != nil {
		return err
	}
	if a.stmts.putAuditEvent == nil || a.stmts.listAuditByPrincipal == nil || a.stmts.listAuditSince == nil {
		return ErrAdapterNotInitialized
	}
	return nil
}

func (a *Adapter) requireDB() (*sql.DB, error) {
	if a == nil || a.db == nil {
		return nil, ErrNilDB
	}
	return a.db, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func closeStatements(stmts ...*sql.Stmt) error {
	var errs []error
	for _, stmt := range stmts {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
