// Package rdbms implements the catalog, run, audit and auth stores on top
// of database/sql. Dialect specific behaviour (isolation level, uniqueness
// error detection, schema files) is injected through Dialect, so the same
// queries serve MySQL and SQLite.
package rdbms

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"log/slog"

	"trase-agent/internal/audit"
	"trase-agent/internal/catalog"
	xerrors "trase-agent/internal/errors"
	"trase-agent/internal/taskrun"
	"trase-agent/pkg/logger"
)

// Dialect describes what differs between the supported databases.
type Dialect struct {
	Name string
	// TxOptions is passed to BeginTx for every unit of work.
	TxOptions *sql.TxOptions
	// IsUniqueViolation reports whether err is a unique or primary key
	// constraint failure raised by the driver.
	IsUniqueViolation func(error) bool
	// Migrations holds the ordered *.sql schema files.
	Migrations fs.FS
}

func (d Dialect) uniqueViolation(err error) bool {
	return err != nil && d.IsUniqueViolation != nil && d.IsUniqueViolation(err)
}

// DB wraps a connection pool and exposes the per-domain stores.
type DB struct {
	db      *sql.DB
	dialect Dialect
	log     *slog.Logger
}

// New wraps an open pool.
func New(db *sql.DB, dialect Dialect) *DB {
	return &DB{db: db, dialect: dialect, log: logger.Named("storage." + dialect.Name)}
}

// Catalog returns the agent and task store.
func (d *DB) Catalog() catalog.Store { return catalogStore{d} }

// Runs returns the task run store.
func (d *DB) Runs() taskrun.Store { return runStore{d} }

// Audits returns the audit query store.
func (d *DB) Audits() audit.Store { return auditStore{d} }

// Auth returns the user and token revocation store.
func (d *DB) Auth() *AuthStore { return &AuthStore{d: d} }

// Dialect returns the dialect the pool was opened with.
func (d *DB) Dialect() Dialect { return d.dialect }

// Migrate applies pending schema migrations.
func (d *DB) Migrate(ctx context.Context) ([]string, error) {
	return Migrate(ctx, d.db, d.dialect.Migrations)
}

// PendingMigrations lists the versions Migrate would apply.
func (d *DB) PendingMigrations(ctx context.Context) ([]string, error) {
	return Pending(ctx, d.db, d.dialect.Migrations)
}

// Ping checks that the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close releases the pool.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// withinTx runs fn in a transaction, committing when fn succeeds and rolling
// back otherwise. Errors returned by fn are passed through unchanged.
func (d *DB) withinTx(ctx context.Context, fn func(*tx) error) error {
	sqlTx, err := d.db.BeginTx(ctx, d.dialect.TxOptions)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&tx{q: sqlTx, dialect: d.dialect}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			d.log.Warn("rollback failed", slog.Any("error", rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit transaction")
	}
	return nil
}

func storageErr(op string, err error) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, op)
}

type catalogStore struct{ d *DB }

func (c catalogStore) WithinTx(ctx context.Context, fn func(context.Context, catalog.Tx) error) error {
	return c.d.withinTx(ctx, func(t *tx) error { return fn(ctx, t) })
}

type runStore struct{ d *DB }

func (r runStore) WithinTx(ctx context.Context, fn func(context.Context, taskrun.Tx) error) error {
	return r.d.withinTx(ctx, func(t *tx) error { return fn(ctx, t) })
}

type auditStore struct{ d *DB }
