// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

// Package dbutil implements helpers for working with embedded sqlite
// databases.
package dbutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"
)

// Error is the default dbutil errs class.
var Error = errs.Class("dbutil")

// OpenSQLite opens an sqlite database at the specified path, creating the
// containing directory when missing. The database is put into WAL mode with
// foreign keys enabled.
func OpenSQLite(ctx context.Context, path string) (db *sql.DB, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, Error.Wrap(err)
	}

	db, err = sql.Open("sqlite3", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_busy_timeout=10000", path))
	if err != nil {
		return nil, Error.Wrap(err)
	}

	// sqlite allows a single writer; keeping a single connection avoids
	// SQLITE_BUSY between connections of the same process.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return nil, Error.Wrap(errs.Combine(err, db.Close()))
		}
	}

	return db, nil
}

// IsConstraintError returns whether the error is a sqlite constraint
// violation, for example a unique index conflict.
func IsConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
