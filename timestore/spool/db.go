// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"

	"github.com/apphub/timestore/internal/dbutil"
	"github.com/apphub/timestore/timestore/schema"
)

const (
	dbName       = "staging.db"
	lockName     = "staging.lock"
	flushDirName = "flush"
)

// stagingDB is a short-lived handle on one dataset's staging database. It is
// always used inside the manager's per-dataset critical section.
type stagingDB struct {
	dir string
	db  *sql.DB
}

func openStagingDB(ctx context.Context, dir string) (*stagingDB, error) {
	db, err := dbutil.OpenSQLite(ctx, filepath.Join(dir, dbName))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	sdb := &stagingDB{dir: dir, db: db}
	if err := sdb.ensureBaseTables(ctx); err != nil {
		return nil, errs.Combine(err, db.Close())
	}
	return sdb, nil
}

func (sdb *stagingDB) Close() error {
	return Error.Wrap(sdb.db.Close())
}

func (sdb *stagingDB) ensureBaseTables(ctx context.Context) error {
	_, err := sdb.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS staging_batches (
			batch_id TEXT NOT NULL PRIMARY KEY,
			ingestion_signature TEXT NOT NULL UNIQUE,
			table_name TEXT NOT NULL,
			fields TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			partition_attributes TEXT,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			row_count INTEGER NOT NULL,
			received_at TEXT NOT NULL,
			staged_at TEXT NOT NULL,
			idempotency_key TEXT,
			flush_token TEXT,
			flush_started_at TEXT
		);
		CREATE INDEX IF NOT EXISTS staging_batches_by_token ON staging_batches (flush_token);
		CREATE TABLE IF NOT EXISTS staging_columns (
			table_name TEXT NOT NULL,
			column_name TEXT NOT NULL,
			column_type TEXT NOT NULL,
			PRIMARY KEY (table_name, column_name)
		);
	`)
	return Error.Wrap(err)
}

func dataTable(tableName string) string {
	return "data_" + tableName
}

// quoteIdent quotes an identifier for embedding into SQL text.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sqlType(t schema.Type) string {
	switch t {
	case schema.TypeInteger, schema.TypeBoolean:
		return "INTEGER"
	case schema.TypeDouble:
		return "REAL"
	default:
		return "TEXT"
	}
}

func (sdb *stagingDB) registeredColumns(ctx context.Context, tableName string) (_ map[string]string, err error) {
	rows, err := sdb.db.QueryContext(ctx, `
		SELECT column_name, column_type FROM staging_columns WHERE table_name = ?`, tableName)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	columns := make(map[string]string)
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, Error.Wrap(err)
		}
		columns[name] = typ
	}
	return columns, Error.Wrap(rows.Err())
}

// ensureTable creates or additively extends the staging table backing
// tableName. A registered column changing its type is unrecoverable.
func (sdb *stagingDB) ensureTable(ctx context.Context, tableName string, fields schema.Fields) error {
	registered, err := sdb.registeredColumns(ctx, tableName)
	if err != nil {
		return err
	}

	return dbutil.WithTx(ctx, sdb.db, func(ctx context.Context, tx *sql.Tx) error {
		if len(registered) == 0 {
			var defs strings.Builder
			defs.WriteString("__batch_id TEXT NOT NULL, __staged_at TEXT NOT NULL")
			for _, field := range fields.Canonical() {
				fmt.Fprintf(&defs, ", %s %s", quoteIdent(field.Name), sqlType(field.Type))
			}
			_, err := tx.ExecContext(ctx, fmt.Sprintf(
				`CREATE TABLE IF NOT EXISTS %s (%s)`, quoteIdent(dataTable(tableName)), defs.String()))
			if err != nil {
				return Error.Wrap(err)
			}
			_, err = tx.ExecContext(ctx, fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS %s ON %s (__batch_id)`,
				quoteIdent(dataTable(tableName)+"_by_batch"), quoteIdent(dataTable(tableName))))
			if err != nil {
				return Error.Wrap(err)
			}
			return registerColumns(ctx, tx, tableName, fields)
		}

		for _, field := range fields {
			existing, ok := registered[field.Name]
			if !ok {
				_, err := tx.ExecContext(ctx, fmt.Sprintf(
					`ALTER TABLE %s ADD COLUMN %s %s`,
					quoteIdent(dataTable(tableName)), quoteIdent(field.Name), sqlType(field.Type)))
				if err != nil {
					return Error.Wrap(err)
				}
				if err := registerColumns(ctx, tx, tableName, schema.Fields{field}); err != nil {
					return err
				}
				continue
			}
			if existing != string(field.Type) {
				return ErrFatal.New("staging table %q column %q holds %s, batch declares %s",
					tableName, field.Name, existing, field.Type)
			}
		}
		return nil
	})
}

func registerColumns(ctx context.Context, tx *sql.Tx, tableName string, fields schema.Fields) error {
	for _, field := range fields {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO staging_columns (table_name, column_name, column_type)
			VALUES (?, ?, ?)`, tableName, field.Name, string(field.Type))
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// findBatchBySignature returns the staged batch with the given ingestion
// signature, or nil when none exists.
func (sdb *stagingDB) findBatchBySignature(ctx context.Context, signature string) (*BatchInfo, error) {
	row := sdb.db.QueryRowContext(ctx, batchSelect+` WHERE ingestion_signature = ?`, signature)
	batch, err := scanStagedBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return batch, err
}

// insertBatch stores the batch metadata and its rows in one transaction.
func (sdb *stagingDB) insertBatch(ctx context.Context, signature string, batch *BatchInfo, fields schema.Fields, rows []map[string]any) error {
	fieldsJSON, err := encodeJSON(fields)
	if err != nil {
		return err
	}
	partitionKey, err := encodeJSON(batch.PartitionKey)
	if err != nil {
		return err
	}
	var attributes sql.NullString
	if len(batch.PartitionAttributes) > 0 {
		encoded, err := encodeJSON(batch.PartitionAttributes)
		if err != nil {
			return err
		}
		attributes = sql.NullString{String: encoded, Valid: true}
	}

	return dbutil.WithTx(ctx, sdb.db, func(ctx context.Context, tx *sql.Tx) (err error) {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO staging_batches (
				batch_id, ingestion_signature, table_name, fields, partition_key,
				partition_attributes, start_time, end_time, row_count,
				received_at, staged_at, idempotency_key
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			batch.BatchID.String(), signature, batch.TableName, fieldsJSON, partitionKey,
			attributes, encodeTime(batch.StartTime), encodeTime(batch.EndTime), batch.RowCount,
			encodeTime(batch.ReceivedAt), encodeTime(batch.StagedAt), nullString(batch.IdempotencyKey))
		if err != nil {
			return Error.Wrap(err)
		}

		columns := make([]string, 0, len(fields)+2)
		columns = append(columns, "__batch_id", "__staged_at")
		placeholders := make([]string, 0, len(fields)+2)
		placeholders = append(placeholders, "?", "?")
		for _, field := range fields {
			columns = append(columns, quoteIdent(field.Name))
			placeholders = append(placeholders, "?")
		}

		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (%s) VALUES (%s)`,
			quoteIdent(dataTable(batch.TableName)),
			strings.Join(columns, ", "), strings.Join(placeholders, ", ")))
		if err != nil {
			return Error.Wrap(err)
		}
		defer func() { err = errs.Combine(err, stmt.Close()) }()

		stagedAt := encodeTime(batch.StagedAt)
		for _, row := range rows {
			args := make([]any, 0, len(fields)+2)
			args = append(args, batch.BatchID.String(), stagedAt)
			for _, field := range fields {
				value, err := encodeValue(field, row[field.Name])
				if err != nil {
					return err
				}
				args = append(args, value)
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return Error.Wrap(err)
			}
		}
		return nil
	})
}

// claimPending marks every unclaimed batch with the flush token.
func (sdb *stagingDB) claimPending(ctx context.Context, token string, now time.Time) (int64, error) {
	result, err := sdb.db.ExecContext(ctx, `
		UPDATE staging_batches SET flush_token = ?, flush_started_at = ?
		WHERE flush_token IS NULL`, token, encodeTime(now))
	if err != nil {
		return 0, Error.Wrap(err)
	}
	claimed, err := result.RowsAffected()
	return claimed, Error.Wrap(err)
}

func (sdb *stagingDB) batchesByToken(ctx context.Context, token string) ([]BatchInfo, error) {
	return sdb.queryBatches(ctx, ` WHERE flush_token = ? ORDER BY rowid`, token)
}

func (sdb *stagingDB) pendingBatches(ctx context.Context) ([]BatchInfo, error) {
	return sdb.queryBatches(ctx, ` WHERE flush_token IS NULL ORDER BY rowid`)
}

func (sdb *stagingDB) queryBatches(ctx context.Context, where string, args ...any) (_ []BatchInfo, err error) {
	rows, err := sdb.db.QueryContext(ctx, batchSelect+where, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var batches []BatchInfo
	for rows.Next() {
		batch, err := scanStagedBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *batch)
	}
	return batches, Error.Wrap(rows.Err())
}

// loadBatchRows reads the rows of a batch back in insertion order, decoded
// to canonical values.
func (sdb *stagingDB) loadBatchRows(ctx context.Context, batch *BatchInfo) (_ []map[string]any, err error) {
	columns := make([]string, 0, len(batch.Schema))
	for _, field := range batch.Schema {
		columns = append(columns, quoteIdent(field.Name))
	}

	rows, err := sdb.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE __batch_id = ? ORDER BY rowid`,
		strings.Join(columns, ", "), quoteIdent(dataTable(batch.TableName))),
		batch.BatchID.String())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	out := make([]map[string]any, 0, batch.RowCount)
	for rows.Next() {
		scans := make([]any, len(batch.Schema))
		for i := range scans {
			scans[i] = new(any)
		}
		if err := rows.Scan(scans...); err != nil {
			return nil, Error.Wrap(err)
		}
		row := make(map[string]any, len(batch.Schema))
		for i, field := range batch.Schema {
			value, err := decodeValue(field, *scans[i].(*any))
			if err != nil {
				return nil, err
			}
			if value != nil {
				row[field.Name] = value
			}
		}
		out = append(out, row)
	}
	return out, Error.Wrap(rows.Err())
}

// finalize removes the batches claimed by the token together with their
// rows.
func (sdb *stagingDB) finalize(ctx context.Context, token string) (batches, rows int64, err error) {
	claimed, err := sdb.batchesByToken(ctx, token)
	if err != nil {
		return 0, 0, err
	}
	err = dbutil.WithTx(ctx, sdb.db, func(ctx context.Context, tx *sql.Tx) error {
		for _, batch := range claimed {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(
				`DELETE FROM %s WHERE __batch_id = ?`, quoteIdent(dataTable(batch.TableName))),
				batch.BatchID.String())
			if err != nil {
				return Error.Wrap(err)
			}
			_, err = tx.ExecContext(ctx,
				`DELETE FROM staging_batches WHERE batch_id = ?`, batch.BatchID.String())
			if err != nil {
				return Error.Wrap(err)
			}
			rows += batch.RowCount
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return int64(len(claimed)), rows, nil
}

// release clears the flush token so the batches become eligible again.
func (sdb *stagingDB) release(ctx context.Context, token string) (batches, rows int64, err error) {
	err = dbutil.WithTx(ctx, sdb.db, func(ctx context.Context, tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*), COALESCE(SUM(row_count), 0) FROM staging_batches
			WHERE flush_token = ?`, token).Scan(&batches, &rows)
		if err != nil {
			return Error.Wrap(err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE staging_batches SET flush_token = NULL, flush_started_at = NULL
			WHERE flush_token = ?`, token)
		return Error.Wrap(err)
	})
	if err != nil {
		return 0, 0, err
	}
	return batches, rows, nil
}

// resetFlushTokens clears tokens left behind by a previous process so the
// batches become flushable again.
func (sdb *stagingDB) resetFlushTokens(ctx context.Context) (int64, error) {
	result, err := sdb.db.ExecContext(ctx, `
		UPDATE staging_batches SET flush_token = NULL, flush_started_at = NULL
		WHERE flush_token IS NOT NULL`)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	reset, err := result.RowsAffected()
	return reset, Error.Wrap(err)
}

func (sdb *stagingDB) summary(ctx context.Context) (*DatasetSummary, error) {
	summary := &DatasetSummary{}

	var oldest sql.NullString
	err := sdb.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(row_count), 0), MIN(staged_at)
		FROM staging_batches WHERE flush_token IS NULL`).
		Scan(&summary.PendingBatchCount, &summary.PendingRowCount, &oldest)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if oldest.Valid {
		stagedAt, err := decodeTime(oldest.String)
		if err != nil {
			return nil, err
		}
		summary.OldestStagedAt = &stagedAt
	}

	err = sdb.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM staging_batches WHERE flush_token IS NOT NULL`).
		Scan(&summary.FlushingBatchCount)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	summary.OnDiskBytes = onDiskBytes(sdb.dir)
	return summary, nil
}

// onDiskBytes sums the staging database files, including the WAL.
func onDiskBytes(dir string) int64 {
	var total int64
	for _, name := range []string{dbName, dbName + "-wal", dbName + "-shm"} {
		if info, err := os.Stat(filepath.Join(dir, name)); err == nil {
			total += info.Size()
		}
	}
	return total
}

const batchSelect = `
	SELECT batch_id, table_name, fields, partition_key, partition_attributes,
	       start_time, end_time, row_count, received_at, staged_at,
	       idempotency_key, flush_token
	FROM staging_batches`

type scanner interface {
	Scan(dest ...any) error
}

func scanStagedBatch(row scanner) (*BatchInfo, error) {
	var (
		batch                    BatchInfo
		id, fields, partitionKey string
		attributes, idKey, token sql.NullString
		startTime, endTime       string
		receivedAt, stagedAt     string
	)
	err := row.Scan(&id, &batch.TableName, &fields, &partitionKey, &attributes,
		&startTime, &endTime, &batch.RowCount, &receivedAt, &stagedAt, &idKey, &token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, Error.Wrap(err)
	}
	if batch.BatchID, err = uuid.Parse(id); err != nil {
		return nil, Error.Wrap(err)
	}
	if err := decodeJSON(fields, &batch.Schema); err != nil {
		return nil, err
	}
	if err := decodeJSON(partitionKey, &batch.PartitionKey); err != nil {
		return nil, err
	}
	if attributes.Valid {
		if err := decodeJSON(attributes.String, &batch.PartitionAttributes); err != nil {
			return nil, err
		}
	}
	if batch.StartTime, err = decodeTime(startTime); err != nil {
		return nil, err
	}
	if batch.EndTime, err = decodeTime(endTime); err != nil {
		return nil, err
	}
	if batch.ReceivedAt, err = decodeTime(receivedAt); err != nil {
		return nil, err
	}
	if batch.StagedAt, err = decodeTime(stagedAt); err != nil {
		return nil, err
	}
	batch.IdempotencyKey = idKey.String
	batch.Flushing = token.Valid
	return &batch, nil
}

// encodeValue maps a canonical row value to its staging column
// representation.
func encodeValue(field schema.Field, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	coerced, err := field.Coerce(value)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	switch v := coerced.(type) {
	case time.Time:
		return encodeTime(v), nil
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return coerced, nil
	}
}

// decodeValue maps a staging column value back to its canonical form.
func decodeValue(field schema.Field, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch field.Type {
	case schema.TypeTimestamp:
		switch v := raw.(type) {
		case string:
			return decodeTime(v)
		case []byte:
			return decodeTime(string(v))
		case time.Time:
			return v.UTC(), nil
		}
	case schema.TypeString:
		switch v := raw.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		}
	case schema.TypeInteger:
		if v, ok := raw.(int64); ok {
			return v, nil
		}
	case schema.TypeDouble:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		}
	case schema.TypeBoolean:
		if v, ok := raw.(int64); ok {
			return v != 0, nil
		}
	}
	return nil, ErrFatal.New("staging column %q holds unexpected %T", field.Name, raw)
}

const timeLayout = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, Error.New("invalid stored time %q: %v", s, err)
	}
	return t.UTC(), nil
}

func encodeJSON(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return string(data), nil
}

func decodeJSON(data string, target any) error {
	if data == "" {
		return nil
	}
	return Error.Wrap(json.Unmarshal([]byte(data), target))
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isCorruptionError recognizes staging database damage that the manager can
// recover from by sidelining the file.
func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrCorrupt || sqliteErr.Code == sqlite3.ErrNotADB {
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "database disk image is malformed") ||
		strings.Contains(msg, "file is not a database")
}
