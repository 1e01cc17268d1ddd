// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/apphub/timestore/internal/dbutil"
	"github.com/apphub/timestore/internal/migrate"
)

// DB is the relational metadata store backed by a single sqlite database.
type DB struct {
	log *zap.Logger
	db  *sql.DB
}

// Open opens the metadata database at the given path.
func Open(ctx context.Context, log *zap.Logger, path string) (*DB, error) {
	sqlDB, err := dbutil.OpenSQLite(ctx, path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &DB{log: log, db: sqlDB}, nil
}

// Close closes the underlying database.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// MigrateToLatest applies all pending schema migrations.
func (db *DB) MigrateToLatest(ctx context.Context) error {
	return db.Migration().Run(ctx, db.log.Named("migration"))
}

// Migration returns the table migration history of the metadata store.
func (db *DB) Migration() *migrate.Migration {
	return &migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{
				DB:          db.db,
				Description: "Initial setup",
				Version:     0,
				Action: migrate.SQL{
					`CREATE TABLE datasets (
						id TEXT NOT NULL PRIMARY KEY,
						slug TEXT NOT NULL UNIQUE,
						name TEXT NOT NULL,
						description TEXT NOT NULL DEFAULT '',
						default_storage_target_id TEXT,
						metadata TEXT NOT NULL DEFAULT '{}',
						created_at TEXT NOT NULL,
						updated_at TEXT NOT NULL
					)`,
					`CREATE TABLE storage_targets (
						id TEXT NOT NULL PRIMARY KEY,
						name TEXT NOT NULL UNIQUE,
						kind TEXT NOT NULL,
						config TEXT NOT NULL DEFAULT '{}',
						created_at TEXT NOT NULL
					)`,
					`CREATE TABLE dataset_schema_versions (
						id TEXT NOT NULL PRIMARY KEY,
						dataset_id TEXT NOT NULL REFERENCES datasets (id),
						version INTEGER NOT NULL,
						fields TEXT NOT NULL,
						checksum TEXT NOT NULL,
						created_at TEXT NOT NULL,
						UNIQUE (dataset_id, checksum),
						UNIQUE (dataset_id, version)
					)`,
					`CREATE TABLE dataset_manifests (
						id TEXT NOT NULL PRIMARY KEY,
						dataset_id TEXT NOT NULL REFERENCES datasets (id),
						version INTEGER NOT NULL,
						status TEXT NOT NULL,
						shard_key TEXT NOT NULL,
						schema_version_id TEXT NOT NULL REFERENCES dataset_schema_versions (id),
						parent_manifest_id TEXT,
						summary TEXT NOT NULL DEFAULT '{}',
						statistics TEXT NOT NULL DEFAULT '{}',
						metadata TEXT NOT NULL DEFAULT '{}',
						created_by TEXT NOT NULL DEFAULT '',
						created_at TEXT NOT NULL,
						published_at TEXT,
						UNIQUE (dataset_id, version)
					)`,
					`CREATE UNIQUE INDEX manifests_one_published_per_shard
						ON dataset_manifests (dataset_id, shard_key)
						WHERE status = 'published'`,
					`CREATE TABLE dataset_partitions (
						id TEXT NOT NULL PRIMARY KEY,
						manifest_id TEXT NOT NULL REFERENCES dataset_manifests (id),
						storage_target_id TEXT NOT NULL,
						file_format TEXT NOT NULL,
						file_path TEXT NOT NULL,
						partition_key TEXT NOT NULL DEFAULT '{}',
						start_time TEXT NOT NULL,
						end_time TEXT NOT NULL,
						file_size_bytes INTEGER NOT NULL DEFAULT 0,
						row_count INTEGER NOT NULL DEFAULT 0,
						checksum TEXT NOT NULL DEFAULT '',
						column_statistics TEXT,
						column_bloom_filters TEXT,
						table_name TEXT NOT NULL DEFAULT 'records',
						schema_version_id TEXT NOT NULL,
						sort_index INTEGER NOT NULL DEFAULT 0
					)`,
					`CREATE INDEX partitions_by_manifest
						ON dataset_partitions (manifest_id, sort_index)`,
					`CREATE TABLE dataset_ingestion_batches (
						id TEXT NOT NULL PRIMARY KEY,
						dataset_id TEXT NOT NULL REFERENCES datasets (id),
						idempotency_key TEXT NOT NULL,
						manifest_id TEXT NOT NULL,
						created_at TEXT NOT NULL,
						UNIQUE (dataset_id, idempotency_key)
					)`,
					`CREATE TABLE streaming_watermarks (
						connector_id TEXT NOT NULL,
						dataset_id TEXT NOT NULL,
						dataset_slug TEXT NOT NULL,
						sealed_through TEXT NOT NULL,
						backlog_lag_ms INTEGER NOT NULL DEFAULT 0,
						records_processed INTEGER NOT NULL DEFAULT 0,
						updated_at TEXT NOT NULL,
						PRIMARY KEY (dataset_id, connector_id)
					)`,
				},
			},
		},
	}
}

// withTx runs fn inside a transaction on the metadata database.
func (db *DB) withTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return dbutil.WithTx(ctx, db.db, fn)
}

// timeLayout stores timestamps as sortable UTC text.
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

func encodeNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeTime(*t), Valid: true}
}

func decodeNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := decodeTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeJSON(value any) (string, error) {
	if value == nil {
		return "{}", nil
	}
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
