// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package manifest

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/apphub/timestore/internal/dbutil"
	"github.com/apphub/timestore/timestore/schema"
)

// FindSchemaVersionByChecksum returns the schema version of a dataset with
// the given checksum.
func (db *DB) FindSchemaVersionByChecksum(ctx context.Context, datasetID uuid.UUID, checksum string) (_ *SchemaVersion, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT id, dataset_id, version, fields, checksum, created_at
		FROM dataset_schema_versions
		WHERE dataset_id = ? AND checksum = ?`,
		datasetID.String(), checksum)
	version, err := scanSchemaVersion(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound.New("schema version with checksum %s", checksum)
	}
	return version, err
}

// GetSchemaVersion returns the schema version with the given id.
func (db *DB) GetSchemaVersion(ctx context.Context, id uuid.UUID) (_ *SchemaVersion, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT id, dataset_id, version, fields, checksum, created_at
		FROM dataset_schema_versions
		WHERE id = ?`, id.String())
	version, err := scanSchemaVersion(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound.New("schema version %s", id)
	}
	return version, err
}

// GetNextSchemaVersion returns the version number the next schema revision
// of the dataset will get.
func (db *DB) GetNextSchemaVersion(ctx context.Context, datasetID uuid.UUID) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var max sql.NullInt64
	err = db.db.QueryRowContext(ctx, `
		SELECT MAX(version) FROM dataset_schema_versions WHERE dataset_id = ?`,
		datasetID.String()).Scan(&max)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return max.Int64 + 1, nil
}

// CreateSchemaVersion inserts the fields as the next schema version of the
// dataset.
func (db *DB) CreateSchemaVersion(ctx context.Context, datasetID uuid.UUID, fields schema.Fields) (_ *SchemaVersion, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := fields.Validate(); err != nil {
		return nil, ErrInvalidRequest.Wrap(err)
	}

	// stored in canonical order so the encoding is deterministic
	canonical := fields.Canonical()
	encoded, err := canonical.Encode()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	version := &SchemaVersion{
		ID:        uuid.New(),
		DatasetID: datasetID,
		Fields:    canonical,
		Checksum:  canonical.Checksum(),
		CreatedAt: time.Now().UTC(),
	}

	err = db.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var max sql.NullInt64
		err := tx.QueryRowContext(ctx, `
			SELECT MAX(version) FROM dataset_schema_versions WHERE dataset_id = ?`,
			datasetID.String()).Scan(&max)
		if err != nil {
			return Error.Wrap(err)
		}
		version.Version = max.Int64 + 1

		_, err = tx.ExecContext(ctx, `
			INSERT INTO dataset_schema_versions (id, dataset_id, version, fields, checksum, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			version.ID.String(), datasetID.String(), version.Version,
			string(encoded), version.Checksum, encodeTime(version.CreatedAt))
		return err
	})
	if err != nil {
		if dbutil.IsConstraintError(err) {
			return nil, ErrConflict.New("schema version exists for dataset %s", datasetID)
		}
		return nil, Error.Wrap(err)
	}
	return version, nil
}

// FindOrCreateSchemaVersion resolves the schema version for the fields,
// creating the next version when the checksum is new for the dataset.
func (db *DB) FindOrCreateSchemaVersion(ctx context.Context, datasetID uuid.UUID, fields schema.Fields) (_ *SchemaVersion, created bool, err error) {
	defer mon.Task()(&ctx)(&err)

	existing, err := db.FindSchemaVersionByChecksum(ctx, datasetID, fields.Checksum())
	if err == nil {
		return existing, false, nil
	}
	if !ErrNotFound.Has(err) {
		return nil, false, err
	}

	version, err := db.CreateSchemaVersion(ctx, datasetID, fields)
	if ErrConflict.Has(err) {
		existing, err := db.FindSchemaVersionByChecksum(ctx, datasetID, fields.Checksum())
		return existing, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return version, true, nil
}

func scanSchemaVersion(row scanner) (*SchemaVersion, error) {
	var (
		version           SchemaVersion
		id, datasetID     string
		fields, createdAt string
	)
	err := row.Scan(&id, &datasetID, &version.Version, &fields, &version.Checksum, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, Error.Wrap(err)
	}
	if version.ID, err = uuid.Parse(id); err != nil {
		return nil, Error.Wrap(err)
	}
	if version.DatasetID, err = uuid.Parse(datasetID); err != nil {
		return nil, Error.Wrap(err)
	}
	if version.Fields, err = schema.Decode([]byte(fields)); err != nil {
		return nil, err
	}
	if version.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	return &version, nil
}
