// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package manifest

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"github.com/apphub/timestore/internal/dbutil"
	"github.com/apphub/timestore/timestore/partstore"
)

// PartitionSpec describes a partition to attach to a manifest.
type PartitionSpec struct {
	StorageTargetID    uuid.UUID
	FileFormat         string
	FilePath           string
	PartitionKey       map[string]string
	StartTime          time.Time
	EndTime            time.Time
	FileSizeBytes      int64
	RowCount           int64
	Checksum           string
	ColumnStatistics   map[string]partstore.ColumnStats
	ColumnBloomFilters map[string]string
	TableName          string
	SchemaVersionID    uuid.UUID
}

// Verify checks the partition fields against the shard it will join.
func (spec *PartitionSpec) Verify(shardKey string) error {
	switch {
	case spec.StorageTargetID == uuid.Nil:
		return ErrInvalidRequest.New("partition storage target missing")
	case spec.FilePath == "":
		return ErrInvalidRequest.New("partition file path missing")
	case spec.EndTime.Before(spec.StartTime):
		return ErrInvalidRequest.New("partition end time before start time")
	case spec.SchemaVersionID == uuid.Nil:
		return ErrInvalidRequest.New("partition schema version missing")
	}
	if ShardKeyFor(spec.StartTime) != shardKey {
		return ErrInvalidRequest.New("partition start %s outside shard %s", spec.StartTime, shardKey)
	}
	return nil
}

func (spec *PartitionSpec) summary() Summary {
	start, end := spec.StartTime.UTC(), spec.EndTime.UTC()
	return Summary{
		PartitionCount: 1,
		TotalRows:      spec.RowCount,
		TotalBytes:     spec.FileSizeBytes,
		StartTime:      &start,
		EndTime:        &end,
	}
}

// CreateManifestRequest contains the arguments for publishing a new
// manifest.
type CreateManifestRequest struct {
	DatasetID        uuid.UUID
	ShardKey         string
	SchemaVersionID  uuid.UUID
	ParentManifestID *uuid.UUID
	Partitions       []PartitionSpec
	Statistics       Statistics
	Metadata         map[string]any
	CreatedBy        string
}

// Verify checks the request fields.
func (req *CreateManifestRequest) Verify() error {
	switch {
	case req.DatasetID == uuid.Nil:
		return ErrInvalidRequest.New("dataset id missing")
	case req.ShardKey == "":
		return ErrInvalidRequest.New("shard key missing")
	case req.SchemaVersionID == uuid.Nil:
		return ErrInvalidRequest.New("schema version id missing")
	}
	if _, _, err := ShardBounds(req.ShardKey); err != nil {
		return err
	}
	for i := range req.Partitions {
		if err := req.Partitions[i].Verify(req.ShardKey); err != nil {
			return err
		}
	}
	return nil
}

// CreateDatasetManifest publishes a new manifest with its partitions in one
// transaction, superseding the previously published manifest of the same
// shard.
func (db *DB) CreateDatasetManifest(ctx context.Context, req CreateManifestRequest) (_ *Manifest, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := req.Verify(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	created := &Manifest{
		ID:               uuid.New(),
		DatasetID:        req.DatasetID,
		Status:           StatusPublished,
		ShardKey:         req.ShardKey,
		SchemaVersionID:  req.SchemaVersionID,
		ParentManifestID: req.ParentManifestID,
		Statistics:       req.Statistics,
		Metadata:         req.Metadata,
		CreatedBy:        req.CreatedBy,
		CreatedAt:        now,
		PublishedAt:      &now,
	}
	for i := range req.Partitions {
		created.Summary = created.Summary.merge(req.Partitions[i].summary())
	}

	err = db.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		superseded, err := supersedePublished(ctx, tx, req.DatasetID, req.ShardKey)
		if err != nil {
			return err
		}
		if created.ParentManifestID == nil && superseded != uuid.Nil {
			parent := superseded
			created.ParentManifestID = &parent
		}

		created.Version, err = nextManifestVersion(ctx, tx, req.DatasetID)
		if err != nil {
			return err
		}

		if err := insertManifest(ctx, tx, created); err != nil {
			return err
		}

		created.Partitions, err = insertPartitions(ctx, tx, created.ID, created.SchemaVersionID, 0, req.Partitions)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// AppendPartitions contains the arguments for appending partitions to a
// published manifest.
type AppendPartitions struct {
	ManifestID      uuid.UUID
	Partitions      []PartitionSpec
	StatisticsPatch Statistics
	MetadataPatch   map[string]any
	SchemaVersionID uuid.UUID // zero keeps the manifest's schema version
	CreatedBy       string
}

// Verify checks the request fields.
func (req *AppendPartitions) Verify() error {
	if req.ManifestID == uuid.Nil {
		return ErrInvalidRequest.New("manifest id missing")
	}
	if len(req.Partitions) == 0 {
		return ErrInvalidRequest.New("no partitions to append")
	}
	return nil
}

// AppendPartitionsToManifest publishes a successor manifest that owns the
// previous manifest's partitions plus the appended ones. The published
// partition set is append-only; supersession of the old version happens in
// the same transaction.
func (db *DB) AppendPartitionsToManifest(ctx context.Context, req AppendPartitions) (_ *Manifest, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := req.Verify(); err != nil {
		return nil, err
	}

	var successor *Manifest
	err = db.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		previous, err := getManifestTx(ctx, tx, req.ManifestID)
		if err != nil {
			return err
		}
		if previous.Status != StatusPublished {
			return ErrConflict.New("manifest %s is %s, not published", previous.ID, previous.Status)
		}
		for i := range req.Partitions {
			if err := req.Partitions[i].Verify(previous.ShardKey); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		parent := previous.ID
		successor = &Manifest{
			ID:               uuid.New(),
			DatasetID:        previous.DatasetID,
			Status:           StatusPublished,
			ShardKey:         previous.ShardKey,
			SchemaVersionID:  previous.SchemaVersionID,
			ParentManifestID: &parent,
			Summary:          previous.Summary,
			Statistics:       previous.Statistics.merge(req.StatisticsPatch),
			Metadata:         mergeMetadata(previous.Metadata, req.MetadataPatch),
			CreatedBy:        req.CreatedBy,
			CreatedAt:        now,
			PublishedAt:      &now,
		}
		if req.SchemaVersionID != uuid.Nil {
			successor.SchemaVersionID = req.SchemaVersionID
		}
		for i := range req.Partitions {
			successor.Summary = successor.Summary.merge(req.Partitions[i].summary())
		}

		successor.Version, err = nextManifestVersion(ctx, tx, previous.DatasetID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE dataset_manifests SET status = ? WHERE id = ?`,
			StatusSuperseded, previous.ID.String()); err != nil {
			return Error.Wrap(err)
		}

		if err := insertManifest(ctx, tx, successor); err != nil {
			return err
		}

		// existing partitions move to the successor, keeping their order
		if _, err := tx.ExecContext(ctx, `
			UPDATE dataset_partitions SET manifest_id = ? WHERE manifest_id = ?`,
			successor.ID.String(), previous.ID.String()); err != nil {
			return Error.Wrap(err)
		}

		var count int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM dataset_partitions WHERE manifest_id = ?`,
			successor.ID.String()).Scan(&count); err != nil {
			return Error.Wrap(err)
		}

		if _, err := insertPartitions(ctx, tx, successor.ID, successor.SchemaVersionID, count, req.Partitions); err != nil {
			return err
		}

		successor.Partitions, err = loadPartitions(ctx, tx, successor.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return successor, nil
}

// GetLatestPublishedOptions narrow down GetLatestPublishedManifest.
type GetLatestPublishedOptions struct {
	// ShardKey restricts the lookup to one shard; empty selects the
	// dataset-wide latest published manifest.
	ShardKey string
}

// GetLatestPublishedManifest returns the latest published manifest of a
// dataset, together with its partitions, as a consistent snapshot.
func (db *DB) GetLatestPublishedManifest(ctx context.Context, datasetID uuid.UUID, opts GetLatestPublishedOptions) (_ *Manifest, err error) {
	defer mon.Task()(&ctx)(&err)

	var manifest *Manifest
	err = db.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		query := `
			SELECT id, dataset_id, version, status, shard_key, schema_version_id, parent_manifest_id,
			       summary, statistics, metadata, created_by, created_at, published_at
			FROM dataset_manifests
			WHERE dataset_id = ? AND status = ?`
		args := []any{datasetID.String(), StatusPublished}
		if opts.ShardKey != "" {
			query += ` AND shard_key = ?`
			args = append(args, opts.ShardKey)
		}
		query += ` ORDER BY version DESC LIMIT 1`

		manifest, err = scanManifest(tx.QueryRowContext(ctx, query, args...))
		if err == sql.ErrNoRows {
			return ErrNotFound.New("no published manifest for dataset %s", datasetID)
		}
		if err != nil {
			return err
		}
		manifest.Partitions, err = loadPartitions(ctx, tx, manifest.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return manifest, nil
}

// GetManifest returns the manifest with the given id and its partitions.
func (db *DB) GetManifest(ctx context.Context, id uuid.UUID) (_ *Manifest, err error) {
	defer mon.Task()(&ctx)(&err)

	var manifest *Manifest
	err = db.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		manifest, err = getManifestTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return manifest, nil
}

// GetNextManifestVersion returns the version the next manifest of the
// dataset will get.
func (db *DB) GetNextManifestVersion(ctx context.Context, datasetID uuid.UUID) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var version int64
	err = db.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		version, err = nextManifestVersion(ctx, tx, datasetID)
		return err
	})
	return version, err
}

// RecordIngestionBatch stores the manifest produced for an idempotency key.
// Recording the same key again returns the original record.
func (db *DB) RecordIngestionBatch(ctx context.Context, datasetID uuid.UUID, idempotencyKey string, manifestID uuid.UUID) (_ *IngestionBatch, err error) {
	defer mon.Task()(&ctx)(&err)

	if idempotencyKey == "" {
		return nil, ErrInvalidRequest.New("idempotency key missing")
	}

	batch := &IngestionBatch{
		ID:             uuid.New(),
		DatasetID:      datasetID,
		IdempotencyKey: idempotencyKey,
		ManifestID:     manifestID,
		CreatedAt:      time.Now().UTC(),
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO dataset_ingestion_batches (id, dataset_id, idempotency_key, manifest_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		batch.ID.String(), datasetID.String(), idempotencyKey, manifestID.String(), encodeTime(batch.CreatedAt))
	if err != nil {
		if dbutil.IsConstraintError(err) {
			return db.GetIngestionBatch(ctx, datasetID, idempotencyKey)
		}
		return nil, Error.Wrap(err)
	}
	return batch, nil
}

// ListPartitionFiles returns every partition file path known to the
// metadata store, across all manifests. Storage files absent from the
// result are orphans left by interrupted commits.
func (db *DB) ListPartitionFiles(ctx context.Context) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT DISTINCT file_path FROM dataset_partitions ORDER BY file_path`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, Error.Wrap(err)
		}
		paths = append(paths, path)
	}
	return paths, Error.Wrap(rows.Err())
}

// GetIngestionBatch returns the idempotency record for a key.
func (db *DB) GetIngestionBatch(ctx context.Context, datasetID uuid.UUID, idempotencyKey string) (_ *IngestionBatch, err error) {
	defer mon.Task()(&ctx)(&err)

	var (
		batch                        IngestionBatch
		id, dsID, manifestID, stored string
	)
	err = db.db.QueryRowContext(ctx, `
		SELECT id, dataset_id, idempotency_key, manifest_id, created_at
		FROM dataset_ingestion_batches
		WHERE dataset_id = ? AND idempotency_key = ?`,
		datasetID.String(), idempotencyKey).
		Scan(&id, &dsID, &batch.IdempotencyKey, &manifestID, &stored)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound.New("ingestion batch %q", idempotencyKey)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if batch.ID, err = uuid.Parse(id); err != nil {
		return nil, Error.Wrap(err)
	}
	if batch.DatasetID, err = uuid.Parse(dsID); err != nil {
		return nil, Error.Wrap(err)
	}
	if batch.ManifestID, err = uuid.Parse(manifestID); err != nil {
		return nil, Error.Wrap(err)
	}
	if batch.CreatedAt, err = decodeTime(stored); err != nil {
		return nil, err
	}
	return &batch, nil
}

func nextManifestVersion(ctx context.Context, tx *sql.Tx, datasetID uuid.UUID) (int64, error) {
	var max sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT MAX(version) FROM dataset_manifests WHERE dataset_id = ?`,
		datasetID.String()).Scan(&max)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return max.Int64 + 1, nil
}

// supersedePublished marks the published manifest of a shard superseded and
// returns its id, or uuid.Nil when the shard had none.
func supersedePublished(ctx context.Context, tx *sql.Tx, datasetID uuid.UUID, shardKey string) (uuid.UUID, error) {
	var id string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM dataset_manifests
		WHERE dataset_id = ? AND shard_key = ? AND status = ?`,
		datasetID.String(), shardKey, StatusPublished).Scan(&id)
	if err == sql.ErrNoRows {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, Error.Wrap(err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE dataset_manifests SET status = ? WHERE id = ?`,
		StatusSuperseded, id); err != nil {
		return uuid.Nil, Error.Wrap(err)
	}
	parsed, err := uuid.Parse(id)
	return parsed, Error.Wrap(err)
}

func insertManifest(ctx context.Context, tx *sql.Tx, manifest *Manifest) error {
	summary, err := encodeJSON(manifest.Summary)
	if err != nil {
		return err
	}
	statistics, err := encodeJSON(manifest.Statistics)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(manifest.Metadata)
	if err != nil {
		return err
	}

	var parent sql.NullString
	if manifest.ParentManifestID != nil {
		parent = sql.NullString{String: manifest.ParentManifestID.String(), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dataset_manifests (
			id, dataset_id, version, status, shard_key, schema_version_id, parent_manifest_id,
			summary, statistics, metadata, created_by, created_at, published_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		manifest.ID.String(), manifest.DatasetID.String(), manifest.Version, manifest.Status,
		manifest.ShardKey, manifest.SchemaVersionID.String(), parent,
		summary, statistics, metadata, manifest.CreatedBy,
		encodeTime(manifest.CreatedAt), encodeNullTime(manifest.PublishedAt))
	if err != nil {
		if dbutil.IsConstraintError(err) {
			return ErrConflict.New("manifest version %d for dataset %s", manifest.Version, manifest.DatasetID)
		}
		return Error.Wrap(err)
	}
	return nil
}

func insertPartitions(ctx context.Context, tx *sql.Tx, manifestID, defaultSchemaVersion uuid.UUID, sortOffset int, specs []PartitionSpec) ([]Partition, error) {
	partitions := make([]Partition, 0, len(specs))
	for i, spec := range specs {
		schemaVersionID := spec.SchemaVersionID
		if schemaVersionID == uuid.Nil {
			schemaVersionID = defaultSchemaVersion
		}
		tableName := spec.TableName
		if tableName == "" {
			tableName = "records"
		}

		partition := Partition{
			ID:                 uuid.New(),
			ManifestID:         manifestID,
			StorageTargetID:    spec.StorageTargetID,
			FileFormat:         spec.FileFormat,
			FilePath:           spec.FilePath,
			PartitionKey:       spec.PartitionKey,
			StartTime:          spec.StartTime.UTC(),
			EndTime:            spec.EndTime.UTC(),
			FileSizeBytes:      spec.FileSizeBytes,
			RowCount:           spec.RowCount,
			Checksum:           spec.Checksum,
			ColumnStatistics:   spec.ColumnStatistics,
			ColumnBloomFilters: spec.ColumnBloomFilters,
			TableName:          tableName,
			SchemaVersionID:    schemaVersionID,
			SortIndex:          sortOffset + i,
		}

		partitionKey, err := encodeJSON(partition.PartitionKey)
		if err != nil {
			return nil, err
		}
		var columnStats, columnBlooms sql.NullString
		if len(partition.ColumnStatistics) > 0 {
			encoded, err := encodeJSON(partition.ColumnStatistics)
			if err != nil {
				return nil, err
			}
			columnStats = sql.NullString{String: encoded, Valid: true}
		}
		if len(partition.ColumnBloomFilters) > 0 {
			encoded, err := encodeJSON(partition.ColumnBloomFilters)
			if err != nil {
				return nil, err
			}
			columnBlooms = sql.NullString{String: encoded, Valid: true}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO dataset_partitions (
				id, manifest_id, storage_target_id, file_format, file_path, partition_key,
				start_time, end_time, file_size_bytes, row_count, checksum,
				column_statistics, column_bloom_filters, table_name, schema_version_id, sort_index
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			partition.ID.String(), manifestID.String(), partition.StorageTargetID.String(),
			partition.FileFormat, partition.FilePath, partitionKey,
			encodeTime(partition.StartTime), encodeTime(partition.EndTime),
			partition.FileSizeBytes, partition.RowCount, partition.Checksum,
			columnStats, columnBlooms, tableName, schemaVersionID.String(), partition.SortIndex)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		partitions = append(partitions, partition)
	}
	return partitions, nil
}

func getManifestTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*Manifest, error) {
	manifest, err := scanManifest(tx.QueryRowContext(ctx, `
		SELECT id, dataset_id, version, status, shard_key, schema_version_id, parent_manifest_id,
		       summary, statistics, metadata, created_by, created_at, published_at
		FROM dataset_manifests
		WHERE id = ?`, id.String()))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound.New("manifest %s", id)
	}
	if err != nil {
		return nil, err
	}
	manifest.Partitions, err = loadPartitions(ctx, tx, manifest.ID)
	return manifest, err
}

func scanManifest(row scanner) (*Manifest, error) {
	var (
		manifest                      Manifest
		id, datasetID, schemaVersion  string
		parent, publishedAt           sql.NullString
		summary, statistics, metadata string
		createdAt                     string
	)
	err := row.Scan(&id, &datasetID, &manifest.Version, &manifest.Status, &manifest.ShardKey,
		&schemaVersion, &parent, &summary, &statistics, &metadata,
		&manifest.CreatedBy, &createdAt, &publishedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, Error.Wrap(err)
	}
	if manifest.ID, err = uuid.Parse(id); err != nil {
		return nil, Error.Wrap(err)
	}
	if manifest.DatasetID, err = uuid.Parse(datasetID); err != nil {
		return nil, Error.Wrap(err)
	}
	if manifest.SchemaVersionID, err = uuid.Parse(schemaVersion); err != nil {
		return nil, Error.Wrap(err)
	}
	if parent.Valid {
		parsed, err := uuid.Parse(parent.String)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		manifest.ParentManifestID = &parsed
	}
	if err := decodeJSON(summary, &manifest.Summary); err != nil {
		return nil, err
	}
	if err := decodeJSON(statistics, &manifest.Statistics); err != nil {
		return nil, err
	}
	if err := decodeJSON(metadata, &manifest.Metadata); err != nil {
		return nil, err
	}
	if manifest.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if manifest.PublishedAt, err = decodeNullTime(publishedAt); err != nil {
		return nil, err
	}
	return &manifest, nil
}

func loadPartitions(ctx context.Context, tx *sql.Tx, manifestID uuid.UUID) (_ []Partition, err error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, manifest_id, storage_target_id, file_format, file_path, partition_key,
		       start_time, end_time, file_size_bytes, row_count, checksum,
		       column_statistics, column_bloom_filters, table_name, schema_version_id, sort_index
		FROM dataset_partitions
		WHERE manifest_id = ?
		ORDER BY sort_index`, manifestID.String())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var partitions []Partition
	for rows.Next() {
		var (
			partition                 Partition
			id, mID, targetID         string
			partitionKey              string
			startTime, endTime        string
			columnStats, columnBlooms sql.NullString
			schemaVersionID           string
		)
		err := rows.Scan(&id, &mID, &targetID, &partition.FileFormat, &partition.FilePath,
			&partitionKey, &startTime, &endTime, &partition.FileSizeBytes, &partition.RowCount,
			&partition.Checksum, &columnStats, &columnBlooms, &partition.TableName,
			&schemaVersionID, &partition.SortIndex)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if partition.ID, err = uuid.Parse(id); err != nil {
			return nil, Error.Wrap(err)
		}
		if partition.ManifestID, err = uuid.Parse(mID); err != nil {
			return nil, Error.Wrap(err)
		}
		if partition.StorageTargetID, err = uuid.Parse(targetID); err != nil {
			return nil, Error.Wrap(err)
		}
		if err := decodeJSON(partitionKey, &partition.PartitionKey); err != nil {
			return nil, err
		}
		if partition.StartTime, err = decodeTime(startTime); err != nil {
			return nil, err
		}
		if partition.EndTime, err = decodeTime(endTime); err != nil {
			return nil, err
		}
		if columnStats.Valid {
			if err := decodeJSON(columnStats.String, &partition.ColumnStatistics); err != nil {
				return nil, err
			}
		}
		if columnBlooms.Valid {
			if err := decodeJSON(columnBlooms.String, &partition.ColumnBloomFilters); err != nil {
				return nil, err
			}
		}
		if partition.SchemaVersionID, err = uuid.Parse(schemaVersionID); err != nil {
			return nil, Error.Wrap(err)
		}
		partitions = append(partitions, partition)
	}
	return partitions, Error.Wrap(rows.Err())
}

func mergeMetadata(base, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return base
	}
	merged := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}
