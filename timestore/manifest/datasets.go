// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"github.com/apphub/timestore/internal/dbutil"
)

// CreateDataset contains the arguments for creating a dataset.
type CreateDataset struct {
	Slug                   string
	Name                   string
	Description            string
	DefaultStorageTargetID uuid.UUID
	Metadata               DatasetMetadata
}

// Verify checks the request fields.
func (req *CreateDataset) Verify() error {
	if req.Slug == "" {
		return ErrInvalidRequest.New("slug missing")
	}
	if req.Name == "" {
		req.Name = req.Slug
	}
	return nil
}

// GetDatasetBySlug returns the dataset with the given slug.
func (db *DB) GetDatasetBySlug(ctx context.Context, slug string) (_ *Dataset, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT id, slug, name, description, default_storage_target_id, metadata, created_at, updated_at
		FROM datasets
		WHERE slug = ?`, slug)
	dataset, err := scanDataset(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound.New("dataset %q", slug)
	}
	return dataset, err
}

// CreateDataset inserts a new dataset.
func (db *DB) CreateDataset(ctx context.Context, req CreateDataset) (_ *Dataset, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := req.Verify(); err != nil {
		return nil, err
	}

	metadata, err := encodeJSON(req.Metadata)
	if err != nil {
		return nil, err
	}

	dataset := &Dataset{
		ID:                     uuid.New(),
		Slug:                   req.Slug,
		Name:                   req.Name,
		Description:            req.Description,
		DefaultStorageTargetID: req.DefaultStorageTargetID,
		Metadata:               req.Metadata,
		CreatedAt:              time.Now().UTC(),
	}
	dataset.UpdatedAt = dataset.CreatedAt

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO datasets (id, slug, name, description, default_storage_target_id, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		dataset.ID.String(), dataset.Slug, dataset.Name, dataset.Description,
		nullUUID(dataset.DefaultStorageTargetID), metadata,
		encodeTime(dataset.CreatedAt), encodeTime(dataset.UpdatedAt))
	if err != nil {
		if dbutil.IsConstraintError(err) {
			return nil, ErrConflict.New("dataset %q already exists", req.Slug)
		}
		return nil, Error.Wrap(err)
	}
	return dataset, nil
}

// EnsureDataset returns the dataset with the given slug, creating it when
// missing. A dataset without a default storage target is patched with the
// requested one.
func (db *DB) EnsureDataset(ctx context.Context, req CreateDataset) (_ *Dataset, err error) {
	defer mon.Task()(&ctx)(&err)

	dataset, err := db.GetDatasetBySlug(ctx, req.Slug)
	if err == nil {
		if dataset.DefaultStorageTargetID == uuid.Nil && req.DefaultStorageTargetID != uuid.Nil {
			if err := db.UpdateDatasetDefaultStorageTarget(ctx, dataset.ID, req.DefaultStorageTargetID); err != nil {
				return nil, err
			}
			dataset.DefaultStorageTargetID = req.DefaultStorageTargetID
		}
		return dataset, nil
	}
	if !ErrNotFound.Has(err) {
		return nil, err
	}

	dataset, err = db.CreateDataset(ctx, req)
	if ErrConflict.Has(err) {
		// another writer created it concurrently
		return db.GetDatasetBySlug(ctx, req.Slug)
	}
	return dataset, err
}

// UpdateDatasetDefaultStorageTarget sets the default storage target of a
// dataset.
func (db *DB) UpdateDatasetDefaultStorageTarget(ctx context.Context, datasetID, targetID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE datasets SET default_storage_target_id = ?, updated_at = ? WHERE id = ?`,
		targetID.String(), encodeTime(time.Now()), datasetID.String())
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return ErrNotFound.New("dataset %s", datasetID)
	}
	return nil
}

// ListDatasets returns every dataset ordered by slug.
func (db *DB) ListDatasets(ctx context.Context) (_ []Dataset, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT id, slug, name, description, default_storage_target_id, metadata, created_at, updated_at
		FROM datasets
		ORDER BY slug`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var datasets []Dataset
	for rows.Next() {
		dataset, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		datasets = append(datasets, *dataset)
	}
	return datasets, Error.Wrap(rows.Err())
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDataset(row scanner) (*Dataset, error) {
	var (
		dataset              Dataset
		id                   string
		defaultTarget        sql.NullString
		metadata             string
		createdAt, updatedAt string
	)
	err := row.Scan(&id, &dataset.Slug, &dataset.Name, &dataset.Description, &defaultTarget, &metadata, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, Error.Wrap(err)
	}
	if dataset.ID, err = uuid.Parse(id); err != nil {
		return nil, Error.Wrap(err)
	}
	if defaultTarget.Valid {
		if dataset.DefaultStorageTargetID, err = uuid.Parse(defaultTarget.String); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	if err := decodeJSON(metadata, &dataset.Metadata); err != nil {
		return nil, err
	}
	if dataset.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if dataset.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &dataset, nil
}

// CreateStorageTarget contains the arguments for registering a storage
// target.
type CreateStorageTarget struct {
	Name   string
	Kind   string
	Config json.RawMessage
}

// Verify checks the request fields.
func (req *CreateStorageTarget) Verify() error {
	switch {
	case req.Name == "":
		return ErrInvalidRequest.New("target name missing")
	case req.Kind == "":
		return ErrInvalidRequest.New("target kind missing")
	}
	return nil
}

// CreateStorageTarget registers a new storage target.
func (db *DB) CreateStorageTarget(ctx context.Context, req CreateStorageTarget) (_ *StorageTarget, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := req.Verify(); err != nil {
		return nil, err
	}

	config := req.Config
	if len(config) == 0 {
		config = json.RawMessage(`{}`)
	}

	target := &StorageTarget{
		ID:        uuid.New(),
		Name:      req.Name,
		Kind:      req.Kind,
		Config:    config,
		CreatedAt: time.Now().UTC(),
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO storage_targets (id, name, kind, config, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		target.ID.String(), target.Name, target.Kind, string(target.Config), encodeTime(target.CreatedAt))
	if err != nil {
		if dbutil.IsConstraintError(err) {
			return nil, ErrConflict.New("storage target %q already exists", req.Name)
		}
		return nil, Error.Wrap(err)
	}
	return target, nil
}

// GetStorageTarget returns the storage target with the given id.
func (db *DB) GetStorageTarget(ctx context.Context, id uuid.UUID) (_ *StorageTarget, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT id, name, kind, config, created_at FROM storage_targets WHERE id = ?`, id.String())
	target, err := scanStorageTarget(row)
	if err == sql.ErrNoRows {
		return nil, ErrStorageTargetNotFound.New("%s", id)
	}
	return target, err
}

// GetStorageTargetByName returns the storage target with the given name.
func (db *DB) GetStorageTargetByName(ctx context.Context, name string) (_ *StorageTarget, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT id, name, kind, config, created_at FROM storage_targets WHERE name = ?`, name)
	target, err := scanStorageTarget(row)
	if err == sql.ErrNoRows {
		return nil, ErrStorageTargetNotFound.New("%q", name)
	}
	return target, err
}

// EnsureStorageTarget returns the named storage target, creating it when
// missing.
func (db *DB) EnsureStorageTarget(ctx context.Context, req CreateStorageTarget) (_ *StorageTarget, err error) {
	defer mon.Task()(&ctx)(&err)

	target, err := db.GetStorageTargetByName(ctx, req.Name)
	if err == nil {
		return target, nil
	}
	if !ErrStorageTargetNotFound.Has(err) {
		return nil, err
	}
	target, err = db.CreateStorageTarget(ctx, req)
	if ErrConflict.Has(err) {
		return db.GetStorageTargetByName(ctx, req.Name)
	}
	return target, err
}

func scanStorageTarget(row scanner) (*StorageTarget, error) {
	var (
		target    StorageTarget
		id        string
		config    string
		createdAt string
	)
	err := row.Scan(&id, &target.Name, &target.Kind, &config, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, Error.Wrap(err)
	}
	if target.ID, err = uuid.Parse(id); err != nil {
		return nil, Error.Wrap(err)
	}
	target.Config = []byte(config)
	if target.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	return &target, nil
}

func nullUUID(id uuid.UUID) sql.NullString {
	if id == uuid.Nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}
