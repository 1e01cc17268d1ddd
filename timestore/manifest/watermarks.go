// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package manifest

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// UpsertWatermark contains the arguments for advancing a streaming
// watermark.
type UpsertWatermark struct {
	ConnectorID   string
	DatasetID     uuid.UUID
	DatasetSlug   string
	SealedThrough time.Time
	BacklogLagMs  int64
	RecordsDelta  int64
}

// Verify checks the request fields.
func (req *UpsertWatermark) Verify() error {
	switch {
	case req.ConnectorID == "":
		return ErrInvalidRequest.New("connector id missing")
	case req.DatasetID == uuid.Nil:
		return ErrInvalidRequest.New("dataset id missing")
	case req.SealedThrough.IsZero():
		return ErrInvalidRequest.New("sealed through missing")
	}
	return nil
}

// UpsertStreamingWatermark advances the watermark of a connector and
// dataset. The sealed-through time never moves backwards and the records
// counter accumulates, so replayed windows leave the watermark intact.
func (db *DB) UpsertStreamingWatermark(ctx context.Context, req UpsertWatermark) (_ *StreamingWatermark, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := req.Verify(); err != nil {
		return nil, err
	}

	var mark *StreamingWatermark
	err = db.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now().UTC()
		mark = &StreamingWatermark{
			ConnectorID:      req.ConnectorID,
			DatasetID:        req.DatasetID,
			DatasetSlug:      req.DatasetSlug,
			SealedThrough:    req.SealedThrough.UTC(),
			BacklogLagMs:     req.BacklogLagMs,
			RecordsProcessed: req.RecordsDelta,
			UpdatedAt:        now,
		}

		var (
			sealed  string
			records int64
		)
		err := tx.QueryRowContext(ctx, `
			SELECT sealed_through, records_processed FROM streaming_watermarks
			WHERE dataset_id = ? AND connector_id = ?`,
			req.DatasetID.String(), req.ConnectorID).Scan(&sealed, &records)
		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO streaming_watermarks (
					connector_id, dataset_id, dataset_slug, sealed_through,
					backlog_lag_ms, records_processed, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				mark.ConnectorID, mark.DatasetID.String(), mark.DatasetSlug,
				encodeTime(mark.SealedThrough), mark.BacklogLagMs,
				mark.RecordsProcessed, encodeTime(now))
			return Error.Wrap(err)
		case err != nil:
			return Error.Wrap(err)
		}

		existing, err := decodeTime(sealed)
		if err != nil {
			return err
		}
		if existing.After(mark.SealedThrough) {
			mark.SealedThrough = existing
		}
		mark.RecordsProcessed = records + req.RecordsDelta

		_, err = tx.ExecContext(ctx, `
			UPDATE streaming_watermarks
			SET dataset_slug = ?, sealed_through = ?, backlog_lag_ms = ?,
			    records_processed = ?, updated_at = ?
			WHERE dataset_id = ? AND connector_id = ?`,
			mark.DatasetSlug, encodeTime(mark.SealedThrough), mark.BacklogLagMs,
			mark.RecordsProcessed, encodeTime(now),
			req.DatasetID.String(), req.ConnectorID)
		return Error.Wrap(err)
	})
	if err != nil {
		return nil, err
	}
	return mark, nil
}

// GetStreamingWatermark returns the watermark of a connector and dataset.
func (db *DB) GetStreamingWatermark(ctx context.Context, datasetID uuid.UUID, connectorID string) (_ *StreamingWatermark, err error) {
	defer mon.Task()(&ctx)(&err)

	var (
		mark            StreamingWatermark
		dsID            string
		sealed, updated string
	)
	err = db.db.QueryRowContext(ctx, `
		SELECT connector_id, dataset_id, dataset_slug, sealed_through,
		       backlog_lag_ms, records_processed, updated_at
		FROM streaming_watermarks
		WHERE dataset_id = ? AND connector_id = ?`,
		datasetID.String(), connectorID).
		Scan(&mark.ConnectorID, &dsID, &mark.DatasetSlug, &sealed,
			&mark.BacklogLagMs, &mark.RecordsProcessed, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound.New("watermark for connector %q", connectorID)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if mark.DatasetID, err = uuid.Parse(dsID); err != nil {
		return nil, Error.Wrap(err)
	}
	if mark.SealedThrough, err = decodeTime(sealed); err != nil {
		return nil, err
	}
	if mark.UpdatedAt, err = decodeTime(updated); err != nil {
		return nil, err
	}
	return &mark, nil
}
