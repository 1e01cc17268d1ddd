// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/apphub/timestore/timestore/events"
	"github.com/apphub/timestore/timestore/manifest"
	"github.com/apphub/timestore/timestore/partstore"
	"github.com/apphub/timestore/timestore/schema"
	"github.com/apphub/timestore/timestore/spool"
)

// Attribute keys carrying request options through the spool to the flush.
const (
	attrStorageTarget     = "storage.target"
	attrEvolutionBackfill = "evolution.backfill"
	attrEvolutionDefaults = "evolution.defaults"
)

// Config configures the ingestion processor.
type Config struct {
	// DefaultStorageTarget names the target used when neither the request
	// nor the dataset picks one.
	DefaultStorageTarget string
	// StagingEnabled routes ingestion through the spool. Datasets can opt
	// out via metadata.
	StagingEnabled bool
	// Index controls which per-partition column indexes are built.
	Index partstore.IndexConfig
}

// Processor executes ingestion jobs end to end.
type Processor struct {
	log     *zap.Logger
	db      *manifest.DB
	cache   *manifest.Cache
	drivers *partstore.Registry
	spool   *spool.Manager
	staging *spool.WriteQueue
	bus     events.Publisher
	config  Config
}

// NewProcessor creates an ingestion processor. The spool manager and
// staging queue may be nil, which forces direct partition writes.
func NewProcessor(log *zap.Logger, db *manifest.DB, cache *manifest.Cache, drivers *partstore.Registry, spoolManager *spool.Manager, staging *spool.WriteQueue, bus events.Publisher, config Config) *Processor {
	return &Processor{
		log:     log,
		db:      db,
		cache:   cache,
		drivers: drivers,
		spool:   spoolManager,
		staging: staging,
		bus:     bus,
		config:  config,
	}
}

// Result reports a completed or staged ingestion.
type Result struct {
	DatasetID       uuid.UUID
	DatasetSlug     string
	ManifestID      uuid.UUID
	ManifestVersion int64
	SchemaVersionID uuid.UUID
	PartitionIDs    []uuid.UUID
	RowCount        int64
	Evolution       schema.EvolutionKind
	AddedColumns    []string

	// AlreadyProcessed marks an idempotent replay; the manifest fields
	// refer to the original run.
	AlreadyProcessed bool

	// Staged marks a request buffered in the spool; the manifest appears
	// once the dataset flushes.
	Staged  bool
	BatchID uuid.UUID

	// Skipped marks an accepted empty batch; nothing was written.
	Skipped bool
}

// Process runs one ingestion request. Requests against staged datasets are
// buffered in the spool and materialize on flush; everything else writes a
// partition and publishes a manifest synchronously.
func (processor *Processor) Process(ctx context.Context, payload *Payload) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := payload.Verify(); err != nil {
		return nil, err
	}

	// an unknown explicit target fails before any state changes
	var target *manifest.StorageTarget
	if payload.StorageTargetID != "" {
		target, err = processor.resolveExplicitTarget(ctx, payload.StorageTargetID)
		if err != nil {
			return nil, err
		}
	}

	dataset, err := processor.ensureDataset(ctx, payload)
	if err != nil {
		return nil, err
	}

	if target == nil {
		target, err = processor.defaultTarget(ctx, dataset)
		if err != nil {
			return nil, err
		}
	}
	if err := processor.patchDefaultTarget(ctx, dataset, target); err != nil {
		return nil, err
	}

	if payload.IdempotencyKey != "" {
		replayed, err := processor.replay(ctx, dataset, payload.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if replayed != nil {
			return replayed, nil
		}
	}

	rows, err := normalizeRows(payload.Schema.Fields, payload.Rows)
	if err != nil {
		return nil, err
	}

	// an empty batch is accepted and changes nothing
	if len(rows) == 0 {
		mon.Event("ingest_empty_batch")
		return &Result{
			DatasetID:   dataset.ID,
			DatasetSlug: dataset.Slug,
			Evolution:   schema.EvolutionIdentical,
			Skipped:     true,
		}, nil
	}

	if processor.stagingFor(dataset) {
		return processor.stage(ctx, dataset, payload, rows)
	}

	return processor.commit(ctx, writeJob{
		dataset:        dataset,
		target:         target,
		tableName:      payload.TableName,
		fields:         payload.Schema.Fields,
		key:            payload.Partition.Key,
		attributes:     attributesAsAny(payload.Partition.Attributes),
		startTime:      payload.Partition.TimeRange.Start,
		endTime:        payload.Partition.TimeRange.End,
		rows:           rows,
		rowCount:       int64(len(rows)),
		receivedAt:     payload.receivedAt(),
		idempotencyKey: payload.IdempotencyKey,
		evolution:      payload.Schema.Evolution,
		createdBy:      payload.createdBy(),
	})
}

// FlushResult reports the outcome of flushing one dataset's spool.
type FlushResult struct {
	FlushToken string
	Batches    int
	Rows       int64
	Results    []Result
}

// FlushDataset materializes every pending staged batch of a dataset. On
// failure the claimed batches are released and stay flushable.
func (processor *Processor) FlushDataset(ctx context.Context, slug string) (_ *FlushResult, err error) {
	defer mon.Task()(&ctx)(&err)

	if processor.spool == nil {
		return nil, Error.New("staging is not configured")
	}

	plan, err := processor.spool.PrepareFlush(ctx, slug)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return &FlushResult{}, nil
	}

	dataset, err := processor.db.GetDatasetBySlug(ctx, slug)
	if err != nil {
		_, _, abortErr := processor.spool.AbortFlush(ctx, slug, plan.FlushToken)
		return nil, errs.Combine(err, abortErr)
	}

	flush := &FlushResult{FlushToken: plan.FlushToken}
	for i := range plan.Batches {
		result, err := processor.materializeBatch(ctx, dataset, &plan.Batches[i])
		if err != nil {
			_, _, abortErr := processor.spool.AbortFlush(ctx, slug, plan.FlushToken)
			return nil, errs.Combine(err, abortErr)
		}
		flush.Batches++
		flush.Rows += result.RowCount
		flush.Results = append(flush.Results, *result)
	}

	if err := processor.spool.FinalizeFlush(ctx, slug, plan.FlushToken); err != nil {
		return nil, err
	}
	return flush, nil
}

// materializeBatch writes one staged batch as a partition. Batches replayed
// after a partial flush short-circuit on their idempotency key.
func (processor *Processor) materializeBatch(ctx context.Context, dataset *manifest.Dataset, batch *spool.FlushBatch) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if batch.IdempotencyKey != "" {
		replayed, err := processor.replay(ctx, dataset, batch.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if replayed != nil {
			replayed.RowCount = batch.RowCount
			return replayed, nil
		}
	}

	attributes, explicitTarget, evolution := splitBatchAttributes(batch.PartitionAttributes)

	var target *manifest.StorageTarget
	if explicitTarget != "" {
		target, err = processor.resolveExplicitTarget(ctx, explicitTarget)
	} else {
		target, err = processor.defaultTarget(ctx, dataset)
	}
	if err != nil {
		return nil, err
	}

	return processor.commit(ctx, writeJob{
		dataset:        dataset,
		target:         target,
		tableName:      batch.TableName,
		fields:         batch.Schema,
		key:            batch.PartitionKey,
		attributes:     attributes,
		startTime:      batch.StartTime,
		endTime:        batch.EndTime,
		rows:           batch.Rows,
		spoolFile:      batch.ParquetFilePath,
		rowCount:       batch.RowCount,
		receivedAt:     batch.ReceivedAt,
		idempotencyKey: batch.IdempotencyKey,
		evolution:      evolution,
		createdBy:      "staging-flush",
	})
}

// writeJob is the shared input of the direct and flush write paths.
type writeJob struct {
	dataset   *manifest.Dataset
	target    *manifest.StorageTarget
	tableName string
	fields    schema.Fields
	key       map[string]string

	// attributes merge into the manifest metadata patch.
	attributes map[string]any

	startTime time.Time
	endTime   time.Time

	// rows are always set for index building; the partition write reads
	// spoolFile instead when present.
	rows      []map[string]any
	spoolFile string
	rowCount  int64

	receivedAt     time.Time
	idempotencyKey string
	evolution      *EvolutionOptions
	createdBy      string
}

// commit performs the write path shared by direct ingestion and staged
// flushes: schema evolution against the shard baseline, the partition file
// write, the manifest publish and the lifecycle events. Errors before the
// storage write leave no side effects; an orphan partition file may remain
// when the manifest transaction fails afterwards.
func (processor *Processor) commit(ctx context.Context, job writeJob) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	shardKey := manifest.ShardKeyFor(job.startTime)
	boundary := job.startTime.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	if job.endTime.After(boundary) {
		// validation rejects these up front; a stale staged batch is filed
		// under its start shard instead of poisoning the whole flush
		processor.log.Warn("partition spans shards, filed under its start shard",
			zap.String("dataset", job.dataset.Slug),
			zap.String("shard", shardKey))
	}

	previous, baseline, err := processor.baseline(ctx, job.dataset.ID, shardKey)
	if err != nil {
		return nil, err
	}

	evolution, err := schema.Classify(baseline, job.fields)
	if err != nil {
		return nil, err
	}

	version, _, err := processor.db.FindOrCreateSchemaVersion(ctx, job.dataset.ID, job.fields)
	if err != nil {
		return nil, err
	}

	stats, blooms := partstore.BuildIndex(job.fields, job.rows, processor.config.Index)

	driver, err := processor.drivers.ForKind(job.target.Kind)
	if err != nil {
		return nil, err
	}

	partitionID := uuid.New()
	writeReq := partstore.WriteRequest{
		DatasetSlug:  job.dataset.Slug,
		PartitionID:  partitionID,
		TableName:    job.tableName,
		PartitionKey: job.key,
		Schema:       job.fields,
		TargetConfig: job.target.Config,
	}
	if job.spoolFile != "" {
		writeReq.SpoolFile = job.spoolFile
		writeReq.RowCount = job.rowCount
	} else {
		writeReq.Rows = job.rows
	}

	written, err := driver.WritePartition(ctx, writeReq)
	if err != nil {
		return nil, err
	}

	spec := manifest.PartitionSpec{
		StorageTargetID:    job.target.ID,
		FileFormat:         written.FileFormat,
		FilePath:           written.RelativePath,
		PartitionKey:       job.key,
		StartTime:          job.startTime,
		EndTime:            job.endTime,
		FileSizeBytes:      written.FileSizeBytes,
		RowCount:           written.RowCount,
		Checksum:           written.Checksum,
		ColumnStatistics:   stats,
		ColumnBloomFilters: blooms,
		TableName:          job.tableName,
		SchemaVersionID:    version.ID,
	}

	statistics := manifest.Statistics{
		RowsIngested: written.RowCount,
		Flushes:      1,
	}
	additive := evolution.Kind == schema.EvolutionAdditive
	if additive {
		statistics.SchemaEvolutions = 1
	}

	metadata := make(map[string]any, len(job.attributes)+1)
	for key, value := range job.attributes {
		metadata[key] = value
	}
	if additive {
		metadata["evolution.addedColumns"] = evolution.AddedColumns.Names()
	}

	var published *manifest.Manifest
	if previous != nil {
		// breaking evolution already failed above, so the shard manifest
		// accepts the append
		published, err = processor.db.AppendPartitionsToManifest(ctx, manifest.AppendPartitions{
			ManifestID:      previous.ID,
			Partitions:      []manifest.PartitionSpec{spec},
			StatisticsPatch: statistics,
			MetadataPatch:   metadata,
			SchemaVersionID: version.ID,
			CreatedBy:       job.createdBy,
		})
	} else {
		published, err = processor.db.CreateDatasetManifest(ctx, manifest.CreateManifestRequest{
			DatasetID:       job.dataset.ID,
			ShardKey:        shardKey,
			SchemaVersionID: version.ID,
			Partitions:      []manifest.PartitionSpec{spec},
			Statistics:      statistics,
			Metadata:        metadata,
			CreatedBy:       job.createdBy,
		})
	}
	if err != nil {
		return nil, err
	}

	if job.idempotencyKey != "" {
		if _, err := processor.db.RecordIngestionBatch(ctx, job.dataset.ID, job.idempotencyKey, published.ID); err != nil {
			return nil, err
		}
	}

	if processor.cache != nil {
		processor.cache.InvalidateDataset(job.dataset.ID)
	}

	processor.publishEvents(ctx, job, published, previous, version, evolution, partitionID, written)

	processor.log.Info("partition ingested",
		zap.String("dataset", job.dataset.Slug),
		zap.String("shard", shardKey),
		zap.Stringer("manifest", published.ID),
		zap.Int64("version", published.Version),
		zap.Int64("rows", written.RowCount),
		zap.String("evolution", string(evolution.Kind)))

	return &Result{
		DatasetID:       job.dataset.ID,
		DatasetSlug:     job.dataset.Slug,
		ManifestID:      published.ID,
		ManifestVersion: published.Version,
		SchemaVersionID: version.ID,
		PartitionIDs:    []uuid.UUID{partitionID},
		RowCount:        written.RowCount,
		Evolution:       evolution.Kind,
		AddedColumns:    evolution.AddedColumns.Names(),
	}, nil
}

// stage buffers the request in the spool via the per-dataset write queue.
func (processor *Processor) stage(ctx context.Context, dataset *manifest.Dataset, payload *Payload, rows []map[string]any) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	attributes := attributesAsAny(payload.Partition.Attributes)
	if payload.StorageTargetID != "" {
		attributes[attrStorageTarget] = payload.StorageTargetID
	}
	if payload.Schema.Evolution != nil {
		if payload.Schema.Evolution.Backfill {
			attributes[attrEvolutionBackfill] = true
		}
		if len(payload.Schema.Evolution.Defaults) > 0 {
			attributes[attrEvolutionDefaults] = payload.Schema.Evolution.Defaults
		}
	}

	idempotencyKey := payload.IdempotencyKey
	if idempotencyKey == "" {
		// staged flush replays must converge even without a caller key
		idempotencyKey = payload.Signature()
	}

	staged, err := processor.staging.Enqueue(ctx, spool.StageRequest{
		DatasetSlug:         dataset.Slug,
		TableName:           payload.TableName,
		IngestionSignature:  payload.Signature(),
		Schema:              payload.Schema.Fields,
		PartitionKey:        payload.Partition.Key,
		PartitionAttributes: attributes,
		StartTime:           payload.Partition.TimeRange.Start,
		EndTime:             payload.Partition.TimeRange.End,
		Rows:                rows,
		ReceivedAt:          payload.receivedAt(),
		IdempotencyKey:      idempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		DatasetID:        dataset.ID,
		DatasetSlug:      dataset.Slug,
		RowCount:         staged.RowCount,
		Staged:           true,
		BatchID:          staged.BatchID,
		AlreadyProcessed: staged.AlreadyStaged,
	}, nil
}

// replay returns the result of a previous run for an idempotency key, or
// nil when the key is unseen.
func (processor *Processor) replay(ctx context.Context, dataset *manifest.Dataset, idempotencyKey string) (_ *Result, err error) {
	batch, err := processor.db.GetIngestionBatch(ctx, dataset.ID, idempotencyKey)
	if err != nil {
		if manifest.ErrNotFound.Has(err) {
			return nil, nil
		}
		return nil, err
	}

	published, err := processor.db.GetManifest(ctx, batch.ManifestID)
	if err != nil {
		return nil, err
	}

	mon.Event("ingest_replayed")
	processor.log.Debug("ingestion replayed",
		zap.String("dataset", dataset.Slug),
		zap.String("idempotencyKey", idempotencyKey),
		zap.Stringer("manifest", published.ID))

	return &Result{
		DatasetID:        dataset.ID,
		DatasetSlug:      dataset.Slug,
		ManifestID:       published.ID,
		ManifestVersion:  published.Version,
		SchemaVersionID:  published.SchemaVersionID,
		Evolution:        schema.EvolutionIdentical,
		AlreadyProcessed: true,
	}, nil
}

// baseline returns the shard's published manifest and the schema fields to
// classify against. Without a shard manifest the dataset-wide latest
// supplies the baseline schema only.
func (processor *Processor) baseline(ctx context.Context, datasetID uuid.UUID, shardKey string) (previous *manifest.Manifest, fields schema.Fields, err error) {
	previous, err = processor.db.GetLatestPublishedManifest(ctx, datasetID, manifest.GetLatestPublishedOptions{ShardKey: shardKey})
	if err != nil && !manifest.ErrNotFound.Has(err) {
		return nil, nil, err
	}

	schemaSource := previous
	if schemaSource == nil {
		schemaSource, err = processor.db.GetLatestPublishedManifest(ctx, datasetID, manifest.GetLatestPublishedOptions{})
		if err != nil {
			if manifest.ErrNotFound.Has(err) {
				return previous, nil, nil
			}
			return nil, nil, err
		}
	}

	version, err := processor.db.GetSchemaVersion(ctx, schemaSource.SchemaVersionID)
	if err != nil {
		return nil, nil, err
	}
	return previous, version.Fields, nil
}

// resolveExplicitTarget resolves a storage target referenced by id or name.
func (processor *Processor) resolveExplicitTarget(ctx context.Context, reference string) (*manifest.StorageTarget, error) {
	if id, err := uuid.Parse(reference); err == nil {
		return processor.db.GetStorageTarget(ctx, id)
	}
	return processor.db.GetStorageTargetByName(ctx, reference)
}

// defaultTarget resolves the dataset default target, falling back to the
// configured system default.
func (processor *Processor) defaultTarget(ctx context.Context, dataset *manifest.Dataset) (*manifest.StorageTarget, error) {
	if dataset.DefaultStorageTargetID != uuid.Nil {
		target, err := processor.db.GetStorageTarget(ctx, dataset.DefaultStorageTargetID)
		if err == nil {
			return target, nil
		}
		if !manifest.ErrStorageTargetNotFound.Has(err) {
			return nil, err
		}
		// a dangling default falls through to the system default
	}
	if processor.config.DefaultStorageTarget != "" {
		target, err := processor.db.GetStorageTargetByName(ctx, processor.config.DefaultStorageTarget)
		if err == nil {
			return target, nil
		}
		if !manifest.ErrStorageTargetNotFound.Has(err) {
			return nil, err
		}
	}
	return nil, manifest.ErrStorageTargetNotFound.New("no storage target configured for dataset %q", dataset.Slug)
}

// ensureDataset upserts the dataset for a payload.
func (processor *Processor) ensureDataset(ctx context.Context, payload *Payload) (*manifest.Dataset, error) {
	return processor.db.EnsureDataset(ctx, manifest.CreateDataset{
		Slug: payload.DatasetSlug,
		Name: payload.DatasetName,
	})
}

// patchDefaultTarget records the resolved target as the dataset default
// when the dataset has none yet.
func (processor *Processor) patchDefaultTarget(ctx context.Context, dataset *manifest.Dataset, target *manifest.StorageTarget) error {
	if dataset.DefaultStorageTargetID != uuid.Nil {
		return nil
	}
	if err := processor.db.UpdateDatasetDefaultStorageTarget(ctx, dataset.ID, target.ID); err != nil {
		return err
	}
	dataset.DefaultStorageTargetID = target.ID
	if processor.cache != nil {
		processor.cache.InvalidateDataset(dataset.ID)
	}
	return nil
}

// stagingFor reports whether requests for the dataset go through the spool.
func (processor *Processor) stagingFor(dataset *manifest.Dataset) bool {
	if !processor.config.StagingEnabled || processor.staging == nil || processor.spool == nil {
		return false
	}
	return !dataset.Metadata.StagingOverrides().Disabled
}

// publishEvents emits the lifecycle events of a committed partition.
// Publish failures are logged, never surfaced; the manifest is already
// durable and replays would not re-emit.
func (processor *Processor) publishEvents(ctx context.Context, job writeJob, published *manifest.Manifest, previous *manifest.Manifest, version *manifest.SchemaVersion, evolution schema.Evolution, partitionID uuid.UUID, written partstore.WriteResult) {
	if processor.bus == nil {
		return
	}

	created := events.PartitionCreated{
		DatasetID:       job.dataset.ID,
		DatasetSlug:     job.dataset.Slug,
		ManifestID:      published.ID,
		PartitionID:     partitionID,
		PartitionKey:    job.key,
		StorageTargetID: job.target.ID.String(),
		FilePath:        written.RelativePath,
		RowCount:        written.RowCount,
		FileSizeBytes:   written.FileSizeBytes,
		Checksum:        written.Checksum,
		ReceivedAt:      job.receivedAt,
	}
	if err := processor.bus.Publish(ctx, events.TopicPartitionCreated, created); err != nil {
		processor.log.Warn("event publish failed",
			zap.String("topic", events.TopicPartitionCreated),
			zap.Error(err))
	}

	if evolution.Kind != schema.EvolutionAdditive || len(evolution.AddedColumns) == 0 {
		return
	}

	evolved := events.SchemaEvolved{
		DatasetID:       job.dataset.ID,
		DatasetSlug:     job.dataset.Slug,
		ManifestID:      published.ID,
		SchemaVersionID: version.ID,
		AddedColumns:    evolution.AddedColumns.Names(),
	}
	if previous != nil {
		previousID := previous.ID
		evolved.PreviousManifestID = &previousID
	}
	if err := processor.bus.Publish(ctx, events.TopicSchemaEvolved, evolved); err != nil {
		processor.log.Warn("event publish failed",
			zap.String("topic", events.TopicSchemaEvolved),
			zap.Error(err))
	}

	if job.evolution == nil || !job.evolution.Backfill {
		return
	}

	plan := evolution.MigrationPlan()
	for name, value := range job.evolution.Defaults {
		if _, ok := plan.Defaults[name]; ok {
			plan.Defaults[name] = value
		}
	}
	backfill := events.SchemaBackfillRequested{
		SchemaEvolved: evolved,
		Defaults:      plan.Defaults,
	}
	if err := processor.bus.Publish(ctx, events.TopicSchemaBackfillRequested, backfill); err != nil {
		processor.log.Warn("event publish failed",
			zap.String("topic", events.TopicSchemaBackfillRequested),
			zap.Error(err))
	}
}

// normalizeRows validates every row against the schema and coerces the
// values to their canonical representation.
func normalizeRows(fields schema.Fields, rows []map[string]any) ([]map[string]any, error) {
	normalized := make([]map[string]any, 0, len(rows))
	for i, row := range rows {
		out, err := fields.NormalizeRow(row)
		if err != nil {
			return nil, ErrValidation.New("row %d: %v", i, err)
		}
		normalized = append(normalized, out)
	}
	return normalized, nil
}

// attributesAsAny widens a string attribute map for spool metadata.
func attributesAsAny(attributes map[string]string) map[string]any {
	out := make(map[string]any, len(attributes))
	for key, value := range attributes {
		out[key] = value
	}
	return out
}

// splitBatchAttributes separates user attributes from the reserved option
// keys a staged request carried through the spool.
func splitBatchAttributes(attributes map[string]any) (user map[string]any, storageTarget string, evolution *EvolutionOptions) {
	user = make(map[string]any, len(attributes))
	for key, value := range attributes {
		switch key {
		case attrStorageTarget:
			if s, ok := value.(string); ok {
				storageTarget = s
			}
		case attrEvolutionBackfill:
			if b, ok := value.(bool); ok && b {
				if evolution == nil {
					evolution = &EvolutionOptions{}
				}
				evolution.Backfill = true
			}
		case attrEvolutionDefaults:
			if defaults, ok := value.(map[string]any); ok {
				if evolution == nil {
					evolution = &EvolutionOptions{}
				}
				evolution.Defaults = defaults
			}
		default:
			user[key] = value
		}
	}
	return user, storageTarget, evolution
}
