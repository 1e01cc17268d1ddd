// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package manifest_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/apphub/timestore/internal/testcontext"
	"github.com/apphub/timestore/timestore/manifest"
	"github.com/apphub/timestore/timestore/schema"
)

func openTestDB(ctx *testcontext.Context, t *testing.T) *manifest.DB {
	db, err := manifest.Open(ctx, zaptest.NewLogger(t), ctx.File("manifest.db"))
	require.NoError(t, err)
	require.NoError(t, db.MigrateToLatest(ctx))
	return db
}

func testFields() schema.Fields {
	return schema.Fields{
		{Name: "timestamp", Type: schema.TypeTimestamp},
		{Name: "level", Type: schema.TypeString},
		{Name: "count", Type: schema.TypeInteger},
	}
}

var testDay = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

func testPartition(target, schemaVersion uuid.UUID, offset time.Duration, rows int64) manifest.PartitionSpec {
	start := testDay.Add(offset)
	return manifest.PartitionSpec{
		StorageTargetID: target,
		FileFormat:      "parquet",
		FilePath:        "events/" + uuid.NewString() + ".parquet",
		PartitionKey:    map[string]string{"region": "eu"},
		StartTime:       start,
		EndTime:         start.Add(time.Hour),
		FileSizeBytes:   rows * 100,
		RowCount:        rows,
		Checksum:        "0c5e",
		TableName:       "records",
		SchemaVersionID: schemaVersion,
	}
}

func TestShardKeys(t *testing.T) {
	require.Equal(t, "2026-03-14", manifest.ShardKeyFor(testDay.Add(23*time.Hour+59*time.Minute)))
	require.Equal(t, "2026-03-14", manifest.ShardKeyFor(time.Date(2026, 3, 15, 0, 30, 0, 0, time.FixedZone("plus-one", 3600))))

	start, end, err := manifest.ShardBounds("2026-03-14")
	require.NoError(t, err)
	require.Equal(t, testDay, start)
	require.Equal(t, testDay.Add(24*time.Hour), end)

	_, _, err = manifest.ShardBounds("march-14")
	require.True(t, manifest.ErrInvalidRequest.Has(err))
}

func TestDatasets(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	target, err := db.CreateStorageTarget(ctx, manifest.CreateStorageTarget{
		Name:   "local",
		Kind:   "local_file",
		Config: []byte(`{"root":"/tmp/parts"}`),
	})
	require.NoError(t, err)

	created, err := db.CreateDataset(ctx, manifest.CreateDataset{
		Slug:                   "app-logs",
		DefaultStorageTargetID: target.ID,
		Metadata:               manifest.DatasetMetadata{"staging.flush.maxRows": 1000},
	})
	require.NoError(t, err)
	require.Equal(t, "app-logs", created.Slug)
	require.Equal(t, "app-logs", created.Name)

	fetched, err := db.GetDatasetBySlug(ctx, "app-logs")
	require.NoError(t, err)
	require.Equal(t, created.ID, fetched.ID)
	require.Equal(t, target.ID, fetched.DefaultStorageTargetID)

	overrides := fetched.Metadata.StagingOverrides()
	require.NotNil(t, overrides.MaxRows)
	require.EqualValues(t, 1000, *overrides.MaxRows)
	require.Nil(t, overrides.MaxBytes)

	_, err = db.CreateDataset(ctx, manifest.CreateDataset{Slug: "app-logs"})
	require.True(t, manifest.ErrConflict.Has(err))

	ensured, err := db.EnsureDataset(ctx, manifest.CreateDataset{Slug: "app-logs"})
	require.NoError(t, err)
	require.Equal(t, created.ID, ensured.ID)

	_, err = db.GetDatasetBySlug(ctx, "missing")
	require.True(t, manifest.ErrNotFound.Has(err))

	datasets, err := db.ListDatasets(ctx)
	require.NoError(t, err)
	require.Len(t, datasets, 1)
}

func TestStorageTargets(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	created, err := db.CreateStorageTarget(ctx, manifest.CreateStorageTarget{
		Name: "warm", Kind: "object_store", Config: []byte(`{"bucket":"warm"}`),
	})
	require.NoError(t, err)

	byName, err := db.GetStorageTargetByName(ctx, "warm")
	require.NoError(t, err)
	require.Equal(t, created.ID, byName.ID)

	_, err = db.CreateStorageTarget(ctx, manifest.CreateStorageTarget{Name: "warm", Kind: "object_store"})
	require.True(t, manifest.ErrConflict.Has(err))

	_, err = db.GetStorageTarget(ctx, uuid.New())
	require.True(t, manifest.ErrStorageTargetNotFound.Has(err))

	ensured, err := db.EnsureStorageTarget(ctx, manifest.CreateStorageTarget{Name: "warm", Kind: "object_store"})
	require.NoError(t, err)
	require.Equal(t, created.ID, ensured.ID)
}

func TestSchemaVersions(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	dataset, err := db.CreateDataset(ctx, manifest.CreateDataset{Slug: "app-logs"})
	require.NoError(t, err)

	next, err := db.GetNextSchemaVersion(ctx, dataset.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, next)

	v1, created, err := db.FindOrCreateSchemaVersion(ctx, dataset.ID, testFields())
	require.NoError(t, err)
	require.True(t, created)
	require.EqualValues(t, 1, v1.Version)

	// same checksum resolves to the stored version, regardless of field order
	reordered := schema.Fields{
		{Name: "count", Type: schema.TypeInteger},
		{Name: "level", Type: schema.TypeString},
		{Name: "timestamp", Type: schema.TypeTimestamp},
	}
	again, created, err := db.FindOrCreateSchemaVersion(ctx, dataset.ID, reordered)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, v1.ID, again.ID)

	evolved := append(testFields(), schema.Field{Name: "host", Type: schema.TypeString})
	v2, created, err := db.FindOrCreateSchemaVersion(ctx, dataset.ID, evolved)
	require.NoError(t, err)
	require.True(t, created)
	require.EqualValues(t, 2, v2.Version)

	fetched, err := db.GetSchemaVersion(ctx, v2.ID)
	require.NoError(t, err)
	require.Equal(t, v2.Checksum, fetched.Checksum)
	require.Equal(t, evolved.Canonical(), fetched.Fields)

	_, err = db.CreateSchemaVersion(ctx, dataset.ID, testFields())
	require.True(t, manifest.ErrConflict.Has(err))
}

func TestCreateDatasetManifest(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	target, err := db.CreateStorageTarget(ctx, manifest.CreateStorageTarget{Name: "local", Kind: "local_file"})
	require.NoError(t, err)
	dataset, err := db.CreateDataset(ctx, manifest.CreateDataset{Slug: "app-logs", DefaultStorageTargetID: target.ID})
	require.NoError(t, err)
	version, _, err := db.FindOrCreateSchemaVersion(ctx, dataset.ID, testFields())
	require.NoError(t, err)

	first, err := db.CreateDatasetManifest(ctx, manifest.CreateManifestRequest{
		DatasetID:       dataset.ID,
		ShardKey:        "2026-03-14",
		SchemaVersionID: version.ID,
		Partitions: []manifest.PartitionSpec{
			testPartition(target.ID, version.ID, 2*time.Hour, 100),
		},
		Statistics: manifest.Statistics{RowsIngested: 100, Flushes: 1},
		CreatedBy:  "ingest",
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, first.Version)
	require.Equal(t, manifest.StatusPublished, first.Status)
	require.Nil(t, first.ParentManifestID)
	require.Len(t, first.Partitions, 1)
	require.EqualValues(t, 100, first.Summary.TotalRows)
	require.NotNil(t, first.PublishedAt)

	// publishing again for the same shard supersedes the previous manifest
	second, err := db.CreateDatasetManifest(ctx, manifest.CreateManifestRequest{
		DatasetID:       dataset.ID,
		ShardKey:        "2026-03-14",
		SchemaVersionID: version.ID,
		Partitions: []manifest.PartitionSpec{
			testPartition(target.ID, version.ID, 4*time.Hour, 50),
		},
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, second.Version)
	require.NotNil(t, second.ParentManifestID)
	require.Equal(t, first.ID, *second.ParentManifestID)

	superseded, err := db.GetManifest(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, manifest.StatusSuperseded, superseded.Status)

	latest, err := db.GetLatestPublishedManifest(ctx, dataset.ID, manifest.GetLatestPublishedOptions{ShardKey: "2026-03-14"})
	require.NoError(t, err)
	require.Equal(t, second.ID, latest.ID)

	// manifest versions stay monotonic across shards of the dataset
	otherShard, err := db.CreateDatasetManifest(ctx, manifest.CreateManifestRequest{
		DatasetID:       dataset.ID,
		ShardKey:        "2026-03-15",
		SchemaVersionID: version.ID,
		Partitions: []manifest.PartitionSpec{
			testPartition(target.ID, version.ID, 26*time.Hour, 10),
		},
	})
	require.NoError(t, err)
	require.EqualValues(t, 3, otherShard.Version)

	next, err := db.GetNextManifestVersion(ctx, dataset.ID)
	require.NoError(t, err)
	require.EqualValues(t, 4, next)

	// a partition outside the shard is rejected
	_, err = db.CreateDatasetManifest(ctx, manifest.CreateManifestRequest{
		DatasetID:       dataset.ID,
		ShardKey:        "2026-03-14",
		SchemaVersionID: version.ID,
		Partitions: []manifest.PartitionSpec{
			testPartition(target.ID, version.ID, 30*time.Hour, 10),
		},
	})
	require.True(t, manifest.ErrInvalidRequest.Has(err))

	_, err = db.GetLatestPublishedManifest(ctx, dataset.ID, manifest.GetLatestPublishedOptions{ShardKey: "2026-03-16"})
	require.True(t, manifest.ErrNotFound.Has(err))
}

func TestAppendPartitionsToManifest(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	target, err := db.CreateStorageTarget(ctx, manifest.CreateStorageTarget{Name: "local", Kind: "local_file"})
	require.NoError(t, err)
	dataset, err := db.CreateDataset(ctx, manifest.CreateDataset{Slug: "app-logs", DefaultStorageTargetID: target.ID})
	require.NoError(t, err)
	version, _, err := db.FindOrCreateSchemaVersion(ctx, dataset.ID, testFields())
	require.NoError(t, err)

	base, err := db.CreateDatasetManifest(ctx, manifest.CreateManifestRequest{
		DatasetID:       dataset.ID,
		ShardKey:        "2026-03-14",
		SchemaVersionID: version.ID,
		Partitions: []manifest.PartitionSpec{
			testPartition(target.ID, version.ID, 1*time.Hour, 10),
			testPartition(target.ID, version.ID, 2*time.Hour, 20),
		},
		Statistics: manifest.Statistics{RowsIngested: 30, Flushes: 1},
	})
	require.NoError(t, err)

	successor, err := db.AppendPartitionsToManifest(ctx, manifest.AppendPartitions{
		ManifestID: base.ID,
		Partitions: []manifest.PartitionSpec{
			testPartition(target.ID, version.ID, 3*time.Hour, 40),
		},
		StatisticsPatch: manifest.Statistics{RowsIngested: 40, Flushes: 1},
	})
	require.NoError(t, err)
	require.Equal(t, base.DatasetID, successor.DatasetID)
	require.Equal(t, base.ShardKey, successor.ShardKey)
	require.EqualValues(t, base.Version+1, successor.Version)
	require.NotNil(t, successor.ParentManifestID)
	require.Equal(t, base.ID, *successor.ParentManifestID)

	// the successor owns the full partition set in original order
	require.Len(t, successor.Partitions, 3)
	for i, partition := range successor.Partitions {
		require.Equal(t, i, partition.SortIndex)
		require.Equal(t, successor.ID, partition.ManifestID)
	}
	require.EqualValues(t, 70, successor.Summary.TotalRows)
	require.EqualValues(t, 3, successor.Summary.PartitionCount)
	require.EqualValues(t, 70, successor.Statistics.RowsIngested)
	require.EqualValues(t, 2, successor.Statistics.Flushes)

	old, err := db.GetManifest(ctx, base.ID)
	require.NoError(t, err)
	require.Equal(t, manifest.StatusSuperseded, old.Status)
	require.Empty(t, old.Partitions)

	latest, err := db.GetLatestPublishedManifest(ctx, dataset.ID, manifest.GetLatestPublishedOptions{ShardKey: "2026-03-14"})
	require.NoError(t, err)
	require.Equal(t, successor.ID, latest.ID)

	// appending to the superseded version conflicts
	_, err = db.AppendPartitionsToManifest(ctx, manifest.AppendPartitions{
		ManifestID: base.ID,
		Partitions: []manifest.PartitionSpec{
			testPartition(target.ID, version.ID, 5*time.Hour, 1),
		},
	})
	require.True(t, manifest.ErrConflict.Has(err))
}

func TestIngestionBatches(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	dataset, err := db.CreateDataset(ctx, manifest.CreateDataset{Slug: "app-logs"})
	require.NoError(t, err)

	manifestID := uuid.New()
	recorded, err := db.RecordIngestionBatch(ctx, dataset.ID, "batch-1", manifestID)
	require.NoError(t, err)
	require.Equal(t, manifestID, recorded.ManifestID)

	// replaying the key returns the original record
	replayed, err := db.RecordIngestionBatch(ctx, dataset.ID, "batch-1", uuid.New())
	require.NoError(t, err)
	require.Equal(t, recorded.ID, replayed.ID)
	require.Equal(t, manifestID, replayed.ManifestID)

	fetched, err := db.GetIngestionBatch(ctx, dataset.ID, "batch-1")
	require.NoError(t, err)
	require.Equal(t, recorded.ID, fetched.ID)

	_, err = db.GetIngestionBatch(ctx, dataset.ID, "batch-2")
	require.True(t, manifest.ErrNotFound.Has(err))
}

func TestStreamingWatermarks(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	dataset, err := db.CreateDataset(ctx, manifest.CreateDataset{Slug: "app-logs"})
	require.NoError(t, err)

	sealed := testDay.Add(10 * time.Minute)
	mark, err := db.UpsertStreamingWatermark(ctx, manifest.UpsertWatermark{
		ConnectorID:   "kafka-1",
		DatasetID:     dataset.ID,
		DatasetSlug:   dataset.Slug,
		SealedThrough: sealed,
		RecordsDelta:  100,
	})
	require.NoError(t, err)
	require.Equal(t, sealed, mark.SealedThrough)
	require.EqualValues(t, 100, mark.RecordsProcessed)

	// advancing moves the watermark and accumulates the counter
	mark, err = db.UpsertStreamingWatermark(ctx, manifest.UpsertWatermark{
		ConnectorID:   "kafka-1",
		DatasetID:     dataset.ID,
		DatasetSlug:   dataset.Slug,
		SealedThrough: sealed.Add(5 * time.Minute),
		RecordsDelta:  50,
	})
	require.NoError(t, err)
	require.Equal(t, sealed.Add(5*time.Minute), mark.SealedThrough)
	require.EqualValues(t, 150, mark.RecordsProcessed)

	// a replayed older window never rewinds the watermark
	mark, err = db.UpsertStreamingWatermark(ctx, manifest.UpsertWatermark{
		ConnectorID:   "kafka-1",
		DatasetID:     dataset.ID,
		DatasetSlug:   dataset.Slug,
		SealedThrough: sealed.Add(-5 * time.Minute),
		RecordsDelta:  25,
	})
	require.NoError(t, err)
	require.Equal(t, sealed.Add(5*time.Minute), mark.SealedThrough)
	require.EqualValues(t, 175, mark.RecordsProcessed)

	fetched, err := db.GetStreamingWatermark(ctx, dataset.ID, "kafka-1")
	require.NoError(t, err)
	require.Equal(t, mark.SealedThrough, fetched.SealedThrough)

	_, err = db.GetStreamingWatermark(ctx, dataset.ID, "kafka-2")
	require.True(t, manifest.ErrNotFound.Has(err))
}

func TestCache(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	target, err := db.CreateStorageTarget(ctx, manifest.CreateStorageTarget{Name: "local", Kind: "local_file"})
	require.NoError(t, err)
	dataset, err := db.CreateDataset(ctx, manifest.CreateDataset{Slug: "app-logs", DefaultStorageTargetID: target.ID})
	require.NoError(t, err)
	version, _, err := db.FindOrCreateSchemaVersion(ctx, dataset.ID, testFields())
	require.NoError(t, err)

	first, err := db.CreateDatasetManifest(ctx, manifest.CreateManifestRequest{
		DatasetID:       dataset.ID,
		ShardKey:        "2026-03-14",
		SchemaVersionID: version.ID,
		Partitions: []manifest.PartitionSpec{
			testPartition(target.ID, version.ID, 1*time.Hour, 10),
		},
	})
	require.NoError(t, err)

	cache := manifest.NewCache(zaptest.NewLogger(t), db, time.Hour)

	cached, err := cache.Dataset(ctx, "app-logs")
	require.NoError(t, err)
	require.Equal(t, dataset.ID, cached.ID)

	latest, err := cache.LatestManifest(ctx, dataset.ID, "2026-03-14")
	require.NoError(t, err)
	require.Equal(t, first.ID, latest.ID)

	second, err := db.AppendPartitionsToManifest(ctx, manifest.AppendPartitions{
		ManifestID: first.ID,
		Partitions: []manifest.PartitionSpec{
			testPartition(target.ID, version.ID, 2*time.Hour, 10),
		},
	})
	require.NoError(t, err)

	// stale until invalidated
	latest, err = cache.LatestManifest(ctx, dataset.ID, "2026-03-14")
	require.NoError(t, err)
	require.Equal(t, first.ID, latest.ID)

	cache.InvalidateDataset(dataset.ID)

	latest, err = cache.LatestManifest(ctx, dataset.ID, "2026-03-14")
	require.NoError(t, err)
	require.Equal(t, second.ID, latest.ID)
}
