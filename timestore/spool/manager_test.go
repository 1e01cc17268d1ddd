// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/apphub/timestore/internal/testcontext"
	"github.com/apphub/timestore/timestore/partstore"
	"github.com/apphub/timestore/timestore/schema"
)

func testFields() schema.Fields {
	return schema.Fields{
		{Name: "timestamp", Type: schema.TypeTimestamp},
		{Name: "level", Type: schema.TypeString},
		{Name: "count", Type: schema.TypeInteger},
	}
}

var stageBase = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func stageReq(slug, signature string, rowCount int) StageRequest {
	rows := make([]map[string]any, 0, rowCount)
	for i := 0; i < rowCount; i++ {
		rows = append(rows, map[string]any{
			"timestamp": stageBase.Add(time.Duration(i) * time.Second),
			"level":     "info",
			"count":     int64(i),
		})
	}
	return StageRequest{
		DatasetSlug:        slug,
		TableName:          "records",
		IngestionSignature: signature,
		Schema:             testFields(),
		PartitionKey:       map[string]string{"region": "eu"},
		StartTime:          stageBase,
		EndTime:            stageBase.Add(time.Hour),
		Rows:               rows,
		ReceivedAt:         stageBase,
	}
}

func newTestManager(ctx *testcontext.Context, t *testing.T, config Config) *Manager {
	if config.Directory == "" {
		config.Directory = ctx.Dir("spool")
	}
	return NewManager(zaptest.NewLogger(t), config)
}

func TestStagePartition(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := newTestManager(ctx, t, Config{})
	defer ctx.Check(manager.Close)

	var staleCalls int
	manager.SetStaleHandler(func(slug string) { staleCalls++ })

	result, err := manager.StagePartition(ctx, stageReq("app-logs", "sig-1", 3))
	require.NoError(t, err)
	require.False(t, result.AlreadyStaged)
	require.EqualValues(t, 3, result.RowCount)
	require.Equal(t, 1, staleCalls)

	// the same signature stages nothing new
	again, err := manager.StagePartition(ctx, stageReq("app-logs", "sig-1", 3))
	require.NoError(t, err)
	require.True(t, again.AlreadyStaged)
	require.Equal(t, result.BatchID, again.BatchID)
	require.Equal(t, 1, staleCalls)

	_, err = manager.StagePartition(ctx, stageReq("app-logs", "sig-2", 2))
	require.NoError(t, err)

	summary, err := manager.GetDatasetSummary(ctx, "app-logs")
	require.NoError(t, err)
	require.EqualValues(t, 2, summary.PendingBatchCount)
	require.EqualValues(t, 5, summary.PendingRowCount)
	require.NotNil(t, summary.OldestStagedAt)
	require.Greater(t, summary.OnDiskBytes, int64(0))

	pending, err := manager.ListPendingBatches(ctx, "app-logs")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, result.BatchID, pending[0].BatchID)

	slugs, err := manager.ListDatasets(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"app-logs"}, slugs)
}

func TestFlushLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := newTestManager(ctx, t, Config{})
	defer ctx.Check(manager.Close)

	_, err := manager.StagePartition(ctx, stageReq("app-logs", "sig-1", 2))
	require.NoError(t, err)
	_, err = manager.StagePartition(ctx, stageReq("app-logs", "sig-2", 3))
	require.NoError(t, err)

	plan, err := manager.PrepareFlush(ctx, "app-logs")
	require.NoError(t, err)
	require.NotNil(t, plan)
	require.Len(t, plan.Batches, 2)
	require.EqualValues(t, 2, plan.Batches[0].RowCount)
	require.EqualValues(t, 3, plan.Batches[1].RowCount)

	// rows come back in canonical form and the exported file decodes to them
	first := plan.Batches[0]
	require.Len(t, first.Rows, 2)
	require.Equal(t, map[string]any{
		"timestamp": stageBase,
		"level":     "info",
		"count":     int64(0),
	}, first.Rows[0])

	exported, err := partstore.ReadParquetFile(first.ParquetFilePath, first.TableName, first.Schema)
	require.NoError(t, err)
	require.Equal(t, first.Rows, exported)

	// claimed batches are not selected again
	second, err := manager.PrepareFlush(ctx, "app-logs")
	require.NoError(t, err)
	require.Nil(t, second)

	// new arrivals during a flush stay pending
	_, err = manager.StagePartition(ctx, stageReq("app-logs", "sig-3", 1))
	require.NoError(t, err)

	summary, err := manager.GetDatasetSummary(ctx, "app-logs")
	require.NoError(t, err)
	require.EqualValues(t, 1, summary.PendingBatchCount)
	require.EqualValues(t, 2, summary.FlushingBatchCount)

	require.NoError(t, manager.FinalizeFlush(ctx, "app-logs", plan.FlushToken))

	summary, err = manager.GetDatasetSummary(ctx, "app-logs")
	require.NoError(t, err)
	require.EqualValues(t, 1, summary.PendingBatchCount)
	require.EqualValues(t, 1, summary.PendingRowCount)
	require.EqualValues(t, 0, summary.FlushingBatchCount)

	_, err = os.Stat(first.ParquetFilePath)
	require.True(t, os.IsNotExist(err))
}

func TestAbortFlush(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := newTestManager(ctx, t, Config{})
	defer ctx.Check(manager.Close)

	_, err := manager.StagePartition(ctx, stageReq("app-logs", "sig-1", 2))
	require.NoError(t, err)

	plan, err := manager.PrepareFlush(ctx, "app-logs")
	require.NoError(t, err)
	require.NotNil(t, plan)

	batches, rows, err := manager.AbortFlush(ctx, "app-logs", plan.FlushToken)
	require.NoError(t, err)
	require.EqualValues(t, 1, batches)
	require.EqualValues(t, 2, rows)

	_, err = os.Stat(plan.Batches[0].ParquetFilePath)
	require.True(t, os.IsNotExist(err))

	// released batches are flushable again
	plan, err = manager.PrepareFlush(ctx, "app-logs")
	require.NoError(t, err)
	require.NotNil(t, plan)
	require.Len(t, plan.Batches, 1)
}

func TestFlushRecovery(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	dir := ctx.Dir("spool")

	crashed := newTestManager(ctx, t, Config{Directory: dir})
	_, err := crashed.StagePartition(ctx, stageReq("app-logs", "sig-1", 2))
	require.NoError(t, err)
	plan, err := crashed.PrepareFlush(ctx, "app-logs")
	require.NoError(t, err)
	require.NotNil(t, plan)
	// the process dies here without finalizing

	restarted := newTestManager(ctx, t, Config{Directory: dir})
	defer ctx.Check(restarted.Close)

	summary, err := restarted.GetDatasetSummary(ctx, "app-logs")
	require.NoError(t, err)
	require.EqualValues(t, 1, summary.PendingBatchCount)
	require.EqualValues(t, 0, summary.FlushingBatchCount)

	plan, err = restarted.PrepareFlush(ctx, "app-logs")
	require.NoError(t, err)
	require.NotNil(t, plan)
	require.Len(t, plan.Batches, 1)
}

func TestFlushRecoveryDisabled(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	dir := ctx.Dir("spool")

	crashed := newTestManager(ctx, t, Config{Directory: dir})
	_, err := crashed.StagePartition(ctx, stageReq("app-logs", "sig-1", 2))
	require.NoError(t, err)
	plan, err := crashed.PrepareFlush(ctx, "app-logs")
	require.NoError(t, err)
	require.NotNil(t, plan)

	restarted := newTestManager(ctx, t, Config{Directory: dir, DisableRecovery: true})
	defer ctx.Check(restarted.Close)

	next, err := restarted.PrepareFlush(ctx, "app-logs")
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestCorruptionRecovery(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	dir := ctx.Dir("spool")
	datasetDir := filepath.Join(dir, "app-logs")
	require.NoError(t, os.MkdirAll(datasetDir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(datasetDir, dbName), []byte("this is not a database"), 0600))

	manager := newTestManager(ctx, t, Config{Directory: dir})
	defer ctx.Check(manager.Close)

	result, err := manager.StagePartition(ctx, stageReq("app-logs", "sig-1", 2))
	require.NoError(t, err)
	require.EqualValues(t, 2, result.RowCount)

	sidelined, err := filepath.Glob(filepath.Join(datasetDir, dbName+".corrupt-*"))
	require.NoError(t, err)
	require.Len(t, sidelined, 1)
}

func TestMarkDatasetCorrupted(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := newTestManager(ctx, t, Config{})
	defer ctx.Check(manager.Close)

	_, err := manager.StagePartition(ctx, stageReq("app-logs", "sig-1", 2))
	require.NoError(t, err)

	require.NoError(t, manager.MarkDatasetCorrupted(ctx, "app-logs", "operator request"))

	summary, err := manager.GetDatasetSummary(ctx, "app-logs")
	require.NoError(t, err)
	require.EqualValues(t, 0, summary.PendingBatchCount)
}

func TestSchemaDrift(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := newTestManager(ctx, t, Config{})
	defer ctx.Check(manager.Close)

	_, err := manager.StagePartition(ctx, stageReq("app-logs", "sig-1", 1))
	require.NoError(t, err)

	// additive widening is applied to the staging table
	widened := stageReq("app-logs", "sig-2", 1)
	widened.Schema = append(widened.Schema, schema.Field{Name: "host", Type: schema.TypeString})
	widened.Rows[0]["host"] = "node-1"
	_, err = manager.StagePartition(ctx, widened)
	require.NoError(t, err)

	// a type change on a known column is unrecoverable
	drifted := stageReq("app-logs", "sig-3", 1)
	drifted.Schema = schema.Fields{
		{Name: "timestamp", Type: schema.TypeTimestamp},
		{Name: "level", Type: schema.TypeString},
		{Name: "count", Type: schema.TypeString},
	}
	drifted.Rows[0]["count"] = "three"
	_, err = manager.StagePartition(ctx, drifted)
	require.True(t, ErrFatal.Has(err))
}

func TestDropDatasetSchema(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := newTestManager(ctx, t, Config{})
	defer ctx.Check(manager.Close)

	_, err := manager.StagePartition(ctx, stageReq("app-logs", "sig-1", 2))
	require.NoError(t, err)

	require.NoError(t, manager.DropDatasetSchema(ctx, "app-logs"))

	slugs, err := manager.ListDatasets(ctx)
	require.NoError(t, err)
	require.Empty(t, slugs)
}

func TestWriteQueue(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := newTestManager(ctx, t, Config{})
	defer ctx.Check(manager.Close)
	queue := NewWriteQueue(zaptest.NewLogger(t), manager)
	defer ctx.Check(queue.Close)

	for i := 0; i < 5; i++ {
		result, err := queue.Enqueue(ctx, stageReq("app-logs", fmt.Sprintf("sig-%d", i), 1))
		require.NoError(t, err)
		require.False(t, result.AlreadyStaged)
	}

	pending, err := manager.ListPendingBatches(ctx, "app-logs")
	require.NoError(t, err)
	require.Len(t, pending, 5)
}

func TestWriteQueueCapacity(t *testing.T) {
	if !flockSupported {
		t.Skip("file locking not supported on this platform")
	}

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := newTestManager(ctx, t, Config{MaxPendingPerDataset: 1})
	defer ctx.Check(manager.Close)
	queue := NewWriteQueue(zaptest.NewLogger(t), manager)
	defer ctx.Check(queue.Close)

	// hold the dataset's file lock so the first request stays in flight
	datasetDir := filepath.Join(manager.config.Directory, sanitizeSlug("app-logs"))
	require.NoError(t, os.MkdirAll(datasetDir, 0700))
	blocker, err := os.OpenFile(filepath.Join(datasetDir, lockName), os.O_CREATE|os.O_RDWR, 0600)
	require.NoError(t, err)
	require.NoError(t, flock(blocker))

	first := make(chan error, 1)
	ctx.Go(func() error {
		_, err := queue.Enqueue(ctx, stageReq("app-logs", "sig-1", 1))
		first <- err
		return nil
	})

	require.Eventually(t, func() bool {
		return queue.Pending("app-logs") == 1
	}, time.Second, 10*time.Millisecond)

	_, err = queue.Enqueue(ctx, stageReq("app-logs", "sig-2", 1))
	require.True(t, ErrQueueFull.Has(err))

	// releasing the lock lets the first request finish
	require.NoError(t, blocker.Close())
	require.NoError(t, <-first)
}
