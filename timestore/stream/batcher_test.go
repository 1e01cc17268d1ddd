// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package stream_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/apphub/timestore/internal/testcontext"
	"github.com/apphub/timestore/timestore/events"
	"github.com/apphub/timestore/timestore/ingest"
	"github.com/apphub/timestore/timestore/manifest"
	"github.com/apphub/timestore/timestore/partstore"
	"github.com/apphub/timestore/timestore/schema"
	"github.com/apphub/timestore/timestore/spool"
	"github.com/apphub/timestore/timestore/stream"
)

type recordingBus struct {
	mu     sync.Mutex
	topics []string
}

func (bus *recordingBus) Publish(ctx context.Context, topic string, payload any) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.topics = append(bus.topics, topic)
	return nil
}

func (bus *recordingBus) count(topic string) int {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	total := 0
	for _, published := range bus.topics {
		if published == topic {
			total++
		}
	}
	return total
}

// fakeSource yields records pushed by the test, one per fetch.
type fakeSource struct {
	records chan stream.Record
}

func newFakeSource() *fakeSource {
	return &fakeSource{records: make(chan stream.Record, 64)}
}

func (source *fakeSource) Fetch(ctx context.Context) ([]stream.Record, error) {
	select {
	case record := <-source.records:
		return []stream.Record{record}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (source *fakeSource) Close() error { return nil }

func (source *fakeSource) send(acks *atomic.Int64, rows ...map[string]any) {
	for _, row := range rows {
		source.records <- stream.Record{Row: row, Ack: func() { acks.Add(1) }}
	}
}

type streamEnv struct {
	db    *manifest.DB
	bus   *recordingBus
	queue ingest.Queue
}

func newStreamEnv(ctx *testcontext.Context, t *testing.T) *streamEnv {
	log := zaptest.NewLogger(t)

	db, err := manifest.Open(ctx, log.Named("manifest"), ctx.File("manifest.db"))
	require.NoError(t, err)
	require.NoError(t, db.MigrateToLatest(ctx))
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	_, err = db.EnsureStorageTarget(ctx, manifest.CreateStorageTarget{
		Name: "local-default",
		Kind: partstore.KindLocalFile,
	})
	require.NoError(t, err)

	bus := &recordingBus{}
	drivers := partstore.NewRegistry(partstore.NewLocalDriver(log.Named("local"), ctx.Dir("partitions")))
	cache := manifest.NewCache(log.Named("cache"), db, time.Minute)
	processor := ingest.NewProcessor(log.Named("ingest"), db, cache, drivers, nil, nil, bus, ingest.Config{
		DefaultStorageTarget: "local-default",
	})
	return &streamEnv{db: db, bus: bus, queue: ingest.NewInlineQueue(processor)}
}

func streamConfig() stream.BatcherConfig {
	return stream.BatcherConfig{
		ConnectorID: "conn-1",
		DatasetSlug: "metrics",
		TableName:   "events",
		Schema: schema.Fields{
			{Name: "t", Type: schema.TypeTimestamp},
			{Name: "v", Type: schema.TypeDouble},
		},
		TimeField:           "t",
		WindowSeconds:       60,
		MaxRowsPerPartition: 5,
		MaxBatchLatency:     time.Hour,
		RetryDelay:          20 * time.Millisecond,
		SweepInterval:       10 * time.Millisecond,
		PartitionKey:        map[string]string{"source": "test"},
	}
}

func startBatcher(ctx *testcontext.Context, t *testing.T, env *streamEnv, source stream.Source, config stream.BatcherConfig) (*stream.Batcher, context.CancelFunc) {
	batcher, err := stream.NewBatcher(zaptest.NewLogger(t).Named("batcher"), env.queue, env.db, env.bus, source, config)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, batcher.Close()) })

	runCtx, cancel := context.WithCancel(ctx)
	ctx.Go(func() error {
		return batcher.Run(runCtx)
	})
	return batcher, cancel
}

func eventRow(ts string, v float64) map[string]any {
	return map[string]any{"t": ts, "v": v}
}

// awaitWatermark blocks until the connector watermark reports at least the
// given record count. Acks and the manifest commit precede the watermark, so
// returning implies the flush settled.
func awaitWatermark(ctx *testcontext.Context, t *testing.T, env *streamEnv, connectorID string, records int64) *manifest.Dataset {
	var dataset *manifest.Dataset
	require.Eventually(t, func() bool {
		found, err := env.db.GetDatasetBySlug(ctx, "metrics")
		if err != nil {
			return false
		}
		mark, err := env.db.GetStreamingWatermark(ctx, found.ID, connectorID)
		if err != nil || mark.RecordsProcessed < records {
			return false
		}
		dataset = found
		return true
	}, 10*time.Second, 10*time.Millisecond)
	return dataset
}

func TestBatcherSealByRowCount(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newStreamEnv(ctx, t)
	source := newFakeSource()
	_, cancel := startBatcher(ctx, t, env, source, streamConfig())
	defer cancel()

	var acks atomic.Int64
	rows := []map[string]any{
		eventRow("2024-01-01T00:00:05Z", 1),
		eventRow("2024-01-01T00:00:15Z", 2),
		eventRow("2024-01-01T00:00:25Z", 3),
		eventRow("2024-01-01T00:00:35Z", 4),
		eventRow("2024-01-01T00:00:45Z", 5),
	}
	source.send(&acks, rows...)

	dataset := awaitWatermark(ctx, t, env, "conn-1", 5)
	require.Equal(t, int64(5), acks.Load())

	published, err := env.db.GetLatestPublishedManifest(ctx, dataset.ID, manifest.GetLatestPublishedOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 1, published.Version)
	require.Len(t, published.Partitions, 1)

	partition := published.Partitions[0]
	require.EqualValues(t, 5, partition.RowCount)
	require.Equal(t, "2024-01-01T00:00:00Z", partition.PartitionKey["window"])
	require.Equal(t, "0", partition.PartitionKey["chunk"])
	require.Equal(t, "test", partition.PartitionKey["source"])
	require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), partition.StartTime)
	require.Equal(t, time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC), partition.EndTime)

	require.Equal(t, "max_rows", published.Metadata["flush_reason"])
	require.Equal(t, "2024-01-01T00:01:00Z", published.Metadata["window_end"])

	mark, err := env.db.GetStreamingWatermark(ctx, dataset.ID, "conn-1")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC), mark.SealedThrough)
	require.EqualValues(t, 5, mark.RecordsProcessed)
	require.NotZero(t, env.bus.count(events.TopicWatermarkUpdated))

	// a restarted batcher replaying the stream regenerates the same
	// idempotency keys, so the flush converges on the existing partition
	cancel()
	replaySource := newFakeSource()
	_, replayCancel := startBatcher(ctx, t, env, replaySource, streamConfig())
	defer replayCancel()

	replaySource.send(&acks, rows...)
	awaitWatermark(ctx, t, env, "conn-1", 10)
	require.Equal(t, int64(10), acks.Load())

	latest, err := env.db.GetLatestPublishedManifest(ctx, dataset.ID, manifest.GetLatestPublishedOptions{})
	require.NoError(t, err)
	require.Equal(t, published.ID, latest.ID)
	require.EqualValues(t, 1, latest.Version)
	require.Len(t, latest.Partitions, 1)

	mark, err = env.db.GetStreamingWatermark(ctx, dataset.ID, "conn-1")
	require.NoError(t, err)
	require.EqualValues(t, 10, mark.RecordsProcessed)
	require.Equal(t, time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC), mark.SealedThrough)
}

func TestBatcherChunkSplitting(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newStreamEnv(ctx, t)
	source := newFakeSource()
	config := streamConfig()
	config.MaxRowsPerPartition = 2
	batcher, cancel := startBatcher(ctx, t, env, source, config)
	defer cancel()

	var acks atomic.Int64
	source.send(&acks,
		eventRow("2024-01-01T00:00:05Z", 1),
		eventRow("2024-01-01T00:00:15Z", 2),
		eventRow("2024-01-01T00:00:25Z", 3),
		eventRow("2024-01-01T00:00:35Z", 4),
		eventRow("2024-01-01T00:00:45Z", 5),
	)

	// two chunks seal on row count, the fifth row stays buffered
	awaitWatermark(ctx, t, env, "conn-1", 4)
	require.Eventually(t, func() bool {
		return batcher.Buffered() == 1
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, batcher.FlushAll(ctx, "drain"))
	dataset := awaitWatermark(ctx, t, env, "conn-1", 5)
	require.Equal(t, 0, batcher.Buffered())
	require.Equal(t, int64(5), acks.Load())

	published, err := env.db.GetLatestPublishedManifest(ctx, dataset.ID, manifest.GetLatestPublishedOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 3, published.Version)
	require.Len(t, published.Partitions, 3)

	chunks := map[string]int64{}
	for _, partition := range published.Partitions {
		require.Equal(t, "2024-01-01T00:00:00Z", partition.PartitionKey["window"])
		chunks[partition.PartitionKey["chunk"]] = partition.RowCount
	}
	require.Equal(t, map[string]int64{"0": 2, "1": 2, "2": 1}, chunks)
	require.Equal(t, "drain", published.Metadata["flush_reason"])
}

func TestBatcherSealByLatency(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newStreamEnv(ctx, t)
	source := newFakeSource()
	config := streamConfig()
	config.MaxRowsPerPartition = 1000
	config.MaxBatchLatency = 150 * time.Millisecond
	config.SweepInterval = 10 * time.Millisecond

	var acks atomic.Int64
	source.send(&acks,
		eventRow("2024-01-01T00:00:05Z", 1),
		eventRow("2024-01-01T00:00:15Z", 2),
	)

	_, cancel := startBatcher(ctx, t, env, source, config)
	defer cancel()

	dataset := awaitWatermark(ctx, t, env, "conn-1", 2)
	require.Equal(t, int64(2), acks.Load())

	published, err := env.db.GetLatestPublishedManifest(ctx, dataset.ID, manifest.GetLatestPublishedOptions{})
	require.NoError(t, err)
	require.Len(t, published.Partitions, 1)
	require.EqualValues(t, 2, published.Partitions[0].RowCount)
	require.Equal(t, "max_latency", published.Metadata["flush_reason"])
}

// flakyQueue rejects the first flushes with a retryable error before
// delegating to the real queue.
type flakyQueue struct {
	inner    ingest.Queue
	failures int

	mu    sync.Mutex
	calls int
}

func (queue *flakyQueue) EnqueueIngestion(ctx context.Context, payload *ingest.Payload) (*ingest.Enqueued, error) {
	queue.mu.Lock()
	queue.calls++
	fail := queue.calls <= queue.failures
	queue.mu.Unlock()
	if fail {
		return nil, spool.ErrQueueFull.New("staging backlog")
	}
	return queue.inner.EnqueueIngestion(ctx, payload)
}

func (queue *flakyQueue) EnqueueFlush(ctx context.Context, datasetSlug string) (*ingest.Enqueued, error) {
	return queue.inner.EnqueueFlush(ctx, datasetSlug)
}

func (queue *flakyQueue) Depth(ctx context.Context) (int64, error) {
	return queue.inner.Depth(ctx)
}

func (queue *flakyQueue) callCount() int {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return queue.calls
}

func TestBatcherFlushRetry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newStreamEnv(ctx, t)
	flaky := &flakyQueue{inner: env.queue, failures: 2}
	env.queue = flaky

	source := newFakeSource()
	config := streamConfig()
	config.MaxRowsPerPartition = 2
	config.RetryDelay = 20 * time.Millisecond
	_, cancel := startBatcher(ctx, t, env, source, config)
	defer cancel()

	var acks atomic.Int64
	source.send(&acks,
		eventRow("2024-01-01T00:00:05Z", 1),
		eventRow("2024-01-01T00:00:15Z", 2),
	)

	dataset := awaitWatermark(ctx, t, env, "conn-1", 2)
	require.Equal(t, 3, flaky.callCount())
	require.Equal(t, int64(2), acks.Load())

	published, err := env.db.GetLatestPublishedManifest(ctx, dataset.ID, manifest.GetLatestPublishedOptions{})
	require.NoError(t, err)
	require.Len(t, published.Partitions, 1)
	require.Equal(t, "max_rows", published.Metadata["flush_reason"])
}

func TestBatcherDropsBadRecords(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newStreamEnv(ctx, t)
	source := newFakeSource()
	config := streamConfig()
	config.MaxRowsPerPartition = 1
	_, cancel := startBatcher(ctx, t, env, source, config)
	defer cancel()

	var acks atomic.Int64
	source.send(&acks, map[string]any{"v": 1.0})
	source.send(&acks, eventRow("2024-01-01T00:00:05Z", 2))

	dataset := awaitWatermark(ctx, t, env, "conn-1", 1)
	require.Equal(t, int64(2), acks.Load())

	published, err := env.db.GetLatestPublishedManifest(ctx, dataset.ID, manifest.GetLatestPublishedOptions{})
	require.NoError(t, err)
	require.Len(t, published.Partitions, 1)
	require.EqualValues(t, 1, published.Partitions[0].RowCount)
}

// rejectingQueue fails every flush with a permanent error.
type rejectingQueue struct {
	calls atomic.Int64
}

func (queue *rejectingQueue) EnqueueIngestion(ctx context.Context, payload *ingest.Payload) (*ingest.Enqueued, error) {
	queue.calls.Add(1)
	return nil, ingest.ErrValidation.New("row rejected")
}

func (queue *rejectingQueue) EnqueueFlush(ctx context.Context, datasetSlug string) (*ingest.Enqueued, error) {
	return nil, ingest.ErrValidation.New("row rejected")
}

func (queue *rejectingQueue) Depth(ctx context.Context) (int64, error) { return 0, nil }

func TestBatcherDropsChunkOnPermanentFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newStreamEnv(ctx, t)
	reject := &rejectingQueue{}
	env.queue = reject

	source := newFakeSource()
	config := streamConfig()
	config.MaxRowsPerPartition = 1
	batcher, cancel := startBatcher(ctx, t, env, source, config)
	defer cancel()

	var acks atomic.Int64
	source.send(&acks, eventRow("2024-01-01T00:00:05Z", 1))

	// the chunk is dropped and its record acked, no retry follows
	require.Eventually(t, func() bool {
		return acks.Load() == 1 && batcher.Buffered() == 0
	}, 10*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, reject.calls.Load())

	_, err := env.db.GetDatasetBySlug(ctx, "metrics")
	require.True(t, manifest.ErrNotFound.Has(err))
}

func TestBatcherShutdownDrain(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newStreamEnv(ctx, t)
	source := newFakeSource()
	config := streamConfig()
	config.MaxRowsPerPartition = 1000
	batcher, cancel := startBatcher(ctx, t, env, source, config)
	defer cancel()

	var acks atomic.Int64
	source.send(&acks,
		eventRow("2024-01-01T00:00:05Z", 1),
		eventRow("2024-01-01T00:00:15Z", 2),
		eventRow("2024-01-01T00:00:25Z", 3),
	)
	require.Eventually(t, func() bool {
		return batcher.Buffered() == 3
	}, 10*time.Second, 10*time.Millisecond)

	cancel()

	dataset := awaitWatermark(ctx, t, env, "conn-1", 3)
	require.Equal(t, int64(3), acks.Load())

	published, err := env.db.GetLatestPublishedManifest(ctx, dataset.ID, manifest.GetLatestPublishedOptions{})
	require.NoError(t, err)
	require.Len(t, published.Partitions, 1)
	require.EqualValues(t, 3, published.Partitions[0].RowCount)
	require.Equal(t, "shutdown", published.Metadata["flush_reason"])
}

func TestBatcherConfigVerify(t *testing.T) {
	config := streamConfig()
	config.ConnectorID = ""
	require.Error(t, config.Verify())

	config = streamConfig()
	config.DatasetSlug = ""
	require.Error(t, config.Verify())

	config = streamConfig()
	config.TimeField = ""
	require.Error(t, config.Verify())

	config = streamConfig()
	config.TimeField = "missing"
	require.Error(t, config.Verify())

	config = streamConfig()
	config.Schema = schema.Fields{{Name: "t", Type: "datetime"}}
	require.Error(t, config.Verify())

	config = stream.BatcherConfig{
		ConnectorID: "conn-1",
		DatasetSlug: "metrics",
		Schema:      schema.Fields{{Name: "t", Type: schema.TypeTimestamp}},
		TimeField:   "t",
	}
	require.NoError(t, config.Verify())
	require.Equal(t, stream.DefaultWindowSeconds, config.WindowSeconds)
	require.Equal(t, stream.DefaultMaxRows, config.MaxRowsPerPartition)
	require.Equal(t, stream.DefaultMaxBatchLatency, config.MaxBatchLatency)
	require.Equal(t, stream.DefaultRetryDelay, config.RetryDelay)
	require.Equal(t, stream.DefaultSweepInterval, config.SweepInterval)
	require.Equal(t, stream.DefaultDrainTimeout, config.DrainTimeout)

	config = streamConfig()
	config.MaxBatchLatency = time.Second
	config.SweepInterval = 0
	require.NoError(t, config.Verify())
	require.Equal(t, 500*time.Millisecond, config.SweepInterval)
}
