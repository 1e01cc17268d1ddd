// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package stream

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/apphub/timestore/internal/errs2"
	"github.com/apphub/timestore/internal/sync2"
	"github.com/apphub/timestore/timestore/events"
	"github.com/apphub/timestore/timestore/ingest"
	"github.com/apphub/timestore/timestore/manifest"
	"github.com/apphub/timestore/timestore/schema"
)

// Flush reasons recorded in partition attributes.
const (
	reasonMaxRows    = "max_rows"
	reasonMaxLatency = "max_latency"
)

// Batcher windows stream records by event time and flushes sealed chunks
// as ingestion jobs.
type Batcher struct {
	log    *zap.Logger
	queue  ingest.Queue
	db     *manifest.DB
	bus    events.Publisher
	source Source
	config BatcherConfig

	sweep *sync2.Cycle

	mu      sync.Mutex
	windows map[int64]*windowState
	dataset *manifest.Dataset
}

// windowState tracks the chunks of one event-time window. The state is
// dropped once no chunk is buffering or flushing.
type windowState struct {
	start     time.Time
	nextChunk int
	active    *chunk
	flushing  map[int]*chunk
}

// chunk is one bounded buffer of rows inside a window. A chunk in the
// flushing set with a zero retryAt has a flush in flight.
type chunk struct {
	window time.Time
	index  int
	rows   []bufferedRow

	deadline time.Time
	reason   string
	retryAt  time.Time
	attempts int
}

type bufferedRow struct {
	row map[string]any
	at  time.Time
	ack func()
}

// NewBatcher creates a micro-batcher feeding the given queue. The bus may
// be nil to skip watermark events.
func NewBatcher(log *zap.Logger, queue ingest.Queue, db *manifest.DB, bus events.Publisher, source Source, config BatcherConfig) (*Batcher, error) {
	if err := config.Verify(); err != nil {
		return nil, err
	}
	return &Batcher{
		log:     log,
		queue:   queue,
		db:      db,
		bus:     bus,
		source:  source,
		config:  config,
		sweep:   sync2.NewCycle(config.SweepInterval),
		windows: make(map[int64]*windowState),
	}, nil
}

// Run consumes the source until ctx is canceled, then flushes every
// remaining buffer.
func (batcher *Batcher) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var group errgroup.Group
	group.Go(func() error {
		return batcher.fetchLoop(ctx)
	})
	group.Go(func() error {
		return batcher.sweep.Run(ctx, batcher.sweepDue)
	})
	err = errs2.IgnoreCanceled(group.Wait())

	// sealed rows must not be stranded by shutdown
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), batcher.config.DrainTimeout)
	defer cancel()
	return errs.Combine(err, batcher.FlushAll(drainCtx, "shutdown"))
}

// Close stops the sweep cycle.
func (batcher *Batcher) Close() error {
	batcher.sweep.Stop()
	return nil
}

// Buffered reports the number of rows held in open or retrying chunks.
func (batcher *Batcher) Buffered() int {
	batcher.mu.Lock()
	defer batcher.mu.Unlock()

	total := 0
	for _, state := range batcher.windows {
		if state.active != nil {
			total += len(state.active.rows)
		}
		for _, pending := range state.flushing {
			total += len(pending.rows)
		}
	}
	return total
}

func (batcher *Batcher) fetchLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		records, err := batcher.source.Fetch(ctx)
		if err != nil {
			if errs2.IsCanceled(err) || ctx.Err() != nil {
				return nil
			}
			batcher.log.Warn("stream fetch failed", zap.Error(err))
			if !sync2.Sleep(ctx, batcher.config.SweepInterval) {
				return nil
			}
			continue
		}
		for _, record := range records {
			batcher.route(ctx, record)
		}
	}
}

// route appends one record to the active chunk of its window, sealing the
// chunk when it reaches the row bound.
func (batcher *Batcher) route(ctx context.Context, record Record) {
	at, err := schema.EventTime(record.Row, batcher.config.TimeField)
	if err != nil {
		mon.Event("stream_record_dropped")
		batcher.log.Warn("record dropped",
			zap.String("connector", batcher.config.ConnectorID),
			zap.Error(err))
		if record.Ack != nil {
			record.Ack()
		}
		return
	}

	start := batcher.config.windowStart(at)

	batcher.mu.Lock()
	state := batcher.windows[start.Unix()]
	if state == nil {
		state = &windowState{start: start, flushing: make(map[int]*chunk)}
		batcher.windows[start.Unix()] = state
	}
	if state.active == nil {
		state.active = batcher.open(state)
	}
	state.active.rows = append(state.active.rows, bufferedRow{row: record.Row, at: at, ack: record.Ack})

	var sealed *chunk
	if len(state.active.rows) >= batcher.config.MaxRowsPerPartition {
		// the successor opens right away so later records of this
		// window never reuse a sealed chunk index
		sealed = batcher.seal(state, reasonMaxRows)
		state.active = batcher.open(state)
	}
	batcher.mu.Unlock()

	if sealed != nil {
		_ = batcher.flush(ctx, sealed)
	}
}

// open starts the next chunk of a window. The caller must hold the mutex.
func (batcher *Batcher) open(state *windowState) *chunk {
	opened := &chunk{
		window:   state.start,
		index:    state.nextChunk,
		deadline: time.Now().Add(batcher.config.MaxBatchLatency),
	}
	state.nextChunk++
	return opened
}

// seal moves the active chunk into the flushing set. The caller must hold
// the mutex.
func (batcher *Batcher) seal(state *windowState, reason string) *chunk {
	sealed := state.active
	sealed.reason = reason
	state.active = nil
	state.flushing[sealed.index] = sealed
	return sealed
}

// sweepDue seals chunks past their latency deadline, expires idle empty
// chunks and re-flushes chunks whose retry delay elapsed.
func (batcher *Batcher) sweepDue(ctx context.Context) error {
	now := time.Now()

	batcher.mu.Lock()
	var due []*chunk
	for key, state := range batcher.windows {
		if state.active != nil && !now.Before(state.active.deadline) {
			if len(state.active.rows) > 0 {
				due = append(due, batcher.seal(state, reasonMaxLatency))
			} else {
				state.active = nil
			}
		}
		for _, pending := range state.flushing {
			if !pending.retryAt.IsZero() && !now.Before(pending.retryAt) {
				pending.retryAt = time.Time{}
				due = append(due, pending)
			}
		}
		if state.active == nil && len(state.flushing) == 0 {
			delete(batcher.windows, key)
		}
	}
	batcher.mu.Unlock()

	for _, sealed := range due {
		_ = batcher.flush(ctx, sealed)
	}
	return nil
}

// FlushAll seals and flushes every buffered chunk regardless of
// thresholds, including chunks waiting on a retry. Chunks failing with a
// retryable error stay buffered. Concurrent flushes of the same window are
// harmless: the ingestion path replays on the idempotency key.
func (batcher *Batcher) FlushAll(ctx context.Context, reason string) (err error) {
	defer mon.Task()(&ctx)(&err)

	batcher.mu.Lock()
	var due []*chunk
	for key, state := range batcher.windows {
		if state.active != nil {
			if len(state.active.rows) > 0 {
				due = append(due, batcher.seal(state, reason))
			} else {
				state.active = nil
			}
		}
		for _, pending := range state.flushing {
			if !pending.retryAt.IsZero() {
				pending.retryAt = time.Time{}
				due = append(due, pending)
			}
		}
		if state.active == nil && len(state.flushing) == 0 {
			delete(batcher.windows, key)
		}
	}
	batcher.mu.Unlock()

	var group errs.Group
	for _, sealed := range due {
		group.Add(batcher.flush(ctx, sealed))
	}
	return group.Err()
}

// flush submits one sealed chunk as an ingestion job and advances the
// watermark. Retryable failures reschedule the chunk; permanent failures
// drop it, since replaying the same rows cannot succeed.
func (batcher *Batcher) flush(ctx context.Context, sealed *chunk) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = batcher.queue.EnqueueIngestion(ctx, batcher.payloadFor(sealed))
	if err != nil {
		if ingest.Retryable(err) {
			batcher.mu.Lock()
			sealed.attempts++
			sealed.retryAt = time.Now().Add(batcher.config.RetryDelay)
			batcher.mu.Unlock()

			mon.Event("stream_flush_retry")
			batcher.log.Warn("flush failed, retry scheduled",
				zap.String("connector", batcher.config.ConnectorID),
				zap.Time("window", sealed.window),
				zap.Int("chunk", sealed.index),
				zap.Int("attempts", sealed.attempts),
				zap.Error(err))
			return err
		}

		mon.Event("stream_flush_dropped")
		batcher.log.Error("flush failed permanently, dropping chunk",
			zap.String("connector", batcher.config.ConnectorID),
			zap.Time("window", sealed.window),
			zap.Int("chunk", sealed.index),
			zap.Int("rows", len(sealed.rows)),
			zap.Error(err))
	}

	batcher.settle(sealed)
	if err == nil {
		batcher.log.Debug("chunk flushed",
			zap.String("connector", batcher.config.ConnectorID),
			zap.Time("window", sealed.window),
			zap.Int("chunk", sealed.index),
			zap.Int("rows", len(sealed.rows)),
			zap.String("reason", sealed.reason))
		batcher.watermark(ctx, sealed)
	}
	return err
}

// payloadFor synthesizes the ingestion request of a sealed chunk. Rows are
// sorted by event time; the idempotency key derives from the connector,
// window and chunk so replays converge.
func (batcher *Batcher) payloadFor(sealed *chunk) *ingest.Payload {
	sort.SliceStable(sealed.rows, func(i, j int) bool {
		return sealed.rows[i].at.Before(sealed.rows[j].at)
	})

	start := sealed.window
	end := batcher.config.windowEnd(start)
	startISO := start.Format(time.RFC3339)
	chunkIndex := strconv.Itoa(sealed.index)

	key := make(map[string]string, len(batcher.config.PartitionKey)+2)
	for k, v := range batcher.config.PartitionKey {
		key[k] = v
	}
	key["window"] = startISO
	key["chunk"] = chunkIndex

	attributes := make(map[string]string, len(batcher.config.PartitionAttributes)+3)
	for k, v := range batcher.config.PartitionAttributes {
		attributes[k] = v
	}
	attributes["window_end"] = end.Format(time.RFC3339)
	attributes["chunk"] = chunkIndex
	attributes["flush_reason"] = sealed.reason

	rows := make([]map[string]any, len(sealed.rows))
	for i := range sealed.rows {
		rows[i] = sealed.rows[i].row
	}

	return &ingest.Payload{
		DatasetSlug: batcher.config.DatasetSlug,
		DatasetName: batcher.config.DatasetName,
		TableName:   batcher.config.TableName,
		Schema:      ingest.SchemaSpec{Fields: batcher.config.Schema},
		Partition: ingest.PartitionInput{
			Key:        key,
			Attributes: attributes,
			TimeRange:  ingest.TimeRange{Start: start, End: end},
		},
		Rows:           rows,
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", batcher.config.ConnectorID, startISO, sealed.index),
	}
}

// settle acks the chunk rows and drops the chunk from its window state.
func (batcher *Batcher) settle(sealed *chunk) {
	for _, buffered := range sealed.rows {
		if buffered.ack != nil {
			buffered.ack()
		}
	}

	batcher.mu.Lock()
	if state := batcher.windows[sealed.window.Unix()]; state != nil {
		delete(state.flushing, sealed.index)
		if state.active == nil && len(state.flushing) == 0 {
			delete(batcher.windows, sealed.window.Unix())
		}
	}
	batcher.mu.Unlock()
}

// watermark records flush progress. Failures only log; sealed-through is
// monotonic, so the next flush heals the watermark.
func (batcher *Batcher) watermark(ctx context.Context, sealed *chunk) {
	dataset, err := batcher.datasetInfo(ctx)
	if err != nil {
		mon.Event("stream_watermark_failed")
		batcher.log.Warn("watermark skipped", zap.Error(err))
		return
	}

	end := batcher.config.windowEnd(sealed.window)
	lag := time.Since(end).Milliseconds()
	if lag < 0 {
		lag = 0
	}

	mark, err := batcher.db.UpsertStreamingWatermark(ctx, manifest.UpsertWatermark{
		ConnectorID:   batcher.config.ConnectorID,
		DatasetID:     dataset.ID,
		DatasetSlug:   dataset.Slug,
		SealedThrough: end,
		BacklogLagMs:  lag,
		RecordsDelta:  int64(len(sealed.rows)),
	})
	if err != nil {
		mon.Event("stream_watermark_failed")
		batcher.log.Warn("watermark update failed", zap.Error(err))
		return
	}
	mon.IntVal("stream_backlog_lag_ms").Observe(lag)

	if batcher.bus == nil {
		return
	}
	err = batcher.bus.Publish(ctx, events.TopicWatermarkUpdated, events.WatermarkUpdated{
		ConnectorID:      mark.ConnectorID,
		DatasetID:        mark.DatasetID,
		DatasetSlug:      mark.DatasetSlug,
		SealedThrough:    mark.SealedThrough,
		BacklogLagMs:     mark.BacklogLagMs,
		RecordsProcessed: mark.RecordsProcessed,
	})
	if err != nil {
		batcher.log.Warn("watermark event publish failed", zap.Error(err))
	}
}

// datasetInfo resolves the target dataset once and caches it.
func (batcher *Batcher) datasetInfo(ctx context.Context) (*manifest.Dataset, error) {
	batcher.mu.Lock()
	dataset := batcher.dataset
	batcher.mu.Unlock()
	if dataset != nil {
		return dataset, nil
	}

	dataset, err := batcher.db.EnsureDataset(ctx, manifest.CreateDataset{
		Slug: batcher.config.DatasetSlug,
		Name: batcher.config.DatasetName,
	})
	if err != nil {
		return nil, err
	}

	batcher.mu.Lock()
	batcher.dataset = dataset
	batcher.mu.Unlock()
	return dataset, nil
}
