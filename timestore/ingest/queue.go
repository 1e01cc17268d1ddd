// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package ingest

import (
	"context"

	"github.com/google/uuid"
)

// Job kinds carried by the queue.
const (
	JobKindIngest = "ingest"
	JobKindFlush  = "flush"
)

// Job is the envelope a queue stores per unit of work.
type Job struct {
	ID          string   `msgpack:"id"`
	Kind        string   `msgpack:"kind"`
	DatasetSlug string   `msgpack:"datasetSlug"`
	Payload     *Payload `msgpack:"payload,omitempty"`
	Attempts    int      `msgpack:"attempts"`
	LastError   string   `msgpack:"lastError,omitempty"`
}

// IngestionJobID derives the queue-level dedupe id for a payload.
func IngestionJobID(payload *Payload) string {
	if payload.IdempotencyKey != "" {
		return payload.DatasetSlug + "-" + payload.IdempotencyKey
	}
	return payload.DatasetSlug + "-" + uuid.NewString()
}

// FlushJobID derives the queue-level dedupe id for a dataset flush.
func FlushJobID(datasetSlug string) string {
	return "flush-" + datasetSlug
}

// Enqueued reports queue acceptance of a job. Inline queues execute
// synchronously and attach the outcome.
type Enqueued struct {
	JobID        string
	Deduplicated bool
	Result       *Result
	Flush        *FlushResult
}

// Queue accepts ingestion and flush jobs for execution.
type Queue interface {
	// EnqueueIngestion submits one ingestion request.
	EnqueueIngestion(ctx context.Context, payload *Payload) (*Enqueued, error)
	// EnqueueFlush requests a spool flush for a dataset.
	EnqueueFlush(ctx context.Context, datasetSlug string) (*Enqueued, error)
	// Depth returns the number of jobs waiting or running.
	Depth(ctx context.Context) (int64, error)
}

// InlineQueue runs every job synchronously in the caller. It is the queue
// of choice for single-process deployments and tests.
type InlineQueue struct {
	processor *Processor
}

// NewInlineQueue creates a synchronous queue around a processor.
func NewInlineQueue(processor *Processor) *InlineQueue {
	return &InlineQueue{processor: processor}
}

// EnqueueIngestion implements Queue by running the processor directly.
func (queue *InlineQueue) EnqueueIngestion(ctx context.Context, payload *Payload) (_ *Enqueued, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := queue.processor.Process(ctx, payload)
	if err != nil {
		return nil, err
	}
	return &Enqueued{
		JobID:        IngestionJobID(payload),
		Deduplicated: result.AlreadyProcessed,
		Result:       result,
	}, nil
}

// EnqueueFlush implements Queue by flushing directly.
func (queue *InlineQueue) EnqueueFlush(ctx context.Context, datasetSlug string) (_ *Enqueued, err error) {
	defer mon.Task()(&ctx)(&err)

	flush, err := queue.processor.FlushDataset(ctx, datasetSlug)
	if err != nil {
		return nil, err
	}
	return &Enqueued{
		JobID: FlushJobID(datasetSlug),
		Flush: flush,
	}, nil
}

// Depth implements Queue; inline execution never queues.
func (queue *InlineQueue) Depth(ctx context.Context) (int64, error) {
	return 0, nil
}

var _ Queue = (*InlineQueue)(nil)
