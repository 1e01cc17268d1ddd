// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package spool

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// WriteQueue serializes staging per dataset: requests are processed in FIFO
// order with exactly one in flight per dataset, and enqueueing fails fast
// once a dataset is at capacity.
type WriteQueue struct {
	log     *zap.Logger
	manager *Manager

	mu       sync.Mutex
	datasets map[string]*datasetQueue
	closed   bool
	workers  sync.WaitGroup
}

type datasetQueue struct {
	pending  []*stageJob
	inflight bool
}

type stageJob struct {
	ctx  context.Context
	req  StageRequest
	done chan stageOutcome
}

type stageOutcome struct {
	result *StageResult
	err    error
}

// NewWriteQueue creates the per-dataset staging queue over the manager.
func NewWriteQueue(log *zap.Logger, manager *Manager) *WriteQueue {
	return &WriteQueue{
		log:      log,
		manager:  manager,
		datasets: make(map[string]*datasetQueue),
	}
}

// Enqueue submits a stage request and waits for its completion.
func (queue *WriteQueue) Enqueue(ctx context.Context, req StageRequest) (_ *StageResult, err error) {
	defer mon.Task()(&ctx)(&err)

	job := &stageJob{ctx: ctx, req: req, done: make(chan stageOutcome, 1)}

	queue.mu.Lock()
	if queue.closed {
		queue.mu.Unlock()
		return nil, Error.New("write queue closed")
	}
	dq := queue.datasets[req.DatasetSlug]
	if dq == nil {
		dq = &datasetQueue{}
		queue.datasets[req.DatasetSlug] = dq
	}
	if capacity := queue.manager.config.MaxPendingPerDataset; capacity > 0 {
		depth := len(dq.pending)
		if dq.inflight {
			depth++
		}
		if depth >= capacity {
			queue.mu.Unlock()
			mon.Event("staging_queue_full")
			return nil, ErrQueueFull.New("dataset %q at capacity %d", req.DatasetSlug, capacity)
		}
	}
	dq.pending = append(dq.pending, job)
	if !dq.inflight {
		dq.inflight = true
		queue.workers.Add(1)
		go queue.worker(dq)
	}
	queue.mu.Unlock()

	select {
	case outcome := <-job.done:
		return outcome.result, outcome.err
	case <-ctx.Done():
		return nil, Error.Wrap(ctx.Err())
	}
}

// worker drains one dataset's queue a request at a time, exiting when the
// queue runs dry.
func (queue *WriteQueue) worker(dq *datasetQueue) {
	defer queue.workers.Done()

	for {
		queue.mu.Lock()
		if len(dq.pending) == 0 {
			dq.inflight = false
			queue.mu.Unlock()
			return
		}
		job := dq.pending[0]
		dq.pending = dq.pending[1:]
		queue.mu.Unlock()

		if err := job.ctx.Err(); err != nil {
			job.done <- stageOutcome{err: Error.Wrap(err)}
			continue
		}
		result, err := queue.manager.StagePartition(job.ctx, job.req)
		job.done <- stageOutcome{result: result, err: err}
	}
}

// Pending reports queued plus in-flight requests for a dataset.
func (queue *WriteQueue) Pending(slug string) int {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	dq := queue.datasets[slug]
	if dq == nil {
		return 0
	}
	depth := len(dq.pending)
	if dq.inflight {
		depth++
	}
	return depth
}

// Close stops accepting requests and waits for queued ones to finish.
func (queue *WriteQueue) Close() error {
	queue.mu.Lock()
	if queue.closed {
		queue.mu.Unlock()
		return nil
	}
	queue.closed = true
	queue.mu.Unlock()

	queue.workers.Wait()
	return nil
}
