// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

// Package connector feeds the ingestion queue from external producers.
//
// Two connector flavors are provided: a Tailer following an append-only
// file of ingestion envelopes, and a BulkLoader splitting drop-folder files
// into idempotent ingestion chunks. Both respect queue backpressure and
// survive restarts, the tailer through a bolt-backed checkpoint store and
// the loader through settle renames in the watched directory.
package connector

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/apphub/timestore/internal/sync2"
	"github.com/apphub/timestore/timestore/ingest"
	"github.com/apphub/timestore/timestore/spool"
)

var (
	// Error is the default error class for the connector package.
	Error = errs.Class("connector")

	mon = monkit.Package()
)

// Defaults applied by the config Verify methods.
const (
	DefaultHighWatermark = 1000
	DefaultLowWatermark  = 200
	DefaultMinPause      = 100 * time.Millisecond
	DefaultMaxPause      = 5 * time.Second

	DefaultPollInterval  = 2 * time.Second
	DefaultDedupeTTL     = time.Hour
	DefaultBulkChunkSize = 10000
)

// Enqueue retry bounds for a full staging queue.
const (
	enqueueAttempts  = 5
	enqueueBaseDelay = 100 * time.Millisecond
)

// BackpressureConfig bounds how deep the ingestion queue may grow before
// connectors pause.
type BackpressureConfig struct {
	HighWatermark int64
	LowWatermark  int64
	MinPause      time.Duration
	MaxPause      time.Duration
}

// Verify checks the configuration and applies defaults.
func (config *BackpressureConfig) Verify() error {
	if config.HighWatermark <= 0 {
		config.HighWatermark = DefaultHighWatermark
	}
	if config.LowWatermark <= 0 {
		config.LowWatermark = DefaultLowWatermark
	}
	if config.LowWatermark > config.HighWatermark {
		return Error.New("low watermark %d exceeds high watermark %d",
			config.LowWatermark, config.HighWatermark)
	}
	if config.MinPause <= 0 {
		config.MinPause = DefaultMinPause
	}
	if config.MaxPause <= 0 {
		config.MaxPause = DefaultMaxPause
	}
	if config.MaxPause < config.MinPause {
		config.MaxPause = config.MinPause
	}
	return nil
}

// Backpressure pauses connectors while the ingestion queue is backed up.
type Backpressure struct {
	log    *zap.Logger
	queue  ingest.Queue
	config BackpressureConfig
}

// NewBackpressure creates a backpressure gate over the queue depth.
func NewBackpressure(log *zap.Logger, queue ingest.Queue, config BackpressureConfig) (*Backpressure, error) {
	if err := config.Verify(); err != nil {
		return nil, err
	}
	return &Backpressure{log: log, queue: queue, config: config}, nil
}

// Wait blocks while the queue depth is above the high watermark and
// returns once it falls below the low watermark, doubling the pause
// between checks. Depth errors do not block: a connector must not stall on
// a broken depth probe.
func (backpressure *Backpressure) Wait(ctx context.Context) error {
	depth, err := backpressure.queue.Depth(ctx)
	if err != nil {
		backpressure.log.Warn("queue depth probe failed", zap.Error(err))
		return nil
	}
	if depth <= backpressure.config.HighWatermark {
		return nil
	}

	mon.Event("connector_backpressure")
	pause := backpressure.config.MinPause
	for {
		backpressure.log.Debug("queue backed up, pausing",
			zap.Int64("depth", depth),
			zap.Duration("pause", pause))
		if !sync2.Sleep(ctx, pause) {
			return ctx.Err()
		}

		depth, err = backpressure.queue.Depth(ctx)
		if err != nil {
			backpressure.log.Warn("queue depth probe failed", zap.Error(err))
			return nil
		}
		if depth < backpressure.config.LowWatermark {
			return nil
		}
		pause *= 2
		if pause > backpressure.config.MaxPause {
			pause = backpressure.config.MaxPause
		}
	}
}

// enqueue submits a payload, retrying a full staging queue a bounded number
// of times with doubling delay. Other failures return immediately.
func enqueue(ctx context.Context, log *zap.Logger, queue ingest.Queue, payload *ingest.Payload) (*ingest.Enqueued, error) {
	delay := enqueueBaseDelay
	for attempt := 1; ; attempt++ {
		accepted, err := queue.EnqueueIngestion(ctx, payload)
		if err == nil {
			return accepted, nil
		}
		if !spool.ErrQueueFull.Has(err) || attempt >= enqueueAttempts {
			return nil, err
		}

		mon.Event("connector_enqueue_retry")
		log.Warn("staging queue full, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if !sync2.Sleep(ctx, delay) {
			return nil, ctx.Err()
		}
		delay *= 2
	}
}
