// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

// Package stream turns event streams into bounded ingestion batches.
//
// A Batcher consumes records from a Source, windows them by event time and
// flushes every sealed window chunk as one idempotent ingestion request.
// Replaying the stream after a crash regenerates the same idempotency keys,
// so the ingestion path converges on the same partitions.
package stream

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/apphub/timestore/timestore/schema"
)

var (
	// Error is the default error class for the stream package.
	Error = errs.Class("stream")

	mon = monkit.Package()
)

// Default batcher settings.
const (
	DefaultWindowSeconds   = 60
	DefaultMaxRows         = 100000
	DefaultMaxBatchLatency = 30 * time.Second
	DefaultRetryDelay      = 5 * time.Second
	DefaultSweepInterval   = time.Second
	DefaultDrainTimeout    = 30 * time.Second
)

// Record is one decoded event from a stream. Ack, when set, marks the
// record safe to commit upstream; it is called once the record's chunk has
// flushed or the record was dropped as unprocessable.
type Record struct {
	Row map[string]any
	Ack func()
}

// Source yields decoded records from an event stream.
type Source interface {
	// Fetch blocks until records are available or ctx is done.
	Fetch(ctx context.Context) ([]Record, error)
	// Close releases the source resources.
	Close() error
}

// BatcherConfig configures one streaming micro-batcher.
type BatcherConfig struct {
	// ConnectorID identifies the batcher in idempotency keys and
	// watermarks.
	ConnectorID string

	// Topic, GroupID and StartFromEarliest configure the stream source;
	// the batcher itself does not interpret them.
	Topic             string
	GroupID           string
	StartFromEarliest bool

	DatasetSlug string
	DatasetName string
	TableName   string
	Schema      schema.Fields

	// TimeField names the row field carrying the event time.
	TimeField string

	// WindowSeconds is the event-time window size records are floored to.
	WindowSeconds int
	// MaxRowsPerPartition seals a chunk when its row count is reached.
	MaxRowsPerPartition int
	// MaxBatchLatency seals a chunk that has been open this long.
	MaxBatchLatency time.Duration
	// RetryDelay postpones re-flushing a chunk after a retryable failure.
	RetryDelay time.Duration
	// SweepInterval drives latency seals and retry wakeups.
	SweepInterval time.Duration
	// DrainTimeout bounds the final flush on shutdown.
	DrainTimeout time.Duration

	PartitionKey        map[string]string
	PartitionAttributes map[string]string
}

// Verify checks the configuration and applies defaults.
func (config *BatcherConfig) Verify() error {
	switch {
	case config.ConnectorID == "":
		return Error.New("connector id missing")
	case config.DatasetSlug == "":
		return Error.New("dataset slug missing")
	case config.TimeField == "":
		return Error.New("time field missing")
	}
	if err := config.Schema.Validate(); err != nil {
		return Error.Wrap(err)
	}
	if _, ok := config.Schema.ByName(config.TimeField); !ok {
		return Error.New("time field %q is not declared in the schema", config.TimeField)
	}
	if config.WindowSeconds <= 0 {
		config.WindowSeconds = DefaultWindowSeconds
	}
	if config.MaxRowsPerPartition <= 0 {
		config.MaxRowsPerPartition = DefaultMaxRows
	}
	if config.MaxBatchLatency <= 0 {
		config.MaxBatchLatency = DefaultMaxBatchLatency
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
		if config.MaxBatchLatency/2 < config.SweepInterval {
			config.SweepInterval = config.MaxBatchLatency / 2
		}
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultDrainTimeout
	}
	return nil
}

// windowStart returns the start of the window containing the given event
// time.
func (config *BatcherConfig) windowStart(at time.Time) time.Time {
	size := int64(config.WindowSeconds)
	sec := at.Unix()
	mod := sec % size
	if mod < 0 {
		mod += size
	}
	return time.Unix(sec-mod, 0).UTC()
}

// windowEnd returns the exclusive end of the window starting at start.
func (config *BatcherConfig) windowEnd(start time.Time) time.Time {
	return start.Add(time.Duration(config.WindowSeconds) * time.Second)
}
