// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

// Package spool implements the per-dataset durable staging buffer. Batches
// are appended to an embedded database per dataset and later drained into
// immutable partitions by the flush path.
package spool

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/apphub/timestore/timestore/schema"
)

var (
	// Error is the default spool errs class.
	Error = errs.Class("spool")
	// ErrCorruption marks detected staging database corruption. The manager
	// recovers by sidelining the damaged database and retrying.
	ErrCorruption = errs.Class("spool corruption")
	// ErrFatal marks unrecoverable states, like column type drift inside a
	// staging table.
	ErrFatal = errs.Class("spool fatal")
	// ErrQueueFull is returned when a dataset's staging queue is at
	// capacity.
	ErrQueueFull = errs.Class("staging queue full")

	mon = monkit.Package()
)

// Config configures the staging spool.
type Config struct {
	Directory            string
	MaxDatasetBytes      int64
	MaxTotalBytes        int64
	MaxPendingPerDataset int
	DisableRecovery      bool
	Flush                Thresholds
}

// StageRequest contains one batch of rows to stage for a dataset.
type StageRequest struct {
	DatasetSlug         string
	TableName           string
	IngestionSignature  string
	Schema              schema.Fields
	PartitionKey        map[string]string
	PartitionAttributes map[string]any
	StartTime           time.Time
	EndTime             time.Time
	Rows                []map[string]any
	ReceivedAt          time.Time
	IdempotencyKey      string
}

// Verify checks the request fields.
func (req *StageRequest) Verify() error {
	switch {
	case req.DatasetSlug == "":
		return Error.New("dataset slug missing")
	case req.IngestionSignature == "":
		return Error.New("ingestion signature missing")
	case len(req.Rows) == 0:
		return Error.New("no rows to stage")
	case req.EndTime.Before(req.StartTime):
		return Error.New("end time before start time")
	}
	if req.TableName == "" {
		req.TableName = "records"
	}
	if !validTableName.MatchString(req.TableName) {
		return Error.New("invalid table name %q", req.TableName)
	}
	if err := req.Schema.Validate(); err != nil {
		return Error.Wrap(err)
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now()
	}
	return nil
}

// StageResult reports the outcome of staging a batch.
type StageResult struct {
	BatchID       uuid.UUID
	RowCount      int64
	AlreadyStaged bool
}

// BatchInfo describes a staged batch without its rows.
type BatchInfo struct {
	BatchID             uuid.UUID
	TableName           string
	Schema              schema.Fields
	PartitionKey        map[string]string
	PartitionAttributes map[string]any
	StartTime           time.Time
	EndTime             time.Time
	RowCount            int64
	ReceivedAt          time.Time
	StagedAt            time.Time
	IdempotencyKey      string
	Flushing            bool
}

// FlushBatch is one staged batch selected for flushing, with its rows and
// the exported intermediate columnar file.
type FlushBatch struct {
	BatchInfo
	Rows            []map[string]any
	ParquetFilePath string
}

// FlushPlan is the set of batches claimed by one flush token.
type FlushPlan struct {
	FlushToken string
	PreparedAt time.Time
	Batches    []FlushBatch
}

// DatasetSummary aggregates the staged state of one dataset.
type DatasetSummary struct {
	DatasetSlug        string
	PendingBatchCount  int64
	PendingRowCount    int64
	FlushingBatchCount int64
	OldestStagedAt     *time.Time
	OnDiskBytes        int64
}

var validTableName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// sanitizeSlug maps a dataset slug to a filesystem directory name.
func sanitizeSlug(slug string) string {
	slug = strings.ToLower(slug)
	var b strings.Builder
	b.Grow(len(slug))
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
