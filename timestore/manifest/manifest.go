// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

// Package manifest implements the versioned dataset metadata store:
// datasets, storage targets, schema versions, manifests with their
// partitions, ingestion idempotency records and streaming watermarks.
package manifest

import (
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/apphub/timestore/timestore/partstore"
	"github.com/apphub/timestore/timestore/schema"
)

var (
	// Error is the default manifest errs class.
	Error = errs.Class("manifest")
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errs.Class("manifest: not found")
	// ErrStorageTargetNotFound is returned when an explicitly referenced
	// storage target does not exist.
	ErrStorageTargetNotFound = errs.Class("storage target not found")
	// ErrConflict is returned when a write collides with existing state.
	ErrConflict = errs.Class("manifest: conflict")
	// ErrInvalidRequest is returned when a request fails verification.
	ErrInvalidRequest = errs.Class("manifest: invalid request")

	mon = monkit.Package()
)

// shardLayout derives shard keys from partition start times; one shard per
// UTC calendar day.
const shardLayout = "2006-01-02"

// ShardKeyFor returns the shard key covering the given instant.
func ShardKeyFor(t time.Time) string {
	return t.UTC().Format(shardLayout)
}

// ShardBounds returns the half-open time range a shard key covers.
func ShardBounds(shardKey string) (start, end time.Time, err error) {
	start, err = time.ParseInLocation(shardLayout, shardKey, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, ErrInvalidRequest.New("invalid shard key %q", shardKey)
	}
	return start, start.Add(24 * time.Hour), nil
}

// ManifestStatus is the lifecycle state of a manifest.
type ManifestStatus string

// Manifest statuses.
const (
	StatusDraft      ManifestStatus = "draft"
	StatusPublished  ManifestStatus = "published"
	StatusSuperseded ManifestStatus = "superseded"
)

// Dataset is a named collection of manifests sharing a slug.
type Dataset struct {
	ID                     uuid.UUID
	Slug                   string
	Name                   string
	Description            string
	DefaultStorageTargetID uuid.UUID
	Metadata               DatasetMetadata
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// DatasetMetadata is an opaque metadata object attached to a dataset. A few
// keys carry staging overrides recognized by the ingestion path.
type DatasetMetadata map[string]any

// Staging override metadata keys.
const (
	MetaStagingDisabled = "staging.disabled"
	MetaStagingMaxRows  = "staging.flush.maxRows"
	MetaStagingMaxBytes = "staging.flush.maxBytes"
	MetaStagingMaxAgeMs = "staging.flush.maxAgeMs"
)

// FlushOverrides are per-dataset staging threshold overrides parsed from
// dataset metadata. Nil fields leave the configured threshold untouched.
type FlushOverrides struct {
	Disabled bool
	MaxRows  *int64
	MaxBytes *int64
	MaxAgeMs *int64
}

// StagingOverrides extracts the recognized staging override keys. Values
// clamp to non-negative integers; unparsable values are ignored.
func (metadata DatasetMetadata) StagingOverrides() FlushOverrides {
	var overrides FlushOverrides
	if v, ok := metadata[MetaStagingDisabled].(bool); ok {
		overrides.Disabled = v
	}
	overrides.MaxRows = metadataInt(metadata, MetaStagingMaxRows)
	overrides.MaxBytes = metadataInt(metadata, MetaStagingMaxBytes)
	overrides.MaxAgeMs = metadataInt(metadata, MetaStagingMaxAgeMs)
	return overrides
}

func metadataInt(metadata DatasetMetadata, key string) *int64 {
	raw, ok := metadata[key]
	if !ok {
		return nil
	}
	var value int64
	switch v := raw.(type) {
	case float64:
		value = int64(v)
	case int:
		value = int64(v)
	case int64:
		value = v
	default:
		return nil
	}
	if value < 0 {
		value = 0
	}
	return &value
}

// StorageTarget is a configured partition file destination.
type StorageTarget struct {
	ID        uuid.UUID
	Name      string
	Kind      string
	Config    []byte
	CreatedAt time.Time
}

// SchemaVersion is one immutable schema revision of a dataset.
type SchemaVersion struct {
	ID        uuid.UUID
	DatasetID uuid.UUID
	Version   int64
	Fields    schema.Fields
	Checksum  string
	CreatedAt time.Time
}

// Summary aggregates the partitions of a manifest.
type Summary struct {
	PartitionCount int64      `json:"partitionCount"`
	TotalRows      int64      `json:"totalRows"`
	TotalBytes     int64      `json:"totalBytes"`
	StartTime      *time.Time `json:"startTime,omitempty"`
	EndTime        *time.Time `json:"endTime,omitempty"`
}

// merge folds another summary into this one.
func (summary Summary) merge(other Summary) Summary {
	summary.PartitionCount += other.PartitionCount
	summary.TotalRows += other.TotalRows
	summary.TotalBytes += other.TotalBytes
	if other.StartTime != nil && (summary.StartTime == nil || other.StartTime.Before(*summary.StartTime)) {
		summary.StartTime = other.StartTime
	}
	if other.EndTime != nil && (summary.EndTime == nil || other.EndTime.After(*summary.EndTime)) {
		summary.EndTime = other.EndTime
	}
	return summary
}

// Statistics tracks ingestion activity per manifest lineage.
type Statistics struct {
	RowsIngested     int64 `json:"rowsIngested"`
	Flushes          int64 `json:"flushes"`
	SchemaEvolutions int64 `json:"schemaEvolutions"`
}

func (statistics Statistics) merge(other Statistics) Statistics {
	statistics.RowsIngested += other.RowsIngested
	statistics.Flushes += other.Flushes
	statistics.SchemaEvolutions += other.SchemaEvolutions
	return statistics
}

// Manifest is a versioned, published set of partitions for one dataset
// shard.
type Manifest struct {
	ID               uuid.UUID
	DatasetID        uuid.UUID
	Version          int64
	Status           ManifestStatus
	ShardKey         string
	SchemaVersionID  uuid.UUID
	ParentManifestID *uuid.UUID
	Summary          Summary
	Statistics       Statistics
	Metadata         map[string]any
	CreatedBy        string
	CreatedAt        time.Time
	PublishedAt      *time.Time

	Partitions []Partition
}

// Partition is one immutable columnar file owned by a manifest.
type Partition struct {
	ID                 uuid.UUID
	ManifestID         uuid.UUID
	StorageTargetID    uuid.UUID
	FileFormat         string
	FilePath           string
	PartitionKey       map[string]string
	StartTime          time.Time
	EndTime            time.Time
	FileSizeBytes      int64
	RowCount           int64
	Checksum           string
	ColumnStatistics   map[string]partstore.ColumnStats
	ColumnBloomFilters map[string]string
	TableName          string
	SchemaVersionID    uuid.UUID
	SortIndex          int
}

// IngestionBatch records the manifest produced for an idempotency key.
type IngestionBatch struct {
	ID             uuid.UUID
	DatasetID      uuid.UUID
	IdempotencyKey string
	ManifestID     uuid.UUID
	CreatedAt      time.Time
}

// StreamingWatermark tracks how far a streaming connector has sealed a
// dataset.
type StreamingWatermark struct {
	ConnectorID      string
	DatasetID        uuid.UUID
	DatasetSlug      string
	SealedThrough    time.Time
	BacklogLagMs     int64
	RecordsProcessed int64
	UpdatedAt        time.Time
}
