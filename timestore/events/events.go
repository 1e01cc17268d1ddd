// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

// Package events publishes dataset lifecycle notifications to downstream
// consumers. Every successful ingestion emits at least one event so that
// catalog services and query caches can react without polling the
// metadata store.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the default error class for the events package.
	Error = errs.Class("events")

	mon = monkit.Package()
)

// Topics understood by downstream consumers.
const (
	TopicPartitionCreated        = "partition.created"
	TopicSchemaEvolved           = "schema.evolved"
	TopicSchemaBackfillRequested = "schema.backfill.requested"
	TopicWatermarkUpdated        = "streaming.watermark.updated"
)

// Publisher delivers an event payload on the named topic. Implementations
// must tolerate repeated delivery of the same payload; consumers
// deduplicate on manifest and partition ids.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// PartitionCreated announces a newly materialized partition file.
type PartitionCreated struct {
	DatasetID       uuid.UUID         `json:"datasetId"`
	DatasetSlug     string            `json:"datasetSlug"`
	ManifestID      uuid.UUID         `json:"manifestId"`
	PartitionID     uuid.UUID         `json:"partitionId"`
	PartitionKey    map[string]string `json:"partitionKey"`
	StorageTargetID string            `json:"storageTargetId"`
	FilePath        string            `json:"filePath"`
	RowCount        int64             `json:"rowCount"`
	FileSizeBytes   int64             `json:"fileSizeBytes"`
	Checksum        string            `json:"checksum,omitempty"`
	ReceivedAt      time.Time         `json:"receivedAt"`
}

// SchemaEvolved announces that an ingestion added columns to a dataset.
type SchemaEvolved struct {
	DatasetID          uuid.UUID  `json:"datasetId"`
	DatasetSlug        string     `json:"datasetSlug"`
	ManifestID         uuid.UUID  `json:"manifestId"`
	PreviousManifestID *uuid.UUID `json:"previousManifestId,omitempty"`
	SchemaVersionID    uuid.UUID  `json:"schemaVersionId"`
	AddedColumns       []string   `json:"addedColumns"`
}

// SchemaBackfillRequested asks an external worker to rewrite historical
// partitions with defaults for the newly added columns. A nil default
// backfills the column with NULL.
type SchemaBackfillRequested struct {
	SchemaEvolved
	Defaults map[string]any `json:"defaults"`
}

// WatermarkUpdated reports streaming consumer progress for a connector.
type WatermarkUpdated struct {
	ConnectorID      string    `json:"connectorId"`
	DatasetID        uuid.UUID `json:"datasetId"`
	DatasetSlug      string    `json:"datasetSlug"`
	SealedThrough    time.Time `json:"sealedThrough"`
	BacklogLagMs     int64     `json:"backlogLagMs"`
	RecordsProcessed int64     `json:"recordsProcessed"`
}
