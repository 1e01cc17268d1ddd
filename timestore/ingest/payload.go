// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/apphub/timestore/timestore/schema"
)

// DefaultTableName is used when a request does not name a table.
const DefaultTableName = "records"

var validTableName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// TimeRange is the inclusive time span covered by a partition.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// EvolutionOptions control the side effects of additive schema evolution.
// Defaults assigns values for newly added columns when historical
// partitions are rewritten; Backfill requests that rewrite.
type EvolutionOptions struct {
	Defaults map[string]any `json:"defaults,omitempty"`
	Backfill bool           `json:"backfill,omitempty"`
}

// SchemaSpec declares the fields of an ingestion batch.
type SchemaSpec struct {
	Fields    schema.Fields     `json:"fields"`
	Evolution *EvolutionOptions `json:"evolution,omitempty"`
}

// PartitionInput identifies where the ingested rows land.
type PartitionInput struct {
	Key        map[string]string `json:"key"`
	Attributes map[string]string `json:"attributes,omitempty"`
	TimeRange  TimeRange         `json:"timeRange"`
}

// Actor identifies the principal submitting a request.
type Actor struct {
	ID     string   `json:"id"`
	Scopes []string `json:"scopes,omitempty"`
}

// Payload is one ingestion request, the unit of work accepted by the queue
// and executed by the Processor.
type Payload struct {
	DatasetSlug     string           `json:"datasetSlug"`
	DatasetName     string           `json:"datasetName,omitempty"`
	StorageTargetID string           `json:"storageTargetId,omitempty"`
	TableName       string           `json:"tableName,omitempty"`
	Schema          SchemaSpec       `json:"schema"`
	Partition       PartitionInput   `json:"partition"`
	Rows            []map[string]any `json:"rows"`
	IdempotencyKey  string           `json:"idempotencyKey,omitempty"`
	Actor           *Actor           `json:"actor,omitempty"`
	ReceivedAt      *time.Time       `json:"receivedAt,omitempty"`
}

// DecodePayload parses a JSON ingestion request. Unknown fields anywhere in
// the document are rejected.
func DecodePayload(data []byte) (*Payload, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()

	var payload Payload
	if err := decoder.Decode(&payload); err != nil {
		return nil, ErrValidation.New("malformed ingestion request: %v", err)
	}
	if decoder.More() {
		return nil, ErrValidation.New("trailing data after ingestion request")
	}
	return &payload, nil
}

// Verify checks the payload and applies defaults.
func (payload *Payload) Verify() error {
	switch {
	case payload.DatasetSlug == "":
		return ErrValidation.New("dataset slug missing")
	case len(payload.Schema.Fields) == 0:
		return ErrValidation.New("schema has no fields")
	case len(payload.Partition.Key) == 0:
		return ErrValidation.New("partition key missing")
	}
	if payload.TableName == "" {
		payload.TableName = DefaultTableName
	}
	if !validTableName.MatchString(payload.TableName) {
		return ErrValidation.New("invalid table name %q", payload.TableName)
	}
	if err := payload.Schema.Fields.Validate(); err != nil {
		return ErrValidation.Wrap(err)
	}

	timeRange := payload.Partition.TimeRange
	switch {
	case timeRange.Start.IsZero():
		return ErrValidation.New("partition start time missing")
	case timeRange.End.IsZero():
		return ErrValidation.New("partition end time missing")
	case timeRange.End.Before(timeRange.Start):
		return ErrValidation.New("partition time range ends %s before it starts %s",
			timeRange.End.Format(time.RFC3339), timeRange.Start.Format(time.RFC3339))
	}

	// a partition stays within the shard of its start day; ending exactly
	// on the next midnight is allowed
	boundary := timeRange.Start.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	if timeRange.End.After(boundary) {
		return ErrValidation.New("partition time range crosses the shard boundary at %s",
			boundary.Format(time.RFC3339))
	}
	return nil
}

// Signature returns a stable identifier for this batch, used for staging
// dedupe. Requests carrying an idempotency key reuse it; otherwise the
// signature hashes the batch identity and row content.
func (payload *Payload) Signature() string {
	if payload.IdempotencyKey != "" {
		return payload.IdempotencyKey
	}

	hasher := xxhash.New()
	encoder := json.NewEncoder(hasher)
	// encoding/json sorts map keys, so the digest is deterministic
	_ = encoder.Encode(payload.DatasetSlug)
	_ = encoder.Encode(payload.TableName)
	_ = encoder.Encode(payload.Schema.Fields)
	_ = encoder.Encode(payload.Partition)
	_ = encoder.Encode(payload.Rows)
	return fmt.Sprintf("sig-%016x", hasher.Sum64())
}

// receivedAt returns the request arrival time, defaulting to now.
func (payload *Payload) receivedAt() time.Time {
	if payload.ReceivedAt != nil && !payload.ReceivedAt.IsZero() {
		return payload.ReceivedAt.UTC()
	}
	return time.Now().UTC()
}

// createdBy returns the audit identity recorded on manifests.
func (payload *Payload) createdBy() string {
	if payload.Actor != nil && payload.Actor.ID != "" {
		return payload.Actor.ID
	}
	return "ingest"
}
