// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

// Package ingest turns ingestion requests into immutable partitions and
// manifest versions. The Processor orchestrates the full path: it resolves
// the dataset and storage target, classifies the schema against the
// published baseline, writes the partition file, publishes the manifest
// update and emits lifecycle events. Queues front the Processor either
// inline or via redis with worker concurrency and retry.
package ingest

import (
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/apphub/timestore/timestore/manifest"
	"github.com/apphub/timestore/timestore/partstore"
	"github.com/apphub/timestore/timestore/schema"
	"github.com/apphub/timestore/timestore/spool"
)

var (
	// Error is the default ingest errs class.
	Error = errs.Class("ingest")
	// ErrValidation is returned for malformed ingestion requests.
	ErrValidation = errs.Class("ingest: validation")

	mon = monkit.Package()
)

// Error kinds reported for terminally failed jobs.
const (
	KindValidation            = "validation"
	KindSchemaEvolution       = "schema_evolution"
	KindStorageTargetNotFound = "storage_target_not_found"
	KindStagingQueueFull      = "staging_queue_full"
	KindCorruption            = "corruption"
	KindFatal                 = "fatal"
	KindTransientIO           = "transient_io"
)

// Retryable reports whether retrying the failed operation can succeed.
// Validation, schema evolution, storage target and fatal spool failures
// are permanent; everything else is assumed to be transient IO.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case ErrValidation.Has(err),
		schema.ErrEvolution.Has(err),
		manifest.ErrStorageTargetNotFound.Has(err),
		manifest.ErrInvalidRequest.Has(err),
		partstore.ErrPermanent.Has(err),
		spool.ErrFatal.Has(err):
		return false
	}
	return true
}

// Failure is the user-visible description of a terminally failed job.
type Failure struct {
	ErrorKind string   `json:"errorKind" msgpack:"errorKind"`
	Reasons   []string `json:"reasons" msgpack:"reasons"`
	Retryable bool     `json:"retryable" msgpack:"retryable"`
}

// FailureFor classifies an error into its failure description.
func FailureFor(err error) Failure {
	if err == nil {
		return Failure{}
	}
	failure := Failure{
		ErrorKind: KindTransientIO,
		Retryable: Retryable(err),
	}
	switch {
	case ErrValidation.Has(err), manifest.ErrInvalidRequest.Has(err):
		failure.ErrorKind = KindValidation
	case schema.ErrEvolution.Has(err):
		failure.ErrorKind = KindSchemaEvolution
	case manifest.ErrStorageTargetNotFound.Has(err):
		failure.ErrorKind = KindStorageTargetNotFound
	case spool.ErrQueueFull.Has(err):
		failure.ErrorKind = KindStagingQueueFull
	case spool.ErrCorruption.Has(err):
		failure.ErrorKind = KindCorruption
	case spool.ErrFatal.Has(err), partstore.ErrPermanent.Has(err):
		failure.ErrorKind = KindFatal
	}
	for _, reason := range strings.Split(err.Error(), "; ") {
		if reason != "" {
			failure.Reasons = append(failure.Reasons, reason)
		}
	}
	return failure
}
