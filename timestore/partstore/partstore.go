// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

// Package partstore writes immutable columnar partition files to storage
// backends. Every driver guarantees that a partition either appears fully
// written or not at all.
package partstore

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/apphub/timestore/timestore/schema"
)

var (
	// Error is the default partstore errs class.
	Error = errs.Class("partstore")
	// ErrTransient is returned for retryable IO failures.
	ErrTransient = errs.Class("transient io")
	// ErrPermanent is returned for failures that retrying cannot fix, for
	// example invalid rows or a misconfigured storage target.
	ErrPermanent = errs.Class("permanent storage")

	mon = monkit.Package()
)

// Storage target kinds.
const (
	KindLocalFile   = "local-file"
	KindObjectStore = "object-store"
	KindColumnarDB  = "columnar-db"
)

// FormatParquet is the file format written by the bundled drivers.
const FormatParquet = "parquet"

// WriteRequest describes one partition write.
//
// Exactly one of Rows and SpoolFile must be set. SpoolFile points at an
// already encoded parquet export produced by the spool; RowCount must
// accompany it.
type WriteRequest struct {
	DatasetSlug  string
	PartitionID  uuid.UUID
	TableName    string
	PartitionKey map[string]string
	Schema       schema.Fields
	Rows         []map[string]any
	SpoolFile    string
	RowCount     int64
	TargetConfig json.RawMessage
}

// Verify checks that the request is well formed.
func (req *WriteRequest) Verify() error {
	switch {
	case req.DatasetSlug == "":
		return ErrPermanent.New("dataset slug missing")
	case req.PartitionID == uuid.Nil:
		return ErrPermanent.New("partition id missing")
	case req.TableName == "":
		return ErrPermanent.New("table name missing")
	case len(req.Rows) > 0 && req.SpoolFile != "":
		return ErrPermanent.New("rows and spool file are mutually exclusive")
	case len(req.Rows) == 0 && req.SpoolFile == "":
		return ErrPermanent.New("no rows to write")
	}
	return req.Schema.Validate()
}

// WriteResult describes a written partition file.
type WriteResult struct {
	RelativePath  string
	FileFormat    string
	FileSizeBytes int64
	RowCount      int64
	Checksum      string
}

// Driver writes partitions to a specific storage backend kind.
type Driver interface {
	Kind() string
	WritePartition(ctx context.Context, req WriteRequest) (WriteResult, error)
}

// Registry resolves drivers by storage target kind.
type Registry struct {
	drivers map[string]Driver
}

// NewRegistry creates a registry from the given drivers.
func NewRegistry(drivers ...Driver) *Registry {
	byKind := make(map[string]Driver, len(drivers))
	for _, driver := range drivers {
		byKind[driver.Kind()] = driver
	}
	return &Registry{drivers: byKind}
}

// ForKind returns the driver for a storage target kind. Target kinds without
// a bundled driver, such as columnar-db warehouses loaded out of band, fail
// permanently.
func (registry *Registry) ForKind(kind string) (Driver, error) {
	driver, ok := registry.drivers[kind]
	if !ok {
		return nil, ErrPermanent.New("no driver for storage target kind %q", kind)
	}
	return driver, nil
}
