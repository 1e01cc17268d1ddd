// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/apphub/timestore/internal/sync2"
	"github.com/apphub/timestore/timestore/ingest"
)

// BulkConfig configures one directory-watching bulk loader.
type BulkConfig struct {
	ConnectorID string
	// Directory is scanned for load files matching Pattern.
	Directory string
	Pattern   string

	// ChunkSize bounds rows per ingestion job when the file does not set
	// its own.
	ChunkSize    int
	PollInterval time.Duration
	// DeleteAfterLoad removes loaded files instead of renaming them to
	// <name>.done.
	DeleteAfterLoad bool
}

// Verify checks the configuration and applies defaults.
func (config *BulkConfig) Verify() error {
	switch {
	case config.ConnectorID == "":
		return Error.New("connector id missing")
	case config.Directory == "":
		return Error.New("watch directory missing")
	}
	if config.Pattern == "" {
		config.Pattern = "*.json"
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultBulkChunkSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	return nil
}

// bulkFile is the on-disk format of one bulk load: an ingestion template,
// the rows to split, and the key base the chunk idempotency keys derive
// from.
type bulkFile struct {
	Ingestion       json.RawMessage  `json:"ingestion"`
	Rows            []map[string]any `json:"rows"`
	ChunkSize       int              `json:"chunkSize"`
	IdempotencyBase string           `json:"idempotencyBase"`
}

// BulkLoader scans a directory for load files and splits each into
// idempotent ingestion chunks. Loaded files settle by rename (or delete),
// so a rescan never repeats them; files failing in a retryable way stay in
// place and are retried whole, converging on their chunk keys.
type BulkLoader struct {
	log          *zap.Logger
	queue        ingest.Queue
	backpressure *Backpressure
	config       BulkConfig

	poll *sync2.Cycle
}

// NewBulkLoader creates a loader over the configured directory.
func NewBulkLoader(log *zap.Logger, queue ingest.Queue, backpressure *Backpressure, config BulkConfig) (*BulkLoader, error) {
	if err := config.Verify(); err != nil {
		return nil, err
	}
	return &BulkLoader{
		log:          log,
		queue:        queue,
		backpressure: backpressure,
		config:       config,
		poll:         sync2.NewCycle(config.PollInterval),
	}, nil
}

// Run scans the directory until ctx is canceled.
func (loader *BulkLoader) Run(ctx context.Context) error {
	return loader.poll.Run(ctx, loader.scan)
}

// Close stops the scan cycle.
func (loader *BulkLoader) Close() error {
	loader.poll.Stop()
	return nil
}

// scan loads every matching file once.
func (loader *BulkLoader) scan(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	matches, err := filepath.Glob(filepath.Join(loader.config.Directory, loader.config.Pattern))
	if err != nil {
		loader.log.Error("bulk scan failed", zap.Error(err))
		return nil
	}
	for _, path := range matches {
		if ctx.Err() != nil {
			return nil
		}
		if strings.HasSuffix(path, ".done") || strings.HasSuffix(path, ".failed") {
			continue
		}
		loader.loadFile(ctx, path)
	}
	return nil
}

// loadFile enqueues every chunk of one file and settles it.
func (loader *BulkLoader) loadFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		loader.log.Warn("bulk read failed", zap.String("file", path), zap.Error(err))
		return
	}

	payloads, err := loader.split(data, path)
	if err != nil {
		mon.Event("connector_bulk_rejected")
		loader.log.Error("bulk file rejected", zap.String("file", path), zap.Error(err))
		loader.settle(path, ".failed")
		return
	}

	for _, payload := range payloads {
		if err := loader.backpressure.Wait(ctx); err != nil {
			return
		}
		if _, err := enqueue(ctx, loader.log, loader.queue, payload); err != nil {
			if ingest.Retryable(err) {
				// the whole file is retried next scan; chunks already
				// accepted dedupe on their idempotency keys
				loader.log.Warn("bulk enqueue failed, file kept",
					zap.String("file", path),
					zap.String("chunk", payload.IdempotencyKey),
					zap.Error(err))
				return
			}
			mon.Event("connector_bulk_rejected")
			loader.log.Error("bulk chunk rejected",
				zap.String("file", path),
				zap.String("chunk", payload.IdempotencyKey),
				zap.Error(err))
			loader.settle(path, ".failed")
			return
		}
	}

	mon.Event("connector_bulk_loaded")
	mon.IntVal("connector_bulk_chunks").Observe(int64(len(payloads)))
	loader.log.Info("bulk file loaded",
		zap.String("file", path),
		zap.Int("chunks", len(payloads)))
	loader.settle(path, ".done")
}

// split parses a load file into chunked ingestion payloads.
func (loader *BulkLoader) split(data []byte, path string) ([]*ingest.Payload, error) {
	var file bulkFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, Error.New("malformed bulk file: %v", err)
	}
	if len(file.Ingestion) == 0 {
		return nil, Error.New("bulk file has no ingestion template")
	}
	template, err := ingest.DecodePayload(file.Ingestion)
	if err != nil {
		return nil, err
	}
	if len(file.Rows) == 0 {
		return nil, Error.New("bulk file has no rows")
	}

	chunkSize := file.ChunkSize
	if chunkSize <= 0 {
		chunkSize = loader.config.ChunkSize
	}
	base := file.IdempotencyBase
	if base == "" {
		base = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	var payloads []*ingest.Payload
	for index := 0; index*chunkSize < len(file.Rows); index++ {
		end := (index + 1) * chunkSize
		if end > len(file.Rows) {
			end = len(file.Rows)
		}
		chunk := *template
		chunk.Rows = file.Rows[index*chunkSize : end]
		chunk.IdempotencyKey = fmt.Sprintf("%s-%d", base, index)
		payloads = append(payloads, &chunk)
	}
	return payloads, nil
}

// settle renames the handled file, or deletes it when configured.
func (loader *BulkLoader) settle(path, suffix string) {
	if suffix == ".done" && loader.config.DeleteAfterLoad {
		if err := os.Remove(path); err != nil {
			loader.log.Error("bulk remove failed", zap.String("file", path), zap.Error(err))
		}
		return
	}
	if err := os.Rename(path, path+suffix); err != nil {
		loader.log.Error("bulk settle failed", zap.String("file", path), zap.Error(err))
	}
}
