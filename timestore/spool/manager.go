// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package spool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/apphub/timestore/internal/sync2"
	"github.com/apphub/timestore/timestore/partstore"
	"github.com/apphub/timestore/timestore/schema"
)

const (
	// maxCorruptionRetries bounds how often an operation is retried after
	// the damaged database has been sidelined.
	maxCorruptionRetries = 3

	lockAttempts = 20
	lockBackoff  = 50 * time.Millisecond
)

// StaleHandler is invoked after a batch lands in a dataset's spool.
type StaleHandler func(slug string)

// Manager owns the staging spools of all datasets. All operations on one
// dataset are serialized by a cooperative lock chained with a file lock, and
// each operation opens a short-lived database connection inside that
// critical section.
type Manager struct {
	log    *zap.Logger
	config Config

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	sizes     map[string]int64
	recovered map[string]struct{}
	stale     StaleHandler
	closed    bool
	inflight  sync.WaitGroup
}

// NewManager creates a spool manager rooted at config.Directory.
func NewManager(log *zap.Logger, config Config) *Manager {
	return &Manager{
		log:       log,
		config:    config,
		locks:     make(map[string]*sync.Mutex),
		sizes:     make(map[string]int64),
		recovered: make(map[string]struct{}),
	}
}

// SetStaleHandler registers the callback fired after successful staging.
func (manager *Manager) SetStaleHandler(handler StaleHandler) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	manager.stale = handler
}

// EnsureSchema idempotently creates the staging tables for a dataset table.
func (manager *Manager) EnsureSchema(ctx context.Context, slug, tableName string, fields schema.Fields) (err error) {
	defer mon.Task()(&ctx)(&err)

	return manager.withDataset(ctx, slug, func(ctx context.Context, sdb *stagingDB) error {
		return sdb.ensureTable(ctx, tableName, fields)
	})
}

// StagePartition appends a batch to the dataset's spool. A batch with a
// known ingestion signature is not staged again.
func (manager *Manager) StagePartition(ctx context.Context, req StageRequest) (_ *StageResult, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := req.Verify(); err != nil {
		return nil, err
	}

	var result *StageResult
	err = manager.withDataset(ctx, req.DatasetSlug, func(ctx context.Context, sdb *stagingDB) error {
		existing, err := sdb.findBatchBySignature(ctx, req.IngestionSignature)
		if err != nil {
			return err
		}
		if existing != nil {
			result = &StageResult{
				BatchID:       existing.BatchID,
				RowCount:      existing.RowCount,
				AlreadyStaged: true,
			}
			return nil
		}

		if err := sdb.ensureTable(ctx, req.TableName, req.Schema); err != nil {
			return err
		}

		batch := &BatchInfo{
			BatchID:             uuid.New(),
			TableName:           req.TableName,
			Schema:              req.Schema,
			PartitionKey:        req.PartitionKey,
			PartitionAttributes: req.PartitionAttributes,
			StartTime:           req.StartTime.UTC(),
			EndTime:             req.EndTime.UTC(),
			RowCount:            int64(len(req.Rows)),
			ReceivedAt:          req.ReceivedAt.UTC(),
			StagedAt:            time.Now().UTC(),
			IdempotencyKey:      req.IdempotencyKey,
		}
		if err := sdb.insertBatch(ctx, req.IngestionSignature, batch, req.Schema, req.Rows); err != nil {
			return err
		}

		result = &StageResult{BatchID: batch.BatchID, RowCount: batch.RowCount}
		return nil
	})
	if err != nil {
		return nil, err
	}

	manager.observeSizes(req.DatasetSlug)
	if !result.AlreadyStaged {
		manager.notifyStale(req.DatasetSlug)
	}
	return result, nil
}

// PrepareFlush claims every unclaimed batch under a fresh flush token and
// exports each one to an intermediate columnar file. Returns nil when
// nothing is pending.
func (manager *Manager) PrepareFlush(ctx context.Context, slug string) (_ *FlushPlan, err error) {
	defer mon.Task()(&ctx)(&err)

	var plan *FlushPlan
	err = manager.withDataset(ctx, slug, func(ctx context.Context, sdb *stagingDB) error {
		token := uuid.NewString()
		now := time.Now().UTC()

		claimed, err := sdb.claimPending(ctx, token, now)
		if err != nil {
			return err
		}
		if claimed == 0 {
			return nil
		}

		batches, err := sdb.batchesByToken(ctx, token)
		if err != nil {
			return err
		}

		plan = &FlushPlan{FlushToken: token, PreparedAt: now}
		for i := range batches {
			flushBatch := FlushBatch{BatchInfo: batches[i]}
			flushBatch.Rows, err = sdb.loadBatchRows(ctx, &batches[i])
			if err == nil {
				flushBatch.ParquetFilePath, err = exportBatch(sdb.dir, token, &flushBatch)
			}
			if err != nil {
				// the claim is rolled back so the batches stay flushable
				_, _, releaseErr := sdb.release(ctx, token)
				removeFlushFiles(manager.log, sdb.dir, token)
				return errs.Combine(err, releaseErr)
			}
			plan.Batches = append(plan.Batches, flushBatch)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// FinalizeFlush removes the batches claimed by the token together with
// their rows and intermediate files.
func (manager *Manager) FinalizeFlush(ctx context.Context, slug, token string) (err error) {
	defer mon.Task()(&ctx)(&err)

	err = manager.withDataset(ctx, slug, func(ctx context.Context, sdb *stagingDB) error {
		batches, rows, err := sdb.finalize(ctx, token)
		if err != nil {
			return err
		}
		removeFlushFiles(manager.log, sdb.dir, token)
		manager.log.Debug("flush finalized",
			zap.String("dataset", slug),
			zap.String("token", token),
			zap.Int64("batches", batches),
			zap.Int64("rows", rows))
		return nil
	})
	if err != nil {
		return err
	}
	manager.observeSizes(slug)
	return nil
}

// AbortFlush releases the batches claimed by the token so they become
// flushable again.
func (manager *Manager) AbortFlush(ctx context.Context, slug, token string) (batches, rows int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = manager.withDataset(ctx, slug, func(ctx context.Context, sdb *stagingDB) error {
		batches, rows, err = sdb.release(ctx, token)
		if err != nil {
			return err
		}
		removeFlushFiles(manager.log, sdb.dir, token)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	manager.log.Info("flush aborted",
		zap.String("dataset", slug),
		zap.String("token", token),
		zap.Int64("batches", batches))
	return batches, rows, nil
}

// GetDatasetSummary reports the staged state of a dataset.
func (manager *Manager) GetDatasetSummary(ctx context.Context, slug string) (_ *DatasetSummary, err error) {
	defer mon.Task()(&ctx)(&err)

	var summary *DatasetSummary
	err = manager.withDataset(ctx, slug, func(ctx context.Context, sdb *stagingDB) error {
		summary, err = sdb.summary(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	summary.DatasetSlug = slug
	return summary, nil
}

// ListPendingBatches returns the metadata of every unclaimed batch.
func (manager *Manager) ListPendingBatches(ctx context.Context, slug string) (_ []BatchInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	var batches []BatchInfo
	err = manager.withDataset(ctx, slug, func(ctx context.Context, sdb *stagingDB) error {
		batches, err = sdb.pendingBatches(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// MarkDatasetCorrupted sidelines the dataset's staging database. The next
// operation starts from a fresh one.
func (manager *Manager) MarkDatasetCorrupted(ctx context.Context, slug, reason string) (err error) {
	defer mon.Task()(&ctx)(&err)

	lock, dir, err := manager.datasetLock(slug)
	if err != nil {
		return err
	}
	defer manager.inflight.Done()
	lock.Lock()
	defer lock.Unlock()

	manager.log.Warn("staging database marked corrupted",
		zap.String("dataset", slug), zap.String("reason", reason))
	return sidelineCorrupted(dir)
}

// DropDatasetSchema removes the dataset's staging database entirely,
// including intermediate flush files.
func (manager *Manager) DropDatasetSchema(ctx context.Context, slug string) (err error) {
	defer mon.Task()(&ctx)(&err)

	lock, dir, err := manager.datasetLock(slug)
	if err != nil {
		return err
	}
	defer manager.inflight.Done()
	lock.Lock()
	defer lock.Unlock()

	var group errs.Group
	for _, name := range []string{dbName, dbName + "-wal", dbName + "-shm"} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			group.Add(err)
		}
	}
	if err := os.RemoveAll(filepath.Join(dir, flushDirName)); err != nil {
		group.Add(err)
	}

	manager.mu.Lock()
	delete(manager.sizes, slug)
	delete(manager.recovered, slug)
	manager.mu.Unlock()

	return Error.Wrap(group.Err())
}

// ListDatasets returns the slugs with a staging database on disk.
func (manager *Manager) ListDatasets(ctx context.Context) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	entries, err := os.ReadDir(manager.config.Directory)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var slugs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(manager.config.Directory, entry.Name(), dbName)); err == nil {
			slugs = append(slugs, entry.Name())
		}
	}
	sort.Strings(slugs)
	return slugs, nil
}

// Close rejects new operations and waits for in-flight ones to finish.
func (manager *Manager) Close() error {
	manager.mu.Lock()
	if manager.closed {
		manager.mu.Unlock()
		return nil
	}
	manager.closed = true
	manager.mu.Unlock()

	manager.inflight.Wait()
	return nil
}

// withDataset runs fn inside the dataset's critical section: cooperative
// lock, then file lock, then a fresh database connection. Corruption
// sidelines the database and retries fn on a fresh one.
func (manager *Manager) withDataset(ctx context.Context, slug string, fn func(ctx context.Context, sdb *stagingDB) error) (err error) {
	lock, dir, err := manager.datasetLock(slug)
	if err != nil {
		return err
	}
	defer manager.inflight.Done()
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(dir, 0700); err != nil {
		return Error.Wrap(err)
	}

	fileLock, err := acquireFileLock(ctx, filepath.Join(dir, lockName))
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, Error.Wrap(fileLock.Close())) }()

	for attempt := 1; ; attempt++ {
		err := manager.runLocked(ctx, slug, dir, fn)
		if err == nil || !isCorruptionError(err) {
			return err
		}

		manager.log.Warn("staging database corruption detected",
			zap.String("dataset", slug),
			zap.Int("attempt", attempt),
			zap.Error(err))
		mon.Event("spool_corruption_recovered")

		if sideErr := sidelineCorrupted(dir); sideErr != nil {
			return errs.Combine(ErrCorruption.Wrap(err), sideErr)
		}
		if attempt >= maxCorruptionRetries {
			return ErrCorruption.Wrap(err)
		}
	}
}

func (manager *Manager) runLocked(ctx context.Context, slug, dir string, fn func(ctx context.Context, sdb *stagingDB) error) (err error) {
	sdb, err := openStagingDB(ctx, dir)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, sdb.Close()) }()

	// flushes interrupted by a previous process become resumable again
	if !manager.config.DisableRecovery && !manager.isRecovered(slug) {
		reset, err := sdb.resetFlushTokens(ctx)
		if err != nil {
			return err
		}
		if reset > 0 {
			manager.log.Info("reclaimed interrupted flushes",
				zap.String("dataset", slug), zap.Int64("batches", reset))
		}
		manager.markRecovered(slug)
	}

	return fn(ctx, sdb)
}

// datasetLock hands out the dataset's cooperative lock. The caller must
// release the in-flight counter when its critical section ends.
func (manager *Manager) datasetLock(slug string) (*sync.Mutex, string, error) {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	if manager.closed {
		return nil, "", Error.New("manager closed")
	}
	lock, ok := manager.locks[slug]
	if !ok {
		lock = new(sync.Mutex)
		manager.locks[slug] = lock
	}
	manager.inflight.Add(1)
	return lock, filepath.Join(manager.config.Directory, sanitizeSlug(slug)), nil
}

func (manager *Manager) isRecovered(slug string) bool {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	_, ok := manager.recovered[slug]
	return ok
}

func (manager *Manager) markRecovered(slug string) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	manager.recovered[slug] = struct{}{}
}

func (manager *Manager) notifyStale(slug string) {
	manager.mu.Lock()
	handler := manager.stale
	manager.mu.Unlock()
	if handler != nil {
		handler(slug)
	}
}

// observeSizes refreshes the dataset's size gauge and warns when a dataset
// or the spool as a whole exceeds its ceiling. The core never evicts.
func (manager *Manager) observeSizes(slug string) {
	size := onDiskBytes(filepath.Join(manager.config.Directory, sanitizeSlug(slug)))

	manager.mu.Lock()
	manager.sizes[slug] = size
	var total int64
	for _, s := range manager.sizes {
		total += s
	}
	manager.mu.Unlock()

	mon.IntVal("spool_dataset_bytes").Observe(size)
	mon.IntVal("spool_total_bytes").Observe(total)

	if manager.config.MaxDatasetBytes > 0 && size > manager.config.MaxDatasetBytes {
		manager.log.Warn("dataset spool over size ceiling",
			zap.String("dataset", slug),
			zap.Int64("bytes", size),
			zap.Int64("ceiling", manager.config.MaxDatasetBytes))
	}
	if manager.config.MaxTotalBytes > 0 && total > manager.config.MaxTotalBytes {
		manager.log.Warn("staging spool over total size ceiling",
			zap.Int64("bytes", total),
			zap.Int64("ceiling", manager.config.MaxTotalBytes))
	}
}

// acquireFileLock guards against concurrent process access with bounded
// retry.
func acquireFileLock(ctx context.Context, path string) (*os.File, error) {
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	for attempt := 1; ; attempt++ {
		err := flock(fh)
		if err == nil {
			return fh, nil
		}
		if attempt >= lockAttempts {
			return nil, errs.Combine(Error.New("unable to lock %q", path), err, fh.Close())
		}
		if !sync2.Sleep(ctx, lockBackoff) {
			return nil, errs.Combine(Error.Wrap(ctx.Err()), fh.Close())
		}
	}
}

// sidelineCorrupted renames the damaged database away and drops its WAL so
// the next open starts fresh.
func sidelineCorrupted(dir string) error {
	corrupt := filepath.Join(dir, fmt.Sprintf("%s.corrupt-%d", dbName, time.Now().UnixNano()))
	if err := os.Rename(filepath.Join(dir, dbName), corrupt); err != nil && !os.IsNotExist(err) {
		return ErrCorruption.Wrap(err)
	}
	var group errs.Group
	for _, name := range []string{dbName + "-wal", dbName + "-shm"} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			group.Add(err)
		}
	}
	return ErrCorruption.Wrap(group.Err())
}

func flushDir(dir, token string) string {
	return filepath.Join(dir, flushDirName, token)
}

// exportBatch writes the batch rows to an intermediate columnar file for
// downstream writers.
func exportBatch(dir, token string, batch *FlushBatch) (_ string, err error) {
	target := flushDir(dir, token)
	if err := os.MkdirAll(target, 0700); err != nil {
		return "", Error.Wrap(err)
	}

	path := filepath.Join(target, batch.BatchID.String()+".parquet")
	fh, err := os.Create(path)
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, os.Remove(path))
		}
	}()

	if _, err := partstore.EncodeParquet(fh, batch.TableName, batch.Schema, batch.Rows); err != nil {
		return "", errs.Combine(err, fh.Close())
	}
	if err := fh.Sync(); err != nil {
		return "", errs.Combine(Error.Wrap(err), fh.Close())
	}
	if err := fh.Close(); err != nil {
		return "", Error.Wrap(err)
	}
	return path, nil
}

func removeFlushFiles(log *zap.Logger, dir, token string) {
	if err := os.RemoveAll(flushDir(dir, token)); err != nil {
		log.Warn("unable to remove intermediate flush files",
			zap.String("token", token), zap.Error(err))
	}
}
