// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

// Package timestore wires the ingestion services into one runnable peer.
package timestore

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/apphub/timestore/internal/errs2"
	"github.com/apphub/timestore/timestore/connector"
	"github.com/apphub/timestore/timestore/events"
	"github.com/apphub/timestore/timestore/ingest"
	"github.com/apphub/timestore/timestore/manifest"
	"github.com/apphub/timestore/timestore/partstore"
	"github.com/apphub/timestore/timestore/spool"
	"github.com/apphub/timestore/timestore/stream"
)

var (
	// Error is the default timestore errs class.
	Error = errs.Class("timestore")

	mon = monkit.Package()
)

// Peer is the representation of a full timestore node.
type Peer struct {
	// core dependencies
	Log *zap.Logger
	DB  *manifest.DB

	// services, in initialization order
	Events struct {
		Bus   events.Publisher
		Redis *events.RedisBus
	}

	Manifests struct {
		Cache *manifest.Cache
	}

	Storage struct {
		Drivers *partstore.Registry
	}

	Staging struct {
		Manager    *spool.Manager
		WriteQueue *spool.WriteQueue
		Scheduler  *spool.Scheduler
	}

	Ingest struct {
		Processor *ingest.Processor
		Queue     ingest.Queue
		// Workers is set in distributed mode and doubles as Queue.
		Workers *ingest.RedisQueue
	}

	Streaming struct {
		Sources  []*stream.KafkaSource
		Batchers []*stream.Batcher
	}

	Connectors struct {
		Checkpoints  *connector.CheckpointStore
		Backpressure *connector.Backpressure
		Tailers      []*connector.Tailer
		Bulk         []*connector.BulkLoader
	}

	config Config
}

// New creates a new timestore peer. The metadata database must be migrated
// before the peer runs.
func New(log *zap.Logger, db *manifest.DB, config Config) (*Peer, error) {
	if err := config.Verify(); err != nil {
		return nil, err
	}

	peer := &Peer{
		Log:    log,
		DB:     db,
		config: config,
	}

	var err error

	{ // setup event bus
		switch config.Events.Mode {
		case EventsModeRedis:
			peer.Events.Redis, err = events.NewRedisBus(log.Named("events"), events.RedisBusConfig{
				URL:           config.Events.RedisURL,
				ChannelPrefix: config.Events.ChannelPrefix,
			})
			if err != nil {
				return nil, errs.Combine(err, peer.Close())
			}
			peer.Events.Bus = peer.Events.Redis
		default:
			peer.Events.Bus = events.NewLogBus(log.Named("events"))
		}
	}

	{ // setup manifest cache
		peer.Manifests.Cache = manifest.NewCache(log.Named("manifest:cache"), db, config.Metadata.CacheTTL)
	}

	{ // setup storage drivers
		peer.Storage.Drivers = partstore.NewRegistry(
			partstore.NewLocalDriver(log.Named("storage:local"), config.Storage.Root),
			partstore.NewObjectDriver(log.Named("storage:object")),
		)
	}

	{ // setup staging
		if config.Staging.Enabled {
			peer.Staging.Manager = spool.NewManager(log.Named("spool"), config.Staging.Spool)
			peer.Staging.WriteQueue = spool.NewWriteQueue(log.Named("spool:write"), peer.Staging.Manager)
		}
	}

	{ // setup ingestion
		peer.Ingest.Processor = ingest.NewProcessor(log.Named("ingest"), db,
			peer.Manifests.Cache, peer.Storage.Drivers,
			peer.Staging.Manager, peer.Staging.WriteQueue, peer.Events.Bus,
			ingest.Config{
				DefaultStorageTarget: config.Storage.Target,
				StagingEnabled:       config.Staging.Enabled,
				Index:                config.PartitionIndex,
			})

		switch config.Queue.Mode {
		case QueueModeDistributed:
			peer.Ingest.Workers, err = ingest.NewRedisQueue(log.Named("queue"),
				peer.Ingest.Processor, config.Queue.RedisQueueConfig())
			if err != nil {
				return nil, errs.Combine(err, peer.Close())
			}
			peer.Ingest.Queue = peer.Ingest.Workers
		default:
			peer.Ingest.Queue = ingest.NewInlineQueue(peer.Ingest.Processor)
		}
	}

	{ // setup flush scheduling
		if config.Staging.Enabled {
			handler := peer.flushInline
			if config.Queue.Mode == QueueModeDistributed {
				handler = peer.flushEnqueue
			}
			peer.Staging.Scheduler = spool.NewScheduler(log.Named("spool:scheduler"),
				peer.Staging.Manager, config.Staging.FlushInterval,
				peer.datasetThresholds, handler)

			// a freshly staged batch is checked against the thresholds
			// right away instead of waiting out the poll interval
			peer.Staging.Manager.SetStaleHandler(func(string) {
				peer.Staging.Scheduler.Loop.Trigger()
			})
		}
	}

	{ // setup streaming
		if config.Streaming.Enabled {
			for _, batcherConfig := range config.Streaming.Batchers {
				log := log.Named("stream:" + batcherConfig.ConnectorID)

				source, err := stream.NewKafkaSource(log, stream.KafkaSourceConfig{
					Brokers:           config.Streaming.Brokers,
					Topic:             batcherConfig.Topic,
					GroupID:           batcherConfig.GroupID,
					StartFromEarliest: batcherConfig.StartFromEarliest,
				})
				if err != nil {
					return nil, errs.Combine(err, peer.Close())
				}
				peer.Streaming.Sources = append(peer.Streaming.Sources, source)

				batcher, err := stream.NewBatcher(log, peer.Ingest.Queue, db,
					peer.Events.Bus, source, batcherConfig)
				if err != nil {
					return nil, errs.Combine(err, peer.Close())
				}
				peer.Streaming.Batchers = append(peer.Streaming.Batchers, batcher)
			}
		}
	}

	{ // setup connectors
		if config.Connectors.Enabled {
			peer.Connectors.Backpressure, err = connector.NewBackpressure(
				log.Named("connector:backpressure"), peer.Ingest.Queue, config.Connectors.Backpressure)
			if err != nil {
				return nil, errs.Combine(err, peer.Close())
			}

			if len(config.Connectors.Streaming) > 0 {
				peer.Connectors.Checkpoints, err = connector.OpenCheckpointStore(
					log.Named("connector:checkpoints"), config.Connectors.CheckpointPath)
				if err != nil {
					return nil, errs.Combine(err, peer.Close())
				}
			}

			for _, tailerConfig := range config.Connectors.Streaming {
				tailer, err := connector.NewTailer(log.Named("connector:"+tailerConfig.ConnectorID),
					peer.Ingest.Queue, peer.Connectors.Checkpoints, peer.Connectors.Backpressure, tailerConfig)
				if err != nil {
					return nil, errs.Combine(err, peer.Close())
				}
				peer.Connectors.Tailers = append(peer.Connectors.Tailers, tailer)
			}

			for _, bulkConfig := range config.Connectors.Bulk {
				loader, err := connector.NewBulkLoader(log.Named("connector:"+bulkConfig.ConnectorID),
					peer.Ingest.Queue, peer.Connectors.Backpressure, bulkConfig)
				if err != nil {
					return nil, errs.Combine(err, peer.Close())
				}
				peer.Connectors.Bulk = append(peer.Connectors.Bulk, loader)
			}
		}
	}

	return peer, nil
}

// Run ensures the default storage target and runs the peer services until
// the context is canceled or one of them fails.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := peer.ensureDefaultTarget(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var group errgroup.Group
	if peer.Staging.Scheduler != nil {
		group.Go(func() error {
			return errs2.IgnoreCanceled(peer.Staging.Scheduler.Run(ctx))
		})
	}
	if peer.Ingest.Workers != nil {
		group.Go(func() error {
			return errs2.IgnoreCanceled(peer.Ingest.Workers.Run(ctx))
		})
	}
	for _, batcher := range peer.Streaming.Batchers {
		batcher := batcher
		group.Go(func() error {
			return errs2.IgnoreCanceled(batcher.Run(ctx))
		})
	}
	for _, tailer := range peer.Connectors.Tailers {
		tailer := tailer
		group.Go(func() error {
			return errs2.IgnoreCanceled(tailer.Run(ctx))
		})
	}
	for _, loader := range peer.Connectors.Bulk {
		loader := loader
		group.Go(func() error {
			return errs2.IgnoreCanceled(loader.Run(ctx))
		})
	}
	return group.Wait()
}

// Close closes all the resources in reverse initialization order.
func (peer *Peer) Close() error {
	var errlist errs.Group

	for _, loader := range peer.Connectors.Bulk {
		errlist.Add(loader.Close())
	}
	for _, tailer := range peer.Connectors.Tailers {
		errlist.Add(tailer.Close())
	}
	if peer.Connectors.Checkpoints != nil {
		errlist.Add(peer.Connectors.Checkpoints.Close())
	}

	for _, batcher := range peer.Streaming.Batchers {
		errlist.Add(batcher.Close())
	}
	for _, source := range peer.Streaming.Sources {
		errlist.Add(source.Close())
	}

	if peer.Staging.Scheduler != nil {
		errlist.Add(peer.Staging.Scheduler.Close())
	}
	if peer.Ingest.Workers != nil {
		errlist.Add(peer.Ingest.Workers.Close())
	}
	if peer.Staging.WriteQueue != nil {
		errlist.Add(peer.Staging.WriteQueue.Close())
	}
	if peer.Staging.Manager != nil {
		errlist.Add(peer.Staging.Manager.Close())
	}

	if peer.Events.Redis != nil {
		errlist.Add(peer.Events.Redis.Close())
	}
	return errlist.Err()
}

// ensureDefaultTarget registers the configured default storage target so
// datasets without an explicit target can resolve one.
func (peer *Peer) ensureDefaultTarget(ctx context.Context) error {
	targetConfig, err := peer.config.Storage.targetConfig()
	if err != nil {
		return err
	}
	_, err = peer.DB.EnsureStorageTarget(ctx, manifest.CreateStorageTarget{
		Name:   peer.config.Storage.Target,
		Kind:   peer.config.Storage.Driver,
		Config: targetConfig,
	})
	return err
}

// flushInline executes a scheduled flush synchronously.
func (peer *Peer) flushInline(ctx context.Context, slug string) error {
	_, err := peer.Ingest.Processor.FlushDataset(ctx, slug)
	return err
}

// flushEnqueue hands a scheduled flush to the distributed queue; repeated
// requests collapse on the flush job id.
func (peer *Peer) flushEnqueue(ctx context.Context, slug string) error {
	_, err := peer.Ingest.Queue.EnqueueFlush(ctx, slug)
	return err
}

// datasetThresholds folds a dataset's metadata overrides into the
// configured flush thresholds. Datasets that opted out of staging drain
// whatever is still in their spool.
func (peer *Peer) datasetThresholds(ctx context.Context, slug string) spool.Thresholds {
	thresholds := peer.config.Staging.Spool.Flush
	dataset, err := peer.Manifests.Cache.Dataset(ctx, slug)
	if err != nil {
		return thresholds
	}
	overrides := dataset.Metadata.StagingOverrides()
	if overrides.Disabled {
		return spool.Thresholds{}
	}
	return thresholds.WithOverrides(overrides.MaxRows, overrides.MaxBytes, overrides.MaxAgeMs)
}
