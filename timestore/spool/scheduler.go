// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package spool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/apphub/timestore/internal/sync2"
)

// FlushHandler triggers a flush for a dataset whose thresholds tripped.
type FlushHandler func(ctx context.Context, slug string) error

// ThresholdsFunc resolves the effective thresholds of a dataset, usually by
// folding dataset metadata overrides into the configured base.
type ThresholdsFunc func(ctx context.Context, slug string) Thresholds

// Scheduler periodically inspects every dataset spool and hands datasets
// over their thresholds to the flush handler. Handler failures are logged
// and retried on the next poll.
type Scheduler struct {
	log        *zap.Logger
	manager    *Manager
	thresholds ThresholdsFunc
	handler    FlushHandler

	Loop *sync2.Cycle
}

// NewScheduler creates a flush scheduler polling at the given interval.
func NewScheduler(log *zap.Logger, manager *Manager, interval time.Duration, thresholds ThresholdsFunc, handler FlushHandler) *Scheduler {
	return &Scheduler{
		log:        log,
		manager:    manager,
		thresholds: thresholds,
		handler:    handler,
		Loop:       sync2.NewCycle(interval),
	}
}

// Run polls the spool until the context is canceled.
func (scheduler *Scheduler) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return scheduler.Loop.Run(ctx, scheduler.RunOnce)
}

// RunOnce performs a single poll over every dataset spool.
func (scheduler *Scheduler) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	slugs, err := scheduler.manager.ListDatasets(ctx)
	if err != nil {
		scheduler.log.Error("unable to list staged datasets", zap.Error(err))
		return nil
	}

	now := time.Now()
	for _, slug := range slugs {
		summary, err := scheduler.manager.GetDatasetSummary(ctx, slug)
		if err != nil {
			scheduler.log.Error("unable to summarize dataset spool",
				zap.String("dataset", slug), zap.Error(err))
			continue
		}

		thresholds := scheduler.manager.config.Flush
		if scheduler.thresholds != nil {
			thresholds = scheduler.thresholds(ctx, slug)
		}
		if !ShouldFlush(summary, thresholds, now) {
			continue
		}

		mon.Event("spool_flush_scheduled")
		if err := scheduler.handler(ctx, slug); err != nil {
			scheduler.log.Error("unable to schedule flush",
				zap.String("dataset", slug), zap.Error(err))
		}
	}
	return nil
}

// Close stops the polling loop.
func (scheduler *Scheduler) Close() error {
	scheduler.Loop.Stop()
	return nil
}
