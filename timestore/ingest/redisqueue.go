// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package ingest

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/apphub/timestore/internal/sync2"
)

// Default redis queue settings.
const (
	DefaultQueueName    = "timestore:ingest"
	DefaultConcurrency  = 4
	DefaultMaxAttempts  = 5
	DefaultRetryBackoff = time.Second
	DefaultMaxBackoff   = time.Minute
	DefaultPollInterval = time.Second
	DefaultJobTimeout   = 5 * time.Minute

	// jobKeyTTL bounds how long a job envelope, and with it queue-level
	// dedupe, survives a crash between enqueue steps.
	jobKeyTTL = 24 * time.Hour
)

// RedisQueueConfig configures the distributed job queue.
type RedisQueueConfig struct {
	// URL is the redis connection URL.
	URL string
	// Name prefixes every queue key.
	Name string
	// Concurrency is the number of parallel workers per process.
	Concurrency int
	// MaxAttempts bounds executions of one job before it is failed.
	MaxAttempts int
	// RetryBackoff is the delay before the first retry, doubled per
	// attempt up to MaxBackoff.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	// PollInterval bounds the blocking pop and drives delayed promotion.
	PollInterval time.Duration
	// JobTimeout bounds a single job execution, including during drain.
	JobTimeout time.Duration
}

// RedisQueue is a durable job queue on redis lists. Ready jobs wait on a
// list, delayed retries on a sorted set scored by ready time, and the job
// envelopes live under per-job keys whose existence collapses duplicate
// enqueues.
type RedisQueue struct {
	log       *zap.Logger
	processor *Processor
	client    *redis.Client
	config    RedisQueueConfig

	promote *sync2.Cycle
}

// NewRedisQueue creates a distributed queue around a processor.
func NewRedisQueue(log *zap.Logger, processor *Processor, config RedisQueueConfig) (*RedisQueue, error) {
	if config.URL == "" {
		return nil, Error.New("redis queue requires a URL")
	}
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, Error.New("invalid redis URL: %w", err)
	}

	if config.Name == "" {
		config.Name = DefaultQueueName
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultRetryBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = DefaultJobTimeout
	}

	return &RedisQueue{
		log:       log,
		processor: processor,
		client:    redis.NewClient(opts),
		config:    config,
		promote:   sync2.NewCycle(config.PollInterval),
	}, nil
}

func (queue *RedisQueue) readyKey() string   { return queue.config.Name + ":ready" }
func (queue *RedisQueue) activeKey() string  { return queue.config.Name + ":active" }
func (queue *RedisQueue) delayedKey() string { return queue.config.Name + ":delayed" }
func (queue *RedisQueue) failedKey() string  { return queue.config.Name + ":failed" }
func (queue *RedisQueue) jobKey(id string) string {
	return queue.config.Name + ":job:" + id
}

// EnqueueIngestion implements Queue. Jobs sharing an idempotency key are
// collapsed while one of them is queued, active or failed.
func (queue *RedisQueue) EnqueueIngestion(ctx context.Context, payload *Payload) (_ *Enqueued, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := payload.Verify(); err != nil {
		return nil, err
	}
	return queue.push(ctx, &Job{
		ID:          IngestionJobID(payload),
		Kind:        JobKindIngest,
		DatasetSlug: payload.DatasetSlug,
		Payload:     payload,
	})
}

// EnqueueFlush implements Queue. Repeated flush requests for a dataset are
// collapsed while one is queued.
func (queue *RedisQueue) EnqueueFlush(ctx context.Context, datasetSlug string) (_ *Enqueued, err error) {
	defer mon.Task()(&ctx)(&err)

	if datasetSlug == "" {
		return nil, ErrValidation.New("dataset slug missing")
	}
	return queue.push(ctx, &Job{
		ID:          FlushJobID(datasetSlug),
		Kind:        JobKindFlush,
		DatasetSlug: datasetSlug,
	})
}

func (queue *RedisQueue) push(ctx context.Context, job *Job) (*Enqueued, error) {
	body, err := msgpack.Marshal(job)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	stored, err := queue.client.SetNX(ctx, queue.jobKey(job.ID), body, jobKeyTTL).Result()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !stored {
		mon.Event("ingest_job_deduplicated")
		return &Enqueued{JobID: job.ID, Deduplicated: true}, nil
	}

	if err := queue.client.LPush(ctx, queue.readyKey(), job.ID).Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	mon.Event("ingest_job_enqueued")
	return &Enqueued{JobID: job.ID}, nil
}

// Depth implements Queue, counting ready, delayed and active jobs.
func (queue *RedisQueue) Depth(ctx context.Context) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	pipe := queue.client.Pipeline()
	ready := pipe.LLen(ctx, queue.readyKey())
	delayed := pipe.ZCard(ctx, queue.delayedKey())
	active := pipe.LLen(ctx, queue.activeKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, Error.Wrap(err)
	}
	return ready.Val() + delayed.Val() + active.Val(), nil
}

// Run processes jobs until the context is canceled. Workers stop pulling
// new jobs on cancellation and finish their current job bounded by the job
// timeout.
func (queue *RedisQueue) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var group errgroup.Group
	for i := 0; i < queue.config.Concurrency; i++ {
		group.Go(func() error {
			return queue.worker(ctx)
		})
	}
	group.Go(func() error {
		return queue.promote.Run(ctx, queue.promoteDelayed)
	})
	return group.Wait()
}

// Close releases the queue resources.
func (queue *RedisQueue) Close() error {
	queue.promote.Stop()
	return Error.Wrap(queue.client.Close())
}

func (queue *RedisQueue) worker(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		jobID, err := queue.client.BLMove(ctx, queue.readyKey(), queue.activeKey(), "RIGHT", "LEFT", queue.config.PollInterval).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			queue.log.Warn("queue poll failed", zap.Error(err))
			if !sync2.Sleep(ctx, queue.config.PollInterval) {
				return nil
			}
			continue
		}

		queue.runJob(ctx, jobID)
	}
}

// runJob executes one claimed job and settles it: delete on success, delay
// on a retryable failure, move to the failed list otherwise.
func (queue *RedisQueue) runJob(ctx context.Context, jobID string) {
	// the job runs to completion even when the worker is shutting down
	settleCtx := context.WithoutCancel(ctx)
	jobCtx, cancel := context.WithTimeout(settleCtx, queue.config.JobTimeout)
	defer cancel()

	body, err := queue.client.Get(settleCtx, queue.jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// envelope expired; drop the stale list entry
			queue.client.LRem(settleCtx, queue.activeKey(), 1, jobID)
			return
		}
		queue.log.Warn("job fetch failed", zap.String("job", jobID), zap.Error(err))
		queue.client.LRem(settleCtx, queue.activeKey(), 1, jobID)
		queue.client.LPush(settleCtx, queue.readyKey(), jobID)
		return
	}

	var job Job
	if err := msgpack.Unmarshal(body, &job); err != nil {
		queue.log.Error("job envelope corrupted", zap.String("job", jobID), zap.Error(err))
		queue.settleFailed(settleCtx, &Job{ID: jobID, LastError: err.Error()})
		return
	}

	job.Attempts++
	runErr := queue.execute(jobCtx, &job)
	if runErr == nil {
		pipe := queue.client.Pipeline()
		pipe.LRem(settleCtx, queue.activeKey(), 1, jobID)
		pipe.Del(settleCtx, queue.jobKey(jobID))
		if _, err := pipe.Exec(settleCtx); err != nil {
			queue.log.Warn("job settle failed", zap.String("job", jobID), zap.Error(err))
		}
		mon.Event("ingest_job_succeeded")
		return
	}

	job.LastError = runErr.Error()
	if !Retryable(runErr) || job.Attempts >= queue.config.MaxAttempts {
		queue.log.Error("job failed",
			zap.String("job", jobID),
			zap.String("dataset", job.DatasetSlug),
			zap.String("kind", FailureFor(runErr).ErrorKind),
			zap.Int("attempts", job.Attempts),
			zap.Error(runErr))
		queue.settleFailed(settleCtx, &job)
		return
	}

	backoff := queue.config.RetryBackoff << uint(job.Attempts-1)
	if backoff > queue.config.MaxBackoff {
		backoff = queue.config.MaxBackoff
	}
	queue.log.Warn("job retry scheduled",
		zap.String("job", jobID),
		zap.Int("attempt", job.Attempts),
		zap.Duration("backoff", backoff),
		zap.Error(runErr))

	updated, err := msgpack.Marshal(&job)
	if err != nil {
		queue.settleFailed(settleCtx, &job)
		return
	}
	pipe := queue.client.Pipeline()
	pipe.Set(settleCtx, queue.jobKey(jobID), updated, jobKeyTTL)
	pipe.ZAdd(settleCtx, queue.delayedKey(), redis.Z{
		Score:  float64(time.Now().Add(backoff).UnixMilli()),
		Member: jobID,
	})
	pipe.LRem(settleCtx, queue.activeKey(), 1, jobID)
	if _, err := pipe.Exec(settleCtx); err != nil {
		queue.log.Warn("job retry settle failed", zap.String("job", jobID), zap.Error(err))
	}
	mon.Event("ingest_job_retried")
}

func (queue *RedisQueue) settleFailed(ctx context.Context, job *Job) {
	body, err := msgpack.Marshal(job)
	if err != nil {
		body = []byte{}
	}
	pipe := queue.client.Pipeline()
	pipe.Set(ctx, queue.jobKey(job.ID), body, jobKeyTTL)
	pipe.LRem(ctx, queue.activeKey(), 1, job.ID)
	pipe.LPush(ctx, queue.failedKey(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		queue.log.Warn("job fail settle failed", zap.String("job", job.ID), zap.Error(err))
	}
	mon.Event("ingest_job_failed")
}

func (queue *RedisQueue) execute(ctx context.Context, job *Job) error {
	switch job.Kind {
	case JobKindIngest:
		if job.Payload == nil {
			return ErrValidation.New("ingest job %q has no payload", job.ID)
		}
		_, err := queue.processor.Process(ctx, job.Payload)
		return err
	case JobKindFlush:
		_, err := queue.processor.FlushDataset(ctx, job.DatasetSlug)
		return err
	default:
		return ErrValidation.New("unknown job kind %q", job.Kind)
	}
}

// promoteDelayed moves due retries back to the ready list. Winning the ZRem
// claims the job, so concurrent promoters never double-promote.
func (queue *RedisQueue) promoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := queue.client.ZRangeByScore(ctx, queue.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			queue.log.Warn("delayed promotion failed", zap.Error(err))
		}
		return nil
	}

	for _, id := range ids {
		removed, err := queue.client.ZRem(ctx, queue.delayedKey(), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := queue.client.LPush(ctx, queue.readyKey(), id).Err(); err != nil {
			queue.log.Warn("delayed promotion push failed", zap.String("job", id), zap.Error(err))
		}
	}
	return nil
}

// FailedJobs returns the jobs terminally failed, newest first.
func (queue *RedisQueue) FailedJobs(ctx context.Context) (_ []Job, err error) {
	defer mon.Task()(&ctx)(&err)

	ids, err := queue.client.LRange(ctx, queue.failedKey(), 0, -1).Result()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		body, err := queue.client.Get(ctx, queue.jobKey(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, Error.Wrap(err)
		}
		var job Job
		if err := msgpack.Unmarshal(body, &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RetryFailed requeues every failed job with a fresh attempt budget.
func (queue *RedisQueue) RetryFailed(ctx context.Context) (requeued int, err error) {
	defer mon.Task()(&ctx)(&err)

	for {
		id, err := queue.client.RPop(ctx, queue.failedKey()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return requeued, nil
			}
			return requeued, Error.Wrap(err)
		}

		body, err := queue.client.Get(ctx, queue.jobKey(id)).Bytes()
		if err != nil {
			continue
		}
		var job Job
		if err := msgpack.Unmarshal(body, &job); err != nil {
			continue
		}
		job.Attempts = 0
		job.LastError = ""
		updated, err := msgpack.Marshal(&job)
		if err != nil {
			continue
		}

		pipe := queue.client.Pipeline()
		pipe.Set(ctx, queue.jobKey(id), updated, jobKeyTTL)
		pipe.LPush(ctx, queue.readyKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, Error.Wrap(err)
		}
		requeued++
	}
}

var _ Queue = (*RedisQueue)(nil)
