// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package connector

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/apphub/timestore/internal/sync2"
	"github.com/apphub/timestore/timestore/ingest"
)

// TailerConfig configures one file-tailing streaming connector.
type TailerConfig struct {
	// ConnectorID names the checkpoint bucket.
	ConnectorID string
	// Path is the append-only file to follow.
	Path string
	// StartAtOldest replays the whole file on first start; otherwise the
	// tailer begins at the current end of file.
	StartAtOldest bool

	PollInterval time.Duration
	// DedupeTTL bounds how long enqueued idempotency keys suppress
	// re-enqueue of equivalent lines.
	DedupeTTL time.Duration
}

// Verify checks the configuration and applies defaults.
func (config *TailerConfig) Verify() error {
	switch {
	case config.ConnectorID == "":
		return Error.New("connector id missing")
	case config.Path == "":
		return Error.New("tail path missing")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.DedupeTTL <= 0 {
		config.DedupeTTL = DefaultDedupeTTL
	}
	return nil
}

// envelope is one tailed line. The ingestion document is kept raw so it can
// be strictly decoded and rejected with a precise reason.
type envelope struct {
	Offset         int64           `json:"offset"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Ingestion      json.RawMessage `json:"ingestion"`
}

// Tailer follows an append-only file of ingestion envelopes and feeds the
// queue. Progress and recently enqueued keys persist across restarts via
// the checkpoint store; rejected lines are appended to a DLQ file next to
// the source.
type Tailer struct {
	log          *zap.Logger
	queue        ingest.Queue
	checkpoints  *CheckpointStore
	backpressure *Backpressure
	config       TailerConfig

	poll *sync2.Cycle
}

// NewTailer creates a tailer over the configured file.
func NewTailer(log *zap.Logger, queue ingest.Queue, checkpoints *CheckpointStore, backpressure *Backpressure, config TailerConfig) (*Tailer, error) {
	if err := config.Verify(); err != nil {
		return nil, err
	}
	return &Tailer{
		log:          log,
		queue:        queue,
		checkpoints:  checkpoints,
		backpressure: backpressure,
		config:       config,
		poll:         sync2.NewCycle(config.PollInterval),
	}, nil
}

// Run polls the file until ctx is canceled.
func (tailer *Tailer) Run(ctx context.Context) error {
	return tailer.poll.Run(ctx, tailer.pollOnce)
}

// Close stops the poll cycle.
func (tailer *Tailer) Close() error {
	tailer.poll.Stop()
	return nil
}

// pollOnce drains complete lines appended since the checkpoint. An
// incomplete trailing line is left for the next poll. Lines failing with a
// retryable error keep their offset and are re-read later; everything else
// settles exactly once.
func (tailer *Tailer) pollOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	checkpoint, err := tailer.checkpoints.Load(ctx, tailer.config.ConnectorID, tailer.config.DedupeTTL)
	if err != nil {
		tailer.log.Error("checkpoint load failed", zap.Error(err))
		return nil
	}
	if checkpoint == nil {
		checkpoint, err = tailer.seed(ctx)
		if err != nil {
			tailer.log.Error("checkpoint seed failed", zap.Error(err))
			return nil
		}
		if !tailer.config.StartAtOldest {
			return nil
		}
	}

	file, err := os.Open(tailer.config.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			tailer.log.Warn("tail open failed", zap.Error(err))
		}
		return nil
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Seek(checkpoint.LastOffset, io.SeekStart); err != nil {
		tailer.log.Warn("tail seek failed", zap.Error(err))
		return nil
	}

	reader := bufio.NewReader(file)
	dirty := false
	for ctx.Err() == nil {
		line, rerr := reader.ReadString('\n')
		if rerr != nil {
			break
		}
		if !tailer.handle(ctx, checkpoint, strings.TrimSpace(line)) {
			break
		}
		checkpoint.LastOffset += int64(len(line))
		checkpoint.LastLine++
		dirty = true
	}

	if dirty {
		if err := tailer.checkpoints.Save(ctx, tailer.config.ConnectorID, checkpoint, tailer.config.DedupeTTL); err != nil {
			tailer.log.Error("checkpoint save failed", zap.Error(err))
		}
	}
	return nil
}

// seed creates the initial checkpoint. Without StartAtOldest the tail
// starts at the current end of file, so only new appends flow.
func (tailer *Tailer) seed(ctx context.Context) (*Checkpoint, error) {
	checkpoint := &Checkpoint{}
	if !tailer.config.StartAtOldest {
		if info, err := os.Stat(tailer.config.Path); err == nil {
			checkpoint.LastOffset = info.Size()
		}
	}
	if err := tailer.checkpoints.Save(ctx, tailer.config.ConnectorID, checkpoint, tailer.config.DedupeTTL); err != nil {
		return nil, err
	}
	tailer.log.Info("tail checkpoint seeded",
		zap.String("connector", tailer.config.ConnectorID),
		zap.Int64("offset", checkpoint.LastOffset))
	return checkpoint, nil
}

// handle settles one line. It reports false when the line must be re-read
// on the next poll, either because shutdown interrupted it or because the
// queue failed in a retryable way.
func (tailer *Tailer) handle(ctx context.Context, checkpoint *Checkpoint, line string) bool {
	if line == "" {
		return true
	}

	entry, err := decodeEnvelope(line)
	if err != nil {
		mon.Event("connector_line_rejected")
		tailer.deadLetter(line, err)
		return true
	}

	key := entry.IdempotencyKey
	if key == "" {
		key = entry.payload.IdempotencyKey
	} else if entry.payload.IdempotencyKey == "" {
		entry.payload.IdempotencyKey = key
	}

	now := time.Now()
	if checkpoint.Seen(key, now, tailer.config.DedupeTTL) {
		mon.Event("connector_line_deduped")
		return true
	}

	if err := tailer.backpressure.Wait(ctx); err != nil {
		return false
	}

	if _, err := enqueue(ctx, tailer.log, tailer.queue, entry.payload); err != nil {
		if ingest.Retryable(err) {
			tailer.log.Warn("enqueue failed, line kept for retry",
				zap.Int64("line", checkpoint.LastLine+1),
				zap.Error(err))
			return false
		}
		mon.Event("connector_line_rejected")
		tailer.deadLetter(line, err)
		return true
	}

	checkpoint.Remember(key, now)
	return true
}

// decodedEnvelope pairs the raw envelope with its parsed ingestion payload.
type decodedEnvelope struct {
	envelope
	payload *ingest.Payload
}

func decodeEnvelope(line string) (*decodedEnvelope, error) {
	var entry decodedEnvelope
	if err := json.Unmarshal([]byte(line), &entry.envelope); err != nil {
		return nil, Error.New("malformed envelope: %v", err)
	}
	if len(entry.Ingestion) == 0 {
		return nil, Error.New("envelope has no ingestion document")
	}
	payload, err := ingest.DecodePayload(entry.Ingestion)
	if err != nil {
		return nil, err
	}
	entry.payload = payload
	return &entry, nil
}

// deadLetter appends the rejected line with its reason to <path>.dlq.
func (tailer *Tailer) deadLetter(line string, reason error) {
	record, err := json.Marshal(map[string]string{
		"line":   line,
		"reason": reason.Error(),
	})
	if err != nil {
		tailer.log.Error("dlq encode failed", zap.Error(err))
		return
	}

	path := tailer.config.Path + ".dlq"
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		tailer.log.Error("dlq open failed", zap.String("dlq", path), zap.Error(err))
		return
	}
	_, werr := file.Write(append(record, '\n'))
	if err := errs.Combine(werr, file.Close()); err != nil {
		tailer.log.Error("dlq write failed", zap.String("dlq", path), zap.Error(err))
		return
	}
	tailer.log.Warn("line dead-lettered",
		zap.String("dlq", path),
		zap.Error(reason))
}
