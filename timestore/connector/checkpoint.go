// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package connector

import (
	"context"
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"
)

const (
	checkpointFileMode = 0600
	checkpointKey      = "checkpoint"
)

// Checkpoint records how far a connector has read its source and which
// idempotency keys it recently enqueued.
type Checkpoint struct {
	LastLine   int64         `json:"lastLine"`
	LastOffset int64         `json:"lastOffset"`
	Dedupe     []DedupeEntry `json:"dedupe,omitempty"`
}

// DedupeEntry is one recently enqueued idempotency key.
type DedupeEntry struct {
	Key    string    `json:"key"`
	SeenAt time.Time `json:"seenAt"`
}

// Seen reports whether the key was enqueued within the ttl.
func (checkpoint *Checkpoint) Seen(key string, now time.Time, ttl time.Duration) bool {
	if key == "" {
		return false
	}
	for _, entry := range checkpoint.Dedupe {
		if entry.Key == key && now.Sub(entry.SeenAt) < ttl {
			return true
		}
	}
	return false
}

// Remember records an enqueued key for later dedupe.
func (checkpoint *Checkpoint) Remember(key string, now time.Time) {
	if key == "" {
		return
	}
	checkpoint.Dedupe = append(checkpoint.Dedupe, DedupeEntry{Key: key, SeenAt: now})
}

// prune drops dedupe entries older than the ttl.
func (checkpoint *Checkpoint) prune(now time.Time, ttl time.Duration) {
	if ttl <= 0 || len(checkpoint.Dedupe) == 0 {
		return
	}
	kept := checkpoint.Dedupe[:0]
	for _, entry := range checkpoint.Dedupe {
		if now.Sub(entry.SeenAt) < ttl {
			kept = append(kept, entry)
		}
	}
	checkpoint.Dedupe = kept
}

// CheckpointStore persists connector checkpoints in a bolt database, one
// bucket per connector. A single store is shared by every connector of a
// process.
type CheckpointStore struct {
	log *zap.Logger
	db  *bolt.DB
}

// OpenCheckpointStore opens or creates the checkpoint database.
func OpenCheckpointStore(log *zap.Logger, path string) (*CheckpointStore, error) {
	db, err := bolt.Open(path, checkpointFileMode, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &CheckpointStore{log: log, db: db}, nil
}

// Close closes the underlying database.
func (store *CheckpointStore) Close() error {
	return Error.Wrap(store.db.Close())
}

// Load returns the checkpoint of a connector, pruned of expired dedupe
// entries, or nil when the connector has none yet.
func (store *CheckpointStore) Load(ctx context.Context, connectorID string, ttl time.Duration) (_ *Checkpoint, err error) {
	defer mon.Task()(&ctx)(&err)

	var checkpoint *Checkpoint
	err = store.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(connectorID))
		if bucket == nil {
			return nil
		}
		value := bucket.Get([]byte(checkpointKey))
		if value == nil {
			return nil
		}
		checkpoint = &Checkpoint{}
		return Error.Wrap(json.Unmarshal(value, checkpoint))
	})
	if err != nil || checkpoint == nil {
		return nil, err
	}
	checkpoint.prune(time.Now(), ttl)
	return checkpoint, nil
}

// Save persists the checkpoint of a connector, pruning expired dedupe
// entries first.
func (store *CheckpointStore) Save(ctx context.Context, connectorID string, checkpoint *Checkpoint, ttl time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)

	checkpoint.prune(time.Now(), ttl)
	value, err := json.Marshal(checkpoint)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(store.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(connectorID))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(checkpointKey), value)
	}))
}
