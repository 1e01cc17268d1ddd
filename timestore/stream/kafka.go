// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package stream

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/apphub/timestore/internal/errs2"
)

// KafkaSourceConfig configures the kafka consumer of one batcher.
type KafkaSourceConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// StartFromEarliest consumes from the oldest offset when the group
	// has no committed position yet.
	StartFromEarliest bool
}

// KafkaSource consumes JSON records from a kafka topic. Offsets commit
// through marks: a record is marked only after its window chunk flushed,
// so a crash replays at most the unflushed tail and the replay converges
// on the idempotency keys.
type KafkaSource struct {
	log    *zap.Logger
	client *kgo.Client
}

// NewKafkaSource connects a consumer group to a topic.
func NewKafkaSource(log *zap.Logger, config KafkaSourceConfig) (*KafkaSource, error) {
	switch {
	case len(config.Brokers) == 0:
		return nil, Error.New("kafka brokers missing")
	case config.Topic == "":
		return nil, Error.New("kafka topic missing")
	case config.GroupID == "":
		return nil, Error.New("kafka group missing")
	}

	reset := kgo.NewOffset().AtEnd()
	if config.StartFromEarliest {
		reset = kgo.NewOffset().AtStart()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(config.Brokers...),
		kgo.ConsumerGroup(config.GroupID),
		kgo.ConsumeTopics(config.Topic),
		kgo.ConsumeResetOffset(reset),
		kgo.AutoCommitMarks(),
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &KafkaSource{log: log, client: client}, nil
}

// Fetch implements Source.
func (source *KafkaSource) Fetch(ctx context.Context) ([]Record, error) {
	fetches := source.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, Error.New("kafka client closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fetches.EachError(func(topic string, partition int32, err error) {
		if errs2.IsCanceled(err) || errors.Is(err, kgo.ErrClientClosed) {
			return
		}
		source.log.Warn("kafka fetch error",
			zap.String("topic", topic),
			zap.Int32("partition", partition),
			zap.Error(err))
	})

	var records []Record
	iter := fetches.RecordIter()
	for !iter.Done() {
		fetched := iter.Next()

		var row map[string]any
		if err := json.Unmarshal(fetched.Value, &row); err != nil {
			// an unmarked record would stall the partition forever
			mon.Event("stream_record_undecodable")
			source.log.Warn("undecodable record",
				zap.String("topic", fetched.Topic),
				zap.Int64("offset", fetched.Offset),
				zap.Error(err))
			source.client.MarkCommitRecords(fetched)
			continue
		}
		records = append(records, Record{
			Row: row,
			Ack: func() { source.client.MarkCommitRecords(fetched) },
		})
	}
	return records, nil
}

// Close implements Source.
func (source *KafkaSource) Close() error {
	source.client.Close()
	return nil
}

var _ Source = (*KafkaSource)(nil)
