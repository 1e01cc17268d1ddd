// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package events_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/apphub/timestore/internal/testcontext"
	"github.com/apphub/timestore/timestore/events"
)

func testPartitionCreated() events.PartitionCreated {
	return events.PartitionCreated{
		DatasetID:       uuid.New(),
		DatasetSlug:     "web-requests",
		ManifestID:      uuid.New(),
		PartitionID:     uuid.New(),
		PartitionKey:    map[string]string{"day": "2026-03-14"},
		StorageTargetID: "local-default",
		FilePath:        "web-requests/0193e9a0.parquet",
		RowCount:        42,
		FileSizeBytes:   8192,
		Checksum:        "xxh64:deadbeef",
		ReceivedAt:      time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}
}

// receiveOne reads a single pub/sub message in the background. The
// subscription must be set up before Publish because miniredis delivers
// synchronously.
func receiveOne(sub *miniredis.Subscriber) <-chan miniredis.PubsubMessage {
	ch := make(chan miniredis.PubsubMessage, 1)
	go func() {
		ch <- <-sub.Messages()
	}()
	return ch
}

func TestRedisBusPublish(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mr := miniredis.RunT(t)

	bus, err := events.NewRedisBus(zaptest.NewLogger(t), events.RedisBusConfig{
		URL: "redis://" + mr.Addr(),
	})
	require.NoError(t, err)
	defer ctx.Check(bus.Close)

	require.Equal(t, "timestore:partition.created", bus.Channel(events.TopicPartitionCreated))

	sub := mr.NewSubscriber()
	defer sub.Close()
	sub.Subscribe(bus.Channel(events.TopicPartitionCreated))
	messages := receiveOne(sub)

	event := testPartitionCreated()
	require.NoError(t, bus.Publish(ctx, events.TopicPartitionCreated, event))

	select {
	case msg := <-messages:
		var received events.PartitionCreated
		require.NoError(t, json.Unmarshal([]byte(msg.Message), &received))
		require.Equal(t, event.DatasetSlug, received.DatasetSlug)
		require.Equal(t, event.ManifestID, received.ManifestID)
		require.Equal(t, event.RowCount, received.RowCount)
		require.Equal(t, event.PartitionKey, received.PartitionKey)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
	}
}

func TestRedisBusRetryExhaustion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	bus, err := events.NewRedisBus(zaptest.NewLogger(t), events.RedisBusConfig{
		URL:            "redis://" + addr,
		Retries:        1,
		RetryBackoff:   10 * time.Millisecond,
		PublishTimeout: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	defer ctx.Check(bus.Close)

	err = bus.Publish(ctx, events.TopicSchemaEvolved, events.SchemaEvolved{
		DatasetID:   uuid.New(),
		DatasetSlug: "web-requests",
	})
	require.Error(t, err)
	require.True(t, events.Error.Has(err))
}

func TestRedisBusConfig(t *testing.T) {
	log := zaptest.NewLogger(t)

	_, err := events.NewRedisBus(log, events.RedisBusConfig{})
	require.Error(t, err)

	_, err = events.NewRedisBus(log, events.RedisBusConfig{URL: "http://nope"})
	require.Error(t, err)

	_, err = events.NewRedisBus(log, events.RedisBusConfig{URL: "redis://localhost:6379", Retries: -1})
	require.Error(t, err)
}

func TestLogBus(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	bus := events.NewLogBus(zaptest.NewLogger(t))

	previous := uuid.New()
	require.NoError(t, bus.Publish(ctx, events.TopicSchemaBackfillRequested, events.SchemaBackfillRequested{
		SchemaEvolved: events.SchemaEvolved{
			DatasetID:          uuid.New(),
			DatasetSlug:        "web-requests",
			ManifestID:         uuid.New(),
			PreviousManifestID: &previous,
			SchemaVersionID:    uuid.New(),
			AddedColumns:       []string{"tag"},
		},
		Defaults: map[string]any{"tag": nil},
	}))
}
