// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package connector_test

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"github.com/apphub/timestore/internal/errs2"
	"github.com/apphub/timestore/internal/testcontext"
	"github.com/apphub/timestore/timestore/connector"
)

type tailerEnv struct {
	queue *captureQueue
	store *connector.CheckpointStore
	path  string
}

func newTailerEnv(ctx *testcontext.Context, t *testing.T) *tailerEnv {
	store, err := connector.OpenCheckpointStore(zaptest.NewLogger(t).Named("checkpoints"), ctx.File("connectors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return &tailerEnv{
		queue: &captureQueue{},
		store: store,
		path:  ctx.File("tail", "events.log"),
	}
}

func tailConfig(env *tailerEnv) connector.TailerConfig {
	return connector.TailerConfig{
		ConnectorID:   "tail-1",
		Path:          env.path,
		StartAtOldest: true,
		PollInterval:  10 * time.Millisecond,
		DedupeTTL:     time.Hour,
	}
}

func startTailer(ctx *testcontext.Context, t *testing.T, env *tailerEnv, config connector.TailerConfig) context.CancelFunc {
	log := zaptest.NewLogger(t)
	gate, err := connector.NewBackpressure(log.Named("backpressure"), env.queue, connector.BackpressureConfig{})
	require.NoError(t, err)
	tailer, err := connector.NewTailer(log.Named("tailer"), env.queue, env.store, gate, config)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, tailer.Close()) })

	runCtx, cancel := context.WithCancel(ctx)
	ctx.Go(func() error {
		return errs2.IgnoreCanceled(tailer.Run(runCtx))
	})
	return cancel
}

func appendFile(t *testing.T, path, data string) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = file.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, file.Close())
}

func awaitLine(ctx *testcontext.Context, t *testing.T, env *tailerEnv, line int64) {
	require.Eventually(t, func() bool {
		checkpoint, err := env.store.Load(ctx, "tail-1", time.Hour)
		return err == nil && checkpoint != nil && checkpoint.LastLine >= line
	}, 10*time.Second, 10*time.Millisecond)
}

func TestTailerFollowsFile(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newTailerEnv(ctx, t)
	appendFile(t, env.path, envelopeLine("k1", 1)+"\n"+envelopeLine("k2", 2)+"\n")

	cancel := startTailer(ctx, t, env, tailConfig(env))
	defer cancel()

	require.Eventually(t, func() bool {
		return env.queue.count() == 2
	}, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"k1", "k2"}, env.queue.keys())

	// an incomplete trailing line waits for its newline
	partial := envelopeLine("k3", 3)
	appendFile(t, env.path, partial[:20])
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, env.queue.count())

	appendFile(t, env.path, partial[20:]+"\n")
	require.Eventually(t, func() bool {
		return env.queue.count() == 3
	}, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"k1", "k2", "k3"}, env.queue.keys())
	awaitLine(ctx, t, env, 3)

	// an equivalent key within the ttl is not re-enqueued
	appendFile(t, env.path, envelopeLine("k1", 9)+"\n")
	awaitLine(ctx, t, env, 4)
	require.Equal(t, 3, env.queue.count())
}

func TestTailerStartsAtEnd(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newTailerEnv(ctx, t)
	appendFile(t, env.path, envelopeLine("old-1", 1)+"\n"+envelopeLine("old-2", 2)+"\n")

	config := tailConfig(env)
	config.StartAtOldest = false
	cancel := startTailer(ctx, t, env, config)
	defer cancel()

	// the checkpoint seeds at the current end of file
	require.Eventually(t, func() bool {
		checkpoint, err := env.store.Load(ctx, "tail-1", time.Hour)
		return err == nil && checkpoint != nil && checkpoint.LastOffset > 0
	}, 10*time.Second, 10*time.Millisecond)

	appendFile(t, env.path, envelopeLine("new-1", 3)+"\n")
	require.Eventually(t, func() bool {
		return env.queue.count() == 1
	}, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"new-1"}, env.queue.keys())
}

func TestTailerDeadLetters(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newTailerEnv(ctx, t)
	lines := []string{
		"{malformed",
		`{"offset":1,"ingestion":{"datasetSlug":"events","unknown":true}}`,
		`{"offset":2,"idempotencyKey":"k9"}`,
		`{"offset":3,"ingestion":{"datasetSlug":"events","schema":{"fields":[{"name":"t","type":"timestamp"}]},"partition":{"key":{},"timeRange":{"start":"2024-01-01T00:00:00Z","end":"2024-01-01T00:05:00Z"}},"rows":[]}}`,
		envelopeLine("ok-1", 1),
	}
	appendFile(t, env.path, strings.Join(lines, "\n")+"\n")

	cancel := startTailer(ctx, t, env, tailConfig(env))
	defer cancel()

	require.Eventually(t, func() bool {
		return env.queue.count() == 1
	}, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"ok-1"}, env.queue.keys())
	awaitLine(ctx, t, env, 5)

	data, err := os.ReadFile(env.path + ".dlq")
	require.NoError(t, err)
	records := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, records, 4)
	for _, record := range records {
		var dead map[string]string
		require.NoError(t, json.Unmarshal([]byte(record), &dead))
		require.NotEmpty(t, dead["line"])
		require.NotEmpty(t, dead["reason"])
	}
}

func TestTailerQueueFullRetry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newTailerEnv(ctx, t)
	env.queue.setFull(2)
	appendFile(t, env.path, envelopeLine("k1", 1)+"\n")

	cancel := startTailer(ctx, t, env, tailConfig(env))
	defer cancel()

	// the enqueue succeeds once the staging backlog drains
	require.Eventually(t, func() bool {
		return env.queue.count() == 1
	}, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"k1"}, env.queue.keys())
}

func TestTailerKeepsLineOnRetryableFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env := newTailerEnv(ctx, t)
	env.queue.setFailure(errs.New("queue unavailable"))
	appendFile(t, env.path, envelopeLine("k1", 1)+"\n")

	cancel := startTailer(ctx, t, env, tailConfig(env))
	defer cancel()

	// the offset must not advance past an undelivered line
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, env.queue.count())
	checkpoint, err := env.store.Load(ctx, "tail-1", time.Hour)
	require.NoError(t, err)
	if checkpoint != nil {
		require.EqualValues(t, 0, checkpoint.LastOffset)
	}

	env.queue.setFailure(nil)
	require.Eventually(t, func() bool {
		return env.queue.count() == 1
	}, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"k1"}, env.queue.keys())
	awaitLine(ctx, t, env, 1)
}
