// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package events

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
)

// LogBus writes events to the process log instead of a broker. It is the
// fallback publisher when no broker is configured and never fails.
type LogBus struct {
	log *zap.Logger
}

// NewLogBus creates a log-backed publisher.
func NewLogBus(log *zap.Logger) *LogBus {
	return &LogBus{log: log}
}

// Publish logs the event payload on the given topic.
func (bus *LogBus) Publish(ctx context.Context, topic string, payload any) error {
	mon.Event("event_published", monkit.NewSeriesTag("topic", topic))
	bus.log.Info("event published",
		zap.String("topic", topic),
		zap.Any("payload", payload))
	return nil
}
