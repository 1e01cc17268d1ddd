// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"github.com/apphub/timestore/internal/sync2"
)

// RedisBusConfig configures the Redis publisher.
type RedisBusConfig struct {
	// URL is the redis connection URL, redis://[:password@]host:port[/db].
	URL string
	// ChannelPrefix is prepended to every topic, <prefix>:<topic>.
	ChannelPrefix string
	// PublishTimeout bounds a single PUBLISH round trip.
	PublishTimeout time.Duration
	// Retries is the number of retry attempts after the first failure.
	Retries int
	// RetryBackoff is the base delay before the first retry, doubled on
	// each subsequent attempt.
	RetryBackoff time.Duration
}

// Default bus settings.
const (
	DefaultChannelPrefix  = "timestore"
	DefaultPublishTimeout = 5 * time.Second
	DefaultRetries        = 3
	DefaultRetryBackoff   = 200 * time.Millisecond
)

// RedisBus publishes events as JSON over redis pub/sub. Delivery is at
// most once per subscriber; consumers that need durability should
// subscribe before ingestion begins.
type RedisBus struct {
	log    *zap.Logger
	config RedisBusConfig
	client *redis.Client
}

// NewRedisBus creates a Redis-backed publisher from the connection URL.
func NewRedisBus(log *zap.Logger, config RedisBusConfig) (*RedisBus, error) {
	if config.URL == "" {
		return nil, Error.New("redis bus requires a URL")
	}

	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, Error.New("invalid redis URL: %w", err)
	}

	if config.ChannelPrefix == "" {
		config.ChannelPrefix = DefaultChannelPrefix
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = DefaultPublishTimeout
	}
	if config.Retries < 0 {
		return nil, Error.New("retries must be >= 0, got %d", config.Retries)
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultRetryBackoff
	}

	return &RedisBus{
		log:    log,
		config: config,
		client: redis.NewClient(opts),
	}, nil
}

// Channel returns the pub/sub channel used for a topic.
func (bus *RedisBus) Channel(topic string) string {
	return bus.config.ChannelPrefix + ":" + topic
}

// Publish sends the payload as a JSON PUBLISH to the topic channel,
// retrying with exponential backoff on broker failures.
func (bus *RedisBus) Publish(ctx context.Context, topic string, payload any) (err error) {
	defer mon.Task()(&ctx)(&err)

	body, err := json.Marshal(payload)
	if err != nil {
		return Error.New("marshal event: %w", err)
	}

	channel := bus.Channel(topic)
	attempts := 1 + bus.config.Retries

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Error.Wrap(err)
		}
		if attempt > 0 {
			backoff := bus.config.RetryBackoff << uint(attempt-1)
			if !sync2.Sleep(ctx, backoff) {
				return Error.Wrap(ctx.Err())
			}
		}

		publishCtx, cancel := context.WithTimeout(ctx, bus.config.PublishTimeout)
		lastErr = bus.client.Publish(publishCtx, channel, body).Err()
		cancel()

		if lastErr == nil {
			mon.Event("event_published", monkit.NewSeriesTag("topic", topic))
			return nil
		}

		bus.log.Warn("event publish failed",
			zap.String("topic", topic),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}

	mon.Event("event_publish_failed", monkit.NewSeriesTag("topic", topic))
	return Error.New("publish to %q failed after %d attempts: %w", channel, attempts, lastErr)
}

// Close releases the redis client.
func (bus *RedisBus) Close() error {
	return Error.Wrap(bus.client.Close())
}

var _ Publisher = (*RedisBus)(nil)
var _ Publisher = (*LogBus)(nil)
