// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package timestore

import (
	"encoding/json"
	"time"

	"github.com/apphub/timestore/timestore/connector"
	"github.com/apphub/timestore/timestore/ingest"
	"github.com/apphub/timestore/timestore/partstore"
	"github.com/apphub/timestore/timestore/spool"
	"github.com/apphub/timestore/timestore/stream"
)

// Queue modes.
const (
	QueueModeInline      = "inline"
	QueueModeDistributed = "distributed"
)

// Event bus modes.
const (
	EventsModeLog   = "log"
	EventsModeRedis = "redis"
)

// Default peer settings.
const (
	DefaultStorageTargetName = "default"
	DefaultCacheTTL          = 30 * time.Second
	DefaultFlushInterval     = 10 * time.Second
)

// Config is all the configuration parameters of a timestore peer.
type Config struct {
	Storage    StorageConfig
	Metadata   MetadataConfig
	Staging    StagingConfig
	Queue      QueueConfig
	Streaming  StreamingConfig
	Connectors ConnectorsConfig
	Events     EventsConfig

	// PartitionIndex controls the per-partition column indexes attached to
	// manifests.
	PartitionIndex partstore.IndexConfig
}

// Verify checks the configuration is consistent and fills in defaults.
func (config *Config) Verify() error {
	if err := config.Storage.Verify(); err != nil {
		return err
	}
	if err := config.Metadata.Verify(); err != nil {
		return err
	}
	if err := config.Staging.Verify(); err != nil {
		return err
	}
	if err := config.Queue.Verify(); err != nil {
		return err
	}
	if err := config.Streaming.Verify(); err != nil {
		return err
	}
	if err := config.Connectors.Verify(); err != nil {
		return err
	}
	return config.Events.Verify()
}

// StorageConfig configures partition storage and the default target every
// dataset falls back to.
type StorageConfig struct {
	// Driver is the kind of the default storage target, local-file or
	// object-store.
	Driver string
	// Root is the directory the local-file driver writes partitions into.
	Root string
	// Target names the default storage target ensured at startup.
	Target string
	// Object configures the default target when Driver is object-store.
	Object ObjectTargetConfig
}

// ObjectTargetConfig mirrors the per-target options of the object-store
// driver.
type ObjectTargetConfig struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	UseSSL    bool   `json:"useSSL"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
}

// Verify checks the storage configuration.
func (config *StorageConfig) Verify() error {
	if config.Driver == "" {
		config.Driver = partstore.KindLocalFile
	}
	if config.Target == "" {
		config.Target = DefaultStorageTargetName
	}
	switch config.Driver {
	case partstore.KindLocalFile:
		if config.Root == "" {
			return Error.New("storage root missing")
		}
	case partstore.KindObjectStore:
		switch {
		case config.Object.Endpoint == "":
			return Error.New("object store endpoint missing")
		case config.Object.Bucket == "":
			return Error.New("object store bucket missing")
		}
	default:
		return Error.New("unknown storage driver %q", config.Driver)
	}
	return nil
}

// targetConfig renders the driver configuration stored on the default
// storage target.
func (config *StorageConfig) targetConfig() (json.RawMessage, error) {
	switch config.Driver {
	case partstore.KindObjectStore:
		data, err := json.Marshal(config.Object)
		return data, Error.Wrap(err)
	default:
		data, err := json.Marshal(struct {
			Root string `json:"root"`
		}{Root: config.Root})
		return data, Error.Wrap(err)
	}
}

// MetadataConfig configures the manifest metadata store.
type MetadataConfig struct {
	// Path is the sqlite file holding datasets, manifests and watermarks.
	Path string
	// CacheTTL bounds how long datasets and manifests are served from
	// memory.
	CacheTTL time.Duration
}

// Verify checks the metadata configuration.
func (config *MetadataConfig) Verify() error {
	if config.Path == "" {
		return Error.New("metadata path missing")
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	return nil
}

// StagingConfig configures the durable staging spool and its flush
// scheduling.
type StagingConfig struct {
	// Enabled buffers ingestion in the spool; disabled peers write
	// partitions synchronously.
	Enabled bool
	// Spool configures the staging databases, their capacity and the base
	// flush thresholds.
	Spool spool.Config
	// FlushInterval is how often the flush thresholds are evaluated.
	FlushInterval time.Duration
}

// Verify checks the staging configuration.
func (config *StagingConfig) Verify() error {
	if !config.Enabled {
		return nil
	}
	if config.Spool.Directory == "" {
		return Error.New("staging directory missing")
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	return nil
}

// QueueConfig configures the ingestion job queue.
type QueueConfig struct {
	// Mode selects inline execution or the distributed redis queue.
	Mode string
	// RedisURL is the redis connection URL of the distributed queue.
	RedisURL string
	// Name prefixes every queue key.
	Name string
	// Concurrency is the number of workers per process.
	Concurrency int
	// MaxAttempts bounds executions of one job before it is failed.
	MaxAttempts int
	// RetryBaseDelay is the delay before the first retry, doubled per
	// attempt up to RetryMaxDelay.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// PollInterval bounds the blocking pop and drives delayed promotion.
	PollInterval time.Duration
	// JobTimeout bounds a single job execution.
	JobTimeout time.Duration
}

// Verify checks the queue configuration.
func (config *QueueConfig) Verify() error {
	switch config.Mode {
	case "":
		config.Mode = QueueModeInline
	case QueueModeInline, QueueModeDistributed:
	default:
		return Error.New("unknown queue mode %q", config.Mode)
	}
	if config.Mode == QueueModeDistributed && config.RedisURL == "" {
		return Error.New("distributed queue requires a redis URL")
	}
	return nil
}

// RedisQueueConfig maps the queue settings onto the distributed queue
// configuration.
func (config *QueueConfig) RedisQueueConfig() ingest.RedisQueueConfig {
	return ingest.RedisQueueConfig{
		URL:          config.RedisURL,
		Name:         config.Name,
		Concurrency:  config.Concurrency,
		MaxAttempts:  config.MaxAttempts,
		RetryBackoff: config.RetryBaseDelay,
		MaxBackoff:   config.RetryMaxDelay,
		PollInterval: config.PollInterval,
		JobTimeout:   config.JobTimeout,
	}
}

// StreamingConfig configures the kafka micro-batchers.
type StreamingConfig struct {
	Enabled bool
	// Brokers is the kafka bootstrap list shared by every batcher.
	Brokers []string
	// Batchers declares one micro-batcher per consumed topic.
	Batchers []stream.BatcherConfig
}

// Verify checks the streaming configuration.
func (config *StreamingConfig) Verify() error {
	if !config.Enabled {
		return nil
	}
	if len(config.Brokers) == 0 {
		return Error.New("streaming brokers missing")
	}
	if len(config.Batchers) == 0 {
		return Error.New("streaming enabled without batchers")
	}
	return nil
}

// ConnectorsConfig configures the edge connectors.
type ConnectorsConfig struct {
	Enabled bool
	// CheckpointPath is the bolt database holding tailer checkpoints.
	CheckpointPath string
	// Backpressure paces every connector on the ingestion queue depth.
	Backpressure connector.BackpressureConfig
	// Streaming declares the file tailers.
	Streaming []connector.TailerConfig
	// Bulk declares the bulk directory loaders.
	Bulk []connector.BulkConfig
}

// Verify checks the connector configuration.
func (config *ConnectorsConfig) Verify() error {
	if !config.Enabled {
		return nil
	}
	if len(config.Streaming) > 0 && config.CheckpointPath == "" {
		return Error.New("streaming connectors require a checkpoint path")
	}
	return nil
}

// EventsConfig configures lifecycle event publishing.
type EventsConfig struct {
	// Mode selects the log sink or redis pub/sub.
	Mode string
	// RedisURL is the redis connection URL of the redis bus.
	RedisURL string
	// ChannelPrefix namespaces the published channels.
	ChannelPrefix string
}

// Verify checks the events configuration.
func (config *EventsConfig) Verify() error {
	switch config.Mode {
	case "":
		config.Mode = EventsModeLog
	case EventsModeLog, EventsModeRedis:
	default:
		return Error.New("unknown events mode %q", config.Mode)
	}
	if config.Mode == EventsModeRedis && config.RedisURL == "" {
		return Error.New("redis events require a redis URL")
	}
	return nil
}
