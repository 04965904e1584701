// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

// Package config loads and validates Keystream configuration from layered
// sources: built-in defaults, an optional YAML file, and environment
// variables (highest priority).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the Keystream server.
type Config struct {
	Logging  LoggingConfig  `koanf:"logging"`
	Bus      BusConfig      `koanf:"bus"`
	Journal  JournalConfig  `koanf:"journal"`
	Entity   EntityConfig   `koanf:"entity"`
	Sequence SequenceConfig `koanf:"sequence"`
	Ingest   IngestConfig   `koanf:"ingest"`
	Health   HealthConfig   `koanf:"health"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

// LoggingConfig controls the global zerolog logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// BusConfig configures the NATS JetStream connection.
type BusConfig struct {
	URL            string        `koanf:"url" validate:"required"`
	EmbeddedServer bool          `koanf:"embedded_server"`
	StoreDir       string        `koanf:"store_dir"`
	MaxMemory      int64         `koanf:"max_memory"`
	MaxStore       int64         `koanf:"max_store"`
	StreamName     string        `koanf:"stream_name" validate:"required"`
	Subject        string        `koanf:"subject" validate:"required"`
	DurableName    string        `koanf:"durable_name" validate:"required"`
	QueueGroup     string        `koanf:"queue_group"`
	MaxAckPending  int           `koanf:"max_ack_pending" validate:"gt=0"`
	AckWait        time.Duration `koanf:"ack_wait" validate:"gt=0"`
	MaxReconnects  int           `koanf:"max_reconnects"`
	ReconnectWait  time.Duration `koanf:"reconnect_wait"`
	CloseTimeout   time.Duration `koanf:"close_timeout"`
}

// JournalConfig configures the Badger-backed durable log.
type JournalConfig struct {
	Path          string        `koanf:"path" validate:"required"`
	SyncWrites    bool          `koanf:"sync_writes"`
	GCInterval    time.Duration `koanf:"gc_interval" validate:"gt=0"`
	GCRatio       float64       `koanf:"gc_ratio" validate:"gt=0,lte=1"`
	CloseTimeout  time.Duration `koanf:"close_timeout"`
	MemTableSize  int64         `koanf:"mem_table_size"`
	NumCompactors int           `koanf:"num_compactors" validate:"gte=2"`
}

// EntityConfig configures per-key stateful entities and their manager.
type EntityConfig struct {
	// SnapshotEvery is the number of persisted events between snapshots.
	SnapshotEvery int `koanf:"snapshot_every" validate:"gt=0"`

	// IdleTimeout is how long an entity may sit without commands before
	// it passivates and is evicted from memory.
	IdleTimeout time.Duration `koanf:"idle_timeout" validate:"gt=0"`

	// DispatchTimeout bounds how long a caller waits for a command response.
	DispatchTimeout time.Duration `koanf:"dispatch_timeout" validate:"gt=0"`

	// MailboxSize is the command channel capacity per entity.
	MailboxSize int `koanf:"mailbox_size" validate:"gt=0"`

	// MaxPersistAttempts bounds in-entity retries for transient journal
	// failures before the command is failed to the caller.
	MaxPersistAttempts int `koanf:"max_persist_attempts" validate:"gt=0"`

	// RetryBaseDelay is the base delay used by the classified retry policies.
	RetryBaseDelay time.Duration `koanf:"retry_base_delay" validate:"gt=0"`

	// BreakerFailureThreshold trips the append circuit breaker after this
	// many consecutive failures.
	BreakerFailureThreshold uint32 `koanf:"breaker_failure_threshold" validate:"gt=0"`

	// BreakerOpenTimeout is how long the breaker stays open before probing.
	BreakerOpenTimeout time.Duration `koanf:"breaker_open_timeout" validate:"gt=0"`
}

// SequenceConfig configures the chronological-sequence gate.
type SequenceConfig struct {
	// MaxOutOfOrder is the tolerated backwards jump in event time. A delta
	// at or below the tolerance is a warning; beyond it the event is invalid.
	MaxOutOfOrder time.Duration `koanf:"max_out_of_order" validate:"gte=0"`

	// ViolationTTL bounds how long violation audit records are retained.
	ViolationTTL time.Duration `koanf:"violation_ttl" validate:"gt=0"`

	// ViolationCapacity bounds how many violation records are retained.
	ViolationCapacity int `koanf:"violation_capacity" validate:"gt=0"`
}

// IngestConfig configures the ingestion router.
type IngestConfig struct {
	// BufferSize is the bounded buffer capacity between the bus subscriber
	// and the key-group workers. A full buffer blocks the subscriber.
	BufferSize int `koanf:"buffer_size" validate:"gt=0"`

	// Parallelism is the number of key-group workers. Records for the same
	// key always land on the same worker.
	Parallelism int `koanf:"parallelism" validate:"gt=0"`
}

// HealthConfig configures the pipeline health tracker.
type HealthConfig struct {
	// FailureThreshold is the consecutive-failure count that flips a stage
	// to unhealthy.
	FailureThreshold int `koanf:"failure_threshold" validate:"gt=0"`

	// ErrorRateThreshold is the percentage above which the overall pipeline
	// is reported unhealthy even when every stage is individually healthy.
	ErrorRateThreshold float64 `koanf:"error_rate_threshold" validate:"gt=0,lte=100"`

	// ErrorRetention is how many classified errors are kept per stage.
	ErrorRetention int `koanf:"error_retention" validate:"gt=0"`

	// ThroughputWindow is the trailing window for throughput derivation.
	ThroughputWindow time.Duration `koanf:"throughput_window" validate:"gt=0"`
}

// MetricsConfig configures the Prometheus exposition listener.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// defaultConfig returns a Config with all production defaults. Defaults are
// applied first, then overridden by the config file and environment.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Bus: BusConfig{
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			StoreDir:       "/data/nats/jetstream",
			MaxMemory:      1 << 30,  // 1GB
			MaxStore:       10 << 30, // 10GB
			StreamName:     "ACTIVITY",
			Subject:        "activity.raw",
			DurableName:    "keystream-ingest",
			QueueGroup:     "ingest",
			MaxAckPending:  2048,
			AckWait:        30 * time.Second,
			MaxReconnects:  -1, // retry forever
			ReconnectWait:  2 * time.Second,
			CloseTimeout:   30 * time.Second,
		},
		Journal: JournalConfig{
			Path:          "/data/keystream/journal",
			SyncWrites:    true,
			GCInterval:    10 * time.Minute,
			GCRatio:       0.5,
			CloseTimeout:  30 * time.Second,
			MemTableSize:  64 << 20, // 64MB
			NumCompactors: 4,
		},
		Entity: EntityConfig{
			SnapshotEvery:           50,
			IdleTimeout:             2 * time.Hour,
			DispatchTimeout:         10 * time.Second,
			MailboxSize:             64,
			MaxPersistAttempts:      3,
			RetryBaseDelay:          100 * time.Millisecond,
			BreakerFailureThreshold: 5,
			BreakerOpenTimeout:      30 * time.Second,
		},
		Sequence: SequenceConfig{
			MaxOutOfOrder:     1000 * time.Millisecond,
			ViolationTTL:      time.Hour,
			ViolationCapacity: 10000,
		},
		Ingest: IngestConfig{
			BufferSize:  1000,
			Parallelism: 10,
		},
		Health: HealthConfig{
			FailureThreshold:   5,
			ErrorRateThreshold: 5.0,
			ErrorRetention:     100,
			ThroughputWindow:   5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9100",
		},
	}
}

// Validate checks the configuration for invalid or inconsistent values.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Bus.EmbeddedServer && c.Bus.StoreDir == "" {
		return fmt.Errorf("bus.store_dir is required when bus.embedded_server is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics.enabled is set")
	}
	return nil
}
