// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Sequence.MaxOutOfOrder != 1000*time.Millisecond {
		t.Errorf("MaxOutOfOrder = %v, want 1s", cfg.Sequence.MaxOutOfOrder)
	}
	if cfg.Entity.SnapshotEvery != 50 {
		t.Errorf("SnapshotEvery = %d, want 50", cfg.Entity.SnapshotEvery)
	}
	if cfg.Ingest.Parallelism != 10 {
		t.Errorf("Parallelism = %d, want 10", cfg.Ingest.Parallelism)
	}
	if cfg.Health.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", cfg.Health.FailureThreshold)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("KEYSTREAM_BUS_URL", "nats://testhost:4222")
	t.Setenv("KEYSTREAM_INGEST_BUFFER_SIZE", "42")
	t.Setenv("KEYSTREAM_ENTITY_IDLE_TIMEOUT", "15m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bus.URL != "nats://testhost:4222" {
		t.Errorf("Bus.URL = %q", cfg.Bus.URL)
	}
	if cfg.Ingest.BufferSize != 42 {
		t.Errorf("Ingest.BufferSize = %d, want 42", cfg.Ingest.BufferSize)
	}
	if cfg.Entity.IdleTimeout != 15*time.Minute {
		t.Errorf("Entity.IdleTimeout = %v, want 15m", cfg.Entity.IdleTimeout)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("journal:\n  path: /tmp/test-journal\n  sync_writes: false\nsequence:\n  max_out_of_order: 2s\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Journal.Path != "/tmp/test-journal" {
		t.Errorf("Journal.Path = %q", cfg.Journal.Path)
	}
	if cfg.Journal.SyncWrites {
		t.Error("Journal.SyncWrites should be overridden to false")
	}
	if cfg.Sequence.MaxOutOfOrder != 2*time.Second {
		t.Errorf("MaxOutOfOrder = %v, want 2s", cfg.Sequence.MaxOutOfOrder)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"zero parallelism", func(c *Config) { c.Ingest.Parallelism = 0 }},
		{"negative buffer", func(c *Config) { c.Ingest.BufferSize = -1 }},
		{"empty journal path", func(c *Config) { c.Journal.Path = "" }},
		{"error rate over 100", func(c *Config) { c.Health.ErrorRateThreshold = 150 }},
		{"zero snapshot interval", func(c *Config) { c.Entity.SnapshotEvery = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"KEYSTREAM_BUS_URL", "bus.url"},
		{"KEYSTREAM_JOURNAL_GC_INTERVAL", "journal.gc_interval"},
		{"KEYSTREAM_SEQUENCE_MAX_OUT_OF_ORDER", "sequence.max_out_of_order"},
		{"KEYSTREAM_UNRELATED", ""},
	}
	for _, tt := range tests {
		if got := envTransform(tt.in); got != tt.want {
			t.Errorf("envTransform(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
