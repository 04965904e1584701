// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

// Package main is the entry point for the Keystream server.
//
// Keystream ingests per-user activity events from NATS JetStream,
// serializes per-key processing through single-writer entities, durably
// records every event in a Badger-backed journal before acknowledging it,
// and exposes pipeline health over Prometheus.
//
// Startup order:
//
//  1. Configuration: layered load via Koanf v2 (defaults, YAML file,
//     KEYSTREAM_* environment variables)
//  2. Logging: global zerolog logger
//  3. Bus: optional embedded NATS server, then stream provisioning
//  4. Journal: open the Badger store
//  5. Pipeline: entity manager, sequence gate, ingestion router
//  6. Supervisor tree: bus consumer, journal GC, metrics listener
//
// Shutdown on SIGINT/SIGTERM stops intake first, drains entities, then
// closes the journal.
package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syedumertariq/keystream/internal/bus"
	"github.com/syedumertariq/keystream/internal/config"
	"github.com/syedumertariq/keystream/internal/entity"
	"github.com/syedumertariq/keystream/internal/health"
	"github.com/syedumertariq/keystream/internal/ingest"
	"github.com/syedumertariq/keystream/internal/journal"
	"github.com/syedumertariq/keystream/internal/logging"
	"github.com/syedumertariq/keystream/internal/pipeline"
	"github.com/syedumertariq/keystream/internal/sequence"
	"github.com/syedumertariq/keystream/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("journal_path", cfg.Journal.Path).
		Str("subject", cfg.Bus.Subject).
		Bool("embedded_bus", cfg.Bus.EmbeddedServer).
		Msg("Starting Keystream")

	busURL := cfg.Bus.URL
	if cfg.Bus.EmbeddedServer {
		host, port := splitBusAddr(cfg.Bus.URL)
		embedded, err := bus.NewEmbeddedServer(bus.ServerConfig{
			Host:      host,
			Port:      port,
			StoreDir:  cfg.Bus.StoreDir,
			MaxMemory: cfg.Bus.MaxMemory,
			MaxStore:  cfg.Bus.MaxStore,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to start embedded bus server")
		}
		busURL = embedded.ClientURL()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := embedded.Shutdown(shutdownCtx); err != nil {
				logging.Error().Err(err).Msg("Error stopping embedded bus server")
			}
		}()
	}

	if err := bus.EnsureStream(bus.StreamConfig{
		URL:        busURL,
		StreamName: cfg.Bus.StreamName,
		Subject:    cfg.Bus.Subject,
	}); err != nil {
		logging.Fatal().Err(err).Msg("Failed to provision activity stream")
	}

	j, err := journal.Open(journal.Config{
		Path:          cfg.Journal.Path,
		SyncWrites:    cfg.Journal.SyncWrites,
		GCRatio:       cfg.Journal.GCRatio,
		CloseTimeout:  cfg.Journal.CloseTimeout,
		MemTableSize:  cfg.Journal.MemTableSize,
		NumCompactors: cfg.Journal.NumCompactors,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open journal")
	}

	p, err := pipeline.NewWithJournal(pipelineConfig(cfg), j)
	if err != nil {
		j.Close()
		logging.Fatal().Err(err).Msg("Failed to assemble pipeline")
	}
	defer func() {
		if err := p.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing pipeline")
		}
	}()

	consumer, err := ingest.NewConsumer(consumerConfig(cfg, busURL), p.Router(), nil)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create bus consumer")
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing bus consumer")
		}
	}()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddStorageService(supervisor.NewLoopService("journal-gc", journal.NewGCLoop(j, cfg.Journal.GCInterval)))
	tree.AddIngestionService(supervisor.NewRunnerService("bus-consumer", consumer))

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			if p.Healthy() {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		tree.AddStorageService(supervisor.NewHTTPService("metrics", &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}))
		logging.Info().Str("addr", cfg.Metrics.Addr).Msg("Metrics listener enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Msg("Keystream started")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree terminated")
	}
	logging.Info().Msg("Keystream shutting down")
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		Journal: journal.Config{
			Path:          cfg.Journal.Path,
			SyncWrites:    cfg.Journal.SyncWrites,
			GCRatio:       cfg.Journal.GCRatio,
			CloseTimeout:  cfg.Journal.CloseTimeout,
			MemTableSize:  cfg.Journal.MemTableSize,
			NumCompactors: cfg.Journal.NumCompactors,
		},
		Manager: entity.ManagerConfig{
			Entity: entity.Config{
				SnapshotEvery:      cfg.Entity.SnapshotEvery,
				IdleTimeout:        cfg.Entity.IdleTimeout,
				MailboxSize:        cfg.Entity.MailboxSize,
				MaxPersistAttempts: cfg.Entity.MaxPersistAttempts,
				RetryBaseDelay:     cfg.Entity.RetryBaseDelay,
			},
			DispatchTimeout:         cfg.Entity.DispatchTimeout,
			BreakerFailureThreshold: cfg.Entity.BreakerFailureThreshold,
			BreakerOpenTimeout:      cfg.Entity.BreakerOpenTimeout,
		},
		Sequence: sequence.Config{
			MaxOutOfOrder:     cfg.Sequence.MaxOutOfOrder,
			ViolationTTL:      cfg.Sequence.ViolationTTL,
			ViolationCapacity: cfg.Sequence.ViolationCapacity,
		},
		Router: ingest.Config{
			BufferSize:  cfg.Ingest.BufferSize,
			Parallelism: cfg.Ingest.Parallelism,
		},
		Health: health.Config{
			FailureThreshold:   cfg.Health.FailureThreshold,
			ErrorRateThreshold: cfg.Health.ErrorRateThreshold,
			ErrorRetention:     cfg.Health.ErrorRetention,
			ThroughputWindow:   cfg.Health.ThroughputWindow,
		},
	}
}

func consumerConfig(cfg *config.Config, busURL string) ingest.ConsumerConfig {
	return ingest.ConsumerConfig{
		URL:            busURL,
		Subject:        cfg.Bus.Subject,
		StreamName:     cfg.Bus.StreamName,
		DurableName:    cfg.Bus.DurableName,
		QueueGroup:     cfg.Bus.QueueGroup,
		MaxAckPending:  cfg.Bus.MaxAckPending,
		MaxDeliver:     5,
		AckWaitTimeout: cfg.Bus.AckWait,
		CloseTimeout:   cfg.Bus.CloseTimeout,
		MaxReconnects:  cfg.Bus.MaxReconnects,
		ReconnectWait:  cfg.Bus.ReconnectWait,
	}
}

// splitBusAddr extracts host and port from a nats:// URL for the embedded
// server options. Unparsable URLs fall back to the NATS defaults.
func splitBusAddr(raw string) (string, int) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "127.0.0.1", 4222
	}
	host := u.Hostname()
	if host == "" {
		host = "127.0.0.1"
	}
	port := 4222
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return host, port
}
