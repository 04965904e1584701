// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

// Package bus manages the NATS JetStream transport: an optional embedded
// server for single-instance deployments and stream provisioning.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"

	"github.com/syedumertariq/keystream/internal/logging"
)

// ServerConfig holds embedded server settings.
type ServerConfig struct {
	Host      string
	Port      int
	StoreDir  string
	MaxMemory int64
	MaxStore  int64
}

// EmbeddedServer wraps a NATS server with lifecycle management, providing
// a self-contained JetStream instance without external dependencies.
type EmbeddedServer struct {
	server    *server.Server
	clientURL string
}

// NewEmbeddedServer creates and starts an embedded NATS server, waiting up
// to 30 seconds for it to accept connections.
func NewEmbeddedServer(cfg ServerConfig) (*EmbeddedServer, error) {
	opts := &server.Options{
		ServerName:         "keystream-bus",
		Host:               cfg.Host,
		Port:               cfg.Port,
		JetStream:          true,
		StoreDir:           cfg.StoreDir,
		JetStreamMaxMemory: cfg.MaxMemory,
		JetStreamMaxStore:  cfg.MaxStore,
		DontListen:         false,
		Debug:              false,
		Trace:              false,
		NoLog:              false,
		MaxPayload:         8 * 1024 * 1024,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create bus server: %w", err)
	}
	ns.ConfigureLogger()

	go ns.Start()

	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("bus server not ready within timeout")
	}

	logging.Info().Str("url", ns.ClientURL()).Msg("embedded bus server started")
	return &EmbeddedServer{
		server:    ns,
		clientURL: ns.ClientURL(),
	}, nil
}

// ClientURL returns the connection URL for clients.
func (s *EmbeddedServer) ClientURL() string {
	return s.clientURL
}

// Shutdown stops the server, waiting for completion unless the context is
// already done.
func (s *EmbeddedServer) Shutdown(ctx context.Context) error {
	s.server.Shutdown()
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		s.server.WaitForShutdown()
		return nil
	}
}

// IsRunning reports server liveness.
func (s *EmbeddedServer) IsRunning() bool {
	return s.server.Running()
}

// StreamConfig describes the activity stream to provision.
type StreamConfig struct {
	URL        string
	StreamName string
	Subject    string
}

// EnsureStream creates the activity stream if it does not already exist.
// Provisioning is idempotent so every instance can run it at startup.
func EnsureStream(cfg StreamConfig) error {
	nc, err := natsgo.Connect(cfg.URL,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(5),
	)
	if err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("jetstream context: %w", err)
	}

	_, err = js.StreamInfo(cfg.StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, natsgo.ErrStreamNotFound) {
		return fmt.Errorf("inspect stream %s: %w", cfg.StreamName, err)
	}

	_, err = js.AddStream(&natsgo.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  []string{cfg.Subject},
		Storage:   natsgo.FileStorage,
		Retention: natsgo.LimitsPolicy,
	})
	if err != nil {
		return fmt.Errorf("provision stream %s: %w", cfg.StreamName, err)
	}

	logging.Info().
		Str("stream", cfg.StreamName).
		Str("subject", cfg.Subject).
		Msg("activity stream provisioned")
	return nil
}
