// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/syedumertariq/keystream/internal/logging"
)

// StartStopper is the lifecycle shape shared by background loops such as
// the journal GC loop.
type StartStopper interface {
	Start(ctx context.Context) error
	Stop()
}

// LoopService adapts a Start/Stop loop to suture's Serve pattern: start,
// wait for cancellation, stop.
type LoopService struct {
	loop StartStopper
	name string
}

// NewLoopService wraps a Start/Stop loop as a supervised service.
func NewLoopService(name string, loop StartStopper) *LoopService {
	return &LoopService{loop: loop, name: name}
}

// Serve implements suture.Service.
func (s *LoopService) Serve(ctx context.Context) error {
	if err := s.loop.Start(ctx); err != nil {
		return fmt.Errorf("%s start failed: %w", s.name, err)
	}
	<-ctx.Done()
	s.loop.Stop()
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logging.
func (s *LoopService) String() string {
	return s.name
}

// Runner is a blocking run loop, such as the bus consumer.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerService adapts a blocking Run loop to suture's Serve pattern. A
// returned error makes suture restart the service with backoff.
type RunnerService struct {
	runner Runner
	name   string
}

// NewRunnerService wraps a blocking run loop as a supervised service.
func NewRunnerService(name string, runner Runner) *RunnerService {
	return &RunnerService{runner: runner, name: name}
}

// Serve implements suture.Service.
func (s *RunnerService) Serve(ctx context.Context) error {
	err := s.runner.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Str("service", s.name).Msg("service run loop failed")
	}
	return err
}

// String implements fmt.Stringer for supervisor logging.
func (s *RunnerService) String() string {
	return s.name
}

// HTTPService runs an HTTP server under supervision, used for the metrics
// endpoint.
type HTTPService struct {
	server *http.Server
	name   string
}

// NewHTTPService wraps an HTTP server as a supervised service.
func NewHTTPService(name string, server *http.Server) *HTTPService {
	return &HTTPService{server: server, name: name}
}

// Serve implements suture.Service.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s listen failed: %w", s.name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Str("service", s.name).Msg("http server shutdown failed")
		}
		return ctx.Err()
	}
}

// String implements fmt.Stringer for supervisor logging.
func (s *HTTPService) String() string {
	return s.name
}
