// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// Service wraps the engine's loop mode as a supervised service, so a panic
// or dataset-level crash restarts the loop with backoff instead of killing
// the process.
type Service struct {
	engine *Engine
	opts   RunOptions
}

// NewService creates the supervised loop service.
func NewService(e *Engine, opts RunOptions) *Service {
	opts.Loop = true
	return &Service{engine: e, opts: opts}
}

// Serve implements suture.Service: it runs the sync loop until the context
// is canceled or the pending sets are exhausted. A clean exhaustion returns
// suture.ErrDoNotRestart so the supervisor does not spin an empty loop.
func (s *Service) Serve(ctx context.Context) error {
	_, err := s.engine.Run(ctx, s.opts)
	if err != nil {
		return err
	}
	return suture.ErrDoNotRestart
}

// NewSupervisor builds a one-service supervisor tree around the loop
// service, logging supervision events through the given slog logger.
func NewSupervisor(logger *slog.Logger, svc *Service) *suture.Supervisor {
	handler := &sutureslog.Handler{Logger: logger}
	sup := suture.New("newhigh-sync", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	sup.Add(svc)
	return sup
}
