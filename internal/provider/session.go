// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

package provider

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/wateryu2030/newhigh-zh-sub000/internal/logging"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/metrics"
)

// SessionState is the session manager's lifecycle state.
type SessionState int

const (
	// StateLoggedOut means no session is held.
	StateLoggedOut SessionState = iota
	// StateLoggingIn is transient while a login round trip is in flight.
	StateLoggingIn
	// StateActive means queries can be issued.
	StateActive
)

func (s SessionState) String() string {
	switch s {
	case StateLoggedOut:
		return "logged_out"
	case StateLoggingIn:
		return "logging_in"
	default:
		return "active"
	}
}

// probeAPI is a cheap call used to verify that a held session is still
// accepted by the provider before a batch starts.
const probeAPI = "all_stock"

// Session owns the login lifecycle around a Client. It guarantees the
// auth-expired recovery contract: a query that fails with KindAuthExpired is
// retried exactly once after a fresh login, and the second failure is
// surfaced as-is. All methods are safe for concurrent use; the internal lock
// serializes state transitions so concurrent callers cannot trigger a
// re-login stampede.
type Session struct {
	mu     sync.Mutex
	client Client
	state  SessionState
}

// NewSession wraps a client in a logged-out session.
func NewSession(client Client) *Session {
	return &Session{client: client, state: StateLoggedOut}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ensure establishes a working session. If one is already held, a probe
// query verifies it is still accepted; a stale session is torn down and
// re-established. Callers invoke this once at the start of a batch.
func (s *Session) Ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateActive {
		probeParams := url.Values{}
		_, err := s.client.Query(ctx, probeAPI, probeParams)
		if err == nil || IsNotFound(err) {
			return nil
		}
		if !IsAuthExpired(err) {
			return err
		}
		logging.Warn().Msg("Held session rejected by provider, re-establishing")
		s.logoutLocked(ctx)
	}

	return s.loginLocked(ctx)
}

// Query issues one provider call through the session, recovering from an
// expired session at most once.
func (s *Session) Query(ctx context.Context, api string, params url.Values) (*RowSet, error) {
	s.mu.Lock()
	if s.state != StateActive {
		if err := s.loginLocked(ctx); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	s.mu.Unlock()

	rs, err := s.client.Query(ctx, api, params)
	if err == nil || !IsAuthExpired(err) {
		recordResult(err)
		return rs, err
	}

	// Session expired mid-flight: logout, login, retry once.
	logging.Warn().Str("api", api).Msg("Session expired, re-logging in")
	metrics.ProviderRelogins.Inc()

	s.mu.Lock()
	s.logoutLocked(ctx)
	if lerr := s.loginLocked(ctx); lerr != nil {
		s.mu.Unlock()
		return nil, lerr
	}
	s.mu.Unlock()

	rs, err = s.client.Query(ctx, api, params)
	recordResult(err)
	return rs, err
}

// Logout releases the session. Safe to call when already logged out.
func (s *Session) Logout(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logoutLocked(ctx)
}

// loginLocked performs the login round trip. Caller holds s.mu.
func (s *Session) loginLocked(ctx context.Context) error {
	s.state = StateLoggingIn
	if err := s.client.Login(ctx); err != nil {
		s.state = StateLoggedOut
		return fmt.Errorf("provider login: %w", err)
	}
	s.state = StateActive
	logging.Debug().Msg("Provider session established")
	return nil
}

// logoutLocked tears down the session, tolerating provider-side failures.
// Caller holds s.mu.
func (s *Session) logoutLocked(ctx context.Context) {
	if s.state == StateLoggedOut {
		return
	}
	if err := s.client.Logout(ctx); err != nil {
		logging.Debug().Err(err).Msg("Provider logout failed, discarding session anyway")
	}
	s.state = StateLoggedOut
}

// recordResult updates the per-result request counter.
func recordResult(err error) {
	if err == nil {
		metrics.ProviderRequests.WithLabelValues("success").Inc()
		return
	}
	metrics.ProviderRequests.WithLabelValues(KindOf(err).String()).Inc()
}
