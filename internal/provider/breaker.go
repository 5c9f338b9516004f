// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

package provider

import (
	"context"
	"errors"
	"net/url"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/wateryu2030/newhigh-zh-sub000/internal/logging"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/metrics"
)

// ErrBreakerOpen is returned when the provider circuit is open and calls are
// being rejected without reaching the upstream.
var ErrBreakerOpen = errors.New("provider circuit open")

// BreakerSession guards a Session with a circuit breaker so a dead or
// flapping provider cannot absorb an entire sync run in timeouts.
//
// Classification matters here: a no-data response is a perfectly healthy
// provider saying "nothing for this entity", so KindNotFound never counts as
// a failure toward tripping the circuit.
type BreakerSession struct {
	session *Session
	cb      *gobreaker.CircuitBreaker[*RowSet]
	name    string
}

// NewBreakerSession wraps a session with breaker protection.
// Breaker configuration:
// - Max 3 concurrent requests in half-open state
// - 1 minute measurement window
// - 2 minute timeout before attempting recovery
// - Opens after 60% failure rate with minimum 10 requests
func NewBreakerSession(session *Session) *BreakerSession {
	cbName := "quote-service"

	metrics.BreakerState.WithLabelValues(cbName).Set(0) // 0 = closed

	cb := gobreaker.NewCircuitBreaker[*RowSet](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= 0.6
			if shouldTrip {
				logging.Warn().Uint32("failures", counts.TotalFailures).Float64("failure_rate", failureRatio*100).Msg("[CIRCUIT BREAKER] Opening circuit")
			}
			return shouldTrip
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)
			logging.Info().Str("from", fromStr).Str("to", toStr).Msg("[CIRCUIT BREAKER] State transition")
			metrics.BreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.BreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
		},
	})

	return &BreakerSession{session: session, cb: cb, name: cbName}
}

// Ensure delegates to the underlying session; establishing a session is not
// breaker-protected so a recovering provider can be probed.
func (bs *BreakerSession) Ensure(ctx context.Context) error {
	return bs.session.Ensure(ctx)
}

// Query issues a session query through the circuit breaker. A no-data result
// is reported to the breaker as success and returned to the caller as the
// original typed error.
func (bs *BreakerSession) Query(ctx context.Context, api string, params url.Values) (*RowSet, error) {
	var notFound error

	rs, err := bs.cb.Execute(func() (*RowSet, error) {
		rs, qerr := bs.session.Query(ctx, api, params)
		if IsNotFound(qerr) {
			notFound = qerr
			return rs, nil
		}
		return rs, qerr
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.ProviderRequests.WithLabelValues("rejected").Inc()
			logging.Warn().Err(err).Str("api", api).Msg("[CIRCUIT BREAKER] Request rejected")
			return nil, ErrBreakerOpen
		}
		return nil, err
	}
	if notFound != nil {
		return nil, notFound
	}
	return rs, nil
}

// Logout delegates to the underlying session.
func (bs *BreakerSession) Logout(ctx context.Context) {
	bs.session.Logout(ctx)
}

// State exposes the breaker state for health reporting.
func (bs *BreakerSession) State() gobreaker.State {
	return bs.cb.State()
}

func stateToString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
