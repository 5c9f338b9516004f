// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

// Package retry implements the retry/backoff controller used around provider
// calls and embedded-database writes.
//
// Retry behavior is carried by a Policy value rather than baked into call
// sites, so the same controller serves both the slow network path
// (tries=5, delay=1s, backoff=1.8) and the fast storage-contention path
// (tries=5, delay=500ms).
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/wateryu2030/newhigh-zh-sub000/internal/logging"
)

// Policy describes how an operation is retried.
type Policy struct {
	// Tries is the total number of attempts. Tries <= 1 performs no retry.
	Tries int

	// Delay is the wait before the first retry.
	Delay time.Duration

	// Backoff multiplies the delay after each failed attempt.
	// Values <= 1 keep the delay fixed.
	Backoff float64

	// MaxDelay caps the growing delay. Zero means uncapped.
	MaxDelay time.Duration

	// Permanent reports whether an error must not be retried.
	// A nil classifier retries every error.
	Permanent func(error) bool
}

// DefaultPolicy matches the provider-path defaults: 5 attempts starting at
// one second with a 1.8x backoff.
func DefaultPolicy() Policy {
	return Policy{Tries: 5, Delay: time.Second, Backoff: 1.8}
}

// ErrPermanent can be wrapped around an error inside an operation to stop
// retrying regardless of the policy classifier.
var ErrPermanent = errors.New("permanent failure")

// Do runs op, retrying per the policy. It returns nil on the first success,
// the last error once attempts are exhausted, or the context error if the
// context is canceled during a backoff wait.
func Do(ctx context.Context, p Policy, name string, op func() error) error {
	if p.Tries < 1 {
		p.Tries = 1
	}
	delay := p.Delay

	var err error
	for attempt := 1; attempt <= p.Tries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanent) || (p.Permanent != nil && p.Permanent(err)) {
			return err
		}
		if attempt == p.Tries {
			break
		}

		logging.Warn().
			Err(err).
			Str("op", name).
			Int("attempt", attempt).
			Int("max_attempts", p.Tries).
			Dur("delay", delay).
			Msg("Retrying after failure")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = p.next(delay)
	}

	return err
}

// next computes the following backoff delay.
func (p Policy) next(delay time.Duration) time.Duration {
	if p.Backoff > 1 {
		delay = time.Duration(float64(delay) * p.Backoff)
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if delay < 0 { // overflow
		delay = p.MaxDelay
	}
	return delay
}
