// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

// Package engine drives sync cycles: resolve the pending entity set, fetch
// each entity from the provider, hand rows to the writer, and record the
// outcome in the status ledger.
package engine

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/wateryu2030/newhigh-zh-sub000/internal/config"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/logging"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/metrics"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/provider"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/retry"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/store"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/writer"
)

// progressEvery controls how often per-entity progress is logged.
const progressEvery = 50

// Querier is the provider surface the engine needs. Satisfied by
// provider.BreakerSession in production and by fakes in tests.
type Querier interface {
	Ensure(ctx context.Context) error
	Query(ctx context.Context, api string, params url.Values) (*provider.RowSet, error)
	Logout(ctx context.Context)
}

// Engine owns one provider session, one store, and one async writer, and
// runs sync cycles over them. Entities are processed sequentially; the
// provider's pacing and the writer's background worker supply all the
// concurrency this workload needs.
type Engine struct {
	cfg      *config.Config
	store    store.Store
	writer   *writer.Writer
	provider Querier
	policy   retry.Policy
}

// New assembles an engine. The retry policy retries transient provider
// failures only; everything else short-circuits.
func New(cfg *config.Config, st store.Store, w *writer.Writer, q Querier) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    st,
		writer:   w,
		provider: q,
		policy: retry.Policy{
			Tries:     cfg.Sync.RetryAttempts,
			Delay:     time.Duration(cfg.Sync.RetryDelaySeconds * float64(time.Second)),
			Backoff:   cfg.Sync.RetryBackoff,
			Permanent: func(err error) bool { return !provider.IsTransient(err) },
		},
	}
}

// CycleOptions parameterizes one RunCycle invocation.
type CycleOptions struct {
	Dataset        string
	Limit          int
	Offset         int
	FreshnessYears int

	// Codes bypasses pending-set resolution with an explicit entity list.
	Codes []string

	// Now anchors freshness windows and date ranges; zero means wall
	// clock. Set in tests.
	Now time.Time
}

func (o CycleOptions) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

// CycleResult summarizes one completed cycle.
type CycleResult struct {
	Dataset       string
	Status        string
	PendingBefore int
	PendingAfter  int
	Fetched       int
	Failed        int
	RowsWritten   int64
	Duration      time.Duration
}

// RunCycle executes one sync cycle for a dataset. Entity-level failures are
// logged and counted but never abort the cycle; dataset-level failures
// (resolver or ledger errors) abort it and are recorded as failed.
func (e *Engine) RunCycle(ctx context.Context, opts CycleOptions) (*CycleResult, error) {
	ds, err := LookupDataset(opts.Dataset)
	if err != nil {
		return nil, err
	}
	started := opts.now()

	res, err := e.runCycle(ctx, ds, opts, started)
	if err != nil {
		// Dataset-level failure: record and surface.
		rec := store.RunRecord{
			Dataset: ds.Name,
			Status:  store.StatusFailed,
			Message: err.Error(),
			RunAt:   started.UTC(),
		}
		if res != nil {
			rec.PendingBefore = res.PendingBefore
			rec.PendingAfter = res.PendingAfter
			rec.BatchCount = res.Fetched
			rec.Duration = res.Duration
		}
		if lerr := e.store.RecordRun(ctx, rec); lerr != nil {
			logging.Error().Err(lerr).Str("dataset", ds.Name).Msg("Failed to record failed run")
		}
		metrics.SyncCycles.WithLabelValues(ds.Name, store.StatusFailed).Inc()
		return res, err
	}

	message := fmt.Sprintf("fetched=%d failed=%d rows=%d", res.Fetched, res.Failed, res.RowsWritten)
	if len(opts.Codes) > 0 {
		message = "manual-sync: " + message
	}
	rec := store.RunRecord{
		Dataset:       ds.Name,
		Status:        res.Status,
		Message:       message,
		RunAt:         started.UTC(),
		Duration:      res.Duration,
		PendingBefore: res.PendingBefore,
		PendingAfter:  res.PendingAfter,
		BatchCount:    res.Fetched,
	}
	if err := e.store.RecordRun(ctx, rec); err != nil {
		return res, fmt.Errorf("record run for %s: %w", ds.Name, err)
	}

	metrics.SyncCycles.WithLabelValues(ds.Name, res.Status).Inc()
	metrics.PendingEntities.WithLabelValues(ds.Name).Set(float64(res.PendingAfter))
	logging.Info().
		Str("dataset", ds.Name).
		Str("status", res.Status).
		Int("pending_before", res.PendingBefore).
		Int("pending_after", res.PendingAfter).
		Int("fetched", res.Fetched).
		Int("failed", res.Failed).
		Int64("rows", res.RowsWritten).
		Dur("duration", res.Duration).
		Msg("Sync cycle complete")
	return res, nil
}

func (e *Engine) runCycle(ctx context.Context, ds Dataset, opts CycleOptions, started time.Time) (*CycleResult, error) {
	res := &CycleResult{Dataset: ds.Name}
	defer func() { res.Duration = time.Since(started) }()

	switch ds.Kind {
	case KindBasic:
		return res, e.syncBasic(ctx, ds, res)
	case KindIndex:
		return res, e.syncIndexes(ctx, ds, opts, res)
	}

	// Per-entity datasets: resolve the pending set, unless an explicit code
	// list bypasses resolution entirely. Explicit codes are synced as-is:
	// force-resyncing a fresh entity works, and a code not yet present in
	// the reference table is still fetched.
	var pending []string
	var err error
	if len(opts.Codes) > 0 {
		pending = dedupeCodes(opts.Codes)
	} else {
		pending, err = e.resolvePending(ctx, ds, opts)
		if err != nil {
			return res, err
		}
	}
	res.PendingBefore = len(pending)
	if len(pending) == 0 {
		res.Status = store.StatusNoPending
		return res, nil
	}

	batch := pending
	if opts.Offset > 0 {
		if opts.Offset >= len(batch) {
			batch = nil
		} else {
			batch = batch[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(batch) > opts.Limit {
		batch = batch[:opts.Limit]
	}

	if err := e.provider.Ensure(ctx); err != nil {
		return res, fmt.Errorf("establish provider session: %w", err)
	}
	defer e.provider.Logout(ctx)

	for i, code := range batch {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rows, ferr := e.fetchEntity(ctx, ds, code, opts)
		res.RowsWritten += rows
		if ferr != nil {
			res.Failed++
			logging.Warn().Err(ferr).Str("dataset", ds.Name).Str("code", code).Msg("Entity sync failed")
		} else {
			res.Fetched++
		}
		if (i+1)%progressEvery == 0 {
			logging.Info().Str("dataset", ds.Name).Int("done", i+1).Int("total", len(batch)).Msg("Sync progress")
		}
	}

	if e.writer != nil {
		if err := e.writer.Sync(ctx); err != nil {
			return res, fmt.Errorf("drain writer: %w", err)
		}
	}

	after, err := e.resolvePending(ctx, ds, opts)
	if err != nil {
		return res, fmt.Errorf("re-resolve pending set: %w", err)
	}
	res.PendingAfter = len(after)

	res.Status = store.StatusSuccess
	if res.Failed > 0 && res.Fetched == 0 {
		res.Status = store.StatusFailed
	}
	return res, nil
}

// resolvePending returns the full ordered pending set for a dataset. With an
// explicit code list the result is restricted to those codes; the batch
// itself never goes through here in that mode, this only measures what is
// still stale afterwards.
func (e *Engine) resolvePending(ctx context.Context, ds Dataset, opts CycleOptions) ([]string, error) {
	return e.store.PendingEntities(ctx, store.FreshnessQuery{
		Table:          ds.Table,
		FreshnessYears: opts.FreshnessYears,
		Codes:          opts.Codes,
		Now:            opts.Now,
	})
}

// dedupeCodes trims and deduplicates an explicit code list, keeping order.
func dedupeCodes(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, code)
	}
	return out
}
