// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

// Package main is the entry point for the newhigh sync daemon.
//
// syncd pulls A-share market data (security universe, daily bars, quarterly
// financials, index bars) from the upstream quote service and lands it in an
// embedded DuckDB file or a Postgres server through an idempotent upsert
// layer. Each run resolves the stale ("pending") entity set per dataset,
// fetches only what is missing, and records the outcome in the
// data_sync_status ledger.
//
// # Initialization order
//
//  1. Configuration: environment variables over an optional YAML file over
//     built-in defaults (Koanf v2)
//  2. Logging: zerolog, json by default (LOG_LEVEL / LOG_FORMAT)
//  3. Store: DuckDB (DB_BACKEND=duckdb, DUCKDB_PATH) or Postgres
//     (DB_BACKEND=postgres, STOCK_DB_URL); schema is ensured on open
//  4. Writer: async batched writer with on-disk cache segments (CACHE_DIR);
//     leftover segments from a previous run are flushed on startup
//  5. Provider: rate-limited HTTP client wrapped in a session manager and a
//     circuit breaker
//
// # Usage
//
// One-shot sync of two datasets:
//
//	syncd --datasets growth,profit --limit 50 --freshness-years 1
//
// Continuous mode, looping until every dataset's pending set drains:
//
//	syncd --datasets daily --loop --sleep 300
//
// Targeted backfill of specific securities:
//
//	syncd --datasets cashflow --codes 600000.SH,000001.SZ
//	syncd --datasets balance --codes-file watchlist.txt
//
// # Signal handling
//
// SIGINT and SIGTERM cancel the run context. Cancellation is honored between
// entities and between loop iterations, never mid-write: the writer drains
// its queue and the store finishes in-flight transactions before exit.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wateryu2030/newhigh-zh-sub000/internal/config"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/engine"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/logging"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/provider"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/store"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/writer"
)

func main() {
	var (
		datasetsFlag  = flag.String("datasets", "", "comma-separated datasets to sync (default: all)")
		limitFlag     = flag.Int("limit", 0, "max entities per cycle (default: sync.batch_limit)")
		offsetFlag    = flag.Int("offset", 0, "entities to skip in the pending set")
		freshnessFlag = flag.Int("freshness-years", 0, "recency window in years (default: sync.freshness_years)")
		loopFlag      = flag.Bool("loop", false, "repeat cycles until every pending set drains")
		sleepFlag     = flag.Int("sleep", 0, "seconds between loop iterations, floor 30 (default: sync.loop_sleep_seconds)")
		codesFlag     = flag.String("codes", "", "comma-separated ts codes to sync, bypassing pending-set resolution")
		codesFileFlag = flag.String("codes-file", "", "file with one ts code per line, merged with --codes")
		metricsFlag   = flag.String("metrics-addr", "", "listen address for the Prometheus /metrics endpoint (disabled when empty)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	datasets, err := resolveDatasets(*datasetsFlag)
	if err != nil {
		logging.Fatal().Err(err).Msg("Invalid --datasets")
	}
	codes, err := resolveCodes(*codesFlag, *codesFileFlag)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to read code list")
	}

	logging.Info().
		Strs("datasets", datasets).
		Str("backend", cfg.Database.Backend).
		Bool("loop", *loopFlag).
		Int("codes", len(codes)).
		Msg("Starting newhigh sync daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, &cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()

	w, err := writer.New(cfg.Writer, st)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to start writer")
	}

	client := provider.NewHTTPClient(&cfg.Provider)
	session := provider.NewSession(client)
	breaker := provider.NewBreakerSession(session)

	if *metricsFlag != "" {
		go serveMetrics(*metricsFlag)
	}

	opts := engine.RunOptions{
		Datasets: datasets,
		Loop:     *loopFlag,
		Sleep:    time.Duration(pick(*sleepFlag, cfg.Sync.LoopSleepSeconds)) * time.Second,
		Cycle: engine.CycleOptions{
			Limit:          pick(*limitFlag, cfg.Sync.BatchLimit),
			Offset:         *offsetFlag,
			FreshnessYears: pick(*freshnessFlag, cfg.Sync.FreshnessYears),
			Codes:          codes,
		},
	}

	e := engine.New(cfg, st, w, breaker)
	code := run(ctx, e, opts, *loopFlag)

	// Drain the writer before the store closes so no segment is stranded.
	if err := w.Stop(); err != nil {
		logging.Error().Err(err).Msg("Writer shutdown incomplete, segments remain cached for next run")
	}
	breaker.Logout(context.Background())

	if code != 0 {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
		os.Exit(code)
	}
}

// run executes the sync, supervised in loop mode so a panic or crash inside
// a cycle restarts the loop with backoff instead of killing the daemon.
func run(ctx context.Context, e *engine.Engine, opts engine.RunOptions, loop bool) int {
	if loop {
		svc := engine.NewService(e, opts)
		sup := engine.NewSupervisor(slog.New(logging.NewSlogHandler()), svc)
		err := sup.Serve(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor exited with error")
			return 1
		}
		logging.Info().Msg("Sync loop finished")
		return 0
	}

	results, err := e.Run(ctx, opts)
	summarize(results)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Sync run failed")
		return 1
	}
	for _, res := range results {
		if res.Status == store.StatusFailed {
			return 1
		}
	}
	return 0
}

// summarize prints a per-dataset outcome table to stdout; logs carry the
// same data for machines, this is for the operator's terminal.
func summarize(results []*engine.CycleResult) {
	if len(results) == 0 {
		return
	}
	fmt.Printf("%-10s %-11s %8s %8s %8s %7s %10s %10s\n",
		"DATASET", "STATUS", "PENDING", "FETCHED", "FAILED", "LEFT", "ROWS", "DURATION")
	for _, res := range results {
		fmt.Printf("%-10s %-11s %8d %8d %8d %7d %10d %10s\n",
			res.Dataset, res.Status, res.PendingBefore, res.Fetched, res.Failed,
			res.PendingAfter, res.RowsWritten, res.Duration.Round(time.Millisecond))
	}
}

// resolveDatasets parses --datasets, validating every name; empty means all.
func resolveDatasets(raw string) ([]string, error) {
	if raw == "" {
		return engine.DatasetNames(), nil
	}
	var out []string
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, err := engine.LookupDataset(name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no datasets named in %q", raw)
	}
	return out, nil
}

// resolveCodes merges --codes with the --codes-file contents. The file holds
// one code per line; blank lines and #-comments are skipped.
func resolveCodes(inline, path string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	add := func(code string) {
		code = strings.TrimSpace(code)
		if code == "" || seen[code] {
			return
		}
		seen[code] = true
		out = append(out, code)
	}

	for _, code := range strings.Split(inline, ",") {
		add(code)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read codes file: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "#") {
				continue
			}
			add(line)
		}
	}
	return out, nil
}

// serveMetrics exposes the Prometheus registry. Failure is non-fatal; the
// sync itself does not depend on metrics being scrapable.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logging.Info().Str("addr", addr).Msg("Serving Prometheus metrics")
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Warn().Err(err).Msg("Metrics endpoint unavailable")
	}
}

// pick returns the flag value when set, otherwise the configured default.
func pick(flagVal, cfgVal int) int {
	if flagVal > 0 {
		return flagVal
	}
	return cfgVal
}
