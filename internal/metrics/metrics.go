// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

// Package metrics defines the Prometheus collectors exported by the engine.
// Collectors are registered on the default registry via promauto; the serving
// surface (if any) is owned by whoever embeds the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProviderRequests counts provider calls by result
	// (success, not_found, transient, auth_expired, permanent, rejected).
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newhigh_provider_requests_total",
			Help: "Provider query outcomes by classification",
		},
		[]string{"result"},
	)

	// ProviderRelogins counts session re-authentications.
	ProviderRelogins = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "newhigh_provider_relogins_total",
			Help: "Session re-logins triggered by auth-expired responses",
		},
	)

	// BreakerState tracks circuit breaker state (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "newhigh_breaker_state",
			Help: "Provider circuit breaker state",
		},
		[]string{"name"},
	)

	// BreakerTransitions counts circuit breaker state changes.
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newhigh_breaker_transitions_total",
			Help: "Provider circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// RowsUpserted counts rows written per target table.
	RowsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newhigh_rows_upserted_total",
			Help: "Rows upserted into target tables",
		},
		[]string{"table"},
	)

	// UpsertRetries counts storage-contention retries on the embedded backend.
	UpsertRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newhigh_upsert_retries_total",
			Help: "Upserts retried on busy/locked storage",
		},
		[]string{"table"},
	)

	// WriterSegmentRows tracks the current on-disk segment size per table.
	WriterSegmentRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "newhigh_writer_segment_rows",
			Help: "Rows staged in the on-disk write cache segment",
		},
		[]string{"table"},
	)

	// WriterFlushes counts segment flushes by outcome (success, dropped).
	WriterFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newhigh_writer_flushes_total",
			Help: "Write cache segment flush outcomes",
		},
		[]string{"table", "result"},
	)

	// SyncCycles counts orchestrator cycles per dataset by ledger status.
	SyncCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newhigh_sync_cycles_total",
			Help: "Sync cycles by dataset and status",
		},
		[]string{"dataset", "status"},
	)

	// PendingEntities tracks the last resolved pending-set size per dataset.
	PendingEntities = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "newhigh_pending_entities",
			Help: "Entities still needing sync after the last cycle",
		},
		[]string{"dataset"},
	)
)
