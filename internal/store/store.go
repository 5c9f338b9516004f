// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/wateryu2030/newhigh-zh-sub000/internal/config"
)

var (
	// ErrUnknownTable means the target table is not in the registry.
	ErrUnknownTable = errors.New("unknown target table")

	// ErrMissingKeyColumn means a batch omits part of the natural key.
	ErrMissingKeyColumn = errors.New("batch missing natural key column")
)

// Store is the persistence surface the engine writes through. Both backends
// provide the same idempotent-upsert semantics; which one is active is a
// deployment decision, never per-table.
type Store interface {
	// Upsert replaces-or-inserts the batch rows by natural key. The batch
	// is applied atomically: concurrent readers never observe a key
	// deleted but not yet re-inserted.
	Upsert(ctx context.Context, batch *RecordBatch) (int64, error)

	// PendingEntities resolves the entities whose latest stored period in
	// the given table is older than the freshness window.
	PendingEntities(ctx context.Context, q FreshnessQuery) ([]string, error)

	// RecordRun upserts the dataset's ledger row in data_sync_status,
	// incrementing the monotonic run counters.
	RecordRun(ctx context.Context, rec RunRecord) error

	// SyncStatus reads back the ledger row for a dataset.
	SyncStatus(ctx context.Context, dataset string) (*LedgerEntry, error)

	// EnsureSchema creates missing tables. Idempotent.
	EnsureSchema(ctx context.Context) error

	Close() error
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (Store, error) {
	switch cfg.Backend {
	case "duckdb":
		return OpenDuckDB(ctx, cfg)
	case "postgres":
		return OpenPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported database backend %q", cfg.Backend)
	}
}
