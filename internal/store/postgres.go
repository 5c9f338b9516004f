// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wateryu2030/newhigh-zh-sub000/internal/config"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/logging"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/metrics"
)

// PostgresStore is the server backend. Concurrency control is delegated to
// the server; there is no single-writer discipline here.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to the server database and ensures the schema.
func OpenPostgres(ctx context.Context, cfg *config.DatabaseConfig) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logging.Info().Msg("Postgres store opened")
	return s, nil
}

// EnsureSchema creates missing tables. Idempotent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema creation failed: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Upsert stages the batch into a temp table via COPY, then merges it with
// INSERT ... ON CONFLICT DO UPDATE. One transaction; the temp table drops
// on commit. Dedupe is mandatory: ON CONFLICT cannot touch the same key
// twice within one command.
func (s *PostgresStore) Upsert(ctx context.Context, batch *RecordBatch) (int64, error) {
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := batch.Dedupe(); err != nil {
		return 0, err
	}
	spec, err := LookupTable(batch.Table)
	if err != nil {
		return 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tmpName := "tmp_upsert_" + spec.Name
	createTmp := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		tmpName, spec.Name)
	if _, err := tx.Exec(ctx, createTmp); err != nil {
		return 0, fmt.Errorf("create staging table for %s: %w", spec.Name, err)
	}

	copyRows := make([][]any, batch.Len())
	for i, row := range batch.Rows {
		vals := make([]any, len(row))
		for j, v := range row {
			vals[j] = normalizeValue(v)
		}
		copyRows[i] = vals
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tmpName}, batch.Columns,
		pgx.CopyFromRows(copyRows)); err != nil {
		return 0, fmt.Errorf("copy into staging table for %s: %w", spec.Name, err)
	}

	merge := mergeStatement(spec, batch.Columns, tmpName)
	tag, err := tx.Exec(ctx, merge)
	if err != nil {
		return 0, fmt.Errorf("merge into %s: %w", spec.Name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit upsert tx: %w", err)
	}

	n := tag.RowsAffected()
	metrics.RowsUpserted.WithLabelValues(batch.Table).Add(float64(n))
	return n, nil
}

// mergeStatement renders the staging-to-target merge. Non-key columns are
// overwritten from the staged row; a key-only table degrades to DO NOTHING.
func mergeStatement(spec TableSpec, columns []string, tmpName string) string {
	keySet := make(map[string]struct{}, len(spec.Keys))
	for _, k := range spec.Keys {
		keySet[k] = struct{}{}
	}
	var sets []string
	for _, col := range columns {
		if _, isKey := keySet[col]; !isKey {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}

	cols := strings.Join(columns, ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s)",
		spec.Name, cols, cols, tmpName, strings.Join(spec.Keys, ", "))
	if len(sets) == 0 {
		return stmt + " DO NOTHING"
	}
	return stmt + " DO UPDATE SET " + strings.Join(sets, ", ")
}

// dollarPlaceholder renders "$n".
func dollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// PendingEntities resolves the stale/never-synced entity set for a table.
func (s *PostgresStore) PendingEntities(ctx context.Context, q FreshnessQuery) ([]string, error) {
	stmt, args, err := q.SQL(dollarPlaceholder)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("freshness query on %s: %w", q.Table, err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// RecordRun upserts the dataset's ledger row.
func (s *PostgresStore) RecordRun(ctx context.Context, rec RunRecord) error {
	stmt := fmt.Sprintf(ledgerUpsertSQL,
		"$1", "$2", "$3", "$4", "$5", "$6", "$7", "$8", "$9", "$10", "$11", "$12")
	if _, err := s.pool.Exec(ctx, stmt, ledgerArgs(rec)...); err != nil {
		return fmt.Errorf("ledger upsert for %s: %w", rec.Dataset, err)
	}
	return nil
}

// SyncStatus reads one ledger row; returns pgx.ErrNoRows when absent.
func (s *PostgresStore) SyncStatus(ctx context.Context, dataset string) (*LedgerEntry, error) {
	stmt := fmt.Sprintf(ledgerSelectSQL, "$1")
	row := s.pool.QueryRow(ctx, stmt, dataset)

	var e LedgerEntry
	var lastRun, lastSuccess, updatedAt *time.Time
	var lastStatus, lastMessage *string
	var durationSec *float64
	var pendingBefore, pendingAfter, batchCount *int64
	if err := row.Scan(&e.Dataset, &lastRun, &lastSuccess, &lastStatus, &lastMessage,
		&durationSec, &pendingBefore, &pendingAfter, &batchCount,
		&e.SuccessCount, &e.FailureCount, &updatedAt); err != nil {
		return nil, err
	}
	if lastRun != nil {
		e.LastRunAt = *lastRun
	}
	if lastSuccess != nil {
		e.LastSuccessAt = *lastSuccess
	}
	if lastStatus != nil {
		e.LastStatus = *lastStatus
	}
	if lastMessage != nil {
		e.LastMessage = *lastMessage
	}
	if durationSec != nil {
		e.LastDurationSec = *durationSec
	}
	if pendingBefore != nil {
		e.PendingBefore = *pendingBefore
	}
	if pendingAfter != nil {
		e.PendingAfter = *pendingAfter
	}
	if batchCount != nil {
		e.LastBatchCount = *batchCount
	}
	if updatedAt != nil {
		e.UpdatedAt = *updatedAt
	}
	return &e, nil
}
