// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

package store

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/wateryu2030/newhigh-zh-sub000/internal/config"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/logging"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/metrics"
)

const (
	// deleteKeysPerStatement bounds one DELETE's key list.
	deleteKeysPerStatement = 500

	// insertRowsPerStatement bounds one multi-row INSERT.
	insertRowsPerStatement = 1000

	// lockedRetryAttempts bounds retries when the database file is held
	// by a concurrent process.
	lockedRetryAttempts = 5

	lockedRetryDelay = 200 * time.Millisecond
)

// DuckDBStore is the embedded backend. DuckDB allows one writing process,
// so all mutations funnel through writeMu; reads go straight to the pool.
type DuckDBStore struct {
	conn    *sql.DB
	writeMu chan struct{} // 1-slot semaphore, context-aware
}

// OpenDuckDB opens (creating if absent) the embedded database and ensures
// the schema exists.
func OpenDuckDB(ctx context.Context, cfg *config.DatabaseConfig) (*DuckDBStore, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
		cfg.Path, numThreads, cfg.MaxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb at %s: %w", cfg.Path, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}

	conn.SetMaxOpenConns(runtime.NumCPU())
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)

	s := &DuckDBStore{
		conn:    conn,
		writeMu: make(chan struct{}, 1),
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	logging.Info().Str("path", cfg.Path).Int("threads", numThreads).Msg("DuckDB store opened")
	return s, nil
}

// EnsureSchema creates missing tables. Idempotent.
func (s *DuckDBStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema creation failed: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *DuckDBStore) Close() error {
	return s.conn.Close()
}

// acquireWrite takes the single-writer slot, respecting cancellation.
func (s *DuckDBStore) acquireWrite(ctx context.Context) error {
	select {
	case s.writeMu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *DuckDBStore) releaseWrite() {
	<-s.writeMu
}

// Upsert replaces-then-inserts the batch inside one transaction, so readers
// never observe a key deleted but not yet re-inserted. Retries a few times
// when the database file is locked by another process.
func (s *DuckDBStore) Upsert(ctx context.Context, batch *RecordBatch) (int64, error) {
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := batch.Dedupe(); err != nil {
		return 0, err
	}

	if err := s.acquireWrite(ctx); err != nil {
		return 0, err
	}
	defer s.releaseWrite()

	var lastErr error
	for attempt := 0; attempt < lockedRetryAttempts; attempt++ {
		if attempt > 0 {
			metrics.UpsertRetries.WithLabelValues(batch.Table).Inc()
			select {
			case <-time.After(lockedRetryDelay):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}

		n, err := s.upsertOnce(ctx, batch)
		if err == nil {
			metrics.RowsUpserted.WithLabelValues(batch.Table).Add(float64(n))
			return n, nil
		}
		if !isLockedError(err) {
			return 0, err
		}
		lastErr = err
		logging.Warn().Err(err).Str("table", batch.Table).Int("attempt", attempt+1).Msg("Database locked, retrying upsert")
	}
	return 0, fmt.Errorf("upsert into %s failed after %d locked retries: %w",
		batch.Table, lockedRetryAttempts, lastErr)
}

func (s *DuckDBStore) upsertOnce(ctx context.Context, batch *RecordBatch) (int64, error) {
	spec, err := LookupTable(batch.Table)
	if err != nil {
		return 0, err
	}
	keys, err := batch.Keys()
	if err != nil {
		return 0, err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(keys); start += deleteKeysPerStatement {
		end := start + deleteKeysPerStatement
		if end > len(keys) {
			end = len(keys)
		}
		stmt, args := deleteStatement(spec, keys[start:end])
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return 0, fmt.Errorf("delete stale keys from %s: %w", batch.Table, err)
		}
	}

	for start := 0; start < batch.Len(); start += insertRowsPerStatement {
		end := start + insertRowsPerStatement
		if end > batch.Len() {
			end = batch.Len()
		}
		stmt, args := insertStatement(spec, batch.Columns, batch.Rows[start:end])
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return 0, fmt.Errorf("insert rows into %s: %w", batch.Table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert tx: %w", err)
	}
	return int64(batch.Len()), nil
}

// deleteStatement deletes by natural key. Single-column keys use an IN
// list; composite keys use a disjunction of conjunctions, which both
// backends plan as a semi-join on small lists.
func deleteStatement(spec TableSpec, keys [][]string) (string, []any) {
	args := make([]any, 0, len(keys)*len(spec.Keys))

	if len(spec.Keys) == 1 {
		phs := make([]string, len(keys))
		for i, key := range keys {
			phs[i] = "?"
			args = append(args, normalizeValue(key[0]))
		}
		return fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
			spec.Name, spec.Keys[0], strings.Join(phs, ", ")), args
	}

	conds := make([]string, len(keys))
	single := make([]string, len(spec.Keys))
	for i, col := range spec.Keys {
		single[i] = col + " = ?"
	}
	cond := "(" + strings.Join(single, " AND ") + ")"
	for i, key := range keys {
		conds[i] = cond
		for _, v := range key {
			args = append(args, normalizeValue(v))
		}
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", spec.Name, strings.Join(conds, " OR ")), args
}

// insertStatement builds one multi-row INSERT.
func insertStatement(spec TableSpec, columns []string, rows [][]string) (string, []any) {
	rowPh := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	phs := make([]string, len(rows))
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		phs[i] = rowPh
		for _, v := range row {
			args = append(args, normalizeValue(v))
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		spec.Name, strings.Join(columns, ", "), strings.Join(phs, ", ")), args
}

// normalizeValue maps provider empty-string fields to NULL so numeric and
// date columns do not fail the cast.
func normalizeValue(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// isLockedError matches DuckDB file-lock and write-conflict failures.
func isLockedError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "lock") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "conflict") ||
		strings.Contains(msg, "could not set lock")
}

// questionPlaceholder renders "?" regardless of position.
func questionPlaceholder(int) string { return "?" }

// PendingEntities resolves the stale/never-synced entity set for a table.
func (s *DuckDBStore) PendingEntities(ctx context.Context, q FreshnessQuery) ([]string, error) {
	stmt, args, err := q.SQL(questionPlaceholder)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn.QueryContext(ctx, stmt, args...)
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
func (s *DuckDBStore) RecordRun(ctx context.Context, rec RunRecord) error {
	if err := s.acquireWrite(ctx); err != nil {
		return err
	}
	defer s.releaseWrite()

	stmt := fmt.Sprintf(ledgerUpsertSQL,
		"?", "?", "?", "?", "?", "?", "?", "?", "?", "?", "?", "?")
	if _, err := s.conn.ExecContext(ctx, stmt, ledgerArgs(rec)...); err != nil {
		return fmt.Errorf("ledger upsert for %s: %w", rec.Dataset, err)
	}
	return nil
}

// SyncStatus reads one ledger row; returns sql.ErrNoRows when absent.
func (s *DuckDBStore) SyncStatus(ctx context.Context, dataset string) (*LedgerEntry, error) {
	stmt := fmt.Sprintf(ledgerSelectSQL, "?")
	row := s.conn.QueryRowContext(ctx, stmt, dataset)

	var e LedgerEntry
	var lastRun, lastSuccess, updatedAt sql.NullTime
	var lastStatus, lastMessage sql.NullString
	var durationSec sql.NullFloat64
	var pendingBefore, pendingAfter, batchCount sql.NullInt64
	if err := row.Scan(&e.Dataset, &lastRun, &lastSuccess, &lastStatus, &lastMessage,
		&durationSec, &pendingBefore, &pendingAfter, &batchCount,
		&e.SuccessCount, &e.FailureCount, &updatedAt); err != nil {
		return nil, err
	}
	e.LastRunAt = lastRun.Time
	e.LastSuccessAt = lastSuccess.Time
	e.LastStatus = lastStatus.String
	e.LastMessage = lastMessage.String
	e.LastDurationSec = durationSec.Float64
	e.PendingBefore = pendingBefore.Int64
	e.PendingAfter = pendingAfter.Int64
	e.LastBatchCount = batchCount.Int64
	e.UpdatedAt = updatedAt.Time
	return &e, nil
}
