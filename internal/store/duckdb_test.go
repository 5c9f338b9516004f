// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/wateryu2030/newhigh-zh-sub000/internal/config"
)

func openTestStore(t *testing.T) *DuckDBStore {
	t.Helper()
	cfg := &config.DatabaseConfig{
		Backend:   "duckdb",
		Path:      filepath.Join(t.TempDir(), "test.duckdb"),
		MaxMemory: "512MB",
		Threads:   2,
	}
	s, err := OpenDuckDB(context.Background(), cfg)
	if err != nil {
		t.Fatalf("OpenDuckDB: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedBasicInfo(t *testing.T, s *DuckDBStore, codes ...string) {
	t.Helper()
	rows := make([][]string, len(codes))
	for i, code := range codes {
		rows[i] = []string{code, "股票" + code, "银行", "1", "1999-11-10", "", "1", "1", "2026-01-01 00:00:00"}
	}
	b, err := NewRecordBatch("stock_basic_info",
		[]string{"ts_code", "code_name", "industry", "industry_class",
			"list_date", "delist_date", "type", "status", "updated_at"}, rows)
	if err != nil {
		t.Fatalf("NewRecordBatch: %v", err)
	}
	if _, err := s.Upsert(context.Background(), b); err != nil {
		t.Fatalf("seed basic info: %v", err)
	}
}

func growthBatch(t *testing.T, rows [][]string) *RecordBatch {
	t.Helper()
	b, err := NewRecordBatch("stock_financials_growth",
		[]string{"ts_code", "year", "quarter", "yoy_ni"}, rows)
	if err != nil {
		t.Fatalf("NewRecordBatch: %v", err)
	}
	return b
}

func countRows(t *testing.T, s *DuckDBStore, table, where string, args ...any) int {
	t.Helper()
	q := "SELECT COUNT(*) FROM " + table
	if where != "" {
		q += " WHERE " + where
	}
	var n int
	if err := s.conn.QueryRowContext(context.Background(), q, args...).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestDuckDB_UpsertIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	b := growthBatch(t, [][]string{
		{"600000.SH", "2025", "1", "0.10"},
		{"600000.SH", "2025", "2", "0.12"},
	})
	if n, err := s.Upsert(context.Background(), b); err != nil || n != 2 {
		t.Fatalf("first upsert: n=%d err=%v", n, err)
	}

	// Same periods again with revised values: replaced, not duplicated.
	b2 := growthBatch(t, [][]string{
		{"600000.SH", "2025", "1", "0.99"},
		{"600000.SH", "2025", "2", "0.12"},
	})
	if _, err := s.Upsert(context.Background(), b2); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if n := countRows(t, s, "stock_financials_growth", ""); n != 2 {
		t.Fatalf("expected 2 rows after re-sync, got %d", n)
	}
	var yoy float64
	err := s.conn.QueryRowContext(context.Background(),
		"SELECT yoy_ni FROM stock_financials_growth WHERE ts_code = ? AND year = 2025 AND quarter = 1",
		"600000.SH").Scan(&yoy)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if yoy != 0.99 {
		t.Errorf("revision not applied: yoy_ni = %v, want 0.99", yoy)
	}
}

func TestDuckDB_UpsertEmptyStringsBecomeNull(t *testing.T) {
	s := openTestStore(t)

	b := growthBatch(t, [][]string{{"600000.SH", "2025", "1", ""}})
	if _, err := s.Upsert(context.Background(), b); err != nil {
		t.Fatalf("upsert with empty numeric: %v", err)
	}
	if n := countRows(t, s, "stock_financials_growth", "yoy_ni IS NULL"); n != 1 {
		t.Errorf("expected empty string stored as NULL, got %d null rows", n)
	}
}

func TestDuckDB_UpsertLargeBatchSpansChunks(t *testing.T) {
	s := openTestStore(t)

	// Exceed both the 500-key delete and 1000-row insert chunk sizes.
	rows := make([][]string, 0, 1500)
	for i := 0; i < 1500; i++ {
		rows = append(rows, []string{
			fmt.Sprintf("%06d.SH", i), "2025", "1", "0.10",
		})
	}
	b := growthBatch(t, rows)
	if n, err := s.Upsert(context.Background(), b); err != nil || n != 1500 {
		t.Fatalf("large upsert: n=%d err=%v", n, err)
	}
	if _, err := s.Upsert(context.Background(), growthBatch(t, rows)); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if n := countRows(t, s, "stock_financials_growth", ""); n != 1500 {
		t.Errorf("expected 1500 rows after re-upsert, got %d", n)
	}
}

// TestDuckDB_PendingEntities covers the canonical three-entity scenario:
// one entity never synced, one stale, one fresh. Only the first two are
// pending, in stable code order.
func TestDuckDB_PendingEntities(t *testing.T) {
	s := openTestStore(t)
	seedBasicInfo(t, s, "600000.SH", "600519.SH", "000001.SZ")

	now := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)

	// 600519.SH is stale (latest year 2024), 000001.SZ is fresh (2026),
	// 600000.SH has no rows at all.
	b := growthBatch(t, [][]string{
		{"600519.SH", "2024", "4", "0.10"},
		{"000001.SZ", "2026", "1", "0.20"},
	})
	if _, err := s.Upsert(context.Background(), b); err != nil {
		t.Fatalf("seed growth: %v", err)
	}

	pending, err := s.PendingEntities(context.Background(), FreshnessQuery{
		Table:          "stock_financials_growth",
		FreshnessYears: 1,
		Limit:          100,
		Now:            now,
	})
	if err != nil {
		t.Fatalf("PendingEntities: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending entities, got %v", pending)
	}
	if pending[0] != "600000.SH" || pending[1] != "600519.SH" {
		t.Errorf("pending = %v, want [600000.SH 600519.SH] in code order", pending)
	}

	// Widening the window to 3 years makes 2024 fresh again.
	pending, err = s.PendingEntities(context.Background(), FreshnessQuery{
		Table:          "stock_financials_growth",
		FreshnessYears: 3,
		Limit:          100,
		Now:            now,
	})
	if err != nil {
		t.Fatalf("PendingEntities(3y): %v", err)
	}
	if len(pending) != 1 || pending[0] != "600000.SH" {
		t.Errorf("pending(3y) = %v, want only the never-synced entity", pending)
	}
}

func TestDuckDB_PendingEntitiesPaging(t *testing.T) {
	s := openTestStore(t)
	seedBasicInfo(t, s, "600000.SH", "600519.SH", "000001.SZ", "000002.SZ")

	q := FreshnessQuery{
		Table:          "stock_financials_growth",
		FreshnessYears: 1,
		Limit:          2,
		Now:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	first, err := s.PendingEntities(context.Background(), q)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	q.Offset = 2
	second, err := s.PendingEntities(context.Background(), q)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected 2+2 paged entities, got %v / %v", first, second)
	}
	if first[0] >= second[0] {
		t.Errorf("pages out of order: %v then %v", first, second)
	}
}

func TestDuckDB_LedgerCountersAreMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	t0 := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	ok := RunRecord{
		Dataset: "growth", Status: StatusSuccess, RunAt: t0,
		Duration: 90 * time.Second, PendingBefore: 50, PendingAfter: 0, BatchCount: 50,
	}
	if err := s.RecordRun(ctx, ok); err != nil {
		t.Fatalf("first record: %v", err)
	}
	ok.RunAt = t0.Add(time.Hour)
	if err := s.RecordRun(ctx, ok); err != nil {
		t.Fatalf("second record: %v", err)
	}
	if err := s.RecordRun(ctx, RunRecord{
		Dataset: "growth", Status: StatusFailed, Message: "connection reset",
		RunAt: t0.Add(2 * time.Hour), PendingBefore: 10, PendingAfter: 10,
	}); err != nil {
		t.Fatalf("failure record: %v", err)
	}

	e, err := s.SyncStatus(ctx, "growth")
	if err != nil {
		t.Fatalf("SyncStatus: %v", err)
	}
	if e.SuccessCount != 2 || e.FailureCount != 1 {
		t.Errorf("counters = %d/%d, want 2/1", e.SuccessCount, e.FailureCount)
	}
	if e.LastStatus != StatusFailed {
		t.Errorf("last status = %q, want failed", e.LastStatus)
	}
	if e.LastMessage != "connection reset" {
		t.Errorf("last message = %q", e.LastMessage)
	}
	// A failed run must not clobber the last success timestamp.
	if !e.LastSuccessAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("last_success_at = %v, want %v", e.LastSuccessAt, t0.Add(time.Hour))
	}
	if !e.LastRunAt.Equal(t0.Add(2 * time.Hour)) {
		t.Errorf("last_run_at = %v, want %v", e.LastRunAt, t0.Add(2*time.Hour))
	}
}

func TestDuckDB_LedgerNoPendingLeavesCountersAlone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordRun(ctx, RunRecord{Dataset: "balance", Status: StatusNoPending}); err != nil {
		t.Fatalf("record no-pending: %v", err)
	}
	e, err := s.SyncStatus(ctx, "balance")
	if err != nil {
		t.Fatalf("SyncStatus: %v", err)
	}
	if e.SuccessCount != 0 || e.FailureCount != 0 {
		t.Errorf("no-pending must not move counters: %d/%d", e.SuccessCount, e.FailureCount)
	}
	if e.LastStatus != StatusNoPending {
		t.Errorf("last status = %q, want no-pending", e.LastStatus)
	}
}
