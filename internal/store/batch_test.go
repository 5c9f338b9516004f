// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

package store

import (
	"errors"
	"testing"
)

func TestNewRecordBatch_UnknownTable(t *testing.T) {
	t.Parallel()

	_, err := NewRecordBatch("no_such_table", []string{"ts_code"}, nil)
	if !errors.Is(err, ErrUnknownTable) {
		t.Fatalf("expected ErrUnknownTable, got %v", err)
	}
}

func TestNewRecordBatch_MissingKeyColumn(t *testing.T) {
	t.Parallel()

	_, err := NewRecordBatch("stock_financials_growth", []string{"ts_code", "year"}, nil)
	if !errors.Is(err, ErrMissingKeyColumn) {
		t.Fatalf("expected ErrMissingKeyColumn for missing quarter, got %v", err)
	}
}

func TestNewRecordBatch_RaggedRowRejected(t *testing.T) {
	t.Parallel()

	_, err := NewRecordBatch("stock_basic_info",
		[]string{"ts_code", "code_name"},
		[][]string{{"600000.SH", "浦发银行"}, {"600519.SH"}})
	if err == nil {
		t.Fatal("expected error for ragged row")
	}
}

func TestDedupe_KeepsLastOccurrence(t *testing.T) {
	t.Parallel()

	b, err := NewRecordBatch("stock_financials_growth",
		[]string{"ts_code", "year", "quarter", "yoy_ni"},
		[][]string{
			{"600000.SH", "2025", "1", "0.10"},
			{"600519.SH", "2025", "1", "0.20"},
			{"600000.SH", "2025", "1", "0.15"}, // revision of row 0
		})
	if err != nil {
		t.Fatalf("NewRecordBatch: %v", err)
	}
	if err := b.Dedupe(); err != nil {
		t.Fatalf("Dedupe: %v", err)
	}
	if b.Len() != 2 {
		t.Fatalf("expected 2 rows after dedupe, got %d", b.Len())
	}
	// Order preserved, last revision wins.
	if b.Rows[0][0] != "600519.SH" && b.Rows[1][0] != "600519.SH" {
		t.Errorf("lost the untouched key: %v", b.Rows)
	}
	for _, row := range b.Rows {
		if row[0] == "600000.SH" && row[3] != "0.15" {
			t.Errorf("kept stale revision %v, want yoy_ni=0.15", row)
		}
	}
}

func TestDedupe_NoDuplicatesIsNoop(t *testing.T) {
	t.Parallel()

	rows := [][]string{
		{"600000.SH", "2024", "4", "0.10"},
		{"600000.SH", "2025", "1", "0.11"},
	}
	b, err := NewRecordBatch("stock_financials_growth",
		[]string{"ts_code", "year", "quarter", "yoy_ni"}, rows)
	if err != nil {
		t.Fatalf("NewRecordBatch: %v", err)
	}
	if err := b.Dedupe(); err != nil {
		t.Fatalf("Dedupe: %v", err)
	}
	if b.Len() != 2 {
		t.Errorf("distinct periods must both survive, got %d rows", b.Len())
	}
}

func TestKeys_DistinctTuplesInOrder(t *testing.T) {
	t.Parallel()

	b, err := NewRecordBatch("stock_market_daily",
		[]string{"ts_code", "trade_date", "close"},
		[][]string{
			{"600000.SH", "2025-08-28", "10.1"},
			{"600519.SH", "2025-08-28", "1500.0"},
			{"600000.SH", "2025-08-28", "10.2"},
		})
	if err != nil {
		t.Fatalf("NewRecordBatch: %v", err)
	}
	keys, err := b.Keys()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 distinct key tuples, got %d", len(keys))
	}
	if keys[0][0] != "600000.SH" || keys[0][1] != "2025-08-28" {
		t.Errorf("unexpected first key tuple: %v", keys[0])
	}
}
