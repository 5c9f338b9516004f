// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

package store

import (
	"fmt"
	"strings"
)

// RecordBatch is one upsert unit: rows for a single table sharing a column
// layout. Values are strings as returned by the provider; the database
// casts on insert per the table schema.
type RecordBatch struct {
	Table   string
	Columns []string
	Rows    [][]string
}

// NewRecordBatch validates the table against the registry and the column
// set against the table's natural key.
func NewRecordBatch(table string, columns []string, rows [][]string) (*RecordBatch, error) {
	spec, err := LookupTable(table)
	if err != nil {
		return nil, err
	}
	if _, err := spec.keyIndexes(columns); err != nil {
		return nil, err
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), len(columns))
		}
	}
	return &RecordBatch{Table: table, Columns: columns, Rows: rows}, nil
}

// Len returns the row count.
func (b *RecordBatch) Len() int {
	return len(b.Rows)
}

// Dedupe collapses rows sharing a natural key, keeping the LAST occurrence.
// Later rows are fresher: the provider emits revisions in order, and the
// async writer may accumulate multiple revisions of one key in a segment.
func (b *RecordBatch) Dedupe() error {
	spec, err := LookupTable(b.Table)
	if err != nil {
		return err
	}
	keyIdx, err := spec.keyIndexes(b.Columns)
	if err != nil {
		return err
	}

	last := make(map[string]int, len(b.Rows))
	for i, row := range b.Rows {
		last[rowKey(row, keyIdx)] = i
	}
	if len(last) == len(b.Rows) {
		return nil
	}

	deduped := make([][]string, 0, len(last))
	for i, row := range b.Rows {
		if last[rowKey(row, keyIdx)] == i {
			deduped = append(deduped, row)
		}
	}
	b.Rows = deduped
	return nil
}

// Keys returns the distinct natural-key tuples in row order.
func (b *RecordBatch) Keys() ([][]string, error) {
	spec, err := LookupTable(b.Table)
	if err != nil {
		return nil, err
	}
	keyIdx, err := spec.keyIndexes(b.Columns)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(b.Rows))
	keys := make([][]string, 0, len(b.Rows))
	for _, row := range b.Rows {
		k := rowKey(row, keyIdx)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		tuple := make([]string, len(keyIdx))
		for j, idx := range keyIdx {
			tuple[j] = row[idx]
		}
		keys = append(keys, tuple)
	}
	return keys, nil
}

// KeyIndexes resolves a table's natural-key columns to their positions in
// the given column layout.
func KeyIndexes(table string, columns []string) ([]int, error) {
	spec, err := LookupTable(table)
	if err != nil {
		return nil, err
	}
	return spec.keyIndexes(columns)
}

// RowKey renders the natural-key tuple of one row as a single map key, given
// the key positions from KeyIndexes.
func RowKey(row []string, keyIdx []int) string {
	return rowKey(row, keyIdx)
}

// rowKey builds a composite map key. The unit separator cannot appear in
// provider data, so concatenation is collision-free.
func rowKey(row []string, keyIdx []int) string {
	parts := make([]string, len(keyIdx))
	for i, idx := range keyIdx {
		parts[i] = row[idx]
	}
	return strings.Join(parts, "\x1f")
}
