// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

package engine

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/wateryu2030/newhigh-zh-sub000/internal/config"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/provider"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/store"
)

// fakeQuerier dispatches queries to a handler and counts calls.
type fakeQuerier struct {
	mu      sync.Mutex
	calls   int
	handler func(api string, params url.Values) (*provider.RowSet, error)
}

func (f *fakeQuerier) Ensure(ctx context.Context) error { return nil }
func (f *fakeQuerier) Logout(ctx context.Context)       {}
func (f *fakeQuerier) Query(ctx context.Context, api string, params url.Values) (*provider.RowSet, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.handler(api, params)
}

func (f *fakeQuerier) queryCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// memStore tracks upserted rows per table and resolves the pending set from
// what has actually been written, mimicking the freshness resolver.
type memStore struct {
	mu       sync.Mutex
	universe []string
	// latestYear[code] is the max year bucket written for the code.
	latestYear map[string]int
	rows       int64
	runs       []store.RunRecord
}

func newMemStore(universe ...string) *memStore {
	return &memStore{universe: universe, latestYear: map[string]int{}}
}

func (m *memStore) Upsert(ctx context.Context, b *store.RecordBatch) (int64, error) {
	if err := b.Dedupe(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	yearIdx := -1
	codeIdx := -1
	for i, col := range b.Columns {
		switch col {
		case "year":
			yearIdx = i
		case "ts_code":
			codeIdx = i
		}
	}
	for _, row := range b.Rows {
		if yearIdx >= 0 && codeIdx >= 0 {
			var y int
			for _, r := range row[yearIdx] {
				y = y*10 + int(r-'0')
			}
			if y > m.latestYear[row[codeIdx]] {
				m.latestYear[row[codeIdx]] = y
			}
		}
	}
	m.rows += int64(len(b.Rows))
	return int64(len(b.Rows)), nil
}

func (m *memStore) PendingEntities(ctx context.Context, q store.FreshnessQuery) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	minYear := q.MinYear()
	var out []string
	for _, code := range m.universe {
		if len(q.Codes) > 0 && !containsStr(q.Codes, code) {
			continue
		}
		if y, ok := m.latestYear[code]; !ok || y < minYear {
			out = append(out, code)
		}
	}
	return out, nil
}

func (m *memStore) RecordRun(ctx context.Context, rec store.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, rec)
	return nil
}

func (m *memStore) SyncStatus(ctx context.Context, dataset string) (*store.LedgerEntry, error) {
	return nil, nil
}
func (m *memStore) EnsureSchema(ctx context.Context) error { return nil }
func (m *memStore) Close() error                           { return nil }

func (m *memStore) lastRun() store.RunRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[len(m.runs)-1]
}

func containsStr(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func testConfig() *config.Config {
	return &config.Config{
		Provider: config.ProviderConfig{
			BaseURL:         "http://127.0.0.1:8565",
			TimeoutSeconds:  5,
			FailStreakLimit: 6,
		},
		Sync: config.SyncConfig{
			BatchLimit:        50,
			FreshnessYears:    2,
			RetryAttempts:     5,
			RetryDelaySeconds: 0.001, // keep tests fast
			RetryBackoff:      1.8,
		},
	}
}

var growthFields = []string{"code", "pubDate", "statDate", "YOYEquity", "YOYAsset", "YOYNI", "YOYEPSBasic", "YOYPNI"}

func growthRows(code string, n int) *provider.RowSet {
	rows := make([][]string, n)
	for i := range rows {
		rows[i] = []string{code, "2025-04-30", "2025-03-31", "0.05", "0.06", "0.07", "0.08", "0.09"}
	}
	return &provider.RowSet{Fields: growthFields, Rows: rows}
}

func notFound() error {
	return &provider.Error{Kind: provider.KindNotFound, Code: "10002007", Message: "数据不存在"}
}

// TestRunCycle_ThreeEntityScenario: A yields 10 rows (2024), B has no data,
// C fails transiently three times then yields 5 rows (2023). One cycle with
// a two-year window anchored at 2024 must land 15 rows, drain the pending
// set, and record exactly one success in the ledger.
func TestRunCycle_ThreeEntityScenario(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	st := newMemStore("000001.SZ", "600000.SH", "600519.SH")

	cFailures := 0
	fq := &fakeQuerier{handler: func(api string, params url.Values) (*provider.RowSet, error) {
		code := params.Get("code")
		year, quarter := params.Get("year"), params.Get("quarter")
		switch code {
		case "sz.000001": // A: 10 rows in 2024 Q1
			if year == "2024" && quarter == "1" {
				return growthRows(code, 10), nil
			}
			return nil, notFound()
		case "sh.600000": // B: nothing at all
			return nil, notFound()
		case "sh.600519": // C: three network errors, then 5 rows in 2023 Q1
			if year == "2023" && quarter == "1" {
				if cFailures < 3 {
					cFailures++
					return nil, &provider.Error{Kind: provider.KindTransient, Message: "connection reset"}
				}
				return growthRows(code, 5), nil
			}
			return nil, notFound()
		}
		return nil, notFound()
	}}

	e := New(testConfig(), st, nil, fq)
	res, err := e.RunCycle(context.Background(), CycleOptions{
		Dataset:        "growth",
		Limit:          50,
		FreshnessYears: 2,
		Now:            now,
	})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if res.RowsWritten != 15 {
		t.Errorf("rows written = %d, want 15", res.RowsWritten)
	}
	if res.PendingBefore != 3 {
		t.Errorf("pending before = %d, want 3", res.PendingBefore)
	}
	// B never gains rows, so it stays pending; A (2024) and C (2023) both
	// satisfy the two-year window.
	if res.PendingAfter != 1 {
		t.Errorf("pending after = %d, want 1 (the no-data entity)", res.PendingAfter)
	}
	if res.Failed != 0 {
		t.Errorf("failed = %d, want 0 (transient errors were retried away)", res.Failed)
	}
	if res.Status != store.StatusSuccess {
		t.Errorf("status = %q, want success", res.Status)
	}

	rec := st.lastRun()
	if rec.Dataset != "growth" || rec.Status != store.StatusSuccess {
		t.Errorf("ledger run = %+v", rec)
	}
	if cFailures != 3 {
		t.Errorf("C transient failures consumed = %d, want 3", cFailures)
	}
}

func TestRunCycle_NoPending(t *testing.T) {
	st := newMemStore("600000.SH")
	st.latestYear["600000.SH"] = 2026

	fq := &fakeQuerier{handler: func(api string, params url.Values) (*provider.RowSet, error) {
		t.Error("no provider call expected with an empty pending set")
		return nil, notFound()
	}}

	e := New(testConfig(), st, nil, fq)
	res, err := e.RunCycle(context.Background(), CycleOptions{
		Dataset:        "growth",
		FreshnessYears: 1,
		Now:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Status != store.StatusNoPending {
		t.Errorf("status = %q, want no-pending", res.Status)
	}
	if st.lastRun().Status != store.StatusNoPending {
		t.Errorf("ledger status = %q, want no-pending", st.lastRun().Status)
	}
}

func TestRunCycle_StreakLimitDefersEntity(t *testing.T) {
	st := newMemStore("600000.SH")
	cfg := testConfig()
	cfg.Provider.FailStreakLimit = 2
	cfg.Sync.RetryAttempts = 1 // each period fails once, no inner retries

	fq := &fakeQuerier{handler: func(api string, params url.Values) (*provider.RowSet, error) {
		return nil, &provider.Error{Kind: provider.KindTransient, Message: "connection reset"}
	}}

	e := New(cfg, st, nil, fq)
	res, err := e.RunCycle(context.Background(), CycleOptions{
		Dataset:        "growth",
		FreshnessYears: 1, // one year, four quarters
		Now:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	// Deferred after 2 consecutive failures: only 2 of 4 periods queried.
	if got := fq.queryCalls(); got != 2 {
		t.Errorf("provider calls = %d, want 2 (remaining periods deferred)", got)
	}
	if res.Failed != 1 {
		t.Errorf("failed entities = %d, want 1", res.Failed)
	}
	if res.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed (no entity succeeded)", res.Status)
	}
}

func TestRunCycle_LimitAndOffsetSliceTheBatch(t *testing.T) {
	st := newMemStore("000001.SZ", "000002.SZ", "600000.SH", "600519.SH")

	var queried []string
	var mu sync.Mutex
	fq := &fakeQuerier{handler: func(api string, params url.Values) (*provider.RowSet, error) {
		mu.Lock()
		code := params.Get("code")
		if !containsStr(queried, code) {
			queried = append(queried, code)
		}
		mu.Unlock()
		return nil, notFound()
	}}

	e := New(testConfig(), st, nil, fq)
	res, err := e.RunCycle(context.Background(), CycleOptions{
		Dataset:        "growth",
		Limit:          2,
		Offset:         1,
		FreshnessYears: 1,
		Now:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if len(queried) != 2 {
		t.Fatalf("queried %v, want exactly 2 entities", queried)
	}
	if queried[0] != "sz.000002" || queried[1] != "sh.600000" {
		t.Errorf("queried %v, want offset to skip the first entity", queried)
	}
	if res.PendingBefore != 4 {
		t.Errorf("pending before = %d, want the full set size 4", res.PendingBefore)
	}
}

func TestRunCycle_CodesBypassResolution(t *testing.T) {
	st := newMemStore("000001.SZ", "600000.SH", "600519.SH")

	var queried []string
	var mu sync.Mutex
	fq := &fakeQuerier{handler: func(api string, params url.Values) (*provider.RowSet, error) {
		mu.Lock()
		code := params.Get("code")
		if !containsStr(queried, code) {
			queried = append(queried, code)
		}
		mu.Unlock()
		return nil, notFound()
	}}

	e := New(testConfig(), st, nil, fq)
	_, err := e.RunCycle(context.Background(), CycleOptions{
		Dataset:        "growth",
		Codes:          []string{"600519.SH"},
		FreshnessYears: 1,
		Now:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(queried) != 1 || queried[0] != "sh.600519" {
		t.Errorf("queried %v, want only the explicit code", queried)
	}
}

func TestRunCycle_CodesForceResyncFreshEntity(t *testing.T) {
	st := newMemStore("600000.SH")
	st.latestYear["600000.SH"] = 2026 // already fresh

	var queried []string
	var mu sync.Mutex
	fq := &fakeQuerier{handler: func(api string, params url.Values) (*provider.RowSet, error) {
		mu.Lock()
		code := params.Get("code")
		if !containsStr(queried, code) {
			queried = append(queried, code)
		}
		mu.Unlock()
		return nil, notFound()
	}}

	e := New(testConfig(), st, nil, fq)
	// One fresh code, one code absent from the reference universe, plus a
	// duplicate. All explicit codes are fetched, deduped, freshness ignored.
	res, err := e.RunCycle(context.Background(), CycleOptions{
		Dataset:        "growth",
		Codes:          []string{"600000.SH", "300750.SZ", "600000.SH"},
		FreshnessYears: 1,
		Now:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if len(queried) != 2 {
		t.Fatalf("queried %v, want both explicit codes exactly once", queried)
	}
	if queried[0] != "sh.600000" || queried[1] != "sz.300750" {
		t.Errorf("queried %v, want explicit list order", queried)
	}
	if res.PendingBefore != 2 {
		t.Errorf("pending before = %d, want the deduped explicit list size 2", res.PendingBefore)
	}
}

func TestRun_MultipleDatasets(t *testing.T) {
	st := newMemStore("600000.SH")
	fq := &fakeQuerier{handler: func(api string, params url.Values) (*provider.RowSet, error) {
		return nil, notFound()
	}}

	e := New(testConfig(), st, nil, fq)
	results, err := e.Run(context.Background(), RunOptions{
		Datasets: []string{"growth", "profit"},
		Cycle: CycleOptions{
			FreshnessYears: 1,
			Now:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 cycle results, got %d", len(results))
	}
	if results[0].Dataset != "growth" || results[1].Dataset != "profit" {
		t.Errorf("datasets out of order: %v, %v", results[0].Dataset, results[1].Dataset)
	}
}

func TestRun_CancellationBetweenDatasets(t *testing.T) {
	st := newMemStore("600000.SH")
	ctx, cancel := context.WithCancel(context.Background())

	fq := &fakeQuerier{handler: func(api string, params url.Values) (*provider.RowSet, error) {
		cancel() // cancel mid-first-dataset
		return nil, notFound()
	}}

	e := New(testConfig(), st, nil, fq)
	_, err := e.Run(ctx, RunOptions{
		Datasets: []string{"growth", "profit"},
		Cycle: CycleOptions{
			FreshnessYears: 1,
			Now:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	})
	if err == nil {
		t.Fatal("expected context cancellation to surface")
	}
}
