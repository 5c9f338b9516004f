// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

// Package store implements the persistence layer: the natural-key registry,
// the idempotent upsert writers for the embedded (DuckDB) and server
// (PostgreSQL) backends, the freshness resolver, and the sync status ledger.
package store

import (
	"fmt"
)

// TableSpec describes one target table: its natural key and the column set
// the engine writes. Natural keys drive the delete-then-insert (embedded)
// and ON CONFLICT (server) upsert strategies; re-running a sync for the same
// period replaces rather than duplicates.
type TableSpec struct {
	Name    string
	Keys    []string
	Columns []string
}

// tableRegistry is the closed set of tables the engine writes. An upsert
// against a table not listed here fails fast rather than guessing a key.
var tableRegistry = map[string]TableSpec{
	"stock_basic_info": {
		Name: "stock_basic_info",
		Keys: []string{"ts_code"},
		Columns: []string{
			"ts_code", "code_name", "industry", "industry_class",
			"list_date", "delist_date", "type", "status", "updated_at",
		},
	},
	"stock_market_daily": {
		Name: "stock_market_daily",
		Keys: []string{"ts_code", "trade_date"},
		Columns: []string{
			"ts_code", "trade_date", "open", "high", "low", "close",
			"preclose", "volume", "amount", "turn", "pct_chg",
			"pe_ttm", "pb_mrq", "is_st",
		},
	},
	"stock_financials_growth": {
		Name: "stock_financials_growth",
		Keys: []string{"ts_code", "year", "quarter"},
		Columns: []string{
			"ts_code", "year", "quarter", "pub_date", "stat_date",
			"yoy_equity", "yoy_asset", "yoy_ni", "yoy_eps_basic", "yoy_pni",
		},
	},
	"stock_financials_profit": {
		Name: "stock_financials_profit",
		Keys: []string{"ts_code", "year", "quarter"},
		Columns: []string{
			"ts_code", "year", "quarter", "pub_date", "stat_date",
			"roe_avg", "np_margin", "gp_margin", "net_profit",
			"eps_ttm", "mb_revenue", "total_share", "liqa_share",
		},
	},
	"stock_financials_cashflow": {
		Name: "stock_financials_cashflow",
		Keys: []string{"ts_code", "year", "quarter"},
		Columns: []string{
			"ts_code", "year", "quarter", "pub_date", "stat_date",
			"ca_to_asset", "nca_to_asset", "tangible_asset_to_asset",
			"ebit_to_interest", "cfo_to_or", "cfo_to_np", "cfo_to_gr",
		},
	},
	"stock_financials_balance": {
		Name: "stock_financials_balance",
		Keys: []string{"ts_code", "year", "quarter"},
		Columns: []string{
			"ts_code", "year", "quarter", "pub_date", "stat_date",
			"current_ratio", "quick_ratio", "cash_ratio",
			"yoy_liability", "liability_to_asset", "asset_to_equity",
		},
	},
	"market_index_daily": {
		Name: "market_index_daily",
		Keys: []string{"index_code", "trade_date"},
		Columns: []string{
			"index_code", "index_name", "trade_date", "open", "high",
			"low", "close", "preclose", "volume", "amount", "pct_chg",
		},
	},
}

// LookupTable returns the spec for a registered table.
func LookupTable(name string) (TableSpec, error) {
	spec, ok := tableRegistry[name]
	if !ok {
		return TableSpec{}, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return spec, nil
}

// RegisteredTables returns all registered table names, for schema creation.
func RegisteredTables() []TableSpec {
	specs := make([]TableSpec, 0, len(tableRegistry))
	for _, spec := range tableRegistry {
		specs = append(specs, spec)
	}
	return specs
}

// keyIndexes resolves each key column to its position in the batch columns.
// Fails if the batch omits a key column: an upsert cannot be idempotent
// without its full natural key.
func (t TableSpec) keyIndexes(columns []string) ([]int, error) {
	idx := make([]int, 0, len(t.Keys))
	for _, key := range t.Keys {
		found := -1
		for i, col := range columns {
			if col == key {
				found = i
				break
			}
		}
		if found < 0 {
			return nil, fmt.Errorf("%w: table %s needs %q", ErrMissingKeyColumn, t.Name, key)
		}
		idx = append(idx, found)
	}
	return idx, nil
}
