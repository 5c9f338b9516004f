// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wateryu2030/newhigh-zh-sub000/internal/store"
)

// DatasetKind selects the fetch shape for a dataset.
type DatasetKind int

const (
	// KindQuarterly fetches per entity, per (year, quarter).
	KindQuarterly DatasetKind = iota
	// KindDaily fetches per entity over a date range.
	KindDaily
	// KindBasic fetches the full security universe in one pass.
	KindBasic
	// KindIndex fetches per index code over a date range.
	KindIndex
)

// Dataset describes one syncable dataset: its target table, the provider
// API it pulls from, and how provider fields map onto table columns.
type Dataset struct {
	Name  string
	Table string
	API   string
	Kind  DatasetKind

	// fieldMap maps target columns to provider field names. Columns not
	// listed are derived (ts_code, year, quarter) or absent.
	fieldMap map[string]string

	// textCols lists columns exempt from numeric scrubbing.
	textCols map[string]bool
}

var datasets = map[string]Dataset{
	"basic": {
		Name:  "basic",
		Table: "stock_basic_info",
		API:   "query_stock_basic",
		Kind:  KindBasic,
	},
	"daily": {
		Name:  "daily",
		Table: "stock_market_daily",
		API:   "query_history_k_data_plus",
		Kind:  KindDaily,
		fieldMap: map[string]string{
			"trade_date": "date",
			"open":       "open",
			"high":       "high",
			"low":        "low",
			"close":      "close",
			"preclose":   "preclose",
			"volume":     "volume",
			"amount":     "amount",
			"turn":       "turn",
			"pct_chg":    "pctChg",
			"pe_ttm":     "peTTM",
			"pb_mrq":     "pbMRQ",
			"is_st":      "isST",
		},
		textCols: map[string]bool{"trade_date": true},
	},
	"growth": {
		Name:  "growth",
		Table: "stock_financials_growth",
		API:   "query_growth_data",
		Kind:  KindQuarterly,
		fieldMap: map[string]string{
			"pub_date":      "pubDate",
			"stat_date":     "statDate",
			"yoy_equity":    "YOYEquity",
			"yoy_asset":     "YOYAsset",
			"yoy_ni":        "YOYNI",
			"yoy_eps_basic": "YOYEPSBasic",
			"yoy_pni":       "YOYPNI",
		},
		textCols: map[string]bool{"pub_date": true, "stat_date": true},
	},
	"profit": {
		Name:  "profit",
		Table: "stock_financials_profit",
		API:   "query_profit_data",
		Kind:  KindQuarterly,
		fieldMap: map[string]string{
			"pub_date":    "pubDate",
			"stat_date":   "statDate",
			"roe_avg":     "roeAvg",
			"np_margin":   "npMargin",
			"gp_margin":   "gpMargin",
			"net_profit":  "netProfit",
			"eps_ttm":     "epsTTM",
			"mb_revenue":  "MBRevenue",
			"total_share": "totalShare",
			"liqa_share":  "liqaShare",
		},
		textCols: map[string]bool{"pub_date": true, "stat_date": true},
	},
	"cashflow": {
		Name:  "cashflow",
		Table: "stock_financials_cashflow",
		API:   "query_cash_flow_data",
		Kind:  KindQuarterly,
		fieldMap: map[string]string{
			"pub_date":                "pubDate",
			"stat_date":               "statDate",
			"ca_to_asset":             "CAToAsset",
			"nca_to_asset":            "NCAToAsset",
			"tangible_asset_to_asset": "tangibleAssetToAsset",
			"ebit_to_interest":        "ebitToInterest",
			"cfo_to_or":               "CFOToOR",
			"cfo_to_np":               "CFOToNP",
			"cfo_to_gr":               "CFOToGR",
		},
		textCols: map[string]bool{"pub_date": true, "stat_date": true},
	},
	"balance": {
		Name:  "balance",
		Table: "stock_financials_balance",
		API:   "query_balance_data",
		Kind:  KindQuarterly,
		fieldMap: map[string]string{
			"pub_date":           "pubDate",
			"stat_date":          "statDate",
			"current_ratio":      "currentRatio",
			"quick_ratio":        "quickRatio",
			"cash_ratio":         "cashRatio",
			"yoy_liability":      "YOYLiability",
			"liability_to_asset": "liabilityToAsset",
			"asset_to_equity":    "assetToEquity",
		},
		textCols: map[string]bool{"pub_date": true, "stat_date": true},
	},
	"index": {
		Name:  "index",
		Table: "market_index_daily",
		API:   "query_history_k_data_plus",
		Kind:  KindIndex,
		fieldMap: map[string]string{
			"trade_date": "date",
			"open":       "open",
			"high":       "high",
			"low":        "low",
			"close":      "close",
			"preclose":   "preclose",
			"volume":     "volume",
			"amount":     "amount",
			"pct_chg":    "pctChg",
		},
		textCols: map[string]bool{"trade_date": true, "index_name": true},
	},
}

// trackedIndexes is the fixed index universe, provider-form code to display
// name. Index datasets take their entity set from here, not from the
// security universe.
var trackedIndexes = []struct {
	Code string
	Name string
}{
	{"sh.000001", "上证综合指数"},
	{"sz.399001", "深证成份指数"},
	{"sh.000300", "沪深300指数"},
	{"sh.000016", "上证50指数"},
	{"sh.000905", "中证500指数"},
	{"sz.399006", "创业板指数"},
}

// LookupDataset resolves a dataset by name.
func LookupDataset(name string) (Dataset, error) {
	ds, ok := datasets[name]
	if !ok {
		return Dataset{}, fmt.Errorf("unknown dataset %q (known: %s)",
			name, strings.Join(DatasetNames(), ", "))
	}
	return ds, nil
}

// DatasetNames returns all dataset names in a stable order.
func DatasetNames() []string {
	return []string{"basic", "daily", "growth", "profit", "cashflow", "balance", "index"}
}

// scrubNumeric normalizes one numeric field from the provider: trims
// whitespace and blanks out anything that does not parse as a float, so the
// database cast cannot fail on placeholder garbage.
func scrubNumeric(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if _, err := strconv.ParseFloat(v, 64); err != nil {
		return ""
	}
	return v
}

// mapRows converts provider rows into a batch aligned to the target table's
// registered column order. entity is the canonical code (600000.SH); year
// and quarter apply only to quarterly datasets.
func (ds Dataset) mapRows(entity, indexName string, year, quarter int, fields []string, rows [][]string) (*store.RecordBatch, error) {
	spec, err := store.LookupTable(ds.Table)
	if err != nil {
		return nil, err
	}

	fieldIdx := make(map[string]int, len(fields))
	for i, f := range fields {
		fieldIdx[f] = i
	}

	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		mapped := make([]string, len(spec.Columns))
		for i, col := range spec.Columns {
			switch col {
			case "ts_code", "index_code":
				mapped[i] = entity
				continue
			case "index_name":
				mapped[i] = indexName
				continue
			case "year":
				mapped[i] = strconv.Itoa(year)
				continue
			case "quarter":
				mapped[i] = strconv.Itoa(quarter)
				continue
			}

			src, ok := ds.fieldMap[col]
			if !ok {
				continue // column not fed by this dataset
			}
			idx, ok := fieldIdx[src]
			if !ok || idx >= len(row) {
				continue // provider omitted the field
			}
			v := row[idx]
			if !ds.textCols[col] {
				v = scrubNumeric(v)
			} else {
				v = strings.TrimSpace(v)
			}
			mapped[i] = v
		}
		out = append(out, mapped)
	}

	return store.NewRecordBatch(ds.Table, spec.Columns, out)
}
