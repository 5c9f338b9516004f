// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

package store

import (
	"fmt"
	"strings"
	"time"
)

// freshnessFloorYear is the earliest year the engine ever considers: data
// before 2005 is out of scope regardless of the freshness window.
const freshnessFloorYear = 2005

// FreshnessQuery resolves which entities still need syncing for one target
// table. An entity is pending when the table holds no rows for it, or its
// latest stored year is older than the freshness window.
type FreshnessQuery struct {
	// Table is the per-entity target table to inspect.
	Table string

	// FreshnessYears is the recency window; see MinYear.
	FreshnessYears int

	// Limit and Offset page through the pending set in stable ts_code
	// order, so interrupted runs resume where they left off.
	Limit  int
	Offset int

	// Codes optionally restricts resolution to an explicit entity set.
	Codes []string

	// Now anchors the window; zero means wall clock. Set in tests.
	Now time.Time
}

// MinYear returns the oldest acceptable "latest stored year":
// max(2005, current_year - (FreshnessYears - 1)). With FreshnessYears=1
// only the current year counts as fresh.
func (q FreshnessQuery) MinYear() int {
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}
	years := q.FreshnessYears
	if years < 1 {
		years = 1
	}
	minYear := now.Year() - (years - 1)
	if minYear < freshnessFloorYear {
		minYear = freshnessFloorYear
	}
	return minYear
}

// bucketExpr returns the SQL expression that extracts the year bucket from
// one row of the target table. Fundamentals carry an explicit year column;
// daily tables bucket by trade date.
func (q FreshnessQuery) bucketExpr() (string, error) {
	spec, err := LookupTable(q.Table)
	if err != nil {
		return "", err
	}
	for _, col := range spec.Columns {
		if col == "year" {
			return "year", nil
		}
	}
	for _, col := range spec.Columns {
		if col == "trade_date" {
			return "EXTRACT(YEAR FROM trade_date)", nil
		}
	}
	return "", fmt.Errorf("table %s has no year bucket column", q.Table)
}

// SQL renders the resolver query. The entity universe is stock_basic_info;
// a LEFT JOIN against the per-entity latest-year aggregate classifies each
// entity as never-synced (NULL) or stale (< min year). ph renders the n-th
// positional placeholder for the backend at hand ("?" or "$n").
//
// Only ts_code-keyed tables resolve through the universe join; index tables
// take their entity set from configuration instead.
func (q FreshnessQuery) SQL(ph func(int) string) (string, []any, error) {
	spec, err := LookupTable(q.Table)
	if err != nil {
		return "", nil, err
	}
	if spec.Keys[0] != "ts_code" {
		return "", nil, fmt.Errorf("table %s is not entity-keyed, resolve its pending set from config", q.Table)
	}
	bucket, err := q.bucketExpr()
	if err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	args := make([]any, 0, 3+len(q.Codes))
	n := 0
	next := func(v any) string {
		n++
		args = append(args, v)
		return ph(n)
	}

	fmt.Fprintf(&sb, `WITH latest AS (
	SELECT ts_code, MAX(%s) AS latest_year
	FROM %s
	GROUP BY ts_code
)
SELECT b.ts_code
FROM stock_basic_info b
LEFT JOIN latest l ON l.ts_code = b.ts_code
WHERE (l.latest_year IS NULL OR l.latest_year < %s)`, bucket, spec.Name, next(q.MinYear()))

	if len(q.Codes) > 0 {
		phs := make([]string, len(q.Codes))
		for i, code := range q.Codes {
			phs[i] = next(code)
		}
		fmt.Fprintf(&sb, "\n  AND b.ts_code IN (%s)", strings.Join(phs, ", "))
	}

	sb.WriteString("\nORDER BY b.ts_code")
	if q.Limit > 0 {
		fmt.Fprintf(&sb, "\nLIMIT %s", next(q.Limit))
		if q.Offset > 0 {
			fmt.Fprintf(&sb, " OFFSET %s", next(q.Offset))
		}
	}

	return sb.String(), args, nil
}
