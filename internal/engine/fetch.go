// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

package engine

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/wateryu2030/newhigh-zh-sub000/internal/logging"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/provider"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/retry"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/store"
)

// fetchEntity pulls all sub-queries for one entity and hands the rows to
// the writer. Returns rows written plus the first hard failure, if any.
func (e *Engine) fetchEntity(ctx context.Context, ds Dataset, code string, opts CycleOptions) (int64, error) {
	provCode, err := provider.ToProviderCode(code)
	if err != nil {
		return 0, err
	}

	switch ds.Kind {
	case KindQuarterly:
		return e.fetchQuarterly(ctx, ds, code, provCode, opts)
	case KindDaily:
		return e.fetchDaily(ctx, ds, code, provCode, "", opts)
	default:
		return 0, fmt.Errorf("dataset %s is not entity-fetched", ds.Name)
	}
}

// fetchQuarterly walks (year, quarter) from the freshness floor to now.
// No-data periods are skipped silently. Transient failures that survive the
// retry policy feed a consecutive-failure streak; hitting the streak limit
// defers the entity's remaining periods to a later cycle instead of
// stalling the batch.
func (e *Engine) fetchQuarterly(ctx context.Context, ds Dataset, code, provCode string, opts CycleOptions) (int64, error) {
	now := opts.now()
	minYear := store.FreshnessQuery{FreshnessYears: opts.FreshnessYears, Now: opts.Now}.MinYear()

	var written int64
	var firstErr error
	streak := 0

	for year := minYear; year <= now.Year(); year++ {
		for quarter := 1; quarter <= 4; quarter++ {
			if err := ctx.Err(); err != nil {
				return written, err
			}

			params := url.Values{}
			params.Set("code", provCode)
			params.Set("year", strconv.Itoa(year))
			params.Set("quarter", strconv.Itoa(quarter))

			var rs *provider.RowSet
			op := fmt.Sprintf("%s %s %dQ%d", ds.API, code, year, quarter)
			err := retry.Do(ctx, e.policy, op, func() error {
				var qerr error
				rs, qerr = e.provider.Query(ctx, ds.API, params)
				return qerr
			})

			switch {
			case err == nil:
				streak = 0
				if rs.Empty() {
					continue
				}
				n, werr := e.writeMapped(ctx, ds, code, "", year, quarter, rs)
				if werr != nil {
					return written, werr
				}
				written += n

			case provider.IsNotFound(err):
				// No data for this period. Healthy, not a streak event.
				continue

			case provider.IsTransient(err):
				streak++
				if firstErr == nil {
					firstErr = err
				}
				if streak >= e.cfg.Provider.FailStreakLimit {
					logging.Warn().Str("dataset", ds.Name).Str("code", code).Int("streak", streak).
						Msg("Failure streak limit hit, deferring remaining periods")
					return written, fmt.Errorf("deferred after %d consecutive network failures: %w", streak, err)
				}

			default:
				// Auth-expired already got its single relogin retry in the
				// session; permanent errors are never retried. Either way
				// this period is a hard failure; keep going.
				if firstErr == nil {
					firstErr = err
				}
				logging.Warn().Err(err).Str("dataset", ds.Name).Str("code", code).
					Int("year", year).Int("quarter", quarter).Msg("Period fetch failed")
			}
		}
	}
	return written, firstErr
}

// fetchDaily pulls the entity's daily bars over the freshness window in one
// ranged query.
func (e *Engine) fetchDaily(ctx context.Context, ds Dataset, code, provCode, indexName string, opts CycleOptions) (int64, error) {
	now := opts.now()
	minYear := store.FreshnessQuery{FreshnessYears: opts.FreshnessYears, Now: opts.Now}.MinYear()

	params := url.Values{}
	params.Set("code", provCode)
	params.Set("start_date", fmt.Sprintf("%d-01-01", minYear))
	params.Set("end_date", now.Format("2006-01-02"))
	params.Set("frequency", "d")
	params.Set("adjustflag", "3")

	var rs *provider.RowSet
	op := fmt.Sprintf("%s %s", ds.API, code)
	err := retry.Do(ctx, e.policy, op, func() error {
		var qerr error
		rs, qerr = e.provider.Query(ctx, ds.API, params)
		return qerr
	})
	if err != nil {
		if provider.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	if rs.Empty() {
		return 0, nil
	}
	return e.writeMapped(ctx, ds, code, indexName, 0, 0, rs)
}

// writeMapped maps provider rows to the target layout and routes them to
// the async writer, or straight to the store when no writer is configured.
func (e *Engine) writeMapped(ctx context.Context, ds Dataset, code, indexName string, year, quarter int, rs *provider.RowSet) (int64, error) {
	batch, err := ds.mapRows(code, indexName, year, quarter, rs.Fields, rs.Rows)
	if err != nil {
		return 0, fmt.Errorf("map %s rows for %s: %w", ds.Name, code, err)
	}
	if e.writer != nil {
		if err := e.writer.Append(batch.Table, batch.Columns, batch.Rows); err != nil {
			return 0, err
		}
		return int64(batch.Len()), nil
	}
	return e.store.Upsert(ctx, batch)
}

// syncBasic refreshes the whole security universe: the basic listing plus
// the industry classification, merged by code.
func (e *Engine) syncBasic(ctx context.Context, ds Dataset, res *CycleResult) error {
	if err := e.provider.Ensure(ctx); err != nil {
		return fmt.Errorf("establish provider session: %w", err)
	}
	defer e.provider.Logout(ctx)

	var basic *provider.RowSet
	err := retry.Do(ctx, e.policy, "query_stock_basic", func() error {
		var qerr error
		basic, qerr = e.provider.Query(ctx, "query_stock_basic", nil)
		return qerr
	})
	if err != nil {
		return fmt.Errorf("fetch security universe: %w", err)
	}
	if basic.Empty() {
		res.Status = store.StatusNoPending
		return nil
	}

	industry := e.fetchIndustry(ctx)

	codeIdx := fieldIndex(basic.Fields, "code")
	nameIdx := fieldIndex(basic.Fields, "code_name")
	ipoIdx := fieldIndex(basic.Fields, "ipoDate")
	outIdx := fieldIndex(basic.Fields, "outDate")
	typeIdx := fieldIndex(basic.Fields, "type")
	statusIdx := fieldIndex(basic.Fields, "status")
	if codeIdx < 0 {
		return fmt.Errorf("security universe response missing code field (fields: %v)", basic.Fields)
	}

	updatedAt := time.Now().UTC().Format("2006-01-02 15:04:05")
	rows := make([][]string, 0, len(basic.Rows))
	for _, row := range basic.Rows {
		canonical, cerr := provider.FromProviderCode(row[codeIdx])
		if cerr != nil {
			logging.Debug().Str("code", row[codeIdx]).Msg("Skipping unrecognized security code")
			continue
		}
		ind := industry[row[codeIdx]]
		rows = append(rows, []string{
			canonical,
			fieldAt(row, nameIdx),
			ind.industry,
			ind.class,
			fieldAt(row, ipoIdx),
			fieldAt(row, outIdx),
			fieldAt(row, typeIdx),
			fieldAt(row, statusIdx),
			updatedAt,
		})
	}

	spec, err := store.LookupTable(ds.Table)
	if err != nil {
		return err
	}
	batch, err := store.NewRecordBatch(ds.Table, spec.Columns, rows)
	if err != nil {
		return err
	}
	n, err := e.store.Upsert(ctx, batch)
	if err != nil {
		return fmt.Errorf("upsert security universe: %w", err)
	}

	res.Fetched = len(rows)
	res.RowsWritten = n
	res.Status = store.StatusSuccess
	return nil
}

type industryInfo struct {
	industry string
	class    string
}

// fetchIndustry pulls the industry classification, keyed by provider-form
// code. Best effort: a missing classification degrades to empty fields.
func (e *Engine) fetchIndustry(ctx context.Context) map[string]industryInfo {
	var rs *provider.RowSet
	err := retry.Do(ctx, e.policy, "query_stock_industry", func() error {
		var qerr error
		rs, qerr = e.provider.Query(ctx, "query_stock_industry", nil)
		return qerr
	})
	if err != nil {
		if !provider.IsNotFound(err) {
			logging.Warn().Err(err).Msg("Industry classification unavailable, continuing without it")
		}
		return nil
	}

	codeIdx := fieldIndex(rs.Fields, "code")
	indIdx := fieldIndex(rs.Fields, "industry")
	classIdx := fieldIndex(rs.Fields, "industryClassification")
	if codeIdx < 0 {
		return nil
	}
	out := make(map[string]industryInfo, len(rs.Rows))
	for _, row := range rs.Rows {
		out[row[codeIdx]] = industryInfo{
			industry: fieldAt(row, indIdx),
			class:    fieldAt(row, classIdx),
		}
	}
	return out
}

// syncIndexes pulls daily bars for the fixed index universe.
func (e *Engine) syncIndexes(ctx context.Context, ds Dataset, opts CycleOptions, res *CycleResult) error {
	if err := e.provider.Ensure(ctx); err != nil {
		return fmt.Errorf("establish provider session: %w", err)
	}
	defer e.provider.Logout(ctx)

	wanted := make(map[string]bool, len(opts.Codes))
	for _, c := range opts.Codes {
		wanted[c] = true
	}

	for _, idx := range trackedIndexes {
		if err := ctx.Err(); err != nil {
			return err
		}
		canonical, err := provider.FromProviderCode(idx.Code)
		if err != nil {
			return err
		}
		if len(wanted) > 0 && !wanted[canonical] {
			continue
		}
		res.PendingBefore++

		n, ferr := e.fetchDaily(ctx, ds, canonical, idx.Code, idx.Name, opts)
		res.RowsWritten += n
		if ferr != nil {
			res.Failed++
			logging.Warn().Err(ferr).Str("index", canonical).Msg("Index sync failed")
			continue
		}
		res.Fetched++
	}

	if e.writer != nil {
		if err := e.writer.Sync(ctx); err != nil {
			return fmt.Errorf("drain writer: %w", err)
		}
	}

	res.Status = store.StatusSuccess
	if res.Failed > 0 && res.Fetched == 0 {
		res.Status = store.StatusFailed
	}
	return nil
}

// fieldIndex finds a field by name; -1 when absent.
func fieldIndex(fields []string, name string) int {
	for i, f := range fields {
		if f == name {
			return i
		}
	}
	return -1
}

// fieldAt returns row[i] or "" when the field is absent.
func fieldAt(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}
