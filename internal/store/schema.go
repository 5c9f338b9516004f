// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

package store

// Schema DDL shared by both backends. Types are restricted to the common
// subset DuckDB and PostgreSQL both accept (VARCHAR, INTEGER, BIGINT,
// DOUBLE PRECISION, DATE, TIMESTAMP) so one statement set serves both.
//
// Primary keys mirror the natural-key registry; the constraint is what makes
// the server backend's ON CONFLICT upsert possible and what catches registry
// drift on the embedded backend.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS stock_basic_info (
		ts_code        VARCHAR NOT NULL,
		code_name      VARCHAR,
		industry       VARCHAR,
		industry_class VARCHAR,
		list_date      DATE,
		delist_date    DATE,
		type           VARCHAR,
		status         VARCHAR,
		updated_at     TIMESTAMP,
		PRIMARY KEY (ts_code)
	)`,
	`CREATE TABLE IF NOT EXISTS stock_market_daily (
		ts_code    VARCHAR NOT NULL,
		trade_date DATE    NOT NULL,
		open       DOUBLE PRECISION,
		high       DOUBLE PRECISION,
		low        DOUBLE PRECISION,
		close      DOUBLE PRECISION,
		preclose   DOUBLE PRECISION,
		volume     BIGINT,
		amount     DOUBLE PRECISION,
		turn       DOUBLE PRECISION,
		pct_chg    DOUBLE PRECISION,
		pe_ttm     DOUBLE PRECISION,
		pb_mrq     DOUBLE PRECISION,
		is_st      INTEGER,
		PRIMARY KEY (ts_code, trade_date)
	)`,
	`CREATE TABLE IF NOT EXISTS stock_financials_growth (
		ts_code       VARCHAR NOT NULL,
		year          INTEGER NOT NULL,
		quarter       INTEGER NOT NULL,
		pub_date      DATE,
		stat_date     DATE,
		yoy_equity    DOUBLE PRECISION,
		yoy_asset     DOUBLE PRECISION,
		yoy_ni        DOUBLE PRECISION,
		yoy_eps_basic DOUBLE PRECISION,
		yoy_pni       DOUBLE PRECISION,
		PRIMARY KEY (ts_code, year, quarter)
	)`,
	`CREATE TABLE IF NOT EXISTS stock_financials_profit (
		ts_code     VARCHAR NOT NULL,
		year        INTEGER NOT NULL,
		quarter     INTEGER NOT NULL,
		pub_date    DATE,
		stat_date   DATE,
		roe_avg     DOUBLE PRECISION,
		np_margin   DOUBLE PRECISION,
		gp_margin   DOUBLE PRECISION,
		net_profit  DOUBLE PRECISION,
		eps_ttm     DOUBLE PRECISION,
		mb_revenue  DOUBLE PRECISION,
		total_share DOUBLE PRECISION,
		liqa_share  DOUBLE PRECISION,
		PRIMARY KEY (ts_code, year, quarter)
	)`,
	`CREATE TABLE IF NOT EXISTS stock_financials_cashflow (
		ts_code                 VARCHAR NOT NULL,
		year                    INTEGER NOT NULL,
		quarter                 INTEGER NOT NULL,
		pub_date                DATE,
		stat_date               DATE,
		ca_to_asset             DOUBLE PRECISION,
		nca_to_asset            DOUBLE PRECISION,
		tangible_asset_to_asset DOUBLE PRECISION,
		ebit_to_interest        DOUBLE PRECISION,
		cfo_to_or               DOUBLE PRECISION,
		cfo_to_np               DOUBLE PRECISION,
		cfo_to_gr               DOUBLE PRECISION,
		PRIMARY KEY (ts_code, year, quarter)
	)`,
	`CREATE TABLE IF NOT EXISTS stock_financials_balance (
		ts_code            VARCHAR NOT NULL,
		year               INTEGER NOT NULL,
		quarter            INTEGER NOT NULL,
		pub_date           DATE,
		stat_date          DATE,
		current_ratio      DOUBLE PRECISION,
		quick_ratio        DOUBLE PRECISION,
		cash_ratio         DOUBLE PRECISION,
		yoy_liability      DOUBLE PRECISION,
		liability_to_asset DOUBLE PRECISION,
		asset_to_equity    DOUBLE PRECISION,
		PRIMARY KEY (ts_code, year, quarter)
	)`,
	`CREATE TABLE IF NOT EXISTS market_index_daily (
		index_code VARCHAR NOT NULL,
		index_name VARCHAR,
		trade_date DATE    NOT NULL,
		open       DOUBLE PRECISION,
		high       DOUBLE PRECISION,
		low        DOUBLE PRECISION,
		close      DOUBLE PRECISION,
		preclose   DOUBLE PRECISION,
		volume     BIGINT,
		amount     DOUBLE PRECISION,
		pct_chg    DOUBLE PRECISION,
		PRIMARY KEY (index_code, trade_date)
	)`,
	`CREATE TABLE IF NOT EXISTS data_sync_status (
		dataset           VARCHAR NOT NULL,
		last_run_at       TIMESTAMP,
		last_success_at   TIMESTAMP,
		last_status       VARCHAR,
		last_message      VARCHAR,
		last_duration_sec DOUBLE PRECISION,
		pending_before    BIGINT,
		pending_after     BIGINT,
		last_batch_count  BIGINT,
		success_count     BIGINT DEFAULT 0,
		failure_count     BIGINT DEFAULT 0,
		updated_at        TIMESTAMP,
		PRIMARY KEY (dataset)
	)`,
}
