// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

package store

import (
	"time"
)

// Ledger status values recorded in data_sync_status.last_status.
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusNoPending = "no-pending"
)

// RunRecord is the outcome of one sync cycle for a dataset.
type RunRecord struct {
	Dataset       string
	Status        string
	Message       string
	RunAt         time.Time
	Duration      time.Duration
	PendingBefore int
	PendingAfter  int
	BatchCount    int
}

// LedgerEntry is one row read back from data_sync_status. The counters are
// monotonic across runs; everything else reflects the latest run only.
type LedgerEntry struct {
	Dataset         string
	LastRunAt       time.Time
	LastSuccessAt   time.Time
	LastStatus      string
	LastMessage     string
	LastDurationSec float64
	PendingBefore   int64
	PendingAfter    int64
	LastBatchCount  int64
	SuccessCount    int64
	FailureCount    int64
	UpdatedAt       time.Time
}

// ledgerUpsertSQL records a run, preserving the monotonic counters and the
// last success timestamp across failed runs. Both backends support
// ON CONFLICT DO UPDATE; only the placeholder style differs.
//
// Placeholders, in order: dataset, last_run_at, last_success_at, last_status,
// last_message, last_duration_sec, pending_before, pending_after,
// last_batch_count, success_delta, failure_delta, updated_at.
const ledgerUpsertSQL = `
INSERT INTO data_sync_status
	(dataset, last_run_at, last_success_at, last_status, last_message, last_duration_sec,
	 pending_before, pending_after, last_batch_count, success_count, failure_count, updated_at)
VALUES (%[1]s, %[2]s, %[3]s, %[4]s, %[5]s, %[6]s, %[7]s, %[8]s, %[9]s, %[10]s, %[11]s, %[12]s)
ON CONFLICT (dataset) DO UPDATE SET
	last_run_at       = excluded.last_run_at,
	last_success_at   = COALESCE(excluded.last_success_at, data_sync_status.last_success_at),
	last_status       = excluded.last_status,
	last_message      = excluded.last_message,
	last_duration_sec = excluded.last_duration_sec,
	pending_before    = excluded.pending_before,
	pending_after     = excluded.pending_after,
	last_batch_count  = excluded.last_batch_count,
	success_count     = data_sync_status.success_count + excluded.success_count,
	failure_count     = data_sync_status.failure_count + excluded.failure_count,
	updated_at        = excluded.updated_at`

// ledgerSelectSQL reads one ledger row. Placeholder: dataset.
const ledgerSelectSQL = `
SELECT dataset, last_run_at, last_success_at, last_status, last_message, last_duration_sec,
       pending_before, pending_after, last_batch_count, success_count, failure_count, updated_at
FROM data_sync_status
WHERE dataset = %[1]s`

// ledgerArgs builds the positional arguments for ledgerUpsertSQL.
func ledgerArgs(rec RunRecord) []any {
	runAt := rec.RunAt
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}

	var successAt any // nil unless this run succeeded
	var successDelta, failureDelta int64
	switch rec.Status {
	case StatusSuccess:
		successAt = runAt
		successDelta = 1
	case StatusFailed:
		failureDelta = 1
	}

	return []any{
		rec.Dataset, runAt, successAt, rec.Status, rec.Message,
		rec.Duration.Seconds(), rec.PendingBefore, rec.PendingAfter,
		rec.BatchCount, successDelta, failureDelta, runAt,
	}
}
