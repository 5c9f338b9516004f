// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

// Package writer implements the asynchronous batched writer. Rows are
// appended to per-table on-disk segments; a single background worker flushes
// sealed segments into the store when they reach the batch size or age out.
// Segments on disk survive a crash and are re-ingested on the next start.
package writer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/wateryu2030/newhigh-zh-sub000/internal/config"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/logging"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/metrics"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/retry"
	"github.com/wateryu2030/newhigh-zh-sub000/internal/store"
)

// flushRetryPolicy bounds per-segment flush attempts. A segment that still
// fails afterwards is marked failed on disk and dropped from the pipeline;
// losing one batch must not wedge every batch behind it.
var flushRetryPolicy = retry.Policy{
	Tries:   3,
	Delay:   2 * time.Second,
	Backoff: 2.0,
}

// Writer accumulates rows and flushes them to the store off the sync path.
//
// Append never blocks on the database. It blocks only when the flush queue
// is full, which is the intended backpressure when the store falls behind.
type Writer struct {
	cfg   config.WriterConfig
	store store.Store

	mu   sync.Mutex
	open map[string]*segment // keyed by table

	queue  chan *segment
	done   chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc

	stopOnce sync.Once
}

// New creates the writer, re-enqueues any crash-leftover segments, and
// starts the background worker and the age-based flush ticker.
func New(cfg config.WriterConfig, st store.Store) (*Writer, error) {
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", cfg.CacheDir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		cfg:    cfg,
		store:  st,
		open:   make(map[string]*segment),
		queue:  make(chan *segment, cfg.QueueDepth),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	// The worker must be running before recovery: leftover segments can
	// outnumber the queue depth.
	w.wg.Add(2)
	go w.flushWorker(ctx)
	go w.ageTicker(ctx)

	if err := w.recover(); err != nil {
		_ = w.Stop()
		return nil, err
	}
	return w, nil
}

// recover re-enqueues segments left on disk by a previous run.
func (w *Writer) recover() error {
	paths, err := listSegments(w.cfg.CacheDir)
	if err != nil {
		return fmt.Errorf("scan cache dir: %w", err)
	}
	for _, path := range paths {
		seg, err := loadSegment(path)
		if err != nil {
			logging.Warn().Err(err).Str("path", path).Msg("Unreadable leftover segment, skipping")
			continue
		}
		if len(seg.rows) == 0 {
			_ = os.Remove(path)
			continue
		}
		logging.Info().Str("table", seg.table).Int("rows", len(seg.rows)).Str("path", path).Msg("Recovered leftover write segment")
		w.queue <- seg
	}
	return nil
}

// Append adds rows for one table. The rows hit the on-disk segment before
// Append returns; a sealed segment is handed to the worker once the batch
// size is reached.
func (w *Writer) Append(table string, columns []string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	seg, ok := w.open[table]
	if !ok {
		var err error
		seg, err = newSegment(w.cfg.CacheDir, table, columns)
		if err != nil {
			w.mu.Unlock()
			return err
		}
		w.open[table] = seg
	}
	if err := seg.append(rows); err != nil {
		w.mu.Unlock()
		return err
	}
	metrics.WriterSegmentRows.WithLabelValues(table).Set(float64(len(seg.rows)))

	var ready *segment
	if len(seg.rows) >= w.cfg.BatchSize {
		ready = seg
		delete(w.open, table)
	}
	w.mu.Unlock()

	if ready != nil {
		return w.enqueue(ready)
	}
	return nil
}

// FlushTable seals and enqueues the open segment for one table, if any.
func (w *Writer) FlushTable(table string) error {
	w.mu.Lock()
	seg, ok := w.open[table]
	if ok {
		delete(w.open, table)
	}
	w.mu.Unlock()

	if !ok || len(seg.rows) == 0 {
		if ok {
			_ = seg.seal()
			_ = seg.discard()
		}
		return nil
	}
	return w.enqueue(seg)
}

// enqueue seals the segment and hands it to the worker, blocking when the
// queue is full.
func (w *Writer) enqueue(seg *segment) error {
	if err := seg.seal(); err != nil {
		return fmt.Errorf("seal segment for %s: %w", seg.table, err)
	}
	metrics.WriterSegmentRows.WithLabelValues(seg.table).Set(0)
	w.queue <- seg
	return nil
}

// Sync seals every open segment and blocks until the worker has drained
// everything enqueued so far. Callers use it as a write barrier before
// re-reading the tables the writer feeds.
func (w *Writer) Sync(ctx context.Context) error {
	w.mu.Lock()
	var open []*segment
	for table, seg := range w.open {
		open = append(open, seg)
		delete(w.open, table)
	}
	w.mu.Unlock()

	for _, seg := range open {
		if len(seg.rows) == 0 {
			_ = seg.seal()
			_ = seg.discard()
			continue
		}
		if err := w.enqueue(seg); err != nil {
			return err
		}
	}

	barrier := &segment{ack: make(chan struct{})}
	w.queue <- barrier
	select {
	case <-barrier.ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flushAged seals segments older than the flush interval.
func (w *Writer) flushAged() {
	maxAge := time.Duration(w.cfg.FlushIntervalSeconds) * time.Second

	w.mu.Lock()
	var ready []*segment
	for table, seg := range w.open {
		if seg.age() >= maxAge && len(seg.rows) > 0 {
			ready = append(ready, seg)
			delete(w.open, table)
		}
	}
	w.mu.Unlock()

	for _, seg := range ready {
		if err := w.enqueue(seg); err != nil {
			logging.Error().Err(err).Str("table", seg.table).Msg("Failed to enqueue aged segment")
		}
	}
}

// ageTicker drives interval-based flushes.
func (w *Writer) ageTicker(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.flushAged()
		case <-ctx.Done():
			return
		}
	}
}

// flushWorker is the single consumer draining sealed segments into the
// store. A nil segment on the queue is the shutdown sentinel.
func (w *Writer) flushWorker(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.done)

	for seg := range w.queue {
		if seg == nil {
			return
		}
		if seg.ack != nil {
			close(seg.ack)
			continue
		}
		w.flushSegment(ctx, seg)
	}
}

// flushSegment upserts one sealed segment with bounded retries. On success
// the backing file is removed; after exhausted retries the segment is
// logged, marked failed on disk, and dropped.
func (w *Writer) flushSegment(ctx context.Context, seg *segment) {
	batch, err := store.NewRecordBatch(seg.table, seg.columns, seg.rows)
	if err != nil {
		logging.Error().Err(err).Str("table", seg.table).Msg("Dropping malformed segment")
		metrics.WriterFlushes.WithLabelValues(seg.table, "dropped").Inc()
		_ = seg.markFailed()
		return
	}

	op := fmt.Sprintf("flush %s", seg.table)
	err = retry.Do(ctx, flushRetryPolicy, op, func() error {
		_, uerr := w.store.Upsert(ctx, batch)
		return uerr
	})
	if err != nil {
		logging.Error().Err(err).Str("table", seg.table).Int("rows", len(seg.rows)).Msg("Segment flush failed, dropping batch")
		metrics.WriterFlushes.WithLabelValues(seg.table, "dropped").Inc()
		_ = seg.markFailed()
		return
	}

	metrics.WriterFlushes.WithLabelValues(seg.table, "success").Inc()
	logging.Debug().Str("table", seg.table).Int("rows", len(seg.rows)).Msg("Segment flushed")
	if err := seg.discard(); err != nil {
		logging.Warn().Err(err).Str("path", seg.path).Msg("Failed to remove flushed segment file")
	}
}

// Stop flushes everything still open and waits for the worker to drain,
// bounded by the configured stop timeout. Idempotent.
func (w *Writer) Stop() error {
	var stopErr error
	w.stopOnce.Do(func() {
		w.mu.Lock()
		var open []*segment
		for table, seg := range w.open {
			open = append(open, seg)
			delete(w.open, table)
		}
		w.mu.Unlock()

		for _, seg := range open {
			if len(seg.rows) == 0 {
				_ = seg.seal()
				_ = seg.discard()
				continue
			}
			if err := w.enqueue(seg); err != nil {
				logging.Error().Err(err).Str("table", seg.table).Msg("Failed to enqueue segment during shutdown")
			}
		}

		w.queue <- nil // shutdown sentinel, after all pending segments

		timeout := time.Duration(w.cfg.StopTimeoutSeconds) * time.Second
		select {
		case <-w.done:
		case <-time.After(timeout):
			stopErr = fmt.Errorf("writer stop timed out after %s with segments still queued", timeout)
		}
		w.cancel()
	})
	return stopErr
}
