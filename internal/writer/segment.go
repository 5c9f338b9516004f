// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

package writer

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/wateryu2030/newhigh-zh-sub000/internal/store"
)

// Segment file layout: JSON lines. The first line is a header carrying the
// table and column layout; every following line is one row. Appends go
// straight to disk so rows survive a crash before the flush.
const (
	segmentSuffix = ".segment.jsonl"

	// failedSuffix marks segments whose flush exhausted its retries. They
	// are kept for manual inspection but never re-ingested.
	failedSuffix = ".segment.failed"
)

type segmentHeader struct {
	Table     string    `json:"table"`
	Columns   []string  `json:"columns"`
	CreatedAt time.Time `json:"created_at"`
}

// segment is one open on-disk batch for a single table. In-memory rows hold
// one entry per natural key (keep-last); the backing file is append-only, so
// superseded revisions remain on disk until the flush discards it.
type segment struct {
	table     string
	columns   []string
	rows      [][]string
	createdAt time.Time

	keyIdx []int
	index  map[string]int // natural key -> position in rows

	path string
	file *os.File
	bw   *bufio.Writer

	// ack, when non-nil, marks a drain barrier instead of data: the
	// worker closes it and moves on.
	ack chan struct{}
}

// newSegment creates the backing file and writes the header line. The table
// must be registered: dedupe needs the natural-key positions up front.
func newSegment(dir, table string, columns []string) (*segment, error) {
	keyIdx, err := store.KeyIndexes(table, columns)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%s-%s%s", table, uuid.NewString(), segmentSuffix)
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment file: %w", err)
	}

	s := &segment{
		table:     table,
		columns:   columns,
		createdAt: time.Now(),
		keyIdx:    keyIdx,
		index:     make(map[string]int),
		path:      path,
		file:      f,
		bw:        bufio.NewWriter(f),
	}
	hdr := segmentHeader{Table: table, Columns: columns, CreatedAt: s.createdAt}
	if err := s.writeLine(hdr); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return s, nil
}

// append writes rows through to the backing file and merges them into memory
// by natural key, keep-last. len(s.rows) therefore counts distinct keys, and
// that is what the writer's batch-size trigger sees.
func (s *segment) append(rows [][]string) error {
	for _, row := range rows {
		if err := s.writeLine(row); err != nil {
			return err
		}
	}
	if err := s.bw.Flush(); err != nil {
		return fmt.Errorf("flush segment file: %w", err)
	}
	for _, row := range rows {
		s.mergeRow(row)
	}
	return nil
}

// mergeRow replaces the existing revision of the row's key or appends a new
// one. Rows too short to carry the full key are appended raw; the flush-time
// batch validation rejects them with a real error.
func (s *segment) mergeRow(row []string) {
	for _, idx := range s.keyIdx {
		if idx >= len(row) {
			s.rows = append(s.rows, row)
			return
		}
	}
	key := store.RowKey(row, s.keyIdx)
	if pos, ok := s.index[key]; ok {
		s.rows[pos] = row
		return
	}
	s.index[key] = len(s.rows)
	s.rows = append(s.rows, row)
}

func (s *segment) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode segment line: %w", err)
	}
	if _, err := s.bw.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write segment line: %w", err)
	}
	return nil
}

// seal closes the backing file; the segment is ready to flush.
func (s *segment) seal() error {
	if err := s.bw.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

// discard removes the backing file after a successful flush.
func (s *segment) discard() error {
	return os.Remove(s.path)
}

// markFailed renames the backing file out of the recovery set.
func (s *segment) markFailed() error {
	return os.Rename(s.path, strings.TrimSuffix(s.path, segmentSuffix)+failedSuffix)
}

func (s *segment) age() time.Duration {
	return time.Since(s.createdAt)
}

// loadSegment reads a leftover segment file back into memory for recovery.
func loadSegment(path string) (*segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	if !sc.Scan() {
		return nil, fmt.Errorf("segment %s: empty or unreadable header", path)
	}
	var hdr segmentHeader
	if err := json.Unmarshal(sc.Bytes(), &hdr); err != nil {
		return nil, fmt.Errorf("segment %s: bad header: %w", path, err)
	}

	s := &segment{
		table:     hdr.Table,
		columns:   hdr.Columns,
		createdAt: hdr.CreatedAt,
		path:      path,
		index:     make(map[string]int),
	}
	// An unregistered table leaves keyIdx nil; rows load raw and the flush
	// drops the segment as malformed.
	s.keyIdx, _ = store.KeyIndexes(hdr.Table, hdr.Columns)
	for sc.Scan() {
		var row []string
		if err := json.Unmarshal(sc.Bytes(), &row); err != nil {
			// A torn final line from a crash mid-append: keep what parsed.
			break
		}
		if s.keyIdx == nil {
			s.rows = append(s.rows, row)
			continue
		}
		s.mergeRow(row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("segment %s: %w", path, err)
	}
	return s, nil
}

// listSegments returns leftover segment files in a cache dir.
func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), segmentSuffix) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}
