// Package rowstore layers the engine's row semantics over a tabular backend:
// key-addressed upserts with merge, per-row locking through the lock
// manager, a short-lived read cache, and the contiguous-band write batching.
package rowstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/locks"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/tabular"
)

// ErrRowNotFound is returned when a row index or key does not resolve.
var ErrRowNotFound = errors.New("rowstore: row not found")

// cacheTTL bounds how stale a cached read may be. Writers invalidate their
// own staleness; the TTL covers foreign writers on the same backend.
const cacheTTL = 60 * time.Second

// Store is safe for concurrent use.
type Store struct {
	backend tabular.Backend
	locks   *locks.Manager
	keyCol  string
	log     zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	headers map[string]headerEntry
	rows    map[rowKey]rowEntry
}

type headerEntry struct {
	headers []string
	at      time.Time
}

type rowEntry struct {
	rec tabular.Record
	at  time.Time
}

type rowKey struct {
	table string
	row   int
}

// New builds a Store. keyColumn is the primary-key column name shared by all
// request tables.
func New(backend tabular.Backend, lm *locks.Manager, keyColumn string, log zerolog.Logger) *Store {
	return &Store{
		backend: backend,
		locks:   lm,
		keyCol:  keyColumn,
		log:     log.With().Str("component", "rowstore").Logger(),
		now:     time.Now,
		headers: make(map[string]headerEntry),
		rows:    make(map[rowKey]rowEntry),
	}
}

// Backend exposes the raw grid for callers that need table management.
func (s *Store) Backend() tabular.Backend { return s.backend }

// KeyColumn returns the primary-key column name.
func (s *Store) KeyColumn() string { return s.keyCol }

// EnsureTable creates the table if absent and drops any cached header.
func (s *Store) EnsureTable(ctx context.Context, table string, headers []string) error {
	if err := s.backend.EnsureTable(ctx, table, headers); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.headers, table)
	s.mu.Unlock()
	return nil
}

// Headers returns the ordered column names, cached.
func (s *Store) Headers(ctx context.Context, table string) ([]string, error) {
	s.mu.Lock()
	if e, ok := s.headers[table]; ok && s.now().Sub(e.at) < cacheTTL {
		out := make([]string, len(e.headers))
		copy(out, e.headers)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	headers, err := s.backend.Headers(ctx, table)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.headers[table] = headerEntry{headers: headers, at: s.now()}
	s.mu.Unlock()

	out := make([]string, len(headers))
	copy(out, headers)
	return out, nil
}

// ColumnIndex resolves a column name to its position, -1 when absent.
func (s *Store) ColumnIndex(ctx context.Context, table, column string) (int, error) {
	headers, err := s.Headers(ctx, table)
	if err != nil {
		return -1, err
	}
	return tabular.ColumnIndex(headers, column), nil
}

// ReadRow returns the record at the index, serving from cache within the TTL.
func (s *Store) ReadRow(ctx context.Context, table string, row int) (tabular.Record, error) {
	s.mu.Lock()
	if e, ok := s.rows[rowKey{table, row}]; ok && s.now().Sub(e.at) < cacheTTL {
		out := cloneRecord(e.rec)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()
	return s.ReadRowFresh(ctx, table, row)
}

// ReadRowFresh bypasses the cache. Locked sections re-read through this so
// status guards never trust a pre-lock snapshot.
func (s *Store) ReadRowFresh(ctx context.Context, table string, row int) (tabular.Record, error) {
	headers, err := s.Headers(ctx, table)
	if err != nil {
		return nil, err
	}
	cells, err := s.backend.ReadRow(ctx, table, row)
	if errors.Is(err, tabular.ErrNoRow) {
		return nil, fmt.Errorf("%s row %d: %w", table, row, ErrRowNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec := tabular.ZipRecord(headers, cells)

	s.mu.Lock()
	s.rows[rowKey{table, row}] = rowEntry{rec: cloneRecord(rec), at: s.now()}
	s.mu.Unlock()
	return rec, nil
}

// Rows returns all records fresh, in row order. Sweeps use this.
func (s *Store) Rows(ctx context.Context, table string) ([]tabular.Record, error) {
	headers, err := s.Headers(ctx, table)
	if err != nil {
		return nil, err
	}
	all, err := s.backend.ReadAll(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make([]tabular.Record, len(all))
	for i, cells := range all {
		out[i] = tabular.ZipRecord(headers, cells)
	}
	return out, nil
}

// RowCount returns the number of data rows.
func (s *Store) RowCount(ctx context.Context, table string) (int, error) {
	return s.backend.RowCount(ctx, table)
}

// FindRow scans the key column for an exact match and returns the 1-based
// row index, or -1.
func (s *Store) FindRow(ctx context.Context, table, keyValue string) (int, error) {
	return s.FindRowBy(ctx, table, s.keyCol, keyValue)
}

// FindRowBy scans an arbitrary column for an exact match.
func (s *Store) FindRowBy(ctx context.Context, table, column, value string) (int, error) {
	col, err := s.ColumnIndex(ctx, table, column)
	if err != nil {
		return -1, err
	}
	if col < 0 {
		return -1, fmt.Errorf("table %s has no %q column", table, column)
	}
	vals, err := s.backend.ScanColumn(ctx, table, col)
	if err != nil {
		return -1, err
	}
	for i, v := range vals {
		if v == value {
			return i + 1, nil
		}
	}
	return -1, nil
}

// UpsertRow writes the record addressed by its key column value, appending
// when absent. With overwrite false the existing row wins wherever the
// incoming cell is blank. The append race is serialized by the request key
// lock, so two submitters of the same key produce exactly one row.
func (s *Store) UpsertRow(ctx context.Context, table string, rec tabular.Record, overwrite bool) (int, error) {
	key := rec[s.keyCol]
	if key == "" {
		return 0, fmt.Errorf("upsert into %s: record has no %q", table, s.keyCol)
	}

	var idx int
	err := s.locks.WithKeyLock(ctx, locks.RequestKey(table, key), "upsert-row", func(_ *locks.Handle, _ func() bool) error {
		headers, err := s.Headers(ctx, table)
		if err != nil {
			return err
		}
		found, err := s.FindRow(ctx, table, key)
		if err != nil {
			return err
		}

		if found < 0 {
			idx, err = s.backend.AppendRow(ctx, table, tabular.UnzipRecord(headers, rec))
			return err
		}

		idx = found
		cells := tabular.UnzipRecord(headers, rec)
		if !overwrite {
			current, err := s.backend.ReadRow(ctx, table, found)
			if err != nil {
				return err
			}
			for i := range cells {
				if cells[i] == "" && i < len(current) {
					cells[i] = current[i]
				}
			}
		}
		s.invalidateRow(table, found)
		return s.backend.WriteRange(ctx, table, found, 0, cells)
	})
	if err != nil {
		return 0, err
	}
	return idx, nil
}

// SetCell writes one cell under the row lock.
func (s *Store) SetCell(ctx context.Context, table string, row int, column, value string) error {
	return s.locks.WithRowLock(ctx, table, row, "set-cell", func(_ *locks.Handle, _ func() bool) error {
		return s.SetCellLocked(ctx, table, row, column, value)
	})
}

// SetCellLocked writes one cell for a caller that already holds a
// compatible lock.
func (s *Store) SetCellLocked(ctx context.Context, table string, row int, column, value string) error {
	return s.SetCellsLocked(ctx, table, row, tabular.Record{column: value})
}

// SetCells writes several cells under the row lock.
func (s *Store) SetCells(ctx context.Context, table string, row int, cells tabular.Record) error {
	return s.locks.WithRowLock(ctx, table, row, "set-cells", func(_ *locks.Handle, _ func() bool) error {
		return s.SetCellsLocked(ctx, table, row, cells)
	})
}

// SetCellsLocked writes several cells for a caller that already holds a
// compatible lock. Column indices that form a contiguous run are written as
// one band; gaps fall back to per-column writes.
func (s *Store) SetCellsLocked(ctx context.Context, table string, row int, cells tabular.Record) error {
	headers, err := s.Headers(ctx, table)
	if err != nil {
		return err
	}

	type colVal struct {
		idx int
		val string
	}
	items := make([]colVal, 0, len(cells))
	for col, val := range cells {
		idx := tabular.ColumnIndex(headers, col)
		if idx < 0 {
			return fmt.Errorf("table %s has no column %q", table, col)
		}
		items = append(items, colVal{idx: idx, val: val})
	}
	if len(items) == 0 {
		return nil
	}
	sort.Slice(items, func(i, j int) bool { return items[i].idx < items[j].idx })

	// Dropped up front so a failure mid-band cannot leave a stale entry.
	s.invalidateRow(table, row)

	flush := func(start int, vals []string) error {
		return s.backend.WriteRange(ctx, table, row, start, vals)
	}

	runStart := items[0].idx
	runVals := []string{items[0].val}
	for _, it := range items[1:] {
		if it.idx == runStart+len(runVals) {
			runVals = append(runVals, it.val)
			continue
		}
		if err := flush(runStart, runVals); err != nil {
			return err
		}
		runStart = it.idx
		runVals = []string{it.val}
	}
	return flush(runStart, runVals)
}

// ClearRange blanks [startCol, endCol) under the row lock.
func (s *Store) ClearRange(ctx context.Context, table string, row, startCol, endCol int) error {
	return s.locks.WithRowLock(ctx, table, row, "clear-range", func(_ *locks.Handle, _ func() bool) error {
		return s.ClearRangeLocked(ctx, table, row, startCol, endCol)
	})
}

// ClearRangeLocked blanks cells for a caller that already holds the lock.
func (s *Store) ClearRangeLocked(ctx context.Context, table string, row, startCol, endCol int) error {
	if err := s.backend.ClearRange(ctx, table, row, startCol, endCol); err != nil {
		return err
	}
	s.invalidateRow(table, row)
	return nil
}

// DeleteRowLocked removes the row for a caller holding its lock. All cached
// rows of the table are dropped because indices below shift up.
func (s *Store) DeleteRowLocked(ctx context.Context, table string, row int) error {
	if err := s.backend.DeleteRow(ctx, table, row); err != nil {
		return err
	}
	s.InvalidateTable(table)
	return nil
}

// InvalidateTable drops every cached row of the table.
func (s *Store) InvalidateTable(table string) {
	s.mu.Lock()
	for k := range s.rows {
		if k.table == table {
			delete(s.rows, k)
		}
	}
	s.mu.Unlock()
}

func (s *Store) invalidateRow(table string, row int) {
	s.mu.Lock()
	delete(s.rows, rowKey{table, row})
	s.mu.Unlock()
}

func cloneRecord(rec tabular.Record) tabular.Record {
	out := make(tabular.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
