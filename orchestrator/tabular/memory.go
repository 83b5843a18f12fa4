package tabular

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend is the in-memory grid used by tests and dev mode.
type MemoryBackend struct {
	mu     sync.RWMutex
	tables map[string]*memTable
}

type memTable struct {
	headers []string
	rows    [][]string
}

// NewMemoryBackend creates an empty in-memory grid.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tables: make(map[string]*memTable)}
}

func (m *MemoryBackend) Tables(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryBackend) EnsureTable(ctx context.Context, table string, headers []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[table]; ok {
		return nil
	}
	h := make([]string, len(headers))
	copy(h, headers)
	m.tables[table] = &memTable{headers: h}
	return nil
}

func (m *MemoryBackend) Headers(ctx context.Context, table string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return nil, ErrNoTable
	}
	out := make([]string, len(t.headers))
	copy(out, t.headers)
	return out, nil
}

func (m *MemoryBackend) RowCount(ctx context.Context, table string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return 0, ErrNoTable
	}
	return len(t.rows), nil
}

func (m *MemoryBackend) ReadRow(ctx context.Context, table string, row int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return nil, ErrNoTable
	}
	if row < 1 || row > len(t.rows) {
		return nil, ErrNoRow
	}
	return padCopy(t.rows[row-1], len(t.headers)), nil
}

func (m *MemoryBackend) ReadAll(ctx context.Context, table string) ([][]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return nil, ErrNoTable
	}
	out := make([][]string, len(t.rows))
	for i, r := range t.rows {
		out[i] = padCopy(r, len(t.headers))
	}
	return out, nil
}

func (m *MemoryBackend) ScanColumn(ctx context.Context, table string, col int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return nil, ErrNoTable
	}
	out := make([]string, len(t.rows))
	for i, r := range t.rows {
		if col >= 0 && col < len(r) {
			out[i] = r[col]
		}
	}
	return out, nil
}

func (m *MemoryBackend) AppendRow(ctx context.Context, table string, cells []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return 0, ErrNoTable
	}
	t.rows = append(t.rows, padCopy(cells, len(t.headers)))
	return len(t.rows), nil
}

func (m *MemoryBackend) WriteRange(ctx context.Context, table string, row, startCol int, cells []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return ErrNoTable
	}
	if row < 1 || row > len(t.rows) {
		return ErrNoRow
	}
	r := t.rows[row-1]
	if need := startCol + len(cells); need > len(r) {
		grown := make([]string, need)
		copy(grown, r)
		r = grown
		t.rows[row-1] = r
	}
	copy(r[startCol:], cells)
	return nil
}

func (m *MemoryBackend) ClearRange(ctx context.Context, table string, row, startCol, endCol int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return ErrNoTable
	}
	if row < 1 || row > len(t.rows) {
		return ErrNoRow
	}
	r := t.rows[row-1]
	for i := startCol; i < endCol && i < len(r); i++ {
		r[i] = ""
	}
	return nil
}

func (m *MemoryBackend) DeleteRow(ctx context.Context, table string, row int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return ErrNoTable
	}
	if row < 1 || row > len(t.rows) {
		return ErrNoRow
	}
	t.rows = append(t.rows[:row-1], t.rows[row:]...)
	return nil
}

func padCopy(cells []string, width int) []string {
	if width < len(cells) {
		width = len(cells)
	}
	out := make([]string, width)
	copy(out, cells)
	return out
}
