package attachment

import (
	"context"
	"fmt"
	"sync"
)

// Doc is a document held by the in-memory store.
type Doc struct {
	Handle    string
	Name      string
	Cells     map[string]string
	Sheets    []TaskSheetData
	Protected bool
	Editors   map[string]string
}

// MemStore is an in-memory Client. It backs tests and single-node
// deployments without the external document service.
type MemStore struct {
	mu        sync.RWMutex
	seq       int
	templates map[string]*Doc
	docs      map[string]*Doc
}

func NewMemStore() *MemStore {
	return &MemStore{
		templates: make(map[string]*Doc),
		docs:      make(map[string]*Doc),
	}
}

// RegisterTemplate installs a clonable template. Cells and sheets are copied
// on clone, never aliased.
func (m *MemStore) RegisterTemplate(name string, cells map[string]string, sheets []TaskSheetData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[name] = &Doc{Name: name, Cells: cells, Sheets: sheets}
}

func (m *MemStore) Clone(_ context.Context, template, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tpl, ok := m.templates[template]
	if !ok {
		return "", fmt.Errorf("clone template %q: %w", template, ErrNotFound)
	}
	m.seq++
	handle := fmt.Sprintf("memdoc://%d", m.seq)
	m.docs[handle] = &Doc{
		Handle:  handle,
		Name:    name,
		Cells:   copyCells(tpl.Cells),
		Sheets:  copySheets(tpl.Sheets),
		Editors: make(map[string]string),
	}
	return handle, nil
}

func (m *MemStore) ReadCell(_ context.Context, handle, ref string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[handle]
	if !ok {
		return "", fmt.Errorf("read %s: %w", handle, ErrNotFound)
	}
	return doc.Cells[ref], nil
}

func (m *MemStore) WriteCell(_ context.Context, handle, ref, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[handle]
	if !ok {
		return fmt.Errorf("write %s: %w", handle, ErrNotFound)
	}
	if doc.Cells == nil {
		doc.Cells = make(map[string]string)
	}
	doc.Cells[ref] = value
	return nil
}

func (m *MemStore) TaskSheets(_ context.Context, handle string) ([]TaskSheetData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[handle]
	if !ok {
		return nil, fmt.Errorf("task sheets %s: %w", handle, ErrNotFound)
	}
	return copySheets(doc.Sheets), nil
}

// SetTaskRows replaces a sheet's task rows. Tests use this to simulate the
// requester filling the document.
func (m *MemStore) SetTaskRows(handle, sheet string, rows [][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[handle]
	if !ok {
		return fmt.Errorf("set tasks %s: %w", handle, ErrNotFound)
	}
	for i := range doc.Sheets {
		if doc.Sheets[i].Name == sheet {
			doc.Sheets[i].Rows = copyRows(rows)
			return nil
		}
	}
	return fmt.Errorf("set tasks %s: no sheet %q", handle, sheet)
}

func (m *MemStore) Protect(_ context.Context, handle string) error {
	return m.setProtected(handle, true)
}

func (m *MemStore) Unprotect(_ context.Context, handle string) error {
	return m.setProtected(handle, false)
}

func (m *MemStore) setProtected(handle string, v bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[handle]
	if !ok {
		return fmt.Errorf("protect %s: %w", handle, ErrNotFound)
	}
	doc.Protected = v
	return nil
}

func (m *MemStore) GrantEditor(_ context.Context, handle, email, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[handle]
	if !ok {
		return fmt.Errorf("grant %s: %w", handle, ErrNotFound)
	}
	doc.Editors[email] = scope
	return nil
}

func (m *MemStore) ClearEditors(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[handle]
	if !ok {
		return fmt.Errorf("clear editors %s: %w", handle, ErrNotFound)
	}
	doc.Editors = make(map[string]string)
	return nil
}

// Inspect returns a deep copy of the document for assertions.
func (m *MemStore) Inspect(handle string) (Doc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[handle]
	if !ok {
		return Doc{}, false
	}
	out := Doc{
		Handle:    doc.Handle,
		Name:      doc.Name,
		Cells:     copyCells(doc.Cells),
		Sheets:    copySheets(doc.Sheets),
		Protected: doc.Protected,
		Editors:   make(map[string]string, len(doc.Editors)),
	}
	for k, v := range doc.Editors {
		out.Editors[k] = v
	}
	return out, true
}

func copyCells(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copySheets(in []TaskSheetData) []TaskSheetData {
	out := make([]TaskSheetData, len(in))
	for i, s := range in {
		cols := make([]TaskColumn, len(s.Columns))
		copy(cols, s.Columns)
		out[i] = TaskSheetData{
			Name:     s.Name,
			Columns:  cols,
			StartRow: s.StartRow,
			Rows:     copyRows(s.Rows),
		}
	}
	return out
}

func copyRows(in [][]string) [][]string {
	out := make([][]string, len(in))
	for i, r := range in {
		row := make([]string, len(r))
		copy(row, r)
		out[i] = row
	}
	return out
}
