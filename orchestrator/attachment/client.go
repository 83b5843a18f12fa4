// Package attachment is the boundary to the external document store holding
// request attachments. The core addresses a fixed set of named form cells,
// grants per-level editor scopes, toggles protection, and reads marked task
// sheets for validation. Rendering and storage belong to the external side.
package attachment

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned for an unknown attachment handle.
var ErrNotFound = errors.New("attachment: document not found")

// CellCompanyName holds the business unit display name on the form sheet.
const CellCompanyName = "F10"

// Form rows of the per-level approval triple.
const (
	statusRow = 17
	nameRow   = 18
	notesRow  = 19
)

// levelColumn maps approval level 0..3 to form columns C..F.
func levelColumn(level int) string {
	return string(rune('C' + level))
}

// StatusCell returns the form cell carrying the level's decision.
func StatusCell(level int) string { return fmt.Sprintf("%s%d", levelColumn(level), statusRow) }

// NameCell returns the form cell carrying the deciding actor's email.
func NameCell(level int) string { return fmt.Sprintf("%s%d", levelColumn(level), nameRow) }

// NotesCell returns the form cell carrying the level's free-text notes.
func NotesCell(level int) string { return fmt.Sprintf("%s%d", levelColumn(level), notesRow) }

// ScopeForLevel returns the editable range granted to a level's approvers.
func ScopeForLevel(level int) string {
	col := levelColumn(level)
	return fmt.Sprintf("%s%d:%s%d", col, statusRow, col, notesRow)
}

// TaskColumn describes one column of a task sheet. Mandatory columns carry
// the background marker in the external document.
type TaskColumn struct {
	Name      string
	Mandatory bool
	Rule      Rule
}

// TaskSheetData is a point-in-time copy of one marked task sheet.
type TaskSheetData struct {
	Name     string
	Columns  []TaskColumn
	StartRow int
	Rows     [][]string
}

// Client is the document store boundary.
type Client interface {
	// Clone copies the named template into a new document and returns its
	// handle. The handle doubles as the user-facing URL.
	Clone(ctx context.Context, template, name string) (string, error)

	ReadCell(ctx context.Context, handle, ref string) (string, error)
	WriteCell(ctx context.Context, handle, ref, value string) error

	// TaskSheets returns copies of every sheet marked as a task sheet.
	TaskSheets(ctx context.Context, handle string) ([]TaskSheetData, error)

	Protect(ctx context.Context, handle string) error
	Unprotect(ctx context.Context, handle string) error

	GrantEditor(ctx context.Context, handle, email, scope string) error
	ClearEditors(ctx context.Context, handle string) error
}

// CountTasks sums non-empty rows across task sheets.
func CountTasks(sheets []TaskSheetData) int {
	total := 0
	for _, sheet := range sheets {
		for _, row := range sheet.Rows {
			if !rowEmpty(row) {
				total++
			}
		}
	}
	return total
}

func rowEmpty(row []string) bool {
	for _, cell := range row {
		if cell != "" {
			return false
		}
	}
	return true
}
