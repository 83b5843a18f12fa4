// Package tabular abstracts the spreadsheet-like backing store: named tables
// of ordered columns and indexed rows holding string cells.
//
// Data rows are 1-based (row 1 is the first row under the header) and column
// indices are 0-based into the header slice. Deleting a row shifts every row
// below it up by one, exactly like the external document store the engine
// mirrors.
package tabular

import (
	"context"
	"errors"
)

// Record is one row keyed by column name. A missing key and an empty string
// both mean a blank cell.
type Record map[string]string

var (
	// ErrNoTable is returned for operations on a table that does not exist.
	ErrNoTable = errors.New("tabular: no such table")
	// ErrNoRow is returned for row indices outside the table.
	ErrNoRow = errors.New("tabular: no such row")
)

// Backend is the raw grid contract. Implementations are safe for concurrent
// use; higher-level serialization (row locks, caching, merge semantics) is
// layered on by the rowstore package.
type Backend interface {
	// Tables lists all table names.
	Tables(ctx context.Context) ([]string, error)

	// EnsureTable creates the table with the given header if it does not
	// exist. An existing table keeps its header.
	EnsureTable(ctx context.Context, table string, headers []string) error

	// Headers returns the ordered column names.
	Headers(ctx context.Context, table string) ([]string, error)

	// RowCount returns the number of data rows.
	RowCount(ctx context.Context, table string) (int, error)

	// ReadRow returns the positional cells of one row, padded with empty
	// strings to the header length.
	ReadRow(ctx context.Context, table string, row int) ([]string, error)

	// ReadAll returns every data row in index order.
	ReadAll(ctx context.Context, table string) ([][]string, error)

	// ScanColumn returns the cell at column col for every row, in row order.
	ScanColumn(ctx context.Context, table string, col int) ([]string, error)

	// AppendRow adds a row below the last one and returns its index.
	AppendRow(ctx context.Context, table string, cells []string) (int, error)

	// WriteRange overwrites a contiguous band of cells on one row starting
	// at startCol.
	WriteRange(ctx context.Context, table string, row, startCol int, cells []string) error

	// ClearRange blanks the cells in [startCol, endCol) on one row.
	ClearRange(ctx context.Context, table string, row, startCol, endCol int) error

	// DeleteRow removes one row; rows below shift up.
	DeleteRow(ctx context.Context, table string, row int) error
}

// ZipRecord pairs a positional row with its header into a Record.
func ZipRecord(headers, cells []string) Record {
	rec := make(Record, len(headers))
	for i, h := range headers {
		if i < len(cells) {
			rec[h] = cells[i]
		} else {
			rec[h] = ""
		}
	}
	return rec
}

// UnzipRecord renders a Record into positional cells under the header.
// Columns absent from the record become blank cells.
func UnzipRecord(headers []string, rec Record) []string {
	cells := make([]string, len(headers))
	for i, h := range headers {
		cells[i] = rec[h]
	}
	return cells
}

// ColumnIndex returns the position of a column name, or -1.
func ColumnIndex(headers []string, name string) int {
	for i, h := range headers {
		if h == name {
			return i
		}
	}
	return -1
}
