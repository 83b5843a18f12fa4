package tabular

import (
	"context"
	"errors"
	"testing"
)

func newTestTable(t *testing.T) *MemoryBackend {
	t.Helper()
	m := NewMemoryBackend()
	ctx := context.Background()
	if err := m.EnsureTable(ctx, "Requests", []string{"Request Number", "Status", "Owner"}); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	return m
}

func TestAppendAndRead(t *testing.T) {
	m := newTestTable(t)
	ctx := context.Background()

	idx, err := m.AppendRow(ctx, "Requests", []string{"R-1", "pending"})
	if err != nil {
		t.Fatalf("AppendRow: %v", err)
	}
	if idx != 1 {
		t.Fatalf("first row index = %d, want 1", idx)
	}

	cells, err := m.ReadRow(ctx, "Requests", 1)
	if err != nil {
		t.Fatalf("ReadRow: %v", err)
	}
	if len(cells) != 3 {
		t.Fatalf("row not padded to header width: %v", cells)
	}
	if cells[0] != "R-1" || cells[2] != "" {
		t.Errorf("unexpected cells: %v", cells)
	}
}

func TestReadRowOutOfRange(t *testing.T) {
	m := newTestTable(t)
	ctx := context.Background()

	if _, err := m.ReadRow(ctx, "Requests", 1); !errors.Is(err, ErrNoRow) {
		t.Errorf("empty table read: err = %v, want ErrNoRow", err)
	}
	if _, err := m.ReadRow(ctx, "Missing", 1); !errors.Is(err, ErrNoTable) {
		t.Errorf("missing table read: err = %v, want ErrNoTable", err)
	}
}

func TestWriteRangeGrowsRow(t *testing.T) {
	m := newTestTable(t)
	ctx := context.Background()

	if _, err := m.AppendRow(ctx, "Requests", []string{"R-1"}); err != nil {
		t.Fatalf("AppendRow: %v", err)
	}
	if err := m.WriteRange(ctx, "Requests", 1, 1, []string{"approved", "alice"}); err != nil {
		t.Fatalf("WriteRange: %v", err)
	}
	cells, _ := m.ReadRow(ctx, "Requests", 1)
	if cells[1] != "approved" || cells[2] != "alice" {
		t.Errorf("range write not applied: %v", cells)
	}
}

func TestClearRange(t *testing.T) {
	m := newTestTable(t)
	ctx := context.Background()

	m.AppendRow(ctx, "Requests", []string{"R-1", "approved", "alice"})
	if err := m.ClearRange(ctx, "Requests", 1, 1, 3); err != nil {
		t.Fatalf("ClearRange: %v", err)
	}
	cells, _ := m.ReadRow(ctx, "Requests", 1)
	if cells[0] != "R-1" || cells[1] != "" || cells[2] != "" {
		t.Errorf("clear range wrong: %v", cells)
	}
}

func TestDeleteRowShiftsIndices(t *testing.T) {
	m := newTestTable(t)
	ctx := context.Background()

	m.AppendRow(ctx, "Requests", []string{"R-1"})
	m.AppendRow(ctx, "Requests", []string{"R-2"})
	m.AppendRow(ctx, "Requests", []string{"R-3"})

	if err := m.DeleteRow(ctx, "Requests", 2); err != nil {
		t.Fatalf("DeleteRow: %v", err)
	}

	n, _ := m.RowCount(ctx, "Requests")
	if n != 2 {
		t.Fatalf("row count after delete = %d, want 2", n)
	}
	cells, _ := m.ReadRow(ctx, "Requests", 2)
	if cells[0] != "R-3" {
		t.Errorf("row 2 after delete = %q, want R-3", cells[0])
	}
}

func TestScanColumn(t *testing.T) {
	m := newTestTable(t)
	ctx := context.Background()

	m.AppendRow(ctx, "Requests", []string{"R-1", "pending"})
	m.AppendRow(ctx, "Requests", []string{"R-2", "approved"})

	vals, err := m.ScanColumn(ctx, "Requests", 0)
	if err != nil {
		t.Fatalf("ScanColumn: %v", err)
	}
	if len(vals) != 2 || vals[0] != "R-1" || vals[1] != "R-2" {
		t.Errorf("scan = %v", vals)
	}
}

func TestZipUnzipRecord(t *testing.T) {
	headers := []string{"A", "B", "C"}
	rec := ZipRecord(headers, []string{"1", "2"})
	if rec["A"] != "1" || rec["B"] != "2" || rec["C"] != "" {
		t.Errorf("ZipRecord = %v", rec)
	}
	cells := UnzipRecord(headers, Record{"A": "x", "C": "z"})
	if cells[0] != "x" || cells[1] != "" || cells[2] != "z" {
		t.Errorf("UnzipRecord = %v", cells)
	}
	if i := ColumnIndex(headers, "C"); i != 2 {
		t.Errorf("ColumnIndex = %d, want 2", i)
	}
	if i := ColumnIndex(headers, "Z"); i != -1 {
		t.Errorf("ColumnIndex missing = %d, want -1", i)
	}
}
