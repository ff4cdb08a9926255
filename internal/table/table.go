// Package table holds the in-memory representation of tabular snapshots and
// the parsers that turn uploaded spreadsheet bytes into it.
package table

import (
	"errors"
	"fmt"
)

// ErrInvalidFormat is returned when bytes cannot be read as a rectangular table
var ErrInvalidFormat = errors.New("invalid format")

// Table is one sheet: an ordered header and positional rows. Every row has
// exactly len(Columns) cells.
type Table struct {
	Sheet   string
	Columns []string
	Rows    [][]Value

	index map[string]int
}

// New creates an empty table with the given header
func New(sheet string, columns []string) (*Table, error) {
	t := &Table{Sheet: sheet, Columns: append([]string(nil), columns...)}
	if err := t.validateHeader(); err != nil {
		return nil, err
	}
	return t, nil
}

// FromRecords builds a table from row maps. Columns absent from a record are
// Null. Intended for callers that already hold column-keyed rows.
func FromRecords(sheet string, columns []string, records []map[string]Value) (*Table, error) {
	t, err := New(sheet, columns)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		row := make([]Value, len(columns))
		for i, col := range columns {
			row[i] = rec[col]
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// AppendRow adds a row, padding short rows with Null
func (t *Table) AppendRow(values []Value) error {
	if len(values) > len(t.Columns) {
		return fmt.Errorf("%w: row %d has %d cells but header has %d columns",
			ErrInvalidFormat, len(t.Rows), len(values), len(t.Columns))
	}
	row := make([]Value, len(t.Columns))
	copy(row, values)
	t.Rows = append(t.Rows, row)
	return nil
}

// Len returns the number of data rows
func (t *Table) Len() int { return len(t.Rows) }

// ColumnIndex returns the position of a column in the header
func (t *Table) ColumnIndex(name string) (int, bool) {
	if t.index == nil || len(t.index) != len(t.Columns) {
		t.index = make(map[string]int, len(t.Columns))
		for i, c := range t.Columns {
			t.index[c] = i
		}
	}
	i, ok := t.index[name]
	return i, ok
}

// Value returns the cell at (row, column)
func (t *Table) Value(row int, column string) (Value, bool) {
	if row < 0 || row >= len(t.Rows) {
		return Value{}, false
	}
	i, ok := t.ColumnIndex(column)
	if !ok {
		return Value{}, false
	}
	return t.Rows[row][i], true
}

// Validate checks that the header is well formed and every row is exactly
// as wide as the header.
func (t *Table) Validate() error {
	if err := t.validateHeader(); err != nil {
		return err
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("%w: sheet %q row %d has %d cells, expected %d",
				ErrInvalidFormat, t.Sheet, i, len(row), len(t.Columns))
		}
	}
	return nil
}

func (t *Table) validateHeader() error {
	seen := make(map[string]struct{}, len(t.Columns))
	for i, c := range t.Columns {
		if c == "" {
			return fmt.Errorf("%w: sheet %q column %d has an empty name", ErrInvalidFormat, t.Sheet, i)
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("%w: sheet %q has duplicate column %q", ErrInvalidFormat, t.Sheet, c)
		}
		seen[c] = struct{}{}
	}
	return nil
}

// Workbook is an ordered set of sheets
type Workbook struct {
	Sheets []*Table
}

// Sheet returns the sheet with the given name
func (w *Workbook) Sheet(name string) *Table {
	for _, s := range w.Sheets {
		if s.Sheet == name {
			return s
		}
	}
	return nil
}

// RowCount returns the number of data rows across all sheets
func (w *Workbook) RowCount() int {
	n := 0
	for _, s := range w.Sheets {
		n += s.Len()
	}
	return n
}
