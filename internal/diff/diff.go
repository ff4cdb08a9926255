// Package diff compares two tabular snapshots cell by cell.
//
// Rows are matched positionally by default: row i of the old table is
// compared with row i of the new table. When key columns are configured,
// rows are matched by key instead and unmatched keys are reported as pure
// additions or deletions. A table pair missing any key column falls back to
// positional matching. Columns that exist on only one side are never
// compared.
package diff

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sheet-vault/internal/table"
)

// ErrInvalidInput is returned for structurally invalid tables or options
var ErrInvalidInput = errors.New("invalid diff input")

// ChangeType represents the type of a cell change
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// CellChange is one differing cell
type CellChange struct {
	Sheet  string      `json:"sheet"`
	Row    int         `json:"row"`
	Column string      `json:"column"`
	Old    table.Value `json:"old_value"`
	New    table.Value `json:"new_value"`
	Type   ChangeType  `json:"change_type"`
}

// Options controls a comparison
type Options struct {
	// CriticalColumns are copied into Result.CriticalChanges
	CriticalColumns []string
	// KeyColumns switches from positional to key-based row matching
	KeyColumns []string
}

// Result is the outcome of a comparison
type Result struct {
	AllChanges      []CellChange `json:"all_changes"`
	CriticalChanges []CellChange `json:"critical_changes"`
	RowsAdded       int          `json:"rows_added"`
	RowsModified    int          `json:"rows_modified"`
	RowsDeleted     int          `json:"rows_deleted"`
	HasChanges      bool         `json:"has_changes"`
}

// column pairs a shared column with its position on each side
type column struct {
	name   string
	oldIdx int
	newIdx int
}

// Compare diffs two tables. Changes are ordered by row, then by the new
// table's column order.
func Compare(old, new *table.Table, opts Options) (*Result, error) {
	if old == nil || new == nil {
		return nil, fmt.Errorf("%w: nil table", ErrInvalidInput)
	}
	if err := old.Validate(); err != nil {
		return nil, fmt.Errorf("%w: old snapshot: %v", ErrInvalidInput, err)
	}
	if err := new.Validate(); err != nil {
		return nil, fmt.Errorf("%w: new snapshot: %v", ErrInvalidInput, err)
	}

	cols := sharedColumns(old, new)

	res := &Result{}
	var err error
	if keyed(old, new, opts.KeyColumns) {
		err = compareByKey(res, old, new, cols, opts.KeyColumns)
	} else {
		comparePositional(res, old, new, cols)
	}
	if err != nil {
		return nil, err
	}

	res.finish(opts.CriticalColumns)
	return res, nil
}

func sharedColumns(old, new *table.Table) []column {
	cols := make([]column, 0, len(new.Columns))
	for ni, name := range new.Columns {
		if oi, ok := old.ColumnIndex(name); ok {
			cols = append(cols, column{name: name, oldIdx: oi, newIdx: ni})
		}
	}
	return cols
}

func comparePositional(res *Result, old, new *table.Table, cols []column) {
	n := len(old.Rows)
	if len(new.Rows) < n {
		n = len(new.Rows)
	}

	for i := 0; i < n; i++ {
		if diffRow(res, new.Sheet, i, old.Rows[i], new.Rows[i], cols) {
			res.RowsModified++
		}
	}

	if d := len(new.Rows) - len(old.Rows); d > 0 {
		res.RowsAdded = d
	} else {
		res.RowsDeleted = -d
	}
}

// diffRow appends a change for every differing shared cell and reports
// whether any was found. Null on both sides is not a change; exactly one
// null side is a modification.
func diffRow(res *Result, sheet string, row int, oldRow, newRow []table.Value, cols []column) bool {
	changed := false
	for _, c := range cols {
		o, nv := oldRow[c.oldIdx], newRow[c.newIdx]
		if o.Equal(nv) {
			continue
		}
		res.AllChanges = append(res.AllChanges, CellChange{
			Sheet:  sheet,
			Row:    row,
			Column: c.name,
			Old:    o,
			New:    nv,
			Type:   ChangeModified,
		})
		changed = true
	}
	return changed
}

// keyed reports whether every key column exists on both sides
func keyed(old, new *table.Table, keyColumns []string) bool {
	if len(keyColumns) == 0 {
		return false
	}
	for _, name := range keyColumns {
		if _, ok := old.ColumnIndex(name); !ok {
			return false
		}
		if _, ok := new.ColumnIndex(name); !ok {
			return false
		}
	}
	return true
}

func compareByKey(res *Result, old, new *table.Table, cols []column, keyColumns []string) error {
	oldKeyIdx := keyIndexes(old, keyColumns)
	newKeyIdx := keyIndexes(new, keyColumns)

	oldRows := make(map[string]int, len(old.Rows))
	for i, row := range old.Rows {
		k := rowKey(row, oldKeyIdx)
		if _, dup := oldRows[k]; dup {
			return fmt.Errorf("%w: duplicate key %q in old snapshot row %d", ErrInvalidInput, k, i)
		}
		oldRows[k] = i
	}

	matched := make([]bool, len(old.Rows))
	seen := make(map[string]struct{}, len(new.Rows))
	for j, row := range new.Rows {
		k := rowKey(row, newKeyIdx)
		if _, dup := seen[k]; dup {
			return fmt.Errorf("%w: duplicate key %q in new snapshot row %d", ErrInvalidInput, k, j)
		}
		seen[k] = struct{}{}

		i, ok := oldRows[k]
		if !ok {
			res.RowsAdded++
			for _, c := range cols {
				if v := row[c.newIdx]; !v.IsNull() {
					res.AllChanges = append(res.AllChanges, CellChange{
						Sheet: new.Sheet, Row: j, Column: c.name, Old: table.Null(), New: v, Type: ChangeAdded,
					})
				}
			}
			continue
		}

		matched[i] = true
		if diffRow(res, new.Sheet, j, old.Rows[i], row, cols) {
			res.RowsModified++
		}
	}

	for i, row := range old.Rows {
		if matched[i] {
			continue
		}
		res.RowsDeleted++
		for _, c := range cols {
			if v := row[c.oldIdx]; !v.IsNull() {
				res.AllChanges = append(res.AllChanges, CellChange{
					Sheet: new.Sheet, Row: i, Column: c.name, Old: v, New: table.Null(), Type: ChangeDeleted,
				})
			}
		}
	}
	return nil
}

func keyIndexes(t *table.Table, keyColumns []string) []int {
	idx := make([]int, len(keyColumns))
	for i, name := range keyColumns {
		idx[i], _ = t.ColumnIndex(name)
	}
	return idx
}

func rowKey(row []table.Value, idx []int) string {
	var sb strings.Builder
	for i, ci := range idx {
		if i > 0 {
			sb.WriteByte(0x1f)
		}
		if s, ok := row[ci].Encode(); ok {
			sb.WriteString(s)
		}
	}
	return sb.String()
}

// finish derives HasChanges and the critical subset
func (r *Result) finish(critical []string) {
	if r.AllChanges == nil {
		r.AllChanges = []CellChange{}
	}
	r.CriticalChanges = []CellChange{}
	if len(critical) > 0 {
		set := make(map[string]struct{}, len(critical))
		for _, c := range critical {
			set[c] = struct{}{}
		}
		for _, ch := range r.AllChanges {
			if _, ok := set[ch.Column]; ok {
				r.CriticalChanges = append(r.CriticalChanges, ch)
			}
		}
	}
	r.HasChanges = len(r.AllChanges) > 0 || r.RowsAdded > 0 || r.RowsDeleted > 0
}

// CompareWorkbooks diffs every sheet present in both workbooks, in the new
// workbook's order. Sheets present on one side only count as wholly added
// or deleted rows. Two single-sheet workbooks are compared directly even
// when their sheet names differ (CSV sheets are named after the file).
func CompareWorkbooks(old, new *table.Workbook, opts Options) (*Result, error) {
	if old == nil || new == nil {
		return nil, fmt.Errorf("%w: nil workbook", ErrInvalidInput)
	}
	if len(old.Sheets) == 1 && len(new.Sheets) == 1 {
		return Compare(old.Sheets[0], new.Sheets[0], opts)
	}

	total := &Result{}
	for _, ns := range new.Sheets {
		prev := old.Sheet(ns.Sheet)
		if prev == nil {
			total.RowsAdded += ns.Len()
			continue
		}
		res, err := Compare(prev, ns, Options{KeyColumns: opts.KeyColumns})
		if err != nil {
			return nil, err
		}
		total.AllChanges = append(total.AllChanges, res.AllChanges...)
		total.RowsAdded += res.RowsAdded
		total.RowsModified += res.RowsModified
		total.RowsDeleted += res.RowsDeleted
	}
	for _, prev := range old.Sheets {
		if new.Sheet(prev.Sheet) == nil {
			total.RowsDeleted += prev.Len()
		}
	}

	total.finish(opts.CriticalColumns)
	return total, nil
}
