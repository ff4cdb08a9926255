package table

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

var (
	zipMagic = []byte("PK\x03\x04")
	utf8BOM  = []byte("\xef\xbb\xbf")
)

// Parse reads spreadsheet bytes into a workbook. The format is chosen by the
// file extension; unknown extensions are sniffed (zip container means XLSX,
// anything else is read as CSV).
func Parse(filename string, data []byte) (*Workbook, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx", ".xlsm", ".xltx", ".xltm":
		return parseXLSX(data)
	case ".csv":
		return parseDelimited(sheetName(filename), data, ',')
	case ".tsv":
		return parseDelimited(sheetName(filename), data, '\t')
	}
	if bytes.HasPrefix(data, zipMagic) {
		return parseXLSX(data)
	}
	return parseDelimited(sheetName(filename), data, ',')
}

func sheetName(filename string) string {
	base := filepath.Base(filename)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if name == "" || name == "." {
		return "Sheet1"
	}
	return name
}

func parseDelimited(sheet string, data []byte, comma rune) (*Workbook, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	r.Comma = comma
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no header row", ErrInvalidFormat)
	}

	t, err := buildTable(sheet, records)
	if err != nil {
		return nil, err
	}
	return &Workbook{Sheets: []*Table{t}}, nil
}

func parseXLSX(data []byte) (*Workbook, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	defer f.Close()

	wb := &Workbook{}
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("%w: sheet %q: %v", ErrInvalidFormat, sheet, err)
		}
		if len(rows) == 0 {
			wb.Sheets = append(wb.Sheets, &Table{Sheet: sheet})
			continue
		}
		t, err := buildTable(sheet, rows)
		if err != nil {
			return nil, err
		}
		wb.Sheets = append(wb.Sheets, t)
	}
	if len(wb.Sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrInvalidFormat)
	}
	return wb, nil
}

// buildTable turns raw string records (first record is the header) into a
// typed table. Trailing fully-empty rows are dropped; interior ones stay as
// all-null rows so positions match the sheet.
func buildTable(sheet string, records [][]string) (*Table, error) {
	t := &Table{Sheet: sheet, Columns: normalizeHeader(records[0])}

	body := records[1:]
	for len(body) > 0 && blankRecord(body[len(body)-1]) {
		body = body[:len(body)-1]
	}

	t.Rows = make([][]Value, 0, len(body))
	for i, rec := range body {
		if len(rec) > len(t.Columns) && !blankRecord(rec[len(t.Columns):]) {
			return nil, fmt.Errorf("%w: sheet %q row %d has %d cells but header has %d columns",
				ErrInvalidFormat, sheet, i, len(rec), len(t.Columns))
		}
		row := make([]Value, len(t.Columns))
		for j := 0; j < len(rec) && j < len(row); j++ {
			row[j] = Infer(rec[j])
		}
		t.Rows = append(t.Rows, row)
	}
	return t, t.Validate()
}

// normalizeHeader names blank header cells "Unnamed: N" and suffixes
// repeated names with ".1", ".2", ... so every column is addressable.
func normalizeHeader(raw []string) []string {
	cols := make([]string, len(raw))
	seen := make(map[string]int, len(raw))
	for i, c := range raw {
		name := strings.TrimSpace(c)
		if name == "" {
			name = fmt.Sprintf("Unnamed: %d", i)
		}
		if n, dup := seen[name]; dup {
			base := name
			for {
				n++
				name = fmt.Sprintf("%s.%d", base, n)
				if _, taken := seen[name]; !taken {
					break
				}
			}
			seen[base] = n
		}
		seen[name] = 0
		cols[i] = name
	}
	return cols
}

func blankRecord(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// EncodeCSV renders a table (header first) as CSV
func EncodeCSV(t *Table) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(t.Columns)
	rec := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i := range rec {
			rec[i] = ""
			if i < len(row) {
				rec[i] = row[i].String()
			}
		}
		_ = w.Write(rec)
	}
	w.Flush()
	return buf.Bytes()
}
