package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/sheet-vault/internal/table"
)

// TextDiff is a line-oriented rendering of two snapshots, serialized as CSV
type TextDiff struct {
	// UnifiedDiff is the traditional unified diff format
	UnifiedDiff string     `json:"unified_diff"`
	Lines       []TextLine `json:"lines"`
	Stats       TextStats  `json:"stats"`
	HasChanges  bool       `json:"has_changes"`
}

// TextLine represents a single line in the diff
type TextLine struct {
	Type       LineType `json:"type"`
	OldLineNum int      `json:"old_line_num,omitempty"`
	NewLineNum int      `json:"new_line_num,omitempty"`
	Content    string   `json:"content"`
}

// LineType represents the type of diff line
type LineType string

const (
	LineContext LineType = "context"
	LineAdded   LineType = "added"
	LineRemoved LineType = "removed"
)

// TextStats contains summary statistics about the diff
type TextStats struct {
	LinesAdded   int `json:"lines_added"`
	LinesRemoved int `json:"lines_removed"`
	LinesChanged int `json:"lines_changed"`
}

// Unified renders the CSV serialization of two tables as a unified diff
func Unified(old, new *table.Table, oldLabel, newLabel string) (*TextDiff, error) {
	if old == nil || new == nil {
		return nil, fmt.Errorf("%w: nil table", ErrInvalidInput)
	}
	return compareText(string(table.EncodeCSV(old)), string(table.EncodeCSV(new)), oldLabel, newLabel), nil
}

// UnifiedWorkbooks renders every sheet of both workbooks, one section per sheet
func UnifiedWorkbooks(old, new *table.Workbook, oldLabel, newLabel string) (*TextDiff, error) {
	if old == nil || new == nil {
		return nil, fmt.Errorf("%w: nil workbook", ErrInvalidInput)
	}
	return compareText(workbookText(old), workbookText(new), oldLabel, newLabel), nil
}

func workbookText(w *table.Workbook) string {
	if len(w.Sheets) == 1 {
		return string(table.EncodeCSV(w.Sheets[0]))
	}
	var sb strings.Builder
	for _, s := range w.Sheets {
		sb.WriteString("# sheet: " + s.Sheet + "\n")
		sb.Write(table.EncodeCSV(s))
	}
	return sb.String()
}

func compareText(oldContent, newContent, oldLabel, newLabel string) *TextDiff {
	result := &TextDiff{
		Lines: []TextLine{},
	}

	if oldContent == newContent {
		return result
	}
	result.HasChanges = true

	dmp := diffmatchpatch.New()

	// Line mode keeps whole CSV records together
	oldLines, newLines, lineArray := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffMain(oldLines, newLines, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)
	diffs = dmp.DiffCleanupSemantic(diffs)

	result.UnifiedDiff = generateUnifiedDiff(diffs, oldLabel, newLabel)
	result.Lines, result.Stats = generateLineDiff(diffs)

	return result
}

// generateUnifiedDiff creates a unified diff format string
func generateUnifiedDiff(diffs []diffmatchpatch.Diff, oldLabel, newLabel string) string {
	var sb strings.Builder

	sb.WriteString("--- " + oldLabel + "\n")
	sb.WriteString("+++ " + newLabel + "\n")

	for _, d := range diffs {
		for _, line := range splitLines(d.Text) {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				sb.WriteString(fmt.Sprintf(" %s\n", line))
			case diffmatchpatch.DiffDelete:
				sb.WriteString(fmt.Sprintf("-%s\n", line))
			case diffmatchpatch.DiffInsert:
				sb.WriteString(fmt.Sprintf("+%s\n", line))
			}
		}
	}

	return sb.String()
}

// generateLineDiff creates a structured line-by-line diff
func generateLineDiff(diffs []diffmatchpatch.Diff) ([]TextLine, TextStats) {
	lines := []TextLine{}
	var stats TextStats

	oldLineNum := 1
	newLineNum := 1

	for _, d := range diffs {
		for _, content := range splitLines(d.Text) {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				lines = append(lines, TextLine{
					Type:       LineContext,
					OldLineNum: oldLineNum,
					NewLineNum: newLineNum,
					Content:    content,
				})
				oldLineNum++
				newLineNum++

			case diffmatchpatch.DiffDelete:
				lines = append(lines, TextLine{
					Type:       LineRemoved,
					OldLineNum: oldLineNum,
					Content:    content,
				})
				oldLineNum++
				stats.LinesRemoved++

			case diffmatchpatch.DiffInsert:
				lines = append(lines, TextLine{
					Type:       LineAdded,
					NewLineNum: newLineNum,
					Content:    content,
				})
				newLineNum++
				stats.LinesAdded++
			}
		}
	}

	// Estimate changed lines (where a removal is followed by an addition)
	stats.LinesChanged = min(stats.LinesAdded, stats.LinesRemoved)

	return lines, stats
}

// splitLines drops the empty element left by a trailing newline
func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
