package versioning

import (
	"context"
	"fmt"
	"strings"

	"github.com/sheet-vault/internal/diff"
)

// Summarizer produces a short human-readable description of a change set.
// Implementations typically call out to a language model.
type Summarizer interface {
	Summarize(ctx context.Context, result *diff.Result) (string, error)
}

// SummarizerFunc adapts a function to the Summarizer interface
type SummarizerFunc func(ctx context.Context, result *diff.Result) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, result *diff.Result) (string, error) {
	return f(ctx, result)
}

// countSummary is the fallback summary built from row and cell counts
func countSummary(res *diff.Result) string {
	if !res.HasChanges {
		return "No changes"
	}

	var parts []string
	if res.RowsAdded > 0 {
		parts = append(parts, plural(res.RowsAdded, "row")+" added")
	}
	if res.RowsModified > 0 {
		parts = append(parts, plural(res.RowsModified, "row")+" modified")
	}
	if res.RowsDeleted > 0 {
		parts = append(parts, plural(res.RowsDeleted, "row")+" deleted")
	}
	s := strings.Join(parts, ", ")
	if n := len(res.AllChanges); n > 0 {
		s += fmt.Sprintf(" (%s changed", plural(n, "cell"))
		if c := len(res.CriticalChanges); c > 0 {
			s += fmt.Sprintf(", %d critical", c)
		}
		s += ")"
	}
	return s
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
