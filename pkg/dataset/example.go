// Package dataset loads the tabular image dataset and partitions it into
// per-context training subsets for prompt optimization.
package dataset

import (
	"strings"

	"golang.org/x/text/cases"
)

// ContextID is the normalized key for a dataset context (e.g. a chart type).
// The same raw tag always normalizes to the same id so registry lookups
// resolve deterministically across runs.
type ContextID string

// Example is a single labeled row: a reference image, an optional question,
// and the context tag it belongs to. Examples are read-only after loading;
// downstream stages reference them, never copy or modify them.
type Example struct {
	Image    string // path to the reference image
	Question string
	Answer   string // ground-truth answer for the question, when present
	Context  ContextID
}

var folder = cases.Fold()

// NormalizeContext derives a stable ContextID from a raw categorical tag:
// case-folded, trimmed, inner whitespace collapsed to single underscores.
// An empty or whitespace-only tag yields the empty id.
func NormalizeContext(tag string) ContextID {
	folded := folder.String(strings.TrimSpace(tag))
	fields := strings.Fields(folded)
	if len(fields) == 0 {
		return ""
	}
	return ContextID(strings.Join(fields, "_"))
}

// DefaultQuestion is used for rows without an explicit question.
const DefaultQuestion = "Recreate this image visually."
