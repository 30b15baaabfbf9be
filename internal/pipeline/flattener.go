package pipeline

import (
	"strings"

	"github.com/rpattn/tidyexport/internal/domain"
	"github.com/rpattn/tidyexport/internal/schema"
)

// Flattener projects records onto the column universe. Nested objects are
// flattened one level (`parent.child`); anything deeper stays a value of its
// `parent.child` column, and keys outside the universe are dropped.
type Flattener struct {
	columns map[string]struct{}
	parents map[string]struct{}
}

// NewFlattener indexes the column universe of cache.
func NewFlattener(cache *schema.Cache) *Flattener {
	f := &Flattener{
		columns: make(map[string]struct{}, len(cache.Columns())),
		parents: map[string]struct{}{},
	}
	for _, column := range cache.Columns() {
		f.columns[column] = struct{}{}
		if dot := strings.IndexByte(column, '.'); dot > 0 {
			f.parents[column[:dot]] = struct{}{}
		}
	}
	return f
}

// Flatten selects and flattens in one pass; nested objects whose parent has
// no column in the universe are never walked.
func (f *Flattener) Flatten(rec domain.Record) domain.Row {
	row := domain.Row{Type: rec.Type(), Values: make(map[string]any, len(rec))}
	for key, value := range rec {
		if nested, ok := value.(map[string]any); ok {
			if _, parent := f.parents[key]; !parent {
				continue
			}
			for child, childValue := range nested {
				column := key + "." + child
				if _, keep := f.columns[column]; keep {
					row.Values[column] = childValue
				}
			}
			continue
		}
		if _, keep := f.columns[key]; keep {
			row.Values[key] = value
		}
	}
	return row
}
