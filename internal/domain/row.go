package domain

// Row is a flattened record projected onto the column universe. Values are
// keyed by column name (`parent.child` for nested fields). Rows are shared by
// every sink attached to a stream and must be treated as read-only.
type Row struct {
	Type   string
	Values map[string]any
}

// Get returns the value stored for column, or "" when the column is absent or
// nil. It never returns nil.
func (r Row) Get(column string) any {
	value, ok := r.Values[column]
	if !ok || value == nil {
		return ""
	}
	return value
}

// Has reports whether the row carries a non-nil value for column.
func (r Row) Has(column string) bool {
	value, ok := r.Values[column]
	return ok && value != nil
}
