package domain

// DefaultColumnWidth is used for fields without a configured width.
const DefaultColumnWidth = 22

// FieldSpec describes one output column of a record type.
type FieldSpec struct {
	Name      string `json:"name" yaml:"name"`
	Stringify bool   `json:"stringify,omitempty" yaml:"stringify,omitempty"`
	Header    string `json:"header,omitempty" yaml:"header,omitempty"`
	Width     int    `json:"width,omitempty" yaml:"width,omitempty"`
	// CellFormat is a template producing a spreadsheet number format for a cell,
	// evaluated against the record the cell belongs to.
	CellFormat string `json:"cellFormat,omitempty" yaml:"cellFormat,omitempty"`
}

// TypeSpec is the declarative schema for one record type. Fields keep their
// configuration order, which is the column order of per-type outputs.
type TypeSpec struct {
	Type        string      `json:"type" yaml:"type"`
	DisplayName string      `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	Fields      []FieldSpec `json:"fields" yaml:"fields"`
	// Transform is an optional template rendering a JSON object that is merged
	// into each record of this type.
	Transform string `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// FieldNames returns the configured field names in declaration order.
func (t TypeSpec) FieldNames() []string {
	names := make([]string, 0, len(t.Fields))
	for _, field := range t.Fields {
		names = append(names, field.Name)
	}
	return names
}
