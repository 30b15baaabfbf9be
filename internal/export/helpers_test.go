package export

import (
	"bytes"
	"log"
	"testing"

	"github.com/rpattn/tidyexport/internal/domain"
	"github.com/rpattn/tidyexport/internal/schema"
)

func testCache(t *testing.T) *schema.Cache {
	t.Helper()
	return schema.Build([]domain.TypeSpec{
		{
			Type:        "cbg",
			DisplayName: "CGM",
			Fields: []domain.FieldSpec{
				{Name: "type", Header: "Type"},
				{Name: "value", Header: "Value", Width: 10, CellFormat: "0.0"},
				{Name: "time", Header: "Time", Width: 24, CellFormat: "yyyy-mm-dd hh:mm:ss"},
				{Name: "units", Header: "Units"},
			},
		},
		{
			Type:        "smbg",
			DisplayName: "SMBG",
			Fields: []domain.FieldSpec{
				{Name: "type", Header: "Type"},
				{Name: "value", Header: "Value"},
			},
		},
	})
}

func testLogger() (*log.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return log.New(&buf, "", 0), &buf
}

// rowsOf returns a closed channel holding rows.
func rowsOf(rows ...domain.Row) <-chan domain.Row {
	ch := make(chan domain.Row, len(rows))
	for _, row := range rows {
		ch <- row
	}
	close(ch)
	return ch
}

func sampleRows() []domain.Row {
	return []domain.Row{
		{Type: "cbg", Values: map[string]any{"type": "cbg", "value": 5.5, "units": "mmol/L", "time": "2024-03-01T10:00:00Z"}},
		{Type: "smbg", Values: map[string]any{"type": "smbg", "value": 6.0}},
		{Type: "cbg", Values: map[string]any{"type": "cbg", "value": 7.25, "units": "mmol/L"}},
	}
}

// closingBuffer records whether it was closed.
type closingBuffer struct {
	bytes.Buffer
	closed bool
}

func (b *closingBuffer) Close() error {
	b.closed = true
	return nil
}
