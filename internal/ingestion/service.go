package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/tidyexport/internal/domain"
	"github.com/rpattn/tidyexport/internal/schema"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported import format")
	ErrNoRows            = errors.New("no rows found in file")
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// sheetTimeLayout is how date-formatted workbook cells read back.
const sheetTimeLayout = "2006-01-02 15:04:05"

// Service reads exported tables back into records, so a workbook or CSV
// written by the exporter can be fed through it again.
type Service struct {
	cache  *schema.Cache
	logger *log.Logger
}

func NewService(cache *schema.Cache, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{cache: cache, logger: logger}
}

// Request describes one file to import.
type Request struct {
	// FileName selects the format by extension (.xlsx or .csv).
	FileName string
	// Type is the record type of a per-type CSV. Leave it empty for the
	// aggregate CSV, whose rows carry their own type column.
	Type string
	Data io.Reader
}

// Summary reports what an import read.
type Summary struct {
	Records int      `json:"records"`
	Sheets  []string `json:"sheets,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
}

type table struct {
	headers []string
	rows    [][]string
}

// Import parses req into records. Workbook sheets that do not match a
// configured display name, such as the diagnostics sheet, are skipped.
func (s *Service) Import(ctx context.Context, req Request) ([]domain.Record, Summary, error) {
	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return nil, Summary{}, fmt.Errorf("failed to read import: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(req.FileName)); ext {
	case ".xlsx":
		return s.importWorkbook(ctx, payload)
	case ".csv":
		records, err := s.importCSV(ctx, req.Type, payload)
		return records, Summary{Records: len(records)}, err
	default:
		return nil, Summary{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

func (s *Service) importWorkbook(ctx context.Context, payload []byte) ([]domain.Record, Summary, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return nil, Summary{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	var (
		summary Summary
		records []domain.Record
	)
	for _, sheet := range f.GetSheetList() {
		typ, ok := s.cache.TypeForDisplayName(sheet)
		if !ok {
			summary.Skipped = append(summary.Skipped, sheet)
			continue
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, summary, fmt.Errorf("failed to read rows from sheet %s: %w", sheet, err)
		}
		data, err := normalizeTable(rows)
		if errors.Is(err, ErrNoRows) {
			summary.Sheets = append(summary.Sheets, sheet)
			continue
		}
		if err != nil {
			return nil, summary, fmt.Errorf("sheet %s: %w", sheet, err)
		}

		fields := s.fieldsForHeaders(typ, data.headers, true)
		sheetRecords, err := buildRecords(ctx, typ, fields, data.rows)
		if err != nil {
			return nil, summary, err
		}
		records = append(records, sheetRecords...)
		summary.Sheets = append(summary.Sheets, sheet)
	}
	summary.Records = len(records)
	s.logger.Printf("[import] read %d records from %d sheets (skipped %d)", summary.Records, len(summary.Sheets), len(summary.Skipped))
	return records, summary, nil
}

func (s *Service) importCSV(ctx context.Context, typ string, payload []byte) ([]domain.Record, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.FieldsPerRecord = -1

	rows, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	data, err := normalizeTable(rows)
	if err != nil {
		return nil, err
	}

	if typ != "" && !s.cache.Has(typ) {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownType, typ)
	}
	fields := s.fieldsForHeaders(typ, data.headers, false)
	records, err := buildRecords(ctx, typ, fields, data.rows)
	if err != nil {
		return nil, err
	}

	kept := records[:0]
	for _, rec := range records {
		if rec.Type() == "" {
			s.logger.Printf("[import] warning: %v: skipping csv row", domain.ErrMissingType)
			continue
		}
		kept = append(kept, rec)
	}
	return kept, nil
}

// fieldsForHeaders maps header cells to field names. Workbook headers are
// display headers; CSV headers are field names already. Unmapped columns get
// an empty name and are ignored.
func (s *Service) fieldsForHeaders(typ string, headers []string, display bool) []string {
	fields := make([]string, len(headers))
	for i, header := range headers {
		header = strings.TrimSpace(header)
		if !display {
			fields[i] = header
			continue
		}
		field, ok := s.cache.FieldForHeader(typ, header)
		if !ok {
			s.logger.Printf("[import] warning: column %q is not a field of %s", header, typ)
			continue
		}
		fields[i] = field
	}
	return fields
}

func buildRecords(ctx context.Context, typ string, fields []string, rows [][]string) ([]domain.Record, error) {
	records := make([]domain.Record, 0, len(rows))
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := domain.Record{}
		for i, field := range fields {
			if field == "" || strings.TrimSpace(row[i]) == "" {
				continue
			}
			setField(rec, field, coerceCell(row[i]))
		}
		if typ != "" {
			if _, ok := rec[domain.TypeField]; !ok {
				rec[domain.TypeField] = typ
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// setField stores value under field, rebuilding the one level of nesting that
// flattening removed.
func setField(rec domain.Record, field string, value any) {
	parent, child, nested := strings.Cut(field, ".")
	if !nested {
		rec[field] = value
		return
	}
	members, ok := rec[parent].(map[string]any)
	if !ok {
		members = map[string]any{}
		rec[parent] = members
	}
	members[child] = value
}

// coerceCell turns cell text back into the JSON value it was exported from.
func coerceCell(raw string) any {
	value := strings.TrimSpace(raw)
	if ts, err := time.Parse(sheetTimeLayout, value); err == nil {
		return ts.UTC().Format(time.RFC3339)
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	switch value {
	case "true":
		return true
	case "false":
		return false
	}
	if strings.HasPrefix(value, "{") || strings.HasPrefix(value, "[") {
		var out any
		if err := json.Unmarshal([]byte(value), &out); err == nil {
			return out
		}
	}
	return raw
}

func normalizeTable(records [][]string) (table, error) {
	var (
		headerRow []string
		dataRows  [][]string
	)
	for _, row := range records {
		if len(cleanRow(row)) == 0 {
			continue
		}
		if headerRow == nil {
			headerRow = row
			continue
		}
		dataRows = append(dataRows, padRow(row, len(headerRow)))
	}
	if headerRow == nil {
		return table{}, ErrNoRows
	}
	return table{headers: headerRow, rows: dataRows}, nil
}

func cleanRow(row []string) []string {
	var cleaned []string
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			cleaned = append(cleaned, cell)
		}
	}
	return cleaned
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}

// WriteJSON writes records as a JSON array, the exporter's input format.
func WriteJSON(w io.Writer, records []domain.Record) error {
	buffered := bufio.NewWriter(w)
	if _, err := buffered.WriteString("["); err != nil {
		return err
	}
	for i, rec := range records {
		if i > 0 {
			if _, err := buffered.WriteString(",\n"); err != nil {
				return err
			}
		}
		encoded, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %d: %w", i, err)
		}
		if _, err := buffered.Write(encoded); err != nil {
			return err
		}
	}
	if _, err := buffered.WriteString("]\n"); err != nil {
		return err
	}
	return buffered.Flush()
}
