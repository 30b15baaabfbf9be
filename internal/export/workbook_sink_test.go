package export

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/tidyexport/internal/domain"
)

func openWorkbook(t *testing.T, data []byte) *excelize.File {
	t.Helper()
	file, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	t.Cleanup(func() { _ = file.Close() })
	return file
}

func TestWorkbookSinkWritesOneSheetPerType(t *testing.T) {
	logger, _ := testLogger()
	out := &closingBuffer{}
	sink := NewWorkbookSink(testCache(t), out, WithWorkbookLogger(logger))

	if err := sink.Consume(context.Background(), rowsOf(sampleRows()...)); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !out.closed {
		t.Fatalf("expected output to be closed")
	}
	if sink.State() != workbookFinalized {
		t.Fatalf("unexpected lifecycle state %s", sink.State())
	}

	file := openWorkbook(t, out.Bytes())
	if got := file.GetSheetList(); !reflect.DeepEqual(got, []string{DiagnosticsSheet, "CGM", "SMBG"}) {
		t.Fatalf("unexpected sheets %v", got)
	}
	visible, err := file.GetSheetVisible(DiagnosticsSheet)
	if err != nil {
		t.Fatalf("diagnostics visibility: %v", err)
	}
	if visible {
		t.Fatalf("diagnostics sheet must be hidden after a complete export")
	}
	if got := file.GetSheetName(file.GetActiveSheetIndex()); got != "CGM" {
		t.Fatalf("expected first data sheet active, got %q", got)
	}

	rows, err := file.GetRows("CGM")
	if err != nil {
		t.Fatalf("read CGM rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header and 2 rows, got %d", len(rows))
	}
	if !reflect.DeepEqual(rows[0], []string{"Type", "Value", "Time", "Units"}) {
		t.Fatalf("unexpected header %v", rows[0])
	}
	if rows[1][0] != "cbg" || rows[1][3] != "mmol/L" {
		t.Fatalf("unexpected first row %v", rows[1])
	}
	value, err := file.GetCellValue("CGM", "B2")
	if err != nil || value != "5.5" {
		t.Fatalf("expected formatted value 5.5, got %q (%v)", value, err)
	}

	panes, err := file.GetPanes("CGM")
	if err != nil {
		t.Fatalf("read panes: %v", err)
	}
	if !panes.Freeze || panes.YSplit != 1 {
		t.Fatalf("expected frozen header row, got %+v", panes)
	}

	smbg, err := file.GetRows("SMBG")
	if err != nil {
		t.Fatalf("read SMBG rows: %v", err)
	}
	if len(smbg) != 2 || smbg[1][0] != "smbg" {
		t.Fatalf("unexpected SMBG rows %v", smbg)
	}
}

func TestWorkbookSinkDropsUnknownTypes(t *testing.T) {
	logger, logs := testLogger()
	out := &closingBuffer{}
	sink := NewWorkbookSink(testCache(t), out, WithWorkbookLogger(logger))

	rows := []domain.Row{
		{Type: "mystery", Values: map[string]any{"type": "mystery"}},
		{Type: "mystery", Values: map[string]any{"type": "mystery"}},
		{Values: map[string]any{"value": 1.0}},
	}
	if err := sink.Consume(context.Background(), rowsOf(rows...)); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if sink.Dropped() != 3 {
		t.Fatalf("expected 3 dropped rows, got %d", sink.Dropped())
	}
	if n := strings.Count(logs.String(), `configuration ignores data type "mystery"`); n != 1 {
		t.Fatalf("expected one warning per unknown type, got %d:\n%s", n, logs.String())
	}
	if !strings.Contains(logs.String(), domain.ErrMissingType.Error()) {
		t.Fatalf("expected missing type warning:\n%s", logs.String())
	}

	file := openWorkbook(t, out.Bytes())
	if got := file.GetSheetList(); !reflect.DeepEqual(got, []string{DiagnosticsSheet}) {
		t.Fatalf("unexpected sheets %v", got)
	}
	visible, err := file.GetSheetVisible(DiagnosticsSheet)
	if err != nil || !visible {
		t.Fatalf("the only sheet must stay visible (visible=%t err=%v)", visible, err)
	}
}

func TestWorkbookSinkStalledCommitKeepsDiagnostics(t *testing.T) {
	logger, logs := testLogger()
	var out bytes.Buffer
	sink := NewWorkbookSink(testCache(t), &out, WithWorkbookLogger(logger), WithWorkbookCommitTimeout(time.Millisecond))
	if err := sink.open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sink.file.Close()

	if err := sink.commit(func() error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !sink.Stalled() {
		t.Fatalf("expected the slow commit to mark the workbook stalled")
	}
	if !strings.Contains(logs.String(), "export marked incomplete") {
		t.Fatalf("expected stall warning, got %q", logs.String())
	}

	if err := sink.append(sampleRows()[0]); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := sink.finalize(context.Background()); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	file := openWorkbook(t, out.Bytes())
	visible, err := file.GetSheetVisible(DiagnosticsSheet)
	if err != nil || !visible {
		t.Fatalf("stalled workbook must keep diagnostics visible (visible=%t err=%v)", visible, err)
	}
	if got := file.GetSheetName(file.GetActiveSheetIndex()); got != DiagnosticsSheet {
		t.Fatalf("expected diagnostics sheet active, got %q", got)
	}
}

func TestWorkbookSinkAbortedStreamWritesNothing(t *testing.T) {
	logger, _ := testLogger()
	out := &closingBuffer{}
	sink := NewWorkbookSink(testCache(t), out, WithWorkbookLogger(logger))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sink.Consume(ctx, rowsOf(sampleRows()...)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("aborted workbook must not be written")
	}
	if !out.closed {
		t.Fatalf("output must be closed on abort")
	}
	if sink.State() != workbookOpen {
		t.Fatalf("unexpected lifecycle state %s", sink.State())
	}
}

func TestWorkbookSheetNames(t *testing.T) {
	sink := NewWorkbookSink(testCache(t), &bytes.Buffer{})
	sink.names[strings.ToLower(DiagnosticsSheet)] = struct{}{}

	cases := []struct {
		in   string
		want string
	}{
		{"CGM", "CGM"},
		{"CGM", "CGM (2)"},
		{"cgm", "cgm (3)"},
		{"Export Error", "Export Error (2)"},
		{"Basal/Bolus: [daily]", "Basal Bolus  (daily)"},
		{strings.Repeat("x", 40), strings.Repeat("x", 31)},
		{strings.Repeat("x", 40), strings.Repeat("x", 27) + " (2)"},
		{"   ", "Sheet"},
	}
	for _, tc := range cases {
		if got := sink.sheetName(tc.in); got != tc.want {
			t.Fatalf("sheetName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCellValue(t *testing.T) {
	ts, ok := cellValue("2024-03-01T10:00:00Z", true).(time.Time)
	if !ok || !ts.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected timestamp, got %v", ts)
	}
	if got := cellValue("2024-03-01T10:00:00Z", false); got != "2024-03-01T10:00:00Z" {
		t.Fatalf("unformatted cells keep text, got %#v", got)
	}
	if got := cellValue("standard", true); got != "standard" {
		t.Fatalf("unexpected value %#v", got)
	}
	if got := cellValue(nil, true); got != "" {
		t.Fatalf("absent values are empty, got %#v", got)
	}
	if got := cellValue([]any{1.0, "a"}, false); got != `[1,"a"]` {
		t.Fatalf("nested values are JSON, got %#v", got)
	}
}

// slowWriter delays its first write.
type slowWriter struct {
	buf   bytes.Buffer
	delay time.Duration
	slept bool
}

func (w *slowWriter) Write(p []byte) (int, error) {
	if !w.slept {
		w.slept = true
		time.Sleep(w.delay)
	}
	return w.buf.Write(p)
}

func (w *slowWriter) Bytes() []byte { return w.buf.Bytes() }

func TestWorkbookSinkSlowOutputIsReported(t *testing.T) {
	logger, logs := testLogger()
	out := &slowWriter{delay: 80 * time.Millisecond}
	sink := NewWorkbookSink(testCache(t), out, WithWorkbookLogger(logger), WithWorkbookCommitTimeout(5*time.Millisecond))
	if err := sink.open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sink.file.Close()

	if err := sink.finalize(context.Background()); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !sink.Stalled() {
		t.Fatalf("expected the slow output to mark the workbook stalled")
	}
	if !strings.Contains(logs.String(), "workbook write exceeded 5ms") {
		t.Fatalf("expected workbook write warning, got %q", logs.String())
	}
	if got := openWorkbook(t, out.Bytes()).GetSheetList(); !reflect.DeepEqual(got, []string{DiagnosticsSheet}) {
		t.Fatalf("unexpected sheets %v", got)
	}
}
