package export

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/looplab/fsm"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/tidyexport/internal/domain"
	"github.com/rpattn/tidyexport/internal/schema"
)

const (
	// DiagnosticsSheet is the leading sheet that explains an incomplete export.
	DiagnosticsSheet = "EXPORT ERROR"

	diagnosticsMessage = "This workbook was not written completely. Some sheets may be missing rows. Please run the export again."

	defaultWorkbookTimeout = 30 * time.Second
	maxSheetNameLength     = 31

	workbookOpen       = "open"
	workbookFinalizing = "finalizing"
	workbookFinalized  = "finalized"
)

var invalidSheetChars = strings.NewReplacer(":", " ", "\\", " ", "/", " ", "?", " ", "*", " ", "[", "(", "]", ")")

type sheetState int

const (
	noSheet sheetState = iota
	sheetCreated
	appendingRows
)

type typeSheet struct {
	name   string
	state  sheetState
	fields []string
	stream *excelize.StreamWriter
	next   int
	cells  []any
}

// WorkbookSink writes one sheet per record type into an xlsx workbook. Sheets
// are created when their type is first seen, in that order, after a leading
// diagnostics sheet. Rows go straight to excelize stream writers, so memory
// stays flat however many rows arrive.
type WorkbookSink struct {
	cache   *schema.Cache
	out     io.Writer
	logger  *log.Logger
	timeout time.Duration

	file      *excelize.File
	lifecycle *fsm.FSM
	sheets    map[string]*typeSheet
	order     []*typeSheet
	names     map[string]struct{}
	styles    map[string]int
	bold      int
	stalled   atomic.Bool
	warned    map[string]struct{}
	dropped   int
}

type WorkbookOption func(*WorkbookSink)

// WithWorkbookCommitTimeout bounds how long a single row commit may take
// before the workbook is marked incomplete.
func WithWorkbookCommitTimeout(timeout time.Duration) WorkbookOption {
	return func(s *WorkbookSink) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func WithWorkbookLogger(logger *log.Logger) WorkbookOption {
	return func(s *WorkbookSink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewWorkbookSink writes the finished workbook to out. When out is also an
// io.Closer it is closed once the stream ends.
func NewWorkbookSink(cache *schema.Cache, out io.Writer, opts ...WorkbookOption) *WorkbookSink {
	sink := &WorkbookSink{
		cache:   cache,
		out:     out,
		logger:  log.Default(),
		timeout: defaultWorkbookTimeout,
		sheets:  map[string]*typeSheet{},
		names:   map[string]struct{}{},
		styles:  map[string]int{},
		warned:  map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(sink)
	}
	sink.lifecycle = fsm.NewFSM(
		workbookOpen,
		fsm.Events{
			{Name: "finalize", Src: []string{workbookOpen}, Dst: workbookFinalizing},
			{Name: "finalized", Src: []string{workbookFinalizing}, Dst: workbookFinalized},
		},
		fsm.Callbacks{},
	)
	return sink
}

func (s *WorkbookSink) Name() string { return "xlsx" }

// Stalled reports whether a row commit overran the commit timeout.
func (s *WorkbookSink) Stalled() bool { return s.stalled.Load() }

// Dropped reports how many rows were discarded for a missing or unknown type.
func (s *WorkbookSink) Dropped() int { return s.dropped }

// State is the lifecycle state of the workbook.
func (s *WorkbookSink) State() string { return s.lifecycle.Current() }

func (s *WorkbookSink) Consume(ctx context.Context, rows <-chan domain.Row) (err error) {
	if err := s.open(); err != nil {
		return err
	}
	defer func() {
		if closeErr := s.file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close workbook: %w", closeErr)
		}
		if closer, ok := s.out.(io.Closer); ok {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("close workbook output: %w", closeErr)
			}
		}
	}()

	for row := range rows {
		if err := s.append(row); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.finalize(ctx)
}

func (s *WorkbookSink) open() error {
	s.file = excelize.NewFile()
	first := s.file.GetSheetName(0)
	if err := s.file.SetSheetName(first, DiagnosticsSheet); err != nil {
		return fmt.Errorf("create diagnostics sheet: %w", err)
	}
	if err := s.file.SetCellValue(DiagnosticsSheet, "A1", diagnosticsMessage); err != nil {
		return fmt.Errorf("write diagnostics sheet: %w", err)
	}
	if err := s.file.SetColWidth(DiagnosticsSheet, "A", "A", 120); err != nil {
		return fmt.Errorf("size diagnostics sheet: %w", err)
	}
	s.names[strings.ToLower(DiagnosticsSheet)] = struct{}{}

	bold, err := s.file.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	s.bold = bold
	return nil
}

func (s *WorkbookSink) append(row domain.Row) error {
	if row.Type == "" {
		s.dropped++
		s.logger.Printf("[workbook] warning: %v: dropping row", domain.ErrMissingType)
		return nil
	}
	sheet, err := s.sheetFor(row.Type)
	if err != nil {
		return err
	}
	if sheet == nil {
		s.dropped++
		return nil
	}

	for i, field := range sheet.fields {
		value := row.Get(field)
		numFmt := s.cellFormat(row, field)
		sheet.cells[i] = excelize.Cell{StyleID: s.styleFor(numFmt), Value: cellValue(value, numFmt != "")}
	}
	cell, err := excelize.CoordinatesToCellName(1, sheet.next)
	if err != nil {
		return err
	}
	if err := s.commit(func() error { return sheet.stream.SetRow(cell, sheet.cells) }); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet.name, sheet.next, err)
	}
	sheet.next++
	sheet.state = appendingRows
	return nil
}

// sheetFor returns the sheet of typ, creating it on first use. It returns nil
// for types without a Type Spec.
func (s *WorkbookSink) sheetFor(typ string) (*typeSheet, error) {
	if sheet, ok := s.sheets[typ]; ok {
		return sheet, nil
	}
	if !s.cache.Has(typ) {
		if _, seen := s.warned[typ]; !seen {
			s.warned[typ] = struct{}{}
			s.logger.Printf("[workbook] warning: configuration ignores data type %q: %v", typ, domain.ErrUnknownType)
		}
		return nil, nil
	}

	sheet := &typeSheet{
		name:   s.sheetName(s.cache.DisplayName(typ)),
		state:  noSheet,
		fields: s.cache.Fields(typ),
		next:   2,
	}
	sheet.cells = make([]any, len(sheet.fields))
	if _, err := s.file.NewSheet(sheet.name); err != nil {
		return nil, fmt.Errorf("create sheet %s: %w", sheet.name, err)
	}
	stream, err := s.file.NewStreamWriter(sheet.name)
	if err != nil {
		return nil, fmt.Errorf("open sheet %s: %w", sheet.name, err)
	}
	sheet.stream = stream

	if err := stream.SetPanes(&excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("freeze header of %s: %w", sheet.name, err)
	}
	header := make([]any, len(sheet.fields))
	for i, field := range sheet.fields {
		if err := stream.SetColWidth(i+1, i+1, float64(s.cache.Width(typ, field))); err != nil {
			return nil, fmt.Errorf("size column %s of %s: %w", field, sheet.name, err)
		}
		header[i] = excelize.Cell{StyleID: s.bold, Value: s.cache.Header(typ, field)}
	}
	if err := s.commit(func() error { return stream.SetRow("A1", header) }); err != nil {
		return nil, fmt.Errorf("write %s header: %w", sheet.name, err)
	}

	sheet.state = sheetCreated
	s.sheets[typ] = sheet
	s.order = append(s.order, sheet)
	return sheet, nil
}

// sheetName makes name a legal, unused sheet name.
func (s *WorkbookSink) sheetName(name string) string {
	base := truncateRunes(strings.TrimSpace(invalidSheetChars.Replace(name)), maxSheetNameLength)
	if base == "" {
		base = "Sheet"
	}
	candidate := base
	for i := 2; ; i++ {
		if _, taken := s.names[strings.ToLower(candidate)]; !taken {
			break
		}
		suffix := fmt.Sprintf(" (%d)", i)
		candidate = truncateRunes(base, maxSheetNameLength-len(suffix)) + suffix
	}
	s.names[strings.ToLower(candidate)] = struct{}{}
	return candidate
}

func truncateRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return strings.TrimSpace(string(runes[:limit]))
}

func (s *WorkbookSink) cellFormat(row domain.Row, field string) string {
	format := s.cache.CellFormat(row.Type, field)
	if format == nil {
		return ""
	}
	numFmt, err := format(row.Values)
	if err != nil {
		s.logger.Printf("[workbook] warning: cell format for %s.%s ignored: %v", row.Type, field, err)
		return ""
	}
	return numFmt
}

func (s *WorkbookSink) styleFor(numFmt string) int {
	if numFmt == "" {
		return 0
	}
	if id, ok := s.styles[numFmt]; ok {
		return id
	}
	custom := numFmt
	id, err := s.file.NewStyle(&excelize.Style{CustomNumFmt: &custom})
	if err != nil {
		s.logger.Printf("[workbook] warning: number format %q ignored: %v", numFmt, err)
		id = 0
	}
	s.styles[numFmt] = id
	return id
}

// commit runs one write under the watchdog. A write that overruns the timeout
// still completes; the workbook is only marked incomplete.
func (s *WorkbookSink) commit(write func() error) error {
	return s.watch("row commit", "export marked incomplete", write)
}

func (s *WorkbookSink) watch(what, consequence string, write func() error) error {
	watchdog := time.AfterFunc(s.timeout, func() {
		if s.stalled.CompareAndSwap(false, true) {
			s.logger.Printf("[workbook] warning: %s exceeded %s, %s", what, s.timeout, consequence)
		}
	})
	defer watchdog.Stop()
	return write()
}

// finalize settles sheet visibility, flushes every sheet and writes the
// workbook. It runs once.
func (s *WorkbookSink) finalize(ctx context.Context) error {
	if err := s.lifecycle.Event(ctx, "finalize"); err != nil {
		return fmt.Errorf("finalize workbook: %w", err)
	}

	// Visibility must be settled before the streams are flushed: excelize can
	// no longer edit sheet views once a stream sheet has been written out.
	if !s.Stalled() && len(s.order) > 0 {
		index, err := s.file.GetSheetIndex(s.order[0].name)
		if err != nil {
			return fmt.Errorf("activate sheet %s: %w", s.order[0].name, err)
		}
		s.file.SetActiveSheet(index)
		if err := s.file.SetSheetVisible(DiagnosticsSheet, false); err != nil {
			return fmt.Errorf("hide diagnostics sheet: %w", err)
		}
	}

	var flushErrs *multierror.Error
	for _, sheet := range s.order {
		if err := sheet.stream.Flush(); err != nil {
			flushErrs = multierror.Append(flushErrs, fmt.Errorf("flush sheet %s: %w", sheet.name, err))
		}
	}
	if err := flushErrs.ErrorOrNil(); err != nil {
		return err
	}

	// Sheet views are already serialized here, so a slow output can only be
	// reported, not shown in the diagnostics sheet.
	err := s.watch("workbook write", "export marked incomplete but diagnostics sheet already hidden", func() error {
		_, err := s.file.WriteTo(s.out)
		return err
	})
	if err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	if err := s.lifecycle.Event(ctx, "finalized"); err != nil {
		return fmt.Errorf("finalize workbook: %w", err)
	}
	s.logger.Printf("[workbook] wrote %d sheets (dropped=%d stalled=%t)", len(s.order), s.dropped, s.Stalled())
	return nil
}
