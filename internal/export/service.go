package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/rpattn/tidyexport/internal/db"
	"github.com/rpattn/tidyexport/internal/domain"
	"github.com/rpattn/tidyexport/internal/pipeline"
	"github.com/rpattn/tidyexport/internal/schema"
)

// Format selects one output of an export.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatCSVs Format = "csvs"
	FormatXLSX Format = "xlsx"
	FormatAll  Format = "all"
)

var ErrUnknownFormat = errors.New("unknown export format")

// ParseFormats normalizes format names, expanding "all". An empty list means
// every format.
func ParseFormats(values []string) ([]Format, error) {
	seen := map[Format]struct{}{}
	formats := make([]Format, 0, 3)
	add := func(f Format) {
		if _, ok := seen[f]; !ok {
			seen[f] = struct{}{}
			formats = append(formats, f)
		}
	}
	for _, value := range values {
		switch f := Format(strings.ToLower(strings.TrimSpace(value))); f {
		case FormatCSV, FormatCSVs, FormatXLSX:
			add(f)
		case FormatAll:
			add(FormatCSV)
			add(FormatCSVs)
			add(FormatXLSX)
		case "":
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, value)
		}
	}
	if len(formats) == 0 {
		return []Format{FormatCSV, FormatCSVs, FormatXLSX}, nil
	}
	return formats, nil
}

// Service runs exports into files under an export directory.
type Service struct {
	cache         *schema.Cache
	policy        pipeline.UnitPolicy
	exportDir     string
	salt          string
	commitTimeout time.Duration
	archive       *db.Connection
	logger        *log.Logger
}

type Option func(*Service)

func WithExportDirectory(dir string) Option {
	return func(s *Service) {
		if strings.TrimSpace(dir) != "" {
			s.exportDir = filepath.Clean(dir)
		}
	}
}

// WithSalt mixes salt into output file names so they cannot be guessed from
// the input name.
func WithSalt(salt string) Option {
	return func(s *Service) {
		s.salt = salt
	}
}

func WithCommitTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.commitTimeout = timeout
		}
	}
}

func WithUnitPolicy(policy pipeline.UnitPolicy) Option {
	return func(s *Service) {
		s.policy = policy
	}
}

// WithArchive also copies every exported row into PostgreSQL.
func WithArchive(conn *db.Connection) Option {
	return func(s *Service) {
		s.archive = conn
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(cache *schema.Cache, opts ...Option) *Service {
	service := &Service{
		cache:         cache,
		policy:        pipeline.DefaultUnitPolicy(domain.UnitsMmolL),
		exportDir:     filepath.Join(os.TempDir(), "tidyexport"),
		commitTimeout: defaultWorkbookTimeout,
		logger:        log.Default(),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// Request describes one file export.
type Request struct {
	// InputName names the source; output names are derived from it.
	InputName string
	Formats   []Format
	// Units overrides the configured target unit when set.
	Units domain.Units
}

// Result reports the promoted outputs of an export.
type Result struct {
	Stats   pipeline.Stats
	Files   []string
	Stalled bool
}

// OutputBase is the file name stem shared by every output of inputName.
func OutputBase(inputName, salt string) string {
	sum := sha256.Sum256([]byte(filepath.Base(inputName) + salt))
	return hex.EncodeToString(sum[:])
}

// ExportFile exports the JSON file at path.
func (s *Service) ExportFile(ctx context.Context, path string, req Request) (Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open input: %w", err)
	}
	defer file.Close()
	if req.InputName == "" {
		req.InputName = path
	}
	return s.Export(ctx, file, req)
}

// Export streams src into every requested format. Outputs are written under
// temporary names and only renamed into place when their sink succeeded and
// the stream was read to the end.
func (s *Service) Export(ctx context.Context, src io.Reader, req Request) (Result, error) {
	formats, err := ParseFormats(formatStrings(req.Formats))
	if err != nil {
		return Result{}, err
	}
	if err := s.ensureExportDirectory(); err != nil {
		return Result{}, err
	}
	base := OutputBase(req.InputName, s.salt)
	runID := domain.RunIDOrNew(ctx)

	var outputs []*output
	defer func() {
		for _, out := range outputs {
			out.discard()
		}
	}()
	var workbook *WorkbookSink
	for _, format := range formats {
		var out *output
		switch format {
		case FormatCSV:
			out, err = s.fileOutput(base, ".csv", func(w io.Writer) pipeline.Sink {
				return NewCSVSink(s.cache, w)
			})
		case FormatXLSX:
			out, err = s.fileOutput(base, ".xlsx", func(w io.Writer) pipeline.Sink {
				workbook = NewWorkbookSink(s.cache, w, WithWorkbookCommitTimeout(s.commitTimeout), WithWorkbookLogger(s.logger))
				return workbook
			})
		case FormatCSVs:
			out, err = s.directoryOutput(base)
		}
		if err != nil {
			return Result{}, err
		}
		outputs = append(outputs, out)
	}

	sinks := make([]pipeline.Sink, 0, len(outputs)+1)
	for _, out := range outputs {
		sinks = append(sinks, out)
	}
	if s.archive != nil {
		sinks = append(sinks, NewPGSink(s.archive, runID))
	}

	stats, err := pipeline.Run(ctx, src, s.pipelineConfig(req.Units, sinks, runID))
	if err != nil {
		return Result{Stats: stats}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{Stats: stats}, err
	}

	result := Result{Stats: stats}
	if workbook != nil {
		result.Stalled = workbook.Stalled()
	}
	for _, out := range outputs {
		if out.err != nil {
			continue
		}
		if err := out.promote(); err != nil {
			stats.SinkErrors = appendSinkError(stats.SinkErrors, out.Name(), err)
			continue
		}
		result.Files = append(result.Files, out.final)
	}
	result.Stats = stats
	s.logger.Printf("[export] run %s exported %d records (rows=%d files=%d)", runID, stats.RecordsRead, stats.RowsPublished, len(result.Files))
	if err := stats.SinkErr(); err != nil {
		return result, fmt.Errorf("export finished with failed outputs: %w", err)
	}
	return result, nil
}

// Stream runs one export straight into sink without touching the export
// directory.
func (s *Service) Stream(ctx context.Context, src io.Reader, units domain.Units, sink pipeline.Sink) (pipeline.Stats, error) {
	sinks := []pipeline.Sink{sink}
	runID := domain.RunIDOrNew(ctx)
	if s.archive != nil {
		sinks = append(sinks, NewPGSink(s.archive, runID))
	}
	stats, err := pipeline.Run(ctx, src, s.pipelineConfig(units, sinks, runID))
	if err != nil {
		return stats, err
	}
	s.logger.Printf("[export] run %s streamed %d records to %s", runID, stats.RecordsRead, sink.Name())
	return stats, stats.SinkErr()
}

// Columns returns the column universe of the configured schema.
func (s *Service) Columns() []string {
	return s.cache.Columns()
}

func (s *Service) pipelineConfig(units domain.Units, sinks []pipeline.Sink, runID uuid.UUID) pipeline.Config {
	policy := s.policy
	if units != "" {
		policy.Target = units
	}
	return pipeline.Config{
		Cache:  s.cache,
		Units:  policy,
		Sinks:  sinks,
		Logger: s.logger,
		RunID:  runID,
	}
}

func (s *Service) ensureExportDirectory() error {
	if strings.TrimSpace(s.exportDir) == "" {
		return errors.New("export directory is not configured")
	}
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return fmt.Errorf("ensure export directory: %w", err)
	}
	return nil
}

// output is a sink whose result lives at a temporary path until promoted.
type output struct {
	pipeline.Sink
	temp  string
	final string
	err   error
	// file is closed by the sink once it consumes; discard closes it when
	// the sink never ran.
	file     io.Closer
	consumed bool
}

func (o *output) Consume(ctx context.Context, rows <-chan domain.Row) error {
	o.consumed = true
	o.err = o.Sink.Consume(ctx, rows)
	return o.err
}

func (o *output) promote() error {
	if err := os.RemoveAll(o.final); err != nil {
		return fmt.Errorf("replace %s: %w", o.final, err)
	}
	if err := os.Rename(o.temp, o.final); err != nil {
		return fmt.Errorf("promote export file: %w", err)
	}
	o.temp = ""
	return nil
}

func (o *output) discard() {
	if !o.consumed && o.file != nil {
		_ = o.file.Close()
		o.file = nil
	}
	if o.temp != "" {
		_ = os.RemoveAll(o.temp)
	}
}

func (s *Service) fileOutput(base, ext string, build func(io.Writer) pipeline.Sink) (*output, error) {
	tempFile, err := os.CreateTemp(s.exportDir, fmt.Sprintf("%s-*%s.tmp", base, ext))
	if err != nil {
		return nil, fmt.Errorf("create temp export file: %w", err)
	}
	file := &syncedFile{File: tempFile}
	return &output{
		Sink:  build(file),
		temp:  tempFile.Name(),
		final: filepath.Join(s.exportDir, base+ext),
		file:  file,
	}, nil
}

func (s *Service) directoryOutput(base string) (*output, error) {
	tempDir, err := os.MkdirTemp(s.exportDir, base+"-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp export directory: %w", err)
	}
	open := func(typ string) (io.WriteCloser, error) {
		file, err := os.Create(filepath.Join(tempDir, typ+".csv"))
		if err != nil {
			return nil, err
		}
		return &syncedFile{File: file}, nil
	}
	return &output{
		Sink:  NewTypedCSVSink(s.cache, open),
		temp:  tempDir,
		final: filepath.Join(s.exportDir, base),
	}, nil
}

// syncedFile flushes to disk before closing.
type syncedFile struct {
	*os.File
}

func (f *syncedFile) Close() error {
	if err := f.File.Sync(); err != nil {
		_ = f.File.Close()
		return fmt.Errorf("sync export file: %w", err)
	}
	return f.File.Close()
}

func appendSinkError(errs *multierror.Error, name string, err error) *multierror.Error {
	return multierror.Append(errs, fmt.Errorf("sink %s: %w", name, err))
}

func formatStrings(formats []Format) []string {
	values := make([]string, len(formats))
	for i, f := range formats {
		values[i] = string(f)
	}
	return values
}
