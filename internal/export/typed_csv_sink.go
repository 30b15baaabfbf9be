package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"

	"github.com/rpattn/tidyexport/internal/domain"
	"github.com/rpattn/tidyexport/internal/schema"
)

// OpenFunc opens the output for one record type.
type OpenFunc func(typ string) (io.WriteCloser, error)

// TypedCSVSink writes one CSV stream per configured type. Each stream has the
// type's fields as its header and receives only rows of that type.
type TypedCSVSink struct {
	cache *schema.Cache
	open  OpenFunc
	rows  map[string]int
}

type typedOutput struct {
	fields   []string
	record   []string
	closer   io.Closer
	buffered *bufio.Writer
	writer   *csv.Writer
}

func NewTypedCSVSink(cache *schema.Cache, open OpenFunc) *TypedCSVSink {
	return &TypedCSVSink{cache: cache, open: open, rows: map[string]int{}}
}

func (s *TypedCSVSink) Name() string { return "csvs" }

// Rows reports how many data rows were written per type.
func (s *TypedCSVSink) Rows() map[string]int { return s.rows }

func (s *TypedCSVSink) Consume(ctx context.Context, rows <-chan domain.Row) (err error) {
	outputs := make(map[string]*typedOutput, len(s.cache.Types()))
	defer func() {
		var closeErrs *multierror.Error
		for _, typ := range s.cache.Types() {
			out, ok := outputs[typ]
			if !ok {
				continue
			}
			if err == nil {
				if flushErr := flushCSV(out.writer, out.buffered); flushErr != nil {
					closeErrs = multierror.Append(closeErrs, fmt.Errorf("%s: %w", typ, flushErr))
				}
			}
			if closeErr := out.closer.Close(); closeErr != nil {
				closeErrs = multierror.Append(closeErrs, fmt.Errorf("close %s: %w", typ, closeErr))
			}
		}
		if err == nil {
			err = closeErrs.ErrorOrNil()
		}
	}()

	for _, typ := range s.cache.Types() {
		w, openErr := s.open(typ)
		if openErr != nil {
			return fmt.Errorf("open %s: %w", typ, openErr)
		}
		buffered := bufio.NewWriterSize(w, 64<<10)
		out := &typedOutput{
			fields:   s.cache.Fields(typ),
			closer:   w,
			buffered: buffered,
			writer:   csv.NewWriter(buffered),
		}
		out.record = make([]string, len(out.fields))
		outputs[typ] = out
		if err := out.writer.Write(out.fields); err != nil {
			return fmt.Errorf("write %s header: %w", typ, err)
		}
	}

	for row := range rows {
		out, ok := outputs[row.Type]
		if !ok {
			continue
		}
		for i, field := range out.fields {
			out.record[i] = formatValue(row.Get(field))
		}
		if err := out.writer.Write(out.record); err != nil {
			return fmt.Errorf("write %s row: %w", row.Type, err)
		}
		s.rows[row.Type]++
	}
	return ctx.Err()
}
