package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/rpattn/tidyexport/internal/domain"
	"github.com/rpattn/tidyexport/internal/schema"
)

const flushEvery = 1000

// CSVSink writes every row to one CSV stream whose header is the column
// universe.
type CSVSink struct {
	cache  *schema.Cache
	out    io.Writer
	rows   int
	closer io.Closer
}

// NewCSVSink writes to out. When out is also an io.Closer it is closed once
// the stream ends.
func NewCSVSink(cache *schema.Cache, out io.Writer) *CSVSink {
	sink := &CSVSink{cache: cache, out: out}
	if closer, ok := out.(io.Closer); ok {
		sink.closer = closer
	}
	return sink
}

func (s *CSVSink) Name() string { return "csv" }

// Rows reports how many data rows were written.
func (s *CSVSink) Rows() int { return s.rows }

func (s *CSVSink) Consume(ctx context.Context, rows <-chan domain.Row) (err error) {
	if s.closer != nil {
		defer func() {
			if closeErr := s.closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("close csv output: %w", closeErr)
			}
		}()
	}
	buffered := bufio.NewWriterSize(s.out, 1<<20)
	writer := csv.NewWriter(buffered)

	headers := s.cache.Columns()
	if err := writer.Write(headers); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	record := make([]string, len(headers))
	for row := range rows {
		for i, column := range headers {
			record[i] = formatValue(row.Get(column))
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
		s.rows++
		if s.rows%flushEvery == 0 {
			if err := flushCSV(writer, buffered); err != nil {
				return err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return flushCSV(writer, buffered)
}

func flushCSV(writer *csv.Writer, buffered *bufio.Writer) error {
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush rows: %w", err)
	}
	if err := buffered.Flush(); err != nil {
		return fmt.Errorf("flush buffered rows: %w", err)
	}
	return nil
}
