package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/tidyexport/internal/domain"
	"github.com/rpattn/tidyexport/internal/schema"
)

// Sink consumes the flattened row stream. Consume must return once rows is
// closed; a sink that returns early is drained by the pipeline so it never
// holds up the other sinks. Rows are shared between sinks and must not be
// modified.
type Sink interface {
	Name() string
	Consume(ctx context.Context, rows <-chan domain.Row) error
}

// Config wires one pipeline run.
type Config struct {
	Cache  *schema.Cache
	Units  UnitPolicy
	Sinks  []Sink
	Logger *log.Logger
	RunID  uuid.UUID
}

// Stats summarizes a run.
type Stats struct {
	RunID          uuid.UUID
	RecordsRead    int
	RecordsDerived int
	RecordsDropped int
	RowsPublished  int
	// SinkRows is the number of rows delivered to each sink, by name.
	SinkRows map[string]int
	// SinkErrors collects sink failures. They never stop the run.
	SinkErrors *multierror.Error
}

// SinkErr returns the combined sink failure, or nil.
func (s Stats) SinkErr() error {
	return s.SinkErrors.ErrorOrNil()
}

// Run streams src through split, normalize and flatten stages into every
// configured sink. Stages hand records over unbuffered channels, so each
// record belongs to exactly one stage at a time. The returned error is only
// set for fatal failures (unreadable or malformed input); sink failures are
// reported in Stats.
func Run(ctx context.Context, src io.Reader, cfg Config) (Stats, error) {
	if cfg.Cache == nil {
		return Stats{}, errors.New("schema cache is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	runID := cfg.RunID
	if runID == uuid.Nil {
		runID = domain.RunIDOrNew(ctx)
	}
	stats := Stats{RunID: runID}

	broadcaster := NewBroadcaster()
	type subscription struct {
		sink Sink
		rows <-chan domain.Row
	}
	subscriptions := make([]subscription, 0, len(cfg.Sinks))
	for _, sink := range cfg.Sinks {
		rows, err := broadcaster.Subscribe(sink.Name())
		if err != nil {
			return stats, err
		}
		subscriptions = append(subscriptions, subscription{sink: sink, rows: rows})
	}

	// Sinks get their own context: it is cancelled only when the stream
	// aborts, so a sink can tell a finished stream from a broken one when its
	// channel closes.
	sinkCtx, cancelSinks := context.WithCancel(ctx)
	defer cancelSinks()
	g, gctx := errgroup.WithContext(ctx)

	var (
		sinkWG   sync.WaitGroup
		sinkMu   sync.Mutex
		sinkErrs *multierror.Error
	)
	for _, sub := range subscriptions {
		sinkWG.Add(1)
		go func(sink Sink, rows <-chan domain.Row) {
			defer sinkWG.Done()
			err := consumeSafely(sinkCtx, sink, rows)
			for range rows {
				// Drain so a failed sink cannot block the others.
			}
			if err != nil {
				logger.Printf("[pipeline] sink %s failed: %v", sink.Name(), err)
				sinkMu.Lock()
				sinkErrs = multierror.Append(sinkErrs, fmt.Errorf("sink %s: %w", sink.Name(), err))
				sinkMu.Unlock()
			}
		}(sub.sink, sub.rows)
	}

	parsed := make(chan domain.Record)
	split := make(chan domain.Record)
	splitter := NewSplitter(cfg.Cache, logger)
	normalizer := NewNormalizer(cfg.Cache, cfg.Units, logger)
	flattener := NewFlattener(cfg.Cache)

	g.Go(func() error {
		defer close(parsed)
		parser := NewParser(src, logger)
		for {
			if err := gctx.Err(); err != nil {
				return err
			}
			record, err := parser.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			stats.RecordsRead++
			select {
			case parsed <- record:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		defer close(split)
		emit := func(record domain.Record) error {
			select {
			case split <- record:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		for record := range parsed {
			if err := splitter.Split(record, emit); err != nil {
				return err
			}
		}
		return nil
	})

	g.Go(func() error {
		for record := range split {
			row := flattener.Flatten(normalizer.Normalize(record))
			if err := broadcaster.Publish(gctx, row); err != nil {
				return err
			}
			stats.RowsPublished++
		}
		return nil
	})

	err := g.Wait()
	if err != nil {
		cancelSinks()
	}
	broadcaster.Close()
	sinkWG.Wait()

	stats.RecordsDerived = splitter.Derived()
	stats.RecordsDropped = splitter.Dropped()
	stats.SinkRows = broadcaster.Delivered()
	stats.SinkErrors = sinkErrs
	if err != nil {
		return stats, fmt.Errorf("export stream aborted: %w", err)
	}
	return stats, nil
}

func consumeSafely(ctx context.Context, sink Sink, rows <-chan domain.Row) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return sink.Consume(ctx, rows)
}
