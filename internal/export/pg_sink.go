package export

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rpattn/tidyexport/internal/db"
	"github.com/rpattn/tidyexport/internal/domain"
)

// CopyStore is the slice of pgx.Tx the archive sink needs.
type CopyStore interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// TxFunc runs fn inside a transaction, committing when it returns nil.
type TxFunc func(ctx context.Context, fn func(CopyStore) error) error

var archiveColumns = []string{"run_id", "seq", "type", "row"}

// PGSink archives every row of a run into PostgreSQL. Rows are streamed with
// COPY straight from the row channel, so nothing is buffered beyond the
// current row.
type PGSink struct {
	runID  uuid.UUID
	withTx TxFunc
	copied int64
}

// NewPGSink archives into the export_rows table of conn.
func NewPGSink(conn *db.Connection, runID uuid.UUID) *PGSink {
	return NewPGSinkWithTx(func(ctx context.Context, fn func(CopyStore) error) error {
		return conn.WithTx(ctx, func(tx pgx.Tx) error { return fn(tx) })
	}, runID)
}

func NewPGSinkWithTx(withTx TxFunc, runID uuid.UUID) *PGSink {
	return &PGSink{runID: runID, withTx: withTx}
}

func (s *PGSink) Name() string { return "postgres" }

// Copied reports how many rows were committed.
func (s *PGSink) Copied() int64 { return s.copied }

func (s *PGSink) Consume(ctx context.Context, rows <-chan domain.Row) error {
	return s.withTx(ctx, func(store CopyStore) error {
		if _, err := store.Exec(ctx, "INSERT INTO export_runs (run_id) VALUES ($1)", s.runID); err != nil {
			return fmt.Errorf("register run %s: %w", s.runID, err)
		}
		source := &rowSource{rows: rows, runID: s.runID}
		copied, err := store.CopyFrom(ctx, pgx.Identifier{"export_rows"}, archiveColumns, source)
		if err != nil {
			return fmt.Errorf("copy rows: %w", err)
		}
		// A closed channel also ends the copy when the stream aborts; never
		// commit a partial run.
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := store.Exec(ctx, "UPDATE export_runs SET finished_at = NOW(), row_count = $2 WHERE run_id = $1", s.runID, copied); err != nil {
			return fmt.Errorf("complete run %s: %w", s.runID, err)
		}
		s.copied = copied
		return nil
	})
}

// rowSource adapts the row channel to pgx.CopyFromSource.
type rowSource struct {
	rows    <-chan domain.Row
	runID   uuid.UUID
	seq     int64
	current []any
	err     error
}

func (r *rowSource) Next() bool {
	row, ok := <-r.rows
	if !ok {
		return false
	}
	payload, err := json.Marshal(row.Values)
	if err != nil {
		r.err = fmt.Errorf("encode %s row: %w", row.Type, err)
		return false
	}
	r.seq++
	r.current = []any{r.runID, r.seq, row.Type, payload}
	return true
}

func (r *rowSource) Values() ([]any, error) { return r.current, nil }

func (r *rowSource) Err() error { return r.err }
