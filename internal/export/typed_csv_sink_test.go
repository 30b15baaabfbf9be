package export

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rpattn/tidyexport/internal/domain"
)

func TestTypedCSVSinkSplitsByType(t *testing.T) {
	outputs := map[string]*closingBuffer{}
	sink := NewTypedCSVSink(testCache(t), func(typ string) (io.WriteCloser, error) {
		out := &closingBuffer{}
		outputs[typ] = out
		return out, nil
	})

	rows := append(sampleRows(), domain.Row{Type: "food", Values: map[string]any{"type": "food"}})
	if err := sink.Consume(context.Background(), rowsOf(rows...)); err != nil {
		t.Fatalf("consume: %v", err)
	}

	if len(outputs) != 2 {
		t.Fatalf("expected one output per configured type, got %d", len(outputs))
	}
	wantCBG := "type,value,time,units\n" +
		"cbg,5.5,2024-03-01T10:00:00Z,mmol/L\n" +
		"cbg,7.25,,mmol/L\n"
	if got := outputs["cbg"].String(); got != wantCBG {
		t.Fatalf("unexpected cbg csv:\n%s", got)
	}
	if got := outputs["smbg"].String(); got != "type,value\nsmbg,6\n" {
		t.Fatalf("unexpected smbg csv:\n%s", got)
	}
	for typ, out := range outputs {
		if !out.closed {
			t.Fatalf("%s output not closed", typ)
		}
	}
	if got := sink.Rows(); got["cbg"] != 2 || got["smbg"] != 1 || got["food"] != 0 {
		t.Fatalf("unexpected row counts %v", got)
	}
}

func TestTypedCSVSinkWritesHeadersForEmptyTypes(t *testing.T) {
	outputs := map[string]*closingBuffer{}
	sink := NewTypedCSVSink(testCache(t), func(typ string) (io.WriteCloser, error) {
		out := &closingBuffer{}
		outputs[typ] = out
		return out, nil
	})
	if err := sink.Consume(context.Background(), rowsOf()); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got := outputs["smbg"].String(); got != "type,value\n" {
		t.Fatalf("unexpected smbg csv %q", got)
	}
}

func TestTypedCSVSinkOpenFailure(t *testing.T) {
	opened := map[string]*closingBuffer{}
	sink := NewTypedCSVSink(testCache(t), func(typ string) (io.WriteCloser, error) {
		if typ == "smbg" {
			return nil, io.ErrClosedPipe
		}
		out := &closingBuffer{}
		opened[typ] = out
		return out, nil
	})
	err := sink.Consume(context.Background(), rowsOf(sampleRows()...))
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected open error, got %v", err)
	}
	if !opened["cbg"].closed {
		t.Fatalf("outputs opened before the failure must be closed")
	}
}

func TestTypedCSVSinkAbortedStream(t *testing.T) {
	outputs := map[string]*closingBuffer{}
	sink := NewTypedCSVSink(testCache(t), func(typ string) (io.WriteCloser, error) {
		out := &closingBuffer{}
		outputs[typ] = out
		return out, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sink.Consume(ctx, rowsOf(sampleRows()...)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if outputs["cbg"].Len() != 0 {
		t.Fatalf("aborted stream must not flush rows, got %q", outputs["cbg"].String())
	}
	if !outputs["cbg"].closed {
		t.Fatalf("outputs must be closed on abort")
	}
}
