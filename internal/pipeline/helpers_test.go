package pipeline

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"testing"

	"github.com/rpattn/tidyexport/internal/domain"
	"github.com/rpattn/tidyexport/internal/schema"
)

func defaultCache(t *testing.T) *schema.Cache {
	t.Helper()
	specs, err := schema.Default()
	if err != nil {
		t.Fatalf("load default schema: %v", err)
	}
	return schema.Build(specs)
}

func bufferLogger() (*log.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return log.New(&buf, "", 0), &buf
}

// decodeRecord builds a record with the parser.
func decodeRecord(t *testing.T, raw string) domain.Record {
	t.Helper()
	rec, err := NewParser(strings.NewReader("["+raw+"]"), nil).Next()
	if err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return rec
}

func deepCopy(t *testing.T, rec domain.Record) domain.Record {
	t.Helper()
	encoded, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	return decodeRecord(t, string(encoded))
}
