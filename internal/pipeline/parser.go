package pipeline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/rpattn/tidyexport/internal/domain"
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// ErrNotArray is returned when the input is not a JSON array.
var ErrNotArray = errors.New("input is not a JSON array")

// Parser yields the elements of a JSON array one record at a time, without
// reading the whole document.
type Parser struct {
	dec     *json.Decoder
	logger  *log.Logger
	started bool
	done    bool
	index   int
}

// NewParser wraps r. A leading UTF-8 byte order mark is skipped.
func NewParser(r io.Reader, logger *log.Logger) *Parser {
	buffered := bufio.NewReaderSize(r, 64<<10)
	if head, err := buffered.Peek(len(byteOrderMark)); err == nil && bytes.Equal(head, byteOrderMark) {
		_, _ = buffered.Discard(len(byteOrderMark))
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Parser{dec: json.NewDecoder(buffered), logger: logger}
}

// Next returns the next record, or io.EOF after the closing bracket. Array
// elements that are not objects are skipped with a warning; any other decode
// failure is returned and is fatal to the stream.
func (p *Parser) Next() (domain.Record, error) {
	if p.done {
		return nil, io.EOF
	}
	if !p.started {
		token, err := p.dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("read input: %w", io.ErrUnexpectedEOF)
			}
			return nil, fmt.Errorf("read input: %w", err)
		}
		if delim, ok := token.(json.Delim); !ok || delim != '[' {
			return nil, ErrNotArray
		}
		p.started = true
	}
	for p.dec.More() {
		p.index++
		var raw json.RawMessage
		if err := p.dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode element %d: %w", p.index, err)
		}
		var record domain.Record
		if err := json.Unmarshal(raw, &record); err != nil {
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				p.logger.Printf("[pipeline] warning: skipping element %d: not an object", p.index)
				continue
			}
			return nil, fmt.Errorf("decode element %d: %w", p.index, err)
		}
		if record == nil {
			p.logger.Printf("[pipeline] warning: skipping element %d: null", p.index)
			continue
		}
		if record.Type() == CompositeType {
			if err := keepScheduleOrder(raw, record); err != nil {
				return nil, fmt.Errorf("decode element %d: %w", p.index, err)
			}
		}
		return record, nil
	}
	if _, err := p.dec.Token(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	p.done = true
	return nil, io.EOF
}

// namedSchedules is a mapping of schedule name to entries that remembers the
// order the names appeared in. Decoded JSON objects lose that order.
type namedSchedules struct {
	names  []string
	byName map[string]any
}

func (n namedSchedules) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range n.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(n.byName[name])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// keepScheduleOrder replaces the name-keyed schedule maps of a pump settings
// record with namedSchedules in the order of raw.
func keepScheduleOrder(raw json.RawMessage, record domain.Record) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return err
	}
	for dec.More() {
		token, err := dec.Token()
		if err != nil {
			return err
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return err
		}
		key, _ := token.(string)
		if _, ok := expandedKeys[key]; !ok {
			continue
		}
		byName, ok := record[key].(map[string]any)
		if !ok {
			continue
		}
		names, err := objectKeys(value)
		if err != nil {
			return err
		}
		record[key] = namedSchedules{names: names, byName: byName}
	}
	return nil
}

// objectKeys lists the distinct keys of a JSON object in input order.
func objectKeys(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	var keys []string
	seen := map[string]struct{}{}
	for dec.More() {
		token, err := dec.Token()
		if err != nil {
			return nil, err
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
		key, _ := token.(string)
		if _, dup := seen[key]; !dup {
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	return keys, nil
}
