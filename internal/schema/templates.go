package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"text/template"

	"github.com/rpattn/tidyexport/internal/domain"
)

// FormatFunc renders the spreadsheet number format for one cell from the
// record the cell belongs to. An empty result means "no format".
type FormatFunc func(record map[string]any) (string, error)

// TransformFunc renders the fields to merge into a record.
type TransformFunc func(record map[string]any, options TransformOptions) (map[string]any, error)

// TransformOptions is exposed to transform templates as `.options`.
type TransformOptions struct {
	BGUnits domain.Units
}

func (o TransformOptions) asMap() map[string]any {
	return map[string]any{"bgUnits": string(o.BGUnits)}
}

var templateFuncs = template.FuncMap{
	"div":   divide,
	"mul":   multiply,
	"round": roundTo,
	"has":   hasKey,
	"json":  toJSON,
	"num":   toNumber,
}

// compileFormat builds the closure for a cell format. Literal formats skip the
// template engine entirely. Parse failures are reported when the closure runs.
func compileFormat(name, text string) FormatFunc {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if !strings.Contains(text, "{{") {
		return func(map[string]any) (string, error) { return text, nil }
	}
	tmpl, err := template.New(name).Funcs(templateFuncs).Parse(text)
	if err != nil {
		parseErr := fmt.Errorf("parse cell format %s: %w", name, err)
		return func(map[string]any) (string, error) { return "", parseErr }
	}
	return func(record map[string]any) (string, error) {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, map[string]any{"data": record}); err != nil {
			return "", fmt.Errorf("evaluate cell format %s: %w", name, err)
		}
		return strings.TrimSpace(buf.String()), nil
	}
}

// compileTransform builds the closure for a whole-record transform. The
// template must render a JSON object, or nothing at all.
func compileTransform(name, text string) TransformFunc {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	tmpl, err := template.New(name).Funcs(templateFuncs).Parse(text)
	if err != nil {
		parseErr := fmt.Errorf("parse transform %s: %w", name, err)
		return func(map[string]any, TransformOptions) (map[string]any, error) { return nil, parseErr }
	}
	return func(record map[string]any, options TransformOptions) (map[string]any, error) {
		var buf bytes.Buffer
		data := map[string]any{"data": record, "options": options.asMap()}
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("evaluate transform %s: %w", name, err)
		}
		rendered := bytes.TrimSpace(buf.Bytes())
		if len(rendered) == 0 {
			return nil, nil
		}
		var merged map[string]any
		if err := json.Unmarshal(rendered, &merged); err != nil {
			return nil, fmt.Errorf("transform %s did not render a JSON object: %w", name, err)
		}
		return merged, nil
	}
}

func toNumber(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return 0, fmt.Errorf("%v (%T) is not a number", value, value)
	}
}

func divide(a, b any) (float64, error) {
	x, err := toNumber(a)
	if err != nil {
		return 0, err
	}
	y, err := toNumber(b)
	if err != nil {
		return 0, err
	}
	if y == 0 {
		return 0, fmt.Errorf("division by zero")
	}
	return x / y, nil
}

func multiply(a, b any) (float64, error) {
	x, err := toNumber(a)
	if err != nil {
		return 0, err
	}
	y, err := toNumber(b)
	if err != nil {
		return 0, err
	}
	return x * y, nil
}

func roundTo(value any, decimals int) (float64, error) {
	x, err := toNumber(value)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, fmt.Errorf("cannot round %v", x)
	}
	return domain.Round(x, decimals), nil
}

func hasKey(record map[string]any, key string) bool {
	value, ok := record[key]
	return ok && value != nil
}

func toJSON(value any) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
