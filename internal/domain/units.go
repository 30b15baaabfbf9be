package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Units is a blood glucose unit.
type Units string

const (
	UnitsMgdL  Units = "mg/dL"
	UnitsMmolL Units = "mmol/L"
)

// MgdLPerMmolL is the molar conversion factor between the two BG units.
const MgdLPerMmolL = 18.01559

// ParseUnits accepts the canonical spellings and their case variants.
func ParseUnits(value string) (Units, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "mg/dl":
		return UnitsMgdL, nil
	case "mmol/l":
		return UnitsMmolL, nil
	default:
		return "", fmt.Errorf("unsupported BG units %q", value)
	}
}

// Decimals is the rounding precision applied to values converted into u.
func (u Units) Decimals() int {
	if u == UnitsMgdL {
		return 0
	}
	return 1
}

// ConvertBG converts value from one unit to the other. Values already in the
// target unit are returned untouched; converted values are rounded to the
// target unit's precision.
func ConvertBG(value float64, from, to Units) float64 {
	if from == to {
		return value
	}
	var converted float64
	if to == UnitsMgdL {
		converted = value * MgdLPerMmolL
	} else {
		converted = value / MgdLPerMmolL
	}
	return Round(converted, to.Decimals())
}

// Round rounds half away from zero to the given number of decimals.
func Round(value float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Round(value*scale) / scale
}

// BGKind tags the representation of a unit-bearing field.
type BGKind int

const (
	// BGUnsupported covers absent, null, boolean and other unconvertible values.
	BGUnsupported BGKind = iota
	// BGScalar is a bare number.
	BGScalar
	// BGEncoded is JSON text, typically produced by stringification.
	BGEncoded
	// BGStructured is a decoded object or array.
	BGStructured
)

// BGValue is the tagged representation of a unit-bearing field value.
type BGValue struct {
	Kind       BGKind
	Scalar     float64
	Encoded    string
	Structured any
}

// ClassifyBG tags a raw record value.
func ClassifyBG(value any) BGValue {
	switch v := value.(type) {
	case float64:
		return BGValue{Kind: BGScalar, Scalar: v}
	case float32:
		return BGValue{Kind: BGScalar, Scalar: float64(v)}
	case int:
		return BGValue{Kind: BGScalar, Scalar: float64(v)}
	case int64:
		return BGValue{Kind: BGScalar, Scalar: float64(v)}
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return BGValue{}
		}
		return BGValue{Kind: BGScalar, Scalar: f}
	case string:
		return BGValue{Kind: BGEncoded, Encoded: v}
	case map[string]any, []any:
		return BGValue{Kind: BGStructured, Structured: v}
	default:
		return BGValue{}
	}
}

// Value returns the raw representation to store back on a record.
func (b BGValue) Value() any {
	switch b.Kind {
	case BGScalar:
		return b.Scalar
	case BGEncoded:
		return b.Encoded
	case BGStructured:
		return b.Structured
	default:
		return nil
	}
}
