package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/rpattn/tidyexport/internal/domain"
)

// AnyType keys the BG field list applied to types without their own entry.
const AnyType = "*"

// UnitPolicy decides which fields of which record types carry blood glucose
// values.
type UnitPolicy struct {
	Target domain.Units
	// Fields maps a record type to its BG-bearing fields. AnyType is the
	// fallback for unlisted types.
	Fields map[string][]string
	// LeafKeys are the members of structured BG fields that hold values.
	LeafKeys []string
	// ExemptTypes are never converted, and their units tag is left alone.
	ExemptTypes []string
}

// DefaultUnitPolicy returns the policy for Tidepool data.
func DefaultUnitPolicy(target domain.Units) UnitPolicy {
	return UnitPolicy{
		Target: target,
		Fields: map[string][]string{
			AnyType:                               {"value"},
			"wizard":                              {"bgInput", "bgTarget", "insulinSensitivity"},
			CompositeType:                         {"bgTarget", "bgTargets", "insulinSensitivity", "insulinSensitivities"},
			CompositeType + ".bgTarget":           {"bgTarget"},
			CompositeType + ".insulinSensitivity": {"insulinSensitivity"},
			CompositeType + ".basalSchedules":     nil,
			CompositeType + ".carbRatio":          nil,
		},
		LeafKeys:    []string{"high", "low", "target", "range", "amount"},
		ExemptTypes: []string{"bloodKetone"},
	}
}

// UnitConverter rewrites BG values and units tags into the target unit.
type UnitConverter struct {
	target domain.Units
	fields map[string][]string
	leaves map[string]struct{}
	exempt map[string]struct{}
}

// NewUnitConverter compiles policy. An empty target defaults to mmol/L.
func NewUnitConverter(policy UnitPolicy) *UnitConverter {
	c := &UnitConverter{
		target: policy.Target,
		fields: policy.Fields,
		leaves: make(map[string]struct{}, len(policy.LeafKeys)),
		exempt: make(map[string]struct{}, len(policy.ExemptTypes)),
	}
	if c.target == "" {
		c.target = domain.UnitsMmolL
	}
	for _, key := range policy.LeafKeys {
		c.leaves[key] = struct{}{}
	}
	for _, typ := range policy.ExemptTypes {
		c.exempt[typ] = struct{}{}
	}
	return c
}

// Target is the unit records are converted into.
func (c *UnitConverter) Target() domain.Units { return c.target }

// Convert rewrites rec in place. Values that are missing or not numeric are
// skipped without complaint. Records already in the target unit are not
// changed, which makes Convert idempotent.
func (c *UnitConverter) Convert(rec domain.Record) {
	typ := rec.Type()
	if _, exempt := c.exempt[typ]; exempt {
		return
	}
	source, tagged := c.sourceUnits(rec["units"])
	if source == c.target {
		return
	}

	fields, ok := c.fields[typ]
	if !ok {
		fields = c.fields[AnyType]
	}
	converted := false
	for _, field := range fields {
		value, present := rec[field]
		if !present {
			continue
		}
		if schedules, ok := value.(namedSchedules); ok {
			if next, changed := c.convertTree(schedules.byName, source); changed {
				rec[field] = namedSchedules{names: schedules.names, byName: next.(map[string]any)}
				converted = true
			}
			continue
		}
		next, changed := c.convertValue(domain.ClassifyBG(value), source)
		if changed {
			rec[field] = next.Value()
			converted = true
		}
	}

	switch units, isObject := rec["units"].(map[string]any); {
	case tagged:
		rec["units"] = c.retag(rec["units"])
	case converted && isObject:
		rec["units"] = c.retag(units)
	case converted:
		rec["units"] = string(c.target)
	}
}

func (c *UnitConverter) convertValue(value domain.BGValue, source domain.Units) (domain.BGValue, bool) {
	switch value.Kind {
	case domain.BGScalar:
		value.Scalar = domain.ConvertBG(value.Scalar, source, c.target)
		return value, true
	case domain.BGStructured:
		next, changed := c.convertTree(value.Structured, source)
		value.Structured = next
		return value, changed
	case domain.BGEncoded:
		var decoded any
		if err := json.Unmarshal([]byte(value.Encoded), &decoded); err != nil {
			return value, false
		}
		var changed bool
		if number, ok := decoded.(float64); ok {
			decoded, changed = domain.ConvertBG(number, source, c.target), true
		} else {
			decoded, changed = c.convertTree(decoded, source)
		}
		if !changed {
			return value, false
		}
		encoded, err := json.Marshal(decoded)
		if err != nil {
			return value, false
		}
		value.Encoded = string(encoded)
		return value, true
	default:
		return value, false
	}
}

// convertTree converts every numeric leaf key found in nested maps and lists.
// The input is not modified; changed containers are copied.
func (c *UnitConverter) convertTree(node any, source domain.Units) (any, bool) {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		changed := false
		for key, child := range v {
			if _, leaf := c.leaves[key]; leaf {
				if number, ok := child.(float64); ok {
					out[key] = domain.ConvertBG(number, source, c.target)
					changed = true
					continue
				}
			}
			next, childChanged := c.convertTree(child, source)
			out[key] = next
			changed = changed || childChanged
		}
		return out, changed
	case []any:
		out := make([]any, len(v))
		changed := false
		for i, child := range v {
			next, childChanged := c.convertTree(child, source)
			out[i] = next
			changed = changed || childChanged
		}
		return out, changed
	default:
		return node, false
	}
}

// sourceUnits reads the BG unit a record declares. Records without a usable
// declaration are stored in mmol/L. tagged reports whether the record carries
// a BG units tag that retag can rewrite.
func (c *UnitConverter) sourceUnits(value any) (domain.Units, bool) {
	switch v := value.(type) {
	case string:
		if units, err := domain.ParseUnits(v); err == nil {
			return units, true
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			return c.sourceUnits(decoded)
		}
	case map[string]any:
		if bg, ok := v["bg"].(string); ok {
			if units, err := domain.ParseUnits(bg); err == nil {
				return units, true
			}
		}
	}
	return domain.UnitsMmolL, false
}

// retag rewrites a units tag in the same representation it arrived in.
func (c *UnitConverter) retag(value any) any {
	switch v := value.(type) {
	case string:
		if _, err := domain.ParseUnits(v); err == nil {
			return string(c.target)
		}
		var decoded any
		if err := json.Unmarshal([]byte(strings.TrimSpace(v)), &decoded); err != nil {
			return v
		}
		encoded, err := json.Marshal(c.retag(decoded))
		if err != nil {
			return v
		}
		return string(encoded)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, member := range v {
			out[key] = member
		}
		out["bg"] = string(c.target)
		return out
	default:
		return value
	}
}
