package domain

import (
	"errors"
	"strings"
)

var (
	// ErrMissingType is reported when a record carries no usable `type` discriminant.
	ErrMissingType = errors.New("record has no type")
	// ErrUnknownType is reported when a record's type has no Type Spec.
	ErrUnknownType = errors.New("record type is not configured")
)

// TypeField is the discriminant every record must carry.
const TypeField = "type"

// Record is one health event as decoded from the input stream. Records are
// handed from stage to stage and mutated in place; a stage that passes a
// record on no longer touches it.
type Record map[string]any

// Type returns the trimmed `type` value, or "" when absent or not a string.
func (r Record) Type() string {
	value, ok := r[TypeField].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

// Clone copies the top level of the record and any nested maps one level deep.
// Slices are shared.
func (r Record) Clone() Record {
	clone := make(Record, len(r))
	for key, value := range r {
		if nested, ok := value.(map[string]any); ok {
			copied := make(map[string]any, len(nested))
			for k, v := range nested {
				copied[k] = v
			}
			clone[key] = copied
			continue
		}
		clone[key] = value
	}
	return clone
}
