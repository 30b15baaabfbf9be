package pipeline

import (
	"encoding/json"
	"log"

	"github.com/rpattn/tidyexport/internal/domain"
	"github.com/rpattn/tidyexport/internal/schema"
)

// Normalizer applies the per-record rewrites that precede flattening.
type Normalizer struct {
	cache   *schema.Cache
	units   *UnitConverter
	options schema.TransformOptions
	logger  *log.Logger
}

// NewNormalizer creates a normalizer converting BG values per policy.
func NewNormalizer(cache *schema.Cache, policy UnitPolicy, logger *log.Logger) *Normalizer {
	if logger == nil {
		logger = log.Default()
	}
	units := NewUnitConverter(policy)
	return &Normalizer{
		cache:   cache,
		units:   units,
		options: schema.TransformOptions{BGUnits: units.Target()},
		logger:  logger,
	}
}

// Normalize rewrites rec in place and returns it. Steps run in a fixed order:
// local time, stringification, unit conversion, then the type's transform.
func (n *Normalizer) Normalize(rec domain.Record) domain.Record {
	addLocalTime(rec)
	n.stringify(rec)
	n.units.Convert(rec)
	n.transform(rec)
	return rec
}

// stringify JSON-encodes the configured fields. Strings are left as they are,
// so a record is never encoded twice.
func (n *Normalizer) stringify(rec domain.Record) {
	for _, field := range n.cache.StringifyFields(rec.Type()) {
		value, ok := rec[field]
		if !ok {
			continue
		}
		if _, done := value.(string); done {
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			n.logger.Printf("[pipeline] warning: cannot stringify %s.%s: %v", rec.Type(), field, err)
			continue
		}
		rec[field] = string(encoded)
	}
}

func (n *Normalizer) transform(rec domain.Record) {
	transform := n.cache.Transform(rec.Type())
	if transform == nil {
		return
	}
	merged, err := transform(rec, n.options)
	if err != nil {
		n.logger.Printf("[pipeline] warning: transform skipped for %s record: %v", rec.Type(), err)
		return
	}
	for key, value := range merged {
		rec[key] = value
	}
}
