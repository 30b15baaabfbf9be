package pipeline

import (
	"log"
	"sort"

	"github.com/rpattn/tidyexport/internal/domain"
	"github.com/rpattn/tidyexport/internal/schema"
)

// CompositeType is the record type the Splitter expands.
const CompositeType = "pumpSettings"

// facet is one schedule family of a pump settings snapshot. Each entry of the
// family becomes its own record of type pumpSettings.<name>, with the entry
// promoted to the `promoted` key.
type facet struct {
	name     string
	sources  []string
	promoted string
	// keepUnits restricts the inherited units object to these members; nil
	// keeps it whole.
	keepUnits []string
}

// Expansion order matters: basal schedules, BG targets, carb ratios, then
// insulin sensitivities.
var pumpSettingsFacets = []facet{
	{name: "basalSchedules", sources: []string{"basalSchedules"}, promoted: "basalSchedule"},
	{name: "bgTarget", sources: []string{"bgTarget", "bgTargets"}, promoted: "bgTarget", keepUnits: []string{"bg"}},
	{name: "carbRatio", sources: []string{"carbRatio", "carbRatios"}, promoted: "carbRatio", keepUnits: []string{"carb"}},
	{name: "insulinSensitivity", sources: []string{"insulinSensitivity", "insulinSensitivities"}, promoted: "insulinSensitivity", keepUnits: []string{"bg"}},
}

var expandedKeys = func() map[string]struct{} {
	keys := map[string]struct{}{}
	for _, f := range pumpSettingsFacets {
		for _, source := range f.sources {
			keys[source] = struct{}{}
		}
	}
	return keys
}()

// Splitter expands pump settings snapshots into one record per schedule
// entry. Every other record passes through untouched.
type Splitter struct {
	cache   *schema.Cache
	logger  *log.Logger
	derived int
	dropped int
}

// NewSplitter creates a splitter that validates derived types against cache.
func NewSplitter(cache *schema.Cache, logger *log.Logger) *Splitter {
	if logger == nil {
		logger = log.Default()
	}
	return &Splitter{cache: cache, logger: logger}
}

// Split hands rec, or the records derived from it, to emit one at a time.
// emit may block; Split does not produce the next derived record until the
// previous one was accepted. The first emit error stops the expansion and is
// returned.
func (s *Splitter) Split(rec domain.Record, emit func(domain.Record) error) error {
	if rec.Type() != CompositeType {
		return emit(rec)
	}

	common := make(domain.Record, len(rec))
	for key, value := range rec {
		if _, expanded := expandedKeys[key]; !expanded {
			common[key] = value
		}
	}

	for _, f := range pumpSettingsFacets {
		subType := CompositeType + "." + f.name
		for _, source := range f.sources {
			value, ok := rec[source]
			if !ok {
				continue
			}
			for _, entry := range scheduleEntries(value) {
				if !s.cache.Has(subType) {
					s.dropped++
					s.logger.Printf("[pipeline] warning: dropping derived record: %v %q", domain.ErrUnknownType, subType)
					continue
				}
				if err := emit(s.derive(common, f, subType, entry)); err != nil {
					return err
				}
				s.derived++
			}
		}
	}
	return nil
}

// Derived is the number of records produced by expansion so far.
func (s *Splitter) Derived() int { return s.derived }

// Dropped is the number of derived records discarded for lack of a Type Spec.
func (s *Splitter) Dropped() int { return s.dropped }

func (s *Splitter) derive(common domain.Record, f facet, subType string, entry map[string]any) domain.Record {
	derived := common.Clone()
	derived[domain.TypeField] = subType
	derived[f.promoted] = entry
	if f.keepUnits == nil {
		return derived
	}
	if units, ok := derived["units"].(map[string]any); ok {
		kept := make(map[string]any, len(f.keepUnits))
		for _, member := range f.keepUnits {
			if value, ok := units[member]; ok {
				kept[member] = value
			}
		}
		derived["units"] = kept
	}
	return derived
}

type scheduleEntry = map[string]any

// scheduleEntries lists the entries of a schedule value, which is either a
// plain list of entries or a mapping of schedule name to list. Named entries
// carry their schedule name in `name`. Schedule names are visited in input
// order when the parser recorded it, otherwise sorted; entries keep their
// input order.
func scheduleEntries(value any) []scheduleEntry {
	switch v := value.(type) {
	case []any:
		return entryList(v, "")
	case namedSchedules:
		return namedEntries(v.names, v.byName)
	case map[string]any:
		names := make([]string, 0, len(v))
		for name := range v {
			names = append(names, name)
		}
		sort.Strings(names)
		return namedEntries(names, v)
	default:
		return nil
	}
}

func namedEntries(names []string, byName map[string]any) []scheduleEntry {
	var entries []scheduleEntry
	for _, name := range names {
		list, ok := byName[name].([]any)
		if !ok {
			continue
		}
		entries = append(entries, entryList(list, name)...)
	}
	return entries
}

func entryList(list []any, name string) []scheduleEntry {
	entries := make([]scheduleEntry, 0, len(list))
	for _, item := range list {
		object, ok := item.(map[string]any)
		if !ok {
			continue
		}
		entry := make(scheduleEntry, len(object)+1)
		for k, v := range object {
			entry[k] = v
		}
		if name != "" {
			entry["name"] = name
		}
		entries = append(entries, entry)
	}
	return entries
}
