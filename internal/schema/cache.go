package schema

import (
	"sort"
	"strings"

	"github.com/rpattn/tidyexport/internal/domain"
)

// Cache is the precomputed, read-only view of the export configuration. It is
// built once by Build and shared by every stage and sink; nothing mutates it
// afterwards.
type Cache struct {
	types     []string
	entries   map[string]*typeEntry
	columns   []string
	byDisplay map[string]string
}

type typeEntry struct {
	displayName string
	fields      []string
	stringify   []string
	headers     map[string]string
	widths      map[string]int
	formats     map[string]FormatFunc
	byHeader    map[string]string
	transform   TransformFunc
}

// Build precomputes every lookup the pipeline needs from the Type Specs.
// Later duplicates of a type or of a field within a type are ignored for
// lookups, but every field name of every spec joins the column universe, so
// the universe does not depend on spec order.
func Build(specs []domain.TypeSpec) *Cache {
	cache := &Cache{
		types:     make([]string, 0, len(specs)),
		entries:   make(map[string]*typeEntry, len(specs)),
		byDisplay: make(map[string]string, len(specs)),
	}
	universe := map[string]struct{}{}

	for _, spec := range specs {
		typ := strings.TrimSpace(spec.Type)
		if typ == "" {
			continue
		}
		for _, field := range spec.Fields {
			if name := strings.TrimSpace(field.Name); name != "" {
				universe[name] = struct{}{}
			}
		}
		if _, exists := cache.entries[typ]; exists {
			continue
		}
		entry := &typeEntry{
			displayName: strings.TrimSpace(spec.DisplayName),
			headers:     make(map[string]string, len(spec.Fields)),
			widths:      make(map[string]int, len(spec.Fields)),
			formats:     make(map[string]FormatFunc),
			byHeader:    make(map[string]string, len(spec.Fields)),
			transform:   compileTransform(typ, spec.Transform),
		}
		if entry.displayName == "" {
			entry.displayName = Humanize(typ)
		}
		for _, field := range spec.Fields {
			name := strings.TrimSpace(field.Name)
			if name == "" {
				continue
			}
			if _, exists := entry.headers[name]; exists {
				continue
			}
			header := strings.TrimSpace(field.Header)
			if header == "" {
				header = Humanize(name)
			}
			width := field.Width
			if width <= 0 {
				width = domain.DefaultColumnWidth
			}
			entry.fields = append(entry.fields, name)
			entry.headers[name] = header
			entry.byHeader[header] = name
			entry.widths[name] = width
			if field.Stringify {
				entry.stringify = append(entry.stringify, name)
			}
			if format := compileFormat(typ+"."+name, field.CellFormat); format != nil {
				entry.formats[name] = format
			}
		}
		cache.types = append(cache.types, typ)
		cache.entries[typ] = entry
		cache.byDisplay[entry.displayName] = typ
	}

	cache.columns = make([]string, 0, len(universe))
	for name := range universe {
		cache.columns = append(cache.columns, name)
	}
	sort.Strings(cache.columns)
	return cache
}

// Columns is the column universe: every configured field name, sorted and
// de-duplicated. The returned slice must not be modified.
func (c *Cache) Columns() []string { return c.columns }

// Types returns the configured types in configuration order.
func (c *Cache) Types() []string { return c.types }

// Has reports whether typ has a Type Spec.
func (c *Cache) Has(typ string) bool {
	_, ok := c.entries[typ]
	return ok
}

// Fields returns the field names of typ in configuration order.
func (c *Cache) Fields(typ string) []string {
	if entry, ok := c.entries[typ]; ok {
		return entry.fields
	}
	return nil
}

// StringifyFields returns the fields of typ that are exported as JSON text.
func (c *Cache) StringifyFields(typ string) []string {
	if entry, ok := c.entries[typ]; ok {
		return entry.stringify
	}
	return nil
}

// DisplayName returns the configured display name of typ, falling back to the
// humanized type key for unconfigured types.
func (c *Cache) DisplayName(typ string) string {
	if entry, ok := c.entries[typ]; ok {
		return entry.displayName
	}
	return Humanize(typ)
}

// Header returns the column header for field of typ.
func (c *Cache) Header(typ, field string) string {
	if entry, ok := c.entries[typ]; ok {
		if header, ok := entry.headers[field]; ok {
			return header
		}
	}
	return Humanize(field)
}

// Width returns the column width for field of typ.
func (c *Cache) Width(typ, field string) int {
	if entry, ok := c.entries[typ]; ok {
		if width, ok := entry.widths[field]; ok {
			return width
		}
	}
	return domain.DefaultColumnWidth
}

// CellFormat returns the cell format closure for field of typ, or nil.
func (c *Cache) CellFormat(typ, field string) FormatFunc {
	if entry, ok := c.entries[typ]; ok {
		return entry.formats[field]
	}
	return nil
}

// Transform returns the whole-record transform of typ, or nil.
func (c *Cache) Transform(typ string) TransformFunc {
	if entry, ok := c.entries[typ]; ok {
		return entry.transform
	}
	return nil
}

// TypeForDisplayName maps a sheet name back to its type.
func (c *Cache) TypeForDisplayName(name string) (string, bool) {
	typ, ok := c.byDisplay[name]
	return typ, ok
}

// FieldForHeader maps a column header of typ back to its field name.
func (c *Cache) FieldForHeader(typ, header string) (string, bool) {
	if entry, ok := c.entries[typ]; ok {
		field, ok := entry.byHeader[header]
		return field, ok
	}
	return "", false
}
