package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rpattn/tidyexport/internal/domain"
	"github.com/rpattn/tidyexport/internal/schema/validator"
)

//go:embed default_schema.yaml
var defaultSchema []byte

// Default returns the Type Specs shipped with the exporter.
func Default() ([]domain.TypeSpec, error) {
	return Parse(defaultSchema)
}

// LoadFile reads Type Specs from a YAML or JSON file.
func LoadFile(path string) ([]domain.TypeSpec, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	specs, err := Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("schema file %s: %w", path, err)
	}
	return specs, nil
}

// Parse decodes Type Specs. Mapping order is significant (it is the per-type
// column order), so the document is walked as a yaml.Node rather than
// decoded into Go maps. JSON documents are accepted since YAML is a superset.
//
// Two shapes are supported per type: the structured form
//
//	cbg:
//	  displayName: CGM
//	  transform: '...'
//	  fields:
//	    value: {header: Value}
//
// and the legacy flat form where the type maps directly to its fields.
func Parse(payload []byte) ([]domain.TypeSpec, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, errors.New("schema document is empty")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: schema must be a mapping of type names", root.Line)
	}

	specs := make([]domain.TypeSpec, 0, len(root.Content)/2)
	seen := map[string]struct{}{}
	for i := 0; i+1 < len(root.Content); i += 2 {
		typ := strings.TrimSpace(root.Content[i].Value)
		if typ == "" {
			return nil, fmt.Errorf("line %d: empty type name", root.Content[i].Line)
		}
		if _, dup := seen[typ]; dup {
			return nil, fmt.Errorf("line %d: duplicate type %q", root.Content[i].Line, typ)
		}
		seen[typ] = struct{}{}
		spec, err := parseType(typ, root.Content[i+1])
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	if err := validator.ValidateSpecs(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

func parseType(typ string, node *yaml.Node) (domain.TypeSpec, error) {
	spec := domain.TypeSpec{Type: typ}
	if isNull(node) {
		return spec, nil
	}
	if node.Kind != yaml.MappingNode {
		return spec, fmt.Errorf("line %d: type %q must be a mapping", node.Line, typ)
	}
	if !isStructuredType(node) {
		fields, err := parseFields(typ, node)
		if err != nil {
			return spec, err
		}
		spec.Fields = fields
		return spec, nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "displayName":
			spec.DisplayName = value.Value
		case "transform":
			spec.Transform = value.Value
		case "fields":
			fields, err := parseFields(typ, value)
			if err != nil {
				return spec, err
			}
			spec.Fields = fields
		default:
			return spec, fmt.Errorf("line %d: unknown key %q in type %q", key.Line, key.Value, typ)
		}
	}
	return spec, nil
}

func isStructuredType(node *yaml.Node) bool {
	for i := 0; i+1 < len(node.Content); i += 2 {
		switch node.Content[i].Value {
		case "displayName", "transform", "fields":
			return true
		}
	}
	return false
}

func parseFields(typ string, node *yaml.Node) ([]domain.FieldSpec, error) {
	if isNull(node) {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: fields of %q must be a mapping", node.Line, typ)
	}
	fields := make([]domain.FieldSpec, 0, len(node.Content)/2)
	seen := map[string]struct{}{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := strings.TrimSpace(node.Content[i].Value)
		if name == "" {
			return nil, fmt.Errorf("line %d: empty field name in %q", node.Content[i].Line, typ)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("line %d: duplicate field %q in %q", node.Content[i].Line, name, typ)
		}
		seen[name] = struct{}{}
		field, err := parseField(typ, name, node.Content[i+1])
		if err != nil {
			return nil, err
		}
		fields = append(fields, field)
	}
	return fields, nil
}

func parseField(typ, name string, node *yaml.Node) (domain.FieldSpec, error) {
	field := domain.FieldSpec{Name: name}
	if isNull(node) {
		return field, nil
	}
	if node.Kind != yaml.MappingNode {
		return field, fmt.Errorf("line %d: field %s.%s must be a mapping", node.Line, typ, name)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		var err error
		switch key.Value {
		case "stringify":
			err = value.Decode(&field.Stringify)
		case "header":
			field.Header = value.Value
		case "width":
			err = value.Decode(&field.Width)
		case "cellFormat":
			field.CellFormat = value.Value
		default:
			return field, fmt.Errorf("line %d: unknown key %q in field %s.%s", key.Line, key.Value, typ, name)
		}
		if err != nil {
			return field, fmt.Errorf("line %d: field %s.%s %s: %w", value.Line, typ, name, key.Value, err)
		}
	}
	return field, nil
}

func isNull(node *yaml.Node) bool {
	return node == nil || (node.Kind == yaml.ScalarNode && node.Tag == "!!null")
}
