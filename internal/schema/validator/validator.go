package validator

import (
	"fmt"
	"strings"

	"github.com/rpattn/tidyexport/internal/domain"
)

// ValidateSpecs checks Type Specs for fields the export pipeline cannot
// produce. Records are flattened one level, so a field name may hold at most
// one dot, and only top-level fields can be stringified. Each type may be
// configured once.
func ValidateSpecs(specs []domain.TypeSpec) error {
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		typ := strings.TrimSpace(spec.Type)
		if _, dup := seen[typ]; dup {
			return fmt.Errorf("type %s is configured more than once", typ)
		}
		seen[typ] = struct{}{}
		if err := validateFields(spec); err != nil {
			return err
		}
	}
	return nil
}

func validateFields(spec domain.TypeSpec) error {
	for _, field := range spec.Fields {
		parent, child, nested := strings.Cut(field.Name, ".")
		if nested && (parent == "" || child == "" || strings.Contains(child, ".")) {
			return fmt.Errorf("field %s of %s must be a name or a single parent.child path", field.Name, spec.Type)
		}
		if nested && field.Stringify {
			return fmt.Errorf("field %s of %s cannot be stringified because it is nested", field.Name, spec.Type)
		}
		if field.Width < 0 {
			return fmt.Errorf("field %s of %s has negative width %d", field.Name, spec.Type, field.Width)
		}
	}
	return nil
}
