// Package schemaname names the aggregated-document schema a decoded JSON
// object conforms to. It provides the default implementation of the
// dispatcher's SchemaNameResolver capability: a structural matcher over the
// aggregated document's definitions.
package schemaname

import (
	"github.com/oasmux/oasmux/internal/maputil"
)

// StructuralResolver matches objects against schema definitions by shape. A
// definition matches when every required field is present on the object and
// every object key is declared in the definition's properties (objects with
// additionalProperties accept unknown keys). Among matching definitions the
// one declaring the most of the object's keys wins; ties break by definition
// name order.
type StructuralResolver struct {
	definitions []definition
}

// definition is one schema prepared for matching.
type definition struct {
	name                 string
	required             []string
	properties           map[string]struct{}
	additionalProperties bool
}

// NewStructuralResolver prepares a resolver over the definitions section of
// an aggregated document. Entries that are not objects are skipped.
func NewStructuralResolver(definitions map[string]any) *StructuralResolver {
	r := &StructuralResolver{}
	for _, name := range maputil.SortedKeys(definitions) {
		schema, ok := definitions[name].(map[string]any)
		if !ok {
			continue
		}
		def := definition{name: name, properties: map[string]struct{}{}}
		if required, ok := schema["required"].([]any); ok {
			for _, field := range required {
				if s, ok := field.(string); ok {
					def.required = append(def.required, s)
				}
			}
		}
		if properties, ok := schema["properties"].(map[string]any); ok {
			for field := range properties {
				def.properties[field] = struct{}{}
			}
		}
		def.additionalProperties = allowsAdditionalProperties(schema["additionalProperties"])
		r.definitions = append(r.definitions, def)
	}
	return r
}

// allowsAdditionalProperties interprets the additionalProperties schema
// member: absent or false forbids unknown keys, true or a schema allows them.
func allowsAdditionalProperties(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	default:
		// A schema object constrains the value type of extra keys but still
		// permits them.
		return true
	}
}

// ResolveSchemaName returns the name of the definition doc conforms to, or
// the empty string when none matches. A definition that declares none of the
// object's keys never names it, so open schemas do not absorb arbitrary
// objects.
func (r *StructuralResolver) ResolveSchemaName(doc map[string]any) string {
	bestName := ""
	bestCoverage := 0
	for _, def := range r.definitions {
		coverage, ok := def.match(doc)
		if ok && coverage > bestCoverage {
			bestName = def.name
			bestCoverage = coverage
		}
	}
	return bestName
}

// match reports whether doc conforms to the definition and how many of its
// keys the definition's properties declare.
func (d definition) match(doc map[string]any) (int, bool) {
	for _, field := range d.required {
		if _, present := doc[field]; !present {
			return 0, false
		}
	}
	coverage := 0
	for key := range doc {
		if _, declared := d.properties[key]; declared {
			coverage++
			continue
		}
		if !d.additionalProperties {
			return 0, false
		}
	}
	return coverage, true
}
