package dispatch

// SchemaNameResolver names the aggregated-document schema a decoded JSON
// object conforms to. Implementations return the empty string when no schema
// matches; redaction is skipped for such objects.
type SchemaNameResolver interface {
	ResolveSchemaName(doc map[string]any) string
}

// Redactor removes configured fields from decoded JSON payloads before they
// leave the dispatcher. Fields to remove are keyed by schema name, and the
// resolver decides which schema each object conforms to.
type Redactor struct {
	exclusions map[string][]string
	resolver   SchemaNameResolver
}

// NewRedactor creates a Redactor. A nil resolver or empty exclusion mapping
// yields a Redactor that passes payloads through unchanged.
func NewRedactor(exclusions map[string][]string, resolver SchemaNameResolver) *Redactor {
	return &Redactor{exclusions: exclusions, resolver: resolver}
}

// Redact walks value depth-first, removing excluded fields from every object
// whose resolved schema name has exclusions configured. Nested objects and
// array elements are redacted independently of their parents. The value is
// modified in place and returned.
func (r *Redactor) Redact(value any) any {
	switch v := value.(type) {
	case map[string]any:
		if r.resolver != nil && len(r.exclusions) > 0 {
			if name := r.resolver.ResolveSchemaName(v); name != "" {
				for _, field := range r.exclusions[name] {
					delete(v, field)
				}
			}
		}
		for key, member := range v {
			v[key] = r.Redact(member)
		}
		return v
	case []any:
		for i, element := range v {
			v[i] = r.Redact(element)
		}
		return v
	default:
		return value
	}
}
