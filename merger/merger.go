// Package merger combines the swagger documents of several upstreams into a
// single aggregated document, renaming colliding schema definitions,
// honoring path and field exclusion rules, and assigning every surviving
// operation a synthetic operationId bound to its owning upstream.
package merger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oasmux/oasmux/config"
	"github.com/oasmux/oasmux/internal/httputil"
	"github.com/oasmux/oasmux/internal/maputil"
	"github.com/oasmux/oasmux/registry"
)

// mergerLogger is used for warnings in merge functions.
// Tests can replace this with a discard logger to suppress expected warnings.
var mergerLogger = slog.Default()

// Skeleton carries the top-level metadata of the aggregated document.
type Skeleton struct {
	Info     map[string]any
	BasePath string
}

// AggregatedSpec is the merged swagger document. It is built fresh on every
// aggregation pass; there is no incremental mutation. Every definition name
// is globally unique across upstream contributions and every operation's
// operationId is a synthetic dispatch token.
type AggregatedSpec struct {
	Swagger     string                    `yaml:"swagger" json:"swagger"`
	Info        map[string]any            `yaml:"info" json:"info"`
	BasePath    string                    `yaml:"basePath,omitempty" json:"basePath,omitempty"`
	Definitions map[string]any            `yaml:"definitions" json:"definitions"`
	Paths       map[string]map[string]any `yaml:"paths" json:"paths"`

	// unfilteredDefinitions holds the definitions as merged, before field
	// exclusions stripped fields from them. Upstream response payloads still
	// carry the excluded fields, so anything matching responses against
	// schemas must see these shapes, not the served ones.
	unfilteredDefinitions map[string]any
}

// UnfilteredDefinitions returns the merged definitions before field
// exclusions were applied. Schema-name resolution over response payloads
// must use this view: a response still contains the excluded fields, and a
// closed schema with those fields removed would no longer match it.
func (s *AggregatedSpec) UnfilteredDefinitions() map[string]any {
	return s.unfilteredDefinitions
}

// Merge combines the fetched upstream documents into one AggregatedSpec and
// the BindingTable used by the dispatcher. Upstreams whose Spec is nil
// (fetch failed this pass) are skipped. Iteration over upstreams follows
// the given slice order (config order, later wins collisions); iteration
// over paths and methods is sorted, so operationId assignment is
// reproducible across runs.
func Merge(base Skeleton, upstreams []*registry.UpstreamAPI, exclusions []config.ExclusionRule, fieldExclusions map[string][]string) (*AggregatedSpec, *BindingTable, error) {
	agg := &AggregatedSpec{
		Swagger:     "2.0",
		Info:        base.Info,
		BasePath:    base.BasePath,
		Definitions: make(map[string]any),
		Paths:       make(map[string]map[string]any),
	}

	for _, api := range upstreams {
		if api.Spec == nil {
			continue
		}
		doc, err := rewriteDefinitionRefs(api.Spec, api.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("merger: failed to rewrite references for upstream %s: %w", api.Name, err)
		}
		mergeDefinitions(agg, api.Name, doc)
		mergePaths(agg, doc)
	}

	applyExclusions(agg, exclusions)

	table := NewBindingTable()
	if err := assignOperationIDs(agg, upstreams, table); err != nil {
		return nil, nil, err
	}

	unfiltered, err := copyDefinitions(agg.Definitions)
	if err != nil {
		return nil, nil, fmt.Errorf("merger: failed to copy definitions: %w", err)
	}
	agg.unfilteredDefinitions = unfiltered
	applyFieldExclusions(agg, fieldExclusions)

	return agg, table, nil
}

// copyDefinitions deep-copies defs through a JSON round trip. The merged
// definition values alias the fetched upstream documents, so the field
// exclusion pass mutates shared maps; the unfiltered view needs its own.
func copyDefinitions(defs map[string]any) (map[string]any, error) {
	data, err := json.Marshal(defs)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = make(map[string]any)
	}
	return out, nil
}

// rewriteDefinitionRefs renames every internal schema reference of one
// upstream document from #/definitions/X to #/definitions/{name}X. This is
// a blind string substitution over the serialized document, not a
// structural rewrite: serialize, replace the substring, re-parse. The blunt
// semantics are part of the documented contract and must not be replaced
// with a token-bounded rewrite.
func rewriteDefinitionRefs(spec map[string]any, name string) (map[string]any, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}
	replaced := strings.ReplaceAll(string(data), "#/definitions/", "#/definitions/"+name)
	var doc map[string]any
	if err := json.Unmarshal([]byte(replaced), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// mergeDefinitions stores one upstream's definitions in the aggregate under
// collision-safe names. A definition is stored under {upstream}{name} unless
// its name already starts with the upstream name, which happens when the
// reference rewrite above renamed it. Two upstreams contributing the same
// final name resolve last-wins in upstream order.
func mergeDefinitions(agg *AggregatedSpec, name string, doc map[string]any) {
	defs, ok := doc["definitions"].(map[string]any)
	if !ok {
		return
	}
	for _, defName := range maputil.SortedKeys(defs) {
		if !strings.HasPrefix(defName, name) {
			agg.Definitions[name+defName] = defs[defName]
		} else {
			agg.Definitions[defName] = defs[defName]
		}
	}
}

// mergePaths merges one upstream's paths into the aggregate. A path template
// present in two upstreams is fully overwritten, last-merged-wins at the
// path level, not merged method-by-method.
func mergePaths(agg *AggregatedSpec, doc map[string]any) {
	paths, ok := doc["paths"].(map[string]any)
	if !ok {
		return
	}
	for _, path := range maputil.SortedKeys(paths) {
		item, ok := paths[path].(map[string]any)
		if !ok {
			continue
		}
		agg.Paths[path] = item
	}
}

// applyExclusions deletes, for each rule, only the named method's entry
// under the named path. Sibling methods on that path survive.
func applyExclusions(agg *AggregatedSpec, exclusions []config.ExclusionRule) {
	for _, rule := range exclusions {
		if item, ok := agg.Paths[rule.Path]; ok {
			delete(item, rule.Method)
		}
	}
}

// assignOperationIDs synthesizes a unique operationId for every surviving
// (path, method) pair, records the binding, and rewrites the aggregated
// operation's operationId field to the new token. Non-method keys under a
// path item (path-level parameters, extensions) are carried through
// untouched and get no binding.
func assignOperationIDs(agg *AggregatedSpec, upstreams []*registry.UpstreamAPI, table *BindingTable) error {
	for _, path := range maputil.SortedKeys(agg.Paths) {
		item := agg.Paths[path]
		for _, method := range maputil.SortedKeys(item) {
			if !httputil.IsMethod(method) {
				continue
			}
			rawSpec, baseURL, upstreamName, ok := SpecForPath(upstreams, path, method)
			if !ok {
				// Every merged operation came from some upstream, so this
				// only happens if a caller hands Merge a table of upstreams
				// different from the merged set.
				mergerLogger.Warn("merger: no upstream owns operation", "path", path, "method", method)
				continue
			}
			binding := &OperationBinding{
				PathTemplate:     path,
				Method:           method,
				UpstreamName:     upstreamName,
				UpstreamBaseURL:  baseURL,
				RawOperationSpec: rawSpec,
			}
			id := table.add(binding)

			opSpec, ok := item[method].(map[string]any)
			if !ok {
				return fmt.Errorf("merger: operation %s %s is not an object", strings.ToUpper(method), path)
			}
			opSpec["operationId"] = id
		}
	}
	return nil
}

// applyFieldExclusions removes, for each schema named by a rule, the listed
// field names from the definition's required list and properties map.
func applyFieldExclusions(agg *AggregatedSpec, fieldExclusions map[string][]string) {
	for _, schemaName := range maputil.SortedKeys(fieldExclusions) {
		defSpec, ok := agg.Definitions[schemaName].(map[string]any)
		if !ok {
			continue
		}
		for _, field := range fieldExclusions[schemaName] {
			if required, ok := defSpec["required"].([]any); ok {
				filtered := make([]any, 0, len(required))
				for _, r := range required {
					if r != field {
						filtered = append(filtered, r)
					}
				}
				defSpec["required"] = filtered
			}
			if props, ok := defSpec["properties"].(map[string]any); ok {
				delete(props, field)
			}
		}
	}
}

// SpecForPath returns the raw operation fragment and resolved base URL of
// the upstream that owns the given (path template, method) pair, searching
// the original fetched documents. When several upstreams expose the same
// pair, the last one in upstream order wins, consistent with the path-level
// last-wins merge. Returns ok=false when no fetched upstream exposes it.
func SpecForPath(upstreams []*registry.UpstreamAPI, path, method string) (rawSpec map[string]any, baseURL, upstreamName string, ok bool) {
	for _, api := range upstreams {
		if api.Spec == nil {
			continue
		}
		paths, pathsOK := api.Spec["paths"].(map[string]any)
		if !pathsOK {
			continue
		}
		item, itemOK := paths[path].(map[string]any)
		if !itemOK {
			continue
		}
		opSpec, opOK := item[method].(map[string]any)
		if !opOK {
			continue
		}
		rawSpec, baseURL, upstreamName, ok = opSpec, api.BaseURL, api.Name, true
	}
	return rawSpec, baseURL, upstreamName, ok
}
