package merger

import (
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/oasmux/oasmux/internal/maputil"
)

// OperationBinding ties one synthetic operationId to the concrete upstream
// call it stands for. Bindings are immutable once created and shared
// read-only by all concurrent dispatches.
type OperationBinding struct {
	// OperationID is the synthetic, globally unique dispatch token
	OperationID string
	// PathTemplate is the OAS path template, e.g. "/pets/{petId}"
	PathTemplate string
	// Method is the lower-cased HTTP method
	Method string
	// UpstreamName is the configured name of the owning upstream
	UpstreamName string
	// UpstreamBaseURL is the owning upstream's resolved base URL
	UpstreamBaseURL string
	// RawOperationSpec is the owning upstream's original operation fragment,
	// as fetched (schema references un-prefixed)
	RawOperationSpec map[string]any
}

// BindingTable maps operationIds to their bindings. A table is built during
// a single aggregation pass, then never mutated; lookups from concurrent
// dispatches need no locking.
type BindingTable struct {
	byID map[string]*OperationBinding
}

// NewBindingTable creates an empty table.
func NewBindingTable() *BindingTable {
	return &BindingTable{byID: make(map[string]*OperationBinding)}
}

// Lookup returns the binding for id, if any.
func (t *BindingTable) Lookup(id string) (*OperationBinding, bool) {
	b, ok := t.byID[id]
	return b, ok
}

// Len returns the number of bindings in the table.
func (t *BindingTable) Len() int {
	return len(t.byID)
}

// Bindings returns all bindings sorted by operationId.
func (t *BindingTable) Bindings() []*OperationBinding {
	out := make([]*OperationBinding, 0, len(t.byID))
	for _, id := range maputil.SortedKeys(t.byID) {
		out = append(out, t.byID[id])
	}
	return out
}

// add stores b under a unique id derived from its method and path template,
// returning the assigned operationId.
func (t *BindingTable) add(b *OperationBinding) string {
	id := operationID(b.Method, b.PathTemplate)
	if _, taken := t.byID[id]; taken {
		// Same derived name from two templates, e.g. "/a/b" and "/a-b".
		// A numeric suffix keeps ids unique while staying reproducible.
		base := id
		for n := 2; ; n++ {
			id = base + strconv.Itoa(n)
			if _, taken := t.byID[id]; !taken {
				break
			}
		}
	}
	b.OperationID = id
	t.byID[id] = b
	return id
}

// titleCaser capitalizes path segments when deriving operationIds.
// NoLower keeps acronym segments like "SKU" intact.
var titleCaser = cases.Title(language.English, cases.NoLower)

// operationID derives a readable, deterministic identifier from a method
// and path template: "get" + "/pets/{petId}" becomes "getPetsPetId".
// Determinism keeps operationId assignment reproducible across aggregation
// runs for identical inputs.
func operationID(method, path string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(method))
	for _, segment := range strings.Split(path, "/") {
		segment = strings.Trim(segment, "{}")
		segment = sanitizeSegment(segment)
		if segment == "" {
			continue
		}
		b.WriteString(titleCaser.String(segment))
	}
	return b.String()
}

// sanitizeSegment strips every character that cannot appear in an
// identifier-style token.
func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
