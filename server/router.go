package server

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/oasmux/oasmux/merger"
)

// pathMatcher matches request paths against one aggregated path template
// like "/users/{id}" and extracts parameter values.
type pathMatcher struct {
	template string
	regex    *regexp.Regexp
	// paramNames are the parameter names in order of appearance
	paramNames []string
	// specificity orders matchers: literal characters count up, parameters
	// count down, so exact paths beat templated ones
	specificity int
	// operations maps a lower-cased method to the bound operationId
	operations map[string]string
}

// newPathMatcher compiles a path template into a matcher. Parameter segments
// match any non-slash run, per RFC 3986 segment separation.
func newPathMatcher(template string) (*pathMatcher, error) {
	if template == "" {
		return nil, fmt.Errorf("server: path template cannot be empty")
	}

	var regexBuf strings.Builder
	regexBuf.WriteString("^")

	var paramNames []string
	specificity := 0

	i := 0
	for i < len(template) {
		if template[i] == '{' {
			end := strings.Index(template[i:], "}")
			if end == -1 {
				return nil, fmt.Errorf("server: unclosed path parameter at position %d in template %q", i, template)
			}
			paramName := template[i+1 : i+end]
			if paramName == "" {
				return nil, fmt.Errorf("server: empty path parameter at position %d in template %q", i, template)
			}
			paramNames = append(paramNames, paramName)
			regexBuf.WriteString("([^/]+)")
			i += end + 1
			specificity--
		} else {
			c := template[i]
			if strings.ContainsRune(`\.+*?()|[]{}^$`, rune(c)) {
				regexBuf.WriteByte('\\')
			}
			regexBuf.WriteByte(c)
			i++
			if c != '/' {
				specificity++
			}
		}
	}
	regexBuf.WriteString("$")

	regex, err := regexp.Compile(regexBuf.String())
	if err != nil {
		return nil, fmt.Errorf("server: failed to compile pattern for template %q: %w", template, err)
	}
	return &pathMatcher{
		template:    template,
		regex:       regex,
		paramNames:  paramNames,
		specificity: specificity,
		operations:  make(map[string]string),
	}, nil
}

// match reports whether path matches the template and returns the extracted
// parameter values.
func (pm *pathMatcher) match(path string) (map[string]string, bool) {
	matches := pm.regex.FindStringSubmatch(path)
	if matches == nil || len(matches) != len(pm.paramNames)+1 {
		return nil, false
	}
	params := make(map[string]string, len(pm.paramNames))
	for i, name := range pm.paramNames {
		params[name] = matches[i+1]
	}
	return params, true
}

// router resolves an inbound (path, method) pair to the bound operationId.
// Matchers are ordered by specificity so exact paths win over templated
// ones; ties break by template length, then alphabetically for stability.
type router struct {
	matchers []*pathMatcher
}

// newRouter builds a router over every operation in the binding table.
func newRouter(table *merger.BindingTable) (*router, error) {
	byTemplate := make(map[string]*pathMatcher)
	for _, binding := range table.Bindings() {
		pm, ok := byTemplate[binding.PathTemplate]
		if !ok {
			var err error
			pm, err = newPathMatcher(binding.PathTemplate)
			if err != nil {
				return nil, err
			}
			byTemplate[binding.PathTemplate] = pm
		}
		pm.operations[strings.ToLower(binding.Method)] = binding.OperationID
	}

	matchers := make([]*pathMatcher, 0, len(byTemplate))
	for _, pm := range byTemplate {
		matchers = append(matchers, pm)
	}
	sort.Slice(matchers, func(i, j int) bool {
		if matchers[i].specificity != matchers[j].specificity {
			return matchers[i].specificity > matchers[j].specificity
		}
		if len(matchers[i].template) != len(matchers[j].template) {
			return len(matchers[i].template) > len(matchers[j].template)
		}
		return matchers[i].template < matchers[j].template
	})
	return &router{matchers: matchers}, nil
}

// route resolves path and method to an operationId and the extracted path
// parameters. pathKnown reports whether any template matched the path
// regardless of method, distinguishing a 404 from a 405.
func (rt *router) route(path, method string) (operationID string, params map[string]string, pathKnown, ok bool) {
	method = strings.ToLower(method)
	for _, pm := range rt.matchers {
		extracted, matched := pm.match(path)
		if !matched {
			continue
		}
		pathKnown = true
		if id, bound := pm.operations[method]; bound {
			return id, extracted, true, true
		}
	}
	return "", nil, pathKnown, false
}
