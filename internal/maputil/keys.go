// Package maputil provides small helpers for working with maps.
package maputil

import "sort"

// SortedKeys returns the keys of m in ascending order. The result is never
// nil, so callers can range over it without a nil check. Used wherever map
// iteration order must be deterministic.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
