// Package httputil provides HTTP-related helpers shared by the merger,
// dispatcher, and server.
package httputil

import "strings"

// HTTP method constants, lower-cased as they appear as swagger path item
// keys (OAS 2.0).
const (
	MethodGet     = "get"
	MethodPut     = "put"
	MethodPost    = "post"
	MethodDelete  = "delete"
	MethodOptions = "options"
	MethodHead    = "head"
	MethodPatch   = "patch"
)

// methods is the set of keys under a swagger path item that denote
// operations. Everything else (path-level parameters, x- extensions) is not
// an operation.
var methods = map[string]bool{
	MethodGet:     true,
	MethodPut:     true,
	MethodPost:    true,
	MethodDelete:  true,
	MethodOptions: true,
	MethodHead:    true,
	MethodPatch:   true,
}

// IsMethod reports whether key names an HTTP operation under a swagger path
// item. Matching is case-insensitive.
func IsMethod(key string) bool {
	return methods[strings.ToLower(key)]
}

// IsMultipartContentType reports whether a Content-Type header value
// indicates multipart form data.
func IsMultipartContentType(contentType string) bool {
	return strings.HasPrefix(contentType, "multipart/form-data")
}
