// Package mcpserver implements an MCP (Model Context Protocol) server that
// exposes the aggregation engine as MCP tools over stdio.
package mcpserver

import (
	"context"
	"regexp"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/oasmux/oasmux"
	"github.com/oasmux/oasmux/aggregator"
)

const serverInstructions = `oasmux MCP server — aggregates multiple OpenAPI 2.0 services into one unified document and resolves operations on the aggregated surface.

Workflow: run the aggregate tool against a config file first; resolve_operation and spec then answer from the resulting aggregation session.`

// session holds the aggregator from the most recent aggregate call. The
// resolve_operation and spec tools answer from it.
var session struct {
	mu  sync.Mutex
	agg *aggregator.Aggregator
}

func setSession(agg *aggregator.Aggregator) {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.agg = agg
}

// currentAggregator returns the session's aggregator, or nil when no
// aggregate call has succeeded yet.
func currentAggregator() *aggregator.Aggregator {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.agg
}

// currentSnapshot returns the snapshot from the session's last aggregation
// pass, or nil when no aggregate call has succeeded yet.
func currentSnapshot() *aggregator.Snapshot {
	if agg := currentAggregator(); agg != nil {
		return agg.Snapshot()
	}
	return nil
}

// Run starts the MCP server over stdio and blocks until the client
// disconnects or the context is cancelled.
func Run(ctx context.Context) error {
	server := mcp.NewServer(
		&mcp.Implementation{Name: "oasmux", Version: oasmux.Version()},
		&mcp.ServerOptions{
			Instructions: serverInstructions,
		},
	)
	registerAllTools(server)
	return server.Run(ctx, &mcp.StdioTransport{})
}

func registerAllTools(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "aggregate",
		Description: "Aggregate the upstream services of a config file into one unified OpenAPI 2.0 document. Binds positional placeholder values from args, fetches every upstream's swagger.json, and reports path, definition, and operation counts plus any upstreams that failed to fetch. Use output to also write swagger.yaml into a directory.",
	}, handleAggregate)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "resolve_operation",
		Description: "Resolve a synthetic operationId from the aggregated document to the upstream operation it dispatches to: method, path template, owning upstream, and resolved base URL. Requires a prior aggregate call.",
	}, handleResolveOperation)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "spec",
		Description: "Return the current aggregated OpenAPI document from the most recent aggregate call, serialized as YAML (default) or JSON.",
	}, handleSpec)
}

// sanitizeError strips absolute filesystem paths from error messages
// to prevent leaking internal directory structure to MCP clients.
var pathPattern = regexp.MustCompile(`(?:/(?:home|tmp|var|Users|etc|opt|usr|private|root|mnt|srv|run|snap|nix)[a-zA-Z0-9._/-]*)`)

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return pathPattern.ReplaceAllString(err.Error(), "<path>")
}

// errResult creates an MCP error result from an error.
func errResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: sanitizeError(err)}},
	}
}
