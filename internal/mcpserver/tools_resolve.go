package mcpserver

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type resolveInput struct {
	OperationID string `json:"operation_id" jsonschema:"The synthetic operationId from the aggregated document"`
}

type resolveOutput struct {
	Found          bool   `json:"found"`
	OperationID    string `json:"operation_id,omitempty"`
	Method         string `json:"method,omitempty"`
	PathTemplate   string `json:"path_template,omitempty"`
	Upstream       string `json:"upstream,omitempty"`
	BaseURL        string `json:"base_url,omitempty"`
	LastFetchError string `json:"last_fetch_error,omitempty"`
	Summary        string `json:"summary"`
}

func handleResolveOperation(_ context.Context, _ *mcp.CallToolRequest, input resolveInput) (*mcp.CallToolResult, resolveOutput, error) {
	if input.OperationID == "" {
		return errResult(fmt.Errorf("operation_id is required")), resolveOutput{}, nil
	}
	agg := currentAggregator()
	if agg == nil || agg.Snapshot() == nil {
		return errResult(fmt.Errorf("no aggregation session; run the aggregate tool first")), resolveOutput{}, nil
	}
	snap := agg.Snapshot()

	binding, ok := snap.Bindings.Lookup(input.OperationID)
	if !ok {
		return nil, resolveOutput{
			Found:   false,
			Summary: fmt.Sprintf("No operation bound to %q.", input.OperationID),
		}, nil
	}
	out := resolveOutput{
		Found:        true,
		OperationID:  binding.OperationID,
		Method:       binding.Method,
		PathTemplate: binding.PathTemplate,
		Upstream:     binding.UpstreamName,
		BaseURL:      binding.UpstreamBaseURL,
		Summary: fmt.Sprintf("%s dispatches %s %s to upstream %s at %s.",
			binding.OperationID, binding.Method, binding.PathTemplate,
			binding.UpstreamName, binding.UpstreamBaseURL),
	}
	if up := agg.Upstream(binding.UpstreamName); up != nil && up.LastError != nil {
		out.LastFetchError = sanitizeError(up.LastError)
		out.Summary += " The owning upstream failed its most recent fetch."
	}
	return nil, out, nil
}
