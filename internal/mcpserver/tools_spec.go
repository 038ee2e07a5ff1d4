package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.yaml.in/yaml/v4"
)

type specInput struct {
	Format string `json:"format,omitempty" jsonschema:"Serialization format: yaml (default) or json"`
}

type specOutput struct {
	Format         string `json:"format"`
	PathCount      int    `json:"path_count"`
	OperationCount int    `json:"operation_count"`
	Document       string `json:"document"`
	Summary        string `json:"summary"`
}

func handleSpec(_ context.Context, _ *mcp.CallToolRequest, input specInput) (*mcp.CallToolResult, specOutput, error) {
	snap := currentSnapshot()
	if snap == nil {
		return errResult(fmt.Errorf("no aggregation session; run the aggregate tool first")), specOutput{}, nil
	}

	format := input.Format
	if format == "" {
		format = "yaml"
	}

	var (
		data []byte
		err  error
	)
	switch format {
	case "yaml":
		data, err = yaml.Marshal(snap.Spec)
	case "json":
		data, err = json.MarshalIndent(snap.Spec, "", "  ")
	default:
		return errResult(fmt.Errorf("invalid format %q; valid values: yaml, json", input.Format)), specOutput{}, nil
	}
	if err != nil {
		return errResult(err), specOutput{}, nil
	}

	output := specOutput{
		Format:         format,
		PathCount:      len(snap.Spec.Paths),
		OperationCount: snap.Bindings.Len(),
		Document:       string(data),
	}
	output.Summary = fmt.Sprintf("Aggregated document with %s and %s as %s.",
		formatCount(output.PathCount, "path"), formatCount(output.OperationCount, "operation"), format)
	return nil, output, nil
}
