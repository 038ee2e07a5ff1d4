package mcpserver

import (
	"context"
	"fmt"
	"strconv"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/oasmux/oasmux/aggregator"
	"github.com/oasmux/oasmux/config"
	"github.com/oasmux/oasmux/internal/maputil"
	"github.com/oasmux/oasmux/internal/pathutil"
)

type aggregateInput struct {
	Config string   `json:"config"           jsonschema:"Path to the aggregation config file (YAML or JSON)"`
	Args   []string `json:"args,omitempty"   jsonschema:"Positional values for the placeholder names the config file declares"`
	Output string   `json:"output,omitempty" jsonschema:"Directory to write the aggregated swagger.yaml into. If omitted nothing is written."`
}

type failedUpstream struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

type aggregateOutput struct {
	UpstreamCount   int              `json:"upstream_count"`
	PathCount       int              `json:"path_count"`
	DefinitionCount int              `json:"definition_count"`
	OperationCount  int              `json:"operation_count"`
	BoundArgs       []string         `json:"bound_args,omitempty"`
	FailedUpstreams []failedUpstream `json:"failed_upstreams,omitempty"`
	WrittenTo       string           `json:"written_to,omitempty"`
	Summary         string           `json:"summary"`
}

func handleAggregate(ctx context.Context, _ *mcp.CallToolRequest, input aggregateInput) (*mcp.CallToolResult, aggregateOutput, error) {
	if input.Config == "" {
		return errResult(fmt.Errorf("config is required")), aggregateOutput{}, nil
	}

	cfg, err := config.Load(input.Config, input.Args...)
	if err != nil {
		return errResult(err), aggregateOutput{}, nil
	}

	agg := aggregator.New(cfg)
	snap, err := agg.Run(ctx)
	if err != nil {
		return errResult(err), aggregateOutput{}, nil
	}
	setSession(agg)

	output := aggregateOutput{
		UpstreamCount:   len(cfg.APIs),
		PathCount:       len(snap.Spec.Paths),
		DefinitionCount: len(snap.Spec.Definitions),
		OperationCount:  snap.Bindings.Len(),
		BoundArgs:       maputil.SortedKeys(cfg.Args()),
	}
	for _, api := range agg.Upstreams() {
		if api.LastError != nil {
			output.FailedUpstreams = append(output.FailedUpstreams, failedUpstream{
				Name:  api.Name,
				Error: sanitizeError(api.LastError),
			})
		}
	}

	if input.Output != "" {
		cleanDir, pathErr := pathutil.SanitizeOutputPath(input.Output)
		if pathErr != nil {
			return errResult(fmt.Errorf("invalid output directory: %w", pathErr)), aggregateOutput{}, nil
		}
		if err := agg.WriteSpec(cleanDir); err != nil {
			return errResult(err), aggregateOutput{}, nil
		}
		output.WrittenTo = cleanDir
	}

	output.Summary = buildAggregateSummary(output)
	return nil, output, nil
}

func buildAggregateSummary(output aggregateOutput) string {
	summary := "Aggregated " + strconv.Itoa(output.UpstreamCount) + " upstreams into " +
		formatCount(output.PathCount, "path") + ", " +
		formatCount(output.DefinitionCount, "definition") + ", and " +
		formatCount(output.OperationCount, "operation") + "."
	if len(output.FailedUpstreams) > 0 {
		summary += " " + formatCount(len(output.FailedUpstreams), "upstream") + " failed to fetch."
	}
	return summary
}

// formatCount renders "1 path" / "3 paths".
func formatCount(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return strconv.Itoa(n) + " " + noun + "s"
}
