package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/oasmux/oasmux"
	"github.com/oasmux/oasmux/aggregator"
	"github.com/oasmux/oasmux/config"
	"github.com/oasmux/oasmux/internal/cliutil"
	"github.com/oasmux/oasmux/internal/mcpserver"
	"github.com/oasmux/oasmux/server"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "version", "-v", "--version":
		fmt.Printf("oasmux v%s\n", oasmux.Version())
	case "help", "-h", "--help":
		printUsage()
	case "aggregate":
		if err := handleAggregate(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "serve":
		if err := handleServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "mcp":
		if err := handleMCP(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		if suggestion := suggestCommand(command); suggestion != "" {
			fmt.Fprintf(os.Stderr, "Did you mean %q?\n", suggestion)
		}
		fmt.Fprintln(os.Stderr)
		printUsage()
		os.Exit(1)
	}
}

// aggregateFlags contains flags for the aggregate command
type aggregateFlags struct {
	output string
}

func setupAggregateFlags() (*flag.FlagSet, *aggregateFlags) {
	fs := flag.NewFlagSet("aggregate", flag.ContinueOnError)
	flags := &aggregateFlags{}

	fs.StringVar(&flags.output, "output", "", "directory to write swagger.yaml into (default: the config file's directory)")

	fs.Usage = func() {
		output := fs.Output()
		_, _ = fmt.Fprintf(output, "Usage: oasmux aggregate [flags] <config> [placeholder values...]\n\n")
		_, _ = fmt.Fprintf(output, "Run one aggregation pass and write the merged swagger.yaml.\n\n")
		_, _ = fmt.Fprintf(output, "Flags:\n")
		fs.PrintDefaults()
		_, _ = fmt.Fprintf(output, "\nExamples:\n")
		_, _ = fmt.Fprintf(output, "  oasmux aggregate aggregate.yaml http://users:8080 http://billing:8080\n")
		_, _ = fmt.Fprintf(output, "  oasmux aggregate --output /tmp aggregate.yaml http://users:8080\n")
	}

	return fs, flags
}

func handleAggregate(args []string) error {
	fs, flags := setupAggregateFlags()

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("aggregate command requires a config file path")
	}

	configPath := fs.Arg(0)
	cfg, err := config.Load(configPath, fs.Args()[1:]...)
	if err != nil {
		return err
	}

	agg := aggregator.New(cfg)
	snap, err := agg.Run(context.Background())
	if err != nil {
		return err
	}

	for _, api := range agg.Upstreams() {
		if api.LastError != nil {
			fmt.Fprintf(os.Stderr, "Warning: upstream %s skipped: %v\n", api.Name, api.LastError)
		}
	}

	outputDir := flags.output
	if outputDir == "" {
		outputDir = filepath.Dir(configPath)
	}
	if err := agg.WriteSpec(outputDir); err != nil {
		return err
	}

	cliutil.Writef(os.Stdout, "Aggregated %d upstreams: %d paths, %d definitions, %d operations\n",
		len(cfg.APIs), len(snap.Spec.Paths), len(snap.Spec.Definitions), snap.Bindings.Len())
	cliutil.Writef(os.Stdout, "Wrote %s\n", filepath.Join(outputDir, aggregator.SpecFileName))
	return nil
}

// serveFlags contains flags for the serve command
type serveFlags struct {
	addr  string
	watch bool
}

func setupServeFlags() (*flag.FlagSet, *serveFlags) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	flags := &serveFlags{}

	fs.StringVar(&flags.addr, "addr", ":8080", "address to listen on")
	fs.BoolVar(&flags.watch, "watch", true, "re-aggregate when the config file changes")

	fs.Usage = func() {
		output := fs.Output()
		_, _ = fmt.Fprintf(output, "Usage: oasmux serve [flags] <config> [placeholder values...]\n\n")
		_, _ = fmt.Fprintf(output, "Aggregate the configured upstreams and serve the unified API.\n\n")
		_, _ = fmt.Fprintf(output, "Flags:\n")
		fs.PrintDefaults()
		_, _ = fmt.Fprintf(output, "\nExamples:\n")
		_, _ = fmt.Fprintf(output, "  oasmux serve aggregate.yaml http://users:8080 http://billing:8080\n")
		_, _ = fmt.Fprintf(output, "  oasmux serve --addr :9000 --watch=false aggregate.yaml http://users:8080\n")
	}

	return fs, flags
}

func handleServe(args []string) error {
	fs, flags := setupServeFlags()

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("serve command requires a config file path")
	}

	cfg, err := config.Load(fs.Arg(0), fs.Args()[1:]...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agg := aggregator.New(cfg)
	if _, err := agg.Run(ctx); err != nil {
		return err
	}
	if flags.watch {
		go func() {
			if err := agg.Watch(ctx); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "Warning: config watch stopped: %v\n", err)
			}
		}()
	}

	return server.New(agg).ListenAndServe(ctx, flags.addr)
}

func handleMCP() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return mcpserver.Run(ctx)
}

func printUsage() {
	fmt.Println(`oasmux - OpenAPI Aggregation Multiplexer

Usage:
  oasmux <command> [options]

Commands:
  aggregate   Merge the configured upstream APIs into one swagger.yaml
  serve       Aggregate and serve the unified API over HTTP
  mcp         Run the MCP server over stdio
  version     Show version information
  help        Show this help message

Examples:
  oasmux aggregate aggregate.yaml http://users:8080 http://billing:8080
  oasmux serve --addr :9000 aggregate.yaml http://users:8080
  oasmux mcp

Run 'oasmux <command> --help' for more information on a command.`)
}

// knownCommands lists every accepted command for typo suggestions.
var knownCommands = []string{"aggregate", "serve", "mcp", "version", "help"}

// suggestCommand returns the known command closest to input, or "" when
// nothing is within edit distance 2.
func suggestCommand(input string) string {
	best := ""
	bestDistance := 3
	for _, candidate := range knownCommands {
		if d := levenshtein(input, candidate); d < bestDistance {
			best = candidate
			bestDistance = d
		}
	}
	return best
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
