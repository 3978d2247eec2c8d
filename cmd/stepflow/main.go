// Stepflow entry point.
//
// Usage:
//
//	stepflow run --graph flow.yaml --input '{"name":"demo"}'
//	stepflow validate --graph flow.yaml
//	stepflow serve --config config.yaml
//	stepflow version
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stepflow-ai/stepflow/config"
	"github.com/stepflow-ai/stepflow/engine"
	"github.com/stepflow-ai/stepflow/engine/store"
	"github.com/stepflow-ai/stepflow/graph"
	"github.com/stepflow-ai/stepflow/graph/nodes"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runGraph(os.Args[2:])
	case "validate":
		validateGraph(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "version":
		fmt.Printf("stepflow %s (built %s)\n", Version, BuildTime)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// runGraph compiles a graph file and executes it synchronously with an
// in-memory store, printing the final state as JSON.
func runGraph(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	graphPath := fs.String("graph", "", "Path to graph file (YAML or JSON)")
	inputJSON := fs.String("input", "{}", "Run input parameters as JSON")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	fs.Parse(args)

	if *graphPath == "" {
		fmt.Fprintln(os.Stderr, "run: --graph is required")
		os.Exit(1)
	}

	var input map[string]any
	if err := json.Unmarshal([]byte(*inputJSON), &input); err != nil {
		fmt.Fprintf(os.Stderr, "run: invalid --input JSON: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(*verbose)
	defer logger.Sync()

	spec, err := loadGraph(*graphPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}

	registry := graph.NewRegistry(logger)
	nodes.RegisterBuiltins(registry, nodes.BuiltinDeps{})

	agentID := spec.Name
	if agentID == "" {
		agentID = "local"
	}

	service := engine.NewService(registry, store.NewMemoryStore(), logger)
	if err := service.RegisterAgent(engine.AgentDefinition{ID: agentID, Version: 1, Spec: spec}); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	runID, err := service.StartRun(ctx, agentID, input, engine.StartOptions{Mode: engine.ModeSync})
	if err != nil && runID == "" {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}

	run, loadErr := service.GetRun(ctx, runID)
	if loadErr != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", loadErr)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(map[string]any{
		"run_id":        run.ID,
		"status":        run.Status,
		"current_node":  run.CurrentNode,
		"error_message": run.ErrorMessage,
		"output":        run.OutputResult,
	}, "", "  ")
	fmt.Println(string(out))

	if run.Status == "failed" {
		os.Exit(1)
	}
}

// validateGraph compiles a graph file and prints the validation issues.
func validateGraph(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	graphPath := fs.String("graph", "", "Path to graph file (YAML or JSON)")
	fs.Parse(args)

	if *graphPath == "" {
		fmt.Fprintln(os.Stderr, "validate: --graph is required")
		os.Exit(1)
	}

	spec, err := loadGraph(*graphPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "validate: %v\n", err)
		os.Exit(1)
	}

	logger := zap.NewNop()
	registry := graph.NewRegistry(logger)
	nodes.RegisterBuiltins(registry, nodes.BuiltinDeps{})

	issues := graph.NewCompiler(registry, logger).Validate(spec)
	if len(issues) == 0 {
		fmt.Println("OK: graph is valid")
		return
	}

	hasErrors := false
	for _, issue := range issues {
		fmt.Println(issue.String())
		if issue.Severity == graph.SeverityError {
			hasErrors = true
		}
	}
	if hasErrors {
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		os.Exit(1)
	}

	logger := newConfiguredLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting stepflow",
		zap.String("version", Version),
		zap.String("store_backend", cfg.Store.Backend),
	)

	server, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize server", zap.Error(err))
	}
	if err := server.Start(); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

// loadGraph reads and normalizes a graph file, dispatching on extension.
func loadGraph(path string) (*graph.GraphSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	if len(data) > 0 && (data[0] == '{' || data[0] == '[') {
		return graph.ParseJSON(data)
	}
	return graph.ParseYAML(data)
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func newConfiguredLogger(cfg config.LogConfig) *zap.Logger {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if level, err := zapcore.ParseLevel(cfg.Level); err == nil {
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func printUsage() {
	fmt.Println(`stepflow - declarative workflow engine

Usage:
  stepflow <command> [options]

Commands:
  run       Compile and execute a graph file locally
  validate  Compile a graph file and report issues
  serve     Start the stepflow HTTP server
  version   Show version information
  help      Show this help message

Options for 'run':
  --graph <path>    Graph definition (YAML or JSON)
  --input <json>    Run input parameters
  --verbose         Debug logging

Options for 'serve':
  --config <path>   Configuration file (YAML)`)
}
