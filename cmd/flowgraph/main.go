package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/goccy/go-json"

	"github.com/deepnoodle-ai/flowgraph"
	"github.com/deepnoodle-ai/flowgraph/badgerstore"
	"github.com/deepnoodle-ai/flowgraph/executors"
	"github.com/deepnoodle-ai/flowgraph/postgres"
)

type config struct {
	WorkflowFile string
	Variables    map[string]any
	Store        string
	StoreDir     string
	PostgresDSN  string
	Timeout      time.Duration
	Concurrency  int
	Resume       string
	Verbose      bool
	JSON         bool
	ShowOutputs  bool
}

func main() {
	cfg := parseFlags()

	if cfg.WorkflowFile == "" {
		color.Red("Error: workflow file is required")
		flag.Usage()
		os.Exit(1)
	}
	if _, err := os.Stat(cfg.WorkflowFile); os.IsNotExist(err) {
		color.Red("Error: workflow file '%s' not found", cfg.WorkflowFile)
		os.Exit(1)
	}

	color.Blue("Loading workflow from: %s", cfg.WorkflowFile)
	def, err := flowgraph.LoadFile(cfg.WorkflowFile)
	if err != nil {
		color.Red("Error loading workflow: %v", err)
		os.Exit(1)
	}
	color.Cyan("Workflow: %s (%d nodes, %d edges)", def.ID, len(def.Nodes), len(def.Edges))

	logger := setupLogger(cfg.Verbose)

	snapshots, cleanup, err := setupSnapshotStore(cfg)
	if err != nil {
		color.Red("Error setting up snapshot store: %v", err)
		os.Exit(1)
	}
	defer cleanup()

	store := flowgraph.NewStateStore(flowgraph.StateStoreOptions{
		Snapshots: snapshots,
		Logger:    logger,
	})
	registry, err := flowgraph.NewRegistry(executors.Defaults(nil)...)
	if err != nil {
		color.Red("Error building executor registry: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ecOpts := flowgraph.ExecutionContextOptions{
		WorkflowID: def.ID,
		Variables:  cfg.Variables,
	}
	var ec *flowgraph.ExecutionContext
	if cfg.Resume != "" {
		color.Blue("Restoring from snapshot: %s", cfg.Resume)
		state, err := store.Restore(ctx, cfg.Resume)
		if err != nil {
			color.Red("Error restoring snapshot: %v", err)
			os.Exit(1)
		}
		ec = flowgraph.NewExecutionContextFromState(ecOpts, state)
		color.Cyan("Resuming execution %s", state.ExecutionID)
	} else {
		ec = flowgraph.NewExecutionContext(ecOpts)
	}
	var formatter flowgraph.ExecutionFormatter
	if !cfg.JSON {
		formatter = flowgraph.NewConsoleFormatter(os.Stdout)
	}
	engine, err := flowgraph.NewEngine(flowgraph.EngineOptions{
		Definition:       def,
		Registry:         registry,
		Store:            store,
		Logger:           logger,
		Formatter:        formatter,
		ExecutionContext: ec,
		Concurrency:      cfg.Concurrency,
	})
	if err != nil {
		color.Red("Error creating engine: %v", err)
		os.Exit(1)
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		color.Yellow("Timeout: %v", cfg.Timeout)
	}

	color.Green("Starting execution (ID: %s)...\n", engine.ExecutionID())
	runErr := engine.Run(ctx)

	showResults(engine, store, cfg, runErr)
	if runErr != nil {
		os.Exit(1)
	}
}

func parseFlags() *config {
	cfg := &config{Variables: map[string]any{}}

	flag.StringVar(&cfg.WorkflowFile, "file", "", "Path to the YAML workflow definition file (required)")
	flag.StringVar(&cfg.WorkflowFile, "f", "", "Path to the YAML workflow definition file (shorthand)")

	var varFlags stringSlice
	flag.Var(&varFlags, "var", "Execution variable in format key=value (can be used multiple times)")

	flag.StringVar(&cfg.Store, "store", "memory", "Snapshot store: memory, file, badger, postgres")
	flag.StringVar(&cfg.StoreDir, "store-dir", "", "Directory for file or badger snapshot stores")
	flag.StringVar(&cfg.PostgresDSN, "postgres-dsn", "", "PostgreSQL DSN for the postgres snapshot store")
	flag.StringVar(&cfg.Resume, "resume", "", "Snapshot ID to restore execution state from")

	flag.DurationVar(&cfg.Timeout, "timeout", 0, "Execution timeout (e.g., 30s, 5m, 1h)")
	flag.DurationVar(&cfg.Timeout, "t", 0, "Execution timeout (shorthand)")
	flag.IntVar(&cfg.Concurrency, "concurrency", 0, "Maximum nodes running at once")

	flag.BoolVar(&cfg.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&cfg.Verbose, "v", false, "Enable verbose logging (shorthand)")
	flag.BoolVar(&cfg.JSON, "json", false, "Output results in JSON format")
	flag.BoolVar(&cfg.ShowOutputs, "show-outputs", true, "Show node outputs after execution")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Flowgraph CLI - Execute YAML-defined workflow graphs

Usage: %s [options] -file <workflow.yaml>

Examples:
  # Execute a workflow
  %s -file example.yaml

  # Execute with variables and a timeout
  %s -file workflow.yaml -var name=demo -var count=5 -timeout 30s

  # Execute with durable snapshots
  %s -file workflow.yaml -store badger -store-dir ./snapshots

Options:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()

		fmt.Fprintf(os.Stderr, `
Built-in node types:
  noop       - Pass input through unchanged
  print      - Print a message to the console
  time       - Get the current timestamp
  wait       - Wait for a specified duration
  fail       - Intentionally fail, for testing retry and error policies
  script     - Evaluate a Risor script
  transform  - Merge, pick, and drop data keys
  variable   - Set an execution variable (supports rollback)
  http       - Make HTTP requests

Variable Format:
  Use -var key=value for each variable.
  Values are parsed as JSON if possible, otherwise as strings.

`)
	}

	flag.Parse()

	for _, pair := range varFlags {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "Error: invalid variable format '%s'. Use key=value\n", pair)
			os.Exit(1)
		}
		key, value := parts[0], parts[1]
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		cfg.Variables[key] = parsed
	}
	return cfg
}

// stringSlice collects repeated flag values.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func setupLogger(verbose bool) *slog.Logger {
	level := slog.LevelError
	if verbose {
		level = slog.LevelInfo
	}
	return flowgraph.NewLogger(level)
}

func setupSnapshotStore(cfg *config) (flowgraph.SnapshotStore, func(), error) {
	noop := func() {}
	switch cfg.Store {
	case "memory":
		return flowgraph.NewMemorySnapshotStore(), noop, nil
	case "file":
		store, err := flowgraph.NewFileSnapshotStore(cfg.StoreDir)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case "badger":
		dir := cfg.StoreDir
		if dir == "" {
			dir = ".flowgraph-badger"
		}
		store, err := badgerstore.Open(dir)
		if err != nil {
			return nil, noop, err
		}
		return store, func() { store.Close() }, nil
	case "postgres":
		store, err := postgres.NewStore(postgres.StoreOptions{DSN: cfg.PostgresDSN})
		if err != nil {
			return nil, noop, err
		}
		return store, func() { store.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func showResults(engine *flowgraph.Engine, store *flowgraph.StateStore, cfg *config, runErr error) {
	executionID := engine.ExecutionID()
	state, err := store.State(executionID)
	if err != nil {
		color.Red("Error reading execution state: %v", err)
		return
	}
	metrics, _ := store.Metrics(executionID)

	if cfg.JSON {
		payload := map[string]any{
			"execution_id": executionID,
			"status":       state.Status,
			"node_states":  state.NodeStates,
			"metrics":      metrics,
		}
		if runErr != nil {
			payload["error"] = runErr.Error()
		}
		if cfg.ShowOutputs {
			payload["outputs"] = engine.Context().NodeResults()
		}
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			color.Red("Error encoding results: %v", err)
			return
		}
		fmt.Println(string(data))
		return
	}

	fmt.Println()
	color.White("Status: %s", state.Status)
	if runErr != nil {
		color.Red("Error: %v", runErr)
	}
	if cfg.ShowOutputs && state.Status == flowgraph.ExecutionStatusSuccess {
		outputs := engine.Context().NodeResults()
		if len(outputs) > 0 {
			color.Magenta("Outputs:")
			data, err := json.MarshalIndent(outputs, "", "  ")
			if err == nil {
				fmt.Println(string(data))
			}
		}
	}
}
