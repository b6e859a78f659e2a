package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/weftflow/weft/internal/engine"
	"github.com/weftflow/weft/internal/expressions"
	"github.com/weftflow/weft/internal/handlers"
	"github.com/weftflow/weft/internal/instrument"
	"github.com/weftflow/weft/internal/logging"
	"github.com/weftflow/weft/internal/store"
	"github.com/weftflow/weft/internal/validation"
	"github.com/weftflow/weft/pkg/schema"
)

const usage = `weft - workflow execution engine

Usage:
  weft run -workflow <file> [-select <positions>] [-mode flow|isolated] [-db <path>]
  weft validate -workflow <file>
  weft version

Selection syntax: "5", "3-5", "1-3,10,15-17", or "all" (default).
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:], cfg, logger)
	case "validate":
		err = cmdValidate(os.Args[2:])
	case "version":
		fmt.Println(version)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func cmdRun(args []string, cfg Config, logger *slog.Logger) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	workflowPath := fs.String("workflow", "", "path to the workflow definition (JSON)")
	selectStr := fs.String("select", "all", "node positions to execute")
	modeStr := fs.String("mode", string(schema.ModeFlow), "execution mode: flow or isolated")
	dbPath := fs.String("db", cfg.DBPath, "path to the sqlite database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workflowPath == "" {
		return fmt.Errorf("-workflow is required")
	}

	mode := schema.ExecMode(*modeStr)
	if mode != schema.ModeFlow && mode != schema.ModeIsolated {
		return fmt.Errorf("invalid mode %q, want flow or isolated", *modeStr)
	}
	sel, err := schema.ParseSelection(*selectStr)
	if err != nil {
		return err
	}

	wf, err := loadWorkflow(*workflowPath)
	if err != nil {
		return err
	}

	validator, err := validation.NewValidator()
	if err != nil {
		return err
	}
	if err := validator.ValidateWorkflow(wf); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(*dbPath), 0o755); err != nil {
		return err
	}
	st, err := store.NewLibSQLStore(*dbPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	if err := st.PutWorkflow(ctx, wf); err != nil {
		return err
	}

	registry := handlers.NewRegistry()
	celEng, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	transform := handlers.NewTransformHandler(
		expressions.NewGoJQEngine(),
		expressions.NewExprEngine(),
		celEng,
	)
	if err := registry.Register(transform); err != nil {
		return err
	}

	runner, err := engine.NewRunner(st, wf, registry, instrument.NewRecorder(st), engine.RunnerConfig{
		MaxConcurrency: cfg.MaxConcurrency,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	result, err := runner.RunSelection(ctx, sel, mode)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if result.Summary.Failed > 0 {
		return fmt.Errorf("%d node(s) failed", result.Summary.Failed)
	}
	return nil
}

func cmdValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	workflowPath := fs.String("workflow", "", "path to the workflow definition (JSON)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workflowPath == "" {
		return fmt.Errorf("-workflow is required")
	}

	wf, err := loadWorkflow(*workflowPath)
	if err != nil {
		return err
	}
	validator, err := validation.NewValidator()
	if err != nil {
		return err
	}
	if err := validator.ValidateWorkflow(wf); err != nil {
		return err
	}
	fmt.Printf("workflow %q is valid (%d nodes)\n", wf.ID, len(wf.Nodes))
	return nil
}

func loadWorkflow(path string) (*schema.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var wf schema.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parsing workflow %s: %w", path, err)
	}
	return &wf, nil
}
