package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/harborside/skiff/internal/core/config"
	"github.com/harborside/skiff/internal/core/task"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess     = 0
	ExitTaskError   = 1
	ExitConfigError = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("skiff", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	envFile := fs.String("env-file", "", "Path to the env file (default from config)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return ExitConfigError
	}

	if *showVersion {
		fmt.Printf("skiff %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	taskName, overrides := splitArgs(fs.Args())

	cfg, err := config.Load(*envFile, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	logger := config.SetupLogger(cfg)
	runID := uuid.New().String()[:8]
	logger = logger.With("run_id", runID)
	logger.Debug("starting skiff",
		"version", Version,
		"task", taskName,
		"service", cfg.ServiceName,
	)

	a := newApp(cfg, logger)
	defer a.close()
	a.registerTasks()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	plan, err := a.graph.Resolve(taskName)
	if err != nil {
		if errors.Is(err, task.ErrUnknownTask) {
			fmt.Fprintf(os.Stderr, "unknown task %q\n\n", taskName)
			helpPlan, helpErr := a.graph.Resolve("help")
			if helpErr == nil {
				_ = a.runner().Run(ctx, helpPlan)
			}
			return ExitSuccess
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitTaskError
	}

	if err := a.runner().Run(ctx, plan); err != nil {
		logger.Error("task failed", "task", taskName, "error", err)
		return ExitTaskError
	}

	logger.Debug("task complete", "task", taskName)
	return ExitSuccess
}

// splitArgs separates the task name from KEY=value configuration overrides.
// With no positional arguments the default task is help.
func splitArgs(args []string) (string, []string) {
	taskName := "help"
	var overrides []string
	for i, arg := range args {
		if strings.Contains(arg, "=") {
			overrides = append(overrides, arg)
			continue
		}
		if i == 0 {
			taskName = arg
			continue
		}
		// A bare word after the task is most likely a typo'd override;
		// surface it as one so config.Load rejects it with a clear error.
		overrides = append(overrides, arg)
	}
	return taskName, overrides
}
