package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"text/tabwriter"

	"github.com/harborside/skiff/internal/core/config"
	"github.com/harborside/skiff/internal/core/task"
	"github.com/harborside/skiff/internal/shell/docker"
	"github.com/harborside/skiff/internal/shell/runner"
)

// =============================================================================
// Application Wiring
// =============================================================================

// app carries shared state between task closures. The engine connection is
// established on first use so that tasks which never touch the engine (help,
// init, open) work without one.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	graph  *task.Graph

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	engine  docker.Client
	ctrl    *docker.Controller
	ctrlErr error
}

func newApp(cfg *config.Config, logger *slog.Logger) *app {
	return &app{
		cfg:    cfg,
		logger: logger,
		graph:  task.NewGraph(),
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

// controller returns the lifecycle controller, connecting to the engine on
// first call.
func (a *app) controller() (*docker.Controller, error) {
	if a.ctrl != nil || a.ctrlErr != nil {
		return a.ctrl, a.ctrlErr
	}
	if a.engine == nil {
		engine, err := docker.NewEngineClient("")
		if err != nil {
			a.ctrlErr = err
			return nil, err
		}
		a.engine = engine
	}
	a.ctrl = docker.NewController(a.engine, a.logger).WithStreams(a.stdin, a.stdout, a.stderr)
	return a.ctrl, nil
}

// runner builds a command runner bound to the app's streams.
func (a *app) runner() *runner.Runner {
	return runner.New(a.logger).WithStreams(a.stdin, a.stdout, a.stderr)
}

func (a *app) close() {
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			a.logger.Debug("failed to close engine client", "error", err)
		}
	}
}

// lifecycle adapts a controller method into an in-process command.
func (a *app) lifecycle(fn func(ctx context.Context, ctrl *docker.Controller) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ctrl, err := a.controller()
		if err != nil {
			return err
		}
		return fn(ctx, ctrl)
	}
}

// =============================================================================
// Task Registry
// =============================================================================

// registerTasks declares the full task surface. Declaration order inside a
// prerequisite list is execution order; a task reached through several paths
// in one invocation runs once.
func (a *app) registerTasks() {
	phony := task.RegisterOptions{Phony: true}

	a.graph.Register("init", "seed the env file and sync submodules", nil, task.Group{
		{Label: "seed env file", Fn: a.seedEnvFile},
		{Label: "git submodule update", Argv: []string{"git", "submodule", "update", "--init", "--recursive"}, BestEffort: true},
	}, phony)

	a.graph.Register("setup", "verify the engine and pull the base image", []string{"init"}, task.Group{
		{Label: "ping engine", Fn: a.lifecycle(func(ctx context.Context, ctrl *docker.Controller) error {
			msg, err := ctrl.Ping(ctx, a.cfg)
			if err != nil {
				return err
			}
			a.logger.Debug("engine reachable", "status", msg)
			return nil
		})},
		{Label: "pull base image", Fn: a.lifecycle(func(ctx context.Context, ctrl *docker.Controller) error {
			return ctrl.EnsureBaseImage(ctx, a.cfg)
		})},
	}, phony)

	a.graph.Register("build", "build the service image", []string{"setup"}, task.Group{
		{Label: "build image", Fn: a.lifecycle(func(ctx context.Context, ctrl *docker.Controller) error {
			return ctrl.BuildImage(ctx, a.cfg)
		})},
	}, phony)

	a.graph.Register("run", "start the service container", nil, task.Group{
		{Label: "run service", Fn: a.lifecycle(func(ctx context.Context, ctrl *docker.Controller) error {
			return ctrl.RunService(ctx, a.cfg)
		})},
	}, phony)

	// Aggregate: no commands of its own, the prerequisites do the work.
	a.graph.Register("up", "init, setup, build and run in one shot", []string{"init", "setup", "build", "run"}, nil, phony)

	a.graph.Register("execute", "run the build command inside the running container", []string{"run"}, task.Group{
		{Label: "exec build", Fn: a.lifecycle(func(ctx context.Context, ctrl *docker.Controller) error {
			return ctrl.ExecBuild(ctx, a.cfg)
		})},
	}, phony)

	a.graph.Register("bash", "open a shell inside the running container", []string{"run"}, task.Group{
		{Label: "interactive shell", Interactive: true, Fn: a.lifecycle(func(ctx context.Context, ctrl *docker.Controller) error {
			return ctrl.Shell(ctx, a.cfg)
		})},
	}, phony)

	a.graph.Register("finish", "stop the service container", nil, task.Group{
		{Label: "stop service", Fn: a.lifecycle(func(ctx context.Context, ctrl *docker.Controller) error {
			return ctrl.StopService(ctx, a.cfg)
		})},
	}, phony)

	// status accumulates three groups: logs, listing, resource usage.
	a.graph.Register("status", "show logs, containers and resource usage", nil, task.Group{
		{Label: "service logs", BestEffort: true, Fn: a.statusLogs},
	}, phony)
	a.graph.Register("status", "", nil, task.Group{
		{Label: "container listing", BestEffort: true, Fn: a.statusContainers},
	}, phony)
	a.graph.Register("status", "", nil, task.Group{
		{Label: "resource usage", BestEffort: true, Fn: a.statusStats},
	}, phony)

	a.graph.Register("ping", "check engine and service health", nil, task.Group{
		{Label: "ping", Fn: a.lifecycle(func(ctx context.Context, ctrl *docker.Controller) error {
			msg, err := ctrl.Ping(ctx, a.cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, msg)
			return nil
		})},
	}, phony)

	a.graph.Register("open", "open the service URL in a browser", nil, task.Group{
		{Label: "open browser", Argv: openCommand(a.cfg.URL()), BestEffort: true},
	}, phony)

	a.graph.Register("clean", "remove service and build containers", nil, task.Group{
		{Label: "remove containers", Fn: a.lifecycle(func(ctx context.Context, ctrl *docker.Controller) error {
			return ctrl.CleanContainers(ctx, a.cfg)
		})},
	}, phony)

	a.graph.Register("veryclean", "stop, clean and remove the service image", []string{"finish", "clean"}, task.Group{
		{Label: "remove image", Fn: a.lifecycle(func(ctx context.Context, ctrl *docker.Controller) error {
			return ctrl.RemoveServiceImage(ctx, a.cfg)
		})},
	}, phony)

	a.graph.Register("help", "list available tasks", nil, task.Group{
		{Label: "help", Fn: a.printHelp},
	}, phony)

	a.graph.Register("env", "", nil, task.Group{
		{Label: "print service env", Fn: a.printServiceEnv},
	}, task.RegisterOptions{Phony: true, Internal: true})
}

// =============================================================================
// Task Bodies
// =============================================================================

func (a *app) seedEnvFile(ctx context.Context) error {
	created, err := config.WriteTemplate(a.cfg.EnvFile)
	if err != nil {
		return err
	}
	if created {
		a.logger.Info("seeded env file", "path", a.cfg.EnvFile)
	} else {
		a.logger.Debug("env file already present", "path", a.cfg.EnvFile)
	}
	return nil
}

func (a *app) status(ctx context.Context) (*docker.StatusReport, error) {
	ctrl, err := a.controller()
	if err != nil {
		return nil, err
	}
	return ctrl.Status(ctx, a.cfg)
}

func (a *app) statusLogs(ctx context.Context) error {
	report, err := a.status(ctx)
	if err != nil {
		return err
	}
	if report.Logs == "" {
		fmt.Fprintln(a.stdout, "no logs")
		return nil
	}
	fmt.Fprint(a.stdout, report.Logs)
	return nil
}

func (a *app) statusContainers(ctx context.Context) error {
	report, err := a.status(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tIMAGE\tSTATE\tHEALTH")
	for _, ctr := range report.Containers {
		health := ctr.Health
		if health == "" {
			health = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ctr.Name, ctr.Image, ctr.State, health)
	}
	if len(report.Containers) == 0 {
		fmt.Fprintf(w, "%s\t-\t%s\t-\n", a.cfg.ServiceName, report.State)
	}
	return w.Flush()
}

func (a *app) statusStats(ctx context.Context) error {
	report, err := a.status(ctx)
	if err != nil {
		return err
	}
	if report.Stats == nil {
		fmt.Fprintln(a.stdout, "no resource usage (service not running)")
		return nil
	}
	s := report.Stats
	fmt.Fprintf(a.stdout, "cpu: %.2f%%  mem: %s / %s (%.2f%%)  pids: %d\n",
		s.CPUPercent,
		formatBytes(s.MemoryUsageBytes),
		formatBytes(s.MemoryLimitBytes),
		s.MemoryPercent,
		s.PIDs,
	)
	return nil
}

func (a *app) printHelp(ctx context.Context) error {
	fmt.Fprintln(a.stdout, "usage: skiff <task> [KEY=value ...]")
	fmt.Fprintln(a.stdout)
	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	for _, t := range a.graph.Tasks() {
		fmt.Fprintf(w, "  %s\t%s\n", t.Name, t.Description)
	}
	return w.Flush()
}

func (a *app) printServiceEnv(ctx context.Context) error {
	env, err := a.cfg.ServiceEnv()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(a.stdout, "%s=%s\n", k, env[k])
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// openCommand returns the platform URL opener.
func openCommand(url string) []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"open", url}
	case "windows":
		return []string{"rundll32", "url.dll,FileProtocolHandler", url}
	default:
		return []string{"xdg-open", url}
	}
}

func formatBytes(n int64) string {
	const (
		kib = 1 << 10
		mib = 1 << 20
		gib = 1 << 30
	)
	switch {
	case n >= gib:
		return fmt.Sprintf("%.1fGiB", float64(n)/gib)
	case n >= mib:
		return fmt.Sprintf("%.1fMiB", float64(n)/mib)
	case n >= kib:
		return fmt.Sprintf("%.1fKiB", float64(n)/kib)
	default:
		return fmt.Sprintf("%dB", n)
	}
}
