package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/harborside/skiff/internal/core/config"
)

// =============================================================================
// Controller - Service Lifecycle
// =============================================================================

// Controller translates lifecycle intents (build, run, stop, status, clean)
// into engine calls. Every operation reconciles current state to desired
// state: the cheap path (start-if-exists, remove-if-present) is attempted
// before full creation, so repeated invocation is safe from any state.
type Controller struct {
	engine Client
	logger *slog.Logger

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// NewController creates a controller bound to the caller's standard streams.
func NewController(engine Client, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		engine: engine,
		logger: logger,
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

// WithStreams overrides the caller streams, for tests and embedding.
func (c *Controller) WithStreams(stdin io.Reader, stdout, stderr io.Writer) *Controller {
	c.stdin = stdin
	c.stdout = stdout
	c.stderr = stderr
	return c
}

const (
	stopTimeout     = 10 * time.Second
	logReadLimit    = 64 * 1024
	healthInterval  = 10 * time.Second
	healthTimeout   = 5 * time.Second
	healthRetries   = 3
	healthGracetime = 5 * time.Second
)

// =============================================================================
// State Derivation
// =============================================================================

// CurrentState derives the logical lifecycle state by querying the engine.
// The state is never cached.
func (c *Controller) CurrentState(cfg *config.Config) (State, error) {
	info, err := c.engine.InspectContainer(cfg.ServiceName)
	switch {
	case err == nil:
		if info.State == string(ContainerStatusRunning) {
			return StateRunning, nil
		}
		return StateStopped, nil
	case errors.Is(err, ErrContainerNotFound):
		exists, imgErr := c.engine.ImageExists(cfg.Image)
		if imgErr != nil {
			return StateAbsent, imgErr
		}
		if exists {
			return StateImageReady, nil
		}
		return StateAbsent, nil
	default:
		return StateAbsent, err
	}
}

// =============================================================================
// Build
// =============================================================================

// BuildImage builds the service image: a fresh ephemeral container from the
// base image runs the configured build command over the mounted source, and
// its filesystem is committed under the service's image tag with the run
// command as default. Stale build containers from interrupted builds are
// removed first; the ephemeral container is removed after the commit.
func (c *Controller) BuildImage(ctx context.Context, cfg *config.Config) error {
	buildName := cfg.BuildContainerName()
	c.logger.Info("building image", "service", cfg.ServiceName, "image", cfg.Image)

	env, err := cfg.ServiceEnv()
	if err != nil {
		return err
	}

	// A stale build container from an interrupted run may still exist.
	if err := c.engine.RemoveContainer(buildName, RemoveOptions{Force: true}); err != nil {
		if !errors.Is(err, ErrContainerNotFound) {
			c.logger.Warn("failed to remove stale build container", "container", buildName, "error", err)
		}
	}

	src, err := sourceMount(cfg)
	if err != nil {
		return err
	}

	spec := ContainerSpec{
		Name:    buildName,
		Image:   cfg.BaseImage,
		Command: []string{"sleep", "infinity"},
		Env:     env,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelService: cfg.ServiceName,
			LabelStage:   "build",
		},
		Mounts:     []VolumeMount{src},
		WorkingDir: cfg.MountPath,
	}

	containerID, err := c.engine.CreateContainer(spec)
	if err != nil {
		return err
	}
	defer c.removeEphemeral(buildName)

	if err := c.engine.StartContainer(containerID); err != nil {
		return err
	}

	c.logger.Debug("running build command", "command", cfg.BuildCommand)
	exitCode, err := c.engine.ExecInContainer(containerID, shCommand(cfg.BuildCommand), ExecOptions{
		WorkingDir: cfg.MountPath,
		Env:        env,
		Stdout:     c.stdout,
		Stderr:     c.stderr,
	})
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return NewEngineError("BuildImage", "container", buildName,
			fmt.Sprintf("build command exited with code %d", exitCode), ErrBuildFailed)
	}

	runCmd, err := shellwords.Parse(cfg.RunCommand)
	if err != nil {
		return NewEngineError("BuildImage", "image", cfg.Image,
			fmt.Sprintf("invalid run command %q: %v", cfg.RunCommand, err), err)
	}

	imageID, err := c.engine.CommitContainer(containerID, CommitOptions{
		Reference:  cfg.Image,
		Command:    runCmd,
		WorkingDir: cfg.MountPath,
		Comment:    "built by skiff",
	})
	if err != nil {
		return err
	}

	c.logger.Info("image built", "image", cfg.Image, "id", shortID(imageID))
	return nil
}

// removeEphemeral force-removes the build container, tolerating absence.
func (c *Controller) removeEphemeral(name string) {
	if err := c.engine.RemoveContainer(name, RemoveOptions{Force: true}); err != nil {
		if !errors.Is(err, ErrContainerNotFound) {
			c.logger.Warn("failed to remove build container", "container", name, "error", err)
		}
	}
}

// =============================================================================
// Run
// =============================================================================

// RunService converges the service container to Running. An existing stopped
// container is started; an absent one is created detached with the port
// published, the source mounted, the env file applied and an engine-owned
// health check.
func (c *Controller) RunService(ctx context.Context, cfg *config.Config) error {
	info, err := c.engine.InspectContainer(cfg.ServiceName)
	switch {
	case err == nil:
		if info.State == string(ContainerStatusRunning) {
			c.logger.Info("service already running", "service", cfg.ServiceName, "id", shortID(info.ID))
			return nil
		}
		c.logger.Info("starting existing container", "service", cfg.ServiceName, "id", shortID(info.ID))
		if startErr := c.engine.StartContainer(info.ID); startErr != nil {
			if errors.Is(startErr, ErrContainerAlreadyRunning) {
				return nil
			}
			return startErr
		}
		return nil

	case errors.Is(err, ErrContainerNotFound):
		env, envErr := cfg.ServiceEnv()
		if envErr != nil {
			return envErr
		}
		src, srcErr := sourceMount(cfg)
		if srcErr != nil {
			return srcErr
		}

		spec := ContainerSpec{
			Name:  cfg.ServiceName,
			Image: cfg.Image,
			Env:   env,
			Labels: map[string]string{
				LabelManaged: "true",
				LabelService: cfg.ServiceName,
				LabelStage:   "run",
			},
			Ports: []PortBinding{
				{ContainerPort: cfg.Port, HostPort: cfg.Port, Protocol: "tcp"},
			},
			Mounts:     []VolumeMount{src},
			WorkingDir: cfg.MountPath,
			HealthCheck: &HealthCheck{
				Test:        []string{"CMD-SHELL", cfg.Health()},
				Interval:    healthInterval,
				Timeout:     healthTimeout,
				Retries:     healthRetries,
				StartPeriod: healthGracetime,
			},
		}

		containerID, createErr := c.engine.CreateContainer(spec)
		if createErr != nil {
			return createErr
		}
		c.logger.Info("created service container", "service", cfg.ServiceName, "id", shortID(containerID))

		if startErr := c.engine.StartContainer(containerID); startErr != nil {
			return startErr
		}
		c.logger.Info("service running", "service", cfg.ServiceName, "url", cfg.URL())
		return nil

	default:
		return err
	}
}

// =============================================================================
// Stop
// =============================================================================

// StopService runs the optional in-container shutdown hook, then stops the
// container. Both steps are best-effort: an already-stopped or already-removed
// container is tolerated.
func (c *Controller) StopService(ctx context.Context, cfg *config.Config) error {
	info, err := c.engine.InspectContainer(cfg.ServiceName)
	if err != nil {
		if errors.Is(err, ErrContainerNotFound) {
			c.logger.Info("service container already absent", "service", cfg.ServiceName)
			return nil
		}
		return err
	}

	if cfg.ShutdownCommand != "" && info.State == string(ContainerStatusRunning) {
		c.logger.Debug("running shutdown hook", "command", cfg.ShutdownCommand)
		exitCode, execErr := c.engine.ExecInContainer(info.ID, shCommand(cfg.ShutdownCommand), ExecOptions{
			WorkingDir: cfg.MountPath,
			Stdout:     c.stdout,
			Stderr:     c.stderr,
		})
		if execErr != nil || exitCode != 0 {
			c.logger.Warn("shutdown hook failed",
				"service", cfg.ServiceName,
				"exit_code", exitCode,
				"error", execErr,
			)
		}
	}

	timeout := stopTimeout
	if stopErr := c.engine.StopContainer(info.ID, &timeout); stopErr != nil {
		if errors.Is(stopErr, ErrContainerNotRunning) || errors.Is(stopErr, ErrContainerNotFound) {
			c.logger.Info("service already stopped", "service", cfg.ServiceName)
			return nil
		}
		c.logger.Warn("failed to stop service", "service", cfg.ServiceName, "error", stopErr)
		return nil
	}

	c.logger.Info("service stopped", "service", cfg.ServiceName)
	return nil
}

// =============================================================================
// Status
// =============================================================================

// StatusReport is a read-only snapshot of the service.
type StatusReport struct {
	State      State
	Logs       string
	Containers []ContainerInfo
	Stats      *ContainerResourceStats
}

// Status collects a log tail, the container listing filtered by service name
// and a one-shot resource snapshot. It never mutates lifecycle state.
func (c *Controller) Status(ctx context.Context, cfg *config.Config) (*StatusReport, error) {
	report := &StatusReport{}

	state, err := c.CurrentState(cfg)
	if err != nil {
		return nil, err
	}
	report.State = state

	reader, err := c.engine.ContainerLogs(cfg.ServiceName, LogOptions{
		Tail:       parseTail(cfg.StatusTail),
		Timestamps: true,
	})
	if err == nil {
		defer reader.Close()
		buf := make([]byte, logReadLimit)
		n, _ := io.ReadFull(reader, buf)
		report.Logs = string(buf[:n])
	} else if !errors.Is(err, ErrContainerNotFound) {
		return nil, err
	}

	containers, err := c.engine.ListContainers(ListOptions{All: true, Name: cfg.ServiceName})
	if err != nil {
		return nil, err
	}
	report.Containers = containers

	if state == StateRunning {
		stats, statsErr := c.engine.ContainerStats(cfg.ServiceName)
		if statsErr != nil {
			c.logger.Warn("failed to read container stats", "service", cfg.ServiceName, "error", statsErr)
		} else {
			report.Stats = stats
		}
	}

	return report, nil
}

// Ping verifies engine reachability and reports the service health string.
func (c *Controller) Ping(ctx context.Context, cfg *config.Config) (string, error) {
	if err := c.engine.Ping(); err != nil {
		return "", err
	}

	info, err := c.engine.InspectContainer(cfg.ServiceName)
	if err != nil {
		if errors.Is(err, ErrContainerNotFound) {
			return "engine reachable, service container absent", nil
		}
		return "", err
	}

	if info.Health != "" {
		return fmt.Sprintf("service %s: %s (health: %s)", cfg.ServiceName, info.State, info.Health), nil
	}
	return fmt.Sprintf("service %s: %s", cfg.ServiceName, info.State), nil
}

// =============================================================================
// Teardown
// =============================================================================

// CleanContainers force-removes the build and service containers. The tagged
// image survives; every removal is best-effort and tolerates absence.
func (c *Controller) CleanContainers(ctx context.Context, cfg *config.Config) error {
	for _, name := range []string{cfg.BuildContainerName(), cfg.ServiceName} {
		err := c.engine.RemoveContainer(name, RemoveOptions{Force: true})
		switch {
		case err == nil:
			c.logger.Info("removed container", "container", name)
		case errors.Is(err, ErrContainerNotFound):
			c.logger.Debug("container already absent", "container", name)
		default:
			c.logger.Warn("failed to remove container", "container", name, "error", err)
		}
	}
	return nil
}

// RemoveServiceImage removes the tagged service image, tolerating absence.
func (c *Controller) RemoveServiceImage(ctx context.Context, cfg *config.Config) error {
	err := c.engine.RemoveImage(cfg.Image, true)
	switch {
	case err == nil:
		c.logger.Info("removed image", "image", cfg.Image)
	case errors.Is(err, ErrImageNotFound):
		c.logger.Debug("image already absent", "image", cfg.Image)
	default:
		c.logger.Warn("failed to remove image", "image", cfg.Image, "error", err)
	}
	return nil
}

// =============================================================================
// Setup
// =============================================================================

// EnsureBaseImage pulls the configured base image if it is not present.
func (c *Controller) EnsureBaseImage(ctx context.Context, cfg *config.Config) error {
	exists, err := c.engine.ImageExists(cfg.BaseImage)
	if err != nil {
		return err
	}
	if exists {
		c.logger.Debug("base image present", "image", cfg.BaseImage)
		return nil
	}
	c.logger.Info("pulling base image", "image", cfg.BaseImage)
	return c.engine.PullImage(cfg.BaseImage, PullOptions{})
}

// =============================================================================
// Exec
// =============================================================================

// ExecBuild runs the configured build command inside the running service
// container (incremental in-container rebuild).
func (c *Controller) ExecBuild(ctx context.Context, cfg *config.Config) error {
	return c.execInService(cfg, shCommand(cfg.BuildCommand), false)
}

// Shell opens an interactive shell inside the running service container.
func (c *Controller) Shell(ctx context.Context, cfg *config.Config) error {
	return c.execInService(cfg, []string{"/bin/bash"}, true)
}

func (c *Controller) execInService(cfg *config.Config, cmd []string, interactive bool) error {
	env, err := cfg.ServiceEnv()
	if err != nil {
		return err
	}

	exitCode, err := c.engine.ExecInContainer(cfg.ServiceName, cmd, ExecOptions{
		WorkingDir:  cfg.MountPath,
		Env:         env,
		Interactive: interactive,
		Stdin:       c.stdin,
		Stdout:      c.stdout,
		Stderr:      c.stderr,
	})
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return NewEngineError("Exec", "container", cfg.ServiceName,
			fmt.Sprintf("command exited with code %d", exitCode), ErrCommandExec)
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// shCommand wraps a configured command string for in-container execution.
func shCommand(command string) []string {
	return []string{"/bin/sh", "-c", command}
}

// sourceMount resolves the source directory to an absolute bind mount.
// The engine requires absolute paths for binds.
func sourceMount(cfg *config.Config) (VolumeMount, error) {
	abs, err := filepath.Abs(cfg.SourceDir)
	if err != nil {
		return VolumeMount{}, fmt.Errorf("failed to resolve source dir %s: %w", cfg.SourceDir, err)
	}
	return VolumeMount{Source: abs, Target: cfg.MountPath}, nil
}

// shortID truncates an engine ID for log output.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
