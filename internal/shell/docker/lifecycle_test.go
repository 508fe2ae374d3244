package docker

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborside/skiff/internal/core/config"
)

// =============================================================================
// Fake Engine
// =============================================================================

type fakeContainer struct {
	spec    ContainerSpec
	running bool
}

// fakeEngine is an in-memory Client used to exercise the controller's
// reconcile logic without a real engine.
type fakeEngine struct {
	containers map[string]*fakeContainer
	images     map[string]bool

	createCalls int
	startCalls  int
	stopCalls   int
	pullCalls   int
	execCalls   [][]string
	commitCalls []CommitOptions

	execExitCode int
	logs         string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		containers: make(map[string]*fakeContainer),
		images:     make(map[string]bool),
	}
}

func (f *fakeEngine) CreateContainer(spec ContainerSpec) (string, error) {
	if _, ok := f.containers[spec.Name]; ok {
		return "", NewEngineError("CreateContainer", "container", spec.Name, "exists", ErrContainerAlreadyExists)
	}
	if !f.images[spec.Image] {
		return "", NewEngineError("CreateContainer", "image", spec.Image, "missing", ErrImageNotFound)
	}
	f.createCalls++
	f.containers[spec.Name] = &fakeContainer{spec: spec}
	return spec.Name, nil
}

func (f *fakeEngine) StartContainer(id string) error {
	ctr, ok := f.containers[id]
	if !ok {
		return NewEngineError("StartContainer", "container", id, "missing", ErrContainerNotFound)
	}
	f.startCalls++
	ctr.running = true
	return nil
}

func (f *fakeEngine) StopContainer(id string, timeout *time.Duration) error {
	ctr, ok := f.containers[id]
	if !ok {
		return NewEngineError("StopContainer", "container", id, "missing", ErrContainerNotFound)
	}
	if !ctr.running {
		return NewEngineError("StopContainer", "container", id, "not running", ErrContainerNotRunning)
	}
	f.stopCalls++
	ctr.running = false
	return nil
}

func (f *fakeEngine) RemoveContainer(id string, opts RemoveOptions) error {
	if _, ok := f.containers[id]; !ok {
		return NewEngineError("RemoveContainer", "container", id, "missing", ErrContainerNotFound)
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeEngine) InspectContainer(id string) (*ContainerInfo, error) {
	ctr, ok := f.containers[id]
	if !ok {
		return nil, NewEngineError("InspectContainer", "container", id, "missing", ErrContainerNotFound)
	}
	state := string(ContainerStatusExited)
	status := ContainerStatusExited
	if ctr.running {
		state = string(ContainerStatusRunning)
		status = ContainerStatusRunning
	}
	return &ContainerInfo{
		ID:     id,
		Name:   ctr.spec.Name,
		Image:  ctr.spec.Image,
		State:  state,
		Status: status,
		Labels: ctr.spec.Labels,
	}, nil
}

func (f *fakeEngine) ListContainers(opts ListOptions) ([]ContainerInfo, error) {
	var out []ContainerInfo
	for name := range f.containers {
		if opts.Name != "" && !strings.Contains(name, opts.Name) {
			continue
		}
		info, _ := f.InspectContainer(name)
		out = append(out, *info)
	}
	return out, nil
}

func (f *fakeEngine) ContainerLogs(id string, opts LogOptions) (io.ReadCloser, error) {
	if _, ok := f.containers[id]; !ok {
		return nil, NewEngineError("ContainerLogs", "container", id, "missing", ErrContainerNotFound)
	}
	return io.NopCloser(strings.NewReader(f.logs)), nil
}

func (f *fakeEngine) ContainerStats(id string) (*ContainerResourceStats, error) {
	if _, ok := f.containers[id]; !ok {
		return nil, NewEngineError("ContainerStats", "container", id, "missing", ErrContainerNotFound)
	}
	return &ContainerResourceStats{CPUPercent: 1.5, MemoryUsageBytes: 1 << 20}, nil
}

func (f *fakeEngine) ExecInContainer(id string, cmd []string, opts ExecOptions) (int, error) {
	ctr, ok := f.containers[id]
	if !ok {
		return -1, NewEngineError("ExecInContainer", "container", id, "missing", ErrContainerNotFound)
	}
	if !ctr.running {
		return -1, NewEngineError("ExecInContainer", "container", id, "not running", ErrContainerNotRunning)
	}
	f.execCalls = append(f.execCalls, cmd)
	return f.execExitCode, nil
}

func (f *fakeEngine) CommitContainer(id string, opts CommitOptions) (string, error) {
	if _, ok := f.containers[id]; !ok {
		return "", NewEngineError("CommitContainer", "container", id, "missing", ErrContainerNotFound)
	}
	f.commitCalls = append(f.commitCalls, opts)
	f.images[opts.Reference] = true
	return "sha256:" + opts.Reference, nil
}

func (f *fakeEngine) PullImage(image string, opts PullOptions) error {
	f.pullCalls++
	f.images[image] = true
	return nil
}

func (f *fakeEngine) ImageExists(image string) (bool, error) {
	return f.images[image], nil
}

func (f *fakeEngine) RemoveImage(image string, force bool) error {
	if !f.images[image] {
		return NewEngineError("RemoveImage", "image", image, "missing", ErrImageNotFound)
	}
	delete(f.images, image)
	return nil
}

func (f *fakeEngine) Ping() error  { return nil }
func (f *fakeEngine) Close() error { return nil }

// =============================================================================
// Helpers
// =============================================================================

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ServiceName:  "app",
		Port:         8080,
		Image:        "app:dev",
		BaseImage:    "debian:bookworm-slim",
		BuildCommand: "./scripts/build.sh",
		RunCommand:   "./scripts/run.sh",
		SourceDir:    t.TempDir(),
		MountPath:    "/app",
		EnvFile:      ".env.missing",
		StatusTail:   50,
	}
}

func testController(engine Client) *Controller {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewController(engine, logger).WithStreams(nil, io.Discard, io.Discard)
}

// =============================================================================
// Build
// =============================================================================

func TestBuildImageCommitsAndRemovesEphemeral(t *testing.T) {
	engine := newFakeEngine()
	engine.images["debian:bookworm-slim"] = true
	cfg := testConfig(t)
	ctrl := testController(engine)

	err := ctrl.BuildImage(context.Background(), cfg)
	require.NoError(t, err)

	exists, _ := engine.ImageExists("app:dev")
	assert.True(t, exists, "committed image should exist under the service tag")

	_, err = engine.InspectContainer(cfg.BuildContainerName())
	assert.ErrorIs(t, err, ErrContainerNotFound, "ephemeral build container should be removed")

	require.Len(t, engine.execCalls, 1)
	assert.Equal(t, []string{"/bin/sh", "-c", "./scripts/build.sh"}, engine.execCalls[0])

	require.Len(t, engine.commitCalls, 1)
	assert.Equal(t, "app:dev", engine.commitCalls[0].Reference)
	assert.Equal(t, []string{"./scripts/run.sh"}, engine.commitCalls[0].Command)
	assert.Equal(t, "/app", engine.commitCalls[0].WorkingDir)
}

func TestBuildImageTwiceLeavesSingleTag(t *testing.T) {
	engine := newFakeEngine()
	engine.images["debian:bookworm-slim"] = true
	cfg := testConfig(t)
	ctrl := testController(engine)

	require.NoError(t, ctrl.BuildImage(context.Background(), cfg))
	require.NoError(t, ctrl.BuildImage(context.Background(), cfg))

	assert.Len(t, engine.commitCalls, 2)
	_, err := engine.InspectContainer(cfg.BuildContainerName())
	assert.ErrorIs(t, err, ErrContainerNotFound, "no orphaned build container after rebuild")

	tagged := 0
	for image := range engine.images {
		if image == "app:dev" {
			tagged++
		}
	}
	assert.Equal(t, 1, tagged)
}

func TestBuildImageFailingCommandReturnsBuildError(t *testing.T) {
	engine := newFakeEngine()
	engine.images["debian:bookworm-slim"] = true
	engine.execExitCode = 2
	cfg := testConfig(t)
	ctrl := testController(engine)

	err := ctrl.BuildImage(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBuildFailed)

	assert.Empty(t, engine.commitCalls, "failed build must not commit")
	_, err = engine.InspectContainer(cfg.BuildContainerName())
	assert.ErrorIs(t, err, ErrContainerNotFound, "build container cleaned up after failure")
}

func TestBuildImageMissingBaseImage(t *testing.T) {
	engine := newFakeEngine()
	cfg := testConfig(t)
	ctrl := testController(engine)

	err := ctrl.BuildImage(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrImageNotFound)
}

// =============================================================================
// Run
// =============================================================================

func TestRunServiceCreatesWhenAbsent(t *testing.T) {
	engine := newFakeEngine()
	engine.images["app:dev"] = true
	cfg := testConfig(t)
	ctrl := testController(engine)

	require.NoError(t, ctrl.RunService(context.Background(), cfg))

	info, err := engine.InspectContainer("app")
	require.NoError(t, err)
	assert.Equal(t, string(ContainerStatusRunning), info.State)
	assert.Equal(t, 1, engine.createCalls)

	spec := engine.containers["app"].spec
	require.Len(t, spec.Ports, 1)
	assert.Equal(t, 8080, spec.Ports[0].HostPort)
	require.NotNil(t, spec.HealthCheck)
	assert.Equal(t, "CMD-SHELL", spec.HealthCheck.Test[0])
	assert.Equal(t, "true", spec.Labels[LabelManaged])
}

func TestRunServiceStartsStoppedWithoutCreating(t *testing.T) {
	engine := newFakeEngine()
	engine.images["app:dev"] = true
	cfg := testConfig(t)
	ctrl := testController(engine)

	require.NoError(t, ctrl.RunService(context.Background(), cfg))
	timeout := time.Second
	require.NoError(t, engine.StopContainer("app", &timeout))
	createsBefore := engine.createCalls

	require.NoError(t, ctrl.RunService(context.Background(), cfg))

	assert.Equal(t, createsBefore, engine.createCalls, "stopped container must be started, not recreated")
	info, _ := engine.InspectContainer("app")
	assert.Equal(t, string(ContainerStatusRunning), info.State)
}

func TestRunServiceAlreadyRunningIsNoop(t *testing.T) {
	engine := newFakeEngine()
	engine.images["app:dev"] = true
	cfg := testConfig(t)
	ctrl := testController(engine)

	require.NoError(t, ctrl.RunService(context.Background(), cfg))
	starts := engine.startCalls

	require.NoError(t, ctrl.RunService(context.Background(), cfg))
	assert.Equal(t, starts, engine.startCalls)
}

// =============================================================================
// Stop
// =============================================================================

func TestStopServiceRunsShutdownHook(t *testing.T) {
	engine := newFakeEngine()
	engine.images["app:dev"] = true
	cfg := testConfig(t)
	cfg.ShutdownCommand = "kill -TERM 1"
	ctrl := testController(engine)

	require.NoError(t, ctrl.RunService(context.Background(), cfg))
	require.NoError(t, ctrl.StopService(context.Background(), cfg))

	require.Len(t, engine.execCalls, 1)
	assert.Equal(t, []string{"/bin/sh", "-c", "kill -TERM 1"}, engine.execCalls[0])
	info, _ := engine.InspectContainer("app")
	assert.Equal(t, string(ContainerStatusExited), info.State)
}

func TestStopServiceToleratesAbsent(t *testing.T) {
	engine := newFakeEngine()
	cfg := testConfig(t)
	ctrl := testController(engine)

	assert.NoError(t, ctrl.StopService(context.Background(), cfg))
}

func TestStopServiceToleratesAlreadyStopped(t *testing.T) {
	engine := newFakeEngine()
	engine.images["app:dev"] = true
	cfg := testConfig(t)
	ctrl := testController(engine)

	require.NoError(t, ctrl.RunService(context.Background(), cfg))
	require.NoError(t, ctrl.StopService(context.Background(), cfg))
	assert.NoError(t, ctrl.StopService(context.Background(), cfg))
}

// =============================================================================
// Status
// =============================================================================

func TestStatusDoesNotMutateState(t *testing.T) {
	engine := newFakeEngine()
	engine.images["app:dev"] = true
	engine.logs = "line one\nline two\n"
	cfg := testConfig(t)
	ctrl := testController(engine)

	require.NoError(t, ctrl.RunService(context.Background(), cfg))
	creates, starts, stops := engine.createCalls, engine.startCalls, engine.stopCalls

	report, err := ctrl.Status(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, StateRunning, report.State)
	assert.Contains(t, report.Logs, "line one")
	assert.Len(t, report.Containers, 1)
	require.NotNil(t, report.Stats)
	assert.InDelta(t, 1.5, report.Stats.CPUPercent, 0.001)

	assert.Equal(t, creates, engine.createCalls)
	assert.Equal(t, starts, engine.startCalls)
	assert.Equal(t, stops, engine.stopCalls)
}

func TestStatusWithNothingPresent(t *testing.T) {
	engine := newFakeEngine()
	cfg := testConfig(t)
	ctrl := testController(engine)

	report, err := ctrl.Status(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, report.State)
	assert.Empty(t, report.Logs)
	assert.Empty(t, report.Containers)
	assert.Nil(t, report.Stats)
}

// =============================================================================
// State Derivation
// =============================================================================

func TestCurrentStateTransitions(t *testing.T) {
	engine := newFakeEngine()
	cfg := testConfig(t)
	ctrl := testController(engine)

	state, err := ctrl.CurrentState(cfg)
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, state)

	engine.images["app:dev"] = true
	state, err = ctrl.CurrentState(cfg)
	require.NoError(t, err)
	assert.Equal(t, StateImageReady, state)

	require.NoError(t, ctrl.RunService(context.Background(), cfg))
	state, err = ctrl.CurrentState(cfg)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)

	require.NoError(t, ctrl.StopService(context.Background(), cfg))
	state, err = ctrl.CurrentState(cfg)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, state)
}

// =============================================================================
// Teardown
// =============================================================================

func TestCleanRemovesContainersKeepsImage(t *testing.T) {
	engine := newFakeEngine()
	engine.images["debian:bookworm-slim"] = true
	cfg := testConfig(t)
	ctrl := testController(engine)

	require.NoError(t, ctrl.BuildImage(context.Background(), cfg))
	require.NoError(t, ctrl.RunService(context.Background(), cfg))

	require.NoError(t, ctrl.CleanContainers(context.Background(), cfg))

	assert.Empty(t, engine.containers)
	exists, _ := engine.ImageExists("app:dev")
	assert.True(t, exists, "clean keeps the tagged image")
}

func TestCleanToleratesAbsentResources(t *testing.T) {
	engine := newFakeEngine()
	cfg := testConfig(t)
	ctrl := testController(engine)

	assert.NoError(t, ctrl.CleanContainers(context.Background(), cfg))
	assert.NoError(t, ctrl.RemoveServiceImage(context.Background(), cfg))
}

func TestRemoveServiceImage(t *testing.T) {
	engine := newFakeEngine()
	engine.images["app:dev"] = true
	cfg := testConfig(t)
	ctrl := testController(engine)

	require.NoError(t, ctrl.RemoveServiceImage(context.Background(), cfg))
	exists, _ := engine.ImageExists("app:dev")
	assert.False(t, exists)
}

// =============================================================================
// Setup & Exec
// =============================================================================

func TestEnsureBaseImagePullsOnlyWhenMissing(t *testing.T) {
	engine := newFakeEngine()
	cfg := testConfig(t)
	ctrl := testController(engine)

	require.NoError(t, ctrl.EnsureBaseImage(context.Background(), cfg))
	assert.Equal(t, 1, engine.pullCalls)

	require.NoError(t, ctrl.EnsureBaseImage(context.Background(), cfg))
	assert.Equal(t, 1, engine.pullCalls, "present base image must not be re-pulled")
}

func TestExecBuildRequiresRunningService(t *testing.T) {
	engine := newFakeEngine()
	cfg := testConfig(t)
	ctrl := testController(engine)

	err := ctrl.ExecBuild(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

func TestExecBuildNonZeroExit(t *testing.T) {
	engine := newFakeEngine()
	engine.images["app:dev"] = true
	cfg := testConfig(t)
	ctrl := testController(engine)

	require.NoError(t, ctrl.RunService(context.Background(), cfg))
	engine.execExitCode = 1

	err := ctrl.ExecBuild(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrCommandExec)
}

func TestPingReportsServiceState(t *testing.T) {
	engine := newFakeEngine()
	engine.images["app:dev"] = true
	cfg := testConfig(t)
	ctrl := testController(engine)

	msg, err := ctrl.Ping(context.Background(), cfg)
	require.NoError(t, err)
	assert.Contains(t, msg, "absent")

	require.NoError(t, ctrl.RunService(context.Background(), cfg))
	msg, err = ctrl.Ping(context.Background(), cfg)
	require.NoError(t, err)
	assert.Contains(t, msg, "running")
}
