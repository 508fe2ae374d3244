package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// =============================================================================
// Engine Client Implementation
// =============================================================================

// EngineClient implements the Client interface using the Docker SDK.
type EngineClient struct {
	cli *client.Client
}

// NewEngineClient creates a new engine client.
// If host is empty, it uses the default Docker host from environment.
// On macOS with Docker Desktop, it automatically detects the correct socket.
func NewEngineClient(host string) (*EngineClient, error) {
	var opts []client.Opt
	opts = append(opts, client.FromEnv)
	opts = append(opts, client.WithAPIVersionNegotiation())

	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewEngineError("NewEngineClient", "", "", "failed to create client", ErrConnectionFailed)
	}

	// Try to ping with default settings
	ctx := context.Background()
	if _, pingErr := cli.Ping(ctx); pingErr != nil {
		// If default socket fails, try Docker Desktop socket on macOS
		homeDir, _ := os.UserHomeDir()
		dockerDesktopSocket := "unix://" + homeDir + "/.docker/run/docker.sock"

		cli2, err2 := client.NewClientWithOpts(
			client.WithHost(dockerDesktopSocket),
			client.WithAPIVersionNegotiation(),
		)
		if err2 == nil {
			if _, pingErr2 := cli2.Ping(ctx); pingErr2 == nil {
				cli.Close()
				return &EngineClient{cli: cli2}, nil
			}
			cli2.Close()
		}
	}

	return &EngineClient{cli: cli}, nil
}

// Ping checks if the engine daemon is reachable.
func (d *EngineClient) Ping() error {
	ctx := context.Background()
	_, err := d.cli.Ping(ctx)
	if err != nil {
		return NewEngineError("Ping", "", "", fmt.Sprintf("failed to ping engine: %v", err), ErrConnectionFailed)
	}
	return nil
}

// Close closes the engine client connection.
func (d *EngineClient) Close() error {
	return d.cli.Close()
}

// =============================================================================
// Container Operations
// =============================================================================

// CreateContainer creates a new container from the given spec.
func (d *EngineClient) CreateContainer(spec ContainerSpec) (string, error) {
	ctx := context.Background()

	config := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
	}

	if len(spec.Env) > 0 {
		for k, v := range spec.Env {
			config.Env = append(config.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	hostConfig := &container.HostConfig{}

	// Port bindings
	if len(spec.Ports) > 0 {
		portBindings := nat.PortMap{}
		exposedPorts := nat.PortSet{}

		for _, p := range spec.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			containerPort := nat.Port(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
			exposedPorts[containerPort] = struct{}{}

			hostPort := ""
			if p.HostPort != 0 {
				hostPort = fmt.Sprintf("%d", p.HostPort)
			}

			portBindings[containerPort] = []nat.PortBinding{
				{
					HostIP:   p.HostIP,
					HostPort: hostPort,
				},
			}
		}

		config.ExposedPorts = exposedPorts
		hostConfig.PortBindings = portBindings
	}

	// Mounts
	if len(spec.Mounts) > 0 {
		for _, v := range spec.Mounts {
			var mountType mount.Type
			if strings.HasPrefix(v.Source, "/") {
				mountType = mount.TypeBind
			} else {
				mountType = mount.TypeVolume
			}

			hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
				Type:     mountType,
				Source:   v.Source,
				Target:   v.Target,
				ReadOnly: v.ReadOnly,
			})
		}
	}

	// Health check
	if spec.HealthCheck != nil {
		config.Healthcheck = &container.HealthConfig{
			Test:        spec.HealthCheck.Test,
			Interval:    spec.HealthCheck.Interval,
			Timeout:     spec.HealthCheck.Timeout,
			Retries:     spec.HealthCheck.Retries,
			StartPeriod: spec.HealthCheck.StartPeriod,
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		if strings.Contains(err.Error(), "Conflict") {
			return "", NewEngineError("CreateContainer", "container", spec.Name, "container already exists", ErrContainerAlreadyExists)
		}
		if strings.Contains(err.Error(), "port is already allocated") {
			return "", NewEngineError("CreateContainer", "container", spec.Name, err.Error(), ErrPortAlreadyAllocated)
		}
		if client.IsErrNotFound(err) || strings.Contains(err.Error(), "No such image") {
			return "", NewEngineError("CreateContainer", "image", spec.Image, "image not found", ErrImageNotFound)
		}
		return "", NewEngineError("CreateContainer", "container", spec.Name, err.Error(), err)
	}

	return resp.ID, nil
}

// StartContainer starts a stopped container.
func (d *EngineClient) StartContainer(containerID string) error {
	ctx := context.Background()
	err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewEngineError("StartContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		if strings.Contains(err.Error(), "is already running") {
			return NewEngineError("StartContainer", "container", containerID, "container is already running", ErrContainerAlreadyRunning)
		}
		return NewEngineError("StartContainer", "container", containerID, err.Error(), err)
	}
	return nil
}

// StopContainer stops a running container.
func (d *EngineClient) StopContainer(containerID string, timeout *time.Duration) error {
	ctx := context.Background()

	stopOptions := container.StopOptions{}
	if timeout != nil {
		seconds := int(timeout.Seconds())
		stopOptions.Timeout = &seconds
	}

	err := d.cli.ContainerStop(ctx, containerID, stopOptions)
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewEngineError("StopContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		if strings.Contains(err.Error(), "is not running") {
			return NewEngineError("StopContainer", "container", containerID, "container is not running", ErrContainerNotRunning)
		}
		return NewEngineError("StopContainer", "container", containerID, err.Error(), err)
	}
	return nil
}

// RemoveContainer removes a container.
func (d *EngineClient) RemoveContainer(containerID string, opts RemoveOptions) error {
	ctx := context.Background()

	removeOpts := container.RemoveOptions{
		Force:         opts.Force,
		RemoveVolumes: opts.RemoveVolumes,
	}

	err := d.cli.ContainerRemove(ctx, containerID, removeOpts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewEngineError("RemoveContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		return NewEngineError("RemoveContainer", "container", containerID, err.Error(), err)
	}
	return nil
}

// InspectContainer returns detailed information about a container.
func (d *EngineClient) InspectContainer(containerID string) (*ContainerInfo, error) {
	ctx := context.Background()

	resp, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, NewEngineError("InspectContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		return nil, NewEngineError("InspectContainer", "container", containerID, err.Error(), err)
	}

	// Parse timestamps
	createdAt, _ := time.Parse(time.RFC3339Nano, resp.Created)

	var startedAt, finishedAt *time.Time
	if resp.State.StartedAt != "" && resp.State.StartedAt != "0001-01-01T00:00:00Z" {
		t, _ := time.Parse(time.RFC3339Nano, resp.State.StartedAt)
		startedAt = &t
	}
	if resp.State.FinishedAt != "" && resp.State.FinishedAt != "0001-01-01T00:00:00Z" {
		t, _ := time.Parse(time.RFC3339Nano, resp.State.FinishedAt)
		finishedAt = &t
	}

	// Port bindings
	var ports []PortBinding
	for containerPort, bindings := range resp.NetworkSettings.Ports {
		port, proto := nat.Port(containerPort).Port(), nat.Port(containerPort).Proto()
		for _, binding := range bindings {
			var hostPort int
			if binding.HostPort != "" {
				fmt.Sscanf(binding.HostPort, "%d", &hostPort)
			}
			var containerPortInt int
			fmt.Sscanf(port, "%d", &containerPortInt)
			ports = append(ports, PortBinding{
				ContainerPort: containerPortInt,
				HostPort:      hostPort,
				Protocol:      proto,
				HostIP:        binding.HostIP,
			})
		}
	}

	health := ""
	if resp.State.Health != nil {
		health = resp.State.Health.Status
	}

	return &ContainerInfo{
		ID:         resp.ID,
		Name:       strings.TrimPrefix(resp.Name, "/"),
		Image:      resp.Config.Image,
		Status:     ContainerStatus(resp.State.Status),
		State:      resp.State.Status,
		Health:     health,
		CreatedAt:  createdAt,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Ports:      ports,
		Labels:     resp.Config.Labels,
		ExitCode:   resp.State.ExitCode,
	}, nil
}

// ListContainers returns a list of containers matching the given options.
func (d *EngineClient) ListContainers(opts ListOptions) ([]ContainerInfo, error) {
	ctx := context.Background()

	listOpts := container.ListOptions{
		All: opts.All,
	}

	if len(opts.Filters) > 0 || opts.Name != "" {
		f := filters.NewArgs()
		if opts.Name != "" {
			f.Add("name", opts.Name)
		}
		for k, v := range opts.Filters {
			f.Add(k, v)
		}
		listOpts.Filters = f
	}

	containers, err := d.cli.ContainerList(ctx, listOpts)
	if err != nil {
		return nil, NewEngineError("ListContainers", "container", "", err.Error(), err)
	}

	var result []ContainerInfo
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		var ports []PortBinding
		for _, p := range c.Ports {
			ports = append(ports, PortBinding{
				ContainerPort: int(p.PrivatePort),
				HostPort:      int(p.PublicPort),
				Protocol:      p.Type,
				HostIP:        p.IP,
			})
		}

		result = append(result, ContainerInfo{
			ID:        c.ID,
			Name:      name,
			Image:     c.Image,
			Status:    ContainerStatus(c.State),
			State:     c.State,
			CreatedAt: time.Unix(c.Created, 0),
			Ports:     ports,
			Labels:    c.Labels,
		})
	}

	return result, nil
}

// ContainerLogs returns logs from a container.
func (d *EngineClient) ContainerLogs(containerID string, opts LogOptions) (io.ReadCloser, error) {
	ctx := context.Background()

	logOpts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Tail:       opts.Tail,
		Timestamps: opts.Timestamps,
	}

	if !opts.Since.IsZero() {
		logOpts.Since = opts.Since.Format(time.RFC3339)
	}
	if !opts.Until.IsZero() {
		logOpts.Until = opts.Until.Format(time.RFC3339)
	}

	reader, err := d.cli.ContainerLogs(ctx, containerID, logOpts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, NewEngineError("ContainerLogs", "container", containerID, "container not found", ErrContainerNotFound)
		}
		return nil, NewEngineError("ContainerLogs", "container", containerID, err.Error(), err)
	}

	return reader, nil
}

// ContainerStats returns a one-shot resource usage snapshot.
func (d *EngineClient) ContainerStats(containerID string) (*ContainerResourceStats, error) {
	ctx := context.Background()

	statsResp, err := d.cli.ContainerStats(ctx, containerID, false)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, NewEngineError("ContainerStats", "container", containerID, "container not found", ErrContainerNotFound)
		}
		return nil, NewEngineError("ContainerStats", "container", containerID, err.Error(), err)
	}
	defer statsResp.Body.Close()

	var statsJSON container.StatsResponse
	if err := json.NewDecoder(statsResp.Body).Decode(&statsJSON); err != nil {
		return nil, NewEngineError("ContainerStats", "container", containerID, "failed to parse stats: "+err.Error(), err)
	}

	return calculateStats(&statsJSON), nil
}

// ExecInContainer runs a command inside a running container and returns its
// exit code. Interactive execs attach opts.Stdin with a TTY; captured execs
// demultiplex stdout/stderr into the given writers. Streams are released when
// the call returns, including on failure.
func (d *EngineClient) ExecInContainer(containerID string, cmd []string, opts ExecOptions) (int, error) {
	ctx := context.Background()

	execOpts := container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   opts.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  opts.Interactive,
		Tty:          opts.Interactive,
	}
	for k, v := range opts.Env {
		execOpts.Env = append(execOpts.Env, fmt.Sprintf("%s=%s", k, v))
	}

	execResp, err := d.cli.ContainerExecCreate(ctx, containerID, execOpts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return -1, NewEngineError("ExecInContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		if strings.Contains(err.Error(), "is not running") {
			return -1, NewEngineError("ExecInContainer", "container", containerID, "container is not running", ErrContainerNotRunning)
		}
		return -1, NewEngineError("ExecInContainer", "container", containerID, err.Error(), err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{Tty: opts.Interactive})
	if err != nil {
		return -1, NewEngineError("ExecInContainer", "container", containerID, err.Error(), err)
	}
	defer attach.Close()

	stdout := opts.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	if opts.Interactive {
		// With a TTY the stream is not multiplexed. Stdin is forwarded until
		// the exec finishes; the deferred Close releases it unconditionally.
		if opts.Stdin != nil {
			go func() {
				_, _ = io.Copy(attach.Conn, opts.Stdin)
				_ = attach.CloseWrite()
			}()
		}
		_, _ = io.Copy(stdout, attach.Reader)
	} else {
		if _, err := stdcopy.StdCopy(stdout, stderr, attach.Reader); err != nil {
			return -1, NewEngineError("ExecInContainer", "container", containerID, "failed to read exec output: "+err.Error(), err)
		}
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return -1, NewEngineError("ExecInContainer", "container", containerID, "failed to inspect exec: "+err.Error(), err)
	}

	return inspect.ExitCode, nil
}

// CommitContainer commits a container's filesystem as a new tagged image.
func (d *EngineClient) CommitContainer(containerID string, opts CommitOptions) (string, error) {
	ctx := context.Background()

	commitOpts := container.CommitOptions{
		Reference: opts.Reference,
		Comment:   opts.Comment,
		Pause:     true,
	}
	if len(opts.Command) > 0 || opts.WorkingDir != "" {
		commitOpts.Config = &container.Config{
			Cmd:        opts.Command,
			WorkingDir: opts.WorkingDir,
		}
	}

	resp, err := d.cli.ContainerCommit(ctx, containerID, commitOpts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", NewEngineError("CommitContainer", "container", containerID, "container not found", ErrContainerNotFound)
		}
		return "", NewEngineError("CommitContainer", "container", containerID, err.Error(), err)
	}

	return resp.ID, nil
}

// =============================================================================
// Image Operations
// =============================================================================

// PullImage pulls an image from the registry.
func (d *EngineClient) PullImage(imageName string, opts PullOptions) error {
	ctx := context.Background()

	pullOpts := image.PullOptions{}
	if opts.Platform != "" {
		pullOpts.Platform = opts.Platform
	}

	reader, err := d.cli.ImagePull(ctx, imageName, pullOpts)
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "not found") ||
			strings.Contains(errStr, "manifest unknown") ||
			strings.Contains(errStr, "repository does not exist") ||
			strings.Contains(errStr, "pull access denied") {
			return NewEngineError("PullImage", "image", imageName, "image not found", ErrImageNotFound)
		}
		return NewEngineError("PullImage", "image", imageName, err.Error(), ErrImagePullFailed)
	}
	defer reader.Close()

	// Drain the reader to complete the pull
	_, err = io.Copy(io.Discard, reader)
	if err != nil {
		return NewEngineError("PullImage", "image", imageName, err.Error(), ErrImagePullFailed)
	}

	return nil
}

// ImageExists checks if an image exists locally.
func (d *EngineClient) ImageExists(imageName string) (bool, error) {
	ctx := context.Background()

	_, _, err := d.cli.ImageInspectWithRaw(ctx, imageName)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, NewEngineError("ImageExists", "image", imageName, err.Error(), err)
	}

	return true, nil
}

// RemoveImage removes an image by tag or ID.
func (d *EngineClient) RemoveImage(imageName string, force bool) error {
	ctx := context.Background()

	_, err := d.cli.ImageRemove(ctx, imageName, image.RemoveOptions{
		Force:         force,
		PruneChildren: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewEngineError("RemoveImage", "image", imageName, "image not found", ErrImageNotFound)
		}
		return NewEngineError("RemoveImage", "image", imageName, err.Error(), err)
	}
	return nil
}

// =============================================================================
// Stats Helpers
// =============================================================================

// calculateStats derives usage percentages from an engine stats response.
func calculateStats(stats *container.StatsResponse) *ContainerResourceStats {
	result := &ContainerResourceStats{}

	// CPU percentage
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage - stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage - stats.PreCPUStats.SystemUsage)
	cpuCount := float64(stats.CPUStats.OnlineCPUs)
	if cpuCount == 0 {
		cpuCount = 1
	}
	if systemDelta > 0 && cpuDelta > 0 {
		result.CPUPercent = (cpuDelta / systemDelta) * cpuCount * 100.0
	}

	// Memory
	result.MemoryUsageBytes = int64(stats.MemoryStats.Usage)
	result.MemoryLimitBytes = int64(stats.MemoryStats.Limit)
	if result.MemoryLimitBytes > 0 {
		result.MemoryPercent = float64(result.MemoryUsageBytes) / float64(result.MemoryLimitBytes) * 100.0
	}

	// Network I/O
	for _, netStats := range stats.Networks {
		result.NetworkRxBytes += int64(netStats.RxBytes)
		result.NetworkTxBytes += int64(netStats.TxBytes)
	}

	// Block I/O
	for _, bioEntry := range stats.BlkioStats.IoServiceBytesRecursive {
		switch bioEntry.Op {
		case "Read", "read":
			result.BlockReadBytes += int64(bioEntry.Value)
		case "Write", "write":
			result.BlockWriteBytes += int64(bioEntry.Value)
		}
	}

	result.PIDs = int(stats.PidsStats.Current)

	return result
}

// parseTail normalizes a tail line count for the engine API.
func parseTail(lines int) string {
	if lines <= 0 {
		return "all"
	}
	return strconv.Itoa(lines)
}
