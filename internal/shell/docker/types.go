// Package docker drives the container engine for the service lifecycle.
package docker

import (
	"io"
	"time"
)

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the specification for creating a container.
type ContainerSpec struct {
	Name        string
	Image       string
	Command     []string
	Env         map[string]string
	Labels      map[string]string
	Ports       []PortBinding
	Mounts      []VolumeMount
	WorkingDir  string
	HealthCheck *HealthCheck
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// VolumeMount defines a bind mount or named volume mount.
type VolumeMount struct {
	Source   string // Volume name or host path
	Target   string // Container path
	ReadOnly bool
}

// HealthCheck defines container health check configuration. Health evaluation
// is owned by the engine; the orchestrator never polls it.
type HealthCheck struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// =============================================================================
// Container Info
// =============================================================================

// ContainerStatus represents the container status reported by the engine.
type ContainerStatus string

const (
	ContainerStatusCreated    ContainerStatus = "created"
	ContainerStatusRunning    ContainerStatus = "running"
	ContainerStatusPaused     ContainerStatus = "paused"
	ContainerStatusRestarting ContainerStatus = "restarting"
	ContainerStatusRemoving   ContainerStatus = "removing"
	ContainerStatusExited     ContainerStatus = "exited"
	ContainerStatusDead       ContainerStatus = "dead"
)

// ContainerInfo contains information about a container.
type ContainerInfo struct {
	ID         string
	Name       string
	Image      string
	Status     ContainerStatus
	State      string // "running", "exited", "created", etc.
	Health     string // "healthy", "unhealthy", "starting", ""
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Ports      []PortBinding
	Labels     map[string]string
	ExitCode   int
}

// =============================================================================
// Lifecycle State
// =============================================================================

// State is the logical lifecycle state of the service. It is derived on
// demand by querying the engine and never cached.
type State string

const (
	StateAbsent     State = "absent"
	StateImageReady State = "image-ready"
	StateRunning    State = "running"
	StateStopped    State = "stopped"
)

// =============================================================================
// Options
// =============================================================================

// RemoveOptions defines options for removing containers.
type RemoveOptions struct {
	Force         bool
	RemoveVolumes bool
}

// ListOptions defines options for listing containers.
type ListOptions struct {
	All     bool              // Include stopped containers
	Name    string            // Filter by container name
	Filters map[string]string // e.g., {"label": "com.skiff.service=app"}
}

// LogOptions defines options for container logs.
type LogOptions struct {
	Follow     bool
	Tail       string // "all" or number
	Since      time.Time
	Until      time.Time
	Timestamps bool
}

// PullOptions defines options for pulling images.
type PullOptions struct {
	Platform string // e.g., "linux/amd64"
}

// ExecOptions defines how a command runs inside a container.
type ExecOptions struct {
	WorkingDir string
	Env        map[string]string

	// Interactive attaches the caller's stdin and allocates a TTY for the
	// duration of the exec. Streams are released when the call returns.
	Interactive bool

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// CommitOptions defines how a container filesystem is committed to an image.
type CommitOptions struct {
	Reference  string   // Image tag, e.g. "app:dev"
	Command    []string // Default command of the committed image
	WorkingDir string
	Comment    string
}

// ContainerResourceStats is a one-shot resource usage snapshot.
type ContainerResourceStats struct {
	CPUPercent       float64
	MemoryUsageBytes int64
	MemoryLimitBytes int64
	MemoryPercent    float64
	NetworkRxBytes   int64
	NetworkTxBytes   int64
	BlockReadBytes   int64
	BlockWriteBytes  int64
	PIDs             int
}

// =============================================================================
// Client Interface
// =============================================================================

// Client defines the engine operations the lifecycle controller needs.
type Client interface {
	// Container operations
	CreateContainer(spec ContainerSpec) (containerID string, err error)
	StartContainer(containerID string) error
	StopContainer(containerID string, timeout *time.Duration) error
	RemoveContainer(containerID string, opts RemoveOptions) error
	InspectContainer(containerID string) (*ContainerInfo, error)
	ListContainers(opts ListOptions) ([]ContainerInfo, error)
	ContainerLogs(containerID string, opts LogOptions) (io.ReadCloser, error)
	ContainerStats(containerID string) (*ContainerResourceStats, error)
	ExecInContainer(containerID string, cmd []string, opts ExecOptions) (exitCode int, err error)
	CommitContainer(containerID string, opts CommitOptions) (imageID string, err error)

	// Image operations
	PullImage(image string, opts PullOptions) error
	ImageExists(image string) (bool, error)
	RemoveImage(image string, force bool) error

	// Health operations
	Ping() error
	Close() error
}

// =============================================================================
// Label Constants
// =============================================================================

const (
	LabelManaged = "com.skiff.managed"
	LabelService = "com.skiff.service"
	LabelStage   = "com.skiff.stage" // "build" or "run"
)
