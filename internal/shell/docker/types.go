// Package docker runs deployment units as containers and wiring operations
// as execs inside them.
package docker

import "context"

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the specification for creating a container.
type ContainerSpec struct {
	Name       string
	Image      string
	Command    []string
	Entrypoint []string
	Env        map[string]string
	Labels     map[string]string
	Ports      []PortBinding
	Networks   []string
	WorkingDir string
	User       string
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// ContainerInfo contains information about a container.
type ContainerInfo struct {
	ID       string
	Name     string
	Image    string
	State    string // "running", "exited", "created", etc.
	Running  bool
	Labels   map[string]string
	ExitCode int
}

// =============================================================================
// Exec Types
// =============================================================================

// ExecSpec is a command run inside a running container.
type ExecSpec struct {
	Cmd  []string
	User string
	Env  map[string]string
}

// ExecResult is the outcome of an exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// =============================================================================
// Client Interface
// =============================================================================

// Client defines the Docker client interface.
type Client interface {
	// Container operations
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error)
	Exec(ctx context.Context, containerID string, spec ExecSpec) (*ExecResult, error)

	// Image operations
	PullImage(ctx context.Context, image string) error
	ImageExists(ctx context.Context, image string) (bool, error)

	// Health operations
	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Label Constants
// =============================================================================

const (
	LabelManaged = "deploychain.managed"
	LabelProject = "deploychain.project"
	LabelUnit    = "deploychain.unit"
)
