// Package runtime abstracts the container runtime the launcher drives. The
// production implementation talks to the Docker daemon; tests substitute a
// mock so launch ordering can be asserted without a daemon.
package runtime

import (
	"context"
	"io"
	"time"
)

// PortMapping publishes a container port on the host.
type PortMapping struct {
	HostPort      int
	ContainerPort int
}

// VolumeMount binds a host path into the container.
type VolumeMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Ulimit mirrors the docker --ulimit flag (memlock, stack).
type Ulimit struct {
	Name string
	Soft int64
	Hard int64
}

// RunSpec describes one container to create and start.
type RunSpec struct {
	Image   string
	Name    string
	Cmd     []string
	Env     map[string]string
	Ports   []PortMapping
	Volumes []VolumeMount
	Labels  map[string]string
	Ulimits []Ulimit

	// GPUs requests all GPUs (docker run --gpus all).
	GPUs bool
	// IPCHost shares the host IPC namespace, required by vLLM's shared-memory
	// tensor transfer.
	IPCHost bool
	// RestartUnlessStopped applies the "unless-stopped" restart policy.
	RestartUnlessStopped bool
}

// BuildSpec describes one image build.
type BuildSpec struct {
	ContextDir string
	Dockerfile string
	Tags       []string
	NoCache    bool
	// Output receives the build's progress stream; nil discards it.
	Output io.Writer
}

// ContainerInfo is the subset of container state the launcher and the
// dashboard need.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	State     string
	Running   bool
	CreatedAt time.Time
}

// LogOptions selects which part of a container's log stream to read.
type LogOptions struct {
	Tail   int
	Follow bool
	Since  time.Time
}

// Runtime is the container runtime collaborator. Every method maps to one
// blocking daemon call; the launcher sequences them and never retries.
type Runtime interface {
	BuildImage(ctx context.Context, spec BuildSpec) (imageID string, err error)
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error

	Run(ctx context.Context, spec RunSpec) (containerID string, err error)
	Stop(ctx context.Context, name string, grace time.Duration) error
	Remove(ctx context.Context, name string) error
	Exec(ctx context.Context, name string, cmd []string) error

	List(ctx context.Context, all bool) ([]ContainerInfo, error)
	Inspect(ctx context.Context, name string) (*ContainerInfo, error)
	IsRunning(ctx context.Context, name string) (bool, error)

	Logs(ctx context.Context, name string, opts LogOptions) (io.ReadCloser, error)
	MemoryMB(ctx context.Context, name string) (int64, error)
}
