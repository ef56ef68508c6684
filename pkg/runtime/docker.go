package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/moby/go-archive"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Docker drives the local Docker daemon through its HTTP API. All options
// come from the environment (DOCKER_HOST etc.), matching the docker CLI.
type Docker struct {
	cli *client.Client
}

var _ Runtime = (*Docker)(nil)

// NewDocker connects to the daemon and verifies it responds.
func NewDocker(ctx context.Context) (*Docker, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create docker client")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		return nil, errors.Wrap(err, "docker daemon is not accessible")
	}

	return &Docker{cli: cli}, nil
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

// buildMessage is one line of the daemon's JSON build stream.
type buildMessage struct {
	Stream      string `json:"stream"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
	Aux struct {
		ID string `json:"ID"`
	} `json:"aux"`
}

func (d *Docker) BuildImage(ctx context.Context, spec BuildSpec) (string, error) {
	dockerfile := spec.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	buildCtx, err := archive.TarWithOptions(spec.ContextDir, &archive.TarOptions{})
	if err != nil {
		return "", errors.Wrap(err, "tar build context")
	}
	defer func() { _ = buildCtx.Close() }()

	resp, err := d.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:       spec.Tags,
		Dockerfile: dockerfile,
		NoCache:    spec.NoCache,
		Remove:     true,
	})
	if err != nil {
		return "", errors.Wrap(err, "start image build")
	}
	defer func() { _ = resp.Body.Close() }()

	var imageID string
	dec := json.NewDecoder(resp.Body)
	for {
		var msg buildMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return "", errors.Wrap(err, "decode build stream")
		}
		if msg.Error != "" {
			detail := msg.ErrorDetail.Message
			if detail == "" {
				detail = msg.Error
			}
			return "", errors.Errorf("image build failed: %s", detail)
		}
		if msg.Aux.ID != "" {
			imageID = msg.Aux.ID
		}
		if msg.Stream != "" && spec.Output != nil {
			_, _ = io.WriteString(spec.Output, msg.Stream)
		}
	}

	log.Debug().Str("image", strings.Join(spec.Tags, ",")).Str("id", imageID).Msg("image built")
	return imageID, nil
}

// PullImage fetches an image from its registry. The daemon streams JSON
// progress; it must be drained for the pull to complete.
func (d *Docker) PullImage(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return errors.Wrapf(err, "pull image %q", ref)
	}
	defer func() { _ = rc.Close() }()

	if _, err := io.Copy(io.Discard, rc); err != nil {
		return errors.Wrapf(err, "read pull stream for %q", ref)
	}
	log.Debug().Str("image", ref).Msg("image pulled")
	return nil
}

func (d *Docker) ImageExists(ctx context.Context, ref string) (bool, error) {
	images, err := d.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, errors.Wrap(err, "list images")
	}
	return len(images) > 0, nil
}

func (d *Docker) Run(ctx context.Context, spec RunSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(p.ContainerPort))
		if err != nil {
			return "", errors.Wrapf(err, "container port %d", p.ContainerPort)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{
			HostIP:   "0.0.0.0",
			HostPort: strconv.Itoa(p.HostPort),
		}}
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	binds := make([]string, 0, len(spec.Volumes))
	for _, v := range spec.Volumes {
		bind := v.Source + ":" + v.Target
		if v.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}

	ulimits := make([]*container.Ulimit, 0, len(spec.Ulimits))
	for _, u := range spec.Ulimits {
		ulimits = append(ulimits, &container.Ulimit{Name: u.Name, Soft: u.Soft, Hard: u.Hard})
	}

	config := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		Binds:        binds,
	}
	hostConfig.Ulimits = ulimits
	if spec.IPCHost {
		hostConfig.IpcMode = container.IPCModeHost
	}
	if spec.RestartUnlessStopped {
		hostConfig.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyUnlessStopped}
	}
	if spec.GPUs {
		hostConfig.DeviceRequests = []container.DeviceRequest{{
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", errors.Wrapf(err, "create container %q", spec.Name)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// leave the created container in place so its state can be inspected
		return "", errors.Wrapf(err, "start container %q", spec.Name)
	}

	log.Debug().Str("name", spec.Name).Str("id", shortID(resp.ID)).Msg("container started")
	return resp.ID, nil
}

func (d *Docker) Stop(ctx context.Context, name string, grace time.Duration) error {
	timeout := int(grace.Seconds())
	if timeout <= 0 {
		timeout = 10
	}
	opts := container.StopOptions{Timeout: &timeout}
	if err := d.cli.ContainerStop(ctx, name, opts); err != nil {
		return errors.Wrapf(err, "stop container %q", name)
	}
	return nil
}

func (d *Docker) Remove(ctx context.Context, name string) error {
	err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return errors.Wrapf(err, "remove container %q", name)
	}
	return nil
}

// Exec runs a command inside a running container and waits for it to finish.
func (d *Docker) Exec(ctx context.Context, name string, cmd []string) error {
	created, err := d.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return errors.Wrapf(err, "create exec in %q", name)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return errors.Wrapf(err, "attach exec in %q", name)
	}
	defer attach.Close()

	// drain the output; the exit code is what matters
	if _, err := io.Copy(io.Discard, attach.Reader); err != nil {
		return errors.Wrapf(err, "read exec output from %q", name)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return errors.Wrapf(err, "inspect exec in %q", name)
	}
	if inspect.ExitCode != 0 {
		return errors.Errorf("command %v in %q exited with code %d", cmd, name, inspect.ExitCode)
	}
	return nil
}

func (d *Docker) List(ctx context.Context, all bool) ([]ContainerInfo, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, errors.Wrap(err, "list containers")
	}

	out := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, ContainerInfo{
			ID:        c.ID,
			Name:      name,
			Image:     c.Image,
			State:     c.State,
			Running:   c.State == "running",
			CreatedAt: time.Unix(c.Created, 0),
		})
	}
	return out, nil
}

// Inspect returns nil without error when no container with that name exists.
func (d *Docker) Inspect(ctx context.Context, name string) (*ContainerInfo, error) {
	resp, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "inspect container %q", name)
	}

	info := &ContainerInfo{
		ID:   resp.ID,
		Name: strings.TrimPrefix(resp.Name, "/"),
	}
	if resp.Config != nil {
		info.Image = resp.Config.Image
	}
	if resp.State != nil {
		info.State = resp.State.Status
		info.Running = resp.State.Running
	}
	if created, err := time.Parse(time.RFC3339Nano, resp.Created); err == nil {
		info.CreatedAt = created
	}
	return info, nil
}

func (d *Docker) IsRunning(ctx context.Context, name string) (bool, error) {
	info, err := d.Inspect(ctx, name)
	if err != nil {
		return false, err
	}
	return info != nil && info.Running, nil
}

// Logs returns a demultiplexed log stream: the daemon interleaves stdout and
// stderr in its framing protocol, which stdcopy unpacks.
func (d *Docker) Logs(ctx context.Context, name string, opts LogOptions) (io.ReadCloser, error) {
	tail := "all"
	if opts.Tail > 0 {
		tail = strconv.Itoa(opts.Tail)
	}
	since := ""
	if !opts.Since.IsZero() {
		since = opts.Since.Format(time.RFC3339)
	}

	stream, err := d.cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
		Follow:     opts.Follow,
		Since:      since,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "container logs %q", name)
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, stream)
		_ = stream.Close()
		_ = pw.CloseWithError(err)
	}()
	return pr, nil
}

// MemoryMB returns the container's current memory usage from a one-shot stats
// sample, in megabytes.
func (d *Docker) MemoryMB(ctx context.Context, name string) (int64, error) {
	resp, err := d.cli.ContainerStatsOneShot(ctx, name)
	if err != nil {
		return 0, errors.Wrapf(err, "container stats %q", name)
	}
	defer func() { _ = resp.Body.Close() }()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, errors.Wrapf(err, "decode stats for %q", name)
	}
	return int64(stats.MemoryStats.Usage) / (1024 * 1024), nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// ContainerName derives the canonical container name for a service.
func ContainerName(service string) string {
	return fmt.Sprintf("modelctl-%s", service)
}
