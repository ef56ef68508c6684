// Package launcher implements the idempotent service launch contract shared
// by every engine: check whether the service is already active, clear stale
// remains, ensure the launchable artifact, start the service, and verify it
// came up. The step order is strict; reordering risks double-starting a
// service on its port.
package launcher

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/modelctl/modelctl/pkg/artifact"
	"github.com/modelctl/modelctl/pkg/credential"
	"github.com/modelctl/modelctl/pkg/readiness"
	"github.com/modelctl/modelctl/pkg/runtime"
)

// Outcome is the terminal state of a launch attempt.
type Outcome string

const (
	// Started: the service was launched by this invocation.
	Started Outcome = "started"
	// AlreadyRunning: the service was active before this invocation; nothing
	// was built or started.
	AlreadyRunning Outcome = "already-running"
)

// ProcessSpec describes a host process launch for the script and process
// engines.
type ProcessSpec struct {
	Command []string
	Cwd     string
	Env     map[string]string
}

// ProcessHandle identifies a detached host process and its log files.
type ProcessHandle struct {
	PID       int
	StdoutLog string
	StderrLog string
}

// ProcessRunner starts host processes. The production implementation is
// ExecRunner; tests substitute a recorder.
type ProcessRunner interface {
	StartDetached(ctx context.Context, name string, spec ProcessSpec) (*ProcessHandle, error)
	RunForeground(ctx context.Context, name string, spec ProcessSpec) (int, error)
}

// Spec describes one launchable service. Exactly one of Container or Process
// must be set.
type Spec struct {
	Name string
	Port int

	// Probe decides whether the service is already active. It runs first and
	// must be side-effect free.
	Probe readiness.Probe

	// Credentials lists the environment variable names that must resolve
	// before any build or runtime call.
	Credentials []string

	// Env is merged over the inherited environment (and into the container's
	// environment) at launch time. It is also the first credential source.
	Env map[string]string

	// Artifact, when set, is ensured before launch. ForceBuild skips the
	// existence check.
	Artifact   artifact.Step
	ForceBuild bool

	// Container launches detached under the container runtime.
	Container *runtime.RunSpec
	// PostStart commands run inside the container once it reports ready.
	PostStart [][]string

	// Process launches on the host, foreground or detached.
	Process    *ProcessSpec
	Foreground bool
}

// Result reports what a successful launch did.
type Result struct {
	Outcome     Outcome
	Name        string
	Port        int
	BuildRan    bool
	ContainerID string
	PID         int
	// ExitCode is the foreground service's exit code; the CLI mirrors it.
	ExitCode int
}

// Launcher sequences launch attempts against its collaborators. One blocking
// external call at a time; no retries.
type Launcher struct {
	Runtime     runtime.Runtime
	Processes   ProcessRunner
	Credentials *credential.Resolver

	// SettleTimeout bounds the post-launch readiness wait (default 30s).
	SettleTimeout time.Duration
	// PollInterval is the readiness poll cadence (default 500ms).
	PollInterval time.Duration
	// LogTailLines is how much log output a FailedToStart report carries.
	LogTailLines int
}

const (
	defaultSettleTimeout = 30 * time.Second
	defaultPollInterval  = 500 * time.Millisecond
	defaultLogTailLines  = 25
)

// Launch brings the described service into a running state exactly once.
// AlreadyRunning is a success, not an error.
func (l *Launcher) Launch(ctx context.Context, spec Spec) (*Result, error) {
	if err := validate(spec); err != nil {
		return nil, err
	}

	// 1. Idempotency check. Must stay first: the double-start on a bound
	// port is the principal failure mode this guards against.
	active, err := spec.Probe(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "readiness check for %q", spec.Name)
	}
	if active {
		log.Info().Str("service", spec.Name).Int("port", spec.Port).Msg("already running")
		return &Result{Outcome: AlreadyRunning, Name: spec.Name, Port: spec.Port}, nil
	}

	// 2. Port guard. The probe said our service is not active, so anything
	// bound to the port belongs to someone else. Not taken over. For container
	// specs the bound port may still be our own container warming up (the
	// daemon's proxy binds before the service answers), so container identity
	// decides whether the holder is foreign.
	if portBound(ctx, spec.Port) {
		if spec.Container != nil {
			running, err := l.Runtime.IsRunning(ctx, spec.Container.Name)
			if err != nil {
				return nil, errors.Wrapf(err, "query container %q", spec.Container.Name)
			}
			if running {
				log.Info().Str("service", spec.Name).Int("port", spec.Port).
					Msg("container is up but not ready yet")
				return &Result{Outcome: AlreadyRunning, Name: spec.Name, Port: spec.Port}, nil
			}
		}
		return nil, errors.Wrapf(ErrPortInUseByOther,
			"port %d is bound but %q is not active; stop the conflicting process", spec.Port, spec.Name)
	}

	// 3. Credential gate, before any build or runtime mutation: a missing
	// token makes the downstream pull certain to fail.
	env, err := l.resolveEnv(spec)
	if err != nil {
		return nil, err
	}

	// 4. Stale-state cleanup: a stopped container holding the name would
	// make the create collide on "exists but stopped".
	if spec.Container != nil {
		if err := l.removeStale(ctx, spec.Container.Name); err != nil {
			return nil, err
		}
	}

	// 5. Build-if-needed.
	result := &Result{Outcome: Started, Name: spec.Name, Port: spec.Port}
	if spec.Artifact != nil {
		built, err := artifact.Ensure(ctx, spec.Artifact, spec.ForceBuild)
		if err != nil {
			return nil, errors.Wrap(ErrBuildFailed, err.Error())
		}
		result.BuildRan = built
	}

	// 6. Launch.
	switch {
	case spec.Container != nil:
		if err := l.launchContainer(ctx, spec, env, result); err != nil {
			return nil, err
		}
	case spec.Foreground:
		code, err := l.Processes.RunForeground(ctx, spec.Name, processSpec(spec, env))
		if err != nil {
			return nil, errors.Wrapf(ErrLaunchFailed, "run %q: %v", spec.Name, err)
		}
		result.ExitCode = code
		return result, nil
	default:
		handle, err := l.Processes.StartDetached(ctx, spec.Name, processSpec(spec, env))
		if err != nil {
			return nil, errors.Wrapf(ErrLaunchFailed, "start %q: %v", spec.Name, err)
		}
		result.PID = handle.PID
		if err := l.settle(ctx, spec, handle); err != nil {
			return nil, err
		}
	}

	log.Info().Str("service", spec.Name).Int("port", spec.Port).Msg("started")
	return result, nil
}

func validate(spec Spec) error {
	if spec.Port <= 0 || spec.Port > 65535 {
		return errors.Errorf("service %q: port %d out of range", spec.Name, spec.Port)
	}
	if spec.Probe == nil {
		return errors.Errorf("service %q: no readiness probe", spec.Name)
	}
	if (spec.Container == nil) == (spec.Process == nil) {
		return errors.Errorf("service %q: exactly one of container or process launch required", spec.Name)
	}
	if spec.Container != nil && spec.Foreground {
		return errors.Errorf("service %q: container launches are always detached", spec.Name)
	}
	return nil
}

func (l *Launcher) resolveEnv(spec Spec) (map[string]string, error) {
	env := make(map[string]string, len(spec.Env))
	for k, v := range spec.Env {
		env[k] = v
	}
	if len(spec.Credentials) == 0 {
		return env, nil
	}

	resolver := l.Credentials
	if resolver == nil {
		resolver = &credential.Resolver{}
	}
	creds, err := resolver.Resolve(spec.Credentials, spec.Env)
	if err != nil {
		var missing *credential.MissingError
		if errors.As(err, &missing) {
			return nil, errors.Wrapf(ErrMissingCredential,
				"%v; set the required credential and retry", missing)
		}
		return nil, err
	}
	for k, v := range creds {
		env[k] = v
	}
	return env, nil
}

func (l *Launcher) removeStale(ctx context.Context, name string) error {
	info, err := l.Runtime.Inspect(ctx, name)
	if err != nil {
		return errors.Wrapf(err, "inspect stale container %q", name)
	}
	if info == nil || info.Running {
		return nil
	}
	log.Debug().Str("container", name).Str("state", info.State).Msg("removing stale container")
	return l.Runtime.Remove(ctx, name)
}

func (l *Launcher) launchContainer(ctx context.Context, spec Spec, env map[string]string, result *Result) error {
	run := *spec.Container
	if len(env) > 0 {
		merged := make(map[string]string, len(run.Env)+len(env))
		for k, v := range run.Env {
			merged[k] = v
		}
		for k, v := range env {
			merged[k] = v
		}
		run.Env = merged
	}

	id, err := l.Runtime.Run(ctx, run)
	if err != nil {
		return errors.Wrapf(ErrLaunchFailed, "run container %q: %v", run.Name, err)
	}
	result.ContainerID = id

	if err := l.settle(ctx, spec, nil); err != nil {
		return err
	}

	for _, cmd := range spec.PostStart {
		if err := l.Runtime.Exec(ctx, run.Name, cmd); err != nil {
			return errors.Wrapf(ErrLaunchFailed, "post-start %v in %q: %v", cmd, run.Name, err)
		}
	}
	return nil
}

// settle re-runs the readiness probe until the settle window closes. On
// timeout it surfaces the service's last log lines instead of hanging.
func (l *Launcher) settle(ctx context.Context, spec Spec, handle *ProcessHandle) error {
	timeout := l.SettleTimeout
	if timeout <= 0 {
		timeout = defaultSettleTimeout
	}
	interval := l.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	settleCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := readiness.Wait(settleCtx, spec.Probe, interval); err == nil {
		return nil
	}

	return &FailedToStartError{
		Name:    spec.Name,
		LogTail: l.logTail(ctx, spec, handle),
	}
}

func (l *Launcher) logTail(ctx context.Context, spec Spec, handle *ProcessHandle) []string {
	lines := l.LogTailLines
	if lines <= 0 {
		lines = defaultLogTailLines
	}
	if spec.Container != nil {
		return containerTail(ctx, l.Runtime, spec.Container.Name, lines)
	}
	if handle != nil {
		return fileTail(handle.StderrLog, handle.StdoutLog, lines)
	}
	return nil
}

func processSpec(spec Spec, env map[string]string) ProcessSpec {
	p := *spec.Process
	p.Env = env
	return p
}

func portBound(ctx context.Context, port int) bool {
	d := net.Dialer{Timeout: 500 * time.Millisecond}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
