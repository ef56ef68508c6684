// Package control glues the catalog to the launcher: it assembles the
// per-engine launch spec for a model and drives start, stop, and log access.
// Both the CLI commands and the manager API go through it.
package control

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/modelctl/modelctl/pkg/artifact"
	"github.com/modelctl/modelctl/pkg/credential"
	"github.com/modelctl/modelctl/pkg/launcher"
	"github.com/modelctl/modelctl/pkg/readiness"
	"github.com/modelctl/modelctl/pkg/registry"
	"github.com/modelctl/modelctl/pkg/runtime"
	"github.com/modelctl/modelctl/pkg/state"
)

// StartOptions modify one start request.
type StartOptions struct {
	// Build forces the artifact build even when it exists.
	Build bool
	// Foreground runs host engines as a blocking child. Ignored for
	// container engines.
	Foreground bool
}

// Controller drives model lifecycles.
type Controller struct {
	Catalog  *registry.File
	Runtime  runtime.Runtime
	Launcher *launcher.Launcher
	// BaseDir anchors state, logs, and relative script dirs.
	BaseDir string
	// Home is the host home directory used for cache mounts.
	Home string

	// StopGrace bounds graceful shutdown before force-kill (default 30s).
	StopGrace time.Duration
}

// NewController wires a controller with the production launcher.
func NewController(catalog *registry.File, rt runtime.Runtime, baseDir, home string) *Controller {
	return &Controller{
		Catalog: catalog,
		Runtime: rt,
		Launcher: &launcher.Launcher{
			Runtime:   rt,
			Processes: &launcher.ExecRunner{LogsDir: state.LogsDir(baseDir)},
			Credentials: &credential.Resolver{
				FallbackFile: credential.DefaultFallbackFile(),
			},
		},
		BaseDir: baseDir,
		Home:    home,
	}
}

// Start launches a model through the idempotent launch sequence.
func (c *Controller) Start(ctx context.Context, m *registry.Model, opts StartOptions) (*launcher.Result, error) {
	spec, err := c.launchSpec(m, opts)
	if err != nil {
		return nil, err
	}

	res, err := c.Launcher.Launch(ctx, spec)
	if err != nil {
		return nil, err
	}

	// detached host processes are recorded so status, logs, and stop can
	// find them later; containers are queried live from the runtime
	if res.Outcome == launcher.Started && res.PID > 0 {
		if err := c.recordProcess(m, res); err != nil {
			log.Warn().Err(err).Str("model", m.ID).Msg("failed to record launch state")
		}
	}
	return res, nil
}

func (c *Controller) launchSpec(m *registry.Model, opts StartOptions) (launcher.Spec, error) {
	spec := launcher.Spec{
		Name:        m.ID,
		Port:        m.Port,
		Credentials: m.RequiredCredentials,
		Env:         m.Env,
		ForceBuild:  opts.Build,
	}

	switch {
	case m.IsContainer():
		run, err := m.RunSpec(c.Home)
		if err != nil {
			return launcher.Spec{}, err
		}
		spec.Container = &run
		spec.PostStart = m.PostStart()
		spec.Probe = c.containerProbe(m, run.Name)
		if m.Build != nil {
			spec.Artifact = &artifact.ImageStep{
				Builder:    &imageBuilder{rt: c.Runtime},
				Ref:        m.Image,
				ContextDir: m.Build.Context,
				Dockerfile: m.Build.Dockerfile,
				Output:     os.Stderr,
			}
		} else {
			// no local build context: the image comes from a registry, so the
			// first launch pulls it the way docker run would
			spec.Artifact = &artifact.PullStep{
				Puller: &imageBuilder{rt: c.Runtime},
				Ref:    m.Image,
			}
		}
	case m.Engine == registry.EngineScript:
		cmd, cwd := m.ScriptCommand(c.BaseDir, "serve.sh")
		spec.Process = &launcher.ProcessSpec{Command: cmd, Cwd: cwd}
		spec.Probe = c.hostProbe(m)
		spec.Artifact = c.venvStep(m)
	case m.Engine == registry.EngineProcess:
		spec.Process = &launcher.ProcessSpec{Command: m.Command, Cwd: m.Cwd}
		spec.Probe = c.hostProbe(m)
		spec.Foreground = opts.Foreground
		spec.Artifact = c.venvStep(m)
	default:
		return launcher.Spec{}, errors.Errorf("model %q: unsupported engine %q", m.ID, m.Engine)
	}
	return spec, nil
}

// venvStep builds the virtualenv artifact for host engines that declare one,
// or nil when the model has no venv. Relative paths anchor at the base dir.
func (c *Controller) venvStep(m *registry.Model) artifact.Step {
	if m.Venv == nil {
		return nil
	}
	dir := m.Venv.Dir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(c.BaseDir, dir)
	}
	requirements := m.Venv.Requirements
	if requirements != "" && !filepath.IsAbs(requirements) {
		requirements = filepath.Join(c.BaseDir, requirements)
	}
	return &artifact.VenvStep{
		Dir:          dir,
		Requirements: requirements,
		Python:       m.Venv.Python,
		Output:       os.Stderr,
	}
}

// containerProbe identifies the service by its container; the health path,
// when present, additionally requires the endpoint to answer.
func (c *Controller) containerProbe(m *registry.Model, containerName string) readiness.Probe {
	containerUp := readiness.ContainerRunning(c.Runtime, containerName)
	if m.HealthPath == "" {
		return containerUp
	}
	healthy := readiness.HTTPOK(healthURL(m))
	return func(ctx context.Context) (bool, error) {
		up, err := containerUp(ctx)
		if err != nil || !up {
			return false, err
		}
		return healthy(ctx)
	}
}

func (c *Controller) hostProbe(m *registry.Model) readiness.Probe {
	if m.HealthPath != "" {
		return readiness.HTTPOK(healthURL(m))
	}
	return readiness.PortBound(m.Port)
}

func healthURL(m *registry.Model) string {
	path := m.HealthPath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("http://127.0.0.1:%d%s", m.Port, path)
}

func (c *Controller) recordProcess(m *registry.Model, res *launcher.Result) error {
	st, err := state.LoadOptional(c.BaseDir)
	if err != nil {
		return err
	}
	handle := c.lastHandle(res)
	st.Upsert(state.Record{
		Name:      m.ID,
		Engine:    m.Engine,
		PID:       res.PID,
		Port:      m.Port,
		Command:   m.Command,
		Cwd:       m.Cwd,
		Env:       state.SanitizeEnv(m.Env),
		StdoutLog: handle.StdoutLog,
		StderrLog: handle.StderrLog,
		StartedAt: time.Now(),
	})
	return state.Save(c.BaseDir, st)
}

// lastHandle recovers the log paths for the launch that just happened. The
// launcher result only carries the PID; the log files follow the runner's
// naming convention under the state logs dir.
func (c *Controller) lastHandle(res *launcher.Result) launcher.ProcessHandle {
	dir := state.LogsDir(c.BaseDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return launcher.ProcessHandle{PID: res.PID}
	}
	h := launcher.ProcessHandle{PID: res.PID}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, res.Name+"-") {
			continue
		}
		full := filepath.Join(dir, name)
		switch {
		case strings.HasSuffix(name, ".stdout.log") && full > h.StdoutLog:
			h.StdoutLog = full
		case strings.HasSuffix(name, ".stderr.log") && full > h.StderrLog:
			h.StderrLog = full
		}
	}
	return h
}

// Stop brings a running model down: graceful stop, bounded wait, then force
// removal. Stopping an already-stopped model is not an error.
func (c *Controller) Stop(ctx context.Context, m *registry.Model) error {
	grace := c.StopGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}

	switch {
	case m.IsContainer():
		name := m.ResolvedContainerName()
		info, err := c.Runtime.Inspect(ctx, name)
		if err != nil {
			return err
		}
		if info == nil {
			return nil
		}
		if info.Running {
			if err := c.Runtime.Stop(ctx, name, grace); err != nil {
				return err
			}
		}
		return c.Runtime.Remove(ctx, name)

	case m.Engine == registry.EngineScript:
		cmd, cwd := m.ScriptCommand(c.BaseDir, "stop.sh")
		_, err := c.Launcher.Processes.RunForeground(ctx, m.ID+"-stop", launcher.ProcessSpec{
			Command: cmd,
			Cwd:     cwd,
			Env:     m.Env,
		})
		if err != nil {
			return err
		}
		return c.dropRecord(m.ID)

	default:
		st, err := state.LoadOptional(c.BaseDir)
		if err != nil {
			return err
		}
		rec := st.Find(m.ID)
		if rec == nil {
			return nil
		}
		if state.ProcessAlive(rec.PID) {
			if err := launcher.TerminateGroup(ctx, rec.PID, grace); err != nil {
				return err
			}
		}
		st.Drop(m.ID)
		return state.Save(c.BaseDir, st)
	}
}

// dropRecord removes a stale launch record, if any, after a stop.
func (c *Controller) dropRecord(name string) error {
	st, err := state.LoadOptional(c.BaseDir)
	if err != nil {
		return err
	}
	if st.Find(name) == nil {
		return nil
	}
	st.Drop(name)
	return state.Save(c.BaseDir, st)
}

// Logs opens the model's log stream: the runtime's for containers, the
// recorded log files for host processes.
func (c *Controller) Logs(ctx context.Context, m *registry.Model, opts runtime.LogOptions) (io.ReadCloser, error) {
	if m.IsContainer() {
		return c.Runtime.Logs(ctx, m.ResolvedContainerName(), opts)
	}

	// host logs are plain files read once; the daemon-backed options do not
	// apply, and silently ignoring them would mislead the operator
	if opts.Follow || !opts.Since.IsZero() {
		return nil, errors.Errorf("model %q: follow and since need a container engine", m.ID)
	}

	st, err := state.LoadOptional(c.BaseDir)
	if err != nil {
		return nil, err
	}
	rec := st.Find(m.ID)
	if rec == nil || rec.StdoutLog == "" {
		return nil, errors.Errorf("no recorded logs for model %q", m.ID)
	}
	lines, err := state.TailLines(rec.StdoutLog, opts.Tail, 0)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(strings.Join(lines, "\n") + "\n")), nil
}
