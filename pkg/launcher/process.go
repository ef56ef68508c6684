package launcher

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/modelctl/modelctl/pkg/state"
)

// ExecRunner launches host processes in their own process group so stop and
// signal propagation reach the whole tree, not just the direct child.
type ExecRunner struct {
	// LogsDir receives detached processes' stdout/stderr log files.
	LogsDir string
}

var _ ProcessRunner = (*ExecRunner)(nil)

func (r *ExecRunner) StartDetached(ctx context.Context, name string, spec ProcessSpec) (*ProcessHandle, error) {
	if len(spec.Command) == 0 {
		return nil, errors.Errorf("service %q missing command", name)
	}
	if err := os.MkdirAll(r.LogsDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create logs dir")
	}

	ts := time.Now().Format("20060102-150405")
	stdoutPath := filepath.Join(r.LogsDir, name+"-"+ts+".stdout.log")
	stderrPath := filepath.Join(r.LogsDir, name+"-"+ts+".stderr.log")

	stdoutFile, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open stdout log")
	}
	defer func() { _ = stdoutFile.Close() }()

	stderrFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open stderr log")
	}
	defer func() { _ = stderrFile.Close() }()

	// #nosec G204 -- command comes from the operator's model catalog.
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Cwd
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start service")
	}

	pid := cmd.Process.Pid
	log.Info().Str("service", name).Int("pid", pid).Msg("process started")
	// reap in the background; the service outlives this invocation
	go func() { _ = cmd.Wait() }()

	return &ProcessHandle{PID: pid, StdoutLog: stdoutPath, StderrLog: stderrPath}, nil
}

// RunForeground blocks until the service exits, mirroring its output and exit
// code. Interrupts are forwarded to the child's process group so the service
// shuts down rather than being orphaned.
func (r *ExecRunner) RunForeground(ctx context.Context, name string, spec ProcessSpec) (int, error) {
	if len(spec.Command) == 0 {
		return 0, errors.Errorf("service %q missing command", name)
	}

	// #nosec G204 -- command comes from the operator's model catalog.
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Cwd
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, errors.Wrap(err, "start service")
	}
	pid := cmd.Process.Pid

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	for {
		select {
		case sig := <-sigCh:
			forwardSignal(pid, sig)
		case <-ctx.Done():
			forwardSignal(pid, syscall.SIGTERM)
			err := <-done
			return exitCode(err), ctx.Err()
		case err := <-done:
			if err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					return exitErr.ExitCode(), nil
				}
				return 0, errors.Wrap(err, "wait for service")
			}
			return 0, nil
		}
	}
}

// TerminateGroup stops a detached process: SIGTERM to its group, a bounded
// wait, then SIGKILL if it stays alive.
func TerminateGroup(ctx context.Context, pid int, grace time.Duration) error {
	if pid <= 0 {
		return nil
	}
	pgid, pgidErr := syscall.Getpgid(pid)
	if pgidErr == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}

	deadline := time.Now().Add(grace)
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()

	for {
		if !state.ProcessAlive(pid) {
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	if pgidErr == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}

	killDeadline := time.Now().Add(2 * time.Second)
	for state.ProcessAlive(pid) && time.Now().Before(killDeadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if state.ProcessAlive(pid) {
		return errors.Errorf("process %d did not stop", pid)
	}
	return nil
}

func forwardSignal(pid int, sig os.Signal) {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return
	}
	if pgid, err := syscall.Getpgid(pid); err == nil {
		_ = syscall.Kill(-pgid, s)
	} else {
		_ = syscall.Kill(pid, s)
	}
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return 1
	}
	return 0
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := append([]string{}, base...)
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}
