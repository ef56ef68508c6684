package launcher

import (
	"bufio"
	"context"
	"time"

	"github.com/modelctl/modelctl/pkg/runtime"
	"github.com/modelctl/modelctl/pkg/state"
)

// containerTail fetches the last lines of a container's log stream. Errors
// are swallowed: the tail decorates a failure report that is already on its
// way out.
func containerTail(ctx context.Context, rt runtime.Runtime, name string, lines int) []string {
	tailCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rc, err := rt.Logs(tailCtx, name, runtime.LogOptions{Tail: lines})
	if err != nil {
		return nil
	}
	defer func() { _ = rc.Close() }()

	var out []string
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		out = append(out, scanner.Text())
		if len(out) > lines {
			out = out[1:]
		}
	}
	return out
}

// fileTail reads the last lines of a detached process's log files, preferring
// stderr.
func fileTail(stderrLog, stdoutLog string, lines int) []string {
	if stderrLog != "" {
		if out, err := state.TailLines(stderrLog, lines, 0); err == nil && len(out) > 0 {
			return out
		}
	}
	if stdoutLog != "" {
		if out, err := state.TailLines(stdoutLog, lines, 0); err == nil {
			return out
		}
	}
	return nil
}
