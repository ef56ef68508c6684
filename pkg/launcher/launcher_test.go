package launcher

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelctl/modelctl/pkg/credential"
	"github.com/modelctl/modelctl/pkg/readiness"
	"github.com/modelctl/modelctl/pkg/runtime"
)

// mockRuntime records every call so the tests can assert both counts and
// ordering of the runtime interactions.
type mockRuntime struct {
	mu      sync.Mutex
	calls   []string
	inspect *runtime.ContainerInfo
	running bool
	runErr  error
	lastRun runtime.RunSpec
	execs   [][]string
}

func (m *mockRuntime) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

func (m *mockRuntime) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (m *mockRuntime) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockRuntime) BuildImage(ctx context.Context, spec runtime.BuildSpec) (string, error) {
	m.record("BuildImage")
	return "sha256:cafe", nil
}

func (m *mockRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	m.record("ImageExists")
	return true, nil
}

func (m *mockRuntime) PullImage(ctx context.Context, ref string) error {
	m.record("PullImage")
	return nil
}

func (m *mockRuntime) Run(ctx context.Context, spec runtime.RunSpec) (string, error) {
	m.record("Run")
	if m.runErr != nil {
		return "", m.runErr
	}
	m.mu.Lock()
	m.lastRun = spec
	m.running = true
	m.mu.Unlock()
	return "cid-123", nil
}

func (m *mockRuntime) Stop(ctx context.Context, name string, grace time.Duration) error {
	m.record("Stop")
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	return nil
}

func (m *mockRuntime) Remove(ctx context.Context, name string) error {
	m.record("Remove")
	m.mu.Lock()
	m.inspect = nil
	m.mu.Unlock()
	return nil
}

func (m *mockRuntime) Exec(ctx context.Context, name string, cmd []string) error {
	m.record("Exec")
	m.mu.Lock()
	m.execs = append(m.execs, cmd)
	m.mu.Unlock()
	return nil
}

func (m *mockRuntime) List(ctx context.Context, all bool) ([]runtime.ContainerInfo, error) {
	m.record("List")
	return nil, nil
}

func (m *mockRuntime) Inspect(ctx context.Context, name string) (*runtime.ContainerInfo, error) {
	m.record("Inspect")
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inspect, nil
}

func (m *mockRuntime) IsRunning(ctx context.Context, name string) (bool, error) {
	m.record("IsRunning")
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running, nil
}

func (m *mockRuntime) Logs(ctx context.Context, name string, opts runtime.LogOptions) (io.ReadCloser, error) {
	m.record("Logs")
	return io.NopCloser(strings.NewReader("CUDA out of memory\n")), nil
}

func (m *mockRuntime) MemoryMB(ctx context.Context, name string) (int64, error) {
	m.record("MemoryMB")
	return 0, nil
}

type fakeArtifact struct {
	exists     bool
	buildCalls int
}

func (s *fakeArtifact) Name() string { return "fake-artifact" }

func (s *fakeArtifact) Exists(ctx context.Context) (bool, error) { return s.exists, nil }

func (s *fakeArtifact) Build(ctx context.Context) error {
	s.buildCalls++
	s.exists = true
	return nil
}

// fakeProcessRunner can bind the service's port on start so the port probe
// observes a live service.
type fakeProcessRunner struct {
	startCalls int
	bindPort   int
	listener   net.Listener
	stderrLog  string
	startErr   error
}

func (r *fakeProcessRunner) StartDetached(ctx context.Context, name string, spec ProcessSpec) (*ProcessHandle, error) {
	r.startCalls++
	if r.startErr != nil {
		return nil, r.startErr
	}
	if r.bindPort > 0 {
		ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(r.bindPort))
		if err != nil {
			return nil, err
		}
		r.listener = ln
	}
	return &ProcessHandle{PID: os.Getpid(), StderrLog: r.stderrLog}, nil
}

func (r *fakeProcessRunner) RunForeground(ctx context.Context, name string, spec ProcessSpec) (int, error) {
	r.startCalls++
	return 0, nil
}

func (r *fakeProcessRunner) close() {
	if r.listener != nil {
		_ = r.listener.Close()
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port
}

func fastLauncher(rt runtime.Runtime, procs ProcessRunner) *Launcher {
	return &Launcher{
		Runtime:       rt,
		Processes:     procs,
		SettleTimeout: 500 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
	}
}

func TestAlreadyRunningPerformsNoCalls(t *testing.T) {
	rt := &mockRuntime{}
	art := &fakeArtifact{}
	procs := &fakeProcessRunner{}
	l := fastLauncher(rt, procs)

	res, err := l.Launch(context.Background(), Spec{
		Name:     "api",
		Port:     freePort(t),
		Probe:    func(ctx context.Context) (bool, error) { return true, nil },
		Artifact: art,
		Process:  &ProcessSpec{Command: []string{"true"}},
	})
	require.NoError(t, err)
	assert.Equal(t, AlreadyRunning, res.Outcome)
	assert.Equal(t, 0, rt.total())
	assert.Equal(t, 0, art.buildCalls)
	assert.Equal(t, 0, procs.startCalls)
}

func TestExistingArtifactIsNotRebuilt(t *testing.T) {
	rt := &mockRuntime{}
	art := &fakeArtifact{exists: true}
	l := fastLauncher(rt, nil)

	res, err := l.Launch(context.Background(), Spec{
		Name:     "qwen",
		Port:     freePort(t),
		Probe:    func(ctx context.Context) (bool, error) { return rt.running, nil },
		Artifact: art,
		Container: &runtime.RunSpec{
			Image: "vllm/vllm-openai:latest",
			Name:  "modelctl-qwen",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, Started, res.Outcome)
	assert.False(t, res.BuildRan)
	assert.Equal(t, 0, art.buildCalls)
	assert.Equal(t, 1, rt.count("Run"))
}

func TestMissingCredentialBeforeAnyRuntimeCall(t *testing.T) {
	rt := &mockRuntime{}
	procs := &fakeProcessRunner{}
	l := fastLauncher(rt, procs)
	l.Credentials = &credential.Resolver{FallbackFile: filepath.Join(t.TempDir(), "absent.env")}

	port := freePort(t)
	_, err := l.Launch(context.Background(), Spec{
		Name:        "gated",
		Port:        port,
		Probe:       readiness.PortBound(port),
		Credentials: []string{"REQUIRED_TOKEN"},
		Env:         map[string]string{"REQUIRED_TOKEN": ""},
		Process:     &ProcessSpec{Command: []string{"true"}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingCredential))
	assert.Equal(t, 0, rt.total())
	assert.Equal(t, 0, procs.startCalls)
}

func TestPortInUseByOther(t *testing.T) {
	port := freePort(t)
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	rt := &mockRuntime{}
	l := fastLauncher(rt, nil)

	_, err = l.Launch(context.Background(), Spec{
		Name:      "qwen",
		Port:      port,
		Probe:     readiness.ContainerRunning(rt, "modelctl-qwen"),
		Container: &runtime.RunSpec{Image: "vllm/vllm-openai:latest", Name: "modelctl-qwen"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPortInUseByOther))
	// the identity probe ran, but nothing was mutated
	assert.Equal(t, 0, rt.count("Run"))
	assert.Equal(t, 0, rt.count("Remove"))
	assert.Equal(t, 0, rt.count("Inspect"))
}

func TestOwnContainerHoldingPortIsNotAConflict(t *testing.T) {
	// the daemon proxy binds the host port as soon as the container starts,
	// well before a model server answers health checks
	port := freePort(t)
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	rt := &mockRuntime{running: true}
	l := fastLauncher(rt, nil)

	healthy := false
	res, err := l.Launch(context.Background(), Spec{
		Name: "qwen",
		Port: port,
		Probe: func(ctx context.Context) (bool, error) {
			up, err := rt.IsRunning(ctx, "modelctl-qwen")
			if err != nil || !up {
				return false, err
			}
			return healthy, nil
		},
		Container: &runtime.RunSpec{Image: "vllm/vllm-openai:latest", Name: "modelctl-qwen"},
	})
	require.NoError(t, err)
	assert.Equal(t, AlreadyRunning, res.Outcome)
	assert.Equal(t, 0, rt.count("Run"))
	assert.Equal(t, 0, rt.count("Remove"))
}

func TestStaleContainerRemovedBeforeRun(t *testing.T) {
	rt := &mockRuntime{
		inspect: &runtime.ContainerInfo{Name: "modelctl-qwen", State: "exited", Running: false},
	}
	l := fastLauncher(rt, nil)

	res, err := l.Launch(context.Background(), Spec{
		Name:      "qwen",
		Port:      freePort(t),
		Probe:     func(ctx context.Context) (bool, error) { return rt.running, nil },
		Container: &runtime.RunSpec{Image: "vllm/vllm-openai:latest", Name: "modelctl-qwen"},
	})
	require.NoError(t, err)
	assert.Equal(t, Started, res.Outcome)
	assert.Equal(t, "cid-123", res.ContainerID)
	assert.Equal(t, []string{"Inspect", "Remove", "Run"}, rt.calls)
}

func TestFailedToStartIsBoundedAndCarriesLogTail(t *testing.T) {
	dir := t.TempDir()
	stderrLog := filepath.Join(dir, "svc.stderr.log")
	require.NoError(t, os.WriteFile(stderrLog, []byte("bind: address already in use\n"), 0o600))

	rt := &mockRuntime{}
	procs := &fakeProcessRunner{stderrLog: stderrLog}
	l := fastLauncher(rt, procs)
	l.SettleTimeout = 200 * time.Millisecond

	start := time.Now()
	_, err := l.Launch(context.Background(), Spec{
		Name:    "svc",
		Port:    freePort(t),
		Probe:   func(ctx context.Context) (bool, error) { return false, nil },
		Process: &ProcessSpec{Command: []string{"true"}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFailedToStart))
	assert.Less(t, time.Since(start), 2*time.Second)

	var failed *FailedToStartError
	require.True(t, errors.As(err, &failed))
	assert.Contains(t, failed.LogTail, "bind: address already in use")
}

func TestFreshLaunchBuildsOnceThenReportsAlreadyRunning(t *testing.T) {
	port := freePort(t)
	rt := &mockRuntime{}
	art := &fakeArtifact{exists: false}
	procs := &fakeProcessRunner{bindPort: port}
	defer procs.close()
	l := fastLauncher(rt, procs)

	spec := Spec{
		Name:     "manager",
		Port:     port,
		Probe:    readiness.PortBound(port),
		Artifact: art,
		Process: &ProcessSpec{
			Command: []string{"uvicorn", "server:app", "--port", strconv.Itoa(port)},
		},
	}

	res, err := l.Launch(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, Started, res.Outcome)
	assert.True(t, res.BuildRan)
	assert.Equal(t, 1, art.buildCalls)
	assert.Equal(t, 1, procs.startCalls)

	// second invocation immediately after: the port is now bound
	res, err = l.Launch(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, AlreadyRunning, res.Outcome)
	assert.Equal(t, 1, art.buildCalls)
	assert.Equal(t, 1, procs.startCalls)
}

func TestContainerEnvMergeAndPostStart(t *testing.T) {
	rt := &mockRuntime{}
	l := fastLauncher(rt, nil)
	l.Credentials = &credential.Resolver{}

	res, err := l.Launch(context.Background(), Spec{
		Name:        "llama",
		Port:        freePort(t),
		Probe:       func(ctx context.Context) (bool, error) { return rt.running, nil },
		Credentials: []string{"HF_TOKEN"},
		Env:         map[string]string{"HF_TOKEN": "hf_abc"},
		Container: &runtime.RunSpec{
			Image: "ollama/ollama:latest",
			Name:  "modelctl-llama",
			Env:   map[string]string{"OLLAMA_KEEP_ALIVE": "5m"},
		},
		PostStart: [][]string{{"ollama", "pull", "llama3.2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, Started, res.Outcome)
	assert.Equal(t, "hf_abc", rt.lastRun.Env["HF_TOKEN"])
	assert.Equal(t, "5m", rt.lastRun.Env["OLLAMA_KEEP_ALIVE"])
	require.Len(t, rt.execs, 1)
	assert.Equal(t, []string{"ollama", "pull", "llama3.2"}, rt.execs[0])
}

func TestLaunchFailureSurfacesRuntimeError(t *testing.T) {
	rt := &mockRuntime{runErr: errors.New("no such image")}
	l := fastLauncher(rt, nil)

	_, err := l.Launch(context.Background(), Spec{
		Name:      "qwen",
		Port:      freePort(t),
		Probe:     func(ctx context.Context) (bool, error) { return false, nil },
		Container: &runtime.RunSpec{Image: "missing:latest", Name: "modelctl-qwen"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLaunchFailed))
	assert.Contains(t, err.Error(), "no such image")
}

func TestValidateRejectsAmbiguousSpecs(t *testing.T) {
	l := fastLauncher(&mockRuntime{}, nil)
	probe := func(ctx context.Context) (bool, error) { return false, nil }

	_, err := l.Launch(context.Background(), Spec{Name: "x", Port: 0, Probe: probe, Process: &ProcessSpec{Command: []string{"true"}}})
	require.Error(t, err)

	_, err = l.Launch(context.Background(), Spec{Name: "x", Port: 8080, Probe: probe})
	require.Error(t, err)

	_, err = l.Launch(context.Background(), Spec{
		Name: "x", Port: 8080, Probe: probe,
		Container: &runtime.RunSpec{Name: "x"}, Process: &ProcessSpec{Command: []string{"true"}},
	})
	require.Error(t, err)
}
