package manager

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelctl/modelctl/pkg/control"
	"github.com/modelctl/modelctl/pkg/launcher"
	"github.com/modelctl/modelctl/pkg/registry"
	"github.com/modelctl/modelctl/pkg/runtime"
	"github.com/modelctl/modelctl/pkg/status"
	"github.com/modelctl/modelctl/pkg/sysinfo"
	"github.com/modelctl/modelctl/pkg/toolspec"
)

type stubRuntime struct {
	containers []runtime.ContainerInfo
}

func (s *stubRuntime) BuildImage(ctx context.Context, spec runtime.BuildSpec) (string, error) {
	return "", nil
}
func (s *stubRuntime) ImageExists(ctx context.Context, ref string) (bool, error) { return true, nil }
func (s *stubRuntime) PullImage(ctx context.Context, ref string) error           { return nil }
func (s *stubRuntime) Run(ctx context.Context, spec runtime.RunSpec) (string, error) {
	return "cid", nil
}
func (s *stubRuntime) Stop(ctx context.Context, name string, grace time.Duration) error { return nil }
func (s *stubRuntime) Remove(ctx context.Context, name string) error                    { return nil }
func (s *stubRuntime) Exec(ctx context.Context, name string, cmd []string) error        { return nil }
func (s *stubRuntime) List(ctx context.Context, all bool) ([]runtime.ContainerInfo, error) {
	return s.containers, nil
}
func (s *stubRuntime) Inspect(ctx context.Context, name string) (*runtime.ContainerInfo, error) {
	return nil, nil
}
func (s *stubRuntime) IsRunning(ctx context.Context, name string) (bool, error) { return false, nil }
func (s *stubRuntime) Logs(ctx context.Context, name string, opts runtime.LogOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}
func (s *stubRuntime) MemoryMB(ctx context.Context, name string) (int64, error) { return 2048, nil }

type stubControl struct {
	startCalls int
	stopCalls  int
	startErr   error
	lastOpts   control.StartOptions
}

func (c *stubControl) Start(ctx context.Context, m *registry.Model, opts control.StartOptions) (*launcher.Result, error) {
	c.startCalls++
	c.lastOpts = opts
	if c.startErr != nil {
		return nil, c.startErr
	}
	return &launcher.Result{Outcome: launcher.Started, Name: m.ID, Port: m.Port}, nil
}

func (c *stubControl) Stop(ctx context.Context, m *registry.Model) error {
	c.stopCalls++
	return nil
}

func (c *stubControl) Logs(ctx context.Context, m *registry.Model, opts runtime.LogOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("log line 1\nlog line 2\n")), nil
}

type testAPI struct {
	*Server
	handler http.Handler
}

func newTestServer(t *testing.T, auth AuthConfig) (*testAPI, *stubControl) {
	t.Helper()
	catalog := &registry.File{Models: []registry.Model{
		{ID: "qwen", Engine: registry.EngineVLLM, Port: 8001, Image: "i", ModelRef: "m"},
		{ID: "whisper", Engine: registry.EngineScript, Port: 18090, ScriptDir: "whisper"},
	}}
	rt := &stubRuntime{containers: []runtime.ContainerInfo{{Name: "modelctl-qwen", Running: true}}}
	ctrl := &stubControl{}
	srv := &Server{
		Catalog:  catalog,
		Control:  ctrl,
		Statuses: &status.Collector{Catalog: catalog, Runtime: rt},
		Runtime:  rt,
		Sys:      sysinfo.NewCollector(),
		Tools:    &toolspec.Loader{ToolsDir: filepath.Join(t.TempDir(), "tools")},
		Auth:     auth,
	}
	return &testAPI{Server: srv, handler: srv.Handler()}, ctrl
}

func doRequest(s *testAPI, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{APIKey: "secret"})
	rec := doRequest(s, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestAuthRequiredForModelRoutes(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{APIKey: "secret"})

	rec := doRequest(s, http.MethodGet, "/api/models", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	rec = doRequest(s, http.MethodGet, "/api/models", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/models", "secret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthDisabledFlag(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{APIKey: "secret", Disabled: true})
	rec := doRequest(s, http.MethodGet, "/api/models", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitSlidingWindow(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{RateLimit: 2})

	rec := doRequest(s, http.MethodGet, "/api/models", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	rec = doRequest(s, http.MethodGet, "/api/models", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = doRequest(s, http.MethodGet, "/api/models", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestListModels(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{})
	rec := doRequest(s, http.MethodGet, "/api/models", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"qwen"`)
	assert.Contains(t, body, `"running"`)
	assert.Contains(t, body, `"whisper"`)
}

func TestGetModelIncludesMemory(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{})
	rec := doRequest(s, http.MethodGet, "/api/models/qwen", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"memory_mb":2048`)
}

func TestStartModel(t *testing.T) {
	s, ctrl := newTestServer(t, AuthConfig{})
	rec := doRequest(s, http.MethodPost, "/api/models/qwen/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ctrl.startCalls)
	assert.Contains(t, rec.Body.String(), `"started"`)
}

func TestStartUnknownModel(t *testing.T) {
	s, ctrl := newTestServer(t, AuthConfig{})
	rec := doRequest(s, http.MethodPost, "/api/models/nope/start", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, ctrl.startCalls)
}

func TestStartErrorMapping(t *testing.T) {
	s, ctrl := newTestServer(t, AuthConfig{})

	ctrl.startErr = errors.Wrap(launcher.ErrMissingCredential, "HF_TOKEN")
	rec := doRequest(s, http.MethodPost, "/api/models/qwen/start", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ctrl.startErr = errors.Wrap(launcher.ErrPortInUseByOther, "port 8001")
	rec = doRequest(s, http.MethodPost, "/api/models/qwen/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	ctrl.startErr = errors.Wrap(launcher.ErrBuildFailed, "docker build")
	rec = doRequest(s, http.MethodPost, "/api/models/qwen/start", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStopModel(t *testing.T) {
	s, ctrl := newTestServer(t, AuthConfig{})
	rec := doRequest(s, http.MethodPost, "/api/models/qwen/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ctrl.stopCalls)
}

func TestLogsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{})
	rec := doRequest(s, http.MethodGet, "/api/models/qwen/logs?lines=50", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "log line 2")
}

func TestToolsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{})
	toolDir := filepath.Join(s.Tools.ToolsDir, "run_python")
	require.NoError(t, os.MkdirAll(toolDir, 0o755))
	manifest := "---\nname: run_python\ndescription: Run Python\n---\nBody\n"
	require.NoError(t, os.WriteFile(filepath.Join(toolDir, "TOOL.md"), []byte(manifest), 0o644))

	rec := doRequest(s, http.MethodGet, "/api/tools", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run_python"`)
	assert.Contains(t, rec.Body.String(), `"function"`)
}
