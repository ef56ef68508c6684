package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeStep struct {
	exists     bool
	existsErr  error
	buildErr   error
	existCalls int
	buildCalls int
}

func (s *fakeStep) Name() string { return "fake" }

func (s *fakeStep) Exists(ctx context.Context) (bool, error) {
	s.existCalls++
	return s.exists, s.existsErr
}

func (s *fakeStep) Build(ctx context.Context) error {
	s.buildCalls++
	return s.buildErr
}

func TestEnsureSkipsExistingArtifact(t *testing.T) {
	step := &fakeStep{exists: true}
	built, err := Ensure(context.Background(), step, false)
	require.NoError(t, err)
	require.False(t, built)
	require.Equal(t, 1, step.existCalls)
	require.Equal(t, 0, step.buildCalls)
}

func TestEnsureBuildsMissingArtifact(t *testing.T) {
	step := &fakeStep{exists: false}
	built, err := Ensure(context.Background(), step, false)
	require.NoError(t, err)
	require.True(t, built)
	require.Equal(t, 1, step.buildCalls)
}

func TestEnsureForceRebuilds(t *testing.T) {
	step := &fakeStep{exists: true}
	built, err := Ensure(context.Background(), step, true)
	require.NoError(t, err)
	require.True(t, built)
	require.Equal(t, 0, step.existCalls)
	require.Equal(t, 1, step.buildCalls)
}

func TestEnsurePropagatesBuildError(t *testing.T) {
	step := &fakeStep{exists: false, buildErr: errors.New("compiler exploded")}
	_, err := Ensure(context.Background(), step, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "compiler exploded")
}

type fakeBuilder struct {
	exists     bool
	buildCalls int
	lastReq    BuildRequest
}

func (b *fakeBuilder) ImageExists(ctx context.Context, ref string) (bool, error) {
	return b.exists, nil
}

func (b *fakeBuilder) BuildImage(ctx context.Context, req BuildRequest) (string, error) {
	b.buildCalls++
	b.lastReq = req
	return "sha256:deadbeef", nil
}

func TestImageStepBuildsWithTag(t *testing.T) {
	builder := &fakeBuilder{}
	step := &ImageStep{Builder: builder, Ref: "modelctl/whisper:latest", ContextDir: "/srv/whisper"}

	built, err := Ensure(context.Background(), step, false)
	require.NoError(t, err)
	require.True(t, built)
	require.Equal(t, []string{"modelctl/whisper:latest"}, builder.lastReq.Tags)
	require.Equal(t, "/srv/whisper", builder.lastReq.ContextDir)
}

func TestImageStepWithoutContextFails(t *testing.T) {
	step := &ImageStep{Builder: &fakeBuilder{}, Ref: "modelctl/whisper:latest"}
	_, err := Ensure(context.Background(), step, false)
	require.Error(t, err)
}

type fakePuller struct {
	exists    bool
	pullCalls int
}

func (p *fakePuller) ImageExists(ctx context.Context, ref string) (bool, error) {
	return p.exists, nil
}

func (p *fakePuller) PullImage(ctx context.Context, ref string) error {
	p.pullCalls++
	p.exists = true
	return nil
}

func TestPullStepFetchesMissingImage(t *testing.T) {
	puller := &fakePuller{}
	step := &PullStep{Puller: puller, Ref: "ollama/ollama:latest"}

	built, err := Ensure(context.Background(), step, false)
	require.NoError(t, err)
	require.True(t, built)
	require.Equal(t, 1, puller.pullCalls)

	built, err = Ensure(context.Background(), step, false)
	require.NoError(t, err)
	require.False(t, built)
	require.Equal(t, 1, puller.pullCalls)
}

func TestVenvStepExistence(t *testing.T) {
	dir, err := os.MkdirTemp("", "modelctl-venv-test-*")
	require.NoError(t, err)
	defer func() { _ = os.RemoveAll(dir) }()

	step := &VenvStep{Dir: filepath.Join(dir, "venv")}
	exists, err := step.Exists(context.Background())
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, os.Mkdir(step.Dir, 0o755))
	exists, err = step.Exists(context.Background())
	require.NoError(t, err)
	require.True(t, exists)
}
