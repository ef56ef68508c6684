// Package artifact ensures the launchable artifact a service needs exists
// before launch: a container image, a Python virtualenv, or nothing at all.
// Ensuring is idempotent; an artifact that already exists is not rebuilt
// unless the caller forces it.
package artifact

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Step is one artifact to ensure. Exists must be side-effect free.
type Step interface {
	Name() string
	Exists(ctx context.Context) (bool, error)
	Build(ctx context.Context) error
}

// Ensure builds the step unless it already exists. It reports whether a build
// ran. With force set the existence check is skipped and the build always
// runs.
func Ensure(ctx context.Context, step Step, force bool) (bool, error) {
	if !force {
		exists, err := step.Exists(ctx)
		if err != nil {
			return false, errors.Wrapf(err, "check artifact %q", step.Name())
		}
		if exists {
			log.Debug().Str("artifact", step.Name()).Msg("artifact present, skipping build")
			return false, nil
		}
	}

	log.Info().Str("artifact", step.Name()).Msg("building artifact")
	if err := step.Build(ctx); err != nil {
		return false, errors.Wrapf(err, "build artifact %q", step.Name())
	}
	return true, nil
}

// ImageBuilder is the slice of the container runtime image steps need.
type ImageBuilder interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	BuildImage(ctx context.Context, spec BuildRequest) (string, error)
}

// BuildRequest mirrors the runtime's build parameters without importing it,
// so the two packages stay decoupled.
type BuildRequest struct {
	ContextDir string
	Dockerfile string
	Tags       []string
	NoCache    bool
	Output     io.Writer
}

// ImageStep ensures a container image exists, building it from a local
// context when it does not.
type ImageStep struct {
	Builder    ImageBuilder
	Ref        string
	ContextDir string
	Dockerfile string
	Output     io.Writer
}

func (s *ImageStep) Name() string { return "image " + s.Ref }

func (s *ImageStep) Exists(ctx context.Context) (bool, error) {
	return s.Builder.ImageExists(ctx, s.Ref)
}

func (s *ImageStep) Build(ctx context.Context) error {
	if s.ContextDir == "" {
		return errors.Errorf("image %q is absent and no build context is configured", s.Ref)
	}
	_, err := s.Builder.BuildImage(ctx, BuildRequest{
		ContextDir: s.ContextDir,
		Dockerfile: s.Dockerfile,
		Tags:       []string{s.Ref},
		Output:     s.Output,
	})
	return err
}

// ImagePuller is the slice of the container runtime pull steps need.
type ImagePuller interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
}

// PullStep ensures a registry image is present locally, pulling it when it is
// not. It is the default artifact for container services without a local
// build context, matching docker run's implicit pull.
type PullStep struct {
	Puller ImagePuller
	Ref    string
}

func (s *PullStep) Name() string { return "image " + s.Ref }

func (s *PullStep) Exists(ctx context.Context) (bool, error) {
	return s.Puller.ImageExists(ctx, s.Ref)
}

func (s *PullStep) Build(ctx context.Context) error {
	return s.Puller.PullImage(ctx, s.Ref)
}

// VenvStep ensures a Python virtualenv exists with the service's requirements
// installed. The venv directory's presence is the existence signal, matching
// how script engines check for their environment.
type VenvStep struct {
	Dir          string
	Requirements string
	Python       string
	Output       io.Writer
}

func (s *VenvStep) Name() string { return "venv " + s.Dir }

func (s *VenvStep) Exists(ctx context.Context) (bool, error) {
	info, err := os.Stat(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *VenvStep) Build(ctx context.Context) error {
	python := s.Python
	if python == "" {
		python = "python3"
	}

	if err := s.run(ctx, python, "-m", "venv", s.Dir); err != nil {
		return errors.Wrap(err, "create venv")
	}
	if s.Requirements != "" {
		pip := filepath.Join(s.Dir, "bin", "pip")
		if err := s.run(ctx, pip, "install", "-r", s.Requirements); err != nil {
			return errors.Wrap(err, "install requirements")
		}
	}
	return nil
}

func (s *VenvStep) run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if s.Output != nil {
		cmd.Stdout = s.Output
		cmd.Stderr = s.Output
	}
	return cmd.Run()
}
