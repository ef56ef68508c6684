package control

import (
	"context"

	"github.com/modelctl/modelctl/pkg/artifact"
	"github.com/modelctl/modelctl/pkg/runtime"
)

// imageBuilder adapts the container runtime to the artifact package's build
// interface.
type imageBuilder struct {
	rt runtime.Runtime
}

func (b *imageBuilder) ImageExists(ctx context.Context, ref string) (bool, error) {
	return b.rt.ImageExists(ctx, ref)
}

func (b *imageBuilder) PullImage(ctx context.Context, ref string) error {
	return b.rt.PullImage(ctx, ref)
}

func (b *imageBuilder) BuildImage(ctx context.Context, req artifact.BuildRequest) (string, error) {
	return b.rt.BuildImage(ctx, runtime.BuildSpec{
		ContextDir: req.ContextDir,
		Dockerfile: req.Dockerfile,
		Tags:       req.Tags,
		NoCache:    req.NoCache,
		Output:     req.Output,
	})
}
