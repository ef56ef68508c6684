package cmds

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/modelctl/modelctl/pkg/control"
	"github.com/modelctl/modelctl/pkg/registry"
	"github.com/modelctl/modelctl/pkg/runtime"
)

type rootOptions struct {
	BaseDir string
	Config  string
	Timeout time.Duration
}

func AddRootFlags(root *cobra.Command) {
	root.PersistentFlags().String("base-dir", "", "Base directory for catalog, state, and logs (defaults to current directory)")
	root.PersistentFlags().String("config", "", "Path to the model catalog (defaults to models.yaml under base-dir)")
	root.PersistentFlags().Duration("timeout", 120*time.Second, "Default timeout for launch and stop operations")
}

func getRootOptions(cmd *cobra.Command) (rootOptions, error) {
	baseDir, err := cmd.Root().PersistentFlags().GetString("base-dir")
	if err != nil {
		return rootOptions{}, err
	}
	if baseDir == "" {
		baseDir, err = os.Getwd()
		if err != nil {
			return rootOptions{}, err
		}
	}
	baseDir, err = filepath.Abs(baseDir)
	if err != nil {
		return rootOptions{}, err
	}

	cfgPath, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return rootOptions{}, err
	}
	if cfgPath == "" {
		cfgPath = registry.DefaultPath(baseDir)
	} else if !filepath.IsAbs(cfgPath) {
		cfgPath = filepath.Join(baseDir, cfgPath)
	}

	timeout, err := cmd.Root().PersistentFlags().GetDuration("timeout")
	if err != nil {
		return rootOptions{}, err
	}
	if timeout <= 0 {
		return rootOptions{}, errors.New("timeout must be > 0")
	}

	return rootOptions{
		BaseDir: baseDir,
		Config:  cfgPath,
		Timeout: timeout,
	}, nil
}

func loadCatalog(opts rootOptions) (*registry.File, error) {
	catalog, err := registry.LoadFromFile(opts.Config)
	if err != nil {
		return nil, err
	}
	if len(catalog.Models) == 0 {
		return nil, errors.Errorf("no models configured in %s", opts.Config)
	}
	return catalog, nil
}

// newController builds the production wiring: the Docker runtime plus the
// launcher configured from the root options.
func newController(ctx context.Context, opts rootOptions, catalog *registry.File) (*control.Controller, error) {
	rt, err := runtime.NewDocker(ctx)
	if err != nil {
		return nil, err
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.Wrap(err, "resolve home dir")
	}

	ctrl := control.NewController(catalog, rt, opts.BaseDir, home)
	ctrl.Launcher.SettleTimeout = opts.Timeout
	ctrl.StopGrace = opts.Timeout
	return ctrl, nil
}

// selectModels resolves positional model IDs, or the whole catalog with
// --all.
func selectModels(catalog *registry.File, args []string, all bool) ([]*registry.Model, error) {
	if all {
		out := make([]*registry.Model, 0, len(catalog.Models))
		for i := range catalog.Models {
			out = append(out, &catalog.Models[i])
		}
		return out, nil
	}
	if len(args) == 0 {
		return nil, errors.New("specify one or more model IDs, or --all")
	}

	out := make([]*registry.Model, 0, len(args))
	for _, id := range args {
		m := catalog.Find(id)
		if m == nil {
			return nil, errors.Errorf("unknown model %q", id)
		}
		out = append(out, m)
	}
	return out, nil
}
