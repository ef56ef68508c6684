package cmds

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/modelctl/modelctl/pkg/control"
	"github.com/modelctl/modelctl/pkg/launcher"
)

func newUpCmd() *cobra.Command {
	var all bool
	var build bool
	var foreground bool

	cmd := &cobra.Command{
		Use:   "up [model...]",
		Short: "Launch models (idempotent: running models are left alone)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(opts)
			if err != nil {
				return err
			}
			models, err := selectModels(catalog, args, all)
			if err != nil {
				return err
			}
			if foreground && len(models) > 1 {
				return errors.New("--foreground takes a single model")
			}

			ctrl, err := newController(cmd.Context(), opts, catalog)
			if err != nil {
				return err
			}

			for _, m := range models {
				ctx := cmd.Context()
				var cancel context.CancelFunc
				if !foreground {
					ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
				}
				res, err := ctrl.Start(ctx, m, control.StartOptions{
					Build:      build,
					Foreground: foreground,
				})
				if cancel != nil {
					cancel()
				}
				if err != nil {
					return errors.Wrapf(err, "start %s", m.ID)
				}

				switch res.Outcome {
				case launcher.AlreadyRunning:
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s already running on port %d\n", m.ID, m.Port)
				default:
					log.Info().Str("model", m.ID).Bool("built", res.BuildRan).Msg("launched")
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s started on port %d\n", m.ID, m.Port)
				}
				if foreground && res.ExitCode != 0 {
					os.Exit(res.ExitCode)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Launch every model in the catalog")
	cmd.Flags().BoolVar(&build, "build", false, "Rebuild artifacts even when they exist")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run a host-process model in the foreground")
	return cmd
}
